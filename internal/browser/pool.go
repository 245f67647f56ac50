// Package browser tracks the browsers launched on behalf of remote sessions.
//
// A Pool is the set of running browsers of one automation engine instance.
// The server keeps a process-wide pool shared by reuse sessions, the
// pre-launched instance has its own, and every launch session gets a private
// one. Browsers leave their pool when they disconnect or are closed.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/pwremote/internal/obs"
)

// Launcher starts browsers. PlaywrightLauncher is the production one.
type Launcher interface {
	Launch(ctx context.Context, name string, opts LaunchOptions) (Browser, error)
}

// Browser is a running browser process.
type Browser interface {
	Version() string
	Contexts() []Context
	Close() error
	// OnDisconnected registers fn to run once the browser goes away.
	OnDisconnected(fn func())
}

// Context is an isolated browser context.
type Context interface {
	PageCount() int
	Close() error
}

// PendingStopper is implemented by contexts that can abort the operations
// currently in flight without closing.
type PendingStopper interface {
	StopPendingOperations(reason string)
}

// Instance is a browser registered in a pool.
type Instance struct {
	ID         string
	Name       string
	Channel    string
	Hash       string
	Options    LaunchOptions
	Browser    Browser
	LaunchedAt time.Time

	watchMu  sync.Mutex
	watchers map[int]func()
	nextID   int
	gone     bool
}

// Watch registers fn to run once the browser disconnects and returns a
// function that unregisters it. On a browser that is already gone fn runs
// right away on its own goroutine.
func (i *Instance) Watch(fn func()) (stop func()) {
	i.watchMu.Lock()
	if i.gone {
		i.watchMu.Unlock()
		go fn()
		return func() {}
	}
	if i.watchers == nil {
		i.watchers = make(map[int]func())
	}
	id := i.nextID
	i.nextID++
	i.watchers[id] = fn
	i.watchMu.Unlock()
	return func() {
		i.watchMu.Lock()
		delete(i.watchers, id)
		i.watchMu.Unlock()
	}
}

// Watchers returns the number of live disconnect watchers.
func (i *Instance) Watchers() int {
	i.watchMu.Lock()
	defer i.watchMu.Unlock()
	return len(i.watchers)
}

func (i *Instance) disconnected() {
	i.watchMu.Lock()
	if i.gone {
		i.watchMu.Unlock()
		return
	}
	i.gone = true
	fns := make([]func(), 0, len(i.watchers))
	for _, fn := range i.watchers {
		fns = append(fns, fn)
	}
	i.watchers = nil
	i.watchMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Pool is a set of running browsers.
type Pool struct {
	launcher Launcher

	mu        sync.Mutex
	instances []*Instance

	keyMu    sync.Mutex
	keyLocks map[string]*sync.Mutex
}

// NewPool returns an empty pool launching through l.
func NewPool(l Launcher) *Pool {
	return &Pool{launcher: l, keyLocks: make(map[string]*sync.Mutex)}
}

// Launch starts a browser and registers it.
func (p *Pool) Launch(ctx context.Context, name string, opts LaunchOptions) (*Instance, error) {
	if p.launcher == nil {
		return nil, errors.New("browser: pool has no launcher")
	}
	b, err := p.launcher.Launch(ctx, name, opts)
	if err != nil {
		return nil, fmt.Errorf("launch %s: %w", name, err)
	}
	inst := p.Adopt(name, opts, b)
	obs.Info("browser.launched", obs.Fields{"id": inst.ID, "name": name, "channel": opts.Channel, "hash": inst.Hash})
	return inst, nil
}

// Adopt registers a browser that was started elsewhere.
func (p *Pool) Adopt(name string, opts LaunchOptions, b Browser) *Instance {
	inst := &Instance{
		ID:         uuid.NewString(),
		Name:       name,
		Channel:    opts.Channel,
		Hash:       opts.Hash(),
		Options:    opts,
		Browser:    b,
		LaunchedAt: time.Now(),
	}
	p.mu.Lock()
	p.instances = append(p.instances, inst)
	p.mu.Unlock()
	obs.RunningBrowsers.Inc()
	b.OnDisconnected(func() {
		p.remove(inst)
		inst.disconnected()
	})
	return inst
}

func (p *Pool) remove(inst *Instance) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cur := range p.instances {
		if cur == inst {
			p.instances = append(p.instances[:i], p.instances[i+1:]...)
			obs.RunningBrowsers.Dec()
			return true
		}
	}
	return false
}

// Instances returns the running browsers in launch order.
func (p *Pool) Instances() []*Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Instance(nil), p.instances...)
}

// Contains reports whether inst is still registered.
func (p *Pool) Contains(inst *Instance) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cur := range p.instances {
		if cur == inst {
			return true
		}
	}
	return false
}

// Find returns a running browser with the given name and options hash.
func (p *Pool) Find(name, hash string) *Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, inst := range p.instances {
		if inst.Name == name && inst.Hash == hash {
			return inst
		}
	}
	return nil
}

// Close closes one browser and drops it from the pool.
func (p *Pool) Close(inst *Instance) error {
	p.remove(inst)
	return inst.Browser.Close()
}

// CloseOthers closes every browser except keep for which match returns true.
// A nil match selects all of them.
func (p *Pool) CloseOthers(keep *Instance, match func(*Instance) bool) error {
	var victims []*Instance
	for _, inst := range p.Instances() {
		if inst == keep || (match != nil && !match(inst)) {
			continue
		}
		victims = append(victims, inst)
	}
	var errs []error
	for _, inst := range victims {
		obs.Info("browser.close.other", obs.Fields{"id": inst.ID, "name": inst.Name, "channel": inst.Channel})
		if err := p.Close(inst); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CloseAll closes every browser in the pool.
func (p *Pool) CloseAll() error {
	return p.CloseOthers(nil, nil)
}

// Lock serializes the find, launch and close-others sequence for one
// (name, channel) pair. The returned func unlocks.
func (p *Pool) Lock(name, channel string) func() {
	key := name + "\x00" + channel
	p.keyMu.Lock()
	l, ok := p.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		p.keyLocks[key] = l
	}
	p.keyMu.Unlock()
	l.Lock()
	return l.Unlock
}
