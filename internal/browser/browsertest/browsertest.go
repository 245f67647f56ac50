// Package browsertest provides in-memory browsers for tests.
package browsertest

import (
	"context"
	"sync"

	"github.com/matst80/pwremote/internal/browser"
)

// Context is a fake browser context.
type Context struct {
	mu      sync.Mutex
	pages   int
	closed  bool
	stopped string
}

// NewContext returns a context holding the given number of pages.
func NewContext(pages int) *Context { return &Context{pages: pages} }

func (c *Context) PageCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pages
}

func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Context) StopPendingOperations(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = reason
}

func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Stopped returns the reason passed to StopPendingOperations, if any.
func (c *Context) Stopped() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Browser is a fake browser. Closing it fires the disconnect listeners.
type Browser struct {
	Name    string
	Options browser.LaunchOptions

	mu           sync.Mutex
	contexts     []browser.Context
	closed       bool
	disconnected bool
	listeners    []func()
}

func (b *Browser) Version() string { return "fake-1.0" }

func (b *Browser) AddContext(c *Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.contexts = append(b.contexts, c)
}

func (b *Browser) Contexts() []browser.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]browser.Context(nil), b.contexts...)
}

func (b *Browser) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.Disconnect()
	return nil
}

func (b *Browser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Browser) OnDisconnected(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Listeners returns how many disconnect listeners were registered.
func (b *Browser) Listeners() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// Disconnect simulates the browser process going away.
func (b *Browser) Disconnect() {
	b.mu.Lock()
	if b.disconnected {
		b.mu.Unlock()
		return
	}
	b.disconnected = true
	fns := b.listeners
	b.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Launcher records every browser it launches.
type Launcher struct {
	// Fail, when set, is returned by every Launch.
	Fail error

	mu       sync.Mutex
	launched []*Browser
}

func (l *Launcher) Launch(ctx context.Context, name string, opts browser.LaunchOptions) (browser.Browser, error) {
	if l.Fail != nil {
		return nil, l.Fail
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := &Browser{Name: name, Options: opts}
	l.mu.Lock()
	l.launched = append(l.launched, b)
	l.mu.Unlock()
	return b, nil
}

func (l *Launcher) Launched() []*Browser {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Browser(nil), l.launched...)
}
