package session

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/matst80/pwremote/internal/browser"
	"github.com/matst80/pwremote/internal/obs"
	"github.com/matst80/pwremote/internal/socks"
)

const browserClosedReason = "Browser closed"

func (s *Session) initialize(ctx context.Context) error {
	var (
		inst *browser.Instance
		err  error
	)
	switch s.opts.ClientType {
	case Controller:
		err = s.initController()
	case PreLaunched:
		inst, err = s.initPreLaunched()
	case LaunchBrowser:
		inst, err = s.initLaunchBrowser(ctx)
	case ReuseBrowser:
		inst, err = s.initReuseBrowser(ctx)
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupportedClientType, s.opts.ClientType)
	}
	if err != nil {
		return err
	}

	newScope := s.res.NewScope
	if newScope == nil {
		newScope = UnsupportedScope
	}
	scope := newScope(s.Info(), inst)
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		scope.Dispose()
		return nil
	}
	s.scope = scope
	s.mu.Unlock()
	return nil
}

// watchBrowser closes the client connection when inst goes away. The watch
// is dropped on teardown so long-lived browsers do not pin old sessions.
func (s *Session) watchBrowser(inst *browser.Instance) {
	stop := inst.Watch(func() {
		obs.Info("session.browser.disconnected", obs.Fields{"id": s.opts.ID, "browser": inst.ID})
		s.Close(websocket.CloseGoingAway, browserClosedReason)
	})
	s.addCleanup("unwatch browser", func() error {
		stop()
		return nil
	})
}

func (s *Session) attachProxy(p *socks.Proxy) {
	s.mu.Lock()
	s.proxy = p
	s.mu.Unlock()
}

func (s *Session) initController() error {
	if s.res.PreLaunched == nil {
		return ErrNoPreLaunched
	}
	return nil
}

func (s *Session) initPreLaunched() (*browser.Instance, error) {
	pre := s.res.PreLaunched
	if pre == nil || pre.Instance == nil {
		return nil, ErrNoPreLaunched
	}
	inst := pre.Instance
	s.watchBrowser(inst)

	if pre.Pool != nil {
		unlock := pre.Pool.Lock(inst.Name, inst.Channel)
		err := pre.Pool.CloseOthers(inst, nil)
		unlock()
		if err != nil {
			obs.Error("session.prelaunched.close_others", obs.Fields{"id": s.opts.ID, "err": err.Error()})
		}
	}

	if pre.Proxy != nil {
		pre.Proxy.SetPattern(s.opts.Pattern)
		pre.Proxy.SetForwarder(s)
		s.attachProxy(pre.Proxy)
		s.addCleanup("detach shared proxy", func() error {
			pre.Proxy.ClearForwarder(s)
			return nil
		})
	}

	s.addCleanup("close pre-launched contexts", func() error {
		return closeContexts(inst.Browser)
	})
	return inst, nil
}

func (s *Session) initLaunchBrowser(ctx context.Context) (*browser.Instance, error) {
	if s.res.Launcher == nil {
		return nil, fmt.Errorf("session: no browser launcher configured")
	}
	pool := browser.NewPool(s.res.Launcher)
	s.addCleanup("close launched browsers", pool.CloseAll)

	opts := s.opts.LaunchOptions.Sanitize(s.res.TestMode)
	if s.opts.Pattern != "" {
		port, err := s.ownProxy()
		if err != nil {
			return nil, err
		}
		opts.Proxy = &browser.ProxySettings{Server: fmt.Sprintf("socks5://127.0.0.1:%d", port)}
	}

	inst, err := pool.Launch(ctx, s.opts.Browser, opts)
	if err != nil {
		return nil, err
	}
	s.watchBrowser(inst)
	return inst, nil
}

// ownProxy starts a tunnel listener scoped to this session.
func (s *Session) ownProxy() (int, error) {
	p := socks.NewProxy(s.res.ProxyOptions...)
	p.SetPattern(s.opts.Pattern)
	p.SetForwarder(s)
	port, err := p.Listen("127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("socks listen: %w", err)
	}
	s.attachProxy(p)
	s.addCleanup("close owned proxy", p.Close)
	obs.Debug("session.proxy.owned", obs.Fields{"id": s.opts.ID, "port": port, "pattern": s.opts.Pattern})
	return port, nil
}

func (s *Session) initReuseBrowser(ctx context.Context) (*browser.Instance, error) {
	pool := s.res.Pool
	if pool == nil {
		return nil, fmt.Errorf("session: no shared browser pool configured")
	}
	opts := s.opts.LaunchOptions.Sanitize(s.res.TestMode)
	name := s.opts.Browser

	unlock := pool.Lock(name, opts.Channel)
	defer unlock()

	inst := pool.Find(name, opts.Hash())
	if err := pool.CloseOthers(inst, func(other *browser.Instance) bool {
		return other.Name == name && other.Channel == opts.Channel
	}); err != nil {
		obs.Error("session.reuse.close_others", obs.Fields{"id": s.opts.ID, "err": err.Error()})
	}

	if inst != nil {
		obs.Info("session.reuse.hit", obs.Fields{"id": s.opts.ID, "browser": inst.ID, "hash": inst.Hash})
	} else {
		var err error
		inst, err = pool.Launch(ctx, name, opts)
		if err != nil {
			return nil, err
		}
	}
	s.watchBrowser(inst)

	s.addCleanup("release reused browsers", func() error {
		var firstErr error
		for _, running := range pool.Instances() {
			if err := releaseContexts(running.Browser); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})
	return inst, nil
}

// releaseContexts closes the empty contexts of b and stops pending work on
// the others, leaving the browser open for inspection.
func releaseContexts(b browser.Browser) error {
	var firstErr error
	for _, c := range b.Contexts() {
		if c.PageCount() == 0 {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		}
		if st, ok := c.(browser.PendingStopper); ok {
			st.StopPendingOperations("Connection closed")
		}
	}
	return firstErr
}

func closeContexts(b browser.Browser) error {
	var firstErr error
	for _, c := range b.Contexts() {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
