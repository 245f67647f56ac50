// Package session binds one client WebSocket to an admission permit and a
// browser acquisition policy.
//
// A Session reads frames from the moment it is created but holds them until
// its permit is granted, so a server at capacity stalls new clients instead
// of rejecting them. Once admitted the session resolves a browser according
// to its ClientType, attaches a SOCKS tunnel when one was requested and then
// pumps tunnel events between the proxy and the client. Teardown runs exactly
// once no matter how many close paths fire.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/pwremote/internal/browser"
	"github.com/matst80/pwremote/internal/obs"
	"github.com/matst80/pwremote/internal/proto"
	"github.com/matst80/pwremote/internal/semaphore"
	"github.com/matst80/pwremote/internal/socks"
)

// ClientType selects the browser acquisition policy.
type ClientType string

const (
	LaunchBrowser ClientType = "launch-browser"
	ReuseBrowser  ClientType = "reuse-browser"
	PreLaunched   ClientType = "pre-launched"
	Controller    ClientType = "controller"
)

var (
	ErrUnsupportedClientType = errors.New("session: unsupported client type")
	ErrNoPreLaunched         = errors.New("session: no pre-launched browser")
)

// State is the lifecycle position of a Session.
type State int

const (
	StateAdmitting State = iota
	StateInitializing
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAdmitting:
		return "admitting"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Conn is the client transport. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Admission hands out session permits. *semaphore.Semaphore satisfies it.
type Admission interface {
	Acquire(ctx context.Context) (*semaphore.Permit, error)
	Release(p *semaphore.Permit) error
}

// DefaultBrowser is launched when the client names none.
const DefaultBrowser = "chromium"

// Options are the per-connection parameters parsed from the upgrade request.
type Options struct {
	ID            string
	ClientType    ClientType
	Browser       string
	Pattern       string
	LaunchOptions browser.LaunchOptions
	RemoteAddr    string
	// Pool labels the admission pool in metrics.
	Pool string
	// OnProgress, when set, receives a snapshot each time the session moves
	// to initializing and to active. It runs on the Run goroutine.
	OnProgress func(Info)
}

// PreLaunchedBrowser is the externally supplied singleton shared by
// pre-launched and controller sessions.
type PreLaunchedBrowser struct {
	Pool     *browser.Pool
	Instance *browser.Instance
	Proxy    *socks.Proxy
}

// Resources are the server wide collaborators a session works with.
type Resources struct {
	Launcher     browser.Launcher
	Pool         *browser.Pool
	PreLaunched  *PreLaunchedBrowser
	NewScope     ScopeFactory
	ProxyOptions []socks.Option
	TestMode     bool
}

// Info is a snapshot of a session for registries and dashboards.
type Info struct {
	ID         string     `json:"id"`
	ClientType ClientType `json:"clientType"`
	Browser    string     `json:"browser"`
	Pattern    string     `json:"pattern,omitempty"`
	RemoteAddr string     `json:"remoteAddr"`
	State      string     `json:"state"`
	StartedAt  time.Time  `json:"startedAt"`
}

type cleanup struct {
	name string
	fn   func() error
}

// Session is one admitted client connection.
type Session struct {
	conn      Conn
	opts      Options
	res       *Resources
	admission Admission
	startedAt time.Time

	inbox *inbox

	writeMu sync.Mutex

	mu       sync.Mutex
	state    State
	permit   *semaphore.Permit
	proxy    *socks.Proxy
	scope    Scope
	cleanups []cleanup
	disposed bool
}

// New creates a session for conn. Nothing happens until Run.
func New(conn Conn, opts Options, res *Resources, adm Admission) *Session {
	if opts.Browser == "" {
		opts.Browser = DefaultBrowser
	}
	if res == nil {
		res = &Resources{}
	}
	return &Session{
		conn:      conn,
		opts:      opts,
		res:       res,
		admission: adm,
		startedAt: time.Now(),
		inbox:     newInbox(),
	}
}

func (s *Session) ID() string { return s.opts.ID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) advance(st State) {
	s.setState(st)
	if s.opts.OnProgress != nil {
		s.opts.OnProgress(s.Info())
	}
}

func (s *Session) Info() Info {
	return Info{
		ID:         s.opts.ID,
		ClientType: s.opts.ClientType,
		Browser:    s.opts.Browser,
		Pattern:    s.opts.Pattern,
		RemoteAddr: s.opts.RemoteAddr,
		State:      s.State().String(),
		StartedAt:  s.startedAt,
	}
}

// Run admits, initializes and serves the session until the client goes away
// or ctx is done. The session is disposed when Run returns.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.dispose()

	go s.readLoop(cancel)

	if !s.admit(ctx) {
		return nil
	}

	s.advance(StateInitializing)
	if err := s.initialize(ctx); err != nil {
		obs.ErrorsTotal.WithLabelValues("session_init").Inc()
		obs.Error("session.init.failed", obs.Fields{"id": s.opts.ID, "type": string(s.opts.ClientType), "err": err.Error()})
		s.Close(websocket.CloseInternalServerErr, err.Error())
		return err
	}
	s.advance(StateActive)
	obs.Info("session.active", obs.Fields{"id": s.opts.ID, "type": string(s.opts.ClientType), "browser": s.opts.Browser})

	for {
		select {
		case <-s.inbox.ready:
			frames, open := s.inbox.drain()
			for _, data := range frames {
				s.dispatch(ctx, data)
			}
			if !open {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Session) admit(ctx context.Context) bool {
	pool := s.opts.Pool
	queued := obs.QueuedAcquires.WithLabelValues(pool)
	queued.Inc()
	start := time.Now()
	permit, err := s.admission.Acquire(ctx)
	queued.Dec()
	if err != nil {
		obs.Debug("session.admission.canceled", obs.Fields{"id": s.opts.ID, "err": err.Error()})
		return false
	}
	obs.PermitWaitSeconds.WithLabelValues(pool).Observe(time.Since(start).Seconds())

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		// Disposed while the grant was in flight.
		_ = s.admission.Release(permit)
		return false
	}
	s.permit = permit
	s.mu.Unlock()
	s.inbox.setLimit(admittedInboxLimit)

	obs.ActiveSessions.WithLabelValues(string(s.opts.ClientType)).Inc()
	obs.Info("session.admitted", obs.Fields{"id": s.opts.ID, "type": string(s.opts.ClientType), "pool": pool, "remote": s.opts.RemoteAddr})
	return true
}

func (s *Session) readLoop(cancel context.CancelFunc) {
	defer s.inbox.close()
	defer cancel()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				obs.Debug("session.read.closed", obs.Fields{"id": s.opts.ID, "err": err.Error()})
			}
			return
		}
		if !s.inbox.push(data) {
			return
		}
	}
}

func (s *Session) dispatch(ctx context.Context, data []byte) {
	var msg proto.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		obs.Error("session.message.invalid", obs.Fields{"id": s.opts.ID, "err": err.Error()})
		return
	}
	if proto.IsTunnelMethod(msg.Method) {
		s.handleTunnel(msg)
		return
	}
	s.mu.Lock()
	scope := s.scope
	s.mu.Unlock()
	if scope == nil {
		return
	}
	if reply := scope.Dispatch(ctx, msg); reply != nil {
		s.send(*reply)
	}
}

func (s *Session) handleTunnel(msg proto.Message) {
	ev, err := proto.DecodeTunnelEvent(msg)
	if err != nil {
		obs.Error("session.tunnel.invalid", obs.Fields{"id": s.opts.ID, "err": err.Error()})
		return
	}
	s.mu.Lock()
	p := s.proxy
	s.mu.Unlock()
	if p == nil {
		obs.Debug("session.tunnel.noproxy", obs.Fields{"id": s.opts.ID, "method": msg.Method})
		return
	}
	if err := p.HandleEvent(ev); err != nil {
		obs.Error("session.tunnel.event", obs.Fields{"id": s.opts.ID, "method": msg.Method, "err": err.Error()})
	}
}

func (s *Session) send(msg proto.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		obs.Error("session.encode", obs.Fields{"id": s.opts.ID, "err": err.Error()})
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		obs.Debug("session.write.failed", obs.Fields{"id": s.opts.ID, "err": err.Error()})
	}
}

func (s *Session) sendEvent(ev proto.TunnelEvent) {
	msg, err := proto.NewEvent(ev)
	if err != nil {
		obs.Error("session.encode", obs.Fields{"id": s.opts.ID, "err": err.Error()})
		return
	}
	s.send(msg)
}

// OnSocksRequested implements socks.Forwarder.
func (s *Session) OnSocksRequested(req proto.SocksRequested) { s.sendEvent(req) }

// OnSocksData implements socks.Forwarder.
func (s *Session) OnSocksData(data proto.SocksData) { s.sendEvent(data) }

// OnSocksClosed implements socks.Forwarder.
func (s *Session) OnSocksClosed(closed proto.SocksClosed) { s.sendEvent(closed) }

// addCleanup registers fn to run on dispose. After dispose it runs at once.
func (s *Session) addCleanup(name string, fn func() error) {
	s.mu.Lock()
	if !s.disposed {
		s.cleanups = append(s.cleanups, cleanup{name: name, fn: fn})
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.runCleanup(cleanup{name: name, fn: fn})
}

func (s *Session) runCleanup(c cleanup) {
	defer func() {
		if r := recover(); r != nil {
			obs.Error("session.cleanup.panic", obs.Fields{"id": s.opts.ID, "cleanup": c.name, "panic": fmt.Sprint(r)})
		}
	}()
	if err := c.fn(); err != nil {
		obs.Error("session.cleanup.failed", obs.Fields{"id": s.opts.ID, "cleanup": c.name, "err": err.Error()})
	}
}

// Close sends a close frame with code and reason, then disposes the session.
func (s *Session) Close(code int, reason string) {
	s.writeMu.Lock()
	err := s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		obs.Debug("session.close.frame", obs.Fields{"id": s.opts.ID, "err": err.Error()})
	}
	s.dispose()
}

// dispose tears the session down. Repeated calls, including calls made from
// inside a cleanup, return immediately.
func (s *Session) dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.state = StateClosing
	cleanups := s.cleanups
	s.cleanups = nil
	scope := s.scope
	permit := s.permit
	s.permit = nil
	s.mu.Unlock()

	s.inbox.close()
	_ = s.conn.Close()

	if scope != nil {
		scope.Dispose()
	}
	for i := len(cleanups) - 1; i >= 0; i-- {
		s.runCleanup(cleanups[i])
	}
	if permit != nil {
		if err := s.admission.Release(permit); err != nil {
			obs.Error("session.release.failed", obs.Fields{"id": s.opts.ID, "err": err.Error()})
		}
		obs.ActiveSessions.WithLabelValues(string(s.opts.ClientType)).Dec()
	}
	obs.SessionDuration.Observe(time.Since(s.startedAt).Seconds())
	s.setState(StateClosed)
	obs.Info("session.closed", obs.Fields{"id": s.opts.ID, "type": string(s.opts.ClientType)})
}
