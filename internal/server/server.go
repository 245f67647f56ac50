// Package server accepts automation clients over WebSocket and hands each
// one to a session.
//
// An upgrade is validated (path, protocol version, rate limit) before any
// frame is exchanged. Accepted clients are classified into a session.ClientType
// and admitted through one of three independent semaphores: browser sessions,
// controller sessions and reuse sessions, the last two capped at one.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/matst80/pwremote/internal/browser"
	"github.com/matst80/pwremote/internal/obs"
	"github.com/matst80/pwremote/internal/ratelimit"
	"github.com/matst80/pwremote/internal/semaphore"
	"github.com/matst80/pwremote/internal/session"
	"github.com/matst80/pwremote/internal/socks"
)

// Pool names used in metrics and stats.
const (
	PoolBrowser    = "browser"
	PoolController = "controller"
	PoolReuse      = "reuse"
)

// Config configures a Server.
type Config struct {
	Path           string
	Mode           Mode
	MaxConnections int
	// Version is the server protocol version; clients must match its
	// major.minor.
	Version     string
	TestMode    bool
	Launcher    browser.Launcher
	Pool        *browser.Pool
	PreLaunched *session.PreLaunchedBrowser
	Registry    Registry
	Limiter     *ratelimit.Limiter
	NewScope    session.ScopeFactory
	SocksOpts   []socks.Option
}

// Server is an http.Handler serving session WebSockets.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	res      *session.Resources
	registry Registry
	sems     map[string]*semaphore.Semaphore

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session.Session
	closing  bool
	wg       sync.WaitGroup
}

// New returns a server. Zero config values get defaults: path "/", unlimited
// browser sessions, an in-memory registry and a shared pool on cfg.Launcher.
func New(cfg Config) *Server {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeDefault
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = int(^uint32(0) >> 1)
	}
	if cfg.Pool == nil {
		cfg.Pool = browser.NewPool(cfg.Launcher)
	}
	if cfg.Registry == nil {
		cfg.Registry = NewMemoryRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Automation clients are not browsers; there is no origin to check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		res: &session.Resources{
			Launcher:     cfg.Launcher,
			Pool:         cfg.Pool,
			PreLaunched:  cfg.PreLaunched,
			NewScope:     cfg.NewScope,
			ProxyOptions: cfg.SocksOpts,
			TestMode:     cfg.TestMode,
		},
		registry: cfg.Registry,
		sems: map[string]*semaphore.Semaphore{
			PoolBrowser:    semaphore.New(cfg.MaxConnections),
			PoolController: semaphore.New(1),
			PoolReuse:      semaphore.New(1),
		},
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session.Session),
	}
}

func poolFor(t session.ClientType) string {
	switch t {
	case session.Controller:
		return PoolController
	case session.ReuseBrowser:
		return PoolReuse
	}
	return PoolBrowser
}

func reject(w http.ResponseWriter, status int, reason, msg string) {
	obs.UpgradeRejected.WithLabelValues(reason).Inc()
	http.Error(w, msg, status)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.cfg.Path {
		reject(w, http.StatusBadRequest, "path", "Bad request")
		return
	}
	if cv := clientVersion(r); !compatible(cv, s.cfg.Version) {
		obs.Info("server.version.mismatch", obs.Fields{"client": cv, "server": s.cfg.Version, "remote": r.RemoteAddr})
		reject(w, http.StatusPreconditionRequired, "version", versionMismatchMessage(cv, s.cfg.Version))
		return
	}
	if !s.cfg.Limiter.Allow(remoteIP(r)) {
		reject(w, http.StatusTooManyRequests, "rate", "Too many connection attempts")
		return
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		reject(w, http.StatusServiceUnavailable, "closing", "Server is shutting down")
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied.
		obs.UpgradeRejected.WithLabelValues("handshake").Inc()
		obs.Debug("server.upgrade.failed", obs.Fields{"err": err.Error(), "remote": r.RemoteAddr})
		return
	}

	p := parseParams(r)
	clientType := classify(s.cfg.Mode, p)
	pool := poolFor(clientType)
	opts := session.Options{
		ID:            uuid.NewString(),
		ClientType:    clientType,
		Browser:       p.browser,
		Pattern:       p.pattern,
		LaunchOptions: p.launchOptions,
		RemoteAddr:    r.RemoteAddr,
		Pool:          pool,
		OnProgress:    s.publish,
	}
	sess := session.New(ws, opts, s.res, s.sems[pool])
	obs.Info("server.connection", obs.Fields{"id": opts.ID, "type": string(clientType), "browser": sess.Info().Browser, "remote": r.RemoteAddr})

	s.track(sess)
	defer s.untrack(sess)
	if err := sess.Run(s.ctx); err != nil {
		obs.Debug("server.session.error", obs.Fields{"id": opts.ID, "err": err.Error()})
	}
}

func (s *Server) track(sess *session.Session) {
	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()
	s.publish(sess.Info())
}

func (s *Server) publish(info session.Info) {
	if err := s.registry.Put(s.ctx, info); err != nil {
		obs.Error("registry.put", obs.Fields{"id": info.ID, "err": err.Error()})
	}
}

func (s *Server) untrack(sess *session.Session) {
	s.mu.Lock()
	delete(s.sessions, sess.ID())
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.registry.Remove(ctx, sess.ID()); err != nil {
		obs.Error("registry.remove", obs.Fields{"id": sess.ID(), "err": err.Error()})
	}
}

func versionMismatchMessage(client, server string) string {
	return fmt.Sprintf("Playwright version mismatch:\n  - server version: v%s\n  - client version: v%s\n\n"+
		"Make sure the client and the server run the same major.minor version.", majorMinor(server), majorMinor(client))
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Sessions returns the sessions served by this instance.
func (s *Server) Sessions() []session.Info {
	s.mu.Lock()
	out := make([]session.Info, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Info())
	}
	s.mu.Unlock()
	sortInfos(out)
	return out
}

// Registry returns the registry sessions are recorded in.
func (s *Server) Registry() Registry { return s.registry }

// PoolStats describes one admission semaphore.
type PoolStats struct {
	Max      int `json:"max"`
	Acquired int `json:"acquired"`
	Waiting  int `json:"waiting"`
}

// Stats is a point in time view of the server.
type Stats struct {
	Mode            Mode                 `json:"mode"`
	Version         string               `json:"version"`
	Sessions        int                  `json:"sessions"`
	RunningBrowsers int                  `json:"runningBrowsers"`
	Pools           map[string]PoolStats `json:"pools"`
	Closing         bool                 `json:"closing"`
}

func (s *Server) Stats() Stats {
	st := Stats{
		Mode:            s.cfg.Mode,
		Version:         s.cfg.Version,
		RunningBrowsers: len(s.cfg.Pool.Instances()),
		Pools:           make(map[string]PoolStats, len(s.sems)),
	}
	if pre := s.cfg.PreLaunched; pre != nil && pre.Pool != nil && pre.Pool != s.cfg.Pool {
		st.RunningBrowsers += len(pre.Pool.Instances())
	}
	for name, sem := range s.sems {
		max, acquired, waiting := sem.Stats()
		st.Pools[name] = PoolStats{Max: max, Acquired: acquired, Waiting: waiting}
	}
	s.mu.Lock()
	st.Sessions = len(s.sessions)
	st.Closing = s.closing
	s.mu.Unlock()
	return st
}

// Closing reports whether Close was called.
func (s *Server) Closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// SetMaxConnections resizes the browser session pool. Granted permits are
// kept when shrinking.
func (s *Server) SetMaxConnections(n int) {
	s.sems[PoolBrowser].SetMax(n)
}

// Close disconnects every session, waits for them to finish and closes the
// shared browsers, including the pre-launched ones.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	sessions := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	obs.Info("server.closing", obs.Fields{"sessions": len(sessions)})
	s.cancel()
	for _, sess := range sessions {
		sess.Close(websocket.CloseGoingAway, "Server shutdown")
	}
	s.wg.Wait()

	var errs []error
	if pre := s.cfg.PreLaunched; pre != nil {
		if pre.Pool != nil && pre.Pool != s.cfg.Pool {
			errs = append(errs, pre.Pool.CloseAll())
		}
		if pre.Proxy != nil {
			errs = append(errs, pre.Proxy.Close())
		}
	}
	errs = append(errs, s.cfg.Pool.CloseAll())
	errs = append(errs, s.registry.Close())
	return errors.Join(errs...)
}
