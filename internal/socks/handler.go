package socks

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/matst80/pwremote/internal/bypass"
	"github.com/matst80/pwremote/internal/obs"
	"github.com/matst80/pwremote/internal/proto"
)

// localAlias lets a browser address the peer's own loopback interface.
const localAlias = "local.playwright"

// HandlerEvents receives the replies a Handler sends back to the Proxy side.
type HandlerEvents interface {
	OnSocksConnected(ev proto.SocksConnected)
	OnSocksFailed(ev proto.SocksFailed)
	OnSocksData(ev proto.SocksData)
	OnSocksError(ev proto.SocksError)
	OnSocksEnd(ev proto.SocksEnd)
}

// Handler performs forwarded connections on the remote peer.
type Handler struct {
	opts    options
	matcher bypass.Matcher
	events  HandlerEvents

	mu      sync.Mutex
	sockets map[string]net.Conn
	pending map[string]context.CancelFunc
}

// NewHandler returns a handler that only serves destinations matching pattern.
func NewHandler(pattern string, events HandlerEvents, opts ...Option) (*Handler, error) {
	m, err := bypass.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &Handler{
		opts:    buildOptions(opts),
		matcher: m,
		events:  events,
		sockets: make(map[string]net.Conn),
		pending: make(map[string]context.CancelFunc),
	}, nil
}

// SocketRequested dials the requested destination and reports the outcome.
// It blocks for the duration of the dial.
func (h *Handler) SocketRequested(ctx context.Context, req proto.SocksRequested) {
	obs.Debug("socks.peer.request", obs.Fields{"uid": req.UID, "host": req.Host, "port": req.Port})
	if !h.matcher(req.Host, req.Port) {
		obs.Debug("socks.peer.ruleset", obs.Fields{"uid": req.UID})
		h.events.OnSocksFailed(proto.SocksFailed{UID: req.UID, ErrorCode: CodeRuleSet})
		return
	}

	host, port := req.Host, req.Port
	if host == localAlias {
		host = "localhost"
	}
	if h.opts.redirectPort > 0 {
		port = h.opts.redirectPort
	}
	ctx, cancel := context.WithTimeout(ctx, h.opts.dialTimeout)
	defer cancel()
	h.mu.Lock()
	h.pending[req.UID] = cancel
	h.mu.Unlock()

	conn, err := h.opts.dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))

	// A close or cleanup during the dial removes the pending entry.
	h.mu.Lock()
	_, wanted := h.pending[req.UID]
	delete(h.pending, req.UID)
	if wanted && err == nil {
		h.sockets[req.UID] = conn
	}
	h.mu.Unlock()
	if !wanted {
		obs.Debug("socks.peer.connect.abandoned", obs.Fields{"uid": req.UID})
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		code := ErrorCode(err)
		obs.Debug("socks.peer.connect.failed", obs.Fields{"uid": req.UID, "code": code, "err": err.Error()})
		h.events.OnSocksFailed(proto.SocksFailed{UID: req.UID, ErrorCode: code})
		return
	}

	localHost, localPort := splitAddr(conn.LocalAddr())
	obs.Debug("socks.peer.connected", obs.Fields{"uid": req.UID, "host": localHost, "port": localPort})
	h.events.OnSocksConnected(proto.SocksConnected{UID: req.UID, Host: localHost, Port: localPort})
	go h.pump(req.UID, conn)
}

func (h *Handler) pump(uid string, conn net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			h.events.OnSocksData(proto.SocksData{UID: uid, Data: append([]byte(nil), buf[:n]...)})
		}
		if err != nil {
			h.mu.Lock()
			owned := h.sockets[uid] == conn
			if owned {
				delete(h.sockets, uid)
			}
			h.mu.Unlock()
			if !owned {
				return
			}
			if errors.Is(err, io.EOF) {
				obs.Debug("socks.peer.end", obs.Fields{"uid": uid})
				h.events.OnSocksEnd(proto.SocksEnd{UID: uid})
			} else {
				obs.Debug("socks.peer.socket.error", obs.Fields{"uid": uid, "err": err.Error()})
				h.events.OnSocksError(proto.SocksError{UID: uid, Error: err.Error()})
			}
			_ = conn.Close()
			return
		}
	}
}

// SendSocketData writes browser bytes to the outbound connection.
func (h *Handler) SendSocketData(ev proto.SocksData) {
	h.mu.Lock()
	conn := h.sockets[ev.UID]
	h.mu.Unlock()
	if conn != nil {
		_, _ = conn.Write(ev.Data)
	}
}

// SocketClosed destroys the outbound connection of a tunnel whose browser
// side went away.
func (h *Handler) SocketClosed(ev proto.SocksClosed) {
	h.mu.Lock()
	conn := h.sockets[ev.UID]
	delete(h.sockets, ev.UID)
	cancel := h.pending[ev.UID]
	delete(h.pending, ev.UID)
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		obs.Debug("socks.peer.browser.closed", obs.Fields{"uid": ev.UID})
		_ = conn.Close()
	}
}

// HandleEvent dispatches a tunnel event received from the proxy side.
// Requests are dialed on a new goroutine.
func (h *Handler) HandleEvent(ctx context.Context, ev proto.TunnelEvent) error {
	switch ev := ev.(type) {
	case proto.SocksRequested:
		go h.SocketRequested(ctx, ev)
	case proto.SocksData:
		h.SendSocketData(ev)
	case proto.SocksClosed:
		h.SocketClosed(ev)
	default:
		return errors.New("socks: unexpected event for handler")
	}
	return nil
}

// Cleanup force-closes every tracked outbound connection and abandons dials
// still in flight.
func (h *Handler) Cleanup() {
	h.mu.Lock()
	uids := make([]string, 0, len(h.sockets)+len(h.pending))
	for uid := range h.sockets {
		uids = append(uids, uid)
	}
	for uid := range h.pending {
		uids = append(uids, uid)
	}
	h.mu.Unlock()
	for _, uid := range uids {
		h.SocketClosed(proto.SocksClosed{UID: uid})
	}
}

// Active returns the number of open outbound connections.
func (h *Handler) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sockets)
}

// Pending returns the number of dials still in flight.
func (h *Handler) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}
