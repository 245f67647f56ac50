// Package socks implements the SOCKS5 tunnel that lets a controlled browser
// reach the network either directly from the server host or through the
// remote client that drives the session.
//
// Proxy owns the listener. For each CONNECT it consults its bypass pattern:
// destinations that do not match are dialed locally, matching ones are
// forwarded as events to a Forwarder, which relays them to a Handler running
// on the remote peer. The tunnel uid is the only key shared by both ends.
package socks

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/pwremote/internal/bypass"
	"github.com/matst80/pwremote/internal/obs"
	"github.com/matst80/pwremote/internal/proto"
)

// DefaultDialTimeout bounds outbound connection attempts.
const DefaultDialTimeout = 30 * time.Second

// Forwarder receives the tunnel events a Proxy hands to the remote peer.
type Forwarder interface {
	OnSocksRequested(req proto.SocksRequested)
	OnSocksData(data proto.SocksData)
	OnSocksClosed(closed proto.SocksClosed)
}

// Dialer opens outbound connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Option configures a Proxy or a Handler.
type Option func(*options)

type options struct {
	dialer       Dialer
	dialTimeout  time.Duration
	redirectPort int
}

// WithDialer replaces the default net.Dialer.
func WithDialer(d Dialer) Option { return func(o *options) { o.dialer = d } }

// WithDialTimeout overrides DefaultDialTimeout.
func WithDialTimeout(d time.Duration) Option { return func(o *options) { o.dialTimeout = d } }

// WithRedirectPort makes a Handler dial every request on the given port.
// Test mode only.
func WithRedirectPort(port int) Option { return func(o *options) { o.redirectPort = port } }

func buildOptions(opts []Option) options {
	o := options{dialer: &net.Dialer{}, dialTimeout: DefaultDialTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Proxy is the listening side of the tunnel.
type Proxy struct {
	opts options

	mu          sync.Mutex
	ln          net.Listener
	connections map[string]*Connection
	direct      map[string]net.Conn
	forwarded   map[string]bool
	matcher     bypass.Matcher
	pattern     string
	forwarder   Forwarder
	closed      bool
	port        int
	wg          sync.WaitGroup
}

// NewProxy returns a proxy that dials everything directly until SetPattern
// and SetForwarder are called.
func NewProxy(opts ...Option) *Proxy {
	return &Proxy{
		opts:        buildOptions(opts),
		connections: make(map[string]*Connection),
		direct:      make(map[string]net.Conn),
		forwarded:   make(map[string]bool),
		matcher:     bypass.None,
	}
}

// SetPattern swaps the bypass pattern. A pattern that fails to compile
// matches nothing, so every destination is dialed directly.
func (p *Proxy) SetPattern(pattern string) {
	m, err := bypass.Compile(pattern)
	if err != nil {
		obs.Error("socks.pattern.invalid", obs.Fields{"pattern": pattern, "err": err.Error()})
		m = bypass.None
	}
	p.mu.Lock()
	p.matcher = m
	p.pattern = pattern
	p.mu.Unlock()
}

// Pattern returns the pattern last passed to SetPattern.
func (p *Proxy) Pattern() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pattern
}

// SetForwarder attaches the peer that serves matching destinations. With no
// forwarder attached those requests fail.
func (p *Proxy) SetForwarder(f Forwarder) {
	p.mu.Lock()
	p.forwarder = f
	p.mu.Unlock()
}

// ClearForwarder detaches f if it is still the attached forwarder.
func (p *Proxy) ClearForwarder(f Forwarder) {
	p.mu.Lock()
	if p.forwarder == f {
		p.forwarder = nil
	}
	p.mu.Unlock()
}

// Listen binds addr (e.g. "127.0.0.1:0") and starts accepting. It returns the
// bound port.
func (p *Proxy) Listen(addr string) (int, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = ln.Close()
		return 0, net.ErrClosed
	}
	p.ln = ln
	p.port = ln.Addr().(*net.TCPAddr).Port
	port := p.port
	p.mu.Unlock()

	p.wg.Add(1)
	go func() { defer p.wg.Done(); p.acceptLoop(ln) }()
	obs.Debug("socks.listen", obs.Fields{"addr": ln.Addr().String()})
	return port, nil
}

// Port returns the bound port, or 0 before Listen.
func (p *Proxy) Port() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port
}

// Close stops the listener and destroys every live socket.
func (p *Proxy) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	ln := p.ln
	conns := make([]*Connection, 0, len(p.connections))
	for _, c := range p.connections {
		conns = append(conns, c)
	}
	directs := make([]net.Conn, 0, len(p.direct))
	for uid, d := range p.direct {
		directs = append(directs, d)
		delete(p.direct, uid)
	}
	p.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		c.destroy()
	}
	for _, d := range directs {
		_ = d.Close()
	}
	p.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (p *Proxy) acceptLoop(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("socks.accept.timeout", obs.Fields{"err": err.Error()})
				continue
			}
			return
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = c.Close()
			continue
		}
		conn := newConnection(uuid.NewString(), c, p)
		p.connections[conn.uid] = conn
		p.mu.Unlock()
		conn.start()
	}
}

func (p *Proxy) connection(uid string) *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connections[uid]
}

func (p *Proxy) onSocketRequested(req proto.SocksRequested) {
	p.mu.Lock()
	conn := p.connections[req.UID]
	matches := p.matcher(req.Host, req.Port)
	forwarder := p.forwarder
	if matches && forwarder != nil {
		p.forwarded[req.UID] = true
	}
	p.mu.Unlock()
	if conn == nil {
		return
	}

	if !matches {
		conn.setState(StateDirectConnecting)
		obs.SocksTunnelsTotal.WithLabelValues("direct").Inc()
		go p.handleDirect(req)
		return
	}
	if forwarder == nil {
		obs.SocksFailuresTotal.WithLabelValues(CodeNoPeer).Inc()
		conn.socketFailed(CodeNoPeer)
		return
	}
	conn.setState(StateForwardedPending)
	obs.SocksTunnelsTotal.WithLabelValues("forwarded").Inc()
	obs.Debug("socks.forward", obs.Fields{"uid": req.UID, "host": req.Host, "port": req.Port})
	forwarder.OnSocksRequested(req)
}

func (p *Proxy) handleDirect(req proto.SocksRequested) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.dialTimeout)
	defer cancel()
	out, err := p.opts.dialer.DialContext(ctx, "tcp", net.JoinHostPort(req.Host, strconv.Itoa(req.Port)))
	if err != nil {
		code := ErrorCode(err)
		obs.Debug("socks.direct.failed", obs.Fields{"uid": req.UID, "host": req.Host, "port": req.Port, "code": code, "err": err.Error()})
		obs.SocksFailuresTotal.WithLabelValues(code).Inc()
		if conn := p.connection(req.UID); conn != nil {
			conn.socketFailed(code)
		}
		return
	}

	p.mu.Lock()
	conn := p.connections[req.UID]
	if conn == nil || p.closed {
		p.mu.Unlock()
		_ = out.Close()
		return
	}
	p.direct[req.UID] = out
	p.mu.Unlock()

	host, port := splitAddr(out.LocalAddr())
	conn.socketConnected(host, port)

	buf := make([]byte, 32*1024)
	for {
		n, err := out.Read(buf)
		if n > 0 {
			conn.sendData(buf[:n])
		}
		if err != nil {
			p.mu.Lock()
			owned := p.direct[req.UID] == out
			delete(p.direct, req.UID)
			p.mu.Unlock()
			if owned {
				if errors.Is(err, io.EOF) {
					conn.end()
				} else {
					conn.destroy()
				}
			}
			return
		}
	}
}

func (p *Proxy) onSocketData(data proto.SocksData) {
	p.mu.Lock()
	direct := p.direct[data.UID]
	forwarder := p.forwarder
	p.mu.Unlock()
	if direct != nil {
		_, _ = direct.Write(data.Data)
		return
	}
	if forwarder != nil {
		forwarder.OnSocksData(data)
	}
}

func (p *Proxy) onSocketClosed(closed proto.SocksClosed) {
	p.mu.Lock()
	delete(p.connections, closed.UID)
	direct := p.direct[closed.UID]
	delete(p.direct, closed.UID)
	wasForwarded := p.forwarded[closed.UID]
	delete(p.forwarded, closed.UID)
	forwarder := p.forwarder
	p.mu.Unlock()
	if direct != nil {
		_ = direct.Close()
		return
	}
	if wasForwarded && forwarder != nil {
		forwarder.OnSocksClosed(closed)
	}
}

// SocketConnected completes a forwarded request.
func (p *Proxy) SocketConnected(ev proto.SocksConnected) {
	if conn := p.connection(ev.UID); conn != nil {
		conn.socketConnected(ev.Host, ev.Port)
	}
}

// SocketFailed fails a forwarded request.
func (p *Proxy) SocketFailed(ev proto.SocksFailed) {
	obs.SocksFailuresTotal.WithLabelValues(ev.ErrorCode).Inc()
	if conn := p.connection(ev.UID); conn != nil {
		conn.socketFailed(ev.ErrorCode)
	}
}

// SendSocketData writes peer bytes to the SOCKS client.
func (p *Proxy) SendSocketData(ev proto.SocksData) {
	if conn := p.connection(ev.UID); conn != nil {
		conn.sendData(ev.Data)
	}
}

// SendSocketEnd half-closes the SOCKS client socket.
func (p *Proxy) SendSocketEnd(ev proto.SocksEnd) {
	if conn := p.connection(ev.UID); conn != nil {
		conn.end()
	}
}

// SendSocketError destroys the SOCKS client socket.
func (p *Proxy) SendSocketError(ev proto.SocksError) {
	obs.Debug("socks.peer.error", obs.Fields{"uid": ev.UID, "err": ev.Error})
	if conn := p.connection(ev.UID); conn != nil {
		conn.destroy()
	}
}

// HandleEvent dispatches a tunnel event received from the peer.
func (p *Proxy) HandleEvent(ev proto.TunnelEvent) error {
	switch ev := ev.(type) {
	case proto.SocksConnected:
		p.SocketConnected(ev)
	case proto.SocksFailed:
		p.SocketFailed(ev)
	case proto.SocksData:
		p.SendSocketData(ev)
	case proto.SocksEnd:
		p.SendSocketEnd(ev)
	case proto.SocksError:
		p.SendSocketError(ev)
	default:
		return errors.New("socks: unexpected event for proxy")
	}
	return nil
}

func splitAddr(addr net.Addr) (string, int) {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "0.0.0.0", 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}
