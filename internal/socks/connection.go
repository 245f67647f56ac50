package socks

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/matst80/pwremote/internal/obs"
	"github.com/matst80/pwremote/internal/proto"
)

// ErrProtocol marks a SOCKS protocol violation by the client.
var ErrProtocol = errors.New("socks: protocol violation")

// State is the lifecycle stage of one SOCKS client connection.
type State int

const (
	StateAuthenticating State = iota
	StateAwaitingRequest
	StateRejected
	StateDirectConnecting
	StateForwardedPending
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateAwaitingRequest:
		return "awaiting-request"
	case StateRejected:
		return "rejected"
	case StateDirectConnecting:
		return "direct-connecting"
	case StateForwardedPending:
		return "forwarded-pending"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// maxPendingBytes caps what a client may send before its tunnel is
// connected. A connection over the cap is dropped.
const maxPendingBytes = 64 * 1024

// connectionClient receives the events of a Connection. Proxy implements it.
type connectionClient interface {
	onSocketRequested(req proto.SocksRequested)
	onSocketData(data proto.SocksData)
	onSocketClosed(closed proto.SocksClosed)
}

// Connection runs the server side of RFC 1928 (no-auth, CONNECT only) over
// one accepted socket.
//
// A single read loop owns the socket. Until the tunnel is connected, bytes go
// into a buffer that readBytes consumes with blocking, length-gated reads;
// afterwards they are handed to the client verbatim.
type Connection struct {
	uid    string
	conn   net.Conn
	client connectionClient

	// deliver orders upward data delivery between readLoop and socketConnected.
	deliver sync.Mutex

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	offset int
	eof    bool
	state  State

	closeOnce sync.Once
}

func newConnection(uid string, conn net.Conn, client connectionClient) *Connection {
	c := &Connection{uid: uid, conn: conn, client: client}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// UID is the tunnel correlation id.
func (c *Connection) UID() string { return c.uid }

// State returns the current lifecycle stage.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *Connection) start() {
	go c.readLoop()
	go func() {
		if err := c.run(); err != nil {
			obs.Debug("socks.protocol", obs.Fields{"uid": c.uid, "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("socks_protocol").Inc()
			_ = c.conn.Close()
		}
	}()
}

func (c *Connection) run() error {
	ok, err := c.authenticate()
	if err != nil {
		return err
	}
	if !ok {
		c.setState(StateRejected)
		return fmt.Errorf("%w: no acceptable authentication method", ErrProtocol)
	}
	c.setState(StateAwaitingRequest)

	req, err := c.parseRequest()
	if err != nil {
		return err
	}
	c.client.onSocketRequested(req)
	return nil
}

// authenticate handles the method negotiation:
//
//	+----+----------+----------+      +----+--------+
//	|VER | NMETHODS | METHODS  |  ->  |VER | METHOD |
//	+----+----------+----------+      +----+--------+
func (c *Connection) authenticate() (bool, error) {
	version, err := c.readByte()
	if err != nil {
		return false, err
	}
	if version != socksVersion {
		return false, fmt.Errorf("%w: VER must be 0x05, was %d", ErrProtocol, version)
	}
	nMethods, err := c.readByte()
	if err != nil {
		return false, err
	}
	if nMethods == 0 {
		return false, fmt.Errorf("%w: no authentication methods specified", ErrProtocol)
	}
	methods, err := c.readBytes(int(nMethods))
	if err != nil {
		return false, err
	}
	for _, m := range methods {
		if m == authNone {
			c.writeBytes([]byte{socksVersion, authNone})
			return true, nil
		}
	}
	c.writeBytes([]byte{socksVersion, authNoAcceptable})
	return false, nil
}

// parseRequest reads
//
//	+----+-----+-------+------+----------+----------+
//	|VER | CMD |  RSV  | ATYP | DST.ADDR | DST.PORT |
//	+----+-----+-------+------+----------+----------+
//
// Anything but CONNECT is answered with CommandNotSupported.
func (c *Connection) parseRequest() (proto.SocksRequested, error) {
	var req proto.SocksRequested
	head, err := c.readBytes(4)
	if err != nil {
		return req, err
	}
	if head[0] != socksVersion {
		return req, fmt.Errorf("%w: VER must be 0x05, was %d", ErrProtocol, head[0])
	}
	if head[1] != cmdConnect {
		c.setState(StateRejected)
		c.writeBytes(failureReply(ReplyCommandNotSupported))
		return req, fmt.Errorf("%w: unsupported command %d", ErrProtocol, head[1])
	}

	var host string
	switch head[3] {
	case atypIPv4:
		b, err := c.readBytes(4)
		if err != nil {
			return req, err
		}
		host = decodeIPv4(b)
	case atypDomain:
		n, err := c.readByte()
		if err != nil {
			return req, err
		}
		b, err := c.readBytes(int(n))
		if err != nil {
			return req, err
		}
		host = string(b)
	case atypIPv6:
		b, err := c.readBytes(16)
		if err != nil {
			return req, err
		}
		host = decodeIPv6(b)
	default:
		c.setState(StateRejected)
		c.writeBytes(failureReply(ReplyAddressTypeNotSupported))
		return req, fmt.Errorf("%w: unsupported address type %d", ErrProtocol, head[3])
	}
	portBytes, err := c.readBytes(2)
	if err != nil {
		return req, err
	}

	c.mu.Lock()
	c.buf = append([]byte(nil), c.buf[c.offset:]...)
	c.offset = 0
	c.mu.Unlock()

	return proto.SocksRequested{UID: c.uid, Host: host, Port: int(portBytes[0])<<8 | int(portBytes[1])}, nil
}

func (c *Connection) readByte() (byte, error) {
	b, err := c.readBytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// readBytes blocks until n unread bytes are buffered, then consumes them.
func (c *Connection) readBytes(n int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.buf)-c.offset < n {
		if c.eof {
			return nil, io.ErrUnexpectedEOF
		}
		c.cond.Wait()
	}
	out := make([]byte, n)
	copy(out, c.buf[c.offset:c.offset+n])
	c.offset += n
	return out, nil
}

func (c *Connection) readLoop() {
	chunk := make([]byte, 32*1024)
	for {
		n, err := c.conn.Read(chunk)
		if n > 0 {
			c.consume(chunk[:n])
		}
		if err != nil {
			c.mu.Lock()
			c.eof = true
			c.cond.Broadcast()
			c.mu.Unlock()
			c.onClose()
			return
		}
	}
}

func (c *Connection) consume(b []byte) {
	c.deliver.Lock()
	defer c.deliver.Unlock()
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		c.client.onSocketData(proto.SocksData{UID: c.uid, Data: append([]byte(nil), b...)})
		return
	}
	if c.offset == len(c.buf) {
		c.buf, c.offset = c.buf[:0], 0
	}
	if len(c.buf)-c.offset+len(b) > maxPendingBytes {
		c.mu.Unlock()
		obs.Debug("socks.pending.overflow", obs.Fields{"uid": c.uid, "limit": maxPendingBytes})
		obs.ErrorsTotal.WithLabelValues("socks_overflow").Inc()
		c.destroy()
		return
	}
	c.buf = append(c.buf, b...)
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *Connection) writeBytes(b []byte) {
	if c.State() == StateClosed {
		return
	}
	_, _ = c.conn.Write(b)
}

func (c *Connection) onClose() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		c.client.onSocketClosed(proto.SocksClosed{UID: c.uid})
	})
}

// socketConnected sends the success reply with the tunnel's bound address and
// switches the connection to verbatim relaying. Bytes the client pipelined
// after its request are delivered only after the reply.
func (c *Connection) socketConnected(host string, port int) {
	c.deliver.Lock()
	defer c.deliver.Unlock()
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	pending := c.buf[c.offset:]
	c.buf, c.offset = nil, 0
	c.state = StateConnected
	c.mu.Unlock()

	c.writeBytes(reply(ReplySucceeded, host, port))
	if len(pending) > 0 {
		c.client.onSocketData(proto.SocksData{UID: c.uid, Data: pending})
	}
}

// socketFailed answers the request with the reply matching code and ends the
// connection.
func (c *Connection) socketFailed(code string) {
	c.writeBytes(failureReply(ReplyCode(code)))
	c.end()
}

func (c *Connection) sendData(b []byte) {
	if c.State() != StateConnected {
		return
	}
	_, _ = c.conn.Write(b)
}

// end half-closes the socket when possible.
func (c *Connection) end() {
	if cw, ok := c.conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.conn.Close()
}

func (c *Connection) destroy() {
	_ = c.conn.Close()
}
