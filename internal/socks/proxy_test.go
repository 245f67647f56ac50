package socks

import (
	"context"
	"io"
	"net"
	"os"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/matst80/pwremote/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xproxy "golang.org/x/net/proxy"
)

func TestDirectConnectWithEmptyPattern(t *testing.T) {
	echo := startEcho(t)
	dialer := &redirectDialer{target: echo.String()}
	fwd := newRecordingForwarder()
	p, addr := startProxy(t, WithDialer(dialer))
	p.SetForwarder(fwd)
	p.SetPattern("")

	c := dialProxy(t, addr)
	greet(t, c)
	_, err := c.Write(connectDomain("example.com", 80))
	require.NoError(t, err)

	resp := readN(t, c, 10)
	assert.Equal(t, []byte{0x05, 0x00, 0x00, 0x01}, resp[:4])
	assert.Equal(t, []byte{127, 0, 0, 1}, resp[4:8])
	assert.NotZero(t, int(resp[8])<<8|int(resp[9]))
	assert.Equal(t, []string{"example.com:80"}, dialer.requested())

	_, err = c.Write([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), readN(t, c, 4))

	none(t, fwd.requested)
}

func TestForwardedTunnel(t *testing.T) {
	fwd := newRecordingForwarder()
	p, addr := startProxy(t)
	p.SetForwarder(fwd)
	p.SetPattern("*")

	c := dialProxy(t, addr)
	greet(t, c)
	_, err := c.Write(connectDomain("example.com", 80))
	require.NoError(t, err)

	req := recv(t, fwd.requested)
	assert.NotEmpty(t, req.UID)
	assert.Equal(t, "example.com", req.Host)
	assert.Equal(t, 80, req.Port)

	p.SocketConnected(proto.SocksConnected{UID: req.UID, Host: "10.1.2.3", Port: 4321})
	assert.Equal(t, []byte{0x05, 0x00, 0x00, 0x01, 10, 1, 2, 3, 0x10, 0xE1}, readN(t, c, 10))

	_, err = c.Write([]byte("hello"))
	require.NoError(t, err)
	data := recv(t, fwd.data)
	assert.Equal(t, req.UID, data.UID)
	assert.Equal(t, []byte("hello"), data.Data)

	p.SendSocketData(proto.SocksData{UID: req.UID, Data: []byte("world")})
	assert.Equal(t, []byte("world"), readN(t, c, 5))

	require.NoError(t, c.Close())
	closed := recv(t, fwd.closed)
	assert.Equal(t, req.UID, closed.UID)
}

func TestForwardedConnectedWithIPv6BoundAddress(t *testing.T) {
	fwd := newRecordingForwarder()
	p, addr := startProxy(t)
	p.SetForwarder(fwd)
	p.SetPattern("*")

	c := dialProxy(t, addr)
	greet(t, c)
	_, err := c.Write(connectDomain("example.com", 443))
	require.NoError(t, err)
	req := recv(t, fwd.requested)

	p.SocketConnected(proto.SocksConnected{UID: req.UID, Host: "::1", Port: 1})
	resp := readN(t, c, 22)
	assert.Equal(t, []byte{0x05, 0x00, 0x00, 0x04}, resp[:4])
	assert.Equal(t, byte(1), resp[19])
	assert.Equal(t, []byte{0x00, 0x01}, resp[20:])
}

func TestPipelinedBytesWaitForConnect(t *testing.T) {
	fwd := newRecordingForwarder()
	p, addr := startProxy(t)
	p.SetForwarder(fwd)
	p.SetPattern("*")

	c := dialProxy(t, addr)
	greet(t, c)
	_, err := c.Write(append(connectDomain("example.com", 80), "early"...))
	require.NoError(t, err)

	req := recv(t, fwd.requested)
	none(t, fwd.data)

	p.SocketConnected(proto.SocksConnected{UID: req.UID, Host: "127.0.0.1", Port: 1})
	readN(t, c, 10)
	data := recv(t, fwd.data)
	assert.Equal(t, []byte("early"), data.Data)
}

func TestUnansweredRequestBufferIsCapped(t *testing.T) {
	fwd := newRecordingForwarder()
	p, addr := startProxy(t)
	p.SetForwarder(fwd)
	p.SetPattern("*")

	c := dialProxy(t, addr)
	greet(t, c)
	_, err := c.Write(connectDomain("example.com", 80))
	require.NoError(t, err)
	req := recv(t, fwd.requested)

	chunk := make([]byte, 16*1024)
	for i := 0; i < 8; i++ {
		if _, err := c.Write(chunk); err != nil {
			break
		}
	}
	closed := recv(t, fwd.closed)
	assert.Equal(t, req.UID, closed.UID)
	_, err = c.Read(make([]byte, 1))
	assert.Error(t, err)
	none(t, fwd.data)
}

func TestSocketFailedReplyCodes(t *testing.T) {
	cases := map[string]byte{
		CodeRefused:    ReplyConnectionRefused,
		CodeRuleSet:    ReplyNotAllowedByRuleSet,
		CodeNetUnreach: ReplyNetworkUnreachable,
		CodeNotFound:   ReplyHostUnreachable,
		CodeTimedOut:   ReplyHostUnreachable,
		"EWHATEVER":    ReplyGeneralServerFailure,
	}
	for code, want := range cases {
		t.Run(code, func(t *testing.T) {
			fwd := newRecordingForwarder()
			p, addr := startProxy(t)
			p.SetForwarder(fwd)
			p.SetPattern("*")

			c := dialProxy(t, addr)
			greet(t, c)
			_, err := c.Write(connectDomain("example.com", 80))
			require.NoError(t, err)
			req := recv(t, fwd.requested)

			p.SocketFailed(proto.SocksFailed{UID: req.UID, ErrorCode: code})
			assert.Equal(t, []byte{0x05, want, 0x00, 0x01, 0, 0, 0, 0, 0, 0}, readN(t, c, 10))
		})
	}
}

func TestDirectConnectRefused(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	_, addr := startProxy(t, WithDialer(failingDialer{err: refused}))

	c := dialProxy(t, addr)
	greet(t, c)
	_, err := c.Write([]byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x1F, 0x90})
	require.NoError(t, err)
	resp := readN(t, c, 10)
	assert.Equal(t, ReplyConnectionRefused, resp[1])
}

func TestMatchingRequestWithoutForwarderFails(t *testing.T) {
	p, addr := startProxy(t)
	p.SetPattern("*")

	c := dialProxy(t, addr)
	greet(t, c)
	_, err := c.Write(connectDomain("example.com", 80))
	require.NoError(t, err)
	resp := readN(t, c, 10)
	assert.Equal(t, ReplyGeneralServerFailure, resp[1])
}

func TestInvalidPatternDialsDirectly(t *testing.T) {
	echo := startEcho(t)
	dialer := &redirectDialer{target: echo.String()}
	fwd := newRecordingForwarder()
	p, addr := startProxy(t, WithDialer(dialer))
	p.SetForwarder(fwd)
	p.SetPattern("*,bad:port")

	c := dialProxy(t, addr)
	greet(t, c)
	_, err := c.Write(connectDomain("example.com", 80))
	require.NoError(t, err)
	assert.Equal(t, ReplySucceeded, readN(t, c, 10)[1])
	none(t, fwd.requested)
}

func TestUnsupportedCommand(t *testing.T) {
	fwd := newRecordingForwarder()
	p, addr := startProxy(t)
	p.SetForwarder(fwd)

	c := dialProxy(t, addr)
	greet(t, c)
	// BIND; the server answers after the fixed header without reading further.
	_, err := c.Write([]byte{0x05, 0x02, 0x00, 0x01})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x07, 0x00, 0x01, 0, 0, 0, 0, 0, 0}, readN(t, c, 10))

	_, err = io.ReadAll(c)
	assert.NoError(t, err)
	none(t, fwd.requested)
}

func TestUnsupportedAddressType(t *testing.T) {
	_, addr := startProxy(t)
	c := dialProxy(t, addr)
	greet(t, c)
	_, err := c.Write([]byte{0x05, 0x01, 0x00, 0x09})
	require.NoError(t, err)
	assert.Equal(t, ReplyAddressTypeNotSupported, readN(t, c, 10)[1])
}

func TestNoAcceptableAuthMethod(t *testing.T) {
	_, addr := startProxy(t)
	c := dialProxy(t, addr)
	_, err := c.Write([]byte{0x05, 0x01, 0x02})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0xFF}, readN(t, c, 2))

	_, err = io.ReadAll(c)
	assert.NoError(t, err)
}

func TestBadVersionAbortsConnection(t *testing.T) {
	_, addr := startProxy(t)
	c := dialProxy(t, addr)
	_, err := c.Write([]byte{0x04})
	require.NoError(t, err)

	b := make([]byte, 1)
	n, err := c.Read(b)
	assert.Equal(t, 0, n)
	assert.Error(t, err)
}

func TestIPv6RequestIsExpanded(t *testing.T) {
	fwd := newRecordingForwarder()
	p, addr := startProxy(t)
	p.SetForwarder(fwd)
	p.SetPattern("*")

	c := dialProxy(t, addr)
	greet(t, c)
	req := []byte{0x05, 0x01, 0x00, 0x04}
	req = append(req, net.ParseIP("2001:db8::1").To16()...)
	req = append(req, 0x01, 0xBB)
	_, err := c.Write(req)
	require.NoError(t, err)

	got := recv(t, fwd.requested)
	assert.Equal(t, "2001:db8:0:0:0:0:0:1", got.Host)
	assert.Equal(t, 443, got.Port)
}

func TestXNetSocksClientThroughDirectRoute(t *testing.T) {
	echo := startEcho(t)
	_, addr := startProxy(t)

	d, err := xproxy.SOCKS5("tcp", addr, nil, xproxy.Direct)
	require.NoError(t, err)
	c, err := d.Dial("tcp", echo.String())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write([]byte("through the tunnel"))
	require.NoError(t, err)
	assert.Equal(t, []byte("through the tunnel"), readN(t, c, 18))
}

// bridge joins a Proxy and a Handler in-process, standing in for the RPC channel.
type bridge struct {
	proxy   *Proxy
	handler *Handler
}

func (b *bridge) OnSocksRequested(ev proto.SocksRequested) { _ = b.handler.HandleEvent(context.Background(), ev) }
func (b *bridge) OnSocksData(ev proto.SocksData)           { _ = b.handler.HandleEvent(context.Background(), ev) }
func (b *bridge) OnSocksClosed(ev proto.SocksClosed)       { _ = b.handler.HandleEvent(context.Background(), ev) }
func (b *bridge) OnSocksConnected(ev proto.SocksConnected) { _ = b.proxy.HandleEvent(ev) }
func (b *bridge) OnSocksFailed(ev proto.SocksFailed)       { _ = b.proxy.HandleEvent(ev) }
func (b *bridge) OnSocksError(ev proto.SocksError)         { _ = b.proxy.HandleEvent(ev) }
func (b *bridge) OnSocksEnd(ev proto.SocksEnd)             { _ = b.proxy.HandleEvent(ev) }

func TestProxyToHandlerEndToEnd(t *testing.T) {
	echo := startEcho(t)
	p, addr := startProxy(t)
	b := &bridge{proxy: p}
	h, err := NewHandler("*.internal", b, WithDialer(&redirectDialer{target: echo.String()}))
	require.NoError(t, err)
	b.handler = h
	p.SetForwarder(b)
	p.SetPattern("*.internal")

	d, err := xproxy.SOCKS5("tcp", addr, nil, xproxy.Direct)
	require.NoError(t, err)
	c, err := d.Dial("tcp", "app.internal:8080")
	require.NoError(t, err)

	_, err = c.Write([]byte("round trip"))
	require.NoError(t, err)
	assert.Equal(t, []byte("round trip"), readN(t, c, 10))

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return h.Active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestProxyCloseDestroysSockets(t *testing.T) {
	fwd := newRecordingForwarder()
	p := NewProxy()
	p.SetForwarder(fwd)
	p.SetPattern("*")
	port, err := p.Listen("127.0.0.1:0")
	require.NoError(t, err)
	assert.Equal(t, port, p.Port())

	c := dialProxy(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	greet(t, c)

	require.NoError(t, p.Close())
	_, err = io.ReadAll(c)
	assert.NoError(t, err)
	require.NoError(t, p.Close())

	_, err = net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	assert.Error(t, err)
}
