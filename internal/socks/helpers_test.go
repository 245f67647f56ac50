package socks

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/matst80/pwremote/internal/proto"
	"github.com/stretchr/testify/require"
)

func startEcho(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

// redirectDialer records the requested address and dials target instead.
type redirectDialer struct {
	target string
	mu     sync.Mutex
	asked  []string
}

func (d *redirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.asked = append(d.asked, address)
	d.mu.Unlock()
	var nd net.Dialer
	return nd.DialContext(ctx, network, d.target)
}

func (d *redirectDialer) requested() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.asked...)
}

// slowDialer finishes every dial after delay, whatever the context says, and
// keeps the connections it returned.
type slowDialer struct {
	target string
	delay  time.Duration
	mu     sync.Mutex
	conns  []net.Conn
}

func (d *slowDialer) DialContext(ctx context.Context, network, _ string) (net.Conn, error) {
	time.Sleep(d.delay)
	var nd net.Dialer
	c, err := nd.Dial(network, d.target)
	if err == nil {
		d.mu.Lock()
		d.conns = append(d.conns, c)
		d.mu.Unlock()
	}
	return c, err
}

func (d *slowDialer) dialed() []net.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]net.Conn(nil), d.conns...)
}

// blockingDialer never connects; it returns once ctx is done.
type blockingDialer struct{}

func (blockingDialer) DialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type failingDialer struct{ err error }

func (d failingDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	return nil, d.err
}

type recordingForwarder struct {
	requested chan proto.SocksRequested
	data      chan proto.SocksData
	closed    chan proto.SocksClosed
}

func newRecordingForwarder() *recordingForwarder {
	return &recordingForwarder{
		requested: make(chan proto.SocksRequested, 16),
		data:      make(chan proto.SocksData, 16),
		closed:    make(chan proto.SocksClosed, 16),
	}
}

func (f *recordingForwarder) OnSocksRequested(req proto.SocksRequested) { f.requested <- req }
func (f *recordingForwarder) OnSocksData(d proto.SocksData)             { f.data <- d }
func (f *recordingForwarder) OnSocksClosed(c proto.SocksClosed)         { f.closed <- c }

type recordingEvents struct {
	connected chan proto.SocksConnected
	failed    chan proto.SocksFailed
	data      chan proto.SocksData
	errs      chan proto.SocksError
	ends      chan proto.SocksEnd
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{
		connected: make(chan proto.SocksConnected, 16),
		failed:    make(chan proto.SocksFailed, 16),
		data:      make(chan proto.SocksData, 16),
		errs:      make(chan proto.SocksError, 16),
		ends:      make(chan proto.SocksEnd, 16),
	}
}

func (e *recordingEvents) OnSocksConnected(ev proto.SocksConnected) { e.connected <- ev }
func (e *recordingEvents) OnSocksFailed(ev proto.SocksFailed)       { e.failed <- ev }
func (e *recordingEvents) OnSocksData(ev proto.SocksData)           { e.data <- ev }
func (e *recordingEvents) OnSocksError(ev proto.SocksError)         { e.errs <- ev }
func (e *recordingEvents) OnSocksEnd(ev proto.SocksEnd)             { e.ends <- ev }

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}

func none[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected event %+v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func startProxy(t *testing.T, opts ...Option) (*Proxy, string) {
	t.Helper()
	p := NewProxy(opts...)
	port, err := p.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p, net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

func dialProxy(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	return c
}

func readN(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := io.ReadFull(c, b)
	require.NoError(t, err)
	return b
}

func greet(t *testing.T, c net.Conn) {
	t.Helper()
	_, err := c.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0x00}, readN(t, c, 2))
}

func connectDomain(host string, port int) []byte {
	b := []byte{0x05, 0x01, 0x00, 0x03, byte(len(host))}
	b = append(b, host...)
	return append(b, byte(port>>8), byte(port))
}
