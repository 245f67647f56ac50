package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/pwremote/internal/proto"
	"github.com/matst80/pwremote/internal/semaphore"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	in      chan []byte
	written chan proto.Message

	mu        sync.Mutex
	codes     []int
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:      make(chan []byte, 16),
		written: make(chan proto.Message, 128),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case <-c.closed:
		return 0, nil, io.EOF
	default:
	}
	select {
	case d := <-c.in:
		return websocket.TextMessage, d, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}
	var msg proto.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	c.written <- msg
	return nil
}

func (c *fakeConn) WriteControl(_ int, data []byte, _ time.Time) error {
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}
	if len(data) >= 2 {
		c.mu.Lock()
		c.codes = append(c.codes, int(binary.BigEndian.Uint16(data)))
		c.mu.Unlock()
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) closeCodes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.codes...)
}

func (c *fakeConn) push(t *testing.T, msg proto.Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	c.in <- data
}

func (c *fakeConn) next(t *testing.T) proto.Message {
	t.Helper()
	select {
	case msg := <-c.written:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message written")
	}
	return proto.Message{}
}

type countingAdmission struct {
	sem      *semaphore.Semaphore
	releases atomic.Int32
}

func newAdmission(max int) *countingAdmission {
	return &countingAdmission{sem: semaphore.New(max)}
}

func (a *countingAdmission) Acquire(ctx context.Context) (*semaphore.Permit, error) {
	return a.sem.Acquire(ctx)
}

func (a *countingAdmission) Release(p *semaphore.Permit) error {
	a.releases.Add(1)
	return a.sem.Release(p)
}

func start(s *Session) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	return done
}

func waitState(t *testing.T, s *Session, st State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == st }, 2*time.Second, 5*time.Millisecond,
		"session never reached %s", st)
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
	return nil
}
