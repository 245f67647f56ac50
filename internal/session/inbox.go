package session

import "sync"

// admittedInboxLimit bounds the frames an admitted session buffers before
// the read loop stops pulling from the socket.
const admittedInboxLimit = 64

// inbox queues client frames for the dispatch loop. It is unbounded until
// limit is set so a queued session keeps reading and notices the client
// leaving.
type inbox struct {
	mu     sync.Mutex
	space  *sync.Cond
	frames [][]byte
	limit  int
	closed bool
	ready  chan struct{}
}

func newInbox() *inbox {
	q := &inbox{ready: make(chan struct{}, 1)}
	q.space = sync.NewCond(&q.mu)
	return q
}

// push appends data, waiting for room once a limit is set. It returns false
// after close.
func (q *inbox) push(data []byte) bool {
	q.mu.Lock()
	for q.limit > 0 && len(q.frames) >= q.limit && !q.closed {
		q.space.Wait()
	}
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.frames = append(q.frames, data)
	q.mu.Unlock()
	q.notify()
	return true
}

// drain takes every queued frame. open is false once the inbox is closed.
func (q *inbox) drain() (frames [][]byte, open bool) {
	q.mu.Lock()
	frames, q.frames = q.frames, nil
	open = !q.closed
	q.space.Broadcast()
	q.mu.Unlock()
	return frames, open
}

func (q *inbox) setLimit(n int) {
	q.mu.Lock()
	q.limit = n
	q.space.Broadcast()
	q.mu.Unlock()
}

func (q *inbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *inbox) close() {
	q.mu.Lock()
	q.closed = true
	q.space.Broadcast()
	q.mu.Unlock()
	q.notify()
}

func (q *inbox) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
