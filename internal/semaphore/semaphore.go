// Package semaphore implements the admission primitive used to cap the number
// of concurrently admitted sessions per client category.
//
// Permits are granted strictly in Acquire call order, and only while the
// number of outstanding permits is below the configured maximum. Lowering the
// maximum never revokes permits that were already granted.
package semaphore

import (
	"container/list"
	"context"
	"errors"
	"sync"
)

// ErrDoubleRelease is returned when a permit is handed back more than once.
var ErrDoubleRelease = errors.New("semaphore: permit already released")

// ErrForeignPermit is returned when a permit is released into a semaphore
// that did not grant it.
var ErrForeignPermit = errors.New("semaphore: permit belongs to another semaphore")

// Permit is an admission ticket. It must be released exactly once.
type Permit struct {
	sem      *Semaphore
	released bool
}

type waiter struct {
	ready  chan struct{}
	permit *Permit
}

// Semaphore is a counting semaphore with a FIFO wait queue.
type Semaphore struct {
	mu       sync.Mutex
	max      int
	acquired int
	queue    *list.List // of *waiter
}

// New returns a semaphore admitting at most max holders at a time.
func New(max int) *Semaphore {
	return &Semaphore{max: max, queue: list.New()}
}

// Acquire blocks until a permit is granted or ctx is done. A canceled acquire
// leaves the queue without consuming a slot.
func (s *Semaphore) Acquire(ctx context.Context) (*Permit, error) {
	s.mu.Lock()
	w := &waiter{ready: make(chan struct{})}
	elem := s.queue.PushBack(w)
	s.dispatchLocked()
	s.mu.Unlock()

	select {
	case <-w.ready:
		return w.permit, nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w.permit != nil {
		// Granted while we were giving up: pass the slot on.
		w.permit.released = true
		s.acquired--
		s.dispatchLocked()
		return nil, ctx.Err()
	}
	s.queue.Remove(elem)
	return nil, ctx.Err()
}

// TryAcquire grants a permit only if one is free and nobody is queued.
func (s *Semaphore) TryAcquire() (*Permit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.Len() > 0 || s.acquired >= s.max {
		return nil, false
	}
	s.acquired++
	return &Permit{sem: s}, true
}

// Release returns the permit's slot and immediately grants it to the next
// queued Acquire, if any.
func (s *Semaphore) Release(p *Permit) error {
	if p == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.sem != s {
		return ErrForeignPermit
	}
	if p.released {
		return ErrDoubleRelease
	}
	p.released = true
	s.acquired--
	s.dispatchLocked()
	return nil
}

// SetMax changes the capacity. Growing it may grant queued acquires at once.
func (s *Semaphore) SetMax(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.max = n
	s.dispatchLocked()
}

func (s *Semaphore) dispatchLocked() {
	for s.acquired < s.max && s.queue.Len() > 0 {
		front := s.queue.Front()
		s.queue.Remove(front)
		w := front.Value.(*waiter)
		s.acquired++
		w.permit = &Permit{sem: s}
		close(w.ready)
	}
}

// Stats reports the current capacity, outstanding permits and queue length.
func (s *Semaphore) Stats() (max, acquired, waiting int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.max, s.acquired, s.queue.Len()
}
