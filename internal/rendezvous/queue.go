// Package rendezvous pairs bridges waiting for a destination with data
// connections that arrive later on the rendezvous listener.
//
// Slots are fulfilled strictly in the order they were enqueued: the Nth slot
// receives the Nth connection handed to Fulfill after it was enqueued.
package rendezvous

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/matst80/bridgeproxy/internal/obs"
)

// ErrInvalidated is returned by Slot.Wait when the queue was cleared while
// the slot was still pending.
var ErrInvalidated = errors.New("rendezvous queue was cleared")

// Slot is one owed inbound data connection.
type Slot struct {
	done chan struct{}
	conn net.Conn
	err  error
}

// Wait blocks until the slot is fulfilled or invalidated, or ctx is done.
// Only the goroutine that enqueued the slot waits on it.
func (s *Slot) Wait(ctx context.Context) (net.Conn, error) {
	select {
	case <-s.done:
		return s.conn, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Queue is a mutex-guarded FIFO of pending slots.
type Queue struct {
	mu    sync.Mutex
	slots []*Slot
}

func NewQueue() *Queue { return &Queue{} }

// Enqueue appends a pending slot.
func (q *Queue) Enqueue() *Slot {
	s := &Slot{done: make(chan struct{})}
	q.mu.Lock()
	q.slots = append(q.slots, s)
	n := len(q.slots)
	q.mu.Unlock()
	obs.PendingSlots.Inc()
	obs.Debug("rendezvous.slot.enqueued", obs.Fields{"pending": n})
	return s
}

// Fulfill hands c to the oldest pending slot. It reports false, leaving c
// untouched, when nothing is pending.
func (q *Queue) Fulfill(c net.Conn) bool {
	q.mu.Lock()
	if len(q.slots) == 0 {
		q.mu.Unlock()
		return false
	}
	s := q.slots[0]
	q.slots[0] = nil
	q.slots = q.slots[1:]
	s.conn = c
	close(s.done)
	q.mu.Unlock()
	obs.PendingSlots.Dec()
	return true
}

// Cancel withdraws a slot its waiter no longer wants. If the slot was already
// fulfilled the delivered connection is closed.
func (q *Queue) Cancel(s *Slot) {
	q.mu.Lock()
	for i, p := range q.slots {
		if p == s {
			q.slots = append(q.slots[:i], q.slots[i+1:]...)
			s.err = context.Canceled
			close(s.done)
			q.mu.Unlock()
			obs.PendingSlots.Dec()
			return
		}
	}
	q.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// Clear invalidates every pending slot and returns how many there were.
func (q *Queue) Clear() int {
	q.mu.Lock()
	slots := q.slots
	q.slots = nil
	for _, s := range slots {
		s.err = ErrInvalidated
		close(s.done)
	}
	q.mu.Unlock()
	obs.PendingSlots.Sub(float64(len(slots)))
	return len(slots)
}

// Len returns the number of pending slots.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.slots)
}
