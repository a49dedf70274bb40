package tracking

import (
	"sync"

	"github.com/example/food-dispatch/internal/observability"
)

// Subscription is one consumer of an order topic. C is closed when the subscription ends.
type Subscription struct {
	C <-chan Update

	ch      chan Update
	id      uint64
	orderID string
	b       *Broadcaster

	mu     sync.Mutex
	closed bool
}

// send enqueues u, evicting the oldest pending update when the buffer is full.
// It reports whether an update was dropped.
func (s *Subscription) send(u Update) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for {
		select {
		case s.ch <- u:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			dropped = true
		default:
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	observability.Subscribers.Dec()
}

// Close unsubscribes. Safe to call more than once and after the topic was closed.
func (s *Subscription) Close() {
	s.b.unsubscribe(s.orderID, s.id)
	s.close()
}
