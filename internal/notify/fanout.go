package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/food-dispatch/internal/observability"
)

// ErrQueueFull is returned when an event is dropped because the fanout queue is saturated.
var ErrQueueFull = errors.New("notification queue full")

// Fanout delivers each event to every sink from a background worker. Notify never blocks.
type Fanout struct {
	sinks       []Notifier
	queue       chan Event
	sendTimeout time.Duration
	logger      *slog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func NewFanout(logger *slog.Logger, queueSize int, sinks ...Notifier) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Fanout{sinks: sinks, queue: make(chan Event, queueSize), sendTimeout: 3 * time.Second, logger: logger}
}

// Start launches n delivery workers. They exit after Close drains the queue.
func (f *Fanout) Start(n int) {
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			for e := range f.queue {
				f.deliver(e)
			}
		}()
	}
}

func (f *Fanout) Notify(_ context.Context, e Event) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrQueueFull
	}
	select {
	case f.queue <- e:
		return nil
	default:
		observability.Notifications.WithLabelValues("fanout", "dropped").Inc()
		f.logger.Warn("notification dropped", "event_id", e.ID, "type", e.Type, "order_id", e.OrderID)
		return ErrQueueFull
	}
}

func (f *Fanout) deliver(e Event) {
	for _, s := range f.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), f.sendTimeout)
		err := s.Notify(ctx, e)
		cancel()
		name := sinkName(s)
		if err != nil {
			observability.Notifications.WithLabelValues(name, "error").Inc()
			f.logger.Warn("notification sink failed", "sink", name, "event_id", e.ID, "error", err)
			continue
		}
		observability.Notifications.WithLabelValues(name, "ok").Inc()
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (f *Fanout) Close() {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		close(f.queue)
		f.mu.Unlock()
		f.wg.Wait()
	})
}
