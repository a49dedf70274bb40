// Package notify delivers fire-and-forget order events to push, socket and stream consumers.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/food-dispatch/internal/models"
)

type EventType string

const (
	EventStatusChanged      EventType = "order_status_changed"
	EventDriverAssigned     EventType = "driver_assigned"
	EventAssignmentRejected EventType = "assignment_rejected"
	EventAssignmentAccepted EventType = "assignment_accepted"
	EventOrderCancelled     EventType = "order_cancelled"
	EventDriverLocation     EventType = "driver_location"
	EventETAUpdated         EventType = "eta_updated"
)

// Recipient addresses one party of an order.
type Recipient struct {
	Party models.Party `json:"party"`
	ID    string       `json:"id"`
}

type Event struct {
	ID         string      `json:"id"`
	Type       EventType   `json:"type"`
	OrderID    string      `json:"order_id"`
	Recipients []Recipient `json:"recipients"`
	Payload    any         `json:"payload,omitempty"`
	At         time.Time   `json:"at"`
}

// NewEvent stamps a fresh event id.
func NewEvent(typ EventType, orderID string, at time.Time, payload any, to ...Recipient) Event {
	return Event{ID: uuid.NewString(), Type: typ, OrderID: orderID, Recipients: to, Payload: payload, At: at}
}

// Notifier is the notify(event, payload) collaborator. Implementations must not block callers
// for long; Fanout gives that guarantee for slow sinks.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

type named interface{ Name() string }

func sinkName(n Notifier) string {
	if nn, ok := n.(named); ok {
		return nn.Name()
	}
	return "unknown"
}

// LogNotifier writes events to the structured log. Used when no other sink is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Name() string { return "log" }

func (l LogNotifier) Notify(_ context.Context, e Event) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "event_id", e.ID, "type", e.Type, "order_id", e.OrderID, "recipients", len(e.Recipients))
	return nil
}
