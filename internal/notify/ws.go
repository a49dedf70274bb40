package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/food-dispatch/internal/models"
)

var ErrNoSession = errors.New("no ws session")

const writeWait = 5 * time.Second

// WSSession is one connected party.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// WSRegistry holds party sessions and delivers events to the connected recipients.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[Recipient]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[Recipient]*WSSession)} }

func (r *WSRegistry) Name() string { return "ws" }

// Add registers conn for the party, replacing and closing any previous session.
func (r *WSRegistry) Add(party models.Party, id string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	key := Recipient{Party: party, ID: id}
	r.mu.Lock()
	old := r.sessions[key]
	r.sessions[key] = s
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
	return s
}

// Remove drops the session if it is still the registered one.
func (r *WSRegistry) Remove(party models.Party, id string, s *WSSession) {
	key := Recipient{Party: party, ID: id}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[key] == s {
		delete(r.sessions, key)
	}
}

func (r *WSRegistry) Send(to Recipient, v any) error {
	r.mu.RLock()
	s, ok := r.sessions[to]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(v)
}

// Notify sends e to every connected recipient. Offline recipients are skipped.
func (r *WSRegistry) Notify(_ context.Context, e Event) error {
	var errs []error
	for _, to := range e.Recipients {
		if err := r.Send(to, e); err != nil && !errors.Is(err, ErrNoSession) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
