package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/food-dispatch/internal/models"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// handleTrackingWS streams an order's tracking updates until the order ends or the client leaves.
func (s *Server) handleTrackingWS(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["order_id"]
	sub, err := s.orders.Subscribe(r.Context(), orderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("tracking upgrade failed", "order_id", orderID, "error", err)
		return
	}
	defer conn.Close()

	gone := readUntilClosed(conn)
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case u, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "order closed"))
				return
			}
			if err := conn.WriteJSON(u); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

// handlePartyWS registers a customer, restaurant or driver session for notifications.
func (s *Server) handlePartyWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	party := models.Party(vars["party"])
	switch party {
	case models.PartyCustomer, models.PartyRestaurant, models.PartyDriver:
	default:
		http.Error(w, "unknown party", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sess := s.parties.Add(party, vars["id"], conn)
	<-readUntilClosed(conn)
	s.parties.Remove(party, vars["id"], sess)
	_ = conn.Close()
}

// readUntilClosed drains client frames so control messages are processed, and closes the
// returned channel once the connection fails.
func readUntilClosed(conn *websocket.Conn) <-chan struct{} {
	done := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return done
}
