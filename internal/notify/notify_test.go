package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"

	"github.com/example/food-dispatch/internal/models"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recorder) Notify(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestNewEventStampsID(t *testing.T) {
	a := NewEvent(EventStatusChanged, "o1", now, nil, Recipient{Party: models.PartyCustomer, ID: "c1"})
	b := NewEvent(EventStatusChanged, "o1", now, nil)
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("event ids not unique: %q %q", a.ID, b.ID)
	}
	if len(a.Recipients) != 1 || a.Recipients[0].ID != "c1" {
		t.Fatalf("recipients = %+v", a.Recipients)
	}
}

func TestFanoutDeliversToEverySink(t *testing.T) {
	ok := &recorder{}
	failing := &recorder{err: errors.New("down")}
	f := NewFanout(nil, 16, ok, failing)
	f.Start(2)
	for i := 0; i < 5; i++ {
		if err := f.Notify(context.Background(), NewEvent(EventETAUpdated, "o1", now, nil)); err != nil {
			t.Fatal(err)
		}
	}
	f.Close()
	if ok.count() != 5 || failing.count() != 5 {
		t.Fatalf("delivered ok=%d failing=%d", ok.count(), failing.count())
	}
}

func TestFanoutNeverBlocks(t *testing.T) {
	f := NewFanout(nil, 1, &recorder{})
	if err := f.Notify(context.Background(), NewEvent(EventETAUpdated, "o1", now, nil)); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- f.Notify(context.Background(), NewEvent(EventETAUpdated, "o1", now, nil)) }()
	select {
	case err := <-done:
		if !errors.Is(err, ErrQueueFull) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("notify blocked on a full queue")
	}
	f.Start(1)
	f.Close()
	if err := f.Notify(context.Background(), Event{}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("notify after close: %v", err)
	}
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaNotifierKeysByOrder(t *testing.T) {
	w := &fakeWriter{}
	k := &KafkaNotifier{writer: w}
	e := NewEvent(EventOrderCancelled, "o9", now, map[string]string{"cancelled_by": "customer"})
	if err := k.Notify(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "o9" {
		t.Fatalf("messages = %+v", w.msgs)
	}
	var got Event
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != e.ID || got.Type != EventOrderCancelled {
		t.Fatalf("decoded = %+v", got)
	}
}

type fakePublisher struct {
	exchange, key string
	msg           amqp.Publishing
	closed        bool
}

func (p *fakePublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	p.exchange, p.key, p.msg = exchange, key, msg
	return nil
}

func (p *fakePublisher) Close() error {
	p.closed = true
	return nil
}

func TestAMQPNotifierRoutesByEventType(t *testing.T) {
	p := &fakePublisher{}
	a := &AMQPNotifier{ch: p, exchange: "order-events"}
	e := NewEvent(EventDriverAssigned, "o3", now, nil, Recipient{Party: models.PartyDriver, ID: "d1"})
	if err := a.Notify(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	if p.exchange != "order-events" || p.key != "order.driver_assigned" {
		t.Fatalf("published to %s/%s", p.exchange, p.key)
	}
	if p.msg.MessageId != e.ID || p.msg.Headers["order_id"] != "o3" || p.msg.DeliveryMode != amqp.Persistent {
		t.Fatalf("publishing = %+v", p.msg)
	}
	if err := a.Close(); err != nil || !p.closed {
		t.Fatalf("close: %v closed=%v", err, p.closed)
	}
}

func TestPushNotifierPostsPerRecipient(t *testing.T) {
	var mu sync.Mutex
	var topics []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body struct {
			Message struct {
				Topic string `json:"topic"`
			} `json:"message"`
		}
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &body)
		mu.Lock()
		topics = append(topics, body.Message.Topic)
		mu.Unlock()
	}))
	defer srv.Close()

	p := NewPushNotifier(srv.URL, "k", 0)
	e := NewEvent(EventDriverAssigned, "o1", now, nil,
		Recipient{Party: models.PartyCustomer, ID: "c1"},
		Recipient{Party: models.PartyDriver, ID: "d1"})
	if err := p.Notify(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	if strings.Join(topics, ",") != "customer-c1,driver-d1" {
		t.Fatalf("topics = %v", topics)
	}

	p.Key = "wrong"
	if err := p.Notify(context.Background(), e); err == nil {
		t.Fatalf("expected gateway error")
	}
}

func TestWSRegistryDeliversToConnectedParty(t *testing.T) {
	reg := NewWSRegistry()
	upgrader := websocket.Upgrader{}
	registered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add(models.PartyCustomer, "c1", conn)
		close(registered)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	<-registered

	e := NewEvent(EventStatusChanged, "o1", now, nil,
		Recipient{Party: models.PartyCustomer, ID: "c1"},
		Recipient{Party: models.PartyDriver, ID: "offline"})
	if err := reg.Notify(context.Background(), e); err != nil {
		t.Fatalf("offline recipients must be skipped: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatal(err)
	}
	if got.ID != e.ID {
		t.Fatalf("got %+v", got)
	}
	if err := reg.Send(Recipient{Party: models.PartyDriver, ID: "offline"}, e); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v", err)
	}
}
