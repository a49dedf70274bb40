package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPNotifier publishes events to a topic exchange with routing key "order.<event type>".
type AMQPNotifier struct {
	conn     *amqp.Connection
	ch       amqpPublisher
	exchange string
}

func NewAMQPNotifier(url, exchange string) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPNotifier{conn: conn, ch: ch, exchange: exchange}, nil
}

func (a *AMQPNotifier) Name() string { return "amqp" }

func RoutingKey(t EventType) string { return "order." + string(t) }

func (a *AMQPNotifier) Notify(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return a.ch.PublishWithContext(ctx, a.exchange, RoutingKey(e.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    e.ID,
		Timestamp:    e.At,
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{"order_id": e.OrderID},
		Body:         b,
	})
}

func (a *AMQPNotifier) Close() error {
	err := a.ch.Close()
	if a.conn != nil {
		if cerr := a.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
