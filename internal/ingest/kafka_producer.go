package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/food-dispatch/internal/models"
)

// KafkaProducer streams applied driver positions keyed by driver id. Writes are asynchronous so
// position ingestion never waits on the broker; failures surface through the completion log.
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string, logger *slog.Logger) *KafkaProducer {
	if logger == nil {
		logger = slog.Default()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Warn("driver location publish failed", "messages", len(msgs), "error", err)
			}
		},
	}
	return &KafkaProducer{writer: w}
}

// LocationMessage is the wire format shared with the location consumer.
type LocationMessage struct {
	DriverID   string    `json:"driver_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	HeadingDeg float64   `json:"heading_deg"`
	SpeedKmh   float64   `json:"speed_kmh"`
	AccuracyM  float64   `json:"accuracy_m"`
	ObservedAt time.Time `json:"observed_at"`
}

func NewLocationMessage(p models.DriverPosition) LocationMessage {
	return LocationMessage{
		DriverID:   p.DriverID,
		Lat:        p.Coordinate.Lat,
		Lng:        p.Coordinate.Lng,
		HeadingDeg: p.HeadingDeg,
		SpeedKmh:   p.SpeedKmh,
		AccuracyM:  p.AccuracyM,
		ObservedAt: p.ObservedAt,
	}
}

func (k *KafkaProducer) PublishPosition(ctx context.Context, p models.DriverPosition) error {
	b, err := json.Marshal(NewLocationMessage(p))
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(p.DriverID), Value: b, Time: p.ObservedAt})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
