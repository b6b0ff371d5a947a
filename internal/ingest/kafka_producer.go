// Package ingest puts driver position reports on Kafka; cmd/consumer moves
// them into the geo index.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-bidding/internal/geo"
	"github.com/example/ride-bidding/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer messageWriter
	ttl    time.Duration
	now    func() time.Time
}

// NewKafkaProducer builds a producer whose acks advertise ttl, the freshness
// window the consumer side applies.
func NewKafkaProducer(brokers []string, topic string, ttl time.Duration) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	if ttl <= 0 {
		ttl = geo.DefaultLocationTTL
	}
	return &KafkaProducer{writer: w, ttl: ttl, now: time.Now}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, loc models.DriverLocation) error {
	b, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(loc.DriverID), Value: b}); err != nil {
		return fmt.Errorf("publish location for %s: %w", loc.DriverID, err)
	}
	return nil
}

// UpdateDriverLocation queues the report and acknowledges it without waiting
// for the index to apply it.
func (k *KafkaProducer) UpdateDriverLocation(ctx context.Context, driverID string, lat, lng float64) (geo.LocationAck, error) {
	now := k.now().UTC()
	if err := k.PublishLocation(ctx, models.DriverLocation{DriverID: driverID, Lat: lat, Lng: lng, Timestamp: now}); err != nil {
		return geo.LocationAck{}, err
	}
	return geo.LocationAck{DriverID: driverID, Timestamp: now, TTLSeconds: int(k.ttl / time.Second)}, nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
