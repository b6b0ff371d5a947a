// Package events publishes ride lifecycle changes for downstream consumers
// (billing, analytics). Publishing happens after the state change commits.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type Type string

const (
	RideRequested   Type = "ride.requested"
	RideCancelled   Type = "ride.cancelled"
	RideTimedOut    Type = "ride.timed_out"
	RideStarted     Type = "ride.started"
	RideCompleted   Type = "ride.completed"
	OfferSubmitted  Type = "offer.submitted"
	OfferAccepted   Type = "offer.accepted"
	OfferRejected   Type = "offer.rejected"
	CounterProposed Type = "offer.counter_proposed"
	CounterAccepted Type = "offer.counter_accepted"
	CounterRejected Type = "offer.counter_rejected"
)

type RideEvent struct {
	Type        Type      `json:"type"`
	RideID      string    `json:"ride_id"`
	PassengerID string    `json:"passenger_id,omitempty"`
	DriverID    string    `json:"driver_id,omitempty"`
	OfferID     string    `json:"offer_id,omitempty"`
	State       string    `json:"state,omitempty"`
	Amount      *float64  `json:"amount,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev RideEvent) error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher keys messages by ride id so one ride's events stay ordered
// within a partition.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaPublisher{writer: w}
}

func (k *KafkaPublisher) Publish(ctx context.Context, ev RideEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Type, err)
	}
	msg := kafka.Message{
		Key:     []byte(ev.RideID),
		Value:   b,
		Headers: []kafka.Header{{Key: "type", Value: []byte(ev.Type)}},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// Nop discards events. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, RideEvent) error { return nil }
