package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestKafkaPublisherKeysByRide(t *testing.T) {
	w := &recordingWriter{}
	p := &KafkaPublisher{writer: w}
	fare := 12.5
	ev := RideEvent{Type: OfferAccepted, RideID: "r1", DriverID: "d1", Amount: &fare, OccurredAt: time.Unix(0, 0).UTC()}

	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	m := w.msgs[0]
	if string(m.Key) != "r1" {
		t.Fatalf("key = %q", m.Key)
	}
	if len(m.Headers) != 1 || string(m.Headers[0].Value) != "offer.accepted" {
		t.Fatalf("unexpected headers: %+v", m.Headers)
	}
	var got RideEvent
	if err := json.Unmarshal(m.Value, &got); err != nil {
		t.Fatal(err)
	}
	if got.DriverID != "d1" || got.Amount == nil || *got.Amount != 12.5 {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestKafkaPublisherWrapsWriteError(t *testing.T) {
	boom := errors.New("leader not available")
	p := &KafkaPublisher{writer: &recordingWriter{err: boom}}
	if err := p.Publish(context.Background(), RideEvent{Type: RideCancelled, RideID: "r1"}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}
