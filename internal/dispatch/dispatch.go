// Package dispatch delivers negotiation events to passengers and drivers over
// websocket sessions and mobile push.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

type Kind string

const (
	KindUser   Kind = "user"
	KindDriver Kind = "driver"
)

// Recipient addresses one passenger or driver.
type Recipient struct {
	Kind Kind
	ID   string
}

func (r Recipient) key() string { return string(r.Kind) + ":" + r.ID }

type PushMessage struct {
	Title string
	Body  string
	Data  map[string]string
}

// Gateway is the notification surface used by the negotiation engine.
type Gateway interface {
	NotifyUser(ctx context.Context, userID string, ev Event) error
	NotifyDriver(ctx context.Context, driverID string, ev Event) error
	PushToUser(ctx context.Context, userID string, msg PushMessage) error
	PushToDriver(ctx context.Context, driverID string, msg PushMessage) error
}

type Realtime interface {
	Send(ctx context.Context, to Recipient, env Envelope) error
}

type Pusher interface {
	Push(ctx context.Context, to Recipient, msg PushMessage) error
}

// Notifier sends realtime events through a session registry and push messages
// through a Pusher. A recipient without an open session is not an error.
type Notifier struct {
	rt     Realtime
	push   Pusher
	logger *slog.Logger
}

func NewNotifier(rt Realtime, push Pusher, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{rt: rt, push: push, logger: logger}
}

func (n *Notifier) NotifyUser(ctx context.Context, userID string, ev Event) error {
	return n.notify(ctx, Recipient{Kind: KindUser, ID: userID}, ev)
}

func (n *Notifier) NotifyDriver(ctx context.Context, driverID string, ev Event) error {
	return n.notify(ctx, Recipient{Kind: KindDriver, ID: driverID}, ev)
}

func (n *Notifier) PushToUser(ctx context.Context, userID string, msg PushMessage) error {
	return n.pushTo(ctx, Recipient{Kind: KindUser, ID: userID}, msg)
}

func (n *Notifier) PushToDriver(ctx context.Context, driverID string, msg PushMessage) error {
	return n.pushTo(ctx, Recipient{Kind: KindDriver, ID: driverID}, msg)
}

func (n *Notifier) notify(ctx context.Context, to Recipient, ev Event) error {
	if n.rt == nil {
		return nil
	}
	err := n.rt.Send(ctx, to, NewEnvelope(ev))
	if errors.Is(err, ErrNoSession) {
		n.logger.Debug("recipient offline", "recipient", to.key(), "event", ev.EventName())
		return nil
	}
	if err != nil {
		return fmt.Errorf("send %s to %s: %w", ev.EventName(), to.key(), err)
	}
	return nil
}

func (n *Notifier) pushTo(ctx context.Context, to Recipient, msg PushMessage) error {
	if n.push == nil {
		return nil
	}
	if err := n.push.Push(ctx, to, msg); err != nil {
		return fmt.Errorf("push to %s: %w", to.key(), err)
	}
	return nil
}
