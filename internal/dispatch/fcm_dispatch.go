package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

type fcmSender interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

// FirebasePusher delivers push messages through Firebase Cloud Messaging.
type FirebasePusher struct {
	sender fcmSender
	tokens TokenStore
	logger *slog.Logger
}

// NewFirebasePusher initialises the Admin SDK. An empty credentialsFile falls
// back to application default credentials.
func NewFirebasePusher(ctx context.Context, projectID, credentialsFile string, tokens TokenStore, logger *slog.Logger) (*FirebasePusher, error) {
	opts := []option.ClientOption{}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase.NewApp: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase app.Messaging: %w", err)
	}
	return newFirebasePusher(client, tokens, logger), nil
}

func newFirebasePusher(sender fcmSender, tokens TokenStore, logger *slog.Logger) *FirebasePusher {
	if logger == nil {
		logger = slog.Default()
	}
	return &FirebasePusher{sender: sender, tokens: tokens, logger: logger}
}

func (p *FirebasePusher) Push(ctx context.Context, to Recipient, msg PushMessage) error {
	token, err := p.tokens.Token(ctx, to)
	if err != nil {
		return err
	}
	if token == "" {
		p.logger.Debug("no push token", "recipient", to.key())
		return nil
	}

	id, err := p.sender.Send(ctx, &messaging.Message{
		Token: token,
		Data:  msg.Data,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
	})
	if err != nil {
		if messaging.IsUnregistered(err) {
			// device uninstalled the app; stop trying
			_ = p.tokens.DeleteToken(ctx, to)
		}
		return fmt.Errorf("fcm send: %w", err)
	}
	p.logger.Debug("fcm sent", "recipient", to.key(), "message_id", id)
	return nil
}
