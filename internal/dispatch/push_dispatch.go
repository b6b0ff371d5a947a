package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// TokenStore maps a recipient to its mobile device token.
type TokenStore interface {
	Token(ctx context.Context, to Recipient) (string, error)
	SetToken(ctx context.Context, to Recipient, token string) error
	DeleteToken(ctx context.Context, to Recipient) error
}

type RedisTokenStore struct {
	client *redis.Client
}

func NewRedisTokenStore(client *redis.Client) *RedisTokenStore {
	return &RedisTokenStore{client: client}
}

// Token returns "" when the recipient never registered a device.
func (s *RedisTokenStore) Token(ctx context.Context, to Recipient) (string, error) {
	tok, err := s.client.Get(ctx, tokenKey(to)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get push token: %w", err)
	}
	return tok, nil
}

func (s *RedisTokenStore) SetToken(ctx context.Context, to Recipient, token string) error {
	return s.client.Set(ctx, tokenKey(to), token, 0).Err()
}

func (s *RedisTokenStore) DeleteToken(ctx context.Context, to Recipient) error {
	return s.client.Del(ctx, tokenKey(to)).Err()
}

func tokenKey(to Recipient) string { return "push_token:" + to.key() }

// LogPusher stands in for a push provider in local runs.
type LogPusher struct {
	Logger *slog.Logger
}

func (p *LogPusher) Push(_ context.Context, to Recipient, msg PushMessage) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("push", "recipient", to.key(), "title", msg.Title, "body", msg.Body, "data", msg.Data)
	return nil
}
