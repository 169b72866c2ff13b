// Package redis publishes notify events to Redis streams. The topic names
// the stream; each entry carries the subject and the JSON message, and the
// entry id is the message id.
package redis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/giantswarm/github-auth/notify"
)

// Compile-time interface check
var _ notify.Notifier = (*Notifier)(nil)

const (
	// DefaultMaxLen caps each topic stream (approximate trimming)
	DefaultMaxLen = 100000

	// SubjectField and MessageField name the stream entry fields
	SubjectField = "subject"
	MessageField = "message"
)

// Config configures a Notifier.
type Config struct {
	// MaxLen caps each topic stream (default: DefaultMaxLen)
	MaxLen int64

	// Logger (default: slog.Default())
	Logger *slog.Logger
}

// Notifier appends messages to Redis streams.
type Notifier struct {
	client redis.UniversalClient
	maxLen int64
	logger *slog.Logger
}

// New creates a notifier on top of an existing client. The caller owns the client.
func New(client redis.UniversalClient, cfg Config) (*Notifier, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = DefaultMaxLen
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Notifier{client: client, maxLen: cfg.MaxLen, logger: cfg.Logger}, nil
}

// Publish appends the message to the topic stream and returns the entry id.
func (n *Notifier) Publish(ctx context.Context, topic, subject string, payload []byte) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}

	id, err := n.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		MaxLen: n.maxLen,
		Approx: true,
		Values: map[string]any{
			SubjectField: subject,
			MessageField: string(payload),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to append to stream %s: %w", topic, err)
	}

	n.logger.Debug("Appended message to stream", "stream", topic, "subject", subject, "id", id)
	return id, nil
}
