package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/giantswarm/github-auth/changestream"
)

const (
	// DefaultBlock is how long a blocking read waits for new entries
	DefaultBlock = 5 * time.Second

	// DefaultBatchSize is the maximum number of entries per read
	DefaultBatchSize = 100

	// StartFromBeginning replays the whole stream
	StartFromBeginning = "0"

	// StartFromLatest only delivers entries appended after the first read
	StartFromLatest = "$"
)

// ConsumerConfig configures a change stream consumer.
type ConsumerConfig struct {
	// Stream to read (default: DefaultStream)
	Stream string

	// StartID is the entry id to read after (default: StartFromLatest)
	StartID string

	// Block is the blocking read timeout used by Run (default: DefaultBlock)
	Block time.Duration

	// BatchSize caps entries per read (default: DefaultBatchSize)
	BatchSize int64

	// Logger (default: slog.Default())
	Logger *slog.Logger
}

// Consumer reads change records from a Redis stream and hands them to a sink
// in stream order.
type Consumer struct {
	client    redis.UniversalClient
	stream    string
	lastID    string
	block     time.Duration
	batchSize int64
	sink      changestream.Sink
	logger    *slog.Logger
}

// NewConsumer creates a consumer delivering to sink.
func NewConsumer(client redis.UniversalClient, sink changestream.Sink, cfg ConsumerConfig) (*Consumer, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.StartID == "" {
		cfg.StartID = StartFromLatest
	}
	if cfg.Block <= 0 {
		cfg.Block = DefaultBlock
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Consumer{
		client:    client,
		stream:    cfg.Stream,
		lastID:    cfg.StartID,
		block:     cfg.Block,
		batchSize: cfg.BatchSize,
		sink:      sink,
		logger:    cfg.Logger,
	}, nil
}

// LastID returns the id of the last entry handed to the sink
func (c *Consumer) LastID() string {
	return c.lastID
}

// Run reads the stream until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Consuming change stream", "stream", c.stream, "start_id", c.lastID)
	for {
		if _, err := c.read(ctx, c.block); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("Change stream read failed", "stream", c.stream, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}

// Poll delivers whatever entries are available without blocking and
// returns how many were read.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	return c.read(ctx, -1)
}

func (c *Consumer) read(ctx context.Context, block time.Duration) (int, error) {
	// "$" must be resolved once, otherwise every read would skip what
	// arrived between reads
	if c.lastID == StartFromLatest {
		id, err := c.latestID(ctx)
		if err != nil {
			return 0, err
		}
		c.lastID = id
	}

	streams, err := c.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{c.stream, c.lastID},
		Count:   c.batchSize,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read stream %s: %w", c.stream, err)
	}

	n := 0
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			c.deliver(ctx, msg)
			c.lastID = msg.ID
			n++
		}
	}
	return n, nil
}

func (c *Consumer) latestID(ctx context.Context) (string, error) {
	msgs, err := c.client.XRevRangeN(ctx, c.stream, "+", "-", 1).Result()
	if err != nil {
		return "", fmt.Errorf("failed to read stream tail %s: %w", c.stream, err)
	}
	if len(msgs) == 0 {
		return StartFromBeginning, nil
	}
	return msgs[0].ID, nil
}

// deliver hands one entry to the sink. Failures are logged; the consumer
// moves on so a poisoned entry cannot stall the stream.
func (c *Consumer) deliver(ctx context.Context, msg redis.XMessage) {
	raw, ok := msg.Values[recordField].(string)
	if !ok {
		c.logger.Warn("Skipping stream entry without record", "id", msg.ID)
		return
	}

	var rec changestream.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		c.logger.Warn("Skipping undecodable stream entry", "id", msg.ID, "error", err)
		return
	}

	if err := c.sink.Emit(ctx, rec); err != nil {
		c.logger.Warn("Change record handling failed", "id", msg.ID, "event_name", rec.EventName, "error", err)
	}
}
