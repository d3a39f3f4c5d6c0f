package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/haasonsaas/strand/internal/observability"
)

const (
	streamKeyPrefix = "strand:run:"
	controlClose    = "close"

	// maxStreamLen caps each run stream; trimming is approximate so XADD
	// stays O(1).
	maxStreamLen = 10000

	// followBlock bounds each blocking read so a cancelled context is
	// observed promptly even on an idle stream.
	followBlock = 5 * time.Second
)

// RedisConfig configures the Redis Streams bus.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// StreamTTL is how long a closed run stream stays replayable.
	StreamTTL time.Duration

	// ConnectTimeout bounds the constructor's ping.
	ConnectTimeout time.Duration
}

// RedisBus fans frames out through one Redis stream per run. Survives the
// producing process, so background runs can be attached to from anywhere
// that shares the Redis.
type RedisBus struct {
	client  *redis.Client
	ttl     time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(cfg RedisConfig, logger *observability.Logger, metrics *observability.Metrics) (*RedisBus, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if cfg.StreamTTL == 0 {
		cfg.StreamTTL = time.Hour
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisBus{client: client, ttl: cfg.StreamTTL, logger: logger, metrics: metrics}, nil
}

func (b *RedisBus) key(runID string) string {
	return streamKeyPrefix + runID
}

// Append adds a frame to the run's stream.
func (b *RedisBus) Append(ctx context.Context, runID string, frame Frame) error {
	values := map[string]any{"data": frame.Data}
	if frame.Event != "" {
		values["event"] = frame.Event
	}
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.key(runID),
		MaxLen: maxStreamLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		b.metrics.RecordBusAppend("redis", "error")
		return fmt.Errorf("append frame: %w", err)
	}
	b.metrics.RecordBusAppend("redis", "ok")
	return nil
}

// Replay streams the run's frames from the start, then follows live appends
// until the close marker.
func (b *RedisBus) Replay(ctx context.Context, runID string) (<-chan Frame, error) {
	key := b.key(runID)
	out := make(chan Frame, replayBuffer)

	go func() {
		defer close(out)

		lastID := "0-0"
		history, err := b.client.XRange(ctx, key, "-", "+").Result()
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Warn(ctx, "bus replay failed", "run_id", runID, "error", err)
			}
			return
		}
		for _, msg := range history {
			frame, closed := decodeMessage(msg)
			if closed {
				return
			}
			lastID = msg.ID
			select {
			case out <- frame:
			case <-ctx.Done():
				return
			}
		}

		for {
			res, err := b.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   100,
				Block:   followBlock,
			}).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if ctx.Err() == nil {
					b.logger.Warn(ctx, "bus follow failed", "run_id", runID, "error", err)
				}
				return
			}
			for _, stream := range res {
				for _, msg := range stream.Messages {
					frame, closed := decodeMessage(msg)
					if closed {
						return
					}
					lastID = msg.ID
					select {
					case out <- frame:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// CloseRun appends the close marker and arms the stream's TTL.
func (b *RedisBus) CloseRun(ctx context.Context, runID string) error {
	key := b.key(runID)
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{"control": controlClose},
	}).Err()
	if err != nil {
		return fmt.Errorf("close run stream: %w", err)
	}
	if err := b.client.Expire(ctx, key, b.ttl).Err(); err != nil {
		return fmt.Errorf("expire run stream: %w", err)
	}
	return nil
}

// Ping verifies the Redis connection.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the Redis client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

func decodeMessage(msg redis.XMessage) (Frame, bool) {
	if control, ok := msg.Values["control"].(string); ok && control == controlClose {
		return Frame{}, true
	}
	var frame Frame
	if event, ok := msg.Values["event"].(string); ok {
		frame.Event = event
	}
	if data, ok := msg.Values["data"].(string); ok {
		frame.Data = data
	}
	return frame, false
}
