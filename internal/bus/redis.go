package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStreamClient is the minimal client surface used by the stream bus.
type RedisStreamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd
}

// RedisStreamBus publishes and consumes envelopes on a Redis stream.
type RedisStreamBus struct {
	client       RedisStreamClient
	stream       string
	maxLen       int64
	pollInterval time.Duration
	lastID       string
}

// RedisStreamBusOption customizes a RedisStreamBus.
type RedisStreamBusOption func(*RedisStreamBus)

// WithPollInterval sets the idle delay between empty reads.
func WithPollInterval(d time.Duration) RedisStreamBusOption {
	return func(b *RedisStreamBus) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// WithStartID sets the stream position consumption begins from.
// The default "$" skips history; "0" replays the whole stream.
func WithStartID(id string) RedisStreamBusOption {
	return func(b *RedisStreamBus) {
		if id != "" {
			b.lastID = id
		}
	}
}

// NewRedisStreamBus constructs a bus over the given stream.
func NewRedisStreamBus(client RedisStreamClient, stream string, maxLen int64, opts ...RedisStreamBusOption) *RedisStreamBus {
	if stream == "" {
		stream = "order_events"
	}
	b := &RedisStreamBus{
		client:       client,
		stream:       stream,
		maxLen:       maxLen,
		pollInterval: 100 * time.Millisecond,
		lastID:       "$",
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish appends the envelope to the stream.
func (b *RedisStreamBus) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	values := map[string]any{
		"event_id":     env.EventID,
		"event_type":   env.EventType,
		"aggregate_id": env.AggregateID,
	}
	if len(env.Payload) > 0 {
		values["payload"] = string(env.Payload)
	}

	args := &redis.XAddArgs{
		Stream: b.stream,
		Values: values,
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}

	return b.client.XAdd(ctx, args).Err()
}

// Consume reads envelopes from the stream and hands them to the handler.
// Handler errors stop consumption so the caller decides redelivery policy.
func (b *RedisStreamBus) Consume(ctx context.Context, handle Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{b.stream, b.lastID},
			Count:   16,
			Block:   -1,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				if err := sleepCtx(ctx, b.pollInterval); err != nil {
					return err
				}
				continue
			}
			return err
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				env := envelopeFromStream(msg.Values)
				if err := handle(ctx, env); err != nil {
					return err
				}
				b.lastID = msg.ID
			}
		}
	}
}

func envelopeFromStream(values map[string]any) Envelope {
	env := Envelope{
		EventID:     stringValue(values["event_id"]),
		EventType:   stringValue(values["event_type"]),
		AggregateID: stringValue(values["aggregate_id"]),
	}
	if raw := stringValue(values["payload"]); raw != "" {
		env.Payload = json.RawMessage(raw)
	}
	return env
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
