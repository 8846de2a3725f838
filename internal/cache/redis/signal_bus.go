package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sbarrientos2/VEIL/internal/domain"
)

const (
	// streamMaxLen bounds the request and result streams (XADD MAXLEN ~).
	// Readers track their own offsets, so trimmed entries are ones every
	// reader has long passed.
	streamMaxLen int64 = 10000

	// payloadField is the single field each stream entry carries.
	payloadField = "payload"

	// subscribeBuffer is the per-subscription backlog before the reader
	// blocks the pub/sub pump.
	subscribeBuffer = 128
)

// SignalBus implements domain.SignalBus. Lifecycle events travel over
// pub/sub; computation requests and results over streams so a restarted
// reader can resume from its last entry id.
type SignalBus struct {
	rdb   *redis.Client
	block time.Duration // how long StreamRead waits on a drained stream; 0 returns at once
}

// NewSignalBus creates a SignalBus on c.
func NewSignalBus(c *Client, block time.Duration) *SignalBus {
	return &SignalBus{rdb: c.Underlying(), block: block}
}

// Publish sends payload on channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe follows channel, or every matching channel when it contains a
// glob. The returned channel closes when ctx ends or the connection drops.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	subscribe := sb.rdb.Subscribe
	if strings.ContainsAny(channel, "*?[") {
		subscribe = sb.rdb.PSubscribe
	}
	pubsub := subscribe(ctx, channel)
	// The first reply confirms the subscription, so nothing published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, subscribeBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()
		in := pubsub.Channel()
		for {
			var msg *redis.Message
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				msg = m
			}
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// StreamAppend adds payload to stream.
func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := sb.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: []any{payloadField, payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: append %s: %w", stream, err)
	}
	return nil
}

// StreamRead returns up to count entries after lastID ("0" for the start).
// A drained stream yields no entries and no error.
func (sb *SignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	block := time.Duration(-1)
	if sb.block > 0 {
		block = sb.block
	}
	streams, err := sb.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   int64(count),
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: read %s: %w", stream, err)
	}

	var out []domain.StreamMessage
	for _, s := range streams {
		for _, entry := range s.Messages {
			if payload, ok := entryPayload(entry); ok {
				out = append(out, domain.StreamMessage{ID: entry.ID, Payload: payload})
			}
		}
	}
	return out, nil
}

// entryPayload extracts the payload field. Entries written by anything else
// are skipped.
func entryPayload(entry redis.XMessage) ([]byte, bool) {
	switch v := entry.Values[payloadField].(type) {
	case string:
		return []byte(v), true
	case []byte:
		return v, true
	default:
		return nil, false
	}
}

var _ domain.SignalBus = (*SignalBus)(nil)
