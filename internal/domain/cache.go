package domain

import (
	"context"
	"time"
)

// MarketCache provides fast market lookups for read APIs.
type MarketCache interface {
	Set(ctx context.Context, market Market) error
	Get(ctx context.Context, address Address) (Market, error)
	Invalidate(ctx context.Context, address Address) error
}

// LockManager provides distributed locking. The returned unlock only
// releases the lock if it is still held by the caller.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
	// ForceRelease drops a lock regardless of owner.
	ForceRelease(ctx context.Context, key string) error
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// RateLimiter provides sliding-window request limiting keyed by caller.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
