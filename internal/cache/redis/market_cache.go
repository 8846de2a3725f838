package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sbarrientos2/VEIL/internal/domain"
)

// DefaultMarketTTL bounds how stale a cached market can be if an
// invalidation is lost.
const DefaultMarketTTL = 5 * time.Minute

// MarketCache implements domain.MarketCache using Redis hashes holding the
// JSON-encoded market under field "data".
//
// Key schema:
//
//	{prefix}market:{address} - hash with field "data"
type MarketCache struct {
	c   *Client
	ttl time.Duration
}

// NewMarketCache creates a MarketCache. A zero ttl means DefaultMarketTTL.
func NewMarketCache(c *Client, ttl time.Duration) *MarketCache {
	if ttl <= 0 {
		ttl = DefaultMarketTTL
	}
	return &MarketCache{c: c, ttl: ttl}
}

func (mc *MarketCache) marketKey(addr domain.Address) string {
	return mc.c.key("market", addr.String())
}

// Set stores a market with the cache TTL.
func (mc *MarketCache) Set(ctx context.Context, market domain.Market) error {
	data, err := json.Marshal(market)
	if err != nil {
		return fmt.Errorf("redis: marshal market %s: %w", market.Address, err)
	}

	key := mc.marketKey(market.Address)
	pipe := mc.c.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, mc.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set market %s: %w", market.Address, err)
	}
	return nil
}

// Get returns the cached market, or domain.ErrNotFound on a miss.
func (mc *MarketCache) Get(ctx context.Context, addr domain.Address) (domain.Market, error) {
	data, err := mc.c.rdb.HGet(ctx, mc.marketKey(addr), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("redis: get market %s: %w", addr, err)
	}

	var market domain.Market
	if err := json.Unmarshal(data, &market); err != nil {
		return domain.Market{}, fmt.Errorf("redis: unmarshal market %s: %w", addr, err)
	}
	return market, nil
}

// Invalidate drops the cached market.
func (mc *MarketCache) Invalidate(ctx context.Context, addr domain.Address) error {
	if err := mc.c.rdb.Del(ctx, mc.marketKey(addr)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate market %s: %w", addr, err)
	}
	return nil
}

var _ domain.MarketCache = (*MarketCache)(nil)
