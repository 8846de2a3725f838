package redis

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbarrientos2/VEIL/internal/domain"
)

func TestClientKeyNamespace(t *testing.T) {
	c := Wrap(nil, "")
	assert.Equal(t, "veil:lock:guard", c.key("lock", "guard"))

	c = Wrap(nil, "staging:")
	assert.Equal(t, "staging:market:abc", c.key("market", "abc"))
}

func TestHasPattern(t *testing.T) {
	assert.True(t, hasPattern("veil:events:*"))
	assert.False(t, hasPattern("veil:events"))
}

// liveClient connects to the Redis named by VEIL_TEST_REDIS_ADDR and skips
// the test when it is unset.
func liveClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("VEIL_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("VEIL_TEST_REDIS_ADDR not set")
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	require.NoError(t, rdb.Ping(context.Background()).Err())
	t.Cleanup(func() { _ = rdb.Close() })
	return Wrap(rdb, "veiltest:"+time.Now().Format("150405.000000")+":")
}

func TestLockManager_Live(t *testing.T) {
	c := liveClient(t)
	ctx := context.Background()
	lm := NewLockManager(c)

	unlock, err := lm.Acquire(ctx, "m1", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "m1", time.Minute)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()
	unlock2, err := lm.Acquire(ctx, "m1", time.Minute)
	require.NoError(t, err)
	defer unlock2()

	require.NoError(t, lm.ForceRelease(ctx, "m1"))
	unlock3, err := lm.Acquire(ctx, "m1", time.Minute)
	require.NoError(t, err)
	unlock3()
}

func TestMarketCache_Live(t *testing.T) {
	c := liveClient(t)
	ctx := context.Background()
	mc := NewMarketCache(c, time.Minute)
	m := domain.Market{Address: domain.Address{7}, Question: "rain?", Status: domain.MarketStatusOpen}

	_, err := mc.Get(ctx, m.Address)
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, mc.Set(ctx, m))
	got, err := mc.Get(ctx, m.Address)
	require.NoError(t, err)
	assert.Equal(t, m.Question, got.Question)

	require.NoError(t, mc.Invalidate(ctx, m.Address))
	_, err = mc.Get(ctx, m.Address)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRateLimiter_Live(t *testing.T) {
	c := liveClient(t)
	ctx := context.Background()
	rl := NewRateLimiter(c)

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "client", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "client", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSignalBus_StreamLive(t *testing.T) {
	c := liveClient(t)
	ctx := context.Background()
	sb := NewSignalBus(c, 0)
	stream := c.key("stream")

	require.NoError(t, sb.StreamAppend(ctx, stream, []byte("a")))
	require.NoError(t, sb.StreamAppend(ctx, stream, []byte("b")))

	msgs, err := sb.StreamRead(ctx, stream, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []byte("a"), msgs[0].Payload)

	msgs, err = sb.StreamRead(ctx, stream, msgs[1].ID, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
