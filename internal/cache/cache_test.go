package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirbex/Digital-Shop-sub002/internal/domain"
)

func TestNoopBalanceCacheAlwaysMisses(t *testing.T) {
	var c BalanceCache = NoopBalanceCache{}
	ctx := context.Background()

	gen, err := c.Generation(ctx, "cus-1")
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, domain.CustomerBalance{CustomerID: "cus-1"}, gen, time.Minute))
	got, ok, err := c.Get(ctx, "cus-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
	assert.NoError(t, c.Invalidate(ctx, "cus-1"))
}

func TestBalanceKeysAreNamespaced(t *testing.T) {
	assert.Equal(t, "ledger:balance:cus-42", balanceKey("cus-42"))
	assert.Equal(t, "ledger:balance-gen:cus-42", generationKey("cus-42"))
}

func newRedisTestCache(t *testing.T) *RedisBalanceCache {
	t.Helper()
	addr := os.Getenv("LEDGER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set LEDGER_TEST_REDIS_ADDR to run redis integration test")
	}

	c := NewRedisBalanceCache(addr, "", 0)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Ping(context.Background()))
	return c
}

func TestRedisBalanceCacheRoundTrip(t *testing.T) {
	c := newRedisTestCache(t)
	ctx := context.Background()

	customerID := "it-cus-" + time.Now().Format("150405.000000")
	balance := domain.CustomerBalance{
		CustomerID:   customerID,
		Balance:      decimal.RequireFromString("60000.50"),
		OpenInvoices: 2,
	}
	gen, err := c.Generation(ctx, customerID)
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, balance, gen, time.Minute))

	got, ok, err := c.Get(ctx, customerID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Balance.Equal(balance.Balance))
	assert.Equal(t, 2, got.OpenInvoices)

	require.NoError(t, c.Invalidate(ctx, customerID))
	_, ok, err = c.Get(ctx, customerID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisBalanceCacheDropsValueDerivedBeforeInvalidate(t *testing.T) {
	c := newRedisTestCache(t)
	ctx := context.Background()

	customerID := "it-cus-stale-" + time.Now().Format("150405.000000")
	gen, err := c.Generation(ctx, customerID)
	require.NoError(t, err)

	require.NoError(t, c.Invalidate(ctx, customerID))
	stale := domain.CustomerBalance{CustomerID: customerID, Balance: decimal.NewFromInt(100), OpenInvoices: 1}
	require.NoError(t, c.Set(ctx, stale, gen, time.Minute))

	_, ok, err := c.Get(ctx, customerID)
	require.NoError(t, err)
	assert.False(t, ok, "value derived before the write must not be cached")

	next, err := c.Generation(ctx, customerID)
	require.NoError(t, err)
	assert.Equal(t, gen+1, next)
}
