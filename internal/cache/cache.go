package cache

import (
	"context"
	"time"

	"github.com/sirbex/Digital-Shop-sub002/internal/domain"
)

// BalanceCache holds derived customer balances between ledger writes.
//
// Every write that touches a customer's invoices calls Invalidate, which
// drops the entry and bumps the customer's generation. A reader takes the
// generation before deriving and passes it to Set; a value derived before a
// concurrent write is then discarded instead of cached.
type BalanceCache interface {
	Get(ctx context.Context, customerID string) (*domain.CustomerBalance, bool, error)
	Generation(ctx context.Context, customerID string) (int64, error)
	Set(ctx context.Context, value domain.CustomerBalance, generation int64, ttl time.Duration) error
	Invalidate(ctx context.Context, customerID string) error
}

type NoopBalanceCache struct{}

func (NoopBalanceCache) Get(_ context.Context, _ string) (*domain.CustomerBalance, bool, error) {
	return nil, false, nil
}

func (NoopBalanceCache) Generation(_ context.Context, _ string) (int64, error) {
	return 0, nil
}

func (NoopBalanceCache) Set(_ context.Context, _ domain.CustomerBalance, _ int64, _ time.Duration) error {
	return nil
}

func (NoopBalanceCache) Invalidate(_ context.Context, _ string) error {
	return nil
}

func balanceKey(customerID string) string {
	return "ledger:balance:" + customerID
}

func generationKey(customerID string) string {
	return "ledger:balance-gen:" + customerID
}
