package wallet

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/payments-core/internal/ledger"
)

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	registry := ledger.NewRegistry(ledger.NewMemoryStore())
	return NewService(store, registry, nil, nil), store
}

func fundedWallet(t *testing.T, svc *Service, available string) *Wallet {
	t.Helper()
	ctx := context.Background()
	w, err := svc.Create(ctx, "user", "u1", "SLE", decimal.Zero)
	require.NoError(t, err)
	w, err = svc.Credit(ctx, w.ID, amt(available))
	require.NoError(t, err)
	return w
}

func TestHoldMovesAvailableToHeld(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	w := fundedWallet(t, svc, "1000")

	w, err := svc.Hold(ctx, w.ID, amt("400"))
	require.NoError(t, err)
	assert.True(t, w.Available.Equal(amt("600")))
	assert.True(t, w.Held.Equal(amt("400")))
	assert.True(t, w.Total().Equal(amt("1000")), "total balance unchanged by a hold")
}

func TestHoldInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	w := fundedWallet(t, svc, "100")

	_, err := svc.Hold(ctx, w.ID, amt("100.0001"))
	var insufficient *InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Available.Equal(amt("100")))
}

func TestReleaseAndConsumeHold(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	w := fundedWallet(t, svc, "1000")

	w, err := svc.Hold(ctx, w.ID, amt("400"))
	require.NoError(t, err)

	w, err = svc.ConsumeHold(ctx, w.ID, amt("250"))
	require.NoError(t, err)
	assert.True(t, w.Held.Equal(amt("150")))
	assert.True(t, w.Available.Equal(amt("600")))

	w, err = svc.ReleaseHold(ctx, w.ID, amt("150"))
	require.NoError(t, err)
	assert.True(t, w.Held.IsZero())
	assert.True(t, w.Available.Equal(amt("750")))

	_, err = svc.ConsumeHold(ctx, w.ID, amt("1"))
	assert.Error(t, err, "cannot consume more than held")
}

func TestFrozenWalletRefusesHolds(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	w := fundedWallet(t, svc, "1000")

	_, err := svc.SetStatus(ctx, w.ID, StatusFrozen)
	require.NoError(t, err)

	_, err = svc.Hold(ctx, w.ID, amt("1"))
	var status *StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, StatusFrozen, status.Status)
}

func TestPeriodLimit(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	w, err := svc.Create(ctx, "user", "u2", "SLE", amt("500"))
	require.NoError(t, err)
	_, err = svc.Credit(ctx, w.ID, amt("10000"))
	require.NoError(t, err)

	_, err = svc.Hold(ctx, w.ID, amt("300"))
	require.NoError(t, err)

	_, err = svc.Hold(ctx, w.ID, amt("300"))
	var limit *LimitExceededError
	require.ErrorAs(t, err, &limit)
	assert.True(t, limit.Limit.Equal(amt("500")))

	// Releasing the hold frees the limit again.
	_, err = svc.ReleaseHold(ctx, w.ID, amt("300"))
	require.NoError(t, err)
	_, err = svc.Hold(ctx, w.ID, amt("300"))
	assert.NoError(t, err)
}

func TestStaleVersionAborts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	registry := ledger.NewRegistry(ledger.NewMemoryStore())
	svc := NewService(store, registry, nil, nil)

	w, err := svc.Create(ctx, "user", "u3", "SLE", decimal.Zero)
	require.NoError(t, err)

	// A writer with a stale version must not overwrite.
	stale, err := store.Get(ctx, w.ID)
	require.NoError(t, err)
	current, err := store.Get(ctx, w.ID)
	require.NoError(t, err)

	current.Version++
	require.NoError(t, store.Update(ctx, current, stale.Version))

	stale.Available = amt("999999")
	stale.Version++
	err = store.Update(ctx, stale, w.Version)
	var staleErr *StaleVersionError
	require.ErrorAs(t, err, &staleErr)

	// The CAS retry loop absorbs the conflict.
	updated, err := svc.Credit(ctx, w.ID, amt("10"))
	require.NoError(t, err)
	assert.True(t, updated.Available.Equal(amt("10")))
}

func TestDuplicateWalletPerOwnerCurrency(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Create(ctx, "user", "u1", "SLE", decimal.Zero)
	require.NoError(t, err)
	_, err = svc.Create(ctx, "user", "u1", "SLE", decimal.Zero)
	assert.Error(t, err)
}
