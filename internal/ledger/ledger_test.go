package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestLedger(t *testing.T) (*Service, *Registry, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewService(store, nil), NewRegistry(store), store
}

func mustAccount(t *testing.T, reg *Registry, typ AccountType, ownerID string) *Account {
	t.Helper()
	ownerType := ""
	if ownerID != "" {
		ownerType = "user"
	}
	acct, err := reg.CreateAccount(context.Background(), typ, "SLE", ownerType, ownerID, "test account")
	require.NoError(t, err)
	return acct
}

func TestPostBalancedEntry(t *testing.T) {
	ctx := context.Background()
	svc, reg, _ := newTestLedger(t)

	cash := mustAccount(t, reg, AccountAsset, "")
	walletAcct := mustAccount(t, reg, AccountLiability, "u1")

	je, err := svc.Post(ctx, PostRequest{
		IdempotencyKey: "topup-1",
		Currency:       "SLE",
		Lines: []EntrySpec{
			{AccountID: cash.ID, Side: Debit, Amount: amt("1000")},
			{AccountID: walletAcct.ID, Side: Credit, Amount: amt("1000")},
		},
	})
	require.NoError(t, err)
	assert.True(t, je.Balanced)
	assert.True(t, je.Total.Equal(amt("1000")))

	cashBal, err := svc.Balance(ctx, cash.ID)
	require.NoError(t, err)
	assert.True(t, cashBal.Equal(amt("1000")), "asset debited on its normal side increases")

	walletBal, err := svc.Balance(ctx, walletAcct.ID)
	require.NoError(t, err)
	assert.True(t, walletBal.Equal(amt("1000")), "liability credited on its normal side increases")
}

func TestPostRejectsUnbalanced(t *testing.T) {
	ctx := context.Background()
	svc, reg, _ := newTestLedger(t)

	a := mustAccount(t, reg, AccountAsset, "")
	b := mustAccount(t, reg, AccountLiability, "u1")

	_, err := svc.Post(ctx, PostRequest{
		IdempotencyKey: "bad-1",
		Currency:       "SLE",
		Lines: []EntrySpec{
			{AccountID: a.ID, Side: Debit, Amount: amt("100")},
			{AccountID: b.ID, Side: Credit, Amount: amt("99.9999")},
		},
	})
	var unbalanced *UnbalancedEntryError
	require.ErrorAs(t, err, &unbalanced)
	assert.True(t, unbalanced.Debits.Equal(amt("100")))

	// Nothing persisted.
	bal, err := svc.Balance(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestIdempotentReplayReturnsOriginal(t *testing.T) {
	ctx := context.Background()
	svc, reg, _ := newTestLedger(t)

	a := mustAccount(t, reg, AccountAsset, "")
	b := mustAccount(t, reg, AccountLiability, "u1")

	req := PostRequest{
		IdempotencyKey: "pay-1",
		Currency:       "SLE",
		Lines: []EntrySpec{
			{AccountID: a.ID, Side: Debit, Amount: amt("250")},
			{AccountID: b.ID, Side: Credit, Amount: amt("250")},
		},
	}

	first, err := svc.Post(ctx, req)
	require.NoError(t, err)

	second, err := svc.Post(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "replay must return the original journal entry")

	entries, err := svc.AccountEntries(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "replay must not post additional entries")

	bal, err := svc.Balance(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, bal.Equal(amt("250")))
}

func TestIdempotencyKeyReuseWithDifferentPayload(t *testing.T) {
	ctx := context.Background()
	svc, reg, _ := newTestLedger(t)

	a := mustAccount(t, reg, AccountAsset, "")
	b := mustAccount(t, reg, AccountLiability, "u1")

	_, err := svc.Post(ctx, PostRequest{
		IdempotencyKey: "pay-1",
		Currency:       "SLE",
		Lines: []EntrySpec{
			{AccountID: a.ID, Side: Debit, Amount: amt("250")},
			{AccountID: b.ID, Side: Credit, Amount: amt("250")},
		},
	})
	require.NoError(t, err)

	_, err = svc.Post(ctx, PostRequest{
		IdempotencyKey: "pay-1",
		Currency:       "SLE",
		Lines: []EntrySpec{
			{AccountID: a.ID, Side: Debit, Amount: amt("999")},
			{AccountID: b.ID, Side: Credit, Amount: amt("999")},
		},
	})
	var dup *DuplicateIdempotencyKeyError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "pay-1", dup.Key)
}

func TestReplayBalanceReconstruction(t *testing.T) {
	ctx := context.Background()
	svc, reg, _ := newTestLedger(t)

	a := mustAccount(t, reg, AccountAsset, "")
	b := mustAccount(t, reg, AccountLiability, "u1")

	for i, amount := range []string{"100", "250.5", "3.1415"} {
		_, err := svc.Post(ctx, PostRequest{
			IdempotencyKey: string(rune('a' + i)),
			Currency:       "SLE",
			Lines: []EntrySpec{
				{AccountID: a.ID, Side: Debit, Amount: amt(amount)},
				{AccountID: b.ID, Side: Credit, Amount: amt(amount)},
			},
		})
		require.NoError(t, err)
	}

	for _, id := range []string{a.ID, b.ID} {
		stored, err := svc.Balance(ctx, id)
		require.NoError(t, err)
		replayed, err := svc.ReplayBalance(ctx, id, time.Time{})
		require.NoError(t, err)
		assert.True(t, stored.Equal(replayed), "replay must reproduce stored balance exactly")
	}

	require.NoError(t, svc.CheckIntegrity(ctx, a.ID))
}

func TestIntegrityViolationHaltsAccount(t *testing.T) {
	ctx := context.Background()
	svc, reg, store := newTestLedger(t)

	a := mustAccount(t, reg, AccountAsset, "")
	b := mustAccount(t, reg, AccountLiability, "u1")

	_, err := svc.Post(ctx, PostRequest{
		IdempotencyKey: "x",
		Currency:       "SLE",
		Lines: []EntrySpec{
			{AccountID: a.ID, Side: Debit, Amount: amt("100")},
			{AccountID: b.ID, Side: Credit, Amount: amt("100")},
		},
	})
	require.NoError(t, err)

	store.CorruptBalance(a.ID, amt("999"))

	var integrity *IntegrityError
	require.ErrorAs(t, svc.CheckIntegrity(ctx, a.ID), &integrity)
	assert.True(t, integrity.Replayed.Equal(amt("100")))

	// Halted account refuses further postings.
	_, err = svc.Post(ctx, PostRequest{
		IdempotencyKey: "y",
		Currency:       "SLE",
		Lines: []EntrySpec{
			{AccountID: a.ID, Side: Debit, Amount: amt("1")},
			{AccountID: b.ID, Side: Credit, Amount: amt("1")},
		},
	})
	var state *AccountStateError
	require.ErrorAs(t, err, &state)
	assert.Equal(t, a.ID, state.AccountID)
}

func TestReversePostsSwappedSides(t *testing.T) {
	ctx := context.Background()
	svc, reg, _ := newTestLedger(t)

	a := mustAccount(t, reg, AccountAsset, "")
	b := mustAccount(t, reg, AccountLiability, "u1")

	je, err := svc.Post(ctx, PostRequest{
		IdempotencyKey: "orig",
		Currency:       "SLE",
		Lines: []EntrySpec{
			{AccountID: a.ID, Side: Debit, Amount: amt("150")},
			{AccountID: b.ID, Side: Credit, Amount: amt("150")},
		},
	})
	require.NoError(t, err)

	rev, err := svc.Reverse(ctx, je.ID, "orig-reversal", "refund")
	require.NoError(t, err)
	assert.Equal(t, je.ID, rev.Reference)

	for _, id := range []string{a.ID, b.ID} {
		bal, err := svc.Balance(ctx, id)
		require.NoError(t, err)
		assert.True(t, bal.IsZero(), "reversal must return balance to zero")
	}

	entries, err := svc.AccountEntries(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2, "reversal appends, never mutates")
	assert.Equal(t, Debit, entries[0].Side)
	assert.Equal(t, Credit, entries[1].Side)
}
