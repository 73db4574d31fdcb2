package transaction

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/payments-core/internal/events"
	"github.com/example/payments-core/internal/ledger"
	"github.com/example/payments-core/internal/wallet"
)

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	svc     *Service
	wallets *wallet.Service
	ledger  *ledger.Service
	outbox  *events.MemoryOutbox
	system  *ledger.SystemAccounts
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	ledgerStore := ledger.NewMemoryStore()
	registry := ledger.NewRegistry(ledgerStore)
	led := ledger.NewService(ledgerStore, nil)

	system, err := registry.Bootstrap(ctx, "USD")
	require.NoError(t, err)

	wallets := wallet.NewService(wallet.NewMemoryStore(), registry, nil, nil)
	outbox := events.NewMemoryOutbox()

	svc := NewService(NewMemoryStore(), NewMemoryEventStore(), led, wallets, outbox, nil)
	return &fixture{svc: svc, wallets: wallets, ledger: led, outbox: outbox, system: system}
}

// fundedWallet opens a USD wallet and seeds it through a topup posting so
// ledger and wallet views agree.
func (f *fixture) fundedWallet(t *testing.T, ownerID, amount string) *wallet.Wallet {
	t.Helper()
	ctx := context.Background()

	w, err := f.wallets.Create(ctx, "user", ownerID, "USD", decimal.Zero)
	require.NoError(t, err)

	_, err = f.ledger.Post(ctx, ledger.PostRequest{
		IdempotencyKey: "topup-" + ownerID,
		Currency:       "USD",
		Lines: []ledger.EntrySpec{
			{AccountID: f.system.Cash.ID, Side: ledger.Debit, Amount: amt(amount)},
			{AccountID: w.AccountID, Side: ledger.Credit, Amount: amt(amount)},
		},
	})
	require.NoError(t, err)

	_, err = f.wallets.Credit(ctx, w.ID, amt(amount))
	require.NoError(t, err)
	return w
}

func initiated(t *testing.T, f *fixture, w *wallet.Wallet, amount, key string) *Transaction {
	t.Helper()
	tx, err := f.svc.Initiate(context.Background(), InitiateRequest{
		Type:           TypePayment,
		UserID:         w.OwnerID,
		SourceWalletID: w.ID,
		MerchantID:     "m-1",
		Amount:         amt(amount),
		Currency:       "USD",
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	return tx
}

func TestInitiateRecordsEvent(t *testing.T) {
	f := newFixture(t)
	w := f.fundedWallet(t, "u1", "1000")

	tx := initiated(t, f, w, "100", "key-1")
	assert.Equal(t, StateInitiated, tx.State)
	assert.Equal(t, int64(1), tx.Version)
	assert.True(t, tx.Net.Equal(amt("100")))

	history, err := f.svc.History(context.Background(), tx.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, EventInitiated, history[0].Type)
}

func TestInitiateIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	w := f.fundedWallet(t, "u1", "1000")

	first := initiated(t, f, w, "100", "key-1")
	second := initiated(t, f, w, "100", "key-1")
	assert.Equal(t, first.ID, second.ID)
}

func TestTransitionFollowsTable(t *testing.T) {
	f := newFixture(t)
	w := f.fundedWallet(t, "u1", "1000")
	tx := initiated(t, f, w, "100", "key-1")
	ctx := context.Background()

	tx, err := f.svc.Transition(ctx, tx.ID, StatePending, "")
	require.NoError(t, err)
	assert.Equal(t, StatePending, tx.State)

	tx, err = f.svc.Transition(ctx, tx.ID, StateAuthorized, "")
	require.NoError(t, err)

	_, err = f.svc.Transition(ctx, tx.ID, StateSettled, "")
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, StateAuthorized, invalid.From)
	assert.Equal(t, StateSettled, invalid.To)

	// Each committed transition leaves an event; replay matches stored state.
	require.NoError(t, f.svc.VerifyHistory(ctx, tx.ID))
}

func TestTerminalStateRejectsAllTransitions(t *testing.T) {
	f := newFixture(t)
	w := f.fundedWallet(t, "u1", "1000")
	tx := initiated(t, f, w, "100", "key-1")
	ctx := context.Background()

	_, err := f.svc.MarkFailed(ctx, tx.ID, "risk declined")
	require.NoError(t, err)

	stored, err := f.svc.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, "risk declined", stored.DeclineReason)

	for _, next := range []State{StatePending, StateAuthorized, StateCaptured, StateRefunded} {
		_, err := f.svc.Transition(ctx, tx.ID, next, "")
		var invalid *InvalidTransitionError
		assert.ErrorAs(t, err, &invalid)
	}
}

func TestTransitionPublishesEvent(t *testing.T) {
	f := newFixture(t)
	w := f.fundedWallet(t, "u1", "1000")
	tx := initiated(t, f, w, "100", "key-1")

	_, err := f.svc.Transition(context.Background(), tx.ID, StatePending, "")
	require.NoError(t, err)
	assert.Equal(t, 1, f.outbox.Depth())
}

// captured advances a transaction to CAPTURED the way the authorization
// pipeline would, with the wallet hold consumed and a capture posting.
func captured(t *testing.T, f *fixture, w *wallet.Wallet, amount, key string) *Transaction {
	t.Helper()
	ctx := context.Background()

	tx := initiated(t, f, w, amount, key)
	for _, next := range []State{StatePending, StateAuthorized} {
		var err error
		tx, err = f.svc.Transition(ctx, tx.ID, next, "")
		require.NoError(t, err)
	}

	_, err := f.wallets.Hold(ctx, w.ID, amt(amount))
	require.NoError(t, err)
	_, err = f.wallets.ConsumeHold(ctx, w.ID, amt(amount))
	require.NoError(t, err)

	_, err = f.ledger.Post(ctx, ledger.PostRequest{
		IdempotencyKey: "capture-" + key,
		Currency:       "USD",
		Lines: []ledger.EntrySpec{
			{AccountID: w.AccountID, Side: ledger.Debit, Amount: amt(amount)},
			{AccountID: f.system.SettlementPending.ID, Side: ledger.Credit, Amount: amt(amount)},
		},
		Reference: tx.ID,
	})
	require.NoError(t, err)

	tx, err = f.svc.Transition(ctx, tx.ID, StateCaptured, "")
	require.NoError(t, err)
	return tx
}

func TestFullRefund(t *testing.T) {
	f := newFixture(t)
	w := f.fundedWallet(t, "u1", "1000")
	tx := captured(t, f, w, "400", "key-1")
	ctx := context.Background()

	tx, err := f.svc.Refund(ctx, tx.ID, amt("400"), "refund-1", "customer request")
	require.NoError(t, err)
	assert.Equal(t, StateRefunded, tx.State)
	assert.True(t, tx.RefundedAmount.Equal(amt("400")))

	available, _, err := f.wallets.Balances(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, available.Equal(amt("1000")), "wallet restored, got %s", available)

	pending, err := f.ledger.Balance(ctx, f.system.SettlementPending.ID)
	require.NoError(t, err)
	assert.True(t, pending.IsZero(), "settlement pending cleared, got %s", pending)
}

func TestPartialRefundsThenOverRefundRejected(t *testing.T) {
	f := newFixture(t)
	w := f.fundedWallet(t, "u1", "1000")
	tx := captured(t, f, w, "400", "key-1")
	ctx := context.Background()

	tx, err := f.svc.Refund(ctx, tx.ID, amt("150"), "refund-1", "partial")
	require.NoError(t, err)
	assert.Equal(t, StatePartialRefund, tx.State)

	tx, err = f.svc.Refund(ctx, tx.ID, amt("100"), "refund-2", "partial")
	require.NoError(t, err)
	assert.Equal(t, StatePartialRefund, tx.State)
	assert.True(t, tx.RefundedAmount.Equal(amt("250")))

	_, err = f.svc.Refund(ctx, tx.ID, amt("200"), "refund-3", "too much")
	var over *OverRefundError
	require.ErrorAs(t, err, &over)
	assert.True(t, over.Remaining.Equal(amt("150")))

	tx, err = f.svc.Refund(ctx, tx.ID, amt("150"), "refund-4", "rest")
	require.NoError(t, err)
	assert.Equal(t, StateRefunded, tx.State)

	_, err = f.svc.Refund(ctx, tx.ID, amt("1"), "refund-5", "after full")
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
}

// A refund retried with its original key must return the original result:
// no second wallet credit, no second posting, RefundedAmount unchanged.
func TestRefundRetrySameKeyReplays(t *testing.T) {
	f := newFixture(t)
	w := f.fundedWallet(t, "u1", "1000")
	tx := captured(t, f, w, "400", "key-1")
	ctx := context.Background()

	tx, err := f.svc.Refund(ctx, tx.ID, amt("150"), "refund-1", "customer request")
	require.NoError(t, err)
	require.True(t, tx.RefundedAmount.Equal(amt("150")))

	retry, err := f.svc.Refund(ctx, tx.ID, amt("150"), "refund-1", "customer request")
	require.NoError(t, err)
	assert.Equal(t, StatePartialRefund, retry.State)
	assert.True(t, retry.RefundedAmount.Equal(amt("150")),
		"retry must not refund again, got %s", retry.RefundedAmount)

	available, _, err := f.wallets.Balances(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, available.Equal(amt("750")), "wallet credited once, got %s", available)

	entries, err := f.ledger.AccountEntries(ctx, w.AccountID)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "topup, capture debit, one refund credit")
}

func TestFullRefundRetryReplays(t *testing.T) {
	f := newFixture(t)
	w := f.fundedWallet(t, "u1", "1000")
	tx := captured(t, f, w, "400", "key-1")
	ctx := context.Background()

	tx, err := f.svc.Refund(ctx, tx.ID, amt("400"), "refund-1", "customer request")
	require.NoError(t, err)
	require.Equal(t, StateRefunded, tx.State)

	retry, err := f.svc.Refund(ctx, tx.ID, amt("400"), "refund-1", "customer request")
	require.NoError(t, err)
	assert.Equal(t, StateRefunded, retry.State)

	available, _, err := f.wallets.Balances(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, available.Equal(amt("1000")), "wallet restored exactly once, got %s", available)
}

func TestRefundRetryDifferentAmountRejected(t *testing.T) {
	f := newFixture(t)
	w := f.fundedWallet(t, "u1", "1000")
	tx := captured(t, f, w, "400", "key-1")
	ctx := context.Background()

	_, err := f.svc.Refund(ctx, tx.ID, amt("150"), "refund-1", "customer request")
	require.NoError(t, err)

	_, err = f.svc.Refund(ctx, tx.ID, amt("100"), "refund-1", "customer request")
	var dup *ledger.DuplicateIdempotencyKeyError
	require.ErrorAs(t, err, &dup)

	stored, err := f.svc.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, stored.RefundedAmount.Equal(amt("150")))
}

func TestListByUserAndForSettlement(t *testing.T) {
	f := newFixture(t)
	w := f.fundedWallet(t, "u1", "1000")
	ctx := context.Background()

	settled := captured(t, f, w, "100", "key-1")
	initiated(t, f, w, "50", "key-2")

	mine, err := f.svc.ListByUser(ctx, "u1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	candidates, err := f.svc.ListForSettlement(ctx, SettledQuery{
		MerchantID: "m-1",
		Currency:   "USD",
		States:     []State{StateCaptured},
	})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, settled.ID, candidates[0].ID)
}

func TestRefundRejectedBeforeCapture(t *testing.T) {
	f := newFixture(t)
	w := f.fundedWallet(t, "u1", "1000")
	tx := initiated(t, f, w, "100", "key-1")

	_, err := f.svc.Refund(context.Background(), tx.ID, amt("100"), "refund-1", "too early")
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
}

func TestEventVersionConflictDetected(t *testing.T) {
	store := NewMemoryEventStore()
	ctx := context.Background()

	first, err := newStateEvent("tx-1", 2, EventStateChanged, StateInitiated, StatePending, "")
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, first))

	second, err := newStateEvent("tx-1", 2, EventStateChanged, StateInitiated, StateCancelled, "")
	require.NoError(t, err)
	err = store.Append(ctx, second)
	var dup *DuplicateVersionError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, int64(2), dup.Version)
}

func TestReplayStateDetectsGap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()

	e1, err := newStateEvent("tx-1", 1, EventInitiated, "", StateInitiated, "")
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, e1))
	e2, err := newStateEvent("tx-1", 2, EventStateChanged, StatePending, StateAuthorized, "")
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, e2))

	history, err := store.History(ctx, "tx-1")
	require.NoError(t, err)
	_, err = ReplayState(history)
	assert.Error(t, err, "event continuing from the wrong state must fail replay")
}

func TestInitiateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  InitiateRequest
	}{
		{"bad type", InitiateRequest{Type: "loan", UserID: "u1", Amount: amt("10"), Currency: "USD", IdempotencyKey: "k1"}},
		{"bad currency", InitiateRequest{Type: TypePayment, UserID: "u1", Amount: amt("10"), Currency: "usd", IdempotencyKey: "k2"}},
		{"zero amount", InitiateRequest{Type: TypePayment, UserID: "u1", Amount: decimal.Zero, Currency: "USD", IdempotencyKey: "k3"}},
		{"fee >= amount", InitiateRequest{Type: TypePayment, UserID: "u1", Amount: amt("10"), Fee: amt("10"), Currency: "USD", IdempotencyKey: "k4"}},
		{"missing key", InitiateRequest{Type: TypePayment, UserID: "u1", Amount: amt("10"), Currency: "USD"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Initiate(ctx, tc.req)
			assert.Error(t, err)
		})
	}
}
