package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/payments-core/internal/events"
	"github.com/example/payments-core/internal/ledger"
	"github.com/example/payments-core/internal/transaction"
	"github.com/example/payments-core/internal/wallet"
)

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	processor *Processor
	store     *MemoryStore
	txs       *transaction.Service
	wallets   *wallet.Service
	ledger    *ledger.Service
	outbox    *events.MemoryOutbox
	system    *ledger.SystemAccounts
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
	txs := transaction.NewService(transaction.NewMemoryStore(), transaction.NewMemoryEventStore(), led, wallets, outbox, nil)

	store := NewMemoryStore()
	require.NoError(t, store.UpsertConfig(ctx, &MerchantConfig{
		MerchantID: "m-1", Currency: "USD", Schedule: ScheduleDaily,
	}))

	processor := NewProcessor(store, txs, led, outbox, nil)
	return &fixture{processor: processor, store: store, txs: txs, wallets: wallets, ledger: led, outbox: outbox, system: system}
}

// capturedPayment drives a payment to CAPTURED with the hold consumed and the
// capture posting made.
func (f *fixture) capturedPayment(t *testing.T, ownerID, amount, fee, key string) *transaction.Transaction {
	t.Helper()
	ctx := context.Background()

	w, err := f.wallets.Create(ctx, "user", ownerID, "USD", decimal.Zero)
	require.NoError(t, err)
	_, err = f.ledger.Post(ctx, ledger.PostRequest{
		IdempotencyKey: "topup-" + key,
		Currency:       "USD",
		Lines: []ledger.EntrySpec{
			{AccountID: f.system.Cash.ID, Side: ledger.Debit, Amount: amt(amount)},
			{AccountID: w.AccountID, Side: ledger.Credit, Amount: amt(amount)},
		},
	})
	require.NoError(t, err)
	_, err = f.wallets.Credit(ctx, w.ID, amt(amount))
	require.NoError(t, err)

	tx, err := f.txs.Initiate(ctx, transaction.InitiateRequest{
		Type:           transaction.TypePayment,
		UserID:         ownerID,
		SourceWalletID: w.ID,
		MerchantID:     "m-1",
		Amount:         amt(amount),
		Fee:            amt(fee),
		Currency:       "USD",
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	for _, next := range []transaction.State{transaction.StatePending, transaction.StateAuthorized} {
		tx, err = f.txs.Transition(ctx, tx.ID, next, "")
		require.NoError(t, err)
	}

	_, err = f.wallets.Hold(ctx, w.ID, amt(amount))
	require.NoError(t, err)
	_, err = f.wallets.ConsumeHold(ctx, w.ID, amt(amount))
	require.NoError(t, err)

	lines := []ledger.EntrySpec{
		{AccountID: w.AccountID, Side: ledger.Debit, Amount: amt(amount)},
		{AccountID: f.system.SettlementPending.ID, Side: ledger.Credit, Amount: amt(amount).Sub(amt(fee))},
	}
	if amt(fee).IsPositive() {
		lines = append(lines, ledger.EntrySpec{AccountID: f.system.FeeRevenue.ID, Side: ledger.Credit, Amount: amt(fee)})
	}
	_, err = f.ledger.Post(ctx, ledger.PostRequest{
		IdempotencyKey: "capture-" + key,
		Currency:       "USD",
		Lines:          lines,
		Reference:      tx.ID,
	})
	require.NoError(t, err)

	tx, err = f.txs.Transition(ctx, tx.ID, transaction.StateCaptured, "")
	require.NoError(t, err)
	return tx
}

func window() (time.Time, time.Time) {
	now := time.Now().UTC()
	return now.Add(-time.Hour), now.Add(time.Hour)
}

func TestBuildBatchSettlesCapturedTransactions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx1 := f.capturedPayment(t, "u1", "300", "0", "pay-1")
	tx2 := f.capturedPayment(t, "u2", "200", "10", "pay-2")

	start, end := window()
	batch, err := f.processor.BuildBatch(ctx, "m-1", start, end)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, batch.Status)
	assert.Len(t, batch.Items, 2)
	assert.True(t, batch.Gross.Equal(amt("500")))
	assert.True(t, batch.Fees.Equal(amt("10")))
	assert.True(t, batch.Net.Equal(amt("490")))
	assert.NotEmpty(t, batch.JournalEntryID)

	for _, id := range []string{tx1.ID, tx2.ID} {
		tx, err := f.txs.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, transaction.StateSettled, tx.State)
	}

	// Payout drains the settlement pending account.
	pending, err := f.ledger.Balance(ctx, f.system.SettlementPending.ID)
	require.NoError(t, err)
	assert.True(t, pending.IsZero(), "settlement pending after payout, got %s", pending)
}

func TestRerunWindowIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.capturedPayment(t, "u1", "300", "0", "pay-1")
	start, end := window()

	first, err := f.processor.BuildBatch(ctx, "m-1", start, end)
	require.NoError(t, err)
	require.True(t, first.Net.Equal(amt("300")))

	second, err := f.processor.BuildBatch(ctx, "m-1", start, end)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, second.Status)
	assert.Empty(t, second.Items, "already-claimed transactions are skipped")
	assert.True(t, second.Net.IsZero())
	assert.Empty(t, second.JournalEntryID, "no payout posts for an empty batch")
}

func TestPartialRefundReducesNet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx := f.capturedPayment(t, "u1", "400", "0", "pay-1")
	tx, err := f.txs.Refund(ctx, tx.ID, amt("150"), "refund-1", "partial")
	require.NoError(t, err)
	require.Equal(t, transaction.StatePartialRefund, tx.State)

	start, end := window()
	batch, err := f.processor.BuildBatch(ctx, "m-1", start, end)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, batch.Status)
	require.Len(t, batch.Items, 1)
	assert.True(t, batch.Refunds.Equal(amt("150")))
	assert.True(t, batch.Net.Equal(amt("250")))

	// Partially refunded items settle their remaining value but keep their
	// refund state.
	tx, err = f.txs.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatePartialRefund, tx.State)
}

func TestFullyRefundedBatchPostsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx := f.capturedPayment(t, "u1", "400", "0", "pay-1")
	_, err := f.txs.Refund(ctx, tx.ID, amt("400"), "refund-1", "full")
	require.NoError(t, err)

	start, end := window()
	batch, err := f.processor.BuildBatch(ctx, "m-1", start, end)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, batch.Status)
	assert.True(t, batch.Net.IsZero())
	assert.Empty(t, batch.JournalEntryID)
}

func TestCompletedBatchPublishesEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.capturedPayment(t, "u1", "300", "0", "pay-1")
	start, end := window()

	before := f.outbox.Depth()
	_, err := f.processor.BuildBatch(ctx, "m-1", start, end)
	require.NoError(t, err)
	// One settlement.completed plus one state change per settled item.
	assert.Equal(t, before+2, f.outbox.Depth())
}

func TestScheduleDue(t *testing.T) {
	now := time.Now().UTC()

	daily := &MerchantConfig{MerchantID: "m-1", Schedule: ScheduleDaily, LastRunAt: now.Add(-25 * time.Hour)}
	due, start, end := daily.Due(now)
	assert.True(t, due)
	assert.Equal(t, daily.LastRunAt, start)
	assert.Equal(t, now, end)

	recent := &MerchantConfig{MerchantID: "m-2", Schedule: ScheduleDaily, LastRunAt: now.Add(-time.Hour)}
	due, _, _ = recent.Due(now)
	assert.False(t, due)

	onDemand := &MerchantConfig{MerchantID: "m-3", Schedule: ScheduleOnDemand}
	due, _, _ = onDemand.Due(now)
	assert.False(t, due, "on-demand merchants never run automatically")
}

func TestRunDueUpdatesLastRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.UpsertConfig(ctx, &MerchantConfig{
		MerchantID: "m-1", Currency: "USD", Schedule: ScheduleDaily,
		LastRunAt: time.Now().UTC().Add(-25 * time.Hour),
	}))
	f.capturedPayment(t, "u1", "300", "0", "pay-1")

	ran, err := f.processor.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ran)

	cfg, err := f.store.GetConfig(ctx, "m-1")
	require.NoError(t, err)
	assert.False(t, cfg.LastRunAt.IsZero())

	ran, err = f.processor.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, ran, "nothing due immediately after a run")
}
