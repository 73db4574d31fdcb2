package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	bus "github.com/example/payments-core/internal/events"
	"github.com/example/payments-core/internal/ledger"
	"github.com/example/payments-core/internal/money"
	"github.com/example/payments-core/internal/transaction"
)

// Processor builds settlement batches and posts merchant payouts.
type Processor struct {
	store  Store
	txs    *transaction.Service
	ledger *ledger.Service
	outbox bus.Outbox
	log    *slog.Logger
	now    func() time.Time
}

// NewProcessor creates a settlement processor. outbox may be nil.
func NewProcessor(store Store, txs *transaction.Service, led *ledger.Service, outbox bus.Outbox, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		store:  store,
		txs:    txs,
		ledger: led,
		outbox: outbox,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// BuildBatch settles one merchant window. Captured transactions in the window
// not claimed by another batch are aggregated into gross, refund, fee, and
// net totals, the payout journal posts, and each captured item moves to
// SETTLED. A failed payout posting fails the whole batch; failed item
// transitions after a successful posting leave the batch PARTIALLY_FAILED.
// Re-running an already-settled window claims nothing and is a no-op.
func (p *Processor) BuildBatch(ctx context.Context, merchantID string, periodStart, periodEnd time.Time) (*Batch, error) {
	cfg, err := p.store.GetConfig(ctx, merchantID)
	if err != nil {
		return nil, err
	}

	candidates, err := p.txs.ListForSettlement(ctx, transaction.SettledQuery{
		MerchantID: merchantID,
		Currency:   cfg.Currency,
		From:       periodStart,
		To:         periodEnd,
		States: []transaction.State{
			transaction.StateCaptured,
			transaction.StateRefunded,
			transaction.StatePartialRefund,
		},
	})
	if err != nil {
		return nil, err
	}

	now := p.now()
	batch := &Batch{
		ID:          uuid.New().String(),
		MerchantID:  merchantID,
		Currency:    cfg.Currency,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		Gross:       decimal.Zero,
		Refunds:     decimal.Zero,
		Fees:        decimal.Zero,
		Net:         decimal.Zero,
		Status:      StatusPending,
		CreatedAt:   now,
	}
	if err := p.store.CreateBatch(ctx, batch); err != nil {
		return nil, err
	}

	ids := make([]string, len(candidates))
	byID := make(map[string]*transaction.Transaction, len(candidates))
	for i, tx := range candidates {
		ids[i] = tx.ID
		byID[tx.ID] = tx
	}
	claimed, err := p.store.Claim(ctx, batch.ID, ids)
	if err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		batch.Status = StatusCompleted
		batch.CompletedAt = now
		if err := p.store.UpdateBatch(ctx, batch); err != nil {
			return nil, err
		}
		p.log.InfoContext(ctx, "settlement window already settled, nothing claimed",
			"merchant_id", merchantID, "batch_id", batch.ID)
		return batch, nil
	}

	for _, id := range claimed {
		tx := byID[id]
		item := &Item{
			TransactionID: tx.ID,
			Gross:         tx.Amount,
			Fee:           tx.Fee,
			Refunded:      tx.RefundedAmount,
			Net:           money.Normalize(tx.Amount.Sub(tx.Fee).Sub(tx.RefundedAmount)),
		}
		batch.Items = append(batch.Items, item)
		batch.Gross = batch.Gross.Add(item.Gross)
		batch.Refunds = batch.Refunds.Add(item.Refunded)
		batch.Fees = batch.Fees.Add(item.Fee)
		batch.Net = batch.Net.Add(item.Net)
	}
	batch.Net = money.Normalize(batch.Net)

	if batch.Net.IsPositive() {
		pending, err := p.ledger.Store().FindActiveAccount(ctx, "", "", ledger.AccountLiability, cfg.Currency)
		if err != nil {
			return p.fail(ctx, batch, fmt.Sprintf("settlement pending account: %v", err))
		}
		cash, err := p.ledger.Store().FindActiveAccount(ctx, "", "", ledger.AccountAsset, cfg.Currency)
		if err != nil {
			return p.fail(ctx, batch, fmt.Sprintf("cash account: %v", err))
		}

		entry, err := p.ledger.Post(ctx, ledger.PostRequest{
			IdempotencyKey: "settlement-" + batch.ID,
			Currency:       cfg.Currency,
			Lines: []ledger.EntrySpec{
				{AccountID: pending.ID, Side: ledger.Debit, Amount: batch.Net},
				{AccountID: cash.ID, Side: ledger.Credit, Amount: batch.Net},
			},
			Reference:   batch.ID,
			Description: "merchant payout " + merchantID,
		})
		if err != nil {
			return p.fail(ctx, batch, fmt.Sprintf("payout posting: %v", err))
		}
		batch.JournalEntryID = entry.ID
	}

	settledFailures := 0
	for _, item := range batch.Items {
		tx := byID[item.TransactionID]
		if tx.State != transaction.StateCaptured {
			continue
		}
		if _, err := p.txs.Transition(ctx, tx.ID, transaction.StateSettled, "batch "+batch.ID); err != nil {
			settledFailures++
			p.log.ErrorContext(ctx, "failed to settle batch item",
				"batch_id", batch.ID, "transaction_id", tx.ID, "error", err)
		}
	}

	batch.Status = StatusCompleted
	if settledFailures > 0 {
		batch.Status = StatusPartiallyFailed
		batch.FailureReason = fmt.Sprintf("%d items failed to transition", settledFailures)
	}
	batch.CompletedAt = p.now()
	if err := p.store.UpdateBatch(ctx, batch); err != nil {
		return nil, err
	}

	if batch.Status == StatusCompleted {
		p.publish(ctx, bus.TopicSettlementCompleted, batch.ID, map[string]string{
			"batch_id":    batch.ID,
			"merchant_id": merchantID,
			"net":         batch.Net.String(),
			"items":       fmt.Sprintf("%d", len(batch.Items)),
		})
	}
	p.log.InfoContext(ctx, "settlement batch built",
		"batch_id", batch.ID, "merchant_id", merchantID, "status", batch.Status,
		"gross", batch.Gross.String(), "fees", batch.Fees.String(),
		"refunds", batch.Refunds.String(), "net", batch.Net.String())
	return batch, nil
}

// fail marks the batch FAILED and releases its claims so a later run can
// retry the window.
func (p *Processor) fail(ctx context.Context, batch *Batch, reason string) (*Batch, error) {
	batch.Status = StatusFailed
	batch.FailureReason = reason
	if err := p.store.UpdateBatch(ctx, batch); err != nil {
		return nil, err
	}
	if err := p.store.ReleaseClaims(ctx, batch.ID); err != nil {
		p.log.ErrorContext(ctx, "failed to release claims for failed batch",
			"batch_id", batch.ID, "error", err)
	}
	p.log.ErrorContext(ctx, "settlement batch failed", "batch_id", batch.ID, "reason", reason)
	return batch, fmt.Errorf("settlement batch %s failed: %s", batch.ID, reason)
}

// RunDue runs settlement for every merchant whose schedule is owed a cycle.
func (p *Processor) RunDue(ctx context.Context) (int, error) {
	configs, err := p.store.ListConfigs(ctx)
	if err != nil {
		return 0, err
	}

	ran := 0
	now := p.now()
	for _, cfg := range configs {
		due, start, end := cfg.Due(now)
		if !due {
			continue
		}
		if _, err := p.BuildBatch(ctx, cfg.MerchantID, start, end); err != nil {
			p.log.ErrorContext(ctx, "scheduled settlement run failed",
				"merchant_id", cfg.MerchantID, "error", err)
			continue
		}
		cfg.LastRunAt = now
		if err := p.store.UpsertConfig(ctx, cfg); err != nil {
			return ran, err
		}
		ran++
	}
	return ran, nil
}

// GetBatch returns a batch by id.
func (p *Processor) GetBatch(ctx context.Context, id string) (*Batch, error) {
	return p.store.GetBatch(ctx, id)
}

func (p *Processor) publish(ctx context.Context, topic, key string, payload any) {
	if p.outbox == nil {
		return
	}
	if err := p.outbox.Enqueue(ctx, topic, key, payload); err != nil {
		p.log.ErrorContext(ctx, "failed to enqueue event", "topic", topic, "key", key, "error", err)
	}
}
