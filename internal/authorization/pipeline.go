package authorization

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	bus "github.com/example/payments-core/internal/events"
	"github.com/example/payments-core/internal/ledger"
	"github.com/example/payments-core/internal/money"
	"github.com/example/payments-core/internal/transaction"
	"github.com/example/payments-core/internal/wallet"
)

// RiskDecision is the compliance engine's synchronous verdict on a
// transaction. Block forces a decline before any hold is placed.
type RiskDecision struct {
	Score  decimal.Decimal
	Block  bool
	Reason string
}

// RiskDecider produces a synchronous risk decision for an authorization.
type RiskDecider interface {
	Decide(ctx context.Context, tx *transaction.Transaction) (*RiskDecision, error)
}

// DefaultTTL is how long an approved authorization stays capturable.
const DefaultTTL = 7 * 24 * time.Hour

// Pipeline drives authorize, capture, void, and the expiry sweep.
type Pipeline struct {
	store   Store
	wallets *wallet.Service
	ledger  *ledger.Service
	txs     *transaction.Service
	risk    RiskDecider
	outbox  bus.Outbox
	log     *slog.Logger
	ttl     time.Duration
	now     func() time.Time
}

// NewPipeline creates an authorization pipeline. risk and outbox may be nil.
func NewPipeline(store Store, wallets *wallet.Service, led *ledger.Service, txs *transaction.Service, risk RiskDecider, outbox bus.Outbox, log *slog.Logger, ttl time.Duration) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Pipeline{
		store:   store,
		wallets: wallets,
		ledger:  led,
		txs:     txs,
		risk:    risk,
		outbox:  outbox,
		log:     log,
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Get returns an authorization by id.
func (p *Pipeline) Get(ctx context.Context, id string) (*Authorization, error) {
	return p.store.Get(ctx, id)
}

// Authorize resolves a new authorization for a transaction. A risk block or
// a failed wallet hold returns a DECLINED authorization with the reason
// recorded and the transaction moved to FAILED; no hold survives a decline.
func (p *Pipeline) Authorize(ctx context.Context, transactionID string) (*Authorization, error) {
	tx, err := p.txs.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.State == transaction.StateInitiated {
		if tx, err = p.txs.Transition(ctx, tx.ID, transaction.StatePending, ""); err != nil {
			return nil, err
		}
	}
	if tx.State != transaction.StatePending {
		return nil, fmt.Errorf("transaction %s is %s, cannot authorize", tx.ID, tx.State)
	}

	now := p.now()
	auth := &Authorization{
		ID:             uuid.New().String(),
		TransactionID:  tx.ID,
		WalletID:       tx.SourceWalletID,
		MerchantID:     tx.MerchantID,
		CardToken:      tx.CardToken,
		Amount:         tx.Amount,
		AmountCaptured: decimal.Zero,
		FeeCollected:   decimal.Zero,
		Currency:       tx.Currency,
		State:          StatePending,
		ExpiresAt:      now.Add(p.ttl),
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := p.store.Create(ctx, auth); err != nil {
		return nil, err
	}

	if p.risk != nil {
		decision, err := p.risk.Decide(ctx, tx)
		if err != nil {
			return nil, fmt.Errorf("risk decision: %w", err)
		}
		auth.RiskScore = decision.Score
		if decision.Block {
			return p.decline(ctx, auth, "compliance block: "+decision.Reason)
		}
	}

	if _, err := p.wallets.Hold(ctx, auth.WalletID, auth.Amount); err != nil {
		var funds *wallet.InsufficientFundsError
		var limit *wallet.LimitExceededError
		var status *wallet.StatusError
		if errors.As(err, &funds) || errors.As(err, &limit) || errors.As(err, &status) {
			return p.decline(ctx, auth, err.Error())
		}
		return nil, fmt.Errorf("wallet hold: %w", err)
	}

	if _, err := p.txs.Transition(ctx, tx.ID, transaction.StateAuthorized, ""); err != nil {
		// Undo the hold; the transaction state is authoritative.
		if _, release := p.wallets.ReleaseHold(ctx, auth.WalletID, auth.Amount); release != nil {
			p.log.ErrorContext(ctx, "failed to release hold after transition failure",
				"authorization_id", auth.ID, "error", release)
		}
		return nil, err
	}

	expected := auth.Version
	auth.State = StateApproved
	auth.Version++
	auth.UpdatedAt = p.now()
	if err := p.store.Update(ctx, auth, expected); err != nil {
		return nil, err
	}

	p.publish(ctx, bus.TopicAuthorizationApproved, auth.ID, map[string]string{
		"authorization_id": auth.ID,
		"transaction_id":   auth.TransactionID,
		"amount":           auth.Amount.String(),
		"expires_at":       auth.ExpiresAt.Format(time.RFC3339),
	})
	p.log.InfoContext(ctx, "authorization approved",
		"authorization_id", auth.ID, "transaction_id", auth.TransactionID,
		"amount", auth.Amount.String(), "risk_score", auth.RiskScore.String())
	return auth, nil
}

func (p *Pipeline) decline(ctx context.Context, auth *Authorization, reason string) (*Authorization, error) {
	expected := auth.Version
	auth.State = StateDeclined
	auth.DeclineReason = reason
	auth.Version++
	auth.UpdatedAt = p.now()
	if err := p.store.Update(ctx, auth, expected); err != nil {
		return nil, err
	}

	if _, err := p.txs.MarkFailed(ctx, auth.TransactionID, reason); err != nil {
		p.log.ErrorContext(ctx, "failed to mark transaction failed after decline",
			"transaction_id", auth.TransactionID, "error", err)
	}

	p.publish(ctx, bus.TopicAuthorizationDeclined, auth.ID, map[string]string{
		"authorization_id": auth.ID,
		"transaction_id":   auth.TransactionID,
		"reason":           reason,
	})
	p.log.InfoContext(ctx, "authorization declined",
		"authorization_id", auth.ID, "transaction_id", auth.TransactionID, "reason", reason)
	return auth, nil
}

// Capture converts part or all of an approved hold into a booked posting.
// Expiry is re-checked here regardless of sweep cadence. The capturable
// amount and the idempotency key are claimed under CAS first, so two
// concurrent captures that together exceed the authorized amount cannot both
// succeed, and a retried key replays instead of claiming again.
func (p *Pipeline) Capture(ctx context.Context, authorizationID string, amount decimal.Decimal, idempotencyKey string) (*Authorization, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("capture amount must be positive, got %s", amount)
	}
	if idempotencyKey == "" {
		return nil, fmt.Errorf("idempotency key is required")
	}
	amount = money.Normalize(amount)

	tx, auth, fee, replayed, err := p.claimCapture(ctx, authorizationID, amount, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if replayed {
		p.log.DebugContext(ctx, "idempotent capture replay",
			"authorization_id", auth.ID, "idempotency_key", idempotencyKey)
		return auth, nil
	}

	if _, err := p.wallets.ConsumeHold(ctx, auth.WalletID, amount); err != nil {
		return nil, fmt.Errorf("consume hold: %w", err)
	}

	w, err := p.wallets.Get(ctx, auth.WalletID)
	if err != nil {
		return nil, err
	}
	pending, err := p.ledger.Store().FindActiveAccount(ctx, "", "", ledger.AccountLiability, auth.Currency)
	if err != nil {
		return nil, fmt.Errorf("settlement pending account: %w", err)
	}

	lines := []ledger.EntrySpec{
		{AccountID: w.AccountID, Side: ledger.Debit, Amount: amount},
		{AccountID: pending.ID, Side: ledger.Credit, Amount: amount.Sub(fee)},
	}
	if fee.IsPositive() {
		feeAcct, err := p.ledger.Store().FindActiveAccount(ctx, "", "", ledger.AccountRevenue, auth.Currency)
		if err != nil {
			return nil, fmt.Errorf("fee revenue account: %w", err)
		}
		lines = append(lines, ledger.EntrySpec{AccountID: feeAcct.ID, Side: ledger.Credit, Amount: fee})
	}

	if _, err := p.ledger.Post(ctx, ledger.PostRequest{
		IdempotencyKey: idempotencyKey,
		Currency:       auth.Currency,
		Lines:          lines,
		Reference:      auth.TransactionID,
		Description:    "capture " + auth.ID,
	}); err != nil {
		return nil, fmt.Errorf("capture posting: %w", err)
	}

	if tx.State == transaction.StateAuthorized {
		if _, err := p.txs.Transition(ctx, tx.ID, transaction.StateCaptured, ""); err != nil {
			return nil, err
		}
	}

	p.log.InfoContext(ctx, "authorization captured",
		"authorization_id", auth.ID, "amount", amount.String(),
		"remaining", auth.Remaining().String(), "state", auth.State)
	return auth, nil
}

// claimCapture reserves amount and the idempotency key against the
// authorization under CAS and returns the fee portion owed on this capture.
// A key already claimed with the same amount reports replayed without
// mutating anything; the same key with a different amount fails.
func (p *Pipeline) claimCapture(ctx context.Context, authorizationID string, amount decimal.Decimal, idempotencyKey string) (*transaction.Transaction, *Authorization, decimal.Decimal, bool, error) {
	const maxRetries = 3

	for attempt := 0; attempt < maxRetries; attempt++ {
		auth, err := p.store.Get(ctx, authorizationID)
		if err != nil {
			return nil, nil, decimal.Zero, false, err
		}

		// Key check before the state checks: the original capture may have
		// moved the authorization to CAPTURED already.
		if prior, ok := auth.CaptureKeys[idempotencyKey]; ok {
			if !prior.Equal(amount) {
				return nil, nil, decimal.Zero, false, &ledger.DuplicateIdempotencyKeyError{Key: idempotencyKey}
			}
			return nil, auth, decimal.Zero, true, nil
		}

		if p.now().After(auth.ExpiresAt) && auth.State == StateApproved {
			if err := p.expire(ctx, auth); err != nil {
				return nil, nil, decimal.Zero, false, err
			}
			return nil, nil, decimal.Zero, false, &ExpiredAuthorizationError{AuthorizationID: auth.ID, ExpiresAt: auth.ExpiresAt}
		}
		if auth.State == StateExpired {
			return nil, nil, decimal.Zero, false, &ExpiredAuthorizationError{AuthorizationID: auth.ID, ExpiresAt: auth.ExpiresAt}
		}
		if auth.State != StateApproved {
			return nil, nil, decimal.Zero, false, &StateError{AuthorizationID: auth.ID, State: auth.State, Operation: "capture"}
		}
		if amount.GreaterThan(auth.Remaining()) {
			return nil, nil, decimal.Zero, false, &OverCaptureError{AuthorizationID: auth.ID, Remaining: auth.Remaining(), Requested: amount}
		}

		tx, err := p.txs.Get(ctx, auth.TransactionID)
		if err != nil {
			return nil, nil, decimal.Zero, false, err
		}

		// Fee is prorated per capture; the final capture takes the residual so
		// the collected total lands exactly on the transaction fee.
		var fee decimal.Decimal
		if amount.Equal(auth.Remaining()) {
			fee = tx.Fee.Sub(auth.FeeCollected)
		} else if tx.Fee.IsPositive() {
			fee = money.Normalize(tx.Fee.Mul(amount).Div(auth.Amount))
		} else {
			fee = decimal.Zero
		}

		expected := auth.Version
		auth.AmountCaptured = auth.AmountCaptured.Add(amount)
		auth.FeeCollected = auth.FeeCollected.Add(fee)
		keys := make(map[string]decimal.Decimal, len(auth.CaptureKeys)+1)
		for k, v := range auth.CaptureKeys {
			keys[k] = v
		}
		keys[idempotencyKey] = amount
		auth.CaptureKeys = keys
		if auth.Remaining().IsZero() {
			auth.State = StateCaptured
		}
		auth.Version++
		auth.UpdatedAt = p.now()

		if err := p.store.Update(ctx, auth, expected); err != nil {
			var stale *StaleAuthorizationError
			if errors.As(err, &stale) {
				continue
			}
			return nil, nil, decimal.Zero, false, err
		}
		return tx, auth, fee, false, nil
	}
	return nil, nil, decimal.Zero, false, fmt.Errorf("authorization %s: too many concurrent captures", authorizationID)
}

// Void releases an uncaptured hold. No ledger entry is posted.
func (p *Pipeline) Void(ctx context.Context, authorizationID string) (*Authorization, error) {
	auth, err := p.store.Get(ctx, authorizationID)
	if err != nil {
		return nil, err
	}
	if auth.State != StateApproved {
		return nil, &StateError{AuthorizationID: auth.ID, State: auth.State, Operation: "void"}
	}
	if auth.AmountCaptured.IsPositive() {
		return nil, &StateError{AuthorizationID: auth.ID, State: auth.State, Operation: "void after partial capture"}
	}

	expected := auth.Version
	auth.State = StateVoided
	auth.Version++
	auth.UpdatedAt = p.now()
	if err := p.store.Update(ctx, auth, expected); err != nil {
		return nil, err
	}

	if _, err := p.wallets.ReleaseHold(ctx, auth.WalletID, auth.Amount); err != nil {
		return nil, fmt.Errorf("release hold: %w", err)
	}
	if _, err := p.txs.Transition(ctx, auth.TransactionID, transaction.StateVoided, "authorization voided"); err != nil {
		return nil, err
	}

	p.log.InfoContext(ctx, "authorization voided", "authorization_id", auth.ID)
	return auth, nil
}

// SweepExpired expires approved authorizations past their deadline and
// releases their holds. Hold release is not a financial fact, so nothing is
// posted to the ledger.
func (p *Pipeline) SweepExpired(ctx context.Context) (int, error) {
	expirable, err := p.store.ListExpirable(ctx, p.now())
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, auth := range expirable {
		if err := p.expire(ctx, auth); err != nil {
			var stale *StaleAuthorizationError
			if errors.As(err, &stale) {
				// Lost a race with a concurrent capture or void; skip.
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func (p *Pipeline) expire(ctx context.Context, auth *Authorization) error {
	remaining := auth.Remaining()

	expected := auth.Version
	auth.State = StateExpired
	auth.Version++
	auth.UpdatedAt = p.now()
	if err := p.store.Update(ctx, auth, expected); err != nil {
		return err
	}

	if remaining.IsPositive() {
		if _, err := p.wallets.ReleaseHold(ctx, auth.WalletID, remaining); err != nil {
			return fmt.Errorf("release expired hold: %w", err)
		}
	}
	if auth.AmountCaptured.IsZero() {
		if _, err := p.txs.MarkFailed(ctx, auth.TransactionID, "authorization expired"); err != nil {
			p.log.ErrorContext(ctx, "failed to fail transaction for expired authorization",
				"transaction_id", auth.TransactionID, "error", err)
		}
	}

	p.publish(ctx, bus.TopicAuthorizationExpired, auth.ID, map[string]string{
		"authorization_id": auth.ID,
		"transaction_id":   auth.TransactionID,
		"released":         remaining.String(),
	})
	p.log.InfoContext(ctx, "authorization expired",
		"authorization_id", auth.ID, "released", remaining.String())
	return nil
}

func (p *Pipeline) publish(ctx context.Context, topic, key string, payload any) {
	if p.outbox == nil {
		return
	}
	if err := p.outbox.Enqueue(ctx, topic, key, payload); err != nil {
		p.log.ErrorContext(ctx, "failed to enqueue event", "topic", topic, "key", key, "error", err)
	}
}
