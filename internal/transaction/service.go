package transaction

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
	"github.com/example/payments-core/internal/wallet"
)

// ErrValidation marks requests rejected before any state was created.
var ErrValidation = errors.New("transaction: invalid request")

// InitiateRequest describes a new transaction.
type InitiateRequest struct {
	Type           Type            `json:"type" validate:"required"`
	UserID         string          `json:"user_id" validate:"required"`
	SourceWalletID string          `json:"source_wallet_id,omitempty"`
	DestWalletID   string          `json:"dest_wallet_id,omitempty"`
	MerchantID     string          `json:"merchant_id,omitempty"`
	CardToken      string          `json:"card_token,omitempty"`
	Channel        string          `json:"channel,omitempty"`
	Amount         decimal.Decimal `json:"amount" validate:"required"`
	Fee            decimal.Decimal `json:"fee"`
	Currency       string          `json:"currency_code" validate:"required,len=3"`
	Country        string          `json:"country,omitempty"`
	IdempotencyKey string          `json:"idempotency_key" validate:"required"`
}

// Service drives the transaction lifecycle. Every state change appends a
// versioned event before committing the new state; ledger postings for
// value-moving transitions happen inside the same call.
type Service struct {
	store   Store
	events  EventStore
	ledger  *ledger.Service
	wallets *wallet.Service
	outbox  bus.Outbox
	log     *slog.Logger
	now     func() time.Time
}

// NewService creates a transaction service. outbox may be nil in tests that
// do not exercise the event stream.
func NewService(store Store, events EventStore, led *ledger.Service, wallets *wallet.Service, outbox bus.Outbox, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:   store,
		events:  events,
		ledger:  led,
		wallets: wallets,
		outbox:  outbox,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Initiate creates a transaction in INITIATED. Replaying the same idempotency
// key returns the original transaction.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*Transaction, error) {
	if !ValidType(req.Type) {
		return nil, fmt.Errorf("%w: invalid transaction type %s", ErrValidation, req.Type)
	}
	if !money.ValidCurrency(req.Currency) {
		return nil, fmt.Errorf("%w: invalid currency code %s", ErrValidation, req.Currency)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive, got %s", ErrValidation, req.Amount)
	}
	if req.Fee.IsNegative() {
		return nil, fmt.Errorf("%w: fee cannot be negative, got %s", ErrValidation, req.Fee)
	}
	if req.Fee.GreaterThanOrEqual(req.Amount) {
		return nil, fmt.Errorf("%w: fee %s must be less than amount %s", ErrValidation, req.Fee, req.Amount)
	}
	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", ErrValidation)
	}

	if existing, err := s.store.GetByKey(ctx, req.IdempotencyKey); err == nil {
		s.log.DebugContext(ctx, "idempotent transaction replay",
			"transaction_id", existing.ID, "idempotency_key", req.IdempotencyKey)
		return existing, nil
	} else if !errors.Is(err, ErrTransactionNotFound) {
		return nil, err
	}

	now := s.now()
	tx := &Transaction{
		ID:             uuid.New().String(),
		Type:           req.Type,
		State:          StateInitiated,
		UserID:         req.UserID,
		SourceWalletID: req.SourceWalletID,
		DestWalletID:   req.DestWalletID,
		MerchantID:     req.MerchantID,
		CardToken:      req.CardToken,
		Channel:        req.Channel,
		Amount:         money.Normalize(req.Amount),
		Fee:            money.Normalize(req.Fee),
		Net:            money.Normalize(req.Amount.Sub(req.Fee)),
		Currency:       req.Currency,
		Country:        req.Country,
		RefundedAmount: decimal.Zero,
		IdempotencyKey: req.IdempotencyKey,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, tx); err != nil {
		var dup *DuplicateKeyError
		if errors.As(err, &dup) {
			// Lost the creation race; return the winner.
			return s.store.GetByKey(ctx, req.IdempotencyKey)
		}
		return nil, err
	}

	event, err := newStateEvent(tx.ID, 1, EventInitiated, "", StateInitiated, "")
	if err != nil {
		return nil, err
	}
	if err := s.events.Append(ctx, event); err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "transaction initiated",
		"transaction_id", tx.ID, "type", tx.Type, "amount", tx.Amount.String(), "currency", tx.Currency)
	return tx, nil
}

// Get returns a transaction by id.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// History returns the ordered event log for a transaction.
func (s *Service) History(ctx context.Context, id string) ([]*Event, error) {
	return s.events.History(ctx, id)
}

// ListByUser returns a user's transactions created at or after since.
func (s *Service) ListByUser(ctx context.Context, userID string, since time.Time) ([]*Transaction, error) {
	return s.store.ListByUser(ctx, userID, since)
}

// ListForSettlement returns the transactions matching a settlement window query.
func (s *Service) ListForSettlement(ctx context.Context, q SettledQuery) ([]*Transaction, error) {
	return s.store.ListForSettlement(ctx, q)
}

// Transition moves a transaction to the next state. The transition table is
// checked first; the event is appended before the state is committed, so a
// committed state always has a matching event.
func (s *Service) Transition(ctx context.Context, id string, to State, reason string) (*Transaction, error) {
	if !ValidState(to) {
		return nil, fmt.Errorf("unknown state: %s", to)
	}

	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(tx.State, to) {
		return nil, &InvalidTransitionError{TransactionID: tx.ID, From: tx.State, To: to}
	}

	from := tx.State
	version := tx.Version + 1

	event, err := newStateEvent(tx.ID, version, EventStateChanged, from, to, reason)
	if err != nil {
		return nil, err
	}
	if err := s.events.Append(ctx, event); err != nil {
		var dup *DuplicateVersionError
		if errors.As(err, &dup) {
			return nil, &StaleTransactionError{TransactionID: tx.ID, Expected: tx.Version}
		}
		return nil, err
	}

	expected := tx.Version
	tx.State = to
	tx.Version = version
	tx.UpdatedAt = s.now()
	if to == StateFailed || to == StateCancelled {
		tx.DeclineReason = reason
	}
	if err := s.store.Update(ctx, tx, expected); err != nil {
		return nil, err
	}

	s.publish(ctx, bus.TopicTransactionStateChanged, tx.ID, map[string]string{
		"transaction_id": tx.ID,
		"from":           string(from),
		"to":             string(to),
		"reason":         reason,
	})
	s.log.InfoContext(ctx, "transaction state changed",
		"transaction_id", tx.ID, "from", from, "to", to, "reason", reason)
	return tx, nil
}

// MarkFailed records a terminal failure with a decline reason. Valid from any
// state that permits FAILED.
func (s *Service) MarkFailed(ctx context.Context, id, reason string) (*Transaction, error) {
	return s.Transition(ctx, id, StateFailed, reason)
}

// Refund refunds part or all of a captured or settled transaction. The wallet
// is credited and a reversing journal entry posts in the same call; cumulative
// refunds can never exceed the original amount.
func (s *Service) Refund(ctx context.Context, id string, amount decimal.Decimal, idempotencyKey, reason string) (*Transaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("refund amount must be positive, got %s", amount)
	}
	if idempotencyKey == "" {
		return nil, fmt.Errorf("idempotency key is required")
	}
	amount = money.Normalize(amount)

	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// A journal entry under this key means the refund already completed;
	// return the current transaction without moving money again.
	if je, err := s.ledger.Store().JournalByKey(ctx, idempotencyKey); err == nil {
		if je.Reference != tx.ID || !je.Total.Equal(amount) {
			return nil, &ledger.DuplicateIdempotencyKeyError{Key: idempotencyKey}
		}
		s.log.DebugContext(ctx, "idempotent refund replay",
			"transaction_id", tx.ID, "idempotency_key", idempotencyKey)
		return tx, nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}

	target := StatePartialRefund
	if amount.Equal(tx.Remaining()) {
		target = StateRefunded
	}
	if !CanTransition(tx.State, target) {
		return nil, &InvalidTransitionError{TransactionID: tx.ID, From: tx.State, To: target}
	}
	if amount.GreaterThan(tx.Remaining()) {
		return nil, &OverRefundError{TransactionID: tx.ID, Remaining: tx.Remaining(), Requested: amount}
	}

	srcWallet, err := s.wallets.Get(ctx, tx.SourceWalletID)
	if err != nil {
		return nil, fmt.Errorf("refund source wallet: %w", err)
	}
	system, err := s.ledger.Store().FindActiveAccount(ctx, "", "", ledger.AccountLiability, tx.Currency)
	if err != nil {
		return nil, fmt.Errorf("settlement pending account: %w", err)
	}

	// Ledger first. A posted refund with a failed wallet credit is detected by
	// the consistency validator; the reverse would silently lose money.
	_, err = s.ledger.Post(ctx, ledger.PostRequest{
		IdempotencyKey: idempotencyKey,
		Currency:       tx.Currency,
		Lines: []ledger.EntrySpec{
			{AccountID: system.ID, Side: ledger.Debit, Amount: amount},
			{AccountID: srcWallet.AccountID, Side: ledger.Credit, Amount: amount},
		},
		Reference:   tx.ID,
		Description: "refund: " + reason,
	})
	if err != nil {
		return nil, fmt.Errorf("refund posting: %w", err)
	}

	from := tx.State
	version := tx.Version + 1
	event, err := newStateEvent(tx.ID, version, EventStateChanged, from, target, reason)
	if err != nil {
		return nil, err
	}
	if err := s.events.Append(ctx, event); err != nil {
		var dup *DuplicateVersionError
		if errors.As(err, &dup) {
			return nil, &StaleTransactionError{TransactionID: tx.ID, Expected: tx.Version}
		}
		return nil, err
	}

	expected := tx.Version
	tx.State = target
	tx.RefundedAmount = tx.RefundedAmount.Add(amount)
	tx.Version = version
	tx.UpdatedAt = s.now()
	if err := s.store.Update(ctx, tx, expected); err != nil {
		return nil, err
	}

	// Wallet credit last: a recorded refund with a missed credit is caught by
	// the consistency validator, and a racing duplicate loses the version
	// conflict above before any credit lands.
	if _, err := s.wallets.Credit(ctx, tx.SourceWalletID, amount); err != nil {
		return nil, fmt.Errorf("refund wallet credit: %w", err)
	}

	s.publish(ctx, bus.TopicTransactionStateChanged, tx.ID, map[string]string{
		"transaction_id": tx.ID,
		"from":           string(from),
		"to":             string(target),
		"refund_amount":  amount.String(),
	})
	s.log.InfoContext(ctx, "transaction refunded",
		"transaction_id", tx.ID, "amount", amount.String(), "state", target)
	return tx, nil
}

// VerifyHistory replays a transaction's event log and reports whether it
// reproduces the stored state.
func (s *Service) VerifyHistory(ctx context.Context, id string) error {
	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	events, err := s.events.History(ctx, id)
	if err != nil {
		return err
	}
	replayed, err := ReplayState(events)
	if err != nil {
		return err
	}
	if replayed != tx.State {
		return fmt.Errorf("transaction %s: stored state %s does not match replayed state %s",
			tx.ID, tx.State, replayed)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, topic, key string, payload any) {
	if s.outbox == nil {
		return
	}
	if err := s.outbox.Enqueue(ctx, topic, key, payload); err != nil {
		s.log.ErrorContext(ctx, "failed to enqueue event", "topic", topic, "key", key, "error", err)
	}
}
