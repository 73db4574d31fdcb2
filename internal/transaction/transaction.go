// Package transaction owns the money-movement lifecycle: each transaction
// advances through a static state machine, every transition is recorded as a
// versioned event, and state changes that move value post to the ledger in
// the same operation.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Type classifies what a transaction does.
type Type string

const (
	TypePayment    Type = "payment"
	TypeTransfer   Type = "transfer"
	TypeRefund     Type = "refund"
	TypeTopup      Type = "topup"
	TypeWithdrawal Type = "withdrawal"
	TypeFee        Type = "fee"
	TypeSettlement Type = "settlement"
	TypeAdjustment Type = "adjustment"
)

var validTypes = map[Type]struct{}{
	TypePayment: {}, TypeTransfer: {}, TypeRefund: {}, TypeTopup: {},
	TypeWithdrawal: {}, TypeFee: {}, TypeSettlement: {}, TypeAdjustment: {},
}

// ValidType reports whether t is a known transaction type.
func ValidType(t Type) bool {
	_, ok := validTypes[t]
	return ok
}

// Transaction is the aggregate root for one money movement.
type Transaction struct {
	ID             string          `json:"id"`
	Type           Type            `json:"type"`
	State          State           `json:"state"`
	UserID         string          `json:"user_id"`
	SourceWalletID string          `json:"source_wallet_id,omitempty"`
	DestWalletID   string          `json:"dest_wallet_id,omitempty"`
	MerchantID     string          `json:"merchant_id,omitempty"`
	CardToken      string          `json:"card_token,omitempty"`
	Channel        string          `json:"channel,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Fee            decimal.Decimal `json:"fee"`
	Net            decimal.Decimal `json:"net"`
	Currency       string          `json:"currency_code"`
	Country        string          `json:"country,omitempty"`
	FraudScore     decimal.Decimal `json:"fraud_score"`
	DeclineReason  string          `json:"decline_reason,omitempty"`
	RefundedAmount decimal.Decimal `json:"refunded_amount"`
	IdempotencyKey string          `json:"idempotency_key"`
	SettlementID   string          `json:"settlement_id,omitempty"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Remaining returns the amount not yet refunded.
func (t *Transaction) Remaining() decimal.Decimal {
	return t.Amount.Sub(t.RefundedAmount)
}

// ErrTransactionNotFound is returned when a transaction does not exist.
var ErrTransactionNotFound = errors.New("transaction: not found")

// DuplicateKeyError is returned when an idempotency key is reused with a
// different request.
type DuplicateKeyError struct {
	Key string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("idempotency key %s already used with a different request", e.Key)
}

// OverRefundError is returned when cumulative refunds would exceed the
// original amount.
type OverRefundError struct {
	TransactionID string
	Remaining     decimal.Decimal
	Requested     decimal.Decimal
}

func (e *OverRefundError) Error() string {
	return fmt.Sprintf("transaction %s: refund %s exceeds remaining refundable %s",
		e.TransactionID, e.Requested, e.Remaining)
}

// SettledQuery selects transactions for settlement batching.
type SettledQuery struct {
	MerchantID string
	Currency   string
	From       time.Time
	To         time.Time
	States     []State
}

// Store persists transactions. Update is a compare-and-swap on Version.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByKey(ctx context.Context, idempotencyKey string) (*Transaction, error)
	Update(ctx context.Context, tx *Transaction, expectedVersion int64) error
	ListForSettlement(ctx context.Context, q SettledQuery) ([]*Transaction, error)
	ListByUser(ctx context.Context, userID string, since time.Time) ([]*Transaction, error)
}

// StaleTransactionError signals a lost CAS race on a transaction update.
type StaleTransactionError struct {
	TransactionID string
	Expected      int64
}

func (e *StaleTransactionError) Error() string {
	return fmt.Sprintf("transaction %s: version %d is stale", e.TransactionID, e.Expected)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.Mutex
	byID  map[string]*Transaction
	byKey map[string]string
}

// NewMemoryStore creates an empty transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Transaction), byKey: make(map[string]string)}
}

func (m *MemoryStore) Create(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.IdempotencyKey != "" {
		if _, ok := m.byKey[tx.IdempotencyKey]; ok {
			return &DuplicateKeyError{Key: tx.IdempotencyKey}
		}
		m.byKey[tx.IdempotencyKey] = tx.ID
	}
	cp := *tx
	m.byID[tx.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.byID[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) GetByKey(_ context.Context, idempotencyKey string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byKey[idempotencyKey]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, tx *Transaction, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.byID[tx.ID]
	if !ok {
		return ErrTransactionNotFound
	}
	if current.Version != expectedVersion {
		return &StaleTransactionError{TransactionID: tx.ID, Expected: expectedVersion}
	}
	cp := *tx
	m.byID[tx.ID] = &cp
	return nil
}

func (m *MemoryStore) ListForSettlement(_ context.Context, q SettledQuery) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := make(map[State]struct{}, len(q.States))
	for _, s := range q.States {
		states[s] = struct{}{}
	}

	var out []*Transaction
	for _, tx := range m.byID {
		if q.MerchantID != "" && tx.MerchantID != q.MerchantID {
			continue
		}
		if q.Currency != "" && tx.Currency != q.Currency {
			continue
		}
		if len(states) > 0 {
			if _, ok := states[tx.State]; !ok {
				continue
			}
		}
		if !q.From.IsZero() && tx.UpdatedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && !tx.UpdatedAt.Before(q.To) {
			continue
		}
		cp := *tx
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, since time.Time) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Transaction
	for _, tx := range m.byID {
		if tx.UserID != userID {
			continue
		}
		if !since.IsZero() && tx.CreatedAt.Before(since) {
			continue
		}
		cp := *tx
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
