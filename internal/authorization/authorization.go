// Package authorization implements the hold-then-capture pipeline. An
// approved authorization reserves wallet funds without touching the ledger;
// money becomes a booked fact only at capture time.
package authorization

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// State is the authorization lifecycle state.
type State string

const (
	StatePending  State = "PENDING"
	StateApproved State = "APPROVED"
	StateDeclined State = "DECLINED"
	StateExpired  State = "EXPIRED"
	StateVoided   State = "VOIDED"
	StateCaptured State = "CAPTURED"
)

// Authorization is a provisional hold against wallet funds.
type Authorization struct {
	ID             string          `json:"id"`
	TransactionID  string          `json:"transaction_id"`
	WalletID       string          `json:"wallet_id"`
	MerchantID     string          `json:"merchant_id,omitempty"`
	CardToken      string          `json:"card_token,omitempty"`
	Amount         decimal.Decimal `json:"amount_authorized"`
	AmountCaptured decimal.Decimal `json:"amount_captured"`
	FeeCollected   decimal.Decimal `json:"fee_collected"`
	// CaptureKeys maps each capture idempotency key to its claimed amount.
	// A key present here has already moved the hold and posted; retries
	// replay instead of claiming again.
	CaptureKeys map[string]decimal.Decimal `json:"capture_keys,omitempty"`
	Currency       string          `json:"currency_code"`
	State          State           `json:"state"`
	RiskScore      decimal.Decimal `json:"risk_score"`
	DeclineReason  string          `json:"decline_reason,omitempty"`
	ExpiresAt      time.Time       `json:"expires_at"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Remaining returns the amount still capturable.
func (a *Authorization) Remaining() decimal.Decimal {
	return a.Amount.Sub(a.AmountCaptured)
}

// ErrNotFound is returned when an authorization does not exist.
var ErrNotFound = errors.New("authorization: not found")

// ExpiredAuthorizationError is terminal for the authorization; the caller
// must re-authorize.
type ExpiredAuthorizationError struct {
	AuthorizationID string
	ExpiresAt       time.Time
}

func (e *ExpiredAuthorizationError) Error() string {
	return fmt.Sprintf("authorization %s expired at %s", e.AuthorizationID, e.ExpiresAt.Format(time.RFC3339))
}

// OverCaptureError is returned when a capture exceeds the remaining
// capturable amount.
type OverCaptureError struct {
	AuthorizationID string
	Remaining       decimal.Decimal
	Requested       decimal.Decimal
}

func (e *OverCaptureError) Error() string {
	return fmt.Sprintf("authorization %s: capture %s exceeds remaining capturable %s",
		e.AuthorizationID, e.Requested, e.Remaining)
}

// StateError is returned when an operation is not valid for the current
// authorization state.
type StateError struct {
	AuthorizationID string
	State           State
	Operation       string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("authorization %s: cannot %s in state %s", e.AuthorizationID, e.Operation, e.State)
}

// StaleAuthorizationError signals a lost CAS race on an authorization.
type StaleAuthorizationError struct {
	AuthorizationID string
	Expected        int64
}

func (e *StaleAuthorizationError) Error() string {
	return fmt.Sprintf("authorization %s: version %d is stale", e.AuthorizationID, e.Expected)
}

// Store persists authorizations. Update is a compare-and-swap on Version;
// capture claims serialize through it.
type Store interface {
	Create(ctx context.Context, a *Authorization) error
	Get(ctx context.Context, id string) (*Authorization, error)
	Update(ctx context.Context, a *Authorization, expectedVersion int64) error
	ListExpirable(ctx context.Context, before time.Time) ([]*Authorization, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.Mutex
	byID map[string]*Authorization
}

// NewMemoryStore creates an empty authorization store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Authorization)}
}

func (m *MemoryStore) Create(_ context.Context, a *Authorization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.byID[a.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Authorization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, a *Authorization, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.byID[a.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return &StaleAuthorizationError{AuthorizationID: a.ID, Expected: expectedVersion}
	}
	cp := *a
	m.byID[a.ID] = &cp
	return nil
}

func (m *MemoryStore) ListExpirable(_ context.Context, before time.Time) ([]*Authorization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Authorization
	for _, a := range m.byID {
		if a.State == StateApproved && a.ExpiresAt.Before(before) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}
