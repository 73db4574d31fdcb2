// Package wallet maintains the fast-read balance view per owner and
// currency. Wallets are denormalized from the ledger and mutated only under
// compare-and-swap on a monotonic version counter; a stale read aborts and
// the whole operation retries.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/payments-core/internal/ledger"
	"github.com/example/payments-core/internal/money"
)

// Status is the lifecycle state of a wallet.
type Status string

const (
	StatusActive Status = "active"
	StatusFrozen Status = "frozen"
	StatusClosed Status = "closed"
)

// Wallet is the denormalized balance record. Total balance is always
// Available + Held.
type Wallet struct {
	ID          string          `json:"id"`
	OwnerType   string          `json:"owner_type"`
	OwnerID     string          `json:"owner_id"`
	Currency    string          `json:"currency_code"`
	AccountID   string          `json:"account_id"`
	Available   decimal.Decimal `json:"available_balance"`
	Held        decimal.Decimal `json:"held_balance"`
	Status      Status          `json:"status"`
	Version     int64           `json:"version"`
	PeriodLimit decimal.Decimal `json:"period_limit"`
	PeriodSpent decimal.Decimal `json:"period_spent"`
	PeriodStart time.Time       `json:"period_start"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Total returns available + held.
func (w *Wallet) Total() decimal.Decimal {
	return w.Available.Add(w.Held)
}

// ErrNotFound is returned when a wallet does not exist.
var ErrNotFound = errors.New("wallet: not found")

// StaleVersionError signals a lost CAS race; the caller retries the whole
// read-modify-write.
type StaleVersionError struct {
	WalletID string
	Expected int64
}

func (e *StaleVersionError) Error() string {
	return fmt.Sprintf("wallet %s: version %d is stale", e.WalletID, e.Expected)
}

// InsufficientFundsError is returned when available balance cannot cover a
// hold or debit.
type InsufficientFundsError struct {
	WalletID  string
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("wallet %s: insufficient funds, available %s, requested %s",
		e.WalletID, e.Available, e.Requested)
}

// StatusError is returned when mutating a frozen or closed wallet.
type StatusError struct {
	WalletID string
	Status   Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("wallet %s is %s", e.WalletID, e.Status)
}

// LimitExceededError is returned when a hold would exceed the per-period
// transaction limit.
type LimitExceededError struct {
	WalletID  string
	Limit     decimal.Decimal
	Attempted decimal.Decimal
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("wallet %s: period limit %s exceeded by attempted %s",
		e.WalletID, e.Limit, e.Attempted)
}

// Store persists wallets. Update must fail with StaleVersionError when the
// stored version differs from expectedVersion.
type Store interface {
	Create(ctx context.Context, w *Wallet) error
	Get(ctx context.Context, id string) (*Wallet, error)
	FindByOwner(ctx context.Context, ownerType, ownerID, currency string) (*Wallet, error)
	Update(ctx context.Context, w *Wallet, expectedVersion int64) error
}

const limitPeriod = 24 * time.Hour

// Service applies wallet mutations with CAS retry.
type Service struct {
	store    Store
	registry *ledger.Registry
	cache    *Cache
	log      *slog.Logger
	now      func() time.Time
}

// NewService creates a wallet service. cache may be nil.
func NewService(store Store, registry *ledger.Registry, cache *Cache, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, registry: registry, cache: cache, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Create opens a wallet and its backing ledger account for an owner.
func (s *Service) Create(ctx context.Context, ownerType, ownerID, currency string, periodLimit decimal.Decimal) (*Wallet, error) {
	if !money.ValidCurrency(currency) {
		return nil, fmt.Errorf("invalid currency code: %s", currency)
	}

	acct, err := s.registry.EnsureAccount(ctx, ledger.AccountLiability, currency, ownerType, ownerID,
		fmt.Sprintf("%s %s wallet", ownerType, ownerID))
	if err != nil {
		return nil, fmt.Errorf("failed to create backing account: %w", err)
	}

	now := s.now()
	w := &Wallet{
		ID:          uuid.New().String(),
		OwnerType:   ownerType,
		OwnerID:     ownerID,
		Currency:    currency,
		AccountID:   acct.ID,
		Available:   decimal.Zero,
		Held:        decimal.Zero,
		Status:      StatusActive,
		Version:     1,
		PeriodLimit: periodLimit,
		PeriodStart: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Get returns a wallet by id.
func (s *Service) Get(ctx context.Context, id string) (*Wallet, error) {
	return s.store.Get(ctx, id)
}

// Hold moves amount from available to held. Enforces status, funds, and
// per-period limits. No ledger entry is posted: a hold is provisional.
func (s *Service) Hold(ctx context.Context, walletID string, amount decimal.Decimal) (*Wallet, error) {
	return s.mutate(ctx, walletID, func(w *Wallet) error {
		if err := s.checkSpendable(w, amount); err != nil {
			return err
		}
		w.Available = w.Available.Sub(amount)
		w.Held = w.Held.Add(amount)
		w.PeriodSpent = w.PeriodSpent.Add(amount)
		return nil
	})
}

// ReleaseHold returns a held amount to available (void or expiry).
func (s *Service) ReleaseHold(ctx context.Context, walletID string, amount decimal.Decimal) (*Wallet, error) {
	return s.mutate(ctx, walletID, func(w *Wallet) error {
		if w.Held.LessThan(amount) {
			return fmt.Errorf("wallet %s: cannot release %s, held is %s", w.ID, amount, w.Held)
		}
		w.Held = w.Held.Sub(amount)
		w.Available = w.Available.Add(amount)
		w.PeriodSpent = w.PeriodSpent.Sub(amount)
		if w.PeriodSpent.IsNegative() {
			w.PeriodSpent = decimal.Zero
		}
		return nil
	})
}

// ConsumeHold removes a captured amount from held. The matching ledger
// posting is the caller's responsibility within the same operation.
func (s *Service) ConsumeHold(ctx context.Context, walletID string, amount decimal.Decimal) (*Wallet, error) {
	return s.mutate(ctx, walletID, func(w *Wallet) error {
		if w.Held.LessThan(amount) {
			return fmt.Errorf("wallet %s: cannot consume %s, held is %s", w.ID, amount, w.Held)
		}
		w.Held = w.Held.Sub(amount)
		return nil
	})
}

// Credit adds to available balance (topup, incoming transfer, refund).
func (s *Service) Credit(ctx context.Context, walletID string, amount decimal.Decimal) (*Wallet, error) {
	return s.mutate(ctx, walletID, func(w *Wallet) error {
		if w.Status == StatusClosed {
			return &StatusError{WalletID: w.ID, Status: w.Status}
		}
		w.Available = w.Available.Add(amount)
		return nil
	})
}

// Debit removes from available balance (withdrawal, direct payment).
func (s *Service) Debit(ctx context.Context, walletID string, amount decimal.Decimal) (*Wallet, error) {
	return s.mutate(ctx, walletID, func(w *Wallet) error {
		if err := s.checkSpendable(w, amount); err != nil {
			return err
		}
		w.Available = w.Available.Sub(amount)
		w.PeriodSpent = w.PeriodSpent.Add(amount)
		return nil
	})
}

// SetStatus freezes, unfreezes, or closes a wallet.
func (s *Service) SetStatus(ctx context.Context, walletID string, status Status) (*Wallet, error) {
	return s.mutate(ctx, walletID, func(w *Wallet) error {
		if w.Status == StatusClosed {
			return &StatusError{WalletID: w.ID, Status: w.Status}
		}
		w.Status = status
		return nil
	})
}

func (s *Service) checkSpendable(w *Wallet, amount decimal.Decimal) error {
	if w.Status != StatusActive {
		return &StatusError{WalletID: w.ID, Status: w.Status}
	}
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive, got %s", amount)
	}
	if w.Available.LessThan(amount) {
		return &InsufficientFundsError{WalletID: w.ID, Available: w.Available, Requested: amount}
	}
	if w.PeriodLimit.IsPositive() && w.PeriodSpent.Add(amount).GreaterThan(w.PeriodLimit) {
		return &LimitExceededError{WalletID: w.ID, Limit: w.PeriodLimit, Attempted: w.PeriodSpent.Add(amount)}
	}
	return nil
}

// mutate runs a read-modify-write under CAS, retrying on stale versions.
func (s *Service) mutate(ctx context.Context, walletID string, fn func(*Wallet) error) (*Wallet, error) {
	const maxRetries = 3

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		w, err := s.store.Get(ctx, walletID)
		if err != nil {
			return nil, err
		}

		s.rollPeriod(w)
		if err := fn(w); err != nil {
			return nil, err
		}

		expected := w.Version
		w.Version++
		w.UpdatedAt = s.now()

		if err := s.store.Update(ctx, w, expected); err != nil {
			var stale *StaleVersionError
			if errors.As(err, &stale) {
				lastErr = err
				continue
			}
			return nil, err
		}

		if s.cache != nil {
			if err := s.cache.Put(ctx, w); err != nil {
				s.log.WarnContext(ctx, "wallet cache update failed", "wallet_id", w.ID, "error", err)
			}
		}
		return w, nil
	}
	return nil, fmt.Errorf("wallet %s: too many concurrent updates: %w", walletID, lastErr)
}

// rollPeriod resets spent tracking when the limit period has elapsed.
func (s *Service) rollPeriod(w *Wallet) {
	if s.now().Sub(w.PeriodStart) >= limitPeriod {
		w.PeriodStart = s.now()
		w.PeriodSpent = decimal.Zero
	}
}

// Balances returns the available/held pair, served from the cache when warm.
func (s *Service) Balances(ctx context.Context, walletID string) (available, held decimal.Decimal, err error) {
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, walletID); err == nil {
			return cached.Available, cached.Held, nil
		}
	}

	w, err := s.store.Get(ctx, walletID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if s.cache != nil {
		if err := s.cache.Put(ctx, w); err != nil {
			s.log.WarnContext(ctx, "wallet cache fill failed", "wallet_id", w.ID, "error", err)
		}
	}
	return w.Available, w.Held, nil
}
