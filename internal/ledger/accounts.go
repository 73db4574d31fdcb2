package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/payments-core/internal/money"
)

// AccountType categorizes a chart-of-accounts entry.
type AccountType string

const (
	AccountAsset     AccountType = "asset"
	AccountLiability AccountType = "liability"
	AccountEquity    AccountType = "equity"
	AccountRevenue   AccountType = "revenue"
	AccountExpense   AccountType = "expense"
)

// Side is the debit or credit side of a ledger entry.
type Side string

const (
	Debit  Side = "debit"
	Credit Side = "credit"
)

// normalSides fixes the normal balance side per account category. The side
// is a property of the category, never of instance data.
var normalSides = map[AccountType]Side{
	AccountAsset:     Debit,
	AccountExpense:   Debit,
	AccountLiability: Credit,
	AccountEquity:    Credit,
	AccountRevenue:   Credit,
}

// NormalSide returns the normal balance side for an account type.
func NormalSide(t AccountType) (Side, error) {
	side, ok := normalSides[t]
	if !ok {
		return "", fmt.Errorf("invalid account type: %s", t)
	}
	return side, nil
}

// ValidAccountType reports whether t is a known account category.
func ValidAccountType(t AccountType) bool {
	_, ok := normalSides[t]
	return ok
}

// Account is a chart-of-accounts entry. Accounts are never deleted, only
// deactivated; a halted account refuses postings pending reconciliation.
type Account struct {
	ID        string      `json:"id"`
	Type      AccountType `json:"account_type"`
	Currency  string      `json:"currency_code"`
	OwnerType string      `json:"owner_type,omitempty"`
	OwnerID   string      `json:"owner_id,omitempty"`
	Name      string      `json:"name"`
	Active    bool        `json:"is_active"`
	Halted    bool        `json:"is_halted"`
	CreatedAt time.Time   `json:"created_at"`
}

// System reports whether the account is a system account (no owner).
func (a *Account) System() bool {
	return a.OwnerID == ""
}

// Registry manages the chart of accounts.
type Registry struct {
	store Store
}

// NewRegistry creates an account registry over the given store.
func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

// CreateAccount creates an account for the given owner. Owner fields are
// empty for system accounts. Fails with DuplicateAccountError if an active
// account already exists for the same (owner, type, currency) triple.
func (r *Registry) CreateAccount(ctx context.Context, t AccountType, currency, ownerType, ownerID, name string) (*Account, error) {
	if !ValidAccountType(t) {
		return nil, fmt.Errorf("invalid account type: %s", t)
	}
	if !money.ValidCurrency(currency) {
		return nil, fmt.Errorf("invalid currency code: %s", currency)
	}
	if (ownerType == "") != (ownerID == "") {
		return nil, fmt.Errorf("owner type and owner id must be set together")
	}

	acct := &Account{
		ID:        uuid.New().String(),
		Type:      t,
		Currency:  currency,
		OwnerType: ownerType,
		OwnerID:   ownerID,
		Name:      name,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// EnsureAccount returns the active account for (owner, type, currency),
// creating it if it does not exist yet.
func (r *Registry) EnsureAccount(ctx context.Context, t AccountType, currency, ownerType, ownerID, name string) (*Account, error) {
	acct, err := r.store.FindActiveAccount(ctx, ownerType, ownerID, t, currency)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	acct, err = r.CreateAccount(ctx, t, currency, ownerType, ownerID, name)
	if err != nil {
		var dup *DuplicateAccountError
		if errors.As(err, &dup) {
			return r.store.FindActiveAccount(ctx, ownerType, ownerID, t, currency)
		}
		return nil, err
	}
	return acct, nil
}

// SystemAccounts holds the bootstrap chart for one currency.
type SystemAccounts struct {
	Cash              *Account // asset: platform cash position
	SettlementPending *Account // liability: owed to merchants pending payout
	FeeRevenue        *Account // revenue: collected fees
}

// Bootstrap creates the singleton system accounts for a currency. Safe to
// call repeatedly; existing accounts are returned.
func (r *Registry) Bootstrap(ctx context.Context, currency string) (*SystemAccounts, error) {
	cash, err := r.EnsureAccount(ctx, AccountAsset, currency, "", "", "platform cash")
	if err != nil {
		return nil, fmt.Errorf("bootstrap cash account: %w", err)
	}
	pending, err := r.EnsureAccount(ctx, AccountLiability, currency, "", "", "merchant settlement pending")
	if err != nil {
		return nil, fmt.Errorf("bootstrap settlement account: %w", err)
	}
	fees, err := r.EnsureAccount(ctx, AccountRevenue, currency, "", "", "fee revenue")
	if err != nil {
		return nil, fmt.Errorf("bootstrap fee account: %w", err)
	}
	return &SystemAccounts{Cash: cash, SettlementPending: pending, FeeRevenue: fees}, nil
}

// Deactivate marks an account inactive. The account and its entries remain.
func (r *Registry) Deactivate(ctx context.Context, accountID string) error {
	return r.store.DeactivateAccount(ctx, accountID)
}

// Get returns an account by id.
func (r *Registry) Get(ctx context.Context, accountID string) (*Account, error) {
	return r.store.GetAccount(ctx, accountID)
}
