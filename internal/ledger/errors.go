package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when an account or journal entry does not exist.
var ErrNotFound = errors.New("ledger: not found")

// UnbalancedEntryError is returned when a journal entry's debit and credit
// totals differ. Nothing is persisted.
type UnbalancedEntryError struct {
	Debits   decimal.Decimal
	Credits  decimal.Decimal
	Currency string
}

func (e *UnbalancedEntryError) Error() string {
	return fmt.Sprintf("unbalanced journal entry: debits %s != credits %s (%s)",
		e.Debits, e.Credits, e.Currency)
}

// DuplicateIdempotencyKeyError is returned when an idempotency key is reused
// with a different payload. A replay with the identical payload is not an
// error; it returns the original journal entry.
type DuplicateIdempotencyKeyError struct {
	Key string
}

func (e *DuplicateIdempotencyKeyError) Error() string {
	return fmt.Sprintf("idempotency key %s already used with a different payload", e.Key)
}

// DuplicateAccountError is returned when an active account already exists for
// the same (owner, type, currency) triple.
type DuplicateAccountError struct {
	OwnerType string
	OwnerID   string
	Type      AccountType
	Currency  string
}

func (e *DuplicateAccountError) Error() string {
	owner := "system"
	if e.OwnerID != "" {
		owner = e.OwnerType + "/" + e.OwnerID
	}
	return fmt.Sprintf("active %s %s account already exists for %s", e.Currency, e.Type, owner)
}

// AccountStateError is returned when posting against an inactive or halted
// account.
type AccountStateError struct {
	AccountID string
	Reason    string
}

func (e *AccountStateError) Error() string {
	return fmt.Sprintf("account %s: %s", e.AccountID, e.Reason)
}

// IntegrityError reports a stored balance that diverges from ledger replay.
// The affected account is halted for posting until manually reconciled.
type IntegrityError struct {
	AccountID string
	Stored    decimal.Decimal
	Replayed  decimal.Decimal
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger integrity violation on account %s: stored balance %s, replayed %s",
		e.AccountID, e.Stored, e.Replayed)
}
