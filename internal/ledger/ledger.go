// Package ledger implements the double-entry posting engine: balanced,
// write-once journal entries against a chart of accounts, with idempotent
// retries and per-account append-order balance computation.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/payments-core/internal/money"
)

// EntrySpec is one requested posting line.
type EntrySpec struct {
	AccountID string          `json:"account_id"`
	Side      Side            `json:"entry_type"`
	Amount    decimal.Decimal `json:"amount"`
}

// PostRequest describes one logical financial event to post.
type PostRequest struct {
	IdempotencyKey string      `json:"idempotency_key"`
	Currency       string      `json:"currency_code"`
	Lines          []EntrySpec `json:"lines"`
	Reference      string      `json:"reference,omitempty"`
	Description    string      `json:"description,omitempty"`
}

// JournalEntry is one posted financial event. Immutable once created.
type JournalEntry struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Currency       string          `json:"currency_code"`
	Total          decimal.Decimal `json:"total_amount"`
	Balanced       bool            `json:"balanced"`
	Fingerprint    string          `json:"-"`
	Reference      string          `json:"reference,omitempty"`
	Description    string          `json:"description,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// LedgerEntry is one posting against one account within a journal entry.
// Never updated or deleted; corrections are new reversing entries.
type LedgerEntry struct {
	ID             string          `json:"id"`
	JournalEntryID string          `json:"journal_entry_id"`
	AccountID      string          `json:"account_id"`
	Side           Side            `json:"entry_type"`
	Amount         decimal.Decimal `json:"amount"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	Seq            int64           `json:"seq"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Service is the posting engine.
type Service struct {
	store Store
	log   *slog.Logger
}

// NewService creates a posting engine over the given store.
func NewService(store Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, log: log}
}

// Store exposes the underlying store for adapters that share it.
func (s *Service) Store() Store { return s.store }

// Post atomically posts a balanced journal entry. Retrying with the same
// idempotency key and payload returns the original journal entry without
// posting again; the same key with a different payload fails with
// DuplicateIdempotencyKeyError.
func (s *Service) Post(ctx context.Context, req PostRequest) (*JournalEntry, error) {
	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("idempotency key is required")
	}
	if !money.ValidCurrency(req.Currency) {
		return nil, fmt.Errorf("invalid currency code: %s", req.Currency)
	}
	if len(req.Lines) < 2 {
		return nil, fmt.Errorf("journal entry requires at least 2 lines, got %d", len(req.Lines))
	}

	debits, credits := decimal.Zero, decimal.Zero
	for _, line := range req.Lines {
		if line.AccountID == "" {
			return nil, fmt.Errorf("entry line missing account id")
		}
		if !line.Amount.IsPositive() {
			return nil, fmt.Errorf("entry amount must be positive, got %s", line.Amount)
		}
		switch line.Side {
		case Debit:
			debits = debits.Add(line.Amount)
		case Credit:
			credits = credits.Add(line.Amount)
		default:
			return nil, fmt.Errorf("invalid entry type: %s", line.Side)
		}
	}
	if !money.Equal(debits, credits) {
		return nil, &UnbalancedEntryError{Debits: debits, Credits: credits, Currency: req.Currency}
	}

	fingerprint := fingerprintRequest(req)

	if existing, err := s.store.JournalByKey(ctx, req.IdempotencyKey); err == nil {
		if existing.Fingerprint != fingerprint {
			return nil, &DuplicateIdempotencyKeyError{Key: req.IdempotencyKey}
		}
		s.log.DebugContext(ctx, "idempotent replay", "journal_entry_id", existing.ID, "idempotency_key", req.IdempotencyKey)
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	je := &JournalEntry{
		ID:             uuid.New().String(),
		IdempotencyKey: req.IdempotencyKey,
		Currency:       req.Currency,
		Total:          money.Normalize(debits),
		Balanced:       true,
		Fingerprint:    fingerprint,
		Reference:      req.Reference,
		Description:    req.Description,
		CreatedAt:      time.Now().UTC(),
	}

	posted, err := s.store.PostJournal(ctx, je, req.Lines)
	if err != nil {
		return nil, err
	}
	if posted.Fingerprint != fingerprint {
		// A concurrent writer won the idempotency race with a different payload.
		return nil, &DuplicateIdempotencyKeyError{Key: req.IdempotencyKey}
	}

	s.log.InfoContext(ctx, "journal entry posted",
		"journal_entry_id", posted.ID, "currency", posted.Currency, "total", posted.Total.String())
	return posted, nil
}

// Reverse posts a new balanced journal entry with swapped entry sides for an
// existing journal entry. The original is never mutated.
func (s *Service) Reverse(ctx context.Context, journalEntryID, idempotencyKey, description string) (*JournalEntry, error) {
	original, err := s.store.Journal(ctx, journalEntryID)
	if err != nil {
		return nil, err
	}
	lines, err := s.store.JournalLines(ctx, journalEntryID)
	if err != nil {
		return nil, err
	}

	reversed := make([]EntrySpec, 0, len(lines))
	for _, line := range lines {
		side := Credit
		if line.Side == Credit {
			side = Debit
		}
		reversed = append(reversed, EntrySpec{AccountID: line.AccountID, Side: side, Amount: line.Amount})
	}

	return s.Post(ctx, PostRequest{
		IdempotencyKey: idempotencyKey,
		Currency:       original.Currency,
		Lines:          reversed,
		Reference:      original.ID,
		Description:    description,
	})
}

// Balance returns the stored balance of an account.
func (s *Service) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	return s.store.Balance(ctx, accountID)
}

// ReplayBalance reconstructs an account balance by folding its ledger
// entries in creation order, optionally up to a point in time.
func (s *Service) ReplayBalance(ctx context.Context, accountID string, until time.Time) (decimal.Decimal, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	entries, err := s.store.AccountEntries(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}

	balance := decimal.Zero
	for _, entry := range entries {
		if !until.IsZero() && entry.CreatedAt.After(until) {
			break
		}
		balance = balance.Add(signedDelta(acct.Type, entry.Side, entry.Amount))
	}
	return money.Normalize(balance), nil
}

// CheckIntegrity compares the stored balance with a full replay. A mismatch
// halts further posting to the account and returns IntegrityError; it is
// never auto-corrected.
func (s *Service) CheckIntegrity(ctx context.Context, accountID string) error {
	stored, err := s.store.Balance(ctx, accountID)
	if err != nil {
		return err
	}
	replayed, err := s.ReplayBalance(ctx, accountID, time.Time{})
	if err != nil {
		return err
	}
	if money.Equal(stored, replayed) {
		return nil
	}

	if err := s.store.HaltAccount(ctx, accountID); err != nil {
		s.log.ErrorContext(ctx, "failed to halt account after integrity violation",
			"account_id", accountID, "error", err)
	}
	s.log.ErrorContext(ctx, "ledger integrity violation, account halted",
		"account_id", accountID, "stored", stored.String(), "replayed", replayed.String())
	return &IntegrityError{AccountID: accountID, Stored: stored, Replayed: replayed}
}

// AccountEntries returns an account's ledger entries in creation order.
func (s *Service) AccountEntries(ctx context.Context, accountID string) ([]*LedgerEntry, error) {
	return s.store.AccountEntries(ctx, accountID)
}

// signedDelta applies an entry to a balance: an entry on the account's
// normal side increases the balance, the opposite side decreases it.
func signedDelta(t AccountType, side Side, amount decimal.Decimal) decimal.Decimal {
	normal := normalSides[t]
	if side == normal {
		return amount
	}
	return amount.Neg()
}

func fingerprintRequest(req PostRequest) string {
	lines := make([]string, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, fmt.Sprintf("%s|%s|%s", l.AccountID, l.Side, money.Normalize(l.Amount)))
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(req.Currency + "\n" + strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}
