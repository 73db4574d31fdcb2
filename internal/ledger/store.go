package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/payments-core/internal/money"
)

// Store persists accounts, journal entries, and ledger entries. PostJournal
// must be atomic: all lines and their balance-after values commit together or
// not at all, with balance computation serialized per account.
type Store interface {
	CreateAccount(ctx context.Context, acct *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	FindActiveAccount(ctx context.Context, ownerType, ownerID string, t AccountType, currency string) (*Account, error)
	DeactivateAccount(ctx context.Context, id string) error
	HaltAccount(ctx context.Context, id string) error

	PostJournal(ctx context.Context, je *JournalEntry, lines []EntrySpec) (*JournalEntry, error)
	Journal(ctx context.Context, id string) (*JournalEntry, error)
	JournalByKey(ctx context.Context, idempotencyKey string) (*JournalEntry, error)
	JournalLines(ctx context.Context, journalEntryID string) ([]*LedgerEntry, error)
	AccountEntries(ctx context.Context, accountID string) ([]*LedgerEntry, error)
	Balance(ctx context.Context, accountID string) (decimal.Decimal, error)
}

// MemoryStore is an in-process Store used by tests and single-node setups.
// A single mutex serializes posting, which trivially satisfies the
// per-account append-order requirement.
type MemoryStore struct {
	mu            sync.Mutex
	accounts      map[string]*Account
	balances      map[string]decimal.Decimal
	journals      map[string]*JournalEntry
	journalByKey  map[string]*JournalEntry
	journalLines  map[string][]*LedgerEntry
	entriesByAcct map[string][]*LedgerEntry
	seq           int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:      make(map[string]*Account),
		balances:      make(map[string]decimal.Decimal),
		journals:      make(map[string]*JournalEntry),
		journalByKey:  make(map[string]*JournalEntry),
		journalLines:  make(map[string][]*LedgerEntry),
		entriesByAcct: make(map[string][]*LedgerEntry),
	}
}

func (m *MemoryStore) CreateAccount(_ context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.accounts {
		if existing.Active &&
			existing.OwnerType == acct.OwnerType && existing.OwnerID == acct.OwnerID &&
			existing.Type == acct.Type && existing.Currency == acct.Currency {
			return &DuplicateAccountError{
				OwnerType: acct.OwnerType, OwnerID: acct.OwnerID,
				Type: acct.Type, Currency: acct.Currency,
			}
		}
	}

	cp := *acct
	m.accounts[acct.ID] = &cp
	m.balances[acct.ID] = decimal.Zero
	return nil
}

func (m *MemoryStore) GetAccount(_ context.Context, id string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) FindActiveAccount(_ context.Context, ownerType, ownerID string, t AccountType, currency string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, acct := range m.accounts {
		if acct.Active && acct.OwnerType == ownerType && acct.OwnerID == ownerID &&
			acct.Type == t && acct.Currency == currency {
			cp := *acct
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) DeactivateAccount(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[id]
	if !ok {
		return ErrNotFound
	}
	acct.Active = false
	return nil
}

func (m *MemoryStore) HaltAccount(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[id]
	if !ok {
		return ErrNotFound
	}
	acct.Halted = true
	return nil
}

func (m *MemoryStore) PostJournal(_ context.Context, je *JournalEntry, lines []EntrySpec) (*JournalEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Idempotency race: a concurrent poster may have claimed the key between
	// the engine's check and this commit.
	if existing, ok := m.journalByKey[je.IdempotencyKey]; ok {
		cp := *existing
		return &cp, nil
	}

	for _, line := range lines {
		acct, ok := m.accounts[line.AccountID]
		if !ok {
			return nil, ErrNotFound
		}
		if !acct.Active {
			return nil, &AccountStateError{AccountID: acct.ID, Reason: "account is inactive"}
		}
		if acct.Halted {
			return nil, &AccountStateError{AccountID: acct.ID, Reason: "account is halted pending reconciliation"}
		}
		if acct.Currency != je.Currency {
			return nil, &AccountStateError{AccountID: acct.ID, Reason: "currency mismatch with journal entry"}
		}
	}

	now := time.Now().UTC()
	jeCopy := *je
	var posted []*LedgerEntry
	for _, line := range lines {
		acct := m.accounts[line.AccountID]
		m.seq++
		amount := money.Normalize(line.Amount)
		newBalance := money.Normalize(m.balances[acct.ID].Add(signedDelta(acct.Type, line.Side, amount)))
		entry := &LedgerEntry{
			ID:             uuid.New().String(),
			JournalEntryID: je.ID,
			AccountID:      acct.ID,
			Side:           line.Side,
			Amount:         amount,
			BalanceAfter:   newBalance,
			Seq:            m.seq,
			CreatedAt:      now,
		}
		m.balances[acct.ID] = newBalance
		posted = append(posted, entry)
	}

	for _, entry := range posted {
		m.journalLines[je.ID] = append(m.journalLines[je.ID], entry)
		m.entriesByAcct[entry.AccountID] = append(m.entriesByAcct[entry.AccountID], entry)
	}
	m.journals[je.ID] = &jeCopy
	m.journalByKey[je.IdempotencyKey] = &jeCopy

	result := jeCopy
	return &result, nil
}

func (m *MemoryStore) Journal(_ context.Context, id string) (*JournalEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	je, ok := m.journals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *je
	return &cp, nil
}

func (m *MemoryStore) JournalByKey(_ context.Context, key string) (*JournalEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	je, ok := m.journalByKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *je
	return &cp, nil
}

func (m *MemoryStore) JournalLines(_ context.Context, journalEntryID string) ([]*LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lines, ok := m.journalLines[journalEntryID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]*LedgerEntry, len(lines))
	for i, l := range lines {
		cp := *l
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) AccountEntries(_ context.Context, accountID string) ([]*LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[accountID]; !ok {
		return nil, ErrNotFound
	}
	entries := m.entriesByAcct[accountID]
	out := make([]*LedgerEntry, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) Balance(_ context.Context, accountID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	balance, ok := m.balances[accountID]
	if !ok {
		return decimal.Zero, ErrNotFound
	}
	return balance, nil
}

// CorruptBalance overwrites a stored balance without a ledger entry. Test
// hook for exercising integrity detection.
func (m *MemoryStore) CorruptBalance(accountID string, balance decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[accountID] = balance
}
