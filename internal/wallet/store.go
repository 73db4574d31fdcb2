package wallet

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process wallet store with CAS semantics.
type MemoryStore struct {
	mu      sync.Mutex
	wallets map[string]*Wallet
}

// NewMemoryStore creates an empty in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{wallets: make(map[string]*Wallet)}
}

func (m *MemoryStore) Create(_ context.Context, w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.wallets {
		if existing.OwnerType == w.OwnerType && existing.OwnerID == w.OwnerID &&
			existing.Currency == w.Currency && existing.Status != StatusClosed {
			return fmt.Errorf("wallet already exists for %s/%s in %s", w.OwnerType, w.OwnerID, w.Currency)
		}
	}
	cp := *w
	m.wallets[w.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) FindByOwner(_ context.Context, ownerType, ownerID, currency string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.wallets {
		if w.OwnerType == ownerType && w.OwnerID == ownerID && w.Currency == currency && w.Status != StatusClosed {
			cp := *w
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Update(_ context.Context, w *Wallet, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.wallets[w.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return &StaleVersionError{WalletID: w.ID, Expected: expectedVersion}
	}
	cp := *w
	m.wallets[w.ID] = &cp
	return nil
}
