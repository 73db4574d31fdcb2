// Package settlement aggregates captured transactions into merchant payout
// batches on a per-merchant cycle. A batch settles whole or not at all; items
// are claimed uniquely so a window can never be settled twice.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the settlement batch state.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
	StatusPartiallyFailed Status = "PARTIALLY_FAILED"
)

// Schedule is a merchant's settlement cadence.
type Schedule string

const (
	ScheduleDaily    Schedule = "daily"
	ScheduleWeekly   Schedule = "weekly"
	ScheduleMonthly  Schedule = "monthly"
	ScheduleOnDemand Schedule = "on_demand"
)

// MerchantConfig is the per-merchant settlement cycle configuration.
type MerchantConfig struct {
	MerchantID string    `json:"merchant_id"`
	Currency   string    `json:"currency_code"`
	Schedule   Schedule  `json:"schedule"`
	LastRunAt  time.Time `json:"last_run_at"`
}

// Due reports whether a scheduled run is owed at now, and the window it
// should cover. On-demand merchants are never due automatically.
func (c *MerchantConfig) Due(now time.Time) (bool, time.Time, time.Time) {
	var period time.Duration
	switch c.Schedule {
	case ScheduleDaily:
		period = 24 * time.Hour
	case ScheduleWeekly:
		period = 7 * 24 * time.Hour
	case ScheduleMonthly:
		period = 30 * 24 * time.Hour
	default:
		return false, time.Time{}, time.Time{}
	}
	if now.Sub(c.LastRunAt) < period {
		return false, time.Time{}, time.Time{}
	}
	start := c.LastRunAt
	if start.IsZero() {
		start = now.Add(-period)
	}
	return true, start, now
}

// Item is one transaction's contribution to a batch.
type Item struct {
	TransactionID string          `json:"transaction_id"`
	Gross         decimal.Decimal `json:"gross"`
	Fee           decimal.Decimal `json:"fee"`
	Refunded      decimal.Decimal `json:"refunded"`
	Net           decimal.Decimal `json:"net"`
}

// Batch is one settlement run for a merchant window. Immutable once
// COMPLETED.
type Batch struct {
	ID             string          `json:"id"`
	MerchantID     string          `json:"merchant_id"`
	Currency       string          `json:"currency_code"`
	PeriodStart    time.Time       `json:"period_start"`
	PeriodEnd      time.Time       `json:"period_end"`
	Gross          decimal.Decimal `json:"gross_amount"`
	Refunds        decimal.Decimal `json:"refund_amount"`
	Fees           decimal.Decimal `json:"fee_amount"`
	Net            decimal.Decimal `json:"net_amount"`
	Status         Status          `json:"status"`
	Items          []*Item         `json:"items"`
	JournalEntryID string          `json:"journal_entry_id,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    time.Time       `json:"completed_at,omitempty"`
}

// ErrBatchNotFound is returned when a batch does not exist.
var ErrBatchNotFound = errors.New("settlement: batch not found")

// AlreadyClaimedError is returned when a transaction is claimed by another
// batch.
type AlreadyClaimedError struct {
	TransactionID string
	BatchID       string
}

func (e *AlreadyClaimedError) Error() string {
	return fmt.Sprintf("transaction %s already claimed by batch %s", e.TransactionID, e.BatchID)
}

// Store persists batches and the unique transaction-to-batch claims.
type Store interface {
	CreateBatch(ctx context.Context, b *Batch) error
	UpdateBatch(ctx context.Context, b *Batch) error
	GetBatch(ctx context.Context, id string) (*Batch, error)
	// Claim atomically claims the transactions for the batch and returns the
	// subset that was newly claimed; transactions already claimed elsewhere
	// are skipped.
	Claim(ctx context.Context, batchID string, transactionIDs []string) ([]string, error)
	ReleaseClaims(ctx context.Context, batchID string) error
	ListConfigs(ctx context.Context) ([]*MerchantConfig, error)
	UpsertConfig(ctx context.Context, c *MerchantConfig) error
	GetConfig(ctx context.Context, merchantID string) (*MerchantConfig, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	batches map[string]*Batch
	claims  map[string]string
	configs map[string]*MerchantConfig
}

// NewMemoryStore creates an empty settlement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches: make(map[string]*Batch),
		claims:  make(map[string]string),
		configs: make(map[string]*MerchantConfig),
	}
}

func (m *MemoryStore) CreateBatch(_ context.Context, b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.batches[b.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateBatch(_ context.Context, b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[b.ID]; !ok {
		return ErrBatchNotFound
	}
	cp := *b
	m.batches[b.ID] = &cp
	return nil
}

func (m *MemoryStore) GetBatch(_ context.Context, id string) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) Claim(_ context.Context, batchID string, transactionIDs []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var claimed []string
	for _, id := range transactionIDs {
		if _, taken := m.claims[id]; taken {
			continue
		}
		m.claims[id] = batchID
		claimed = append(claimed, id)
	}
	return claimed, nil
}

func (m *MemoryStore) ReleaseClaims(_ context.Context, batchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, owner := range m.claims {
		if owner == batchID {
			delete(m.claims, id)
		}
	}
	return nil
}

func (m *MemoryStore) ListConfigs(_ context.Context) ([]*MerchantConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*MerchantConfig, 0, len(m.configs))
	for _, c := range m.configs {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) UpsertConfig(_ context.Context, c *MerchantConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.configs[c.MerchantID] = &cp
	return nil
}

func (m *MemoryStore) GetConfig(_ context.Context, merchantID string) (*MerchantConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.configs[merchantID]
	if !ok {
		return nil, fmt.Errorf("settlement: no config for merchant %s", merchantID)
	}
	cp := *c
	return &cp, nil
}
