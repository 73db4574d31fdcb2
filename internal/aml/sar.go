package aml

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// SarState is the SAR filing lifecycle state. Filing is append-only; a filed
// SAR is never amended in place.
type SarState string

const (
	SarDraft         SarState = "DRAFT"
	SarPendingReview SarState = "PENDING_REVIEW"
	SarApproved      SarState = "APPROVED"
	SarFiled         SarState = "FILED"
	SarAcknowledged  SarState = "ACKNOWLEDGED"
)

var sarTransitions = map[SarState][]SarState{
	SarDraft:         {SarPendingReview},
	SarPendingReview: {SarApproved, SarDraft},
	SarApproved:      {SarFiled},
	SarFiled:         {SarAcknowledged},
	SarAcknowledged:  {},
}

// Sar is one Suspicious Activity Report.
type Sar struct {
	ID        string    `json:"id"`
	AlertID   string    `json:"alert_id"`
	UserID    string    `json:"user_id"`
	Narrative string    `json:"narrative"`
	State     SarState  `json:"state"`
	FiledAt   time.Time `json:"filed_at,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrSarNotFound is returned when a SAR does not exist.
var ErrSarNotFound = errors.New("aml: sar not found")

// InvalidSarTransitionError is returned for a disallowed SAR state move.
type InvalidSarTransitionError struct {
	SarID string
	From  SarState
	To    SarState
}

func (e *InvalidSarTransitionError) Error() string {
	return fmt.Sprintf("sar %s: invalid transition from %s to %s", e.SarID, e.From, e.To)
}

// SarStore persists SARs.
type SarStore interface {
	Create(ctx context.Context, s *Sar) error
	Get(ctx context.Context, id string) (*Sar, error)
	Update(ctx context.Context, s *Sar) error
	List(ctx context.Context) ([]*Sar, error)
}

// MemorySarStore is an in-process SarStore.
type MemorySarStore struct {
	mu   sync.Mutex
	byID map[string]*Sar
}

// NewMemorySarStore creates an empty SAR store.
func NewMemorySarStore() *MemorySarStore {
	return &MemorySarStore{byID: make(map[string]*Sar)}
}

func (m *MemorySarStore) Create(_ context.Context, s *Sar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.byID[s.ID] = &cp
	return nil
}

func (m *MemorySarStore) Get(_ context.Context, id string) (*Sar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, ErrSarNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemorySarStore) Update(_ context.Context, s *Sar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[s.ID]; !ok {
		return ErrSarNotFound
	}
	cp := *s
	m.byID[s.ID] = &cp
	return nil
}

func (m *MemorySarStore) List(_ context.Context) ([]*Sar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Sar, 0, len(m.byID))
	for _, s := range m.byID {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
