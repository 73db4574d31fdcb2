package aml

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// AlertState is the alert lifecycle state.
type AlertState string

const (
	AlertOpen          AlertState = "OPEN"
	AlertInvestigating AlertState = "INVESTIGATING"
	AlertEscalated     AlertState = "ESCALATED"
	AlertResolved      AlertState = "RESOLVED"
	AlertDismissed     AlertState = "DISMISSED"
	AlertSarFiled      AlertState = "SAR_FILED"
)

var alertTransitions = map[AlertState][]AlertState{
	AlertOpen:          {AlertInvestigating},
	AlertInvestigating: {AlertEscalated, AlertResolved, AlertDismissed, AlertSarFiled},
	AlertEscalated:     {AlertResolved, AlertDismissed, AlertSarFiled},
	AlertResolved:      {},
	AlertDismissed:     {},
	AlertSarFiled:      {},
}

// Alert is one raised compliance finding.
type Alert struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	TransactionID string     `json:"transaction_id"`
	RuleID        string     `json:"rule_id"`
	RuleName      string     `json:"rule_name"`
	Severity      Severity   `json:"severity"`
	Score         string     `json:"score"`
	Reason        string     `json:"reason"`
	State         AlertState `json:"state"`
	Assignee      string     `json:"assignee,omitempty"`
	Notes         []string   `json:"notes,omitempty"`
	SarID         string     `json:"sar_id,omitempty"`
	DueAt         time.Time  `json:"due_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Open reports whether the alert is still being worked.
func (a *Alert) Open() bool {
	next, ok := alertTransitions[a.State]
	return ok && len(next) > 0
}

// ErrAlertNotFound is returned when an alert does not exist.
var ErrAlertNotFound = errors.New("aml: alert not found")

// InvalidAlertTransitionError is returned for a disallowed alert state move.
type InvalidAlertTransitionError struct {
	AlertID string
	From    AlertState
	To      AlertState
}

func (e *InvalidAlertTransitionError) Error() string {
	return fmt.Sprintf("alert %s: invalid transition from %s to %s", e.AlertID, e.From, e.To)
}

// AlertStore persists alerts.
type AlertStore interface {
	Create(ctx context.Context, a *Alert) error
	Get(ctx context.Context, id string) (*Alert, error)
	Update(ctx context.Context, a *Alert) error
	ListOpen(ctx context.Context) ([]*Alert, error)
	ListOverdue(ctx context.Context, minSeverity Severity, asOf time.Time) ([]*Alert, error)
}

// MemoryAlertStore is an in-process AlertStore.
type MemoryAlertStore struct {
	mu   sync.Mutex
	byID map[string]*Alert
}

// NewMemoryAlertStore creates an empty alert store.
func NewMemoryAlertStore() *MemoryAlertStore {
	return &MemoryAlertStore{byID: make(map[string]*Alert)}
}

func (m *MemoryAlertStore) Create(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.byID[a.ID] = &cp
	return nil
}

func (m *MemoryAlertStore) Get(_ context.Context, id string) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryAlertStore) Update(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[a.ID]; !ok {
		return ErrAlertNotFound
	}
	cp := *a
	m.byID[a.ID] = &cp
	return nil
}

func (m *MemoryAlertStore) ListOpen(_ context.Context) ([]*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Alert
	for _, a := range m.byID {
		if a.Open() {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryAlertStore) ListOverdue(_ context.Context, minSeverity Severity, asOf time.Time) ([]*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Alert
	for _, a := range m.byID {
		if a.Open() && a.Severity.AtLeast(minSeverity) && a.DueAt.Before(asOf) && a.SarID == "" {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out, nil
}
