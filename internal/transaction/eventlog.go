package transaction

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one immutable entry in a transaction aggregate's history.
// Versions are strictly increasing per aggregate; a duplicate (aggregate,
// version) pair means two writers raced and one must retry.
type Event struct {
	ID          string          `json:"id"`
	AggregateID string          `json:"aggregate_id"`
	Version     int64           `json:"version"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Event types recorded per transaction.
const (
	EventInitiated    = "transaction.initiated"
	EventStateChanged = "transaction.state_changed"
)

// statePayload is the recorded body of a state-change event.
type statePayload struct {
	From   State  `json:"from,omitempty"`
	To     State  `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// DuplicateVersionError signals a concurrent writer on the same aggregate.
type DuplicateVersionError struct {
	AggregateID string
	Version     int64
}

func (e *DuplicateVersionError) Error() string {
	return fmt.Sprintf("event version %d already exists for aggregate %s", e.Version, e.AggregateID)
}

// EventStore persists aggregate events. Append must enforce uniqueness of
// (aggregate id, version).
type EventStore interface {
	Append(ctx context.Context, event *Event) error
	History(ctx context.Context, aggregateID string) ([]*Event, error)
}

// MemoryEventStore is an in-process EventStore.
type MemoryEventStore struct {
	mu     sync.Mutex
	byAgg  map[string][]*Event
	exists map[string]struct{}
}

// NewMemoryEventStore creates an empty event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		byAgg:  make(map[string][]*Event),
		exists: make(map[string]struct{}),
	}
}

func versionKey(aggregateID string, version int64) string {
	return fmt.Sprintf("%s#%d", aggregateID, version)
}

func (m *MemoryEventStore) Append(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := versionKey(event.AggregateID, event.Version)
	if _, ok := m.exists[key]; ok {
		return &DuplicateVersionError{AggregateID: event.AggregateID, Version: event.Version}
	}
	m.exists[key] = struct{}{}

	cp := *event
	m.byAgg[event.AggregateID] = append(m.byAgg[event.AggregateID], &cp)
	return nil
}

func (m *MemoryEventStore) History(_ context.Context, aggregateID string) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.byAgg[aggregateID]
	out := make([]*Event, len(events))
	for i, e := range events {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

// newStateEvent builds a versioned state-change event.
func newStateEvent(aggregateID string, version int64, eventType string, from, to State, reason string) (*Event, error) {
	payload, err := json.Marshal(statePayload{From: from, To: to, Reason: reason})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return &Event{
		ID:          uuid.New().String(),
		AggregateID: aggregateID,
		Version:     version,
		Type:        eventType,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// ReplayState left-folds an aggregate's events into its current state.
// Used for audit replay and for detecting lost writes.
func ReplayState(events []*Event) (State, error) {
	var current State
	for _, event := range events {
		var p statePayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return "", fmt.Errorf("failed to decode event %s: %w", event.ID, err)
		}
		if current != "" && p.From != "" && p.From != current {
			return "", fmt.Errorf("event %s continues from %s but aggregate is at %s",
				event.ID, p.From, current)
		}
		current = p.To
	}
	return current, nil
}
