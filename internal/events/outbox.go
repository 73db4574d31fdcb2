// Package events carries the outbound event stream (transaction state
// changes, authorization outcomes, settlement completions, AML findings)
// through a durable outbox. Producers enqueue within their own operation;
// consumers drain asynchronously and are never awaited by the money path.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Topics published by the core.
const (
	TopicTransactionStateChanged = "transaction.state_changed"
	TopicAuthorizationApproved   = "authorization.approved"
	TopicAuthorizationDeclined   = "authorization.declined"
	TopicAuthorizationExpired    = "authorization.expired"
	TopicSettlementCompleted     = "settlement.completed"
	TopicAmlAlertRaised          = "aml.alert_raised"
	TopicAmlSarFiled             = "aml.sar_filed"
)

// Envelope is one queued event.
type Envelope struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
}

// Outbox is a durable at-least-once queue. Dequeue leases envelopes;
// Ack removes them, Nack returns them for redelivery.
type Outbox interface {
	Enqueue(ctx context.Context, topic, key string, payload any) error
	Dequeue(ctx context.Context, max int) ([]*Envelope, error)
	Ack(ctx context.Context, id string) error
	Nack(ctx context.Context, id string) error
}

// MemoryOutbox is an in-process Outbox.
type MemoryOutbox struct {
	mu      sync.Mutex
	pending []*Envelope
	leased  map[string]*Envelope
}

// NewMemoryOutbox creates an empty outbox.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{leased: make(map[string]*Envelope)}
}

func (o *MemoryOutbox) Enqueue(_ context.Context, topic, key string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = append(o.pending, &Envelope{
		ID:        uuid.New().String(),
		Topic:     topic,
		Key:       key,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (o *MemoryOutbox) Dequeue(_ context.Context, max int) ([]*Envelope, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	n := max
	if n > len(o.pending) {
		n = len(o.pending)
	}
	batch := o.pending[:n]
	o.pending = o.pending[n:]

	out := make([]*Envelope, n)
	for i, env := range batch {
		env.Attempts++
		o.leased[env.ID] = env
		cp := *env
		out[i] = &cp
	}
	return out, nil
}

func (o *MemoryOutbox) Ack(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.leased[id]; !ok {
		return fmt.Errorf("envelope %s is not leased", id)
	}
	delete(o.leased, id)
	return nil
}

func (o *MemoryOutbox) Nack(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	env, ok := o.leased[id]
	if !ok {
		return fmt.Errorf("envelope %s is not leased", id)
	}
	delete(o.leased, id)
	o.pending = append(o.pending, env)
	sort.SliceStable(o.pending, func(i, j int) bool {
		return o.pending[i].CreatedAt.Before(o.pending[j].CreatedAt)
	})
	return nil
}

// Depth reports how many envelopes are pending delivery.
func (o *MemoryOutbox) Depth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Handler consumes envelopes for one or more topics.
type Handler interface {
	Handle(ctx context.Context, env *Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env *Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env *Envelope) error { return f(ctx, env) }

// Drainer pumps the outbox into registered handlers.
type Drainer struct {
	outbox   Outbox
	mu       sync.Mutex
	handlers map[string][]Handler
	batch    int
}

// NewDrainer creates a drainer over the outbox.
func NewDrainer(outbox Outbox, batchSize int) *Drainer {
	if batchSize <= 0 {
		batchSize = 32
	}
	return &Drainer{outbox: outbox, handlers: make(map[string][]Handler), batch: batchSize}
}

// Subscribe registers a handler for a topic.
func (d *Drainer) Subscribe(topic string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[topic] = append(d.handlers[topic], h)
}

// DrainOnce processes one batch. Envelopes whose handler fails are returned
// to the queue for redelivery; events are delayed, never lost.
func (d *Drainer) DrainOnce(ctx context.Context) (processed int, err error) {
	batch, err := d.outbox.Dequeue(ctx, d.batch)
	if err != nil {
		return 0, err
	}

	for _, env := range batch {
		d.mu.Lock()
		handlers := d.handlers[env.Topic]
		d.mu.Unlock()

		failed := false
		for _, h := range handlers {
			if err := h.Handle(ctx, env); err != nil {
				failed = true
				break
			}
		}
		if failed {
			if err := d.outbox.Nack(ctx, env.ID); err != nil {
				return processed, err
			}
			continue
		}
		if err := d.outbox.Ack(ctx, env.ID); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

// Run drains on an interval until the context is cancelled.
func (d *Drainer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = d.DrainOnce(ctx)
		}
	}
}
