package aml

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/payments-core/internal/authorization"
	bus "github.com/example/payments-core/internal/events"
	"github.com/example/payments-core/internal/transaction"
)

// SarDueAfter is how long a high-severity alert may stay unresolved before
// SAR drafting triggers.
const SarDueAfter = 30 * 24 * time.Hour

// Evaluation is the outcome of scoring one transaction.
type Evaluation struct {
	TransactionID string
	Score         decimal.Decimal
	Hits          []*Hit
	Blocked       bool
	BlockReason   string
	Alerts        []*Alert
}

// Engine runs the configured monitoring rules and owns the alert and SAR
// lifecycles.
type Engine struct {
	mu       sync.Mutex
	rules    []*Rule
	profiles map[string]*UserProfile

	txs            *transaction.Service
	alerts         AlertStore
	sars           SarStore
	outbox         bus.Outbox
	log            *slog.Logger
	now            func() time.Time
	sarMinSeverity Severity
}

// NewEngine creates a compliance engine. outbox may be nil.
func NewEngine(txs *transaction.Service, alerts AlertStore, sars SarStore, outbox bus.Outbox, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		profiles:       make(map[string]*UserProfile),
		txs:            txs,
		alerts:         alerts,
		sars:           sars,
		outbox:         outbox,
		log:            log,
		now:            func() time.Time { return time.Now().UTC() },
		sarMinSeverity: SeverityHigh,
	}
}

// AddRule registers a monitoring rule.
func (e *Engine) AddRule(rule *Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *rule
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.Weight <= 0 {
		cp.Weight = 1
	}
	e.rules = append(e.rules, &cp)
}

// SetProfile stores a user's behavioral baseline.
func (e *Engine) SetProfile(p *UserProfile) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *p
	e.profiles[p.UserID] = &cp
}

func (e *Engine) profile(userID string) *UserProfile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.profiles[userID]
}

func (e *Engine) snapshotRules() []*Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Evaluate scores a transaction against all enabled rules. Triggered rules
// act per their configured action: ALERT and REVIEW raise an alert, BLOCK
// marks the evaluation blocked, NOTIFY only publishes. The overall score is
// the weight-averaged component score of the triggered rules, clamped to
// [0,100].
func (e *Engine) Evaluate(ctx context.Context, tx *transaction.Transaction) (*Evaluation, error) {
	profile := e.profile(tx.UserID)
	now := e.now()

	eval := &Evaluation{TransactionID: tx.ID, Score: decimal.Zero}
	weighted, totalWeight := decimal.Zero, decimal.Zero

	for _, rule := range e.snapshotRules() {
		if !rule.Enabled {
			continue
		}
		history, err := e.txs.ListByUser(ctx, tx.UserID, windowStart(rule, now))
		if err != nil {
			return nil, fmt.Errorf("rule %s history: %w", rule.Name, err)
		}
		history = excludeSelf(history, tx.ID)

		hit, err := evaluateRule(ctx, rule, tx, profile, history)
		if err != nil {
			return nil, err
		}
		if hit == nil {
			continue
		}
		eval.Hits = append(eval.Hits, hit)

		weight := decimal.NewFromInt(int64(rule.Weight))
		weighted = weighted.Add(weight.Mul(hit.Score))
		totalWeight = totalWeight.Add(weight)

		switch rule.Action {
		case ActionBlock:
			eval.Blocked = true
			if eval.BlockReason == "" {
				eval.BlockReason = hit.Reason
			}
		case ActionAlert, ActionReview:
			alert, err := e.raiseAlert(ctx, rule, tx, hit)
			if err != nil {
				return nil, err
			}
			eval.Alerts = append(eval.Alerts, alert)
		case ActionNotify:
			e.publish(ctx, bus.TopicAmlAlertRaised, tx.ID, map[string]string{
				"rule":   rule.Name,
				"reason": hit.Reason,
				"notify": "true",
			})
		}
	}

	if totalWeight.IsPositive() {
		eval.Score = weighted.Div(totalWeight)
		if eval.Score.GreaterThan(hundred) {
			eval.Score = hundred
		}
	}

	e.log.InfoContext(ctx, "transaction evaluated",
		"transaction_id", tx.ID, "score", eval.Score.String(),
		"hits", len(eval.Hits), "blocked", eval.Blocked)
	return eval, nil
}

func excludeSelf(history []*transaction.Transaction, id string) []*transaction.Transaction {
	out := history[:0]
	for _, tx := range history {
		if tx.ID != id {
			out = append(out, tx)
		}
	}
	return out
}

// Decide is the synchronous hook for the authorization pipeline.
func (e *Engine) Decide(ctx context.Context, tx *transaction.Transaction) (*authorization.RiskDecision, error) {
	eval, err := e.Evaluate(ctx, tx)
	if err != nil {
		return nil, err
	}
	return &authorization.RiskDecision{
		Score:  eval.Score,
		Block:  eval.Blocked,
		Reason: eval.BlockReason,
	}, nil
}

// Bind subscribes the engine to the transaction event stream so scoring runs
// out-of-band, off the money path.
func (e *Engine) Bind(drainer *bus.Drainer) {
	drainer.Subscribe(bus.TopicTransactionStateChanged, bus.HandlerFunc(func(ctx context.Context, env *bus.Envelope) error {
		var payload struct {
			TransactionID string `json:"transaction_id"`
		}
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return fmt.Errorf("decode state change: %w", err)
		}
		tx, err := e.txs.Get(ctx, payload.TransactionID)
		if err != nil {
			return err
		}
		_, err = e.Evaluate(ctx, tx)
		return err
	}))
}

func (e *Engine) raiseAlert(ctx context.Context, rule *Rule, tx *transaction.Transaction, hit *Hit) (*Alert, error) {
	now := e.now()
	alert := &Alert{
		ID:            uuid.New().String(),
		UserID:        tx.UserID,
		TransactionID: tx.ID,
		RuleID:        rule.ID,
		RuleName:      rule.Name,
		Severity:      rule.Severity,
		Score:         hit.Score.String(),
		Reason:        hit.Reason,
		State:         AlertOpen,
		DueAt:         now.Add(SarDueAfter),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.alerts.Create(ctx, alert); err != nil {
		return nil, err
	}

	e.publish(ctx, bus.TopicAmlAlertRaised, alert.ID, map[string]string{
		"alert_id":       alert.ID,
		"transaction_id": tx.ID,
		"rule":           rule.Name,
		"severity":       string(rule.Severity),
	})
	e.log.WarnContext(ctx, "aml alert raised",
		"alert_id", alert.ID, "rule", rule.Name, "severity", rule.Severity, "reason", hit.Reason)
	return alert, nil
}

// TransitionAlert moves an alert through its lifecycle.
func (e *Engine) TransitionAlert(ctx context.Context, alertID string, to AlertState, note string) (*Alert, error) {
	alert, err := e.alerts.Get(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if !canAlertTransition(alert.State, to) {
		return nil, &InvalidAlertTransitionError{AlertID: alert.ID, From: alert.State, To: to}
	}
	alert.State = to
	if note != "" {
		alert.Notes = append(alert.Notes, note)
	}
	alert.UpdatedAt = e.now()
	if err := e.alerts.Update(ctx, alert); err != nil {
		return nil, err
	}
	return alert, nil
}

func canAlertTransition(from, to AlertState) bool {
	for _, next := range alertTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DraftOverdueSars drafts a SAR for every sufficiently severe alert still
// open past its due date. Returns the new drafts.
func (e *Engine) DraftOverdueSars(ctx context.Context) ([]*Sar, error) {
	overdue, err := e.alerts.ListOverdue(ctx, e.sarMinSeverity, e.now())
	if err != nil {
		return nil, err
	}

	var drafts []*Sar
	for _, alert := range overdue {
		now := e.now()
		sar := &Sar{
			ID:      uuid.New().String(),
			AlertID: alert.ID,
			UserID:  alert.UserID,
			Narrative: fmt.Sprintf("Rule %q triggered on transaction %s: %s. Alert unresolved past due date %s.",
				alert.RuleName, alert.TransactionID, alert.Reason, alert.DueAt.Format(time.RFC3339)),
			State:     SarDraft,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.sars.Create(ctx, sar); err != nil {
			return drafts, err
		}
		alert.SarID = sar.ID
		alert.UpdatedAt = now
		if err := e.alerts.Update(ctx, alert); err != nil {
			return drafts, err
		}
		drafts = append(drafts, sar)
		e.log.WarnContext(ctx, "sar drafted for overdue alert", "sar_id", sar.ID, "alert_id", alert.ID)
	}
	return drafts, nil
}

// TransitionSar moves a SAR through its lifecycle. Filing stamps the filing
// time, publishes the filing event, and closes the linked alert as SAR_FILED.
func (e *Engine) TransitionSar(ctx context.Context, sarID string, to SarState) (*Sar, error) {
	sar, err := e.sars.Get(ctx, sarID)
	if err != nil {
		return nil, err
	}
	if !canSarTransition(sar.State, to) {
		return nil, &InvalidSarTransitionError{SarID: sar.ID, From: sar.State, To: to}
	}

	sar.State = to
	sar.UpdatedAt = e.now()
	if to == SarFiled {
		sar.FiledAt = sar.UpdatedAt
	}
	if err := e.sars.Update(ctx, sar); err != nil {
		return nil, err
	}

	if to == SarFiled {
		if alert, err := e.alerts.Get(ctx, sar.AlertID); err == nil && canAlertTransition(alert.State, AlertSarFiled) {
			alert.State = AlertSarFiled
			alert.UpdatedAt = e.now()
			if err := e.alerts.Update(ctx, alert); err != nil {
				e.log.ErrorContext(ctx, "failed to close alert after sar filing",
					"alert_id", alert.ID, "error", err)
			}
		}
		e.publish(ctx, bus.TopicAmlSarFiled, sar.ID, map[string]string{
			"sar_id":   sar.ID,
			"alert_id": sar.AlertID,
			"user_id":  sar.UserID,
		})
		e.log.InfoContext(ctx, "sar filed", "sar_id", sar.ID, "alert_id", sar.AlertID)
	}
	return sar, nil
}

func canSarTransition(from, to SarState) bool {
	for _, next := range sarTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (e *Engine) publish(ctx context.Context, topic, key string, payload any) {
	if e.outbox == nil {
		return
	}
	if err := e.outbox.Enqueue(ctx, topic, key, payload); err != nil {
		e.log.ErrorContext(ctx, "failed to enqueue event", "topic", topic, "key", key, "error", err)
	}
}
