// Package aml implements the compliance engine: configurable monitoring
// rules scored against a rolling transaction window, alert and SAR
// lifecycles, and watchlist screening. Scoring is advisory and asynchronous
// to the ledger; only a BLOCK action reaches back into the money path, by
// declining an authorization before any hold exists.
package aml

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/payments-core/internal/transaction"
)

// RuleType selects the detection strategy.
type RuleType string

const (
	RuleVelocity        RuleType = "velocity"
	RuleAmountThreshold RuleType = "amount_threshold"
	RuleGeographic      RuleType = "geographic"
	RuleStructuring     RuleType = "structuring"
	RuleBehavioral      RuleType = "behavioral"
)

// Action is what a triggered rule does.
type Action string

const (
	ActionAlert  Action = "ALERT"
	ActionBlock  Action = "BLOCK"
	ActionReview Action = "REVIEW"
	ActionNotify Action = "NOTIFY"
)

// Severity ranks alert urgency.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityLow: 1, SeverityMedium: 2, SeverityHigh: 3, SeverityCritical: 4,
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// RuleParams are the typed knobs per rule; which fields apply depends on the
// rule type.
type RuleParams struct {
	Threshold        decimal.Decimal `json:"threshold,omitempty"`
	WindowHours      int             `json:"window_hours,omitempty"`
	MaxCount         int             `json:"max_count,omitempty"`
	BlockedCountries []string        `json:"blocked_countries,omitempty"`
	DeviationFactor  decimal.Decimal `json:"deviation_factor,omitempty"`
	BandWidth        decimal.Decimal `json:"band_width,omitempty"`
	MinOccurrences   int             `json:"min_occurrences,omitempty"`
}

// Rule is one configured monitoring rule.
type Rule struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Type     RuleType   `json:"type"`
	Action   Action     `json:"action"`
	Severity Severity   `json:"severity"`
	Weight   int        `json:"weight"`
	Params   RuleParams `json:"params"`
	Enabled  bool       `json:"enabled"`
}

// UserProfile is the behavioral baseline for a user.
type UserProfile struct {
	UserID      string          `json:"user_id"`
	HomeCountry string          `json:"home_country"`
	AvgAmount   decimal.Decimal `json:"avg_amount"`
}

// Hit is one triggered rule with its component score in [0,100].
type Hit struct {
	Rule   *Rule
	Score  decimal.Decimal
	Reason string
}

var hundred = decimal.NewFromInt(100)

// evaluateRule scores one rule against a transaction and the user's rolling
// window. A nil return means the rule did not trigger.
func evaluateRule(ctx context.Context, rule *Rule, tx *transaction.Transaction, profile *UserProfile, history []*transaction.Transaction) (*Hit, error) {
	switch rule.Type {
	case RuleAmountThreshold:
		return amountThresholdHit(rule, tx), nil
	case RuleVelocity:
		return velocityHit(rule, history), nil
	case RuleGeographic:
		return geographicHit(rule, tx, profile), nil
	case RuleStructuring:
		return structuringHit(rule, tx, history), nil
	case RuleBehavioral:
		return behavioralHit(rule, tx, profile), nil
	default:
		return nil, fmt.Errorf("unknown rule type: %s", rule.Type)
	}
}

// amountThresholdHit fires when a single transaction meets or exceeds the
// threshold. Score scales with how far past the threshold the amount is,
// capped at 100.
func amountThresholdHit(rule *Rule, tx *transaction.Transaction) *Hit {
	if rule.Params.Threshold.IsZero() || tx.Amount.LessThan(rule.Params.Threshold) {
		return nil
	}
	ratio := tx.Amount.Div(rule.Params.Threshold)
	score := decimal.NewFromInt(50).Mul(ratio)
	if score.GreaterThan(hundred) {
		score = hundred
	}
	return &Hit{
		Rule:   rule,
		Score:  score,
		Reason: fmt.Sprintf("amount %s meets threshold %s", tx.Amount, rule.Params.Threshold),
	}
}

// velocityHit fires when the count of recent transactions exceeds MaxCount
// within the window.
func velocityHit(rule *Rule, history []*transaction.Transaction) *Hit {
	if rule.Params.MaxCount <= 0 {
		return nil
	}
	count := len(history) + 1
	if count <= rule.Params.MaxCount {
		return nil
	}
	over := count - rule.Params.MaxCount
	score := decimal.NewFromInt(int64(40 + 10*over))
	if score.GreaterThan(hundred) {
		score = hundred
	}
	return &Hit{
		Rule:   rule,
		Score:  score,
		Reason: fmt.Sprintf("%d transactions in %dh window, limit %d", count, rule.Params.WindowHours, rule.Params.MaxCount),
	}
}

// geographicHit fires for transactions originating from a blocked country.
func geographicHit(rule *Rule, tx *transaction.Transaction, profile *UserProfile) *Hit {
	country := tx.Country
	if country == "" && profile != nil {
		country = profile.HomeCountry
	}
	for _, blocked := range rule.Params.BlockedCountries {
		if country == blocked {
			return &Hit{
				Rule:   rule,
				Score:  hundred,
				Reason: fmt.Sprintf("country %s is blocked", country),
			}
		}
	}
	return nil
}

// structuringHit fires when several recent transactions cluster just under
// the reporting threshold.
func structuringHit(rule *Rule, tx *transaction.Transaction, history []*transaction.Transaction) *Hit {
	if rule.Params.Threshold.IsZero() || rule.Params.MinOccurrences <= 0 {
		return nil
	}
	band := rule.Params.BandWidth
	if band.IsZero() {
		band = rule.Params.Threshold.Mul(decimal.NewFromFloat(0.1))
	}
	floor := rule.Params.Threshold.Sub(band)

	underBand := func(amount decimal.Decimal) bool {
		return amount.GreaterThanOrEqual(floor) && amount.LessThan(rule.Params.Threshold)
	}

	count := 0
	if underBand(tx.Amount) {
		count++
	}
	for _, prior := range history {
		if underBand(prior.Amount) {
			count++
		}
	}
	if count < rule.Params.MinOccurrences {
		return nil
	}
	score := decimal.NewFromInt(int64(60 + 10*(count-rule.Params.MinOccurrences)))
	if score.GreaterThan(hundred) {
		score = hundred
	}
	return &Hit{
		Rule:   rule,
		Score:  score,
		Reason: fmt.Sprintf("%d transactions within %s of threshold %s", count, band, rule.Params.Threshold),
	}
}

// behavioralHit fires when the amount deviates from the user's baseline by
// more than the configured factor.
func behavioralHit(rule *Rule, tx *transaction.Transaction, profile *UserProfile) *Hit {
	if profile == nil || !profile.AvgAmount.IsPositive() || !rule.Params.DeviationFactor.IsPositive() {
		return nil
	}
	limit := profile.AvgAmount.Mul(rule.Params.DeviationFactor)
	if tx.Amount.LessThanOrEqual(limit) {
		return nil
	}
	score := decimal.NewFromInt(30).Mul(tx.Amount.Div(limit))
	if score.GreaterThan(hundred) {
		score = hundred
	}
	return &Hit{
		Rule:   rule,
		Score:  score,
		Reason: fmt.Sprintf("amount %s exceeds %s times user average %s", tx.Amount, rule.Params.DeviationFactor, profile.AvgAmount),
	}
}

// windowStart returns the rolling-window start for a rule, defaulting to 24h.
func windowStart(rule *Rule, now time.Time) time.Time {
	hours := rule.Params.WindowHours
	if hours <= 0 {
		hours = 24
	}
	return now.Add(-time.Duration(hours) * time.Hour)
}
