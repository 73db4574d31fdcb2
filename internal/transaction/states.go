package transaction

import "fmt"

// State is a transaction lifecycle state.
type State string

const (
	StateInitiated     State = "INITIATED"
	StatePending       State = "PENDING"
	StateAuthorized    State = "AUTHORIZED"
	StateCaptured      State = "CAPTURED"
	StateSettled       State = "SETTLED"
	StateVoided        State = "VOIDED"
	StateRefunded      State = "REFUNDED"
	StatePartialRefund State = "PARTIAL_REFUND"
	StateFailed        State = "FAILED"
	StateCancelled     State = "CANCELLED"
)

// transitions is the static valid-transition table. It is checked before
// every mutation and is independent of persistence.
var transitions = map[State][]State{
	StateInitiated:     {StatePending, StateCancelled, StateFailed},
	StatePending:       {StateAuthorized, StateFailed, StateCancelled},
	StateAuthorized:    {StateCaptured, StateVoided, StateFailed},
	StateCaptured:      {StateSettled, StateRefunded, StatePartialRefund},
	StateSettled:       {StateRefunded, StatePartialRefund},
	StatePartialRefund: {StateRefunded, StatePartialRefund},
	StateVoided:        {},
	StateRefunded:      {},
	StateFailed:        {},
	StateCancelled:     {},
}

// CanTransition reports whether the table permits from → to.
func CanTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves the state.
func Terminal(s State) bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// ValidState reports whether s is a known state.
func ValidState(s State) bool {
	_, ok := transitions[s]
	return ok
}

// AllowedNext returns the states reachable from s.
func AllowedNext(s State) []State {
	out := make([]State, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// InvalidTransitionError is returned when the table does not permit a
// transition.
type InvalidTransitionError struct {
	TransactionID string
	From          State
	To            State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s for transaction %s",
		e.From, e.To, e.TransactionID)
}
