package engine

import "fmt"

// State is the per-transaction categorization progression. Unresolved is
// terminal for the automatic pipeline; only a manual override or a later
// re-categorization run moves a transaction out of it.
const (
	StateUncategorized   State = "uncategorized"
	StateRuleMatched     State = "rule-matched"
	StateModelClassified State = "model-classified"
	StateFinalized       State = "finalized"
	StateUnresolved      State = "unresolved"
)

type State string

// allowed transitions; manual override is handled separately because it is
// legal from every state.
var transitions = map[State][]State{
	StateUncategorized:   {StateRuleMatched, StateModelClassified, StateUnresolved},
	StateRuleMatched:     {StateFinalized},
	StateModelClassified: {StateFinalized},
}

// advance validates one state-machine step.
func advance(from, to State) (State, error) {
	for _, next := range transitions[from] {
		if next == to {
			return to, nil
		}
	}
	return from, fmt.Errorf("illegal transition %s -> %s", from, to)
}
