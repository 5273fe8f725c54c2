package rules

import "fmt"

// Result summarizes one executed rule batch
type Result struct {
	// Fired lists the ids of the rules whose condition held, in order
	Fired []string
	// Actions counts the actions applied
	Actions int
	// Messages holds the messages of the fired rules
	Messages []string
}

// EvaluationResult is the outcome of evaluating one rule condition
type EvaluationResult struct {
	RuleID  string
	Matched bool
	Error   error
	Trace   any // CEL evaluation state, set when evaluation succeeded
}

// ExecutionError reports the rule and action that failed a batch.
// ActionIndex is -1 when the condition itself failed.
type ExecutionError struct {
	RuleID      string
	ActionIndex int
	Err         error
}

func (e *ExecutionError) Error() string {
	if e.ActionIndex < 0 {
		return fmt.Sprintf("rule %s: condition: %v", e.RuleID, e.Err)
	}
	return fmt.Sprintf("rule %s: action %d: %v", e.RuleID, e.ActionIndex, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
