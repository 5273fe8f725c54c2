package study

import (
	"fmt"
	"strings"
)

// Rule is a guarded list of actions. An empty condition always holds.
type Rule struct {
	ID          string       `yaml:"id"`
	Description string       `yaml:"description"`
	Condition   string       `yaml:"condition"`
	Actions     []RuleAction `yaml:"actions"`
	Message     string       `yaml:"message"`
}

// ActionKind selects the behavior of a rule action
type ActionKind string

const (
	ActionSetField           ActionKind = "SET_FIELD"
	ActionTransitionWorkflow ActionKind = "TRANSITION_WORKFLOW"
	ActionCreateWorkflow     ActionKind = "CREATE_WORKFLOW"
	ActionNotify             ActionKind = "NOTIFY"
	ActionWorkflowAction     ActionKind = "WORKFLOW_ACTION"
)

// ActionKinds lists every supported kind
var ActionKinds = []ActionKind{
	ActionSetField,
	ActionTransitionWorkflow,
	ActionCreateWorkflow,
	ActionNotify,
	ActionWorkflowAction,
}

// UnmarshalText accepts kind names in any case
func (k *ActionKind) UnmarshalText(text []byte) error {
	v := ActionKind(strings.ToUpper(strings.TrimSpace(string(text))))
	for _, known := range ActionKinds {
		if v == known {
			*k = v
			return nil
		}
	}
	return fmt.Errorf("unknown action kind %q", string(text))
}

// Target selects which entity of the data state an action applies to.
// The zero value means the deepest entity present.
type Target string

const (
	TargetDefault Target = ""
	TargetScope   Target = "SCOPE"
	TargetEvent   Target = "EVENT"
	TargetDataset Target = "DATASET"
)

// UnmarshalText accepts target names in any case
func (t *Target) UnmarshalText(text []byte) error {
	v := Target(strings.ToUpper(strings.TrimSpace(string(text))))
	switch v {
	case TargetDefault, TargetScope, TargetEvent, TargetDataset:
		*t = v
		return nil
	}
	return fmt.Errorf("unknown action target %q", string(text))
}

// RuleAction is one side effect of a fired rule. The fields used depend on
// Kind:
//
//	SET_FIELD            DatasetModelID, FieldModelID, Value ("=" prefix is a formula)
//	TRANSITION_WORKFLOW  WorkflowID, StateID, Target
//	CREATE_WORKFLOW      WorkflowID, Target
//	NOTIFY               Recipients, Subject, Body
//	WORKFLOW_ACTION      WorkflowID, ActionID
type RuleAction struct {
	// ID is optional; it lets a caller block the action for one execution
	ID             string     `yaml:"id,omitempty"`
	Kind           ActionKind `yaml:"kind"`
	Target         Target     `yaml:"target,omitempty"`
	WorkflowID     string     `yaml:"workflow,omitempty"`
	StateID        string     `yaml:"state,omitempty"`
	ActionID       string     `yaml:"action,omitempty"`
	DatasetModelID string     `yaml:"dataset,omitempty"`
	FieldModelID   string     `yaml:"field,omitempty"`
	Value          string     `yaml:"value,omitempty"`
	Recipients     []string   `yaml:"recipients,omitempty"`
	Subject        string     `yaml:"subject,omitempty"`
	Body           string     `yaml:"body,omitempty"`
}

// IsFormula reports whether a value is an expression rather than a literal
func IsFormula(value string) bool {
	return strings.HasPrefix(value, "=")
}

// FormulaExpression strips the formula marker
func FormulaExpression(value string) string {
	return strings.TrimPrefix(value, "=")
}
