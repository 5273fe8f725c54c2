package study

import "strings"

// Workflow is a named state machine attached to scopes, events or datasets
type Workflow struct {
	ID             string          `yaml:"id"`
	Description    string          `yaml:"description"`
	InitialStateID string          `yaml:"initialState"`
	States         []WorkflowState `yaml:"states"`
	Actions        []Action        `yaml:"actions"`
}

// WorkflowState is one state of a workflow
type WorkflowState struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	Important   bool   `yaml:"important"`
}

// Action is a user-triggerable workflow action carrying its own rules
type Action struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	Rules       []Rule `yaml:"rules"`
}

// State returns the declared state with the given id
func (w *Workflow) State(id string) (*WorkflowState, error) {
	for i := range w.States {
		if w.States[i].ID == id {
			return &w.States[i], nil
		}
	}
	return nil, &ConfigError{Entity: "workflow state", ID: id, Reason: "not declared in workflow " + w.ID}
}

// InitialState resolves the configured initial state id. The lookup happens
// on every call so that a changed id takes effect immediately.
func (w *Workflow) InitialState() (*WorkflowState, error) {
	if strings.TrimSpace(w.InitialStateID) == "" {
		return nil, &ConfigError{Entity: "workflow", ID: w.ID, Reason: "initial state is not set"}
	}
	state, err := w.State(w.InitialStateID)
	if err != nil {
		return nil, &ConfigError{Entity: "workflow", ID: w.ID, Reason: "initial state " + w.InitialStateID + " is not declared"}
	}
	return state, nil
}

// StatesImportant returns the states flagged important, in declaration order
func (w *Workflow) StatesImportant() []*WorkflowState {
	var out []*WorkflowState
	for i := range w.States {
		if w.States[i].Important {
			out = append(out, &w.States[i])
		}
	}
	return out
}

// Action returns the workflow action with the given id
func (w *Workflow) Action(id string) (*Action, error) {
	for i := range w.Actions {
		if w.Actions[i].ID == id {
			return &w.Actions[i], nil
		}
	}
	return nil, &ConfigError{Entity: "workflow action", ID: id, Reason: "not declared in workflow " + w.ID}
}
