package study

import (
	"fmt"
	"regexp"
	"strings"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_\-]*$`)

// Validate checks the structure and cross references of the study.
// Expressions are checked separately by the rule engine.
func Validate(s *Study) error {
	s.buildIndex()

	if err := validateIdentifier("study", s.ID); err != nil {
		return err
	}

	if len(s.ScopeModels) == 0 {
		return &ConfigError{Entity: "study", ID: s.ID, Reason: "at least one scope model is required"}
	}

	if err := unique("workflow", len(s.Workflows), func(i int) string { return s.Workflows[i].ID }); err != nil {
		return err
	}
	for i := range s.Workflows {
		if err := validateWorkflow(s, &s.Workflows[i]); err != nil {
			return err
		}
	}

	if err := unique("scope model", len(s.ScopeModels), func(i int) string { return s.ScopeModels[i].ID }); err != nil {
		return err
	}
	roots := 0
	for _, m := range s.ScopeModels {
		if len(m.ParentIDs) == 0 {
			roots++
		}
		for _, parentID := range m.ParentIDs {
			if _, err := s.ScopeModel(parentID); err != nil {
				return &ConfigError{Entity: "scope model", ID: m.ID, Reason: fmt.Sprintf("unknown parent model %q", parentID)}
			}
		}
		if err := validateWorkflowRefs(s, "scope model", m.ID, m.Workflows); err != nil {
			return err
		}
	}
	if roots == 0 {
		return &ConfigError{Entity: "study", ID: s.ID, Reason: "no root scope model (a model without parents) is declared"}
	}

	if err := unique("event model", len(s.EventModels), func(i int) string { return s.EventModels[i].ID }); err != nil {
		return err
	}
	for _, m := range s.EventModels {
		if _, err := s.ScopeModel(m.ScopeModelID); err != nil {
			return &ConfigError{Entity: "event model", ID: m.ID, Reason: fmt.Sprintf("unknown scope model %q", m.ScopeModelID)}
		}
		if err := validateWorkflowRefs(s, "event model", m.ID, m.Workflows); err != nil {
			return err
		}
	}

	if err := unique("dataset model", len(s.DatasetModels), func(i int) string { return s.DatasetModels[i].ID }); err != nil {
		return err
	}
	for i := range s.DatasetModels {
		m := &s.DatasetModels[i]
		if err := unique("field model", len(m.Fields), func(j int) string { return m.Fields[j].ID }); err != nil {
			return err
		}
		for _, f := range m.Fields {
			switch f.Type {
			case FieldString, FieldNumber, FieldBoolean, FieldDate:
			default:
				return &ConfigError{Entity: "field model", ID: m.ID + "." + f.ID, Reason: fmt.Sprintf("invalid type %q (must be one of: STRING, NUMBER, BOOLEAN, DATE)", f.Type)}
			}
		}
		if err := validateWorkflowRefs(s, "dataset model", m.ID, m.Workflows); err != nil {
			return err
		}
	}

	if err := unique("cron", len(s.Crons), func(i int) string { return s.Crons[i].ID }); err != nil {
		return err
	}
	for i := range s.Crons {
		if err := validateCron(s, &s.Crons[i]); err != nil {
			return err
		}
	}

	return nil
}

func validateWorkflow(s *Study, w *Workflow) error {
	if len(w.States) == 0 {
		return &ConfigError{Entity: "workflow", ID: w.ID, Reason: "at least one state is required"}
	}
	if err := unique("workflow state", len(w.States), func(i int) string { return w.States[i].ID }); err != nil {
		return err
	}
	if _, err := w.InitialState(); err != nil {
		return err
	}
	if err := unique("workflow action", len(w.Actions), func(i int) string { return w.Actions[i].ID }); err != nil {
		return err
	}
	for _, a := range w.Actions {
		if err := validateRules(s, "workflow action "+w.ID+"."+a.ID, a.Rules); err != nil {
			return err
		}
	}
	return nil
}

func validateCron(s *Study, c *Cron) error {
	if (c.Interval == nil) != (c.IntervalUnit == nil) {
		return &ConfigError{Entity: "cron", ID: c.ID, Reason: "interval and intervalUnit must be set together"}
	}
	if c.Interval != nil && *c.Interval <= 0 {
		return &ConfigError{Entity: "cron", ID: c.ID, Reason: fmt.Sprintf("interval must be positive, got %d", *c.Interval)}
	}
	if c.IntervalUnit != nil && !c.IntervalUnit.Valid() {
		return &ConfigError{Entity: "cron", ID: c.ID, Reason: fmt.Sprintf("unknown interval unit %q", *c.IntervalUnit)}
	}
	return validateRules(s, "cron "+c.ID, c.Rules)
}

func validateRules(s *Study, owner string, rules []Rule) error {
	if err := unique("rule", len(rules), func(i int) string { return rules[i].ID }); err != nil {
		return fmt.Errorf("%s: %w", owner, err)
	}
	for _, r := range rules {
		for i, a := range r.Actions {
			if a.ID != "" {
				if err := validateIdentifier("rule action", a.ID); err != nil {
					return fmt.Errorf("%s: rule %s: action %d: %w", owner, r.ID, i, err)
				}
			}
			if err := validateAction(s, a); err != nil {
				return fmt.Errorf("%s: rule %s: action %d: %w", owner, r.ID, i, err)
			}
		}
	}
	return nil
}

func validateAction(s *Study, a RuleAction) error {
	switch a.Kind {
	case ActionSetField:
		dm, err := s.DatasetModel(a.DatasetModelID)
		if err != nil {
			return err
		}
		if _, err := dm.FieldModel(a.FieldModelID); err != nil {
			return err
		}
	case ActionTransitionWorkflow:
		w, err := s.Workflow(a.WorkflowID)
		if err != nil {
			return err
		}
		if _, err := w.State(a.StateID); err != nil {
			return err
		}
	case ActionCreateWorkflow:
		if _, err := s.Workflow(a.WorkflowID); err != nil {
			return err
		}
	case ActionNotify:
		if strings.TrimSpace(a.Subject) == "" {
			return &ConfigError{Entity: "notify action", Reason: "subject is required"}
		}
	case ActionWorkflowAction:
		w, err := s.Workflow(a.WorkflowID)
		if err != nil {
			return err
		}
		if _, err := w.Action(a.ActionID); err != nil {
			return err
		}
	default:
		return &ConfigError{Entity: "rule action", ID: string(a.Kind), Reason: "unknown kind"}
	}
	return nil
}

func validateWorkflowRefs(s *Study, entity, id string, workflowIDs []string) error {
	for _, wid := range workflowIDs {
		if _, err := s.Workflow(wid); err != nil {
			return &ConfigError{Entity: entity, ID: id, Reason: fmt.Sprintf("unknown workflow %q", wid)}
		}
	}
	return nil
}

func unique(entity string, n int, id func(i int) string) error {
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		v := id(i)
		if err := validateIdentifier(entity, v); err != nil {
			return err
		}
		if seen[v] {
			return &ConfigError{Entity: entity, ID: v, Reason: "duplicate id"}
		}
		seen[v] = true
	}
	return nil
}

// validateIdentifier checks that an id is 1-100 characters, starts with a
// letter or underscore and is not a reserved expression keyword
func validateIdentifier(entity, id string) error {
	if len(id) == 0 {
		return &ConfigError{Entity: entity, Reason: "id cannot be empty"}
	}
	if len(id) > 100 {
		return &ConfigError{Entity: entity, ID: id, Reason: fmt.Sprintf("id length %d exceeds maximum of 100 characters", len(id))}
	}
	if !identifierPattern.MatchString(id) {
		return &ConfigError{Entity: entity, ID: id, Reason: "id must start with a letter or underscore, followed by letters, digits, underscores or dashes"}
	}
	if reservedKeywords[id] {
		return &ConfigError{Entity: entity, ID: id, Reason: "id is a reserved keyword"}
	}
	return nil
}

var reservedKeywords = map[string]bool{
	"true":  true,
	"false": true,
	"null":  true,
	"in":    true,
	"as":    true,
	"if":    true,
	"else":  true,
	"for":   true,
	"var":   true,
	"let":   true,
	"const": true,
	"loop":  true,
	"void":  true,
}
