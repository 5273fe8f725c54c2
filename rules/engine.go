// Package rules executes study rules against stored data. Conditions and
// "=" formulas are CEL expressions.
package rules

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/liamcoop/trialrules/audit"
	"github.com/liamcoop/trialrules/store"
	"github.com/liamcoop/trialrules/study"
	"github.com/liamcoop/trialrules/workflow"
)

// costLimit bounds the work of a single expression evaluation
const costLimit = 1000000

// maxDepth bounds nested workflow actions
const maxDepth = 8

// Engine compiles and runs rules. Compiled programs are cached by expression
// and safe for concurrent use.
type Engine struct {
	env      *cel.Env
	store    store.Store
	studies  study.Provider
	audit    *audit.Service
	machine  *workflow.Machine
	handlers map[study.ActionKind]ActionHandler
	programs map[string]cel.Program // expression -> compiled program
	now      func() time.Time
	mu       sync.RWMutex
}

// Option configures an Engine
type Option func(*Engine)

// WithAuditService sets the audit service used for system contexts and trails
func WithAuditService(a *audit.Service) Option {
	return func(en *Engine) {
		en.audit = a
	}
}

// WithMachine sets the workflow machine used by workflow actions
func WithMachine(m *workflow.Machine) Option {
	return func(en *Engine) {
		en.machine = m
	}
}

// WithHandler registers or replaces the handler of an action kind
func WithHandler(kind study.ActionKind, h ActionHandler) Option {
	return func(en *Engine) {
		en.handlers[kind] = h
	}
}

// WithClock sets the clock exposed to expressions as now
func WithClock(now func() time.Time) Option {
	return func(en *Engine) {
		en.now = now
	}
}

// NewEngine creates a rule engine over s, reading configuration from studies
func NewEngine(s store.Store, studies study.Provider, opts ...Option) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("scope", cel.DynType),
		cel.Variable("event", cel.DynType),
		cel.Variable("dataset", cel.DynType),
		cel.Variable("field", cel.DynType),
		cel.Variable("fields", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("workflows", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("now", cel.TimestampType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	en := &Engine{
		env:      env,
		store:    s,
		studies:  studies,
		handlers: defaultHandlers(),
		programs: make(map[string]cel.Program),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(en)
	}
	if en.audit == nil {
		en.audit = audit.NewService(audit.WithClock(en.now))
	}
	if en.machine == nil {
		en.machine = workflow.NewMachine(en.audit)
	}

	return en, nil
}

// Compile compiles an expression, reusing the cached program when present
func (en *Engine) Compile(expression string) (cel.Program, error) {
	en.mu.RLock()
	prog, ok := en.programs[expression]
	en.mu.RUnlock()
	if ok {
		return prog, nil
	}

	ast, issues := en.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	prog, err := en.env.Program(ast,
		cel.EvalOptions(cel.OptTrackState),
		cel.CostLimit(costLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	en.mu.Lock()
	en.programs[expression] = prog
	en.mu.Unlock()

	return prog, nil
}

// CompileStudy compiles every condition and formula of s so that broken
// expressions surface when the study is loaded
func (en *Engine) CompileStudy(s *study.Study) error {
	check := func(owner string, rules []study.Rule) error {
		for _, r := range rules {
			if r.Condition != "" {
				if _, err := en.Compile(r.Condition); err != nil {
					return &study.ConfigError{Entity: "rule", ID: r.ID, Reason: fmt.Sprintf("%s: condition: %v", owner, err)}
				}
			}
			for i, a := range r.Actions {
				for _, v := range []string{a.Value, a.Subject, a.Body} {
					if !study.IsFormula(v) {
						continue
					}
					if _, err := en.Compile(study.FormulaExpression(v)); err != nil {
						return &study.ConfigError{Entity: "rule", ID: r.ID, Reason: fmt.Sprintf("%s: action %d: formula: %v", owner, i, err)}
					}
				}
			}
		}
		return nil
	}

	for _, w := range s.Workflows {
		for _, a := range w.Actions {
			if err := check("workflow action "+w.ID+"."+a.ID, a.Rules); err != nil {
				return err
			}
		}
	}
	for _, c := range s.Crons {
		if err := check("cron "+c.ID, c.Rules); err != nil {
			return err
		}
	}
	return nil
}

// EvaluateRule evaluates the condition of r against facts. An empty
// condition holds; a non-boolean result does not.
func (en *Engine) EvaluateRule(r *study.Rule, facts map[string]any) (*EvaluationResult, error) {
	if r.Condition == "" {
		return &EvaluationResult{RuleID: r.ID, Matched: true}, nil
	}

	prog, err := en.Compile(r.Condition)
	if err != nil {
		return &EvaluationResult{RuleID: r.ID, Error: err}, err
	}

	out, details, err := prog.Eval(facts)
	if err != nil {
		return &EvaluationResult{RuleID: r.ID, Error: err}, err
	}

	matched := false
	if boolVal, ok := out.Value().(bool); ok {
		matched = boolVal
	}

	return &EvaluationResult{
		RuleID:  r.ID,
		Matched: matched,
		Trace:   details.State(),
	}, nil
}

// evaluate runs an expression and returns its native value
func (en *Engine) evaluate(expression string, facts map[string]any) (any, error) {
	prog, err := en.Compile(expression)
	if err != nil {
		return nil, err
	}
	out, _, err := prog.Eval(facts)
	if err != nil {
		return nil, err
	}
	if out.Type() == types.NullType {
		return nil, nil
	}
	return out.Value(), nil
}
