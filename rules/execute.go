package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/liamcoop/trialrules/audit"
	"github.com/liamcoop/trialrules/internal/logger"
	"github.com/liamcoop/trialrules/internal/metrics"
	"github.com/liamcoop/trialrules/store"
	"github.com/liamcoop/trialrules/study"
)

// Run is the state shared by the actions of one batch
type Run struct {
	Tx     store.Tx
	Study  *study.Study
	State  *DataState
	Audit  *audit.Context
	Facts  map[string]any
	Result *Result

	engine  *Engine
	depth   int
	blocked map[string]bool
}

// ExecOption adjusts a single execution
type ExecOption func(*Run)

// BlockActions skips the actions with the given ids in the executed rules.
// Rules of nested workflow actions are not affected.
func BlockActions(ids ...string) ExecOption {
	return func(r *Run) {
		if r.blocked == nil {
			r.blocked = make(map[string]bool, len(ids))
		}
		for _, id := range ids {
			r.blocked[id] = true
		}
	}
}

// Engine returns the engine executing the batch
func (r *Run) Engine() *Engine {
	return r.engine
}

// Resolve returns value, evaluating it first when it is a formula
func (r *Run) Resolve(value string) (any, error) {
	if !study.IsFormula(value) {
		return value, nil
	}
	return r.engine.evaluate(study.FormulaExpression(value), r.Facts)
}

// Execute runs rules against state in a new transaction. Either every effect
// of the batch is committed or none is. A nil actx runs the batch as SYSTEM.
func (en *Engine) Execute(ctx context.Context, state *DataState, rules []study.Rule, actx *audit.Context, opts ...ExecOption) (*Result, error) {
	var result *Result
	err := en.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		result, err = en.ExecuteInTx(ctx, tx, state, rules, actx, opts...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ExecuteInTx runs rules inside the caller's transaction. Rules run in order
// and each one sees the effects of the previous ones. The first failing
// condition or action stops the batch and its error is returned; the caller
// must then roll back.
func (en *Engine) ExecuteInTx(ctx context.Context, tx store.Tx, state *DataState, rules []study.Rule, actx *audit.Context, opts ...ExecOption) (*Result, error) {
	start := time.Now()

	if err := state.Validate(); err != nil {
		return nil, err
	}
	s, err := en.studies.Study()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve study: %w", err)
	}

	if actx == nil {
		actx, err = en.audit.SystemContext(ctx, tx, "Rule execution")
		if err != nil {
			return nil, err
		}
	}

	run := &Run{
		Tx:     tx,
		Study:  s,
		State:  state,
		Audit:  actx,
		Result: &Result{},
		engine: en,
	}
	for _, opt := range opts {
		opt(run)
	}

	err = en.runRules(ctx, run, rules)
	metrics.ObserveRuleBatch(start, len(run.Result.Fired), err)
	if err != nil {
		logger.Debug("rule batch failed", "scope", state.Scope.PK, "error", err)
		return nil, err
	}
	return run.Result, nil
}

// ExecuteAs runs rules in a new transaction under an audit context created
// for actor in that transaction. A nil actor is SYSTEM.
func (en *Engine) ExecuteAs(ctx context.Context, state *DataState, rules []study.Rule, actor *audit.Actor, rationale string, opts ...ExecOption) (*Result, error) {
	var result *Result
	err := en.store.InTx(ctx, func(tx store.Tx) error {
		actx, err := en.audit.CreateContext(ctx, tx, actor, rationale, time.Time{})
		if err != nil {
			return err
		}
		result, err = en.ExecuteInTx(ctx, tx, state, rules, actx, opts...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ExecuteWorkflowAction runs the rules of a workflow action for state on
// behalf of actor
func (en *Engine) ExecuteWorkflowAction(ctx context.Context, state *DataState, workflowID, actionID string, actor *audit.Actor) (*Result, error) {
	s, err := en.studies.Study()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve study: %w", err)
	}
	wf, err := s.Workflow(workflowID)
	if err != nil {
		return nil, err
	}
	action, err := wf.Action(actionID)
	if err != nil {
		return nil, err
	}
	return en.ExecuteAs(ctx, state, action.Rules, actor, fmt.Sprintf("Workflow action %s.%s", wf.ID, action.ID))
}

// Preview evaluates the conditions of rules without applying any action.
// Evaluation continues past failing conditions.
func (en *Engine) Preview(ctx context.Context, state *DataState, rules []study.Rule) ([]*EvaluationResult, error) {
	if err := state.Validate(); err != nil {
		return nil, err
	}
	s, err := en.studies.Study()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve study: %w", err)
	}

	var results []*EvaluationResult
	err = en.store.InTx(ctx, func(tx store.Tx) error {
		facts, err := en.Facts(ctx, tx, s, state)
		if err != nil {
			return err
		}
		results = make([]*EvaluationResult, 0, len(rules))
		for i := range rules {
			res, _ := en.EvaluateRule(&rules[i], facts)
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (en *Engine) runRules(ctx context.Context, run *Run, rules []study.Rule) error {
	if run.depth > maxDepth {
		return fmt.Errorf("workflow actions nested deeper than %d levels", maxDepth)
	}

	for i := range rules {
		r := &rules[i]
		if err := ctx.Err(); err != nil {
			return err
		}

		facts, err := en.Facts(ctx, run.Tx, run.Study, run.State)
		if err != nil {
			return &ExecutionError{RuleID: r.ID, ActionIndex: -1, Err: err}
		}
		run.Facts = facts

		eval, err := en.EvaluateRule(r, facts)
		if err != nil {
			return &ExecutionError{RuleID: r.ID, ActionIndex: -1, Err: err}
		}
		if !eval.Matched {
			continue
		}

		for j, action := range r.Actions {
			if action.ID != "" && run.blocked[action.ID] {
				logger.Trace("rule action blocked", "rule", r.ID, "action", action.ID)
				continue
			}
			handler, ok := en.handlers[action.Kind]
			if !ok {
				return &ExecutionError{RuleID: r.ID, ActionIndex: j, Err: fmt.Errorf("no handler for action kind %s", action.Kind)}
			}
			if err := handler.Apply(ctx, run, action); err != nil {
				return &ExecutionError{RuleID: r.ID, ActionIndex: j, Err: err}
			}
			run.Result.Actions++
		}

		run.Result.Fired = append(run.Result.Fired, r.ID)
		if r.Message != "" {
			run.Result.Messages = append(run.Result.Messages, r.Message)
		}
		logger.Trace("rule fired", "rule", r.ID, "scope", run.State.Scope.PK)
	}
	return nil
}
