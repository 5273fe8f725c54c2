package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/trialrules/audit"
	"github.com/liamcoop/trialrules/store"
	"github.com/liamcoop/trialrules/study"
)

const testStudyYAML = `
id: T
scopeModels:
  - id: center
  - id: patient
    parents: [center]
    workflows: [review]
datasetModels:
  - id: demography
    fields:
      - id: age
        type: NUMBER
      - id: consent
        type: BOOLEAN
      - id: birth_date
        type: DATE
      - id: status
        type: STRING
workflows:
  - id: review
    initialState: open
    states:
      - id: open
      - id: reviewed
        important: true
      - id: locked
        important: true
    actions:
      - id: lock
        rules:
          - id: lock_when_reviewed
            condition: workflows.review == "reviewed"
            actions:
              - kind: transition_workflow
                workflow: review
                state: locked
            message: Patient locked
      - id: cycle
        rules:
          - id: again
            actions:
              - kind: workflow_action
                workflow: review
                action: cycle
`

var fixedNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// datasetWorkflowStudyYAML declares a workflow on the dataset model only
const datasetWorkflowStudyYAML = `
id: T2
scopeModels:
  - id: center
  - id: patient
    parents: [center]
    workflows: [review]
datasetModels:
  - id: demography
    workflows: [entry]
    fields:
      - id: age
        type: NUMBER
      - id: status
        type: STRING
workflows:
  - id: review
    initialState: open
    states:
      - id: open
      - id: reviewed
  - id: entry
    initialState: draft
    states:
      - id: draft
      - id: checked
`

type fixture struct {
	store   *store.MemoryStore
	study   *study.Study
	engine  *Engine
	center  *store.Scope
	patient *store.Scope
}

func setup(t *testing.T) *fixture {
	return setupStudy(t, testStudyYAML)
}

func setupStudy(t *testing.T, doc string) *fixture {
	t.Helper()
	ctx := context.Background()

	s, err := study.Parse([]byte(doc))
	require.NoError(t, err)

	f := &fixture{store: store.NewMemoryStore(), study: s}
	f.engine, err = NewEngine(f.store, study.NewStaticProvider(s), WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	require.NoError(t, f.engine.CompileStudy(s))

	err = f.store.InTx(ctx, func(tx store.Tx) error {
		f.center = &store.Scope{Code: "C1", ModelID: "center"}
		require.NoError(t, tx.SaveScope(ctx, f.center))
		f.patient = &store.Scope{Code: "P01", ModelID: "patient", ParentPK: store.Int64(f.center.PK)}
		require.NoError(t, tx.SaveScope(ctx, f.patient))

		actx, err := f.engine.audit.SystemContext(ctx, tx, "setup")
		require.NoError(t, err)
		wf, err := s.Workflow("review")
		require.NoError(t, err)
		_, err = f.engine.machine.Create(ctx, tx, store.Owner{ScopePK: f.patient.PK}, s, wf, actx)
		return err
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) state() *DataState {
	return NewDataState(f.patient)
}

func (f *fixture) reviewState(t *testing.T) string {
	t.Helper()
	var stateID string
	err := f.store.InTx(context.Background(), func(tx store.Tx) error {
		st, err := f.engine.machine.Find(context.Background(), tx, store.Owner{ScopePK: f.patient.PK}, "review")
		if err != nil {
			return err
		}
		stateID = st.StateID
		return nil
	})
	require.NoError(t, err)
	return stateID
}

func (f *fixture) fields(t *testing.T) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := f.store.InTx(context.Background(), func(tx store.Tx) error {
		datasets, err := tx.ListDatasets(context.Background(), f.patient.PK, nil)
		if err != nil {
			return err
		}
		for _, d := range datasets {
			fields, err := tx.ListFields(context.Background(), d.PK)
			if err != nil {
				return err
			}
			for _, fl := range fields {
				out[d.ModelID+"."+fl.ModelID] = fl.Value
			}
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func setFieldRule(id, condition, field, value string) study.Rule {
	return study.Rule{
		ID:        id,
		Condition: condition,
		Actions: []study.RuleAction{{
			Kind:           study.ActionSetField,
			DatasetModelID: "demography",
			FieldModelID:   field,
			Value:          value,
		}},
	}
}

func TestLaterRulesSeeEarlierEffects(t *testing.T) {
	f := setup(t)
	rules := []study.Rule{
		{
			ID:        "review",
			Condition: `workflows.review == "open"`,
			Actions: []study.RuleAction{{
				Kind:       study.ActionTransitionWorkflow,
				WorkflowID: "review",
				StateID:    "reviewed",
			}},
			Message: "reviewed",
		},
		setFieldRule("observe", `workflows.review == "reviewed"`, "status", "seen"),
	}

	res, err := f.engine.Execute(context.Background(), f.state(), rules, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"review", "observe"}, res.Fired)
	assert.Equal(t, 2, res.Actions)
	assert.Equal(t, []string{"reviewed"}, res.Messages)
	assert.Equal(t, "reviewed", f.reviewState(t))
	assert.Equal(t, "seen", f.fields(t)["demography.status"])
}

func TestFailingRuleRollsBackBatch(t *testing.T) {
	f := setup(t)
	rules := []study.Rule{
		setFieldRule("first", "", "status", "written"),
		{ID: "broken", Condition: `1 / (scope.code == "P01" ? 0 : 1) == 1`},
		setFieldRule("never", "", "age", "1"),
	}

	res, err := f.engine.Execute(context.Background(), f.state(), rules, nil)
	require.Error(t, err)
	assert.Nil(t, res)

	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, "broken", execErr.RuleID)
	assert.Equal(t, -1, execErr.ActionIndex)

	assert.Empty(t, f.fields(t), "no effect of the failed batch may remain")
}

func TestNonBooleanConditionDoesNotFire(t *testing.T) {
	f := setup(t)
	rules := []study.Rule{
		setFieldRule("text", `"yes"`, "status", "x"),
		setFieldRule("number", `1`, "status", "y"),
		setFieldRule("null", `fields.demography.age`, "status", "z"),
	}

	res, err := f.engine.Execute(context.Background(), f.state(), rules, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Fired)
	assert.Empty(t, f.fields(t))
}

func TestFormulasAndTypedValues(t *testing.T) {
	f := setup(t)
	rules := []study.Rule{
		setFieldRule("age", "", "age", "=40 + 2"),
		setFieldRule("consent", "", "consent", "true"),
		setFieldRule("birth", "", "birth_date", "=timestamp('1984-05-06T00:00:00Z')"),
		setFieldRule("status", `fields.demography.age > 40 && fields.demography.consent`, "status", `="age " + string(int(fields.demography.age))`),
	}

	res, err := f.engine.Execute(context.Background(), f.state(), rules, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"age", "consent", "birth", "status"}, res.Fired)

	got := f.fields(t)
	assert.Equal(t, "42", got["demography.age"])
	assert.Equal(t, "true", got["demography.consent"])
	assert.Equal(t, "1984-05-06", got["demography.birth_date"])
	assert.Equal(t, "age 42", got["demography.status"])
}

func TestSetFieldRejectsMistypedValue(t *testing.T) {
	f := setup(t)
	_, err := f.engine.Execute(context.Background(), f.state(), []study.Rule{setFieldRule("bad", "", "age", "forty")}, nil)

	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, 0, execErr.ActionIndex)
	assert.Contains(t, err.Error(), "invalid number")
}

func TestSetFieldIsIdempotent(t *testing.T) {
	f := setup(t)
	rules := []study.Rule{setFieldRule("age", "", "age", "42")}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.engine.Execute(ctx, f.state(), rules, nil)
		require.NoError(t, err)
	}

	err := f.store.InTx(ctx, func(tx store.Tx) error {
		datasets, err := tx.ListDatasets(ctx, f.patient.PK, nil)
		require.NoError(t, err)
		require.Len(t, datasets, 1)
		fields, err := tx.ListFields(ctx, datasets[0].PK)
		require.NoError(t, err)
		require.Len(t, fields, 1)
		trails, err := tx.ListAuditTrails(ctx, "field", fields[0].PK)
		require.NoError(t, err)
		assert.Len(t, trails, 1, "rewriting the same value must not be audited")
		assert.Equal(t, audit.SystemName, trails[0].Actor)
		assert.Equal(t, "Rule execution", trails[0].Rationale)
		return nil
	})
	require.NoError(t, err)
}

func TestExecuteUsesCallerAuditContext(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	err := f.store.InTx(ctx, func(tx store.Tx) error {
		actx, err := f.engine.audit.CreateContext(ctx, tx, &audit.Actor{PK: 7, Kind: audit.ActorUser, Name: "jdoe"}, "Manual review", fixedNow)
		require.NoError(t, err)
		_, err = f.engine.ExecuteInTx(ctx, tx, f.state(), []study.Rule{{
			ID: "transition",
			Actions: []study.RuleAction{{
				Kind: study.ActionTransitionWorkflow, WorkflowID: "review", StateID: "reviewed",
			}},
		}}, actx)
		require.NoError(t, err)

		st, err := f.engine.machine.Find(ctx, tx, store.Owner{ScopePK: f.patient.PK}, "review")
		require.NoError(t, err)
		trails, err := tx.ListAuditTrails(ctx, "workflow_status", st.PK)
		require.NoError(t, err)
		last := trails[len(trails)-1]
		assert.Equal(t, "jdoe", last.Actor)
		assert.Equal(t, actx.ActionPK(), last.ActionPK)
		return nil
	})
	require.NoError(t, err)
}

func TestTransitionToCurrentStateIsNoop(t *testing.T) {
	f := setup(t)
	rules := []study.Rule{{
		ID: "stay",
		Actions: []study.RuleAction{{
			Kind: study.ActionTransitionWorkflow, WorkflowID: "review", StateID: "open",
		}},
	}}
	_, err := f.engine.Execute(context.Background(), f.state(), rules, nil)
	require.NoError(t, err)
	assert.Equal(t, "open", f.reviewState(t))
}

func TestCreateWorkflowOnlyWhenAbsent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	rules := []study.Rule{{
		ID:      "create",
		Actions: []study.RuleAction{{Kind: study.ActionCreateWorkflow, WorkflowID: "review"}},
	}}

	_, err := f.engine.Execute(ctx, f.state(), rules, nil)
	require.NoError(t, err)

	err = f.store.InTx(ctx, func(tx store.Tx) error {
		statuses, err := tx.ListWorkflowStatuses(ctx, store.Owner{ScopePK: f.patient.PK})
		require.NoError(t, err)
		assert.Len(t, statuses, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestNotifyQueuesMail(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	rules := []study.Rule{{
		ID: "notify",
		Actions: []study.RuleAction{{
			Kind:       study.ActionNotify,
			Recipients: []string{"monitor@example.org"},
			Subject:    `="Patient " + scope.code`,
			Body:       "Please review.",
		}},
	}}

	_, err := f.engine.Execute(ctx, f.state(), rules, nil)
	require.NoError(t, err)

	err = f.store.InTx(ctx, func(tx store.Tx) error {
		mails, err := tx.ListMails(ctx, store.MailPending, 0)
		require.NoError(t, err)
		require.Len(t, mails, 1)
		assert.Equal(t, "Patient P01", mails[0].Subject)
		assert.Equal(t, "Please review.", mails[0].Body)
		assert.Equal(t, store.StringList{"monitor@example.org"}, mails[0].Recipients)
		return nil
	})
	require.NoError(t, err)
}

func TestCreatedDatasetStartsItsWorkflows(t *testing.T) {
	f := setupStudy(t, datasetWorkflowStudyYAML)
	ctx := context.Background()
	rules := []study.Rule{setFieldRule("age", "", "age", "42")}

	for i := 0; i < 2; i++ {
		_, err := f.engine.Execute(ctx, f.state(), rules, nil)
		require.NoError(t, err)
	}

	err := f.store.InTx(ctx, func(tx store.Tx) error {
		datasets, err := tx.ListDatasets(ctx, f.patient.PK, nil)
		require.NoError(t, err)
		require.Len(t, datasets, 1)

		owner := store.Owner{ScopePK: f.patient.PK, DatasetPK: store.Int64(datasets[0].PK)}
		statuses, err := tx.ListWorkflowStatuses(ctx, owner)
		require.NoError(t, err)
		require.Len(t, statuses, 1, "the dataset workflow is created once, with the dataset")
		assert.Equal(t, "entry", statuses[0].WorkflowID)
		assert.Equal(t, "draft", statuses[0].StateID)

		trails, err := tx.ListAuditTrails(ctx, "workflow_status", statuses[0].PK)
		require.NoError(t, err)
		assert.Len(t, trails, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestWorkflowNotDeclaredByOwnerModelFails(t *testing.T) {
	f := setupStudy(t, datasetWorkflowStudyYAML)
	ctx := context.Background()

	tests := []struct {
		name  string
		state *DataState
		rule  study.Rule
	}{
		{
			name:  "create on a scope model without workflows",
			state: NewDataState(f.center),
			rule: study.Rule{ID: "create", Actions: []study.RuleAction{{
				Kind: study.ActionCreateWorkflow, WorkflowID: "review",
			}}},
		},
		{
			name:  "create a dataset workflow on a scope",
			state: f.state(),
			rule: study.Rule{ID: "create", Actions: []study.RuleAction{{
				Kind: study.ActionCreateWorkflow, WorkflowID: "entry",
			}}},
		},
		{
			name:  "transition a dataset workflow on a scope",
			state: f.state(),
			rule: study.Rule{ID: "move", Actions: []study.RuleAction{{
				Kind: study.ActionTransitionWorkflow, WorkflowID: "entry", StateID: "checked",
			}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Execute(ctx, tt.state, []study.Rule{tt.rule}, nil)
			require.Error(t, err)
			var execErr *ExecutionError
			require.True(t, errors.As(err, &execErr))
			assert.True(t, study.IsConfigError(err))
			assert.Contains(t, err.Error(), "not allowed")

			err = f.store.InTx(ctx, func(tx store.Tx) error {
				statuses, err := tx.ListWorkflowStatuses(ctx, store.Owner{ScopePK: tt.state.Scope.PK})
				require.NoError(t, err)
				for _, st := range statuses {
					assert.Equal(t, "review", st.WorkflowID)
				}
				if tt.state.Scope.PK == f.center.PK {
					assert.Empty(t, statuses)
				}
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestBlockedActionsAreSkipped(t *testing.T) {
	f := setup(t)
	rules := []study.Rule{{
		ID: "fill",
		Actions: []study.RuleAction{
			{ID: "set_age", Kind: study.ActionSetField, DatasetModelID: "demography", FieldModelID: "age", Value: "42"},
			{ID: "set_status", Kind: study.ActionSetField, DatasetModelID: "demography", FieldModelID: "status", Value: "filled"},
			{Kind: study.ActionSetField, DatasetModelID: "demography", FieldModelID: "consent", Value: "true"},
		},
	}}

	res, err := f.engine.Execute(context.Background(), f.state(), rules, nil, BlockActions("set_status"))
	require.NoError(t, err)
	assert.Equal(t, []string{"fill"}, res.Fired)
	assert.Equal(t, 2, res.Actions)

	got := f.fields(t)
	assert.Equal(t, "42", got["demography.age"])
	assert.Equal(t, "true", got["demography.consent"])
	_, written := got["demography.status"]
	assert.False(t, written, "the blocked action must not run")
}

func TestWorkflowAction(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res, err := f.engine.ExecuteWorkflowAction(ctx, f.state(), "review", "lock", nil)
	require.NoError(t, err)
	assert.Empty(t, res.Fired, "patient is not reviewed yet")

	rules := []study.Rule{
		{
			ID: "review",
			Actions: []study.RuleAction{{
				Kind: study.ActionTransitionWorkflow, WorkflowID: "review", StateID: "reviewed",
			}},
		},
		{
			ID:      "then_lock",
			Actions: []study.RuleAction{{Kind: study.ActionWorkflowAction, WorkflowID: "review", ActionID: "lock"}},
		},
	}
	res, err = f.engine.Execute(ctx, f.state(), rules, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"review", "lock_when_reviewed", "then_lock"}, res.Fired)
	assert.Equal(t, []string{"Patient locked"}, res.Messages)
	assert.Equal(t, "locked", f.reviewState(t))
}

func TestWorkflowActionRecursionIsBounded(t *testing.T) {
	f := setup(t)
	_, err := f.engine.ExecuteWorkflowAction(context.Background(), f.state(), "review", "cycle", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nested deeper")
}

func TestWorkflowActionUnknown(t *testing.T) {
	f := setup(t)
	_, err := f.engine.ExecuteWorkflowAction(context.Background(), f.state(), "review", "missing", nil)
	require.Error(t, err)
	assert.True(t, study.IsConfigError(err))
}

func TestPreviewAppliesNothing(t *testing.T) {
	f := setup(t)
	rules := []study.Rule{
		setFieldRule("match", `scope.code == "P01"`, "status", "x"),
		{ID: "broken", Condition: `1 / 0 == 1`},
		setFieldRule("miss", `scope.code == "P02"`, "status", "y"),
	}

	results, err := f.engine.Preview(context.Background(), f.state(), rules)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].Matched)
	assert.Error(t, results[1].Error)
	assert.False(t, results[2].Matched)
	assert.Empty(t, f.fields(t))
}

func TestInvalidDataState(t *testing.T) {
	f := setup(t)
	state := f.state().WithEvent(&store.Event{PK: 99, ScopePK: f.patient.PK + 1})
	_, err := f.engine.Execute(context.Background(), state, nil, nil)
	require.Error(t, err)
}

func TestFactsDefaults(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	err := f.store.InTx(ctx, func(tx store.Tx) error {
		facts, err := f.engine.Facts(ctx, tx, f.study, f.state())
		require.NoError(t, err)

		fields := facts["fields"].(map[string]any)["demography"].(map[string]any)
		assert.Len(t, fields, 4)
		assert.Nil(t, fields["age"])
		assert.Equal(t, map[string]string{"review": "open"}, facts["workflows"])
		assert.Equal(t, fixedNow, facts["now"])
		assert.Equal(t, "patient", facts["scope"].(map[string]any)["model"])
		assert.Empty(t, facts["event"])
		return nil
	})
	require.NoError(t, err)
}

func TestCompileStudyRejectsBrokenExpressions(t *testing.T) {
	f := setup(t)

	broken := *f.study
	broken.Crons = []study.Cron{{
		ID:    "bad",
		Rules: []study.Rule{{ID: "r", Condition: `scope.code ==`}},
	}}
	err := f.engine.CompileStudy(&broken)
	require.Error(t, err)
	assert.True(t, study.IsConfigError(err))
	assert.Contains(t, err.Error(), "cron bad")

	broken.Crons = []study.Cron{{
		ID:    "bad_formula",
		Rules: []study.Rule{setFieldRule("r", "", "status", "=unknown_var +")},
	}}
	err = f.engine.CompileStudy(&broken)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "formula")
}

func TestTypedValue(t *testing.T) {
	tests := []struct {
		typ     study.FieldType
		raw     string
		want    any
		wantErr bool
	}{
		{study.FieldNumber, "12.5", 12.5, false},
		{study.FieldNumber, "", nil, false},
		{study.FieldNumber, "x", nil, true},
		{study.FieldBoolean, "false", false, false},
		{study.FieldBoolean, "maybe", nil, true},
		{study.FieldDate, "2026-01-02", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), false},
		{study.FieldDate, "02/01/2026", nil, true},
		{study.FieldString, "free text", "free text", false},
	}
	for _, tt := range tests {
		got, err := TypedValue(tt.typ, tt.raw)
		if (err != nil) != tt.wantErr {
			t.Fatalf("TypedValue(%s, %q) error = %v, wantErr %v", tt.typ, tt.raw, err, tt.wantErr)
		}
		if !tt.wantErr && got != tt.want {
			t.Fatalf("TypedValue(%s, %q) = %v, want %v", tt.typ, tt.raw, got, tt.want)
		}
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		typ     study.FieldType
		v       any
		want    string
		wantErr bool
	}{
		{study.FieldNumber, int64(3), "3", false},
		{study.FieldNumber, 2.5, "2.5", false},
		{study.FieldNumber, true, "", true},
		{study.FieldBoolean, true, "true", false},
		{study.FieldDate, time.Date(2026, 1, 2, 23, 0, 0, 0, time.UTC), "2026-01-02", false},
		{study.FieldString, int64(4), "4", false},
		{study.FieldString, nil, "", false},
	}
	for _, tt := range tests {
		got, err := FormatValue(tt.typ, tt.v)
		if (err != nil) != tt.wantErr {
			t.Fatalf("FormatValue(%s, %v) error = %v, wantErr %v", tt.typ, tt.v, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("FormatValue(%s, %v) = %q, want %q", tt.typ, tt.v, got, tt.want)
		}
	}
}
