package rules

import (
	"context"
	"fmt"

	"github.com/liamcoop/trialrules/store"
	"github.com/liamcoop/trialrules/study"
)

// ActionHandler applies one kind of rule action
type ActionHandler interface {
	Apply(ctx context.Context, run *Run, action study.RuleAction) error
}

// ActionHandlerFunc adapts a function to ActionHandler
type ActionHandlerFunc func(ctx context.Context, run *Run, action study.RuleAction) error

// Apply calls f
func (f ActionHandlerFunc) Apply(ctx context.Context, run *Run, action study.RuleAction) error {
	return f(ctx, run, action)
}

func defaultHandlers() map[study.ActionKind]ActionHandler {
	return map[study.ActionKind]ActionHandler{
		study.ActionSetField:           ActionHandlerFunc(setField),
		study.ActionTransitionWorkflow: ActionHandlerFunc(transitionWorkflow),
		study.ActionCreateWorkflow:     ActionHandlerFunc(createWorkflow),
		study.ActionNotify:             ActionHandlerFunc(notify),
		study.ActionWorkflowAction:     ActionHandlerFunc(workflowAction),
	}
}

// setField writes a field of the focused dataset, or of the first dataset of
// the requested model in the focused scope or event, creating it if needed.
// Writing the value already stored is a no-op.
func setField(ctx context.Context, run *Run, action study.RuleAction) error {
	dm, err := run.Study.DatasetModel(action.DatasetModelID)
	if err != nil {
		return err
	}
	fm, err := dm.FieldModel(action.FieldModelID)
	if err != nil {
		return err
	}

	resolved, err := run.Resolve(action.Value)
	if err != nil {
		return fmt.Errorf("failed to evaluate value of %s.%s: %w", dm.ID, fm.ID, err)
	}
	value, err := FormatValue(fm.Type, resolved)
	if err != nil {
		return err
	}
	if _, err := TypedValue(fm.Type, value); err != nil {
		return fmt.Errorf("field %s.%s: %w", dm.ID, fm.ID, err)
	}

	dataset, err := targetDataset(ctx, run, dm)
	if err != nil {
		return err
	}

	fields, err := run.Tx.ListFields(ctx, dataset.PK)
	if err != nil {
		return err
	}
	var field *store.Field
	for _, f := range fields {
		if f.ModelID == fm.ID {
			field = f
			break
		}
	}
	if field == nil {
		field = &store.Field{DatasetPK: dataset.PK, ModelID: fm.ID}
	} else if field.Value == value {
		return nil
	}

	field.Value = value
	if err := run.Tx.SaveField(ctx, field); err != nil {
		return fmt.Errorf("failed to save field %s.%s: %w", dm.ID, fm.ID, err)
	}
	return run.engine.audit.Trail(ctx, run.Tx, run.Audit, "field", field.PK, field, "")
}

// targetDataset finds the dataset of dm to write to. A dataset created here
// starts the workflows its model declares.
func targetDataset(ctx context.Context, run *Run, dm *study.DatasetModel) (*store.Dataset, error) {
	modelID := dm.ID
	state := run.State
	if state.Dataset != nil && state.Dataset.ModelID == modelID {
		return run.Tx.GetDataset(ctx, state.Dataset.PK)
	}

	var eventPK *int64
	if state.Event != nil {
		eventPK = store.Int64(state.Event.PK)
	}
	datasets, err := run.Tx.ListDatasets(ctx, state.Scope.PK, eventPK)
	if err != nil {
		return nil, err
	}
	for _, d := range datasets {
		if d.ModelID == modelID && !d.Deleted {
			return d, nil
		}
	}

	dataset := &store.Dataset{ScopePK: state.Scope.PK, EventPK: eventPK, ModelID: modelID}
	if err := run.Tx.SaveDataset(ctx, dataset); err != nil {
		return nil, fmt.Errorf("failed to create dataset %s: %w", modelID, err)
	}
	if err := run.engine.audit.Trail(ctx, run.Tx, run.Audit, "dataset", dataset.PK, dataset, ""); err != nil {
		return nil, err
	}
	owner := store.Owner{ScopePK: dataset.ScopePK, EventPK: dataset.EventPK, DatasetPK: store.Int64(dataset.PK)}
	if err := run.engine.machine.CreateAll(ctx, run.Tx, owner, run.Study, dm.Workflows, run.Audit); err != nil {
		return nil, err
	}
	return dataset, nil
}

// transitionWorkflow moves the workflow of the target entity to the requested
// state. A missing status is created at the initial state first.
func transitionWorkflow(ctx context.Context, run *Run, action study.RuleAction) error {
	wf, err := run.Study.Workflow(action.WorkflowID)
	if err != nil {
		return err
	}
	owner, err := run.State.OwnerFor(action.Target)
	if err != nil {
		return err
	}

	machine := run.engine.machine
	status, err := machine.Find(ctx, run.Tx, owner, wf.ID)
	if store.IsNotFound(err) {
		status, err = machine.Create(ctx, run.Tx, owner, run.Study, wf, run.Audit)
	}
	if err != nil {
		return err
	}
	if status.StateID == action.StateID {
		return nil
	}
	return machine.Transition(ctx, run.Tx, status, wf, action.StateID, run.Audit)
}

// createWorkflow attaches a workflow to the target entity unless present
func createWorkflow(ctx context.Context, run *Run, action study.RuleAction) error {
	wf, err := run.Study.Workflow(action.WorkflowID)
	if err != nil {
		return err
	}
	owner, err := run.State.OwnerFor(action.Target)
	if err != nil {
		return err
	}

	machine := run.engine.machine
	_, err = machine.Find(ctx, run.Tx, owner, wf.ID)
	if err == nil {
		return nil
	}
	if !store.IsNotFound(err) {
		return err
	}
	_, err = machine.Create(ctx, run.Tx, owner, run.Study, wf, run.Audit)
	return err
}

// notify queues a mail for the dispatch task
func notify(ctx context.Context, run *Run, action study.RuleAction) error {
	subject, err := resolveText(run, action.Subject)
	if err != nil {
		return fmt.Errorf("failed to evaluate subject: %w", err)
	}
	body, err := resolveText(run, action.Body)
	if err != nil {
		return fmt.Errorf("failed to evaluate body: %w", err)
	}

	mail := &store.Mail{
		Recipients: append(store.StringList(nil), action.Recipients...),
		Subject:    subject,
		Body:       body,
		Status:     store.MailPending,
	}
	if err := run.Tx.SaveMail(ctx, mail); err != nil {
		return fmt.Errorf("failed to queue mail: %w", err)
	}
	return run.engine.audit.Trail(ctx, run.Tx, run.Audit, "mail", mail.PK, mail, "")
}

func resolveText(run *Run, value string) (string, error) {
	v, err := run.Resolve(value)
	if err != nil {
		return "", err
	}
	return FormatValue(study.FieldString, v)
}

// workflowAction runs the rules of a workflow action within the same batch
func workflowAction(ctx context.Context, run *Run, action study.RuleAction) error {
	wf, err := run.Study.Workflow(action.WorkflowID)
	if err != nil {
		return err
	}
	wa, err := wf.Action(action.ActionID)
	if err != nil {
		return err
	}

	run.depth++
	defer func() { run.depth-- }()

	facts, blocked := run.Facts, run.blocked
	run.blocked = nil
	defer func() { run.Facts, run.blocked = facts, blocked }()

	return run.engine.runRules(ctx, run, wa.Rules)
}
