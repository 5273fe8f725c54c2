// Package workflow manages workflow status instances attached to scopes,
// events and datasets.
package workflow

import (
	"context"
	"fmt"

	"github.com/liamcoop/trialrules/audit"
	"github.com/liamcoop/trialrules/internal/logger"
	"github.com/liamcoop/trialrules/store"
	"github.com/liamcoop/trialrules/study"
)

const auditEntity = "workflow_status"

// Machine creates and transitions workflow statuses. Every change is audited
// under the caller's audit context.
type Machine struct {
	audit *audit.Service
}

// NewMachine creates a workflow machine
func NewMachine(auditService *audit.Service) *Machine {
	return &Machine{audit: auditService}
}

// Create attaches a new status of wf to owner, at the workflow's initial
// state. The model of owner must declare wf.
func (m *Machine) Create(ctx context.Context, tx store.Tx, owner store.Owner, s *study.Study, wf *study.Workflow, actx *audit.Context) (*store.WorkflowStatus, error) {
	initial, err := wf.InitialState()
	if err != nil {
		return nil, err
	}
	if err := m.checkAllowed(ctx, tx, owner, s, wf.ID); err != nil {
		return nil, err
	}

	status := &store.WorkflowStatus{
		ScopePK:    owner.ScopePK,
		EventPK:    owner.EventPK,
		DatasetPK:  owner.DatasetPK,
		WorkflowID: wf.ID,
		StateID:    initial.ID,
	}
	if err := tx.SaveWorkflowStatus(ctx, status); err != nil {
		return nil, fmt.Errorf("failed to create workflow %s on %s: %w", wf.ID, owner, err)
	}
	if err := m.audit.Trail(ctx, tx, actx, auditEntity, status.PK, status, "Workflow "+wf.ID+" created in state "+initial.ID); err != nil {
		return nil, err
	}

	logger.Debug("workflow status created", "workflow", wf.ID, "owner", owner.String(), "state", initial.ID)
	return status, nil
}

// CreateAll creates a status for every listed workflow that owner does not
// already carry
func (m *Machine) CreateAll(ctx context.Context, tx store.Tx, owner store.Owner, s *study.Study, workflowIDs []string, actx *audit.Context) error {
	for _, id := range workflowIDs {
		wf, err := s.Workflow(id)
		if err != nil {
			return err
		}
		existing, err := m.Find(ctx, tx, owner, id)
		if err != nil && !store.IsNotFound(err) {
			return err
		}
		if existing != nil {
			continue
		}
		if _, err := m.Create(ctx, tx, owner, s, wf, actx); err != nil {
			return err
		}
	}
	return nil
}

// checkAllowed resolves the model of owner and checks that it declares
// workflowID
func (m *Machine) checkAllowed(ctx context.Context, tx store.Tx, owner store.Owner, s *study.Study, workflowID string) error {
	var modelID string
	var declared []string
	switch owner.Kind() {
	case "dataset":
		d, err := tx.GetDataset(ctx, *owner.DatasetPK)
		if err != nil {
			return err
		}
		dm, err := s.DatasetModel(d.ModelID)
		if err != nil {
			return err
		}
		modelID, declared = dm.ID, dm.Workflows
	case "event":
		e, err := tx.GetEvent(ctx, *owner.EventPK)
		if err != nil {
			return err
		}
		em, err := s.EventModel(e.ModelID)
		if err != nil {
			return err
		}
		modelID, declared = em.ID, em.Workflows
	default:
		sc, err := tx.GetScope(ctx, owner.ScopePK)
		if err != nil {
			return err
		}
		sm, err := s.ScopeModel(sc.ModelID)
		if err != nil {
			return err
		}
		modelID, declared = sm.ID, sm.Workflows
	}

	for _, id := range declared {
		if id == workflowID {
			return nil
		}
	}
	return &study.ConfigError{Entity: "workflow", ID: workflowID, Reason: fmt.Sprintf("not allowed for %s model %s", owner.Kind(), modelID)}
}

// Transition moves status to stateID. The target must be declared by wf.
func (m *Machine) Transition(ctx context.Context, tx store.Tx, status *store.WorkflowStatus, wf *study.Workflow, stateID string, actx *audit.Context) error {
	if status.WorkflowID != wf.ID {
		return fmt.Errorf("status %d belongs to workflow %s, not %s", status.PK, status.WorkflowID, wf.ID)
	}
	if _, err := wf.State(stateID); err != nil {
		return err
	}

	from := status.StateID
	status.StateID = stateID
	if err := tx.SaveWorkflowStatus(ctx, status); err != nil {
		status.StateID = from
		return fmt.Errorf("failed to transition workflow %s: %w", wf.ID, err)
	}
	if err := m.audit.Trail(ctx, tx, actx, auditEntity, status.PK, status, fmt.Sprintf("Workflow %s moved from %s to %s", wf.ID, from, stateID)); err != nil {
		return err
	}

	logger.Debug("workflow status transitioned", "workflow", wf.ID, "status", status.PK, "from", from, "to", stateID)
	return nil
}

// Statuses lists the statuses attached to owner
func (m *Machine) Statuses(ctx context.Context, tx store.Tx, owner store.Owner) ([]*store.WorkflowStatus, error) {
	return tx.ListWorkflowStatuses(ctx, owner)
}

// Find returns the status of workflowID on owner
func (m *Machine) Find(ctx context.Context, tx store.Tx, owner store.Owner, workflowID string) (*store.WorkflowStatus, error) {
	statuses, err := tx.ListWorkflowStatuses(ctx, owner)
	if err != nil {
		return nil, err
	}
	for _, st := range statuses {
		if st.WorkflowID == workflowID {
			return st, nil
		}
	}
	return nil, fmt.Errorf("workflow %s on %s: %w", workflowID, owner, store.ErrNotFound)
}

// ImportantStatuses returns the statuses of owner currently in a state
// flagged important
func (m *Machine) ImportantStatuses(ctx context.Context, tx store.Tx, owner store.Owner, s *study.Study) ([]*store.WorkflowStatus, error) {
	statuses, err := tx.ListWorkflowStatuses(ctx, owner)
	if err != nil {
		return nil, err
	}
	var out []*store.WorkflowStatus
	for _, st := range statuses {
		wf, err := s.Workflow(st.WorkflowID)
		if err != nil {
			return nil, err
		}
		for _, important := range wf.StatesImportant() {
			if important.ID == st.StateID {
				out = append(out, st)
				break
			}
		}
	}
	return out, nil
}
