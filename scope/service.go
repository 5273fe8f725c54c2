// Package scope maintains the scope hierarchy: creation, reparenting, soft
// deletion and ancestor/descendant traversal.
package scope

import (
	"context"
	"errors"
	"fmt"

	"github.com/liamcoop/trialrules/audit"
	"github.com/liamcoop/trialrules/store"
	"github.com/liamcoop/trialrules/study"
)

const auditEntity = "scope"

var (
	// ErrCycle is returned when a change would make a scope its own ancestor
	ErrCycle = errors.New("scope hierarchy cycle")
	// ErrCodeUsed is returned when a scope code is already taken
	ErrCodeUsed = errors.New("scope code already used")
)

// WorkflowInitializer creates the workflows declared on a new entity
type WorkflowInitializer interface {
	CreateAll(ctx context.Context, tx store.Tx, owner store.Owner, s *study.Study, workflowIDs []string, actx *audit.Context) error
}

// Service operates on scopes inside a caller-provided transaction
type Service struct {
	studies   study.Provider
	audit     *audit.Service
	workflows WorkflowInitializer
}

// NewService creates a scope service. workflows may be nil, in which case
// new scopes get no workflow statuses.
func NewService(studies study.Provider, auditService *audit.Service, workflows WorkflowInitializer) *Service {
	return &Service{studies: studies, audit: auditService, workflows: workflows}
}

// GetAllIncludingRemoved returns every scope, removed ones included
func (s *Service) GetAllIncludingRemoved(ctx context.Context, tx store.ScopeTx) ([]*store.Scope, error) {
	return tx.ListScopes(ctx, true)
}

// GetAllActive returns the scopes that are not removed, ordered by pk
func (s *Service) GetAllActive(ctx context.Context, tx store.ScopeTx) ([]*store.Scope, error) {
	return tx.ListScopes(ctx, false)
}

// Get returns a scope by pk, removed or not
func (s *Service) Get(ctx context.Context, tx store.ScopeTx, pk int64) (*store.Scope, error) {
	return tx.GetScope(ctx, pk)
}

// Ancestors returns the ancestors of pk, root first
func (s *Service) Ancestors(ctx context.Context, tx store.ScopeTx, pk int64) ([]*store.Scope, error) {
	current, err := tx.GetScope(ctx, pk)
	if err != nil {
		return nil, err
	}

	var chain []*store.Scope
	seen := map[int64]bool{pk: true}
	for current.ParentPK != nil {
		parentPK := *current.ParentPK
		if seen[parentPK] {
			return nil, fmt.Errorf("scope %d: %w", pk, ErrCycle)
		}
		seen[parentPK] = true

		parent, err := tx.GetScope(ctx, parentPK)
		if err != nil {
			return nil, err
		}
		chain = append(chain, parent)
		current = parent
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Descendants returns the active descendants of pk in breadth-first order.
// A non-empty modelID keeps only descendants of that model.
func (s *Service) Descendants(ctx context.Context, tx store.ScopeTx, pk int64, modelID string) ([]*store.Scope, error) {
	if _, err := tx.GetScope(ctx, pk); err != nil {
		return nil, err
	}

	var out []*store.Scope
	queue := []int64{pk}
	seen := map[int64]bool{pk: true}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		children, err := tx.ListChildScopes(ctx, next)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if seen[child.PK] {
				return nil, fmt.Errorf("scope %d: %w", pk, ErrCycle)
			}
			seen[child.PK] = true
			if child.Deleted {
				continue
			}
			queue = append(queue, child.PK)
			if modelID == "" || child.ModelID == modelID {
				out = append(out, child)
			}
		}
	}
	return out, nil
}

// IsDescendantOf reports whether pk is below ancestorPK
func (s *Service) IsDescendantOf(ctx context.Context, tx store.ScopeTx, pk, ancestorPK int64) (bool, error) {
	ancestors, err := s.Ancestors(ctx, tx, pk)
	if err != nil {
		return false, err
	}
	for _, a := range ancestors {
		if a.PK == ancestorPK {
			return true, nil
		}
	}
	return false, nil
}

// Create adds a scope of modelID under parentPK. The model must exist and
// accept the parent's model; root models take no parent.
func (s *Service) Create(ctx context.Context, tx store.Tx, code, modelID string, parentPK *int64, actx *audit.Context) (*store.Scope, error) {
	st, err := s.studies.Study()
	if err != nil {
		return nil, err
	}
	model, err := st.ScopeModel(modelID)
	if err != nil {
		return nil, err
	}
	if err := s.checkParent(ctx, tx, model, parentPK); err != nil {
		return nil, err
	}
	if err := s.checkCode(ctx, tx, code, 0); err != nil {
		return nil, err
	}

	sc := &store.Scope{Code: code, ModelID: modelID, ParentPK: parentPK}
	if err := tx.SaveScope(ctx, sc); err != nil {
		return nil, fmt.Errorf("failed to create scope %s: %w", code, err)
	}
	if err := s.audit.Trail(ctx, tx, actx, auditEntity, sc.PK, sc, "Scope created"); err != nil {
		return nil, err
	}

	if s.workflows != nil && len(model.Workflows) > 0 {
		if err := s.workflows.CreateAll(ctx, tx, store.Owner{ScopePK: sc.PK}, st, model.Workflows, actx); err != nil {
			return nil, err
		}
	}
	return sc, nil
}

// Reparent moves pk under newParentPK. Moving a scope under itself or one
// of its descendants is rejected.
func (s *Service) Reparent(ctx context.Context, tx store.Tx, pk int64, newParentPK *int64, actx *audit.Context) (*store.Scope, error) {
	sc, err := tx.GetScope(ctx, pk)
	if err != nil {
		return nil, err
	}
	st, err := s.studies.Study()
	if err != nil {
		return nil, err
	}
	model, err := st.ScopeModel(sc.ModelID)
	if err != nil {
		return nil, err
	}

	if newParentPK != nil {
		if *newParentPK == pk {
			return nil, fmt.Errorf("scope %d cannot be its own parent: %w", pk, ErrCycle)
		}
		below, err := s.IsDescendantOf(ctx, tx, *newParentPK, pk)
		if err != nil {
			return nil, err
		}
		if below {
			return nil, fmt.Errorf("scope %d cannot move under its descendant %d: %w", pk, *newParentPK, ErrCycle)
		}
	}
	if err := s.checkParent(ctx, tx, model, newParentPK); err != nil {
		return nil, err
	}

	sc.ParentPK = newParentPK
	if err := tx.SaveScope(ctx, sc); err != nil {
		return nil, fmt.Errorf("failed to reparent scope %d: %w", pk, err)
	}
	if err := s.audit.Trail(ctx, tx, actx, auditEntity, sc.PK, sc, "Scope moved"); err != nil {
		return nil, err
	}
	return sc, nil
}

// Remove soft deletes a scope
func (s *Service) Remove(ctx context.Context, tx store.Tx, pk int64, actx *audit.Context) error {
	return s.setDeleted(ctx, tx, pk, true, "Scope removed", actx)
}

// Restore undoes Remove
func (s *Service) Restore(ctx context.Context, tx store.Tx, pk int64, actx *audit.Context) error {
	return s.setDeleted(ctx, tx, pk, false, "Scope restored", actx)
}

func (s *Service) setDeleted(ctx context.Context, tx store.Tx, pk int64, deleted bool, rationale string, actx *audit.Context) error {
	sc, err := tx.GetScope(ctx, pk)
	if err != nil {
		return err
	}
	if sc.Deleted == deleted {
		return nil
	}
	sc.Deleted = deleted
	if err := tx.SaveScope(ctx, sc); err != nil {
		return fmt.Errorf("failed to update scope %d: %w", pk, err)
	}
	return s.audit.Trail(ctx, tx, actx, auditEntity, sc.PK, sc, rationale)
}

func (s *Service) checkParent(ctx context.Context, tx store.ScopeTx, model *study.ScopeModel, parentPK *int64) error {
	if parentPK == nil {
		if len(model.ParentIDs) > 0 {
			return &study.ConfigError{Entity: "scope model", ID: model.ID, Reason: "a parent scope is required"}
		}
		return nil
	}
	parent, err := tx.GetScope(ctx, *parentPK)
	if err != nil {
		return err
	}
	if !model.AllowsParent(parent.ModelID) {
		return &study.ConfigError{Entity: "scope model", ID: model.ID, Reason: fmt.Sprintf("cannot be placed under a %s scope", parent.ModelID)}
	}
	return nil
}

func (s *Service) checkCode(ctx context.Context, tx store.ScopeTx, code string, pk int64) error {
	if code == "" {
		return fmt.Errorf("scope code is required")
	}
	existing, err := tx.GetScopeByCode(ctx, code)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}
	if existing.PK != pk {
		return fmt.Errorf("%s: %w", code, ErrCodeUsed)
	}
	return nil
}
