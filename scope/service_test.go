package scope

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/trialrules/audit"
	"github.com/liamcoop/trialrules/store"
	"github.com/liamcoop/trialrules/study"
	"github.com/liamcoop/trialrules/workflow"
)

func testStudy() *study.Study {
	return &study.Study{
		ID: "S",
		ScopeModels: []study.ScopeModel{
			{ID: "study"},
			{ID: "center", ParentIDs: []string{"study", "center"}},
			{ID: "patient", ParentIDs: []string{"center"}, Workflows: []string{"review"}},
		},
		Workflows: []study.Workflow{{
			ID:             "review",
			InitialStateID: "open",
			States:         []study.WorkflowState{{ID: "open"}, {ID: "done"}},
		}},
	}
}

type fixture struct {
	store   *store.MemoryStore
	svc     *Service
	audit   *audit.Service
	root    *store.Scope
	center  *store.Scope
	sub     *store.Scope
	patient *store.Scope
}

// setupHierarchy builds study > center > sub-center > patient
func setupHierarchy(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	auditService := audit.NewService()
	f := &fixture{
		store: store.NewMemoryStore(),
		audit: auditService,
		svc:   NewService(study.NewStaticProvider(testStudy()), auditService, workflow.NewMachine(auditService)),
	}

	err := f.store.InTx(ctx, func(tx store.Tx) error {
		actx, err := auditService.SystemContext(ctx, tx, "setup")
		require.NoError(t, err)

		f.root, err = f.svc.Create(ctx, tx, "STUDY", "study", nil, actx)
		require.NoError(t, err)
		f.center, err = f.svc.Create(ctx, tx, "C1", "center", store.Int64(f.root.PK), actx)
		require.NoError(t, err)
		f.sub, err = f.svc.Create(ctx, tx, "C1-A", "center", store.Int64(f.center.PK), actx)
		require.NoError(t, err)
		f.patient, err = f.svc.Create(ctx, tx, "P01", "patient", store.Int64(f.sub.PK), actx)
		require.NoError(t, err)
		return nil
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) tx(t *testing.T, fn func(ctx context.Context, tx store.Tx, actx *audit.Context) error) error {
	t.Helper()
	ctx := context.Background()
	return f.store.InTx(ctx, func(tx store.Tx) error {
		actx, err := f.audit.SystemContext(ctx, tx, "test")
		require.NoError(t, err)
		return fn(ctx, tx, actx)
	})
}

func codes(scopes []*store.Scope) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		out = append(out, s.Code)
	}
	return out
}

func TestCreateInitializesModelWorkflows(t *testing.T) {
	f := setupHierarchy(t)

	err := f.tx(t, func(ctx context.Context, tx store.Tx, _ *audit.Context) error {
		statuses, err := tx.ListWorkflowStatuses(ctx, store.Owner{ScopePK: f.patient.PK})
		require.NoError(t, err)
		require.Len(t, statuses, 1)
		assert.Equal(t, "open", statuses[0].StateID)

		trails, err := tx.ListAuditTrails(ctx, auditEntity, f.patient.PK)
		require.NoError(t, err)
		assert.Len(t, trails, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestCreateValidatesModelAndParent(t *testing.T) {
	f := setupHierarchy(t)

	tests := []struct {
		name     string
		code     string
		model    string
		parentPK func() *int64
	}{
		{"unknown model", "X1", "site", func() *int64 { return nil }},
		{"patient under study", "X2", "patient", func() *int64 { return store.Int64(f.root.PK) }},
		{"center without parent", "X3", "center", func() *int64 { return nil }},
		{"duplicate code", "P01", "patient", func() *int64 { return store.Int64(f.center.PK) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.tx(t, func(ctx context.Context, tx store.Tx, actx *audit.Context) error {
				_, err := f.svc.Create(ctx, tx, tt.code, tt.model, tt.parentPK(), actx)
				return err
			})
			assert.Error(t, err)
		})
	}
}

func TestAncestorsAndDescendants(t *testing.T) {
	f := setupHierarchy(t)

	err := f.tx(t, func(ctx context.Context, tx store.Tx, _ *audit.Context) error {
		ancestors, err := f.svc.Ancestors(ctx, tx, f.patient.PK)
		require.NoError(t, err)
		assert.Equal(t, []string{"STUDY", "C1", "C1-A"}, codes(ancestors))

		all, err := f.svc.Descendants(ctx, tx, f.root.PK, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"C1", "C1-A", "P01"}, codes(all))

		patients, err := f.svc.Descendants(ctx, tx, f.root.PK, "patient")
		require.NoError(t, err)
		assert.Equal(t, []string{"P01"}, codes(patients))

		below, err := f.svc.IsDescendantOf(ctx, tx, f.patient.PK, f.center.PK)
		require.NoError(t, err)
		assert.True(t, below)

		below, err = f.svc.IsDescendantOf(ctx, tx, f.center.PK, f.patient.PK)
		require.NoError(t, err)
		assert.False(t, below)
		return nil
	})
	require.NoError(t, err)
}

func TestReparentRejectsCycles(t *testing.T) {
	f := setupHierarchy(t)

	err := f.tx(t, func(ctx context.Context, tx store.Tx, actx *audit.Context) error {
		_, err := f.svc.Reparent(ctx, tx, f.center.PK, store.Int64(f.center.PK), actx)
		assert.ErrorIs(t, err, ErrCycle)

		_, err = f.svc.Reparent(ctx, tx, f.center.PK, store.Int64(f.sub.PK), actx)
		assert.ErrorIs(t, err, ErrCycle)

		moved, err := f.svc.Reparent(ctx, tx, f.sub.PK, store.Int64(f.root.PK), actx)
		require.NoError(t, err)
		assert.Equal(t, f.root.PK, *moved.ParentPK)

		ancestors, err := f.svc.Ancestors(ctx, tx, f.patient.PK)
		require.NoError(t, err)
		assert.Equal(t, []string{"STUDY", "C1-A"}, codes(ancestors))
		return nil
	})
	require.NoError(t, err)
}

func TestRemovedScopesLeaveActiveListing(t *testing.T) {
	f := setupHierarchy(t)

	err := f.tx(t, func(ctx context.Context, tx store.Tx, actx *audit.Context) error {
		require.NoError(t, f.svc.Remove(ctx, tx, f.sub.PK, actx))

		active, err := f.svc.GetAllActive(ctx, tx)
		require.NoError(t, err)
		assert.Equal(t, []string{"STUDY", "C1", "P01"}, codes(active))

		all, err := f.svc.GetAllIncludingRemoved(ctx, tx)
		require.NoError(t, err)
		assert.Len(t, all, 4)

		removed, err := f.svc.Get(ctx, tx, f.sub.PK)
		require.NoError(t, err)
		assert.True(t, removed.Deleted)

		descendants, err := f.svc.Descendants(ctx, tx, f.root.PK, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"C1"}, codes(descendants))

		require.NoError(t, f.svc.Restore(ctx, tx, f.sub.PK, actx))
		active, err = f.svc.GetAllActive(ctx, tx)
		require.NoError(t, err)
		assert.Len(t, active, 4)
		return nil
	})
	require.NoError(t, err)
}
