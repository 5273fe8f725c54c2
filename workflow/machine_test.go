package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/trialrules/audit"
	"github.com/liamcoop/trialrules/store"
	"github.com/liamcoop/trialrules/study"
)

func testStudy() *study.Study {
	return &study.Study{
		ID:          "S",
		ScopeModels: []study.ScopeModel{
			{ID: "center"},
			{ID: "patient", ParentIDs: []string{"center"}, Workflows: []string{"review", "query"}},
		},
		DatasetModels: []study.DatasetModel{{ID: "demography", Workflows: []string{"query"}}},
		Workflows: []study.Workflow{
			{
				ID:             "review",
				InitialStateID: "1",
				States: []study.WorkflowState{
					{ID: "1"},
					{ID: "2"},
					{ID: "3", Important: true},
				},
			},
			{
				ID:             "query",
				InitialStateID: "open",
				States:         []study.WorkflowState{{ID: "open"}, {ID: "closed"}},
			},
		},
	}
}

func setup(t *testing.T) (*store.MemoryStore, *Machine, *audit.Service, int64) {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	auditService := audit.NewService()

	var scopePK int64
	err := s.InTx(ctx, func(tx store.Tx) error {
		sc := &store.Scope{Code: "P01", ModelID: "patient"}
		if err := tx.SaveScope(ctx, sc); err != nil {
			return err
		}
		scopePK = sc.PK
		return nil
	})
	require.NoError(t, err)

	return s, NewMachine(auditService), auditService, scopePK
}

func TestCreateStartsAtInitialState(t *testing.T) {
	ctx := context.Background()
	s, m, auditService, scopePK := setup(t)
	st := testStudy()
	wf, _ := st.Workflow("review")

	err := s.InTx(ctx, func(tx store.Tx) error {
		actx, err := auditService.SystemContext(ctx, tx, "test")
		require.NoError(t, err)

		status, err := m.Create(ctx, tx, store.Owner{ScopePK: scopePK}, st, wf, actx)
		require.NoError(t, err)
		assert.Equal(t, "1", status.StateID)

		trails, err := tx.ListAuditTrails(ctx, auditEntity, status.PK)
		require.NoError(t, err)
		require.Len(t, trails, 1)
		assert.Equal(t, actx.ActionPK(), trails[0].ActionPK)
		return nil
	})
	require.NoError(t, err)
}

func TestCreateFailsOnMisconfiguredInitialState(t *testing.T) {
	ctx := context.Background()
	s, m, auditService, scopePK := setup(t)
	st := testStudy()
	wf := &study.Workflow{ID: "broken", InitialStateID: "nope", States: []study.WorkflowState{{ID: "a"}}}

	err := s.InTx(ctx, func(tx store.Tx) error {
		actx, err := auditService.SystemContext(ctx, tx, "test")
		require.NoError(t, err)
		_, err = m.Create(ctx, tx, store.Owner{ScopePK: scopePK}, st, wf, actx)
		return err
	})
	require.Error(t, err)
	assert.True(t, study.IsConfigError(err))
}

func TestTransition(t *testing.T) {
	ctx := context.Background()
	s, m, auditService, scopePK := setup(t)
	st := testStudy()
	wf, _ := st.Workflow("review")

	err := s.InTx(ctx, func(tx store.Tx) error {
		actx, err := auditService.SystemContext(ctx, tx, "test")
		require.NoError(t, err)

		status, err := m.Create(ctx, tx, store.Owner{ScopePK: scopePK}, st, wf, actx)
		require.NoError(t, err)

		require.NoError(t, m.Transition(ctx, tx, status, wf, "3", actx))
		assert.Equal(t, "3", status.StateID)

		err = m.Transition(ctx, tx, status, wf, "undeclared", actx)
		require.Error(t, err)
		assert.True(t, study.IsConfigError(err))
		assert.Equal(t, "3", status.StateID)

		reloaded, err := tx.GetWorkflowStatus(ctx, status.PK)
		require.NoError(t, err)
		assert.Equal(t, "3", reloaded.StateID)

		important, err := m.ImportantStatuses(ctx, tx, store.Owner{ScopePK: scopePK}, st)
		require.NoError(t, err)
		require.Len(t, important, 1)
		assert.Equal(t, status.PK, important[0].PK)
		return nil
	})
	require.NoError(t, err)
}

func TestTransitionRejectsForeignWorkflow(t *testing.T) {
	ctx := context.Background()
	s, m, auditService, scopePK := setup(t)
	st := testStudy()
	review, _ := st.Workflow("review")
	query, _ := st.Workflow("query")

	err := s.InTx(ctx, func(tx store.Tx) error {
		actx, err := auditService.SystemContext(ctx, tx, "test")
		require.NoError(t, err)
		status, err := m.Create(ctx, tx, store.Owner{ScopePK: scopePK}, st, review, actx)
		require.NoError(t, err)
		return m.Transition(ctx, tx, status, query, "closed", actx)
	})
	assert.Error(t, err)
}

func TestCreateAllSkipsExisting(t *testing.T) {
	ctx := context.Background()
	s, m, auditService, scopePK := setup(t)
	st := testStudy()
	owner := store.Owner{ScopePK: scopePK}

	err := s.InTx(ctx, func(tx store.Tx) error {
		actx, err := auditService.SystemContext(ctx, tx, "test")
		require.NoError(t, err)

		require.NoError(t, m.CreateAll(ctx, tx, owner, st, []string{"review"}, actx))
		require.NoError(t, m.CreateAll(ctx, tx, owner, st, []string{"review", "query"}, actx))

		statuses, err := m.Statuses(ctx, tx, owner)
		require.NoError(t, err)
		assert.Len(t, statuses, 2)

		found, err := m.Find(ctx, tx, owner, "query")
		require.NoError(t, err)
		assert.Equal(t, "open", found.StateID)

		_, err = m.Find(ctx, tx, owner, "other")
		assert.True(t, store.IsNotFound(err))
		return nil
	})
	require.NoError(t, err)
}

func TestCreateRejectsUndeclaredWorkflow(t *testing.T) {
	ctx := context.Background()
	s, m, auditService, scopePK := setup(t)
	st := testStudy()
	review, _ := st.Workflow("review")
	query, _ := st.Workflow("query")

	err := s.InTx(ctx, func(tx store.Tx) error {
		actx, err := auditService.SystemContext(ctx, tx, "test")
		require.NoError(t, err)

		center := &store.Scope{Code: "C1", ModelID: "center"}
		require.NoError(t, tx.SaveScope(ctx, center))
		dataset := &store.Dataset{ScopePK: scopePK, ModelID: "demography"}
		require.NoError(t, tx.SaveDataset(ctx, dataset))

		tests := []struct {
			name    string
			owner   store.Owner
			wf      *study.Workflow
			allowed bool
		}{
			{"scope model without workflows", store.Owner{ScopePK: center.PK}, review, false},
			{"dataset model declaring query", store.Owner{ScopePK: scopePK, DatasetPK: store.Int64(dataset.PK)}, query, true},
			{"dataset model not declaring review", store.Owner{ScopePK: scopePK, DatasetPK: store.Int64(dataset.PK)}, review, false},
		}
		for _, tt := range tests {
			_, err := m.Create(ctx, tx, tt.owner, st, tt.wf, actx)
			if tt.allowed {
				assert.NoError(t, err, tt.name)
				continue
			}
			require.Error(t, err, tt.name)
			assert.True(t, study.IsConfigError(err), tt.name)
			assert.Contains(t, err.Error(), "not allowed", tt.name)
		}

		statuses, err := m.Statuses(ctx, tx, store.Owner{ScopePK: center.PK})
		require.NoError(t, err)
		assert.Empty(t, statuses)
		return nil
	})
	require.NoError(t, err)
}
