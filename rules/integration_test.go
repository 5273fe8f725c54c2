//go:build integration
// +build integration

package rules_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/liamcoop/trialrules/migrations"
	"github.com/liamcoop/trialrules/rules"
	"github.com/liamcoop/trialrules/store"
	"github.com/liamcoop/trialrules/study"
)

// setupTestDB starts a PostgreSQL container, migrates it and opens a store
func setupTestDB(t *testing.T) (*store.SQLStore, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "password",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}

	host, err := postgres.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := postgres.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}
	connStr := fmt.Sprintf("postgres://postgres:password@%s:%s/testdb?sslmode=disable", host, port.Port())

	if err := migrations.Up(connStr); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	s, err := store.OpenPostgres(ctx, connStr, store.DefaultPoolConfig())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}

	cleanup := func() {
		s.Close()
		postgres.Terminate(ctx)
	}
	return s, cleanup
}

func loadStudy(t *testing.T) *study.Study {
	t.Helper()
	s, err := study.Load("../study/testdata/study.yaml")
	if err != nil {
		t.Fatalf("Failed to load study: %v", err)
	}
	return s
}

func TestPostgresRuleBatch(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	st := loadStudy(t)
	engine, err := rules.NewEngine(s, study.NewStaticProvider(st))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	patient := &store.Scope{Code: "P01", ModelID: "patient"}
	if err := s.InTx(ctx, func(tx store.Tx) error { return tx.SaveScope(ctx, patient) }); err != nil {
		t.Fatalf("Failed to create scope: %v", err)
	}

	batch := []study.Rule{
		{ID: "attach", Actions: []study.RuleAction{{Kind: study.ActionCreateWorkflow, WorkflowID: "review"}}},
		{ID: "age", Actions: []study.RuleAction{{Kind: study.ActionSetField, DatasetModelID: "demography", FieldModelID: "age", Value: "=30 + 4"}}},
		{
			ID:        "review",
			Condition: `fields.demography.age == 34 && workflows.review == "open"`,
			Actions:   []study.RuleAction{{Kind: study.ActionTransitionWorkflow, WorkflowID: "review", StateID: "reviewed"}},
		},
	}

	res, err := engine.Execute(ctx, rules.NewDataState(patient), batch, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Fired) != 3 {
		t.Fatalf("expected 3 fired rules, got %v", res.Fired)
	}

	res, err = engine.ExecuteWorkflowAction(ctx, rules.NewDataState(patient), "review", "lock", nil)
	if err != nil {
		t.Fatalf("ExecuteWorkflowAction: %v", err)
	}
	if len(res.Messages) != 1 || res.Messages[0] != "Patient locked" {
		t.Fatalf("unexpected messages %v", res.Messages)
	}

	err = s.InTx(ctx, func(tx store.Tx) error {
		statuses, err := tx.ListWorkflowStatuses(ctx, store.Owner{ScopePK: patient.PK})
		if err != nil {
			return err
		}
		if len(statuses) != 1 || statuses[0].StateID != "locked" {
			t.Fatalf("expected review locked, got %+v", statuses)
		}
		trails, err := tx.ListAuditTrails(ctx, "workflow_status", statuses[0].PK)
		if err != nil {
			return err
		}
		if len(trails) != 3 {
			t.Fatalf("expected create, review and lock trails, got %d", len(trails))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestPostgresRuleBatchRollsBack(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	engine, err := rules.NewEngine(s, study.NewStaticProvider(loadStudy(t)))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	patient := &store.Scope{Code: "P02", ModelID: "patient"}
	if err := s.InTx(ctx, func(tx store.Tx) error { return tx.SaveScope(ctx, patient) }); err != nil {
		t.Fatalf("Failed to create scope: %v", err)
	}

	batch := []study.Rule{
		{ID: "attach", Actions: []study.RuleAction{{Kind: study.ActionCreateWorkflow, WorkflowID: "review"}}},
		{ID: "bad", Actions: []study.RuleAction{{Kind: study.ActionSetField, DatasetModelID: "demography", FieldModelID: "consent", Value: "perhaps"}}},
	}
	_, err = engine.Execute(ctx, rules.NewDataState(patient), batch, nil)
	var execErr *rules.ExecutionError
	if !errors.As(err, &execErr) || execErr.RuleID != "bad" {
		t.Fatalf("expected an execution error on rule bad, got %v", err)
	}

	err = s.InTx(ctx, func(tx store.Tx) error {
		statuses, err := tx.ListWorkflowStatuses(ctx, store.Owner{ScopePK: patient.PK})
		if err != nil {
			return err
		}
		if len(statuses) != 0 {
			t.Fatalf("workflow created by the failed batch survived: %+v", statuses)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
}
