package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/trialrules/audit"
	"github.com/liamcoop/trialrules/internal/logger"
	"github.com/liamcoop/trialrules/internal/metrics"
	"github.com/liamcoop/trialrules/rules"
	"github.com/liamcoop/trialrules/store"
	"github.com/liamcoop/trialrules/study"
)

// ScopeResult is the outcome of one cron on one scope
type ScopeResult struct {
	ScopePK int64    `json:"scopePk"`
	Code    string   `json:"code"`
	Fired   []string `json:"fired,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// CronRun is the outcome of one cron over every active scope
type CronRun struct {
	CronID string        `json:"cronId"`
	Scopes []ScopeResult `json:"scopes"`
	Failed int           `json:"failed"`
}

// TickReport summarizes a scheduler tick
type TickReport struct {
	RunID string    `json:"runId"`
	At    time.Time `json:"at"`
	Runs  []CronRun `json:"runs"`
}

// CronScheduler decides which crons are due and runs their rules on every
// active scope, one transaction per scope
type CronScheduler struct {
	store   store.Store
	studies study.Provider
	engine  *rules.Engine
	audit   *audit.Service
	state   RunStateStore
}

// NewCronScheduler creates a scheduler. A nil state keeps run times in memory.
func NewCronScheduler(s store.Store, studies study.Provider, engine *rules.Engine, auditService *audit.Service, state RunStateStore) *CronScheduler {
	if state == nil {
		state = NewMemoryRunState()
	}
	return &CronScheduler{
		store:   s,
		studies: studies,
		engine:  engine,
		audit:   auditService,
		state:   state,
	}
}

// Tick runs every periodic cron due at now. The last run is recorded before
// the cron executes, so a failing cron is not retried before its next
// interval. Failures on one scope never stop the other scopes.
func (c *CronScheduler) Tick(ctx context.Context, now time.Time) (*TickReport, error) {
	start := time.Now()
	defer metrics.ObserveCronSweep(start)

	report := &TickReport{RunID: uuid.NewString(), At: now}

	s, err := c.studies.Study()
	if err != nil {
		logger.Error("cron tick aborted, study unavailable", "run", report.RunID, "error", err)
		return nil, fmt.Errorf("failed to resolve study: %w", err)
	}

	for i := range s.Crons {
		cron := &s.Crons[i]
		if !cron.Periodic() {
			continue
		}
		lastRun, hasRun := c.state.LastRun(cron.ID)
		if !cron.IsDue(lastRun, hasRun, now) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		c.state.SetLastRun(cron.ID, now)
		run, err := c.runOnScopes(ctx, cron, nil)
		if err != nil {
			return report, err
		}
		report.Runs = append(report.Runs, *run)
	}

	logger.Debug("cron tick finished", "run", report.RunID, "crons", len(report.Runs))
	return report, nil
}

// RunCron runs a cron now on every active scope, whether or not it is
// periodic. The run state is left untouched.
func (c *CronScheduler) RunCron(ctx context.Context, cronID string, actor *audit.Actor) (*CronRun, error) {
	s, err := c.studies.Study()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve study: %w", err)
	}
	cron, err := s.Cron(cronID)
	if err != nil {
		return nil, err
	}
	return c.runOnScopes(ctx, cron, actor)
}

// LastRuns reports the last run of every cron of the study
func (c *CronScheduler) LastRuns() (map[string]*time.Time, error) {
	s, err := c.studies.Study()
	if err != nil {
		return nil, err
	}
	out := make(map[string]*time.Time, len(s.Crons))
	for _, cron := range s.Crons {
		if at, ok := c.state.LastRun(cron.ID); ok {
			out[cron.ID] = &at
		} else {
			out[cron.ID] = nil
		}
	}
	return out, nil
}

func (c *CronScheduler) runOnScopes(ctx context.Context, cron *study.Cron, actor *audit.Actor) (*CronRun, error) {
	var scopes []*store.Scope
	err := c.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		scopes, err = tx.ListScopes(ctx, false)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes for cron %s: %w", cron.ID, err)
	}

	run := &CronRun{CronID: cron.ID, Scopes: make([]ScopeResult, 0, len(scopes))}
	for _, scope := range scopes {
		if err := ctx.Err(); err != nil {
			return run, err
		}

		result := ScopeResult{ScopePK: scope.PK, Code: scope.Code}
		fired, err := c.runOnScope(ctx, cron, scope, actor)
		metrics.RecordCronScopeRun(cron.ID, err)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return run, err
			}
			run.Failed++
			result.Error = err.Error()
			logger.Error("cron failed on scope", "cron", cron.ID, "scope", scope.Code, "error", err)
		} else {
			result.Fired = fired
		}
		run.Scopes = append(run.Scopes, result)
	}

	logger.Info("cron executed", "cron", cron.ID, "scopes", len(scopes), "failed", run.Failed)
	return run, nil
}

func (c *CronScheduler) runOnScope(ctx context.Context, cron *study.Cron, scope *store.Scope, actor *audit.Actor) ([]string, error) {
	var fired []string
	err := c.store.InTx(ctx, func(tx store.Tx) error {
		actx, err := c.audit.CreateContext(ctx, tx, actor, "Cron "+cron.ID, time.Time{})
		if err != nil {
			return err
		}
		res, err := c.engine.ExecuteInTx(ctx, tx, rules.NewDataState(scope), cron.Rules, actx)
		if err != nil {
			return err
		}
		fired = res.Fired
		return nil
	})
	return fired, err
}
