package main

import (
	"context"
	"fmt"

	"github.com/liamcoop/trialrules/audit"
	"github.com/liamcoop/trialrules/internal/config"
	"github.com/liamcoop/trialrules/internal/logger"
	"github.com/liamcoop/trialrules/migrations"
	"github.com/liamcoop/trialrules/rules"
	"github.com/liamcoop/trialrules/scheduler"
	"github.com/liamcoop/trialrules/scope"
	"github.com/liamcoop/trialrules/store"
	"github.com/liamcoop/trialrules/study"
	"github.com/liamcoop/trialrules/workflow"
)

// App holds the wired services of one process
type App struct {
	Config    *config.Config
	Store     store.Store
	Studies   *study.FileProvider
	Audit     *audit.Service
	Machine   *workflow.Machine
	Scopes    *scope.Service
	Engine    *rules.Engine
	Scheduler *scheduler.CronScheduler
	Runner    *scheduler.Runner
}

// openStore connects the configured database
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		if cfg.Database.Migrate {
			logger.Info("applying migrations")
			if err := migrations.Up(cfg.Database.URL); err != nil {
				return nil, err
			}
		}
		return store.OpenPostgres(ctx, cfg.Database.URL, cfg.Pool())
	case config.DriverSQLite:
		return store.OpenSQLite(ctx, cfg.Database.URL)
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
}

// NewApp wires every service on top of s. The study is loaded and its
// expressions compiled before NewApp returns.
func NewApp(cfg *config.Config, s store.Store) (*App, error) {
	app := &App{Config: cfg, Store: s, Audit: audit.NewService()}
	app.Machine = workflow.NewMachine(app.Audit)

	// The provider checks every (re)loaded study against the engine, which
	// itself reads the provider; the closure breaks the cycle.
	app.Studies = study.NewFileProvider(cfg.Study.Path, study.ProviderConfig{TTL: cfg.Study.CacheTTL}, func(st *study.Study) error {
		return app.Engine.CompileStudy(st)
	})

	engine, err := rules.NewEngine(s, app.Studies,
		rules.WithAuditService(app.Audit),
		rules.WithMachine(app.Machine),
	)
	if err != nil {
		return nil, err
	}
	app.Engine = engine

	st, err := app.Studies.Study()
	if err != nil {
		return nil, fmt.Errorf("failed to load study %s: %w", cfg.Study.Path, err)
	}
	logger.Info("study loaded", "study", st.ID, "crons", len(st.Crons), "workflows", len(st.Workflows))

	app.Scopes = scope.NewService(app.Studies, app.Audit, app.Machine)
	app.Scheduler = scheduler.NewCronScheduler(s, app.Studies, app.Engine, app.Audit, nil)

	app.Runner = scheduler.NewRunner()
	sc := cfg.Scheduler
	tasks := []struct {
		task     scheduler.Task
		schedule string
	}{
		{&scheduler.CronSweepTask{Scheduler: app.Scheduler}, sc.CronSchedule},
		{&scheduler.FileCleanupTask{Store: s, MaxAge: sc.FileMaxAge}, sc.FileCleanup},
		{&scheduler.SessionCleanupTask{Store: s, MaxIdle: sc.SessionMaxIdle}, sc.SessionCleanup},
		{&scheduler.MailDispatchTask{
			Store:     s,
			Sender:    scheduler.LogMailSender{},
			Audit:     app.Audit,
			Simulate:  cfg.Simulate(),
			BatchSize: sc.MailBatchSize,
		}, sc.MailDispatch},
	}
	for _, t := range tasks {
		schedule := t.schedule
		if !sc.Enabled {
			schedule = ""
		}
		if err := app.Runner.Register(t.task, schedule); err != nil {
			return nil, err
		}
	}
	return app, nil
}
