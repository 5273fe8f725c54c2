package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/liamcoop/trialrules/audit"
	"github.com/liamcoop/trialrules/internal/config"
	"github.com/liamcoop/trialrules/internal/logger"
	"github.com/liamcoop/trialrules/rules"
	"github.com/liamcoop/trialrules/store"
	"github.com/liamcoop/trialrules/study"
)

// rootOptions holds the global flags of every command
type rootOptions struct {
	ConfigPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "trialrules",
		Short:         "Rule, workflow and cron engine for clinical study data",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", os.Getenv("TRIALRULES_CONFIG"), "config file (yaml)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newValidateCommand())
	cmd.AddCommand(newRunCronCommand(opts))
	return cmd
}

// loadConfig reads the configuration and switches the process logger to it
func loadConfig(ctx context.Context, opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Setup(ctx, cfg.LoggerOptions()); err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	return cfg, nil
}

func newServeCommand(root *rootOptions) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API and the task scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(ctx, root)
			if err != nil {
				return err
			}
			defer func() {
				if err := logger.Shutdown(context.Background()); err != nil {
					fmt.Fprintln(os.Stderr, "logger shutdown:", err)
				}
			}()
			if cmd.Flags().Changed("migrate") {
				cfg.Database.Migrate = migrate
			}
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply database migrations before serving (postgres)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	s, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer s.Close()

	app, err := NewApp(cfg, s)
	if err != nil {
		return err
	}
	app.Runner.Start()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      NewServer(app),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Server.Port, "env", cfg.Env, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}
	if err := app.Runner.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler did not stop in time", "error", err)
	}
	logger.Info("server stopped")
	return nil
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <study.yaml>",
		Short: "Check a study file and compile its expressions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := study.Load(args[0])
			if err != nil {
				return err
			}
			engine, err := rules.NewEngine(store.NewMemoryStore(), study.NewStaticProvider(st))
			if err != nil {
				return err
			}
			if err := engine.CompileStudy(st); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "study %s is valid: %d scope models, %d workflows, %d crons\n",
				st.ID, len(st.ScopeModels), len(st.Workflows), len(st.Crons))
			return nil
		},
	}
}

func newRunCronCommand(root *rootOptions) *cobra.Command {
	var actorName string

	cmd := &cobra.Command{
		Use:   "run-cron <cron-id>",
		Short: "Run one cron on every active scope and print the report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(ctx, root)
			if err != nil {
				return err
			}
			defer logger.Shutdown(context.Background())

			s, err := openStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer s.Close()

			app, err := NewApp(cfg, s)
			if err != nil {
				return err
			}

			var actor *audit.Actor
			if actorName != "" {
				actor = &audit.Actor{Name: actorName, Kind: audit.ActorUser}
			}
			run, err := app.Scheduler.RunCron(ctx, args[0], actor)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(run); err != nil {
				return err
			}
			if run.Failed > 0 {
				return fmt.Errorf("cron %s failed on %d scopes", run.CronID, run.Failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&actorName, "actor", "", "user recorded in the audit trail (default SYSTEM)")
	return cmd
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		logger.Fatal("command failed", "error", err)
	}
}
