package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"

	"github.com/liamcoop/trialrules/internal/logger"
	"github.com/liamcoop/trialrules/migrations"
)

func main() {
	var databaseURL string
	var command string

	flag.StringVar(&databaseURL, "database", "", "Database URL (required)")
	flag.StringVar(&command, "command", "up", "Migration command: up, down, version, force")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		logger.Fatal("database URL is required, use -database flag or DATABASE_URL environment variable")
	}

	m, err := migrations.New(databaseURL)
	if err != nil {
		logger.Fatal("failed to create migration instance", "error", err)
	}
	defer m.Close()

	switch command {
	case "up":
		logger.Info("running migrations up")
		err = m.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("database is up to date")
			return
		}
		if err != nil {
			logger.Fatal("failed to run migrations", "error", err)
		}
		logger.Info("migrations completed")

	case "down":
		logger.Info("rolling back migrations")
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Fatal("failed to roll back migrations", "error", err)
		}
		logger.Info("rollback completed")

	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			logger.Fatal("failed to get version", "error", err)
		}
		logger.Info("current version", "version", version, "dirty", dirty)

	case "force":
		if len(flag.Args()) < 1 {
			logger.Fatal("force command requires a version number: -command force <version>")
		}
		var version int
		if _, err := fmt.Sscanf(flag.Arg(0), "%d", &version); err != nil {
			logger.Fatal("invalid version number", "error", err)
		}
		if err := m.Force(version); err != nil {
			logger.Fatal("failed to force version", "error", err)
		}
		logger.Info("forced version", "version", version)

	default:
		logger.Fatal("unknown command (use: up, down, version, force)", "command", command)
	}
}
