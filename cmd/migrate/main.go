package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"MarginLedger/internal/config"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/persistence"
	"MarginLedger/internal/projection"

	_ "github.com/lib/pq"
)

func usage() {
	fmt.Println("Usage: migrate <up|down|status|rebuild-balances>")
	fmt.Println("  up               - apply all pending migrations")
	fmt.Println("  down             - roll back the last migration")
	fmt.Println("  status           - list migrations and whether they are applied")
	fmt.Println("  rebuild-balances - recompute projections.account_balances from event_log.journal")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  MARGIN_CONFIG         - path to marginledger.yaml (optional)")
	fmt.Println("  MARGIN_POSTGRES_DSN   - Postgres connection string")
	fmt.Println("  MARGIN_MIGRATIONS_DIR - path to migrations directory (default: migrations)")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load(os.Getenv("MARGIN_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	observability.SetDefaultLevel(cfg.LogLevel)
	logger := observability.NewLogger("migrate")

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, cfg.MigrationsDir)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate status")
		}
		for _, s := range statuses {
			state := "pending"
			if s.Applied {
				state = "applied"
			}
			fmt.Printf("%-8s %-10s %s\n", s.Version, state, s.Filename)
		}

	case "rebuild-balances":
		if err := projection.RebuildBalances(ctx, db); err != nil {
			logger.Fatal().Err(err).Msg("rebuild balances")
		}
		logger.Info().Msg("account balances rebuilt from journal")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}
