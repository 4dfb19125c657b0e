package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"

	"MarginLedger/internal/config"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/persistence"
	"MarginLedger/migrations"

	_ "github.com/lib/pq"
)

func usage() {
	fmt.Println("Usage: migrate <up|down|status>")
	fmt.Println("  up     - apply all pending migrations")
	fmt.Println("  down   - roll back the last migration")
	fmt.Println("  status - list pending migrations")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  MARGIN_CONFIG        - TOML config file (optional)")
	fmt.Println("  MARGIN_POSTGRES_DSN  - Postgres connection string (overrides the config)")
	fmt.Println("  MIGRATIONS_DIR       - read migrations from disk instead of the embedded set")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	log := observability.NewLogger("migrate")

	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	var fsys fs.FS = migrations.FS
	if cfg.Service.MigrationsDir != "" {
		fsys = os.DirFS(cfg.Service.MigrationsDir)
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, fsys, log)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate up")
		}
		log.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate down")
		}
		log.Info().Msg("last migration rolled back")

	case "status":
		pending, err := migrator.Pending(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("migrate status")
		}
		if len(pending) == 0 {
			fmt.Println("up to date")
			return
		}
		for _, f := range pending {
			fmt.Println("pending:", f)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}
