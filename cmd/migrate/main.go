package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"keyline.org/internal/migrate"
	"keyline.org/internal/obs"
	"keyline.org/ops/migrations"
)

func main() {
	log := obs.Logger()
	var (
		dsn     = flag.String("dsn", os.Getenv("KEYLINE_PG_DSN"), "PostgreSQL DSN")
		timeout = flag.Duration("timeout", 30*time.Second, "Overall timeout")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal().Msg("missing DSN: provide via -dsn or KEYLINE_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal().Msg("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	mgr := migrate.NewManager(db, migrations.FS, migrations.SQLDir, migrations.SeedsDir, migrate.WithLogger(*log))

	switch cmd := flag.Arg(0); cmd {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		log.Info().Int("applied", len(applied)).Msg("migrate_up")
	case "down":
		var last string
		last, err = mgr.Down(ctx)
		log.Info().Str("rolled_back", last).Msg("migrate_down")
	case "seed":
		var applied []string
		applied, err = mgr.Seed(ctx)
		log.Info().Int("applied", len(applied)).Msg("migrate_seed")
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		for _, item := range history {
			fmt.Println(item)
		}
	default:
		log.Fatal().Str("command", cmd).Msg("unknown command")
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", flag.Arg(0)).Msg("migrate failed")
	}
}
