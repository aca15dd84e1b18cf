package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"qazna.org/xs2a/internal/config"
	"qazna.org/xs2a/internal/migrate"
	"qazna.org/xs2a/internal/obs"
	"qazna.org/xs2a/ops/migrations"
)

func main() {
	if err := run(); err != nil {
		obs.Logger().Error("migrate failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	obs.SetLogger(obs.NewLogger(os.Stderr, cfg.LogLevel, "text"))

	var (
		dsn = flag.String("dsn", cfg.PgDSN, "PostgreSQL DSN")
		dir = flag.String("dir", "", "read migrations from this directory instead of the embedded set")
	)
	flag.Parse()

	if *dsn == "" {
		return errors.New("missing DSN: provide via -dsn or XS2A_PG_DSN")
	}
	if flag.NArg() == 0 {
		return errors.New("usage: migrate [up|down|seed|status]")
	}

	var source fs.FS = migrations.FS
	if *dir != "" {
		source = os.DirFS(*dir)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, source)
	log := obs.Logger()

	switch cmd := flag.Arg(0); cmd {
	case "up":
		ran, err := mgr.Up(ctx)
		if err != nil {
			return err
		}
		log.Info("migrations applied", "count", len(ran), "files", ran)
	case "down":
		name, err := mgr.Down(ctx)
		if err != nil {
			return err
		}
		log.Info("migration rolled back", "file", name)
	case "seed":
		ran, err := mgr.Seed(ctx)
		if err != nil {
			return err
		}
		log.Info("seeds applied", "count", len(ran), "files", ran)
	case "status":
		entries, err := mgr.Status(ctx)
		if err != nil {
			return err
		}
		for _, e := range entries {
			state := "pending"
			if e.Applied {
				state = "applied " + e.AppliedAt.UTC().Format(time.RFC3339)
			}
			fmt.Printf("%-40s %s\n", e.Name, state)
		}
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}
