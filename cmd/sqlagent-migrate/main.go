package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sqlagent/sqlagent/internal/config"
	"github.com/sqlagent/sqlagent/internal/migrations"
	storepostgres "github.com/sqlagent/sqlagent/internal/store/postgres"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up|down|status")
	steps := flag.Int("steps", 0, "number of migration steps; 0 means all for up, 1 for down")
	timeout := flag.Duration("timeout", 30*time.Second, "overall deadline for the migration run")
	flag.Parse()

	cfg, err := config.LoadFromEnv("sqlagent-migrate")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if cfg.Store.Backend != config.StoreBackendPostgres {
		fmt.Fprintf(os.Stderr, "store backend %q has no migrations\n", cfg.Store.Backend)
		os.Exit(1)
	}
	if cfg.Store.DSN == "" {
		fmt.Fprintln(os.Stderr, "SQLAGENT_STORE_DSN is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	db, err := storepostgres.Open(ctx, storepostgres.DBConfig{DSN: cfg.Store.DSN, MaxOpenConns: 1, ApplicationName: cfg.Service.Name})
	if err != nil {
		fmt.Fprintf(os.Stderr, "store connection failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	runner := migrations.NewRunner()
	switch *direction {
	case "up":
		applied, err := runner.Up(ctx, db, *steps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration up failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("applied %d migration(s)\n", applied)
	case "down":
		applied, err := runner.Down(ctx, db, *steps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration down failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("rolled back %d migration(s)\n", applied)
	case "status":
		statuses, err := runner.Status(ctx, db)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration status failed: %v\n", err)
			os.Exit(1)
		}
		for _, status := range statuses {
			state := "pending"
			if status.Applied {
				state = "applied " + status.AppliedAt.UTC().Format(time.RFC3339)
			}
			fmt.Printf("%06d %-32s %s\n", status.Version, status.Name, state)
		}
	default:
		fmt.Fprintf(os.Stderr, "invalid direction: %s\n", *direction)
		os.Exit(1)
	}
}
