package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/querystudio/querystudio/internal/config"
	"github.com/querystudio/querystudio/internal/migrations"
	runpostgres "github.com/querystudio/querystudio/internal/run/postgres"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up|down|status")
	steps := flag.Int("steps", 0, "number of migration steps; 0 means all for up, 1 for down")
	flag.Parse()

	cfg, err := config.LoadFromEnv("querystudio-migrate")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if cfg.Database.DSN == "" {
		fmt.Fprintln(os.Stderr, "QUERYSTUDIO_DATABASE_DSN is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := runpostgres.Open(ctx, runpostgres.DBConfig{DSN: cfg.Database.DSN, MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		fmt.Fprintf(os.Stderr, "database open error: %v\n", err)
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
		report, err := runner.Status(ctx, db)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration status failed: %v\n", err)
			os.Exit(1)
		}
		for _, v := range report.Versions {
			state := "pending"
			if v.Applied {
				state = "applied"
			}
			fmt.Printf("%06d %s\n", v.Version, state)
		}
		exposed := false
		for _, table := range report.RowSecurity {
			fmt.Printf("%s exists=%t rls=%t forced=%t\n", table.Table, table.Exists, table.Enabled, table.Forced)
			exposed = exposed || !table.OK()
		}
		if exposed && report.Pending() == 0 {
			fmt.Fprintln(os.Stderr, "tenant tables are not under forced row-level security")
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "invalid direction: %s\n", *direction)
		os.Exit(1)
	}
}
