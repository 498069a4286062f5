package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/docopt/docopt-go"

	corecfg "github.com/tally-lab/tally/internal/core/config"
	"github.com/tally-lab/tally/internal/core/countstat"
	"github.com/tally-lab/tally/internal/core/storage/postgres"
	"github.com/tally-lab/tally/internal/migrations"
	"github.com/tally-lab/tally/internal/reconcile"
	"github.com/tally-lab/tally/internal/rollup"
)

const (
	exitOK    = 0
	exitError = 1
	exitBusy  = 2
)

type ctlArgs struct {
	Config    string `docopt:"--config"`
	Property  string `docopt:"<property>"`
	Interval  string `docopt:"--interval"`
	To        string `docopt:"--to"`
	Force     bool   `docopt:"--force"`
	BatchSize int    `docopt:"--batch-size"`
}

func main() {
	usage := `Tally control.

Usage:
    tallyctl db migrate [--config=<path>]
    tallyctl rollup run [<property>] [--config=<path>]
    tallyctl cursors list [--config=<path>]
    tallyctl cursors reset <property> --interval=<interval> --to=<time> [--force] [--config=<path>]
    tallyctl dedup run <property> [--batch-size=<n>] [--config=<path>]
    tallyctl retire <property> [--batch-size=<n>] [--config=<path>]

Options:
    -h --help                  Show this screen.
    -c --config=<path>         Path to configuration file [default: tally.yaml].
    -i --interval=<interval>   Stat interval (hour, day or gauge).
    --to=<time>                Cursor target, RFC 3339.
    --force                    Allow moving a cursor backward.
    -b --batch-size=<n>        Rows per maintenance batch [default: 1000].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], "")
	if err != nil {
		panic(err)
	}

	args := ctlArgs{}
	opts.Bind(&args)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if db, _ := opts.Bool("db"); db {
		if migrate, _ := opts.Bool("migrate"); migrate {
			os.Exit(dbMigrate(args))
		}
	} else if rollupCmd, _ := opts.Bool("rollup"); rollupCmd {
		if run, _ := opts.Bool("run"); run {
			os.Exit(rollupRun(args))
		}
	} else if cursors, _ := opts.Bool("cursors"); cursors {
		if list, _ := opts.Bool("list"); list {
			os.Exit(cursorsList(args))
		} else if reset, _ := opts.Bool("reset"); reset {
			os.Exit(cursorsReset(args))
		}
	} else if dedup, _ := opts.Bool("dedup"); dedup {
		if run, _ := opts.Bool("run"); run {
			os.Exit(dedupRun(args))
		}
	} else if retire, _ := opts.Bool("retire"); retire {
		os.Exit(retireRun(args))
	}
}

// openStores loads config and opens the database. The caller owns the close.
func openStores(args ctlArgs) (*corecfg.Config, *postgres.Adapter, error) {
	cfg, err := corecfg.Load(args.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	adapter, err := postgres.NewAdapter(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return cfg, adapter, nil
}

func dbMigrate(args ctlArgs) int {
	_, adapter, err := openStores(args)
	if err != nil {
		slog.Error("Migration setup failed", "error", err)
		return exitError
	}
	defer adapter.Close()

	if err := migrations.RunMigrations(adapter.DB(), true); err != nil {
		slog.Error("Migrations failed", "error", err)
		return exitError
	}
	return exitOK
}

func rollupRun(args ctlArgs) int {
	cfg, adapter, err := openStores(args)
	if err != nil {
		slog.Error("Rollup setup failed", "error", err)
		return exitError
	}
	defer adapter.Close()

	countStore := postgres.NewCountAdapter(adapter.DB())
	engine := rollup.NewEngine(cfg.Stats, countStore, cfg.Rollup.MaxBucketsPerRun)
	ctx := context.Background()

	properties := []string{args.Property}
	if args.Property == "" {
		properties = properties[:0]
		for _, stat := range cfg.Stats.All() {
			properties = append(properties, stat.Property)
		}
	}

	code := exitOK
	for _, property := range properties {
		result, err := engine.RunProperty(ctx, property)
		switch {
		case errors.Is(err, countstat.ErrBusy):
			fmt.Printf("%s: busy, another run holds the fill state\n", property)
			if code == exitOK {
				code = exitBusy
			}
		case err != nil:
			slog.Error("Rollup failed", "property", property, "error", err)
			code = exitError
		default:
			cursor := "-"
			if result.Cursor != nil {
				cursor = result.Cursor.Format(time.RFC3339)
			}
			fmt.Printf("%s: filled %d bucket(s), cursor at %s\n", property, result.BucketsFilled, cursor)
		}
	}
	return code
}

func cursorsList(args ctlArgs) int {
	_, adapter, err := openStores(args)
	if err != nil {
		slog.Error("Cursor listing setup failed", "error", err)
		return exitError
	}
	defer adapter.Close()

	countStore := postgres.NewCountAdapter(adapter.DB())
	states, err := countStore.ListFillStates(context.Background())
	if err != nil {
		slog.Error("Failed to list fill states", "error", err)
		return exitError
	}

	fmt.Printf("%-32s %-6s %-25s %-5s\n", "PROPERTY", "INTVL", "LAST FILLED END", "BUSY")
	for _, fs := range states {
		last := "-"
		if fs.LastFilledEndTime != nil {
			last = fs.LastFilledEndTime.Format(time.RFC3339)
		}
		fmt.Printf("%-32s %-6s %-25s %-5t\n", fs.Property, fs.Interval, last, fs.Busy)
	}
	return exitOK
}

func cursorsReset(args ctlArgs) int {
	_, adapter, err := openStores(args)
	if err != nil {
		slog.Error("Cursor reset setup failed", "error", err)
		return exitError
	}
	defer adapter.Close()

	interval, err := countstat.ParseInterval(args.Interval)
	if err != nil {
		slog.Error("Invalid interval", "value", args.Interval, "error", err)
		return exitError
	}
	to, err := time.Parse(time.RFC3339, args.To)
	if err != nil {
		slog.Error("Invalid cursor target", "value", args.To, "error", err)
		return exitError
	}

	countStore := postgres.NewCountAdapter(adapter.DB())
	err = countStore.ResetCursor(context.Background(), args.Property, interval, to, args.Force)
	switch {
	case errors.Is(err, countstat.ErrStaleCursor):
		fmt.Printf("%s: refusing to move cursor backward without --force\n", args.Property)
		return exitError
	case errors.Is(err, countstat.ErrUnknownProperty):
		fmt.Printf("%s: no fill state for interval %s\n", args.Property, interval)
		return exitError
	case err != nil:
		slog.Error("Cursor reset failed", "property", args.Property, "error", err)
		return exitError
	}

	fmt.Printf("%s: cursor set to %s\n", args.Property, to.UTC().Format(time.RFC3339))
	return exitOK
}

func dedupRun(args ctlArgs) int {
	cfg, adapter, err := openStores(args)
	if err != nil {
		slog.Error("Dedup setup failed", "error", err)
		return exitError
	}
	defer adapter.Close()

	toolkit := reconcile.NewToolkit(cfg.Stats, postgres.NewReconcileAdapter(adapter.DB()), args.BatchSize)
	report, err := toolkit.Deduplicate(context.Background(), args.Property)
	switch {
	case errors.Is(err, countstat.ErrUnknownProperty):
		fmt.Printf("%s: not in the stat catalog\n", args.Property)
		return exitError
	case errors.Is(err, countstat.ErrUnknownMergePolicy):
		fmt.Printf("%s: duplicates found but no dedup policy declared; aborting\n", args.Property)
		return exitError
	case err != nil:
		slog.Error("Deduplication failed", "property", args.Property, "error", err)
		return exitError
	}

	fmt.Printf("%s: merged %d group(s), deleted %d row(s) [policy: %s]\n",
		report.Property, report.GroupsMerged, report.RowsDeleted, report.Policy)
	return exitOK
}

func retireRun(args ctlArgs) int {
	cfg, adapter, err := openStores(args)
	if err != nil {
		slog.Error("Retire setup failed", "error", err)
		return exitError
	}
	defer adapter.Close()

	toolkit := reconcile.NewToolkit(cfg.Stats, postgres.NewReconcileAdapter(adapter.DB()), args.BatchSize)
	report, err := toolkit.Retire(context.Background(), args.Property)
	if err != nil {
		slog.Error("Retirement failed", "property", args.Property, "error", err)
		return exitError
	}

	fmt.Printf("%s: deleted %d count row(s) and %d fill state(s)\n",
		report.Property, report.RowsDeleted, report.FillStatesGone)
	return exitOK
}
