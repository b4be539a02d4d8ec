package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/odyssey-erp/odyssey-access/cmd/accessctl/cli"
	"github.com/odyssey-erp/odyssey-access/internal/app"
	"github.com/odyssey-erp/odyssey-access/internal/domain"
	"github.com/odyssey-erp/odyssey-access/internal/history"
	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
	"github.com/odyssey-erp/odyssey-access/internal/repository/postgres"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "sweep":
		return runSweep(ctx, cfg, args[1:])
	case "queue":
		return runQueue(cfg)
	case "export":
		return runExport(ctx, cfg, args[1:])
	case "migrate":
		return runMigrate(ctx, cfg)
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", args[0])
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: accessctl <subcommand> [flags]

Subcommands:
  sweep     Enqueue a permission validity sweep
  queue     Print job queue statistics and scheduled tasks
  export    Export the permission change history as CSV or JSON
  migrate   Apply the database schema

Configuration is read from the same environment as accessd.
`)
}

func runSweep(ctx context.Context, cfg *app.Config, args []string) error {
	flags := pflag.NewFlagSet("sweep", pflag.ExitOnError)
	lookback := flags.Duration("lookback", cfg.SweepLookback, "window of validity boundaries to invalidate")
	_ = flags.Parse(args)

	jobsCLI := cli.NewJobsCLI(cfg.RedisAddr)
	defer jobsCLI.Close()

	info, err := jobsCLI.TriggerSweep(ctx, *lookback)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
	return nil
}

func runQueue(cfg *app.Config) error {
	jobsCLI := cli.NewJobsCLI(cfg.RedisAddr)
	defer jobsCLI.Close()

	stats, err := jobsCLI.InspectQueue()
	if err != nil {
		return err
	}
	scheduled, err := jobsCLI.ListScheduled(20)
	if err != nil {
		return err
	}
	out := struct {
		cli.QueueStats
		Next []string `json:"next,omitempty"`
	}{QueueStats: stats}
	for _, t := range scheduled {
		out.Next = append(out.Next, fmt.Sprintf("%s %s at %s", t.ID, t.Type, t.NextProcessAt.Format(time.RFC3339)))
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

type exportOptions struct {
	format  history.Format
	filter  domain.ChangeFilter
	outPath string
}

func parseExportArgs(args []string) (exportOptions, error) {
	flags := pflag.NewFlagSet("export", pflag.ContinueOnError)
	var (
		format     string
		from, to   string
		entityType string
		entityID   string
		opts       exportOptions
	)
	flags.StringVarP(&format, "format", "f", "csv", "csv or json")
	flags.StringVar(&from, "from", "", "earliest entry, RFC3339 or YYYY-MM-DD")
	flags.StringVar(&to, "to", "", "latest entry, RFC3339 or YYYY-MM-DD (inclusive day)")
	flags.StringVar(&entityType, "entity-type", "", "user_permission, user_role, role_permission or role_permission_set")
	flags.StringVar(&entityID, "entity-id", "", "entity id, requires --entity-type")
	flags.StringVarP(&opts.outPath, "out", "o", "", "output file (default stdout)")
	if err := flags.Parse(args); err != nil {
		return exportOptions{}, err
	}
	if entityID != "" && entityType == "" {
		return exportOptions{}, fmt.Errorf("--entity-id requires --entity-type")
	}

	var err error
	if opts.format, err = history.ParseFormat(format); err != nil {
		return exportOptions{}, err
	}
	opts.filter = domain.ChangeFilter{EntityType: domain.EntityType(entityType), EntityID: entityID}
	if opts.filter.From, err = parseDay(from, false); err != nil {
		return exportOptions{}, err
	}
	if opts.filter.To, err = parseDay(to, true); err != nil {
		return exportOptions{}, err
	}
	return opts, nil
}

func runExport(ctx context.Context, cfg *app.Config, args []string) error {
	opts, err := parseExportArgs(args)
	if err != nil {
		return err
	}

	pool, err := db.New(ctx, cfg.PGDSN, 2)
	if err != nil {
		return err
	}
	defer pool.Close()
	ledger := history.NewLedger(postgres.NewStore(pool), nil, slog.Default(), nil)

	var w io.Writer = os.Stdout
	if opts.outPath != "" {
		file, err := os.Create(opts.outPath)
		if err != nil {
			return fmt.Errorf("create %s: %w", opts.outPath, err)
		}
		defer file.Close()
		w = file
	}
	return ledger.Export(ctx, opts.filter, opts.format, w)
}

func runMigrate(ctx context.Context, cfg *app.Config) error {
	pool, err := db.New(ctx, cfg.PGDSN, 1)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := postgres.NewStore(pool).Migrate(ctx); err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, "schema applied")
	return nil
}

func parseDay(v string, endOfDay bool) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: use RFC3339 or YYYY-MM-DD", v)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}
