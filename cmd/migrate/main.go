package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/GALA-Lin/service-sub006/internal/storage/postgres"
)

const defaultTimeout = 30 * time.Second

// Направления команды.
const (
	directionUp     = "up"
	directionDown   = "down"
	directionStatus = "status"
	directionList   = "list"
)

type config struct {
	dsn       string
	direction string
	steps     int
	timeout   time.Duration
}

// migrator — операции схемы, которые нужны команде.
type migrator interface {
	MigrateUp(ctx context.Context, steps int) error
	MigrateDown(ctx context.Context, steps int) error
	MigrationStatus(ctx context.Context) (int64, int, error)
	Migrations(ctx context.Context) ([]postgres.MigrationInfo, error)
	Close() error
}

var openMigrator = func(ctx context.Context, dsn string) (migrator, error) {
	return postgres.Open(ctx, dsn)
}

func main() {
	cfg, err := readConfig(flag.CommandLine, os.Args[1:], os.Getenv)
	if err != nil {
		fail("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	if err := run(ctx, cfg, os.Stdout); err != nil {
		fail("%v", err)
	}
}

func readConfig(fs *flag.FlagSet, args []string, getenv func(string) string) (config, error) {
	var cfg config
	fs.StringVar(&cfg.direction, "direction", directionUp, "migration direction: up|down|status|list")
	fs.IntVar(&cfg.steps, "steps", 0, "number of migrations to apply/rollback (0=all for up, 1 for down)")
	fs.StringVar(&cfg.dsn, "dsn", "", "PostgreSQL DSN (fallback: BOOKING_POSTGRES_DSN)")
	fs.DurationVar(&cfg.timeout, "timeout", defaultTimeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	cfg.dsn = strings.TrimSpace(cfg.dsn)
	if cfg.dsn == "" {
		cfg.dsn = strings.TrimSpace(getenv("BOOKING_POSTGRES_DSN"))
	}
	cfg.direction = strings.ToLower(strings.TrimSpace(cfg.direction))

	if cfg.dsn == "" {
		return config{}, errors.New("BOOKING_POSTGRES_DSN (or -dsn) is required")
	}
	switch cfg.direction {
	case directionUp, directionDown, directionStatus, directionList:
	default:
		return config{}, fmt.Errorf("unsupported direction: %s (use up|down|status|list)", cfg.direction)
	}
	if cfg.steps < 0 {
		return config{}, errors.New("steps must be >= 0")
	}
	if cfg.timeout <= 0 {
		return config{}, errors.New("timeout must be > 0")
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config, out io.Writer) error {
	store, err := openMigrator(ctx, cfg.dsn)
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer store.Close()

	switch cfg.direction {
	case directionUp:
		if err := store.MigrateUp(ctx, cfg.steps); err != nil {
			return fmt.Errorf("migrate up failed: %w", err)
		}
	case directionDown:
		if err := store.MigrateDown(ctx, cfg.steps); err != nil {
			return fmt.Errorf("migrate down failed: %w", err)
		}
	case directionList:
		migrations, err := store.Migrations(ctx)
		if err != nil {
			return fmt.Errorf("list migrations failed: %w", err)
		}
		printMigrations(out, migrations)
		return nil
	}

	version, count, err := store.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status failed: %w", err)
	}
	_, _ = fmt.Fprintf(out, "%s ok: version=%d applied=%d\n", cfg.direction, version, count)
	return nil
}

// printMigrations печатает таблицу миграций с отметкой о применении.
func printMigrations(w io.Writer, migrations []postgres.MigrationInfo) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "VERSION\tNAME\tAPPLIED AT")
	for _, m := range migrations {
		appliedAt := "pending"
		if m.Applied {
			appliedAt = m.AppliedAt.UTC().Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\n", m.Version, m.Name, appliedAt)
	}
	_ = tw.Flush()
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
