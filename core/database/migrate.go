package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	coreconfig "github.com/m3rciful/faqbot/core/config"
	"github.com/m3rciful/faqbot/core/logger"
)

const readyTimeout = 30 * time.Second

// RunMigrations waits for Postgres and applies every pending up migration
// from cfg.MigrationsDir (relative to the working directory).
func RunMigrations(cfg coreconfig.DatabaseConfig) error {
	ctx := context.Background()
	dsn := DSN(cfg)

	if err := WaitForPostgres(ctx, dsn, readyTimeout); err != nil {
		logger.Error(ctx, "db.migrate", "db.wait", slog.String("status", "fail"), slog.String("err", err.Error()))
		return fmt.Errorf("database not ready: %w", err)
	}

	dir, err := filepath.Abs(cfg.MigrationsDir)
	if err != nil {
		return fmt.Errorf("resolve migrations dir: %w", err)
	}
	files := listMigrationFiles(dir)

	m, err := migrate.New("file://"+dir, dsn)
	if err != nil {
		logger.Error(ctx, "db.migrate", "migrate.init", slog.String("status", "fail"), slog.String("err", err.Error()))
		return fmt.Errorf("init migrations: %w", err)
	}
	defer func() {
		_, _ = m.Close()
	}()

	from, _, _ := m.Version()
	start := time.Now()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Error(ctx, "db.migrate", "migrate.up",
			slog.String("status", "fail"),
			slog.String("err", err.Error()),
			slog.Duration("duration", time.Since(start)),
		)
		return fmt.Errorf("apply migrations: %w", err)
	}
	to, _, _ := m.Version()

	applied := selectApplied(files, uint64(from), uint64(to))
	attrs := []slog.Attr{
		slog.String("status", "ok"),
		slog.Uint64("from_ver", uint64(from)),
		slog.Uint64("to_ver", uint64(to)),
		slog.Int("files", len(applied)),
		slog.Duration("duration", time.Since(start)),
	}
	if preview, truncated := logger.SummarizeStrings(applied, 6); preview != "" {
		attrs = append(attrs, slog.String("files_preview", preview), slog.Bool("files_truncated", truncated))
	}
	logger.Info(ctx, "db.migrate", "migrate.up", attrs...)
	return nil
}

// WaitForPostgres pings dsn with growing pauses until it answers or timeout passes.
func WaitForPostgres(ctx context.Context, dsn string, timeout time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		defer db.Close()
		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		return struct{}{}, db.PingContext(pingCtx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(timeout),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warn(ctx, "db.migrate", "db.wait",
				slog.String("status", "retry"),
				slog.Duration("backoff", wait),
				slog.String("err", err.Error()),
			)
		}),
	)
	return err
}

func listMigrationFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

func parseVersion(name string) uint64 {
	prefix, _, _ := strings.Cut(name, "_")
	v, _ := strconv.ParseUint(prefix, 10, 64)
	return v
}

// selectApplied returns the files with versions in (from, to].
func selectApplied(files []string, from, to uint64) []string {
	var out []string
	for _, f := range files {
		if v := parseVersion(f); v > from && v <= to {
			out = append(out, f)
		}
	}
	return out
}
