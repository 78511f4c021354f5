// Package migrations applies the embedded postgres schema for the session
// registry and conversation checkpoints.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed sql/*.sql
var embeddedFS embed.FS

const migrationTable = "sqlagent_schema_migrations"

var migrationNamePattern = regexp.MustCompile(`^([0-9]+)_(.+)\.(up|down)\.sql$`)

type Runner struct {
	fsys fs.FS
}

func NewRunner() *Runner {
	return &Runner{fsys: embeddedFS}
}

// NewRunnerFS reads migrations from sql/ inside fsys.
func NewRunnerFS(fsys fs.FS) *Runner {
	return &Runner{fsys: fsys}
}

type migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

// VersionStatus reports whether one known migration has been applied.
type VersionStatus struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt time.Time
}

type appliedVersion struct {
	Version   int64
	AppliedAt time.Time
}

// Up applies pending migrations in version order. steps <= 0 applies all of
// them. It refuses to run against a schema that has versions this binary
// does not know.
func (r *Runner) Up(ctx context.Context, db *sql.DB, steps int) (int, error) {
	known, applied, err := r.prepare(ctx, db, "ASC")
	if err != nil {
		return 0, err
	}
	done := make(map[int64]bool, len(applied))
	for _, item := range applied {
		if _, ok := known[item.Version]; !ok {
			return 0, fmt.Errorf("schema has migration %d which this build does not ship", item.Version)
		}
		done[item.Version] = true
	}

	count := 0
	for _, item := range sortedMigrations(known) {
		if done[item.Version] {
			continue
		}
		if steps > 0 && count == steps {
			break
		}
		record := `INSERT INTO ` + migrationTable + ` (version, name) VALUES ($1, $2)`
		if err := runInTx(ctx, db, item.UpSQL, record, item.Version, item.Name); err != nil {
			return count, fmt.Errorf("apply migration %d_%s: %w", item.Version, item.Name, err)
		}
		count++
	}
	return count, nil
}

// Down rolls back the newest applied migrations. steps <= 0 means one.
func (r *Runner) Down(ctx context.Context, db *sql.DB, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	known, applied, err := r.prepare(ctx, db, "DESC")
	if err != nil {
		return 0, err
	}

	count := 0
	for _, version := range applied {
		if count == steps {
			break
		}
		item, ok := known[version.Version]
		if !ok {
			return count, fmt.Errorf("applied migration %d is missing from source", version.Version)
		}
		record := `DELETE FROM ` + migrationTable + ` WHERE version = $1`
		if err := runInTx(ctx, db, item.DownSQL, record, item.Version); err != nil {
			return count, fmt.Errorf("rollback migration %d_%s: %w", item.Version, item.Name, err)
		}
		count++
	}
	return count, nil
}

// Status lists every known migration in version order with its applied flag.
func (r *Runner) Status(ctx context.Context, db *sql.DB) ([]VersionStatus, error) {
	known, applied, err := r.prepare(ctx, db, "ASC")
	if err != nil {
		return nil, err
	}
	at := make(map[int64]time.Time, len(applied))
	for _, item := range applied {
		at[item.Version] = item.AppliedAt
	}

	out := make([]VersionStatus, 0, len(known))
	for _, item := range sortedMigrations(known) {
		appliedAt, ok := at[item.Version]
		out = append(out, VersionStatus{Version: item.Version, Name: item.Name, Applied: ok, AppliedAt: appliedAt})
	}
	return out, nil
}

// prepare loads the embedded scripts, creates the bookkeeping table and
// reads what is already applied.
func (r *Runner) prepare(ctx context.Context, db *sql.DB, order string) (map[int64]migration, []appliedVersion, error) {
	items, err := loadMigrations(r.fsys)
	if err != nil {
		return nil, nil, err
	}
	known := make(map[int64]migration, len(items))
	for _, item := range items {
		known[item.Version] = item
	}
	if err := ensureMigrationTable(ctx, db); err != nil {
		return nil, nil, err
	}
	applied, err := listApplied(ctx, db, order)
	if err != nil {
		return nil, nil, err
	}
	return known, applied, nil
}

func sortedMigrations(known map[int64]migration) []migration {
	out := make([]migration, 0, len(known))
	for _, item := range known {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

func ensureMigrationTable(ctx context.Context, db *sql.DB) error {
	query := `
CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
	version BIGINT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	if _, err := db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return nil
}

// runInTx runs a migration script and its bookkeeping statement atomically.
func runInTx(ctx context.Context, db *sql.DB, script, record string, args ...any) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}

func listApplied(ctx context.Context, db *sql.DB, order string) ([]appliedVersion, error) {
	if order != "DESC" {
		order = "ASC"
	}
	rows, err := db.QueryContext(ctx, `SELECT version, applied_at FROM `+migrationTable+` ORDER BY version `+order)
	if err != nil {
		return nil, fmt.Errorf("query applied versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []appliedVersion
	for rows.Next() {
		var item appliedVersion
		if err := rows.Scan(&item.Version, &item.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan applied version: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, "sql")
	if err != nil {
		return nil, fmt.Errorf("read migration dir: %w", err)
	}

	items := map[int64]migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		base := path.Base(entry.Name())
		matches := migrationNamePattern.FindStringSubmatch(base)
		if len(matches) != 4 {
			continue
		}
		version, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version for %q: %w", base, err)
		}

		script, err := fs.ReadFile(fsys, path.Join("sql", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", entry.Name(), err)
		}

		item := items[version]
		item.Version = version
		item.Name = matches[2]
		if matches[3] == "up" {
			item.UpSQL = string(script)
		} else {
			item.DownSQL = string(script)
		}
		items[version] = item
	}

	migrations := make([]migration, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.UpSQL) == "" {
			return nil, fmt.Errorf("migration %d missing up SQL", item.Version)
		}
		if strings.TrimSpace(item.DownSQL) == "" {
			return nil, fmt.Errorf("migration %d missing down SQL", item.Version)
		}
		migrations = append(migrations, item)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}
