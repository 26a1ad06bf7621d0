// Package migrations applies the embedded schema and checks that the
// tenant-scoped tables it creates stay under forced row-level security.
package migrations

import (
	"cmp"
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var embeddedFS embed.FS

const migrationTable = "querystudio_schema_migrations"

// lockKey serializes runners of every process sharing the database.
const lockKey int64 = 0x7153_6d69_6772

var migrationNamePattern = regexp.MustCompile(`^([0-9]+)_.+\.(up|down)\.sql$`)

// ErrRowSecurity reports a tenant table that is missing or not under
// forced row-level security once every migration is applied.
var ErrRowSecurity = errors.New("tenant table row security check failed")

// TenantTables hold per-tenant rows and must keep forced row-level security.
var TenantTables = []string{"query_run", "tenant_folder"}

type Runner struct {
	fsys         fs.FS
	tenantTables []string
}

func NewRunner() *Runner {
	return &Runner{fsys: embeddedFS, tenantTables: TenantTables}
}

type migration struct {
	Version int64
	UpSQL   string
	DownSQL string
}

// VersionStatus reports whether one embedded migration has been applied.
type VersionStatus struct {
	Version int64 `json:"version"`
	Applied bool  `json:"applied"`
}

// TableSecurity is the row-level security state of one tenant table.
type TableSecurity struct {
	Table   string `json:"table"`
	Exists  bool   `json:"exists"`
	Enabled bool   `json:"enabled"`
	Forced  bool   `json:"forced"`
}

func (t TableSecurity) OK() bool {
	return t.Exists && t.Enabled && t.Forced
}

// Report is the result of Status.
type Report struct {
	Versions    []VersionStatus `json:"versions"`
	RowSecurity []TableSecurity `json:"row_security"`
}

// Pending reports how many embedded migrations are not applied yet.
func (r Report) Pending() int {
	pending := 0
	for _, v := range r.Versions {
		if !v.Applied {
			pending++
		}
	}
	return pending
}

// Up applies at most steps pending migrations, all of them when steps is
// zero. When none remain pending it verifies the tenant tables' row
// security and fails with ErrRowSecurity if a table is exposed.
func (r *Runner) Up(ctx context.Context, db *sql.DB, steps int) (int, error) {
	migrations, err := loadMigrations(r.fsys)
	if err != nil {
		return 0, err
	}

	applied := 0
	err = withLock(ctx, db, func(conn *sql.Conn) error {
		done, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		pending := slices.DeleteFunc(migrations, func(m migration) bool { return done[m.Version] })
		for _, item := range pending {
			if steps > 0 && applied >= steps {
				return nil
			}
			if err := runScript(ctx, conn, "apply", item.Version, item.UpSQL,
				`INSERT INTO `+migrationTable+` (version) VALUES ($1)`); err != nil {
				return err
			}
			applied++
		}
		return r.verify(ctx, conn)
	})
	return applied, err
}

// Down rolls back the newest steps applied migrations, one when steps is
// not positive.
func (r *Runner) Down(ctx context.Context, db *sql.DB, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	migrations, err := loadMigrations(r.fsys)
	if err != nil {
		return 0, err
	}
	byVersion := make(map[int64]migration, len(migrations))
	for _, item := range migrations {
		byVersion[item.Version] = item
	}

	rolledBack := 0
	err = withLock(ctx, db, func(conn *sql.Conn) error {
		done, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		versions := make([]int64, 0, len(done))
		for version := range done {
			versions = append(versions, version)
		}
		slices.Sort(versions)
		slices.Reverse(versions)

		for _, version := range versions {
			if rolledBack >= steps {
				return nil
			}
			item, ok := byVersion[version]
			if !ok {
				return fmt.Errorf("applied migration %d is missing from source", version)
			}
			if err := runScript(ctx, conn, "rollback", version, item.DownSQL,
				`DELETE FROM `+migrationTable+` WHERE version = $1`); err != nil {
				return err
			}
			rolledBack++
		}
		return nil
	})
	return rolledBack, err
}

// Status lists every embedded migration in version order together with the
// row-level security state of the tenant tables.
func (r *Runner) Status(ctx context.Context, db *sql.DB) (Report, error) {
	migrations, err := loadMigrations(r.fsys)
	if err != nil {
		return Report{}, err
	}

	var report Report
	err = withLock(ctx, db, func(conn *sql.Conn) error {
		done, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		for _, item := range migrations {
			report.Versions = append(report.Versions, VersionStatus{Version: item.Version, Applied: done[item.Version]})
		}
		report.RowSecurity, err = r.rowSecurity(ctx, conn)
		return err
	})
	return report, err
}

func (r *Runner) verify(ctx context.Context, conn *sql.Conn) error {
	tables, err := r.rowSecurity(ctx, conn)
	if err != nil {
		return err
	}
	var exposed []string
	for _, table := range tables {
		if !table.OK() {
			exposed = append(exposed, table.Table)
		}
	}
	if len(exposed) > 0 {
		return fmt.Errorf("%w: %s", ErrRowSecurity, strings.Join(exposed, ", "))
	}
	return nil
}

func (r *Runner) rowSecurity(ctx context.Context, conn *sql.Conn) ([]TableSecurity, error) {
	out := make([]TableSecurity, 0, len(r.tenantTables))
	for _, table := range r.tenantTables {
		state := TableSecurity{Table: table}
		err := conn.QueryRowContext(ctx, `
SELECT c.relrowsecurity, c.relforcerowsecurity
FROM pg_class c
JOIN pg_namespace n ON n.oid = c.relnamespace
WHERE n.nspname = current_schema() AND c.relname = $1 AND c.relkind = 'r'`, table).Scan(&state.Enabled, &state.Forced)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, fmt.Errorf("read row security of %s: %w", table, err)
		default:
			state.Exists = true
		}
		out = append(out, state)
	}
	return out, nil
}

// withLock runs fn on one reserved connection holding the migration
// advisory lock, after making sure the bookkeeping table exists.
func withLock(ctx context.Context, db *sql.DB, fn func(conn *sql.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("reserve migration connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, lockKey)
	}()

	if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS `+migrationTable+` (
	version BIGINT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return fn(conn)
}

// runScript executes script and its bookkeeping statement in one
// transaction.
func runScript(ctx context.Context, conn *sql.Conn, op string, version int64, script, record string) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s migration %d: begin tx: %w", op, version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("%s migration %d: %w", op, version, err)
	}
	if _, err := tx.ExecContext(ctx, record, version); err != nil {
		return fmt.Errorf("%s migration %d: record version: %w", op, version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s migration %d: commit: %w", op, version, err)
	}
	return nil
}

func appliedVersions(ctx context.Context, conn *sql.Conn) (map[int64]bool, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM `+migrationTable)
	if err != nil {
		return nil, fmt.Errorf("query applied versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	done := map[int64]bool{}
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		done[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied versions: %w", err)
	}
	return done, nil
}

// loadMigrations pairs the up and down scripts under sql/ by version. Both
// directions are required.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	names, err := fs.Glob(fsys, "sql/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := map[int64]*migration{}
	for _, name := range names {
		matches := migrationNamePattern.FindStringSubmatch(path.Base(name))
		if matches == nil {
			continue
		}
		version, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version of %q: %w", name, err)
		}
		script, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", name, err)
		}
		item, ok := byVersion[version]
		if !ok {
			item = &migration{Version: version}
			byVersion[version] = item
		}
		if matches[2] == "up" {
			item.UpSQL = string(script)
		} else {
			item.DownSQL = string(script)
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, item := range byVersion {
		if strings.TrimSpace(item.UpSQL) == "" {
			return nil, fmt.Errorf("migration %d missing up SQL", item.Version)
		}
		if strings.TrimSpace(item.DownSQL) == "" {
			return nil, fmt.Errorf("migration %d missing down SQL", item.Version)
		}
		out = append(out, *item)
	}
	slices.SortFunc(out, func(a, b migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}
