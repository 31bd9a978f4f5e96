package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"PerpVAMM/internal/observability"

	"github.com/rs/zerolog"
)

const (
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

// Migration is one {version}_{name}.up.sql file and whether it has run
type Migration struct {
	Version  string
	Filename string
	Applied  bool
}

// Migrator applies the event-log schema from golang-migrate style files.
// Applied versions are tracked in public.perp_schema_migrations.
type Migrator struct {
	db     *sql.DB
	dir    string
	logger zerolog.Logger
}

func NewMigrator(db *sql.DB, migrationsDir string) *Migrator {
	return &Migrator{
		db:     db,
		dir:    migrationsDir,
		logger: observability.NewLogger("migrator"),
	}
}

// Status lists every up-migration on disk in version order
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("ensure migration table: %w", err)
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("read applied versions: %w", err)
	}
	files, err := m.files(upSuffix)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	out := make([]Migration, 0, len(files))
	for _, f := range files {
		v := migrationVersion(f)
		out = append(out, Migration{Version: v, Filename: f, Applied: applied[v]})
	}
	return out, nil
}

// Up applies pending migrations in order, each in its own transaction
func (m *Migrator) Up(ctx context.Context) error {
	migrations, err := m.Status(ctx)
	if err != nil {
		return err
	}
	pending := 0
	for _, mig := range migrations {
		if mig.Applied {
			continue
		}
		err := m.run(ctx, mig.Filename,
			`INSERT INTO public.perp_schema_migrations (version, filename) VALUES ($1, $2)`,
			mig.Version, mig.Filename)
		if err != nil {
			return err
		}
		pending++
		m.logger.Info().Str("version", mig.Version).Str("file", mig.Filename).Msg("applied migration")
	}
	if pending == 0 {
		m.logger.Debug().Msg("schema up to date")
	}
	return nil
}

// Down rolls back the most recently applied migration
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	var version, filename string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM public.perp_schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &filename)
	if errors.Is(err, sql.ErrNoRows) {
		m.logger.Info().Msg("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("latest migration: %w", err)
	}

	downFile := strings.TrimSuffix(filename, upSuffix) + downSuffix
	if err := m.run(ctx, downFile,
		`DELETE FROM public.perp_schema_migrations WHERE version = $1`, version); err != nil {
		return err
	}
	m.logger.Info().Str("version", version).Str("file", downFile).Msg("rolled back migration")
	return nil
}

// run executes one migration file and its bookkeeping statement atomically
func (m *Migrator) run(ctx context.Context, file, record string, args ...interface{}) error {
	content, err := os.ReadFile(filepath.Join(m.dir, file))
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", file, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("exec migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", file, err)
	}
	return nil
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.perp_schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM public.perp_schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (m *Migrator) files(suffix string) ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// migrationVersion returns the prefix before the first underscore,
// "000001" for "000001_event_log.up.sql"
func migrationVersion(filename string) string {
	if i := strings.IndexByte(filename, '_'); i > 0 {
		return filename[:i]
	}
	return filename
}
