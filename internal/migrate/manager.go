// Package migrate applies the PostgreSQL schema and sandbox seeds. Every file
// runs in its own transaction together with its bookkeeping row, serialised
// across processes by an advisory lock.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

const (
	defaultMigrationsTable = "xs2a_schema_migrations"
	defaultSeedsTable      = "xs2a_schema_seeds"

	// lockKey is the pg_advisory_xact_lock key shared by all migrators.
	lockKey int64 = 0x78733261
)

// ErrNothingToRollback is returned by Down on an empty history.
var ErrNothingToRollback = errors.New("no migrations applied")

// Entry is one known migration and whether it ran.
type Entry struct {
	Name      string
	Applied   bool
	AppliedAt time.Time
}

// Manager executes SQL files read from an fs.FS.
type Manager struct {
	db              *sql.DB
	source          fs.FS
	migrationsDir   string
	seedsDir        string
	migrationsTable string
	seedsTable      string
	now             func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

// WithDirs overrides the directories inside the source.
func WithDirs(migrations, seeds string) Option {
	return func(m *Manager) {
		if migrations != "" {
			m.migrationsDir = migrations
		}
		if seeds != "" {
			m.seedsDir = seeds
		}
	}
}

// WithClock replaces time.Now for applied_at.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager reads migrations from source/sql and seeds from source/seeds.
func NewManager(db *sql.DB, source fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		source:          source,
		migrationsDir:   "sql",
		seedsDir:        "seeds",
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies pending migrations in name order and returns what it ran.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	return m.applyAll(ctx, m.migrationsTable, m.migrationsDir, ".up.sql")
}

// Seed applies pending seed files and returns what it ran.
func (m *Manager) Seed(ctx context.Context) ([]string, error) {
	return m.applyAll(ctx, m.seedsTable, m.seedsDir, ".sql")
}

// Down rolls back the most recently applied migration and returns its name.
func (m *Manager) Down(ctx context.Context) (string, error) {
	if err := m.ensureTables(ctx); err != nil {
		return "", err
	}
	applied, err := m.history(ctx, m.migrationsTable)
	if err != nil {
		return "", err
	}
	if len(applied) == 0 {
		return "", ErrNothingToRollback
	}
	last := applied[len(applied)-1].Name
	down := path.Join(m.migrationsDir, strings.TrimSuffix(last, ".up.sql")+".down.sql")
	body, err := fs.ReadFile(m.source, down)
	if err != nil {
		return "", fmt.Errorf("missing down migration for %s: %w", last, err)
	}

	err = m.inLockedTx(ctx, func(tx *sql.Tx) error {
		if err := execStatements(ctx, tx, string(body)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable), last)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("rollback migration %s: %w", last, err)
	}
	return last, nil
}

// Status lists every migration in the source with its applied state.
func (m *Manager) Status(ctx context.Context) ([]Entry, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	applied, err := m.history(ctx, m.migrationsTable)
	if err != nil {
		return nil, err
	}
	files, err := collectSQL(m.source, m.migrationsDir, ".up.sql")
	if err != nil {
		return nil, err
	}
	byName := make(map[string]Entry, len(applied))
	for _, e := range applied {
		byName[e.Name] = e
	}
	out := make([]Entry, 0, len(files))
	for _, f := range files {
		if e, ok := byName[f]; ok {
			out = append(out, e)
			delete(byName, f)
			continue
		}
		out = append(out, Entry{Name: f})
	}
	// Applied migrations whose files are gone are still reported.
	for _, e := range applied {
		if _, ok := byName[e.Name]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Manager) applyAll(ctx context.Context, table, dir, suffix string) ([]string, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	files, err := collectSQL(m.source, dir, suffix)
	if err != nil {
		return nil, err
	}
	var ran []string
	for _, name := range files {
		body, err := fs.ReadFile(m.source, path.Join(dir, name))
		if err != nil {
			return ran, err
		}
		applied, err := m.apply(ctx, table, name, string(body))
		if err != nil {
			return ran, fmt.Errorf("apply %s: %w", name, err)
		}
		if applied {
			ran = append(ran, name)
		}
	}
	return ran, nil
}

// apply runs one file unless another migrator already recorded it.
func (m *Manager) apply(ctx context.Context, table, name, body string) (bool, error) {
	applied := false
	err := m.inLockedTx(ctx, func(tx *sql.Tx) error {
		var done bool
		q := fmt.Sprintf(`select exists(select 1 from %s where name = $1)`, table)
		if err := tx.QueryRowContext(ctx, q, name).Scan(&done); err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := execStatements(ctx, tx, body); err != nil {
			return err
		}
		ins := fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, table)
		if _, err := tx.ExecContext(ctx, ins, name, m.now()); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func (m *Manager) inLockedTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) ensureTables(ctx context.Context) error {
	for _, table := range []string{m.migrationsTable, m.seedsTable} {
		ddl := fmt.Sprintf(`create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		)`, table)
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("ensure %s: %w", table, err)
		}
	}
	return nil
}

func (m *Manager) history(ctx context.Context, table string) ([]Entry, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name, applied_at from %s order by applied_at asc, name asc`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Entry
	for rows.Next() {
		e := Entry{Applied: true}
		if err := rows.Scan(&e.Name, &e.AppliedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func execStatements(ctx context.Context, tx *sql.Tx, body string) error {
	for _, stmt := range splitStatements(body) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func collectSQL(source fs.FS, dir, suffix string) ([]string, error) {
	entries, err := fs.ReadDir(source, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// splitStatements splits on semicolons outside single-quoted literals and
// line comments.
func splitStatements(sql string) []string {
	var (
		stmts     []string
		current   strings.Builder
		inString  bool
		inComment bool
	)
	runes := []rune(sql)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case inComment:
			if r == '\n' {
				inComment = false
			}
			current.WriteRune(r)
		case r == '-' && !inString && i+1 < len(runes) && runes[i+1] == '-':
			inComment = true
			current.WriteRune(r)
		case r == '\'':
			inString = !inString
			current.WriteRune(r)
		case r == ';' && !inString:
			current.WriteRune(r)
			stmts = append(stmts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}
