package store

import (
	"context"
	"database/sql"
	"embed"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/ruledbg/pkg/schema"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migration is one versioned schema change, recovered from its file name
// (NNN_name.sql).
type migration struct {
	version int
	name    string
	script  string
}

func loadMigrations() ([]migration, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read migrations: %s", err.Error()).WithCause(err)
	}

	var out []migration
	for _, entry := range entries {
		name := entry.Name()
		prefix, rest, ok := strings.Cut(strings.TrimSuffix(name, ".sql"), "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "read migration %s: %s", name, err.Error()).WithCause(err)
		}
		out = append(out, migration{version: version, name: rest, script: string(data)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// applyMigrations brings the database schema up to the latest embedded
// version. Each migration runs in its own transaction and is recorded in
// schema_version, so a partially failed upgrade resumes cleanly.
func applyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create schema_version: %s", err.Error()).WithCause(err)
	}

	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "read schema_version: %s", err.Error()).WithCause(err)
	}

	pending, err := loadMigrations()
	if err != nil {
		return err
	}

	for _, m := range pending {
		if m.version <= current {
			continue
		}
		if err := applyOne(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

func applyOne(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "begin migration %d: %s", m.version, err.Error()).WithCause(err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range splitStatements(m.script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "migration %d (%s): %s", m.version, m.name, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"statement": stmt})
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "record migration %d: %s", m.version, err.Error()).WithCause(err)
	}
	if err := tx.Commit(); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "commit migration %d: %s", m.version, err.Error()).WithCause(err)
	}
	return nil
}

// splitStatements splits a migration script on semicolons, dropping
// fragments that contain only SQL comments.
func splitStatements(script string) []string {
	var stmts []string
	for _, raw := range strings.Split(script, ";") {
		fragment := strings.TrimSpace(raw)
		if fragment == "" || commentOnly(fragment) {
			continue
		}
		stmts = append(stmts, fragment)
	}
	return stmts
}

func commentOnly(fragment string) bool {
	for _, line := range strings.Split(fragment, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}
