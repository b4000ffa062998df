package storage

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// Migrate executes unapplied SQL migration files from the provided
// filesystem in order. It tracks applied migrations in a schema_migrations
// table so each file runs at most once. This is a simple forward-only
// runner; callers pass the migration set matching Dialect().
func (s *SQLBackend) Migrate(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at_ms BIGINT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	applied, err := s.loadAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("storage: read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		name := entry.Name()
		if applied[name] {
			s.logger.Debug("migration already applied, skipping", "file", name)
			continue
		}

		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", name, err)
		}

		s.logger.Info("running migration", "file", name, "dialect", s.dialect)
		if err := s.applyMigration(ctx, name, string(content)); err != nil {
			return err
		}
	}

	return nil
}

// applyMigration runs one migration file inside a transaction and records it
// as applied. Files are split into individual statements because the pgx
// driver's extended protocol rejects multi-statement strings.
func (s *SQLBackend) applyMigration(ctx context.Context, name, script string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin migration %s: %w", name, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range splitStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: execute migration %s: %w", name, err)
		}
	}

	if _, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO schema_migrations (version, applied_at_ms) VALUES (?, ?)
		 ON CONFLICT (version) DO NOTHING`),
		name, nowMS(),
	); err != nil {
		return fmt.Errorf("storage: record migration %s: %w", name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit migration %s: %w", name, err)
	}
	return nil
}

func (s *SQLBackend) loadAppliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
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

// splitStatements splits a migration script on semicolons and drops empty
// or comment-only fragments. Migration files hold plain DDL with no
// semicolons inside literals or procedure bodies.
func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" || commentOnly(stmt) {
			continue
		}
		out = append(out, stmt)
	}
	return out
}

func commentOnly(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}
