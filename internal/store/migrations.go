package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// runMigrations brings the database up to the latest schema revision.
// Revisions are the embedded migrations/NNN_name.sql files, applied in
// filename order, one transaction each, and recorded in girder_revisions so
// reopening an existing database applies nothing.
func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS girder_revisions (
		filename TEXT PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create revision table: %w", err)
	}

	names, err := revisionFiles()
	if err != nil {
		return err
	}
	for _, name := range names {
		applied, err := revisionApplied(ctx, db, name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		script, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read revision %s: %w", name, err)
		}
		if err := applyRevision(ctx, db, name, string(script)); err != nil {
			return err
		}
	}
	return nil
}

func revisionFiles() ([]string, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read embedded migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	// NNN_ filename prefixes order the revisions.
	sort.Strings(names)
	return names, nil
}

func revisionApplied(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var n int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM girder_revisions WHERE filename = ?`, name).Scan(&n); err != nil {
		return false, fmt.Errorf("check revision %s: %w", name, err)
	}
	return n > 0, nil
}

func applyRevision(ctx context.Context, db *sql.DB, name, script string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin revision %s: %w", name, err)
	}
	for _, stmt := range sqlStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply revision %s: %w", name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO girder_revisions (filename) VALUES (?)`, name); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record revision %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit revision %s: %w", name, err)
	}
	return nil
}

// sqlStatements strips comment lines and splits the script on semicolons.
func sqlStatements(script string) []string {
	var clean strings.Builder
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		clean.WriteString(line)
		clean.WriteByte('\n')
	}

	var stmts []string
	for _, raw := range strings.Split(clean.String(), ";") {
		if s := strings.TrimSpace(raw); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
