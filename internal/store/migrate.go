package store

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// runMigrations applies every bundled migration not yet recorded in the
// migrations table, in ascending filename order. Each id is the filename
// without its extension, which sorts lexically the same as numerically
// because of the zero-padded numeric prefix (0001, 0002, ...). Applying an
// already-applied id is a no-op (§4.A).
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			id          TEXT PRIMARY KEY,
			applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read bundled migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		id := strings.TrimSuffix(name, ".sql")

		var exists int
		err := db.QueryRow(`SELECT COUNT(1) FROM migrations WHERE id = ?`, id).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration %s: %w", id, err)
		}
		if exists > 0 {
			continue
		}

		body, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %s: %w", id, err)
		}
		if _, err := tx.Exec(string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to apply migration %s: %w", id, err)
		}
		if _, err := tx.Exec(`INSERT INTO migrations (id) VALUES (?)`, id); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", id, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", id, err)
		}
	}
	return nil
}
