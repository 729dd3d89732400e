package schema

import (
	"database/sql"
	"fmt"
	"strings"
)

// Migration is one idempotent up-migration, numbered and named the way the
// teacher's internal/storage/sqlite/migrations package lays its migrations
// out (e.g. 023_pinned_column.go): each checks pragma_table_info before
// altering, so re-running Migrate against an already-migrated database is a
// no-op.
type Migration struct {
	ID   int
	Name string
	Up   func(db *sql.DB) error
}

// Migrate creates baseSchema (idempotent) and then runs every registered
// Migration in order. It is safe to call on every Open.
func Migrate(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin schema init: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range splitStatements(baseSchema) {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply base schema (%q): %w", truncate(stmt, 60), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema init: %w", err)
	}

	for _, m := range migrations {
		if err := m.Up(db); err != nil {
			return fmt.Errorf("migration %03d_%s: %w", m.ID, m.Name, err)
		}
	}
	return nil
}

func splitStatements(schema string) []string {
	raw := strings.Split(schema, ";")
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// columnExists mirrors the teacher's pragma_table_info probe
// (023_pinned_column.go) used by every migration that adds a column.
func columnExists(db *sql.DB, table, column string) (bool, error) {
	var exists bool
	err := db.QueryRow(`
		SELECT COUNT(*) > 0 FROM pragma_table_info(?) WHERE name = ?
	`, table, column).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check column %s.%s: %w", table, column, err)
	}
	return exists, nil
}

// migrations is the ordered list of post-baseSchema evolutions. New
// migrations are appended; never reordered or mutated in place once shipped.
var migrations = []Migration{
	{ID: 1, Name: "history_config_seed", Up: migrateHistoryConfigSeed},
	{ID: 2, Name: "fts_prefix_index", Up: migrateFTSPrefixIndex},
}

// migrateHistoryConfigSeed ensures a disabled global history row exists so
// history_get-style lookups always have a deterministic "no config found"
// row to fall back to scanning for, rather than relying on absence.
func migrateHistoryConfigSeed(db *sql.DB) error {
	_, err := db.Exec(`
		INSERT OR IGNORE INTO history_config (level, target, enabled, retention)
		VALUES ('global', '*', 0, 'unlimited')
	`)
	return err
}

// migrateFTSPrefixIndex adds a covering index over fts_rowids(db, name) used
// by the auto-indexing hook's prefix lookup (spec §4.10) on every mutation.
func migrateFTSPrefixIndex(db *sql.DB) error {
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_fts_rowids_name ON fts_rowids(db, name)`)
	return err
}
