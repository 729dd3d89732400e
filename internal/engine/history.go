package engine

import (
	"context"
	"strconv"

	"github.com/velakv/vela/internal/core"
	"github.com/velakv/vela/internal/types"
)

// historyLevel is the tier a retention decision is made at (spec §4.9):
// global applies to every key, db to one logical database, key to one
// specific key name, with key overriding db overriding global.
type historyLevel string

const (
	historyGlobal historyLevel = "global"
	historyDB     historyLevel = "db"
	historyKey    historyLevel = "key"
)

// HistoryConfig sets the retention policy at one tier (spec "HISTORY
// CONFIG"). target is "*" for global, a db index as a string for db-level,
// or "db:name" for key-level.
func (e *Engine) HistoryConfig(ctx context.Context, level string, target string, enabled bool, retention string) error {
	return e.withHandle(ctx, "history_config", func(ctx context.Context, tx core.Execer) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO history_config (level, target, enabled, retention) VALUES (?, ?, ?, ?)
			ON CONFLICT(level, target) DO UPDATE SET enabled = excluded.enabled, retention = excluded.retention
		`, level, target, enabled, retention)
		return err
	})
}

// resolveHistoryPolicy looks up the most specific configured policy for
// (db, name): key-level, then db-level, then global, defaulting to
// disabled if none is configured (migrateHistoryConfigSeed guarantees the
// global row always exists, but a fresh lookup still falls through safely
// if it were ever missing).
func resolveHistoryPolicy(ctx context.Context, tx core.Execer, db int, name string) (enabled bool, retention string, err error) {
	row := tx.QueryRowContext(ctx, `
		SELECT enabled, retention FROM history_config WHERE level = ? AND target = ?
	`, historyKey, keyTarget(db, name))
	if err := row.Scan(&enabled, &retention); err == nil {
		return enabled, retention, nil
	}

	row = tx.QueryRowContext(ctx, `
		SELECT enabled, retention FROM history_config WHERE level = ? AND target = ?
	`, historyDB, dbTarget(db))
	if err := row.Scan(&enabled, &retention); err == nil {
		return enabled, retention, nil
	}

	row = tx.QueryRowContext(ctx, `
		SELECT enabled, retention FROM history_config WHERE level = ? AND target = '*'
	`, historyGlobal)
	if err := row.Scan(&enabled, &retention); err != nil {
		return false, "unlimited", nil
	}
	return enabled, retention, nil
}

func keyTarget(db int, name string) string { return dbTarget(db) + ":" + name }

func dbTarget(db int) string { return strconv.Itoa(db) }

// recordHistory appends a version snapshot if the resolved policy for
// (db, name) allows it, then enforces retention (spec §4.9). value may be
// nil for operations (like DEL) that don't have a meaningful post-mutation
// snapshot to store.
func recordHistory(ctx context.Context, tx core.Execer, db int, k *types.Key, operation string, value []byte) error {
	enabled, retention, err := resolveHistoryPolicy(ctx, tx, db, k.Name)
	if err != nil {
		return err
	}
	if !enabled {
		return nil
	}

	var expireAt any
	if k.ExpireAt != nil {
		expireAt = *k.ExpireAt
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO key_history (key_id, db, name, key_type, version_num, operation, timestamp_ms, value, expire_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, k.ID, db, k.Name, k.Type, k.Version, operation, types.NowMs(), value, expireAt); err != nil {
		return err
	}
	return enforceRetention(ctx, tx, k.ID, retention)
}

// enforceRetention trims a key's history rows per its resolved policy:
// "unlimited" keeps everything, "count:N" keeps the N most recent entries,
// "time:MS" drops entries older than MS milliseconds.
func enforceRetention(ctx context.Context, tx core.Execer, keyID int64, retention string) error {
	switch {
	case retention == "unlimited" || retention == "":
		return nil
	case len(retention) > 6 && retention[:6] == "count:":
		n := parseRetentionInt(retention[6:])
		_, err := tx.ExecContext(ctx, `
			DELETE FROM key_history WHERE key_id = ? AND id NOT IN (
				SELECT id FROM key_history WHERE key_id = ? ORDER BY id DESC LIMIT ?
			)
		`, keyID, keyID, n)
		return err
	case len(retention) > 5 && retention[:5] == "time:":
		ms := parseRetentionInt(retention[5:])
		cutoff := types.NowMs() - ms
		_, err := tx.ExecContext(ctx, `DELETE FROM key_history WHERE key_id = ? AND timestamp_ms < ?`, keyID, cutoff)
		return err
	default:
		return nil
	}
}

func parseRetentionInt(s string) int64 {
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int64(c-'0')
	}
	return n
}

// HistoryGet returns the recorded version snapshots for a key, oldest
// first, optionally bounded to [since, until] inclusive by timestamp_ms and
// capped at limit rows (spec "HISTORY GET"). since/until/limit of 0 mean
// unbounded.
func (e *Engine) HistoryGet(ctx context.Context, name string, since, until, limit int64) ([]types.HistoryEntry, error) {
	var out []types.HistoryEntry
	err := e.withHandle(ctx, "history_get", func(ctx context.Context, tx core.Execer) error {
		query := `
			SELECT id, key_id, db, name, key_type, version_num, operation, timestamp_ms, value, expire_at
			FROM key_history WHERE db = ? AND name = ?
		`
		args := []any{e.db(), name}
		if since > 0 {
			query += ` AND timestamp_ms >= ?`
			args = append(args, since)
		}
		if until > 0 {
			query += ` AND timestamp_ms <= ?`
			args = append(args, until)
		}
		query += ` ORDER BY id ASC`
		if limit > 0 {
			query += ` LIMIT ?`
			args = append(args, limit)
		}
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var h types.HistoryEntry
			var expireAt *int64
			if err := rows.Scan(&h.ID, &h.KeyID, &h.DB, &h.Name, &h.KeyType, &h.Version, &h.Operation, &h.Timestamp, &h.Value, &expireAt); err != nil {
				return err
			}
			h.ExpireAt = expireAt
			out = append(out, h)
		}
		return rows.Err()
	})
	return out, err
}

// HistoryGetAt returns the snapshot of the most recent history entry for
// name with timestamp_ms <= ts, or core.NotFound if none exists (spec
// "HISTORY GET_AT", §4.9).
func (e *Engine) HistoryGetAt(ctx context.Context, name string, ts int64) (*types.HistoryEntry, error) {
	var h types.HistoryEntry
	var found bool
	err := e.withHandle(ctx, "history_get_at", func(ctx context.Context, tx core.Execer) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, key_id, db, name, key_type, version_num, operation, timestamp_ms, value, expire_at
			FROM key_history WHERE db = ? AND name = ? AND timestamp_ms <= ? ORDER BY timestamp_ms DESC, id DESC LIMIT 1
		`, e.db(), name, ts)
		var expireAt *int64
		if err := row.Scan(&h.ID, &h.KeyID, &h.DB, &h.Name, &h.KeyType, &h.Version, &h.Operation, &h.Timestamp, &h.Value, &expireAt); err != nil {
			return nil
		}
		h.ExpireAt = expireAt
		found = true
		return nil
	})
	if err == nil && !found {
		return nil, core.NotFound
	}
	return &h, err
}

// HistoryPrune deletes every history entry older than ts across all keys
// and databases (spec "HISTORY PRUNE", §4.9's "globally").
func (e *Engine) HistoryPrune(ctx context.Context, ts int64) (int64, error) {
	var n int64
	err := e.withHandle(ctx, "history_prune", func(ctx context.Context, tx core.Execer) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM key_history WHERE timestamp_ms < ?`, ts)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
