package engine

import (
	"context"
	"errors"
	"strconv"

	"github.com/velakv/vela/internal/core"
	"github.com/velakv/vela/internal/types"
)

// HSet sets one or more fields on a hash, creating it if absent, and
// returns the number of fields that were newly created (spec "HSET").
func (e *Engine) HSet(ctx context.Context, name string, fields map[string][]byte) (int64, error) {
	var created int64
	err := e.withHandle(ctx, "hset", func(ctx context.Context, tx core.Execer) error {
		k, err := createKey(ctx, tx, e.db(), name, types.TypeHash)
		if err != nil {
			return err
		}
		for field, value := range fields {
			var existed bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM hashes WHERE key_id = ? AND field = ?)`, k.ID, field).Scan(&existed); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO hashes (key_id, field, value) VALUES (?, ?, ?)
				ON CONFLICT(key_id, field) DO UPDATE SET value = excluded.value
			`, k.ID, field, value); err != nil {
				return err
			}
			if !existed {
				created++
			}
		}
		if _, err := bumpVersion(ctx, tx, k.ID); err != nil {
			return err
		}
		return reindexHash(ctx, tx, e.db(), k)
	})
	return created, err
}

// reindexHash refreshes every FTS index matching k's name with the hash's
// current field set (spec §4.10's auto-index hook, triggered after HSET).
func reindexHash(ctx context.Context, tx core.Execer, db int, k *types.Key) error {
	rows, err := tx.QueryContext(ctx, `SELECT field, value FROM hashes WHERE key_id = ?`, k.ID)
	if err != nil {
		return err
	}
	fields := map[string]string{}
	for rows.Next() {
		var f string
		var v []byte
		if err := rows.Scan(&f, &v); err != nil {
			rows.Close()
			return err
		}
		fields[f] = string(v)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()
	return indexDocument(ctx, tx, db, k, fields)
}

// HSetNX sets field only if it does not already exist on the hash
// (spec "HSETNX").
func (e *Engine) HSetNX(ctx context.Context, name, field string, value []byte) (bool, error) {
	var set bool
	err := e.withHandle(ctx, "hsetnx", func(ctx context.Context, tx core.Execer) error {
		k, err := createKey(ctx, tx, e.db(), name, types.TypeHash)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO hashes (key_id, field, value) VALUES (?, ?, ?)
		`, k.ID, field, value)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		set = n == 1
		if set {
			_, err = bumpVersion(ctx, tx, k.ID)
		}
		return err
	})
	return set, err
}

// HGet returns a single field's value, or core.NoSuchKey/core.NotFound.
func (e *Engine) HGet(ctx context.Context, name, field string) ([]byte, error) {
	var val []byte
	var found bool
	err := e.withHandle(ctx, "hget", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeHash)
		if err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `SELECT value FROM hashes WHERE key_id = ? AND field = ?`, k.ID, field)
		if err := row.Scan(&val); err != nil {
			return nil
		}
		found = true
		e.sess.Core().TouchKey(k)
		return nil
	})
	if err == nil && !found {
		return nil, core.NotFound
	}
	return val, err
}

// HGetAll returns every field/value pair (spec "HGETALL").
func (e *Engine) HGetAll(ctx context.Context, name string) (map[string][]byte, error) {
	out := map[string][]byte{}
	err := e.withHandle(ctx, "hgetall", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKey(ctx, tx, e.db(), name)
		if errors.Is(err, core.NoSuchKey) {
			return nil
		}
		if err != nil {
			return err
		}
		if k.Type != types.TypeHash {
			return core.WrongType
		}
		rows, err := tx.QueryContext(ctx, `SELECT field, value FROM hashes WHERE key_id = ?`, k.ID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var f string
			var v []byte
			if err := rows.Scan(&f, &v); err != nil {
				return err
			}
			out[f] = v
		}
		return rows.Err()
	})
	return out, err
}

// HDel removes one or more fields, returning the number actually removed
// (spec "HDEL").
func (e *Engine) HDel(ctx context.Context, name string, fields ...string) (int64, error) {
	var removed int64
	err := e.withHandle(ctx, "hdel", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeHash)
		if errors.Is(err, core.NoSuchKey) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, field := range fields {
			res, err := tx.ExecContext(ctx, `DELETE FROM hashes WHERE key_id = ? AND field = ?`, k.ID, field)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			removed += n
		}
		if removed > 0 {
			if empty, err := hashEmpty(ctx, tx, k.ID); err != nil {
				return err
			} else if empty {
				if err := removeDocument(ctx, tx, e.db(), k.Type, k.Name, k.ID); err != nil {
					return err
				}
				return deleteKey(ctx, tx, k.ID)
			}
			if _, err := bumpVersion(ctx, tx, k.ID); err != nil {
				return err
			}
			return reindexHash(ctx, tx, e.db(), k)
		}
		return nil
	})
	return removed, err
}

// HExists reports whether field is present (spec "HEXISTS").
func (e *Engine) HExists(ctx context.Context, name, field string) (bool, error) {
	var exists bool
	err := e.withHandle(ctx, "hexists", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKey(ctx, tx, e.db(), name)
		if errors.Is(err, core.NoSuchKey) {
			return nil
		}
		if err != nil {
			return err
		}
		if k.Type != types.TypeHash {
			return core.WrongType
		}
		row := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM hashes WHERE key_id = ? AND field = ?)`, k.ID, field)
		return row.Scan(&exists)
	})
	return exists, err
}

// HLen returns the number of fields (spec "HLEN").
func (e *Engine) HLen(ctx context.Context, name string) (int64, error) {
	var n int64
	err := e.withHandle(ctx, "hlen", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKey(ctx, tx, e.db(), name)
		if errors.Is(err, core.NoSuchKey) {
			return nil
		}
		if err != nil {
			return err
		}
		if k.Type != types.TypeHash {
			return core.WrongType
		}
		row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM hashes WHERE key_id = ?`, k.ID)
		return row.Scan(&n)
	})
	return n, err
}

// HKeys and HVals return just the field names or just the values
// (spec "HKEYS"/"HVALS").
func (e *Engine) HKeys(ctx context.Context, name string) ([]string, error) {
	all, err := e.HGetAll(ctx, name)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(all))
	for f := range all {
		keys = append(keys, f)
	}
	return keys, nil
}

func (e *Engine) HVals(ctx context.Context, name string) ([][]byte, error) {
	all, err := e.HGetAll(ctx, name)
	if err != nil {
		return nil, err
	}
	vals := make([][]byte, 0, len(all))
	for _, v := range all {
		vals = append(vals, v)
	}
	return vals, nil
}

// HIncrBy adds delta to an integer field, creating both the hash and field
// at 0 if absent (spec "HINCRBY").
func (e *Engine) HIncrBy(ctx context.Context, name, field string, delta int64) (int64, error) {
	var result int64
	err := e.withHandle(ctx, "hincrby", func(ctx context.Context, tx core.Execer) error {
		k, err := createKey(ctx, tx, e.db(), name, types.TypeHash)
		if err != nil {
			return err
		}
		var raw []byte
		row := tx.QueryRowContext(ctx, `SELECT value FROM hashes WHERE key_id = ? AND field = ?`, k.ID, field)
		scanErr := row.Scan(&raw)
		cur := int64(0)
		if scanErr == nil {
			cur, err = strconv.ParseInt(string(raw), 10, 64)
			if err != nil {
				return core.NotInteger
			}
		}
		result = cur + delta
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO hashes (key_id, field, value) VALUES (?, ?, ?)
			ON CONFLICT(key_id, field) DO UPDATE SET value = excluded.value
		`, k.ID, field, []byte(strconv.FormatInt(result, 10))); err != nil {
			return err
		}
		_, err = bumpVersion(ctx, tx, k.ID)
		return err
	})
	return result, err
}

func hashEmpty(ctx context.Context, tx core.Execer, keyID int64) (bool, error) {
	var n int
	row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM hashes WHERE key_id = ?`, keyID)
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n == 0, nil
}
