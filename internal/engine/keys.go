package engine

import (
	"context"
	"database/sql"
	"errors"

	"github.com/velakv/vela/internal/core"
	"github.com/velakv/vela/internal/types"
)

// resolveKey loads the key row for (db, name), returning core.NoSuchKey if
// absent or lazily expired. Lazy expiration here means the row is deleted
// on the way out — the next autovacuum sweep would have reclaimed it
// anyway, this just makes the read observe the deletion immediately
// (spec §3.1's "lazy expiration" lifecycle stage).
func resolveKey(ctx context.Context, tx core.Execer, db int, name string) (*types.Key, error) {
	k, err := scanKey(ctx, tx, db, name)
	if err != nil {
		return nil, err
	}
	now := types.NowMs()
	if k.Expired(now) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM keys WHERE id = ?`, k.ID); err != nil {
			return nil, err
		}
		return nil, core.NoSuchKey
	}
	return k, nil
}

// resolveKeyOfType is resolveKey plus a type check, the pattern every typed
// command uses before touching its own table (spec §3.1 "type checking").
func resolveKeyOfType(ctx context.Context, tx core.Execer, db int, name string, want types.KeyType) (*types.Key, error) {
	k, err := resolveKey(ctx, tx, db, name)
	if err != nil {
		return nil, err
	}
	if k.Type != want {
		return nil, core.WrongType
	}
	return k, nil
}

func scanKey(ctx context.Context, tx core.Execer, db int, name string) (*types.Key, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, db, name, type, expire_at, created_at, updated_at, version, last_accessed, access_count
		FROM keys WHERE db = ? AND name = ?
	`, db, name)

	var k types.Key
	var expireAt sql.NullInt64
	if err := row.Scan(&k.ID, &k.DB, &k.Name, &k.Type, &expireAt, &k.CreatedAt, &k.UpdatedAt, &k.Version, &k.LastAccessed, &k.AccessCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.NoSuchKey
		}
		return nil, err
	}
	if expireAt.Valid {
		k.ExpireAt = &expireAt.Int64
	}
	return &k, nil
}

// createKey inserts a fresh key row of typ, failing with core.WrongType if
// a different-typed key already occupies name (spec §3.1: "type is
// immutable, recreate to change it"). Callers that overwrite a key of another
// type (MSET, GETSET, BITOP's destination) delete it first.
func createKey(ctx context.Context, tx core.Execer, db int, name string, typ types.KeyType) (*types.Key, error) {
	existing, err := resolveKey(ctx, tx, db, name)
	if err == nil {
		if existing.Type != typ {
			return nil, core.WrongType
		}
		return existing, nil
	}
	if !errors.Is(err, core.NoSuchKey) {
		return nil, err
	}

	now := types.NowMs()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO keys (db, name, type, created_at, updated_at, version, last_accessed, access_count)
		VALUES (?, ?, ?, ?, ?, 1, ?, 0)
	`, db, name, typ, now, now, now)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &types.Key{
		ID: id, DB: db, Name: name, Type: typ,
		CreatedAt: now, UpdatedAt: now, Version: 1, LastAccessed: now,
	}, nil
}

// bumpVersion increments a key's version and updated_at; every mutating
// command calls this after changing its own table's rows (spec §3.1
// "version bumping" and §4.9's history tracker key off of it).
func bumpVersion(ctx context.Context, tx core.Execer, keyID int64) (int64, error) {
	now := types.NowMs()
	_, err := tx.ExecContext(ctx, `
		UPDATE keys SET version = version + 1, updated_at = ? WHERE id = ?
	`, now, keyID)
	if err != nil {
		return 0, err
	}
	row := tx.QueryRowContext(ctx, `SELECT version FROM keys WHERE id = ?`, keyID)
	var v int64
	if err := row.Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

// deleteKey removes a key row; ON DELETE CASCADE takes its typed value rows
// with it.
func deleteKey(ctx context.Context, tx core.Execer, keyID int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM keys WHERE id = ?`, keyID)
	return err
}

// Del removes zero or more keys, returning the count actually removed
// (spec "DEL").
func (e *Engine) Del(ctx context.Context, names ...string) (int, error) {
	var n int
	err := e.withHandle(ctx, "del", func(ctx context.Context, tx core.Execer) error {
		for _, name := range names {
			k, err := resolveKey(ctx, tx, e.db(), name)
			if errors.Is(err, core.NoSuchKey) {
				continue
			}
			if err != nil {
				return err
			}
			if err := recordHistory(ctx, tx, e.db(), k, "DEL", nil); err != nil {
				return err
			}
			if err := removeDocument(ctx, tx, e.db(), k.Type, k.Name, k.ID); err != nil {
				return err
			}
			if err := deleteKey(ctx, tx, k.ID); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// Exists counts how many of names currently resolve to a live key
// (spec "EXISTS"); a name repeated in the argument list is counted once per
// occurrence, matching Redis's own EXISTS semantics.
func (e *Engine) Exists(ctx context.Context, names ...string) (int, error) {
	var n int
	err := e.withHandle(ctx, "exists", func(ctx context.Context, tx core.Execer) error {
		for _, name := range names {
			if _, err := resolveKey(ctx, tx, e.db(), name); err == nil {
				n++
			} else if !errors.Is(err, core.NoSuchKey) {
				return err
			}
		}
		return nil
	})
	return n, err
}

// Type reports a key's type tag, or core.NoSuchKey.
func (e *Engine) Type(ctx context.Context, name string) (types.KeyType, error) {
	var typ types.KeyType
	err := e.withHandle(ctx, "type", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKey(ctx, tx, e.db(), name)
		if err != nil {
			return err
		}
		typ = k.Type
		return nil
	})
	return typ, err
}

// TTL returns the remaining time to live in whole seconds, -1 if the key
// has no expiry, or core.NoSuchKey if absent (spec "TTL").
func (e *Engine) TTL(ctx context.Context, name string) (int64, error) {
	ms, err := e.PTTL(ctx, name)
	if err != nil || ms < 0 {
		return ms, err
	}
	return (ms + 999) / 1000, nil
}

// PTTL is TTL in milliseconds (spec "PTTL").
func (e *Engine) PTTL(ctx context.Context, name string) (int64, error) {
	var ttl int64 = -1
	err := e.withHandle(ctx, "pttl", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKey(ctx, tx, e.db(), name)
		if err != nil {
			return err
		}
		if k.ExpireAt != nil {
			ttl = *k.ExpireAt - types.NowMs()
			if ttl < 0 {
				ttl = 0
			}
		}
		return nil
	})
	return ttl, err
}

// Expire sets a TTL in whole seconds from now (spec "EXPIRE").
func (e *Engine) Expire(ctx context.Context, name string, seconds int64) (bool, error) {
	return e.PExpireAt(ctx, name, types.NowMs()+seconds*1000)
}

// PExpire sets a TTL in milliseconds from now (spec "PEXPIRE").
func (e *Engine) PExpire(ctx context.Context, name string, ms int64) (bool, error) {
	return e.PExpireAt(ctx, name, types.NowMs()+ms)
}

// ExpireAt sets an absolute expiry time in whole seconds since the epoch
// (spec "EXPIREAT").
func (e *Engine) ExpireAt(ctx context.Context, name string, unixSeconds int64) (bool, error) {
	return e.PExpireAt(ctx, name, unixSeconds*1000)
}

// PExpireAt sets an absolute expiry time in milliseconds since the epoch
// (spec "PEXPIREAT"). A timestamp already in the past deletes the key
// immediately, matching Redis's documented behavior rather than leaving it
// for the next lazy read.
func (e *Engine) PExpireAt(ctx context.Context, name string, unixMs int64) (bool, error) {
	var ok bool
	err := e.withHandle(ctx, "pexpireat", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKey(ctx, tx, e.db(), name)
		if err != nil {
			if errors.Is(err, core.NoSuchKey) {
				return nil
			}
			return err
		}
		if unixMs <= types.NowMs() {
			ok = true
			return deleteKey(ctx, tx, k.ID)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE keys SET expire_at = ? WHERE id = ?`, unixMs, k.ID); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok, err
}

// Persist clears a key's TTL, returning whether it had one (spec "PERSIST").
func (e *Engine) Persist(ctx context.Context, name string) (bool, error) {
	var cleared bool
	err := e.withHandle(ctx, "persist", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKey(ctx, tx, e.db(), name)
		if err != nil {
			if errors.Is(err, core.NoSuchKey) {
				return nil
			}
			return err
		}
		if k.ExpireAt == nil {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE keys SET expire_at = NULL WHERE id = ?`, k.ID); err != nil {
			return err
		}
		cleared = true
		return nil
	})
	return cleared, err
}

// Rename moves a key to a new name, overwriting any key already there
// (spec "RENAME"). Returns core.NoSuchKey if the source is absent.
func (e *Engine) Rename(ctx context.Context, src, dst string) error {
	return e.withHandle(ctx, "rename", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKey(ctx, tx, e.db(), src)
		if err != nil {
			return err
		}
		if existing, err := resolveKey(ctx, tx, e.db(), dst); err == nil {
			if err := deleteKey(ctx, tx, existing.ID); err != nil {
				return err
			}
		} else if !errors.Is(err, core.NoSuchKey) {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE keys SET name = ? WHERE id = ?`, dst, k.ID)
		return err
	})
}

// RenameNX is Rename but refuses to clobber an existing dst, returning
// whether the rename happened (spec "RENAMENX").
func (e *Engine) RenameNX(ctx context.Context, src, dst string) (bool, error) {
	var renamed bool
	err := e.withHandle(ctx, "renamenx", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKey(ctx, tx, e.db(), src)
		if err != nil {
			return err
		}
		if _, err := resolveKey(ctx, tx, e.db(), dst); err == nil {
			return nil // dst exists, refuse
		} else if !errors.Is(err, core.NoSuchKey) {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE keys SET name = ? WHERE id = ?`, dst, k.ID); err != nil {
			return err
		}
		renamed = true
		return nil
	})
	return renamed, err
}

// DBSize reports the number of live keys in the session's current db
// (spec "DBSIZE"). Expired-but-not-yet-swept keys are excluded.
func (e *Engine) DBSize(ctx context.Context) (int64, error) {
	var n int64
	err := e.withHandle(ctx, "dbsize", func(ctx context.Context, tx core.Execer) error {
		now := types.NowMs()
		row := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM keys WHERE db = ? AND (expire_at IS NULL OR expire_at > ?)
		`, e.db(), now)
		return row.Scan(&n)
	})
	return n, err
}

// FlushDB removes every key in the session's current db (spec supplement:
// a whole-db reset, analogous to FLUSHDB).
func (e *Engine) FlushDB(ctx context.Context) error {
	return e.withHandle(ctx, "flushdb", func(ctx context.Context, tx core.Execer) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM keys WHERE db = ?`, e.db())
		return err
	})
}

// Copy duplicates src's value and TTL under dst (spec supplement "COPY").
// replace controls whether an existing dst is overwritten. Both keys live in
// the session's current db. copyTypedRows copies string, hash, list, set,
// sorted-set and JSON values; stream, geo and vector keys are rejected with
// an invalid-argument error.
func (e *Engine) Copy(ctx context.Context, src, dst string, replace bool) (bool, error) {
	var copied bool
	err := e.withHandle(ctx, "copy", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKey(ctx, tx, e.db(), src)
		if err != nil {
			return err
		}
		if existing, err := resolveKey(ctx, tx, e.db(), dst); err == nil {
			if !replace {
				return nil
			}
			if err := deleteKey(ctx, tx, existing.ID); err != nil {
				return err
			}
		} else if !errors.Is(err, core.NoSuchKey) {
			return err
		}

		nk, err := createKey(ctx, tx, e.db(), dst, k.Type)
		if err != nil {
			return err
		}
		if k.ExpireAt != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE keys SET expire_at = ? WHERE id = ?`, *k.ExpireAt, nk.ID); err != nil {
				return err
			}
		}
		if err := copyTypedRows(ctx, tx, k.Type, k.ID, nk.ID); err != nil {
			return err
		}
		copied = true
		return nil
	})
	return copied, err
}

// copyTypedRows duplicates the rows a key owns in its type's table from
// srcID to dstID.
func copyTypedRows(ctx context.Context, tx core.Execer, typ types.KeyType, srcID, dstID int64) error {
	var stmt string
	switch typ {
	case types.TypeString:
		stmt = `INSERT INTO strings (key_id, value) SELECT ?, value FROM strings WHERE key_id = ?`
	case types.TypeHash:
		stmt = `INSERT INTO hashes (key_id, field, value) SELECT ?, field, value FROM hashes WHERE key_id = ?`
	case types.TypeList:
		stmt = `INSERT INTO lists (key_id, position, value) SELECT ?, position, value FROM lists WHERE key_id = ?`
	case types.TypeSet:
		stmt = `INSERT INTO sets (key_id, member) SELECT ?, member FROM sets WHERE key_id = ?`
	case types.TypeZSet:
		stmt = `INSERT INTO zsets (key_id, member, score) SELECT ?, member, score FROM zsets WHERE key_id = ?`
	case types.TypeJSON:
		stmt = `INSERT INTO json_docs (key_id, document) SELECT ?, document FROM json_docs WHERE key_id = ?`
	default:
		return core.ErrInvalidArgument("copy: unsupported type " + string(typ))
	}
	_, err := tx.ExecContext(ctx, stmt, dstID, srcID)
	return err
}

// Keys returns every live key name in the session's current db matching the
// glob pattern, unindexed — a full table scan rather than SCAN's cursor
// paging (spec supplement "KEYS", SPEC_FULL.md's key-table-level ops).
func (e *Engine) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	err := e.withHandle(ctx, "keys", func(ctx context.Context, tx core.Execer) error {
		now := types.NowMs()
		rows, err := tx.QueryContext(ctx, `
			SELECT name FROM keys WHERE db = ? AND (expire_at IS NULL OR expire_at > ?)
		`, e.db(), now)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			if globMatch(pattern, name) {
				out = append(out, name)
			}
		}
		return rows.Err()
	})
	return out, err
}

// ObjectInfo is the introspection payload returned by ObjectInfo (spec
// supplement "OBJECT ENCODING"/"OBJECT FRESHNESS"): a key's type, version,
// and access-tracker snapshot, exposed so tests can observe the version
// monotonicity and access bookkeeping invariants of §3.1/§4.2 without
// reaching into the schema directly.
type ObjectInfo struct {
	Type         types.KeyType
	Version      int64
	CreatedAt    int64
	UpdatedAt    int64
	LastAccessed int64
	AccessCount  int64
	ExpireAt     *int64
}

// ObjectInfo reports a key's type, version, and access-tracker snapshot.
func (e *Engine) ObjectInfo(ctx context.Context, name string) (*ObjectInfo, error) {
	var info ObjectInfo
	err := e.withHandle(ctx, "object_info", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKey(ctx, tx, e.db(), name)
		if err != nil {
			return err
		}
		info = ObjectInfo{
			Type:         k.Type,
			Version:      k.Version,
			CreatedAt:    k.CreatedAt,
			UpdatedAt:    k.UpdatedAt,
			LastAccessed: k.LastAccessed,
			AccessCount:  k.AccessCount,
			ExpireAt:     k.ExpireAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}
