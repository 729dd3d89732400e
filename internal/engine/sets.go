package engine

import (
	"context"
	"errors"

	"github.com/velakv/vela/internal/core"
	"github.com/velakv/vela/internal/types"
)

// SAdd adds members to a set, creating it if absent, and returns the count
// actually added (spec "SADD").
func (e *Engine) SAdd(ctx context.Context, name string, members ...[]byte) (int64, error) {
	var added int64
	err := e.withHandle(ctx, "sadd", func(ctx context.Context, tx core.Execer) error {
		k, err := createKey(ctx, tx, e.db(), name, types.TypeSet)
		if err != nil {
			return err
		}
		for _, m := range members {
			res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO sets (key_id, member) VALUES (?, ?)`, k.ID, m)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			added += n
		}
		if added > 0 {
			_, err = bumpVersion(ctx, tx, k.ID)
		}
		return err
	})
	return added, err
}

// SRem removes members, returning the count actually removed (spec "SREM").
func (e *Engine) SRem(ctx context.Context, name string, members ...[]byte) (int64, error) {
	var removed int64
	err := e.withHandle(ctx, "srem", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeSet)
		if errors.Is(err, core.NoSuchKey) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, m := range members {
			res, err := tx.ExecContext(ctx, `DELETE FROM sets WHERE key_id = ? AND member = ?`, k.ID, m)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			removed += n
		}
		if removed > 0 {
			if empty, err := setEmpty(ctx, tx, k.ID); err != nil {
				return err
			} else if empty {
				return deleteKey(ctx, tx, k.ID)
			}
			_, err = bumpVersion(ctx, tx, k.ID)
			return err
		}
		return nil
	})
	return removed, err
}

// SMembers returns every member of a set (spec "SMEMBERS").
func (e *Engine) SMembers(ctx context.Context, name string) ([][]byte, error) {
	var out [][]byte
	err := e.withHandle(ctx, "smembers", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKey(ctx, tx, e.db(), name)
		if errors.Is(err, core.NoSuchKey) {
			return nil
		}
		if err != nil {
			return err
		}
		if k.Type != types.TypeSet {
			return core.WrongType
		}
		rows, err := tx.QueryContext(ctx, `SELECT member FROM sets WHERE key_id = ?`, k.ID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var m []byte
			if err := rows.Scan(&m); err != nil {
				return err
			}
			out = append(out, m)
		}
		e.sess.Core().TouchKey(k)
		return rows.Err()
	})
	return out, err
}

// SIsMember reports whether member is in the set (spec "SISMEMBER").
func (e *Engine) SIsMember(ctx context.Context, name string, member []byte) (bool, error) {
	var exists bool
	err := e.withHandle(ctx, "sismember", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKey(ctx, tx, e.db(), name)
		if errors.Is(err, core.NoSuchKey) {
			return nil
		}
		if err != nil {
			return err
		}
		if k.Type != types.TypeSet {
			return core.WrongType
		}
		row := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sets WHERE key_id = ? AND member = ?)`, k.ID, member)
		return row.Scan(&exists)
	})
	return exists, err
}

// SCard returns the set's cardinality (spec "SCARD").
func (e *Engine) SCard(ctx context.Context, name string) (int64, error) {
	var n int64
	err := e.withHandle(ctx, "scard", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKey(ctx, tx, e.db(), name)
		if errors.Is(err, core.NoSuchKey) {
			return nil
		}
		if err != nil {
			return err
		}
		if k.Type != types.TypeSet {
			return core.WrongType
		}
		row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sets WHERE key_id = ?`, k.ID)
		return row.Scan(&n)
	})
	return n, err
}

// setOp is the shared implementation behind SInter/SUnion/SDiff: load every
// input set into memory (sets are expected to be the smaller working-set
// type; composing the boolean ops in SQL directly would need a dynamic
// number of joins) and combine in Go.
func (e *Engine) setOp(ctx context.Context, names []string, combine func(sets []map[string]struct{}) map[string]struct{}) ([][]byte, error) {
	var out [][]byte
	err := e.withHandle(ctx, "setop", func(ctx context.Context, tx core.Execer) error {
		sets := make([]map[string]struct{}, len(names))
		for i, name := range names {
			members := map[string]struct{}{}
			k, err := resolveKey(ctx, tx, e.db(), name)
			if err == nil {
				if k.Type != types.TypeSet {
					return core.WrongType
				}
				rows, err := tx.QueryContext(ctx, `SELECT member FROM sets WHERE key_id = ?`, k.ID)
				if err != nil {
					return err
				}
				for rows.Next() {
					var m []byte
					if err := rows.Scan(&m); err != nil {
						rows.Close()
						return err
					}
					members[string(m)] = struct{}{}
				}
				if err := rows.Err(); err != nil {
					rows.Close()
					return err
				}
				rows.Close()
			} else if !errors.Is(err, core.NoSuchKey) {
				return err
			}
			sets[i] = members
		}
		result := combine(sets)
		for m := range result {
			out = append(out, []byte(m))
		}
		return nil
	})
	return out, err
}

func (e *Engine) SInter(ctx context.Context, names ...string) ([][]byte, error) {
	return e.setOp(ctx, names, func(sets []map[string]struct{}) map[string]struct{} {
		if len(sets) == 0 {
			return nil
		}
		out := map[string]struct{}{}
		for m := range sets[0] {
			out[m] = struct{}{}
		}
		for _, s := range sets[1:] {
			for m := range out {
				if _, ok := s[m]; !ok {
					delete(out, m)
				}
			}
		}
		return out
	})
}

func (e *Engine) SUnion(ctx context.Context, names ...string) ([][]byte, error) {
	return e.setOp(ctx, names, func(sets []map[string]struct{}) map[string]struct{} {
		out := map[string]struct{}{}
		for _, s := range sets {
			for m := range s {
				out[m] = struct{}{}
			}
		}
		return out
	})
}

func (e *Engine) SDiff(ctx context.Context, names ...string) ([][]byte, error) {
	return e.setOp(ctx, names, func(sets []map[string]struct{}) map[string]struct{} {
		if len(sets) == 0 {
			return nil
		}
		out := map[string]struct{}{}
		for m := range sets[0] {
			out[m] = struct{}{}
		}
		for _, s := range sets[1:] {
			for m := range s {
				delete(out, m)
			}
		}
		return out
	})
}

// storeSet writes members as the new value of dst, creating or overwriting
// it as a set; used by SINTERSTORE/SUNIONSTORE/SDIFFSTORE (spec).
func (e *Engine) storeSet(ctx context.Context, dst string, members [][]byte) (int64, error) {
	var n int64
	err := e.withHandle(ctx, "setop_store", func(ctx context.Context, tx core.Execer) error {
		if existing, err := resolveKey(ctx, tx, e.db(), dst); err == nil {
			if err := deleteKey(ctx, tx, existing.ID); err != nil {
				return err
			}
		} else if !errors.Is(err, core.NoSuchKey) {
			return err
		}
		if len(members) == 0 {
			return nil
		}
		k, err := createKey(ctx, tx, e.db(), dst, types.TypeSet)
		if err != nil {
			return err
		}
		for _, m := range members {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO sets (key_id, member) VALUES (?, ?)`, k.ID, m); err != nil {
				return err
			}
		}
		n = int64(len(members))
		return nil
	})
	return n, err
}

func (e *Engine) SInterStore(ctx context.Context, dst string, names ...string) (int64, error) {
	m, err := e.SInter(ctx, names...)
	if err != nil {
		return 0, err
	}
	return e.storeSet(ctx, dst, m)
}

func (e *Engine) SUnionStore(ctx context.Context, dst string, names ...string) (int64, error) {
	m, err := e.SUnion(ctx, names...)
	if err != nil {
		return 0, err
	}
	return e.storeSet(ctx, dst, m)
}

func (e *Engine) SDiffStore(ctx context.Context, dst string, names ...string) (int64, error) {
	m, err := e.SDiff(ctx, names...)
	if err != nil {
		return 0, err
	}
	return e.storeSet(ctx, dst, m)
}

func setEmpty(ctx context.Context, tx core.Execer, keyID int64) (bool, error) {
	var n int
	row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sets WHERE key_id = ?`, keyID)
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n == 0, nil
}
