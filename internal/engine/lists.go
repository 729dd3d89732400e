package engine

import (
	"context"
	"errors"

	"github.com/velakv/vela/internal/core"
	"github.com/velakv/vela/internal/types"
)

// listGap is the spacing left between adjacent list element positions
// (spec §4.5). Pushing at either end costs one INSERT with position =
// edge ± listGap instead of shifting every existing row, the same
// lesson the teacher's gapped ordering columns (e.g. stream_pending
// delivery ordering) apply to avoid O(n) rewrites on every insert.
const listGap = 1_000_000

// LPush prepends values (in argument order, so the last argument ends up
// at index 0) creating the list if absent, and returns the new length
// (spec "LPUSH").
func (e *Engine) LPush(ctx context.Context, name string, values ...[]byte) (int64, error) {
	return e.listPush(ctx, name, values, true)
}

// RPush appends values and returns the new length (spec "RPUSH").
func (e *Engine) RPush(ctx context.Context, name string, values ...[]byte) (int64, error) {
	return e.listPush(ctx, name, values, false)
}

func (e *Engine) listPush(ctx context.Context, name string, values [][]byte, left bool) (int64, error) {
	var length int64
	err := e.withHandle(ctx, "listpush", func(ctx context.Context, tx core.Execer) error {
		k, err := createKey(ctx, tx, e.db(), name, types.TypeList)
		if err != nil {
			return err
		}
		for _, v := range values {
			pos, err := nextEdgePosition(ctx, tx, k.ID, left)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO lists (key_id, position, value) VALUES (?, ?, ?)`, k.ID, pos, v); err != nil {
				return err
			}
		}
		if _, err := bumpVersion(ctx, tx, k.ID); err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM lists WHERE key_id = ?`, k.ID)
		if err := row.Scan(&length); err != nil {
			return err
		}
		return nil
	})
	if err == nil {
		e.sess.Core().Signal(e.db(), name)
	}
	return length, err
}

// nextEdgePosition returns the position for a new leftmost/rightmost
// element (edge ∓ listGap), rebalancing the whole list first if that step
// would overflow int64 past the edge.
func nextEdgePosition(ctx context.Context, tx core.Execer, keyID int64, left bool) (int64, error) {
	var edge int64
	var hasRows bool
	query := `SELECT position FROM lists WHERE key_id = ? ORDER BY position `
	if left {
		query += `ASC`
	} else {
		query += `DESC`
	}
	query += ` LIMIT 1`

	row := tx.QueryRowContext(ctx, query, keyID)
	if err := row.Scan(&edge); err == nil {
		hasRows = true
	}

	if !hasRows {
		return 0, nil
	}

	var next int64
	if left {
		next = edge - listGap
		if next >= edge {
			if err := rebalanceList(ctx, tx, keyID); err != nil {
				return 0, err
			}
			return nextEdgePosition(ctx, tx, keyID, left)
		}
	} else {
		next = edge + listGap
		if next <= edge {
			if err := rebalanceList(ctx, tx, keyID); err != nil {
				return 0, err
			}
			return nextEdgePosition(ctx, tx, keyID, left)
		}
	}
	return next, nil
}

// rebalanceList renumbers every element of a list to evenly spaced
// positions (0, listGap, 2*listGap, ...), the fallback spec §4.5 calls for
// when repeated pushes at one edge exhaust int64 headroom or collide.
func rebalanceList(ctx context.Context, tx core.Execer, keyID int64) error {
	rows, err := tx.QueryContext(ctx, `SELECT position, value FROM lists WHERE key_id = ? ORDER BY position ASC`, keyID)
	if err != nil {
		return err
	}
	type row struct {
		pos int64
		val []byte
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.pos, &r.val); err != nil {
			rows.Close()
			return err
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM lists WHERE key_id = ?`, keyID); err != nil {
		return err
	}
	for i, r := range all {
		pos := int64(i) * listGap
		if _, err := tx.ExecContext(ctx, `INSERT INTO lists (key_id, position, value) VALUES (?, ?, ?)`, keyID, pos, r.val); err != nil {
			return err
		}
	}
	return nil
}

// LPop removes and returns up to count elements from the left (spec
// "LPOP"). count<=0 defaults to 1.
func (e *Engine) LPop(ctx context.Context, name string, count int) ([][]byte, error) {
	return e.listPop(ctx, name, count, true)
}

// RPop removes and returns up to count elements from the right
// (spec "RPOP").
func (e *Engine) RPop(ctx context.Context, name string, count int) ([][]byte, error) {
	return e.listPop(ctx, name, count, false)
}

func (e *Engine) listPop(ctx context.Context, name string, count int, left bool) ([][]byte, error) {
	if count <= 0 {
		count = 1
	}
	var out [][]byte
	err := e.withHandle(ctx, "listpop", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeList)
		if errors.Is(err, core.NoSuchKey) {
			return nil
		}
		if err != nil {
			return err
		}

		order := "ASC"
		if !left {
			order = "DESC"
		}
		rows, err := tx.QueryContext(ctx, `SELECT position, value FROM lists WHERE key_id = ? ORDER BY position `+order+` LIMIT ?`, k.ID, count)
		if err != nil {
			return err
		}
		var positions []int64
		for rows.Next() {
			var pos int64
			var val []byte
			if err := rows.Scan(&pos, &val); err != nil {
				rows.Close()
				return err
			}
			positions = append(positions, pos)
			out = append(out, val)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, pos := range positions {
			if _, err := tx.ExecContext(ctx, `DELETE FROM lists WHERE key_id = ? AND position = ?`, k.ID, pos); err != nil {
				return err
			}
		}
		if len(positions) == 0 {
			return nil
		}
		if empty, err := listEmpty(ctx, tx, k.ID); err != nil {
			return err
		} else if empty {
			return deleteKey(ctx, tx, k.ID)
		}
		_, err = bumpVersion(ctx, tx, k.ID)
		return err
	})
	return out, err
}

// LLen returns the list's length (spec "LLEN").
func (e *Engine) LLen(ctx context.Context, name string) (int64, error) {
	var n int64
	err := e.withHandle(ctx, "llen", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKey(ctx, tx, e.db(), name)
		if errors.Is(err, core.NoSuchKey) {
			return nil
		}
		if err != nil {
			return err
		}
		if k.Type != types.TypeList {
			return core.WrongType
		}
		row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM lists WHERE key_id = ?`, k.ID)
		return row.Scan(&n)
	})
	return n, err
}

// LRange returns elements over the inclusive index range [start, stop] with
// Redis's negative-index convention (spec "LRANGE").
func (e *Engine) LRange(ctx context.Context, name string, start, stop int64) ([][]byte, error) {
	var out [][]byte
	err := e.withHandle(ctx, "lrange", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKey(ctx, tx, e.db(), name)
		if errors.Is(err, core.NoSuchKey) {
			return nil
		}
		if err != nil {
			return err
		}
		if k.Type != types.TypeList {
			return core.WrongType
		}
		var total int64
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM lists WHERE key_id = ?`, k.ID).Scan(&total); err != nil {
			return err
		}
		lo, hi := clampRange(start, stop, total)
		if lo > hi || total == 0 {
			return nil
		}
		rows, err := tx.QueryContext(ctx, `
			SELECT value FROM lists WHERE key_id = ? ORDER BY position ASC LIMIT ? OFFSET ?
		`, k.ID, hi-lo+1, lo)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var v []byte
			if err := rows.Scan(&v); err != nil {
				return err
			}
			out = append(out, v)
		}
		e.sess.Core().TouchKey(k)
		return rows.Err()
	})
	return out, err
}

// LIndex returns the element at index, or core.NotFound (spec "LINDEX").
func (e *Engine) LIndex(ctx context.Context, name string, index int64) ([]byte, error) {
	out, err := e.LRange(ctx, name, index, index)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, core.NotFound
	}
	return out[0], nil
}

// LSet overwrites the element at index (spec "LSET").
func (e *Engine) LSet(ctx context.Context, name string, index int64, value []byte) error {
	return e.withHandle(ctx, "lset", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeList)
		if err != nil {
			return err
		}
		var total int64
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM lists WHERE key_id = ?`, k.ID).Scan(&total); err != nil {
			return err
		}
		idx := index
		if idx < 0 {
			idx += total
		}
		if idx < 0 || idx >= total {
			return core.OutOfRange
		}
		var pos int64
		if err := tx.QueryRowContext(ctx, `SELECT position FROM lists WHERE key_id = ? ORDER BY position ASC LIMIT 1 OFFSET ?`, k.ID, idx).Scan(&pos); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE lists SET value = ? WHERE key_id = ? AND position = ?`, value, k.ID, pos); err != nil {
			return err
		}
		_, err = bumpVersion(ctx, tx, k.ID)
		return err
	})
}

// LTrim keeps only the inclusive index range [start, stop], deleting the
// rest (spec "LTRIM").
func (e *Engine) LTrim(ctx context.Context, name string, start, stop int64) error {
	return e.withHandle(ctx, "ltrim", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeList)
		if errors.Is(err, core.NoSuchKey) {
			return nil
		}
		if err != nil {
			return err
		}
		var total int64
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM lists WHERE key_id = ?`, k.ID).Scan(&total); err != nil {
			return err
		}
		lo, hi := clampRange(start, stop, total)
		if lo > hi {
			if _, err := tx.ExecContext(ctx, `DELETE FROM lists WHERE key_id = ?`, k.ID); err != nil {
				return err
			}
			return deleteKey(ctx, tx, k.ID)
		}
		rows, err := tx.QueryContext(ctx, `SELECT position FROM lists WHERE key_id = ? ORDER BY position ASC`, k.ID)
		if err != nil {
			return err
		}
		var positions []int64
		for i := 0; rows.Next(); i++ {
			var pos int64
			if err := rows.Scan(&pos); err != nil {
				rows.Close()
				return err
			}
			if int64(i) < lo || int64(i) > hi {
				positions = append(positions, pos)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		for _, pos := range positions {
			if _, err := tx.ExecContext(ctx, `DELETE FROM lists WHERE key_id = ? AND position = ?`, k.ID, pos); err != nil {
				return err
			}
		}
		if empty, err := listEmpty(ctx, tx, k.ID); err != nil {
			return err
		} else if empty {
			return deleteKey(ctx, tx, k.ID)
		}
		_, err = bumpVersion(ctx, tx, k.ID)
		return err
	})
}

// LRem removes up to count occurrences of value (all if count == 0),
// scanning head-to-tail if count >= 0, tail-to-head if count < 0
// (spec "LREM").
func (e *Engine) LRem(ctx context.Context, name string, count int64, value []byte) (int64, error) {
	var removed int64
	err := e.withHandle(ctx, "lrem", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeList)
		if errors.Is(err, core.NoSuchKey) {
			return nil
		}
		if err != nil {
			return err
		}

		order := "ASC"
		if count < 0 {
			order = "DESC"
		}
		limit := count
		if limit < 0 {
			limit = -limit
		}

		query := `SELECT position, value FROM lists WHERE key_id = ? ORDER BY position ` + order
		args := []any{k.ID}
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		var positions []int64
		for rows.Next() {
			var pos int64
			var val []byte
			if err := rows.Scan(&pos, &val); err != nil {
				rows.Close()
				return err
			}
			if string(val) == string(value) {
				if limit == 0 || int64(len(positions)) < limit {
					positions = append(positions, pos)
				}
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, pos := range positions {
			if _, err := tx.ExecContext(ctx, `DELETE FROM lists WHERE key_id = ? AND position = ?`, k.ID, pos); err != nil {
				return err
			}
			removed++
		}
		if removed > 0 {
			if empty, err := listEmpty(ctx, tx, k.ID); err != nil {
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

// LInsert inserts value immediately before or after the first occurrence of
// pivot, taking the midpoint between pivot's position and its neighbor on
// the insert side (or pivot ± listGap at an edge) so the list usually needs
// no renumbering (spec "LINSERT", spec §4.5). When the midpoint collides
// with pivot or its neighbor, the list is renumbered by rebalanceList and
// the insert retried once. Returns the new length, or core.NotFound if pivot
// is not present.
func (e *Engine) LInsert(ctx context.Context, name string, before bool, pivot, value []byte) (int64, error) {
	var length int64
	err := e.withHandle(ctx, "linsert", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeList)
		if err != nil {
			return err
		}

		var pivotPos int64
		rows, err := tx.QueryContext(ctx, `SELECT position, value FROM lists WHERE key_id = ? ORDER BY position ASC`, k.ID)
		if err != nil {
			return err
		}
		found := false
		for rows.Next() {
			var pos int64
			var val []byte
			if err := rows.Scan(&pos, &val); err != nil {
				rows.Close()
				return err
			}
			if !found && string(val) == string(pivot) {
				pivotPos = pos
				found = true
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		if !found {
			return core.NotFound
		}

		var neighborPos int64
		var hasNeighbor bool
		neighborQuery := `SELECT position FROM lists WHERE key_id = ? AND position `
		if before {
			neighborQuery += `< ? ORDER BY position DESC LIMIT 1`
		} else {
			neighborQuery += `> ? ORDER BY position ASC LIMIT 1`
		}
		row := tx.QueryRowContext(ctx, neighborQuery, k.ID, pivotPos)
		if err := row.Scan(&neighborPos); err == nil {
			hasNeighbor = true
		}

		var pos int64
		if before {
			if hasNeighbor {
				pos = neighborPos + (pivotPos-neighborPos)/2
				if pos == neighborPos || pos == pivotPos {
					if err := rebalanceList(ctx, tx, k.ID); err != nil {
						return err
					}
					if err := e.relinsertAfterRebalance(ctx, tx, k.ID, pivot, value, before); err != nil {
						return err
					}
					return tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM lists WHERE key_id = ?`, k.ID).Scan(&length)
				}
			} else {
				pos = pivotPos - listGap
			}
		} else {
			if hasNeighbor {
				pos = pivotPos + (neighborPos-pivotPos)/2
				if pos == neighborPos || pos == pivotPos {
					if err := rebalanceList(ctx, tx, k.ID); err != nil {
						return err
					}
					if err := e.relinsertAfterRebalance(ctx, tx, k.ID, pivot, value, before); err != nil {
						return err
					}
					return tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM lists WHERE key_id = ?`, k.ID).Scan(&length)
				}
			} else {
				pos = pivotPos + listGap
			}
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO lists (key_id, position, value) VALUES (?, ?, ?)`, k.ID, pos, value); err != nil {
			return err
		}
		if _, err := bumpVersion(ctx, tx, k.ID); err != nil {
			return err
		}
		row = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM lists WHERE key_id = ?`, k.ID)
		return row.Scan(&length)
	})
	if err == nil {
		e.sess.Core().Signal(e.db(), name)
	}
	return length, err
}

// relinsertAfterRebalance re-finds pivot's (now evenly spaced) position
// after rebalanceList has renumbered the list and retries the insert once,
// so a gap exhausted by repeated LINSERTs near one spot never loops forever.
func (e *Engine) relinsertAfterRebalance(ctx context.Context, tx core.Execer, keyID int64, pivot, value []byte, before bool) error {
	var pivotPos int64
	row := tx.QueryRowContext(ctx, `SELECT position FROM lists WHERE key_id = ? AND value = ? ORDER BY position ASC LIMIT 1`, keyID, pivot)
	if err := row.Scan(&pivotPos); err != nil {
		return core.NotFound
	}

	var neighborPos int64
	var hasNeighbor bool
	neighborQuery := `SELECT position FROM lists WHERE key_id = ? AND position `
	if before {
		neighborQuery += `< ? ORDER BY position DESC LIMIT 1`
	} else {
		neighborQuery += `> ? ORDER BY position ASC LIMIT 1`
	}
	nrow := tx.QueryRowContext(ctx, neighborQuery, keyID, pivotPos)
	if err := nrow.Scan(&neighborPos); err == nil {
		hasNeighbor = true
	}

	var pos int64
	if before {
		if hasNeighbor {
			pos = neighborPos + (pivotPos-neighborPos)/2
		} else {
			pos = pivotPos - listGap
		}
	} else {
		if hasNeighbor {
			pos = pivotPos + (neighborPos-pivotPos)/2
		} else {
			pos = pivotPos + listGap
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO lists (key_id, position, value) VALUES (?, ?, ?)`, keyID, pos, value); err != nil {
		return err
	}
	_, err := bumpVersion(ctx, tx, keyID)
	return err
}

// LMove pops from one end of src and pushes onto one end of dst, returning
// the moved element (spec "LMOVE"). When src == dst this is a rotation
// within a single handle acquisition; otherwise the handle is released
// between the pop and the push, and the push onto dst (LPush/RPush) acquires
// the handle on its own (spec §4.1, §4.5).
func (e *Engine) LMove(ctx context.Context, src, dst string, srcLeft, dstLeft bool) ([]byte, error) {
	if src == dst {
		var out []byte
		err := e.withHandle(ctx, "lmove", func(ctx context.Context, tx core.Execer) error {
			k, err := resolveKeyOfType(ctx, tx, e.db(), src, types.TypeList)
			if err != nil {
				return err
			}
			order := "ASC"
			if !srcLeft {
				order = "DESC"
			}
			var pos int64
			var val []byte
			row := tx.QueryRowContext(ctx, `SELECT position, value FROM lists WHERE key_id = ? ORDER BY position `+order+` LIMIT 1`, k.ID)
			if err := row.Scan(&pos, &val); err != nil {
				return core.NoSuchKey
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM lists WHERE key_id = ? AND position = ?`, k.ID, pos); err != nil {
				return err
			}
			newPos, err := nextEdgePosition(ctx, tx, k.ID, dstLeft)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO lists (key_id, position, value) VALUES (?, ?, ?)`, k.ID, newPos, val); err != nil {
				return err
			}
			if _, err := bumpVersion(ctx, tx, k.ID); err != nil {
				return err
			}
			out = val
			return nil
		})
		if err == nil {
			e.sess.Core().Signal(e.db(), src)
		}
		return out, err
	}

	var vs [][]byte
	var err error
	if srcLeft {
		vs, err = e.LPop(ctx, src, 1)
	} else {
		vs, err = e.RPop(ctx, src, 1)
	}
	if err != nil {
		return nil, err
	}
	if len(vs) == 0 {
		return nil, core.NoSuchKey
	}
	if dstLeft {
		_, err = e.LPush(ctx, dst, vs[0])
	} else {
		_, err = e.RPush(ctx, dst, vs[0])
	}
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

func listEmpty(ctx context.Context, tx core.Execer, keyID int64) (bool, error) {
	var n int
	row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM lists WHERE key_id = ?`, keyID)
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n == 0, nil
}
