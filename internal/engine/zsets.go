package engine

import (
	"context"
	"errors"

	"github.com/velakv/vela/internal/core"
	"github.com/velakv/vela/internal/types"
)

// ZAdd adds or updates scored members, creating the zset if absent, and
// returns the count of members newly added (spec "ZADD").
func (e *Engine) ZAdd(ctx context.Context, name string, members []types.ZMember) (int64, error) {
	var added int64
	err := e.withHandle(ctx, "zadd", func(ctx context.Context, tx core.Execer) error {
		k, err := createKey(ctx, tx, e.db(), name, types.TypeZSet)
		if err != nil {
			return err
		}
		for _, m := range members {
			var existed bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM zsets WHERE key_id = ? AND member = ?)`, k.ID, m.Member).Scan(&existed); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO zsets (key_id, member, score) VALUES (?, ?, ?)
				ON CONFLICT(key_id, member) DO UPDATE SET score = excluded.score
			`, k.ID, m.Member, m.Score); err != nil {
				return err
			}
			if !existed {
				added++
			}
		}
		_, err = bumpVersion(ctx, tx, k.ID)
		return err
	})
	return added, err
}

// ZScore returns a member's score, or core.NotFound.
func (e *Engine) ZScore(ctx context.Context, name, member string) (float64, error) {
	var score float64
	var found bool
	err := e.withHandle(ctx, "zscore", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeZSet)
		if err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `SELECT score FROM zsets WHERE key_id = ? AND member = ?`, k.ID, member)
		if err := row.Scan(&score); err != nil {
			return nil
		}
		found = true
		return nil
	})
	if err == nil && !found {
		return 0, core.NotFound
	}
	return score, err
}

// ZIncrBy adds delta to member's score, creating both the zset and member
// at 0 if absent, and returns the new score (spec "ZINCRBY").
func (e *Engine) ZIncrBy(ctx context.Context, name, member string, delta float64) (float64, error) {
	var result float64
	err := e.withHandle(ctx, "zincrby", func(ctx context.Context, tx core.Execer) error {
		k, err := createKey(ctx, tx, e.db(), name, types.TypeZSet)
		if err != nil {
			return err
		}
		var cur float64
		row := tx.QueryRowContext(ctx, `SELECT score FROM zsets WHERE key_id = ? AND member = ?`, k.ID, member)
		_ = row.Scan(&cur)
		result = cur + delta
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO zsets (key_id, member, score) VALUES (?, ?, ?)
			ON CONFLICT(key_id, member) DO UPDATE SET score = excluded.score
		`, k.ID, member, result); err != nil {
			return err
		}
		_, err = bumpVersion(ctx, tx, k.ID)
		return err
	})
	return result, err
}

// ZRem removes members, returning the count actually removed (spec "ZREM").
func (e *Engine) ZRem(ctx context.Context, name string, members ...string) (int64, error) {
	var removed int64
	err := e.withHandle(ctx, "zrem", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeZSet)
		if errors.Is(err, core.NoSuchKey) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, m := range members {
			res, err := tx.ExecContext(ctx, `DELETE FROM zsets WHERE key_id = ? AND member = ?`, k.ID, m)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			removed += n
		}
		if removed > 0 {
			if empty, err := zsetEmpty(ctx, tx, k.ID); err != nil {
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

// ZCard returns the zset's cardinality (spec "ZCARD").
func (e *Engine) ZCard(ctx context.Context, name string) (int64, error) {
	var n int64
	err := e.withHandle(ctx, "zcard", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKey(ctx, tx, e.db(), name)
		if errors.Is(err, core.NoSuchKey) {
			return nil
		}
		if err != nil {
			return err
		}
		if k.Type != types.TypeZSet {
			return core.WrongType
		}
		row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM zsets WHERE key_id = ?`, k.ID)
		return row.Scan(&n)
	})
	return n, err
}

// ZRange returns members in score order (ascending unless rev is set) over
// the inclusive rank range [start, stop], with Redis's negative-index
// convention (spec "ZRANGE"/"ZREVRANGE").
func (e *Engine) ZRange(ctx context.Context, name string, start, stop int64, rev bool) ([]types.ZMember, error) {
	var out []types.ZMember
	err := e.withHandle(ctx, "zrange", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKey(ctx, tx, e.db(), name)
		if errors.Is(err, core.NoSuchKey) {
			return nil
		}
		if err != nil {
			return err
		}
		if k.Type != types.TypeZSet {
			return core.WrongType
		}

		var total int64
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM zsets WHERE key_id = ?`, k.ID).Scan(&total); err != nil {
			return err
		}
		lo, hi := clampRange(start, stop, total)
		if lo > hi || total == 0 {
			return nil
		}
		limit := hi - lo + 1

		order := "ASC"
		offset := lo
		if rev {
			order = "DESC"
			offset = total - 1 - hi
		}
		rows, err := tx.QueryContext(ctx,
			`SELECT member, score FROM zsets WHERE key_id = ? ORDER BY score `+order+`, member `+order+` LIMIT ? OFFSET ?`,
			k.ID, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var m types.ZMember
			if err := rows.Scan(&m.Member, &m.Score); err != nil {
				return err
			}
			out = append(out, m)
		}
		e.sess.Core().TouchKey(k)
		return rows.Err()
	})
	return out, err
}

// ZRangeByScore returns members with score in [min, max] in ascending order
// (spec "ZRANGEBYSCORE").
func (e *Engine) ZRangeByScore(ctx context.Context, name string, min, max float64) ([]types.ZMember, error) {
	var out []types.ZMember
	err := e.withHandle(ctx, "zrangebyscore", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKey(ctx, tx, e.db(), name)
		if errors.Is(err, core.NoSuchKey) {
			return nil
		}
		if err != nil {
			return err
		}
		if k.Type != types.TypeZSet {
			return core.WrongType
		}
		rows, err := tx.QueryContext(ctx, `
			SELECT member, score FROM zsets WHERE key_id = ? AND score >= ? AND score <= ?
			ORDER BY score ASC, member ASC
		`, k.ID, min, max)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var m types.ZMember
			if err := rows.Scan(&m.Member, &m.Score); err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}

// ZRank returns member's 0-based ascending rank, or core.NotFound
// (spec "ZRANK").
func (e *Engine) ZRank(ctx context.Context, name, member string) (int64, error) {
	var rank int64
	var found bool
	err := e.withHandle(ctx, "zrank", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeZSet)
		if err != nil {
			return err
		}
		var score float64
		if err := tx.QueryRowContext(ctx, `SELECT score FROM zsets WHERE key_id = ? AND member = ?`, k.ID, member).Scan(&score); err != nil {
			return nil
		}
		found = true
		row := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM zsets
			WHERE key_id = ? AND (score < ? OR (score = ? AND member < ?))
		`, k.ID, score, score, member)
		return row.Scan(&rank)
	})
	if err == nil && !found {
		return 0, core.NotFound
	}
	return rank, err
}

// ZRevRank is ZRank counting members strictly after the target instead of
// strictly before, matching the reverse (score descending, member
// descending) ordering ZREVRANGE uses (spec "ZREVRANK").
func (e *Engine) ZRevRank(ctx context.Context, name, member string) (int64, error) {
	var rank int64
	var found bool
	err := e.withHandle(ctx, "zrevrank", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeZSet)
		if err != nil {
			return err
		}
		var score float64
		if err := tx.QueryRowContext(ctx, `SELECT score FROM zsets WHERE key_id = ? AND member = ?`, k.ID, member).Scan(&score); err != nil {
			return nil
		}
		found = true
		row := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM zsets
			WHERE key_id = ? AND (score > ? OR (score = ? AND member > ?))
		`, k.ID, score, score, member)
		return row.Scan(&rank)
	})
	if err == nil && !found {
		return 0, core.NotFound
	}
	return rank, err
}

// zsetOp loads every input zset with an optional per-set weight, combines
// per-member scores with agg (SUM, MIN, or MAX — spec §4.4), and returns the
// result. Backs ZINTERSTORE/ZUNIONSTORE, which both aggregate scores across
// multiple zsets — SQL-side set joins would need a dynamic join count, so
// this mirrors setOp's in-memory combine strategy.
func (e *Engine) zsetOp(ctx context.Context, names []string, weights []float64, agg types.ZAggregate, intersect bool) ([]types.ZMember, error) {
	var out []types.ZMember
	err := e.withHandle(ctx, "zsetop", func(ctx context.Context, tx core.Execer) error {
		scores := map[string]float64{}
		counts := map[string]int{}
		for i, name := range names {
			w := 1.0
			if i < len(weights) {
				w = weights[i]
			}
			k, err := resolveKey(ctx, tx, e.db(), name)
			if err != nil {
				if errors.Is(err, core.NoSuchKey) {
					continue
				}
				return err
			}
			rows, err := zsetOrSetRows(ctx, tx, k)
			if err != nil {
				return err
			}
			for member, score := range rows {
				weighted := score * w
				if counts[member] == 0 {
					scores[member] = weighted
				} else {
					switch agg {
					case types.ZAggMin:
						if weighted < scores[member] {
							scores[member] = weighted
						}
					case types.ZAggMax:
						if weighted > scores[member] {
							scores[member] = weighted
						}
					default: // ZAggSum
						scores[member] += weighted
					}
				}
				counts[member]++
			}
		}
		for member, score := range scores {
			if intersect && counts[member] != len(names) {
				continue
			}
			out = append(out, types.ZMember{Member: member, Score: score})
		}
		return nil
	})
	return out, err
}

// zsetOrSetRows reads a key's members as a member->score map, treating plain
// sets as all-1.0-scored so ZINTERSTORE/ZUNIONSTORE can mix zset and set
// inputs the way Redis does.
func zsetOrSetRows(ctx context.Context, tx core.Execer, k *types.Key) (map[string]float64, error) {
	out := map[string]float64{}
	switch k.Type {
	case types.TypeZSet:
		rows, err := tx.QueryContext(ctx, `SELECT member, score FROM zsets WHERE key_id = ?`, k.ID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var m string
			var s float64
			if err := rows.Scan(&m, &s); err != nil {
				return nil, err
			}
			out[m] = s
		}
		return out, rows.Err()
	case types.TypeSet:
		rows, err := tx.QueryContext(ctx, `SELECT member FROM sets WHERE key_id = ?`, k.ID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var m []byte
			if err := rows.Scan(&m); err != nil {
				return nil, err
			}
			out[string(m)] = 1.0
		}
		return out, rows.Err()
	default:
		return nil, core.WrongType
	}
}

// ZInterStore stores the intersection of names into dst, combining each
// member's per-source weighted scores with agg (spec §4.4 "ZINTERSTORE…
// accept per-source weights and an aggregation ∈ {SUM, MIN, MAX}").
func (e *Engine) ZInterStore(ctx context.Context, dst string, names []string, weights []float64, agg types.ZAggregate) (int64, error) {
	members, err := e.zsetOp(ctx, names, weights, agg, true)
	if err != nil {
		return 0, err
	}
	return e.storeZSet(ctx, dst, members)
}

// ZUnionStore stores the union of names into dst, combining each member's
// per-source weighted scores with agg (spec §4.4).
func (e *Engine) ZUnionStore(ctx context.Context, dst string, names []string, weights []float64, agg types.ZAggregate) (int64, error) {
	members, err := e.zsetOp(ctx, names, weights, agg, false)
	if err != nil {
		return 0, err
	}
	return e.storeZSet(ctx, dst, members)
}

func (e *Engine) storeZSet(ctx context.Context, dst string, members []types.ZMember) (int64, error) {
	var n int64
	err := e.withHandle(ctx, "zsetop_store", func(ctx context.Context, tx core.Execer) error {
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
		k, err := createKey(ctx, tx, e.db(), dst, types.TypeZSet)
		if err != nil {
			return err
		}
		for _, m := range members {
			if _, err := tx.ExecContext(ctx, `INSERT INTO zsets (key_id, member, score) VALUES (?, ?, ?)`, k.ID, m.Member, m.Score); err != nil {
				return err
			}
		}
		n = int64(len(members))
		return nil
	})
	return n, err
}

func zsetEmpty(ctx context.Context, tx core.Execer, keyID int64) (bool, error) {
	var n int
	row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM zsets WHERE key_id = ?`, keyID)
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n == 0, nil
}
