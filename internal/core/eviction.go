package core

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"
)

// sampleSize is the number of candidate keys the sampled eviction pass
// considers per victim pick (spec §4.3).
const sampleSize = 5

// evictionCheckInterval throttles how often maybeEvict actually measures
// usage to at most once per second (spec §4.3). One gate covers both the
// disk and the memory cap.
const evictionCheckInterval = 1 * time.Second

// perKeyOverheadBytes is the flat per-key bookkeeping cost spec §4.3's
// memory-usage formula adds on top of a key's name and payload bytes.
const perKeyOverheadBytes = 150

// maybeEvict is the two-phase eviction controller of spec §4.3: first a TTL
// vacuum pass (reclaiming expired keys is always free memory/disk, so it
// always runs before anything policy-based), then the disk- and
// memory-triggered branches independently — a disk cap always evicts the
// globally oldest key regardless of policy, while a memory cap evicts by
// the configured policy. Like maybeAutovacuum, only one caller per
// evictionCheckInterval actually does the measuring.
func (c *Core) maybeEvict(ctx context.Context) {
	cfg := c.Config()
	if cfg.MaxDiskBytes == 0 && cfg.MaxMemoryBytes == 0 {
		return
	}
	now := time.Now().UnixMilli()
	last := c.lastEviction.Load()
	if now-last < evictionCheckInterval.Milliseconds() {
		return
	}
	if !c.lastEviction.CompareAndSwap(last, now) {
		return
	}

	_, err, _ := c.duty.Do("eviction", func() (any, error) {
		if err := c.sweepExpired(ctx); err != nil {
			return nil, err
		}
		evicted := 0
		if cfg.MaxDiskBytes > 0 {
			n, err := c.evictDiskTriggered(ctx, cfg.MaxDiskBytes)
			if err != nil {
				return nil, err
			}
			evicted += n
		}
		if cfg.MaxMemoryBytes > 0 && cfg.EvictionPolicy != PolicyNoEviction {
			n, err := c.evictMemoryTriggered(ctx, cfg)
			if err != nil {
				return nil, err
			}
			evicted += n
		}
		c.tel.evictions.Add(ctx, int64(evicted))
		return nil, nil
	})
	if err != nil {
		c.log.Printf("vela: eviction pass failed: %v", err)
	}
}

// diskUsage reports the current file size via SQLite's own
// page_count*page_size pragmas, the cheapest accurate estimate available
// without external OS calls. Disk budget is measured this way because
// spec §4.3's disk-triggered branch is about actual bytes on disk, not the
// per-key formula (that formula is specifically "memory-usage estimate").
func (c *Core) diskUsage(ctx context.Context) (uint64, error) {
	var pageCount, pageSize int64
	err := c.WithHandle(ctx, "eviction_disk_usage", func(ctx context.Context, tx Execer) error {
		if err := tx.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
	})
	if err != nil {
		return 0, err
	}
	return uint64(pageCount * pageSize), nil
}

// memoryUsage implements spec §4.3's literal per-key formula, summed over
// every key: name length + type-specific payload (string length; hash
// field+value lengths; list values; set members; zset members plus 8
// bytes/score; stream entry data) + a flat perKeyOverheadBytes per key.
// JSON documents extend the same per-type-payload pattern for the one
// value type the spec's enumeration didn't name explicitly.
func (c *Core) memoryUsage(ctx context.Context) (uint64, error) {
	queries := []string{
		`SELECT COALESCE(SUM(LENGTH(name)), 0) + COUNT(*) * ` + strconv.Itoa(perKeyOverheadBytes) + ` FROM keys`,
		`SELECT COALESCE(SUM(LENGTH(value)), 0) FROM strings`,
		`SELECT COALESCE(SUM(LENGTH(field) + LENGTH(value)), 0) FROM hashes`,
		`SELECT COALESCE(SUM(LENGTH(value)), 0) FROM lists`,
		`SELECT COALESCE(SUM(LENGTH(member)), 0) FROM sets`,
		`SELECT COALESCE(SUM(LENGTH(member) + 8), 0) FROM zsets`,
		`SELECT COALESCE(SUM(LENGTH(data)), 0) FROM stream_entries`,
		`SELECT COALESCE(SUM(LENGTH(document)), 0) FROM json_docs`,
	}
	var total int64
	err := c.WithHandle(ctx, "eviction_memory_usage", func(ctx context.Context, tx Execer) error {
		for _, q := range queries {
			var n int64
			if err := tx.QueryRowContext(ctx, q).Scan(&n); err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return uint64(total), nil
}

// evictDiskTriggered implements spec §4.3's disk-triggered branch: victim
// selection always uses the globally oldest created_at key, independent of
// the configured eviction policy.
func (c *Core) evictDiskTriggered(ctx context.Context, budget uint64) (int, error) {
	const maxPasses = 10000
	evicted := 0
	for i := 0; i < maxPasses; i++ {
		usage, err := c.diskUsage(ctx)
		if err != nil {
			return evicted, err
		}
		if usage <= budget {
			return evicted, nil
		}
		victim, ok, err := c.oldestKey(ctx)
		if err != nil {
			return evicted, err
		}
		if !ok {
			return evicted, nil
		}
		if err := c.deleteKeyByID(ctx, victim); err != nil {
			return evicted, err
		}
		c.candidateCache.Remove(victim)
		evicted++
	}
	return evicted, nil
}

// oldestKey returns the id of the key with the smallest created_at, the
// deterministic global selection spec §4.3 requires for disk-triggered
// eviction (as opposed to the sampled selection memory-triggered eviction
// uses).
func (c *Core) oldestKey(ctx context.Context) (int64, bool, error) {
	var id int64
	err := c.WithHandle(ctx, "eviction_oldest", func(ctx context.Context, tx Execer) error {
		return tx.QueryRowContext(ctx, `SELECT id FROM keys ORDER BY created_at ASC LIMIT 1`).Scan(&id)
	})
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// evictMemoryTriggered implements spec §4.3's memory-triggered branch:
// repeatedly sample candidates, delete the worst by policy, and re-measure
// until usage drops under budget or no candidates remain. It caps
// iterations generously rather than looping forever against a budget that
// eviction alone cannot satisfy (e.g. one oversized key).
func (c *Core) evictMemoryTriggered(ctx context.Context, cfg Config) (int, error) {
	const maxPasses = 10000
	evicted := 0
	for i := 0; i < maxPasses; i++ {
		usage, err := c.memoryUsage(ctx)
		if err != nil {
			return evicted, err
		}
		if usage <= cfg.MaxMemoryBytes {
			return evicted, nil
		}
		var victim int64
		var ok bool
		var err error
		switch cfg.EvictionPolicy {
		case PolicyAllKeysRandom, PolicyVolatileRand, PolicyVolatileTTL:
			// spec §4.3: "for *-random and volatile-ttl, a single SQL query
			// selects the victim deterministically" — no sampling pool.
			victim, ok, err = c.deterministicVictim(ctx, cfg.EvictionPolicy)
		default:
			victim, ok, err = c.sampleVictim(ctx, cfg.EvictionPolicy)
		}
		if err != nil {
			return evicted, err
		}
		if !ok {
			return evicted, nil
		}
		if err := c.deleteKeyByID(ctx, victim); err != nil {
			return evicted, err
		}
		evicted++
	}
	return evicted, nil
}

// deterministicVictim implements spec §4.3's non-sampled policies: a single
// SQL query picks the victim outright, with no candidate pool involved.
// `*-random` draws uniformly at random via SQLite's own RANDOM() ordering;
// `volatile-ttl` always takes the soonest-to-expire volatile key.
func (c *Core) deterministicVictim(ctx context.Context, policy EvictionPolicy) (int64, bool, error) {
	var query string
	switch policy {
	case PolicyVolatileTTL:
		query = `SELECT id FROM keys WHERE expire_at IS NOT NULL ORDER BY expire_at ASC LIMIT 1`
	case PolicyVolatileRand:
		query = `SELECT id FROM keys WHERE expire_at IS NOT NULL ORDER BY RANDOM() LIMIT 1`
	default: // PolicyAllKeysRandom
		query = `SELECT id FROM keys ORDER BY RANDOM() LIMIT 1`
	}
	var id int64
	err := c.WithHandle(ctx, "eviction_deterministic", func(ctx context.Context, tx Execer) error {
		return tx.QueryRowContext(ctx, query).Scan(&id)
	})
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// sampleVictim picks sampleSize random candidate keys (restricted to
// volatile keys for volatile-lru/volatile-lfu per spec §4.3) and returns the
// worst one by the policy's ordering: oldest last_accessed for LRU, lowest
// access_count for LFU. Only ever called for the LRU/LFU families —
// `*-random` and `volatile-ttl` are deterministic single-query picks (see
// deterministicVictim) and never reach a sampling pool.
//
// Candidates are drawn from candidateCache's warm pool plus a fresh random
// top-up from the backing store, the same "eviction pool" shape real Redis
// keeps across approximated-LRU/LFU cycles instead of resampling cold every
// call: non-victims from this round are fed back into the pool so later
// calls see a wider spread of candidates than a single random draw would.
func (c *Core) sampleVictim(ctx context.Context, policy EvictionPolicy) (int64, bool, error) {
	volatileOnly := policy == PolicyVolatileLRU || policy == PolicyVolatileLFU

	type candidate struct {
		id           int64
		lastAccessed int64
		accessCount  int64
		expireAt     sql.NullInt64
		createdAt    int64
	}

	ids := append([]int64(nil), c.candidateCache.Keys()...)
	var candidates []candidate

	err := c.WithHandle(ctx, "eviction_sample", func(ctx context.Context, tx Execer) error {
		topUp := `SELECT id FROM keys`
		if volatileOnly {
			topUp += ` WHERE expire_at IS NOT NULL`
		}
		topUp += ` ORDER BY RANDOM() LIMIT ?`

		rows, err := tx.QueryContext(ctx, topUp, sampleSize)
		if err != nil {
			return err
		}
		seen := make(map[int64]bool, len(ids))
		for _, id := range ids {
			seen[id] = true
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			if !seen[id] {
				ids = append(ids, id)
				seen[id] = true
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		if len(ids) == 0 {
			return nil
		}

		placeholders := make([]string, len(ids))
		args := make([]any, len(ids))
		for i, id := range ids {
			placeholders[i] = "?"
			args[i] = id
		}
		scoreQuery := `SELECT id, last_accessed, access_count, expire_at, created_at FROM keys WHERE id IN (` +
			strings.Join(placeholders, ",") + `)`
		if volatileOnly {
			scoreQuery += ` AND expire_at IS NOT NULL`
		}
		scoreRows, err := tx.QueryContext(ctx, scoreQuery, args...)
		if err != nil {
			return err
		}
		defer scoreRows.Close()
		for scoreRows.Next() {
			var cnd candidate
			if err := scoreRows.Scan(&cnd.id, &cnd.lastAccessed, &cnd.accessCount, &cnd.expireAt, &cnd.createdAt); err != nil {
				return err
			}
			candidates = append(candidates, cnd)
		}
		return scoreRows.Err()
	})
	if err != nil {
		return 0, false, err
	}
	if len(candidates) == 0 {
		c.candidateCache.Purge()
		return 0, false, nil
	}

	worst := candidates[0]
	for _, cnd := range candidates[1:] {
		switch policy {
		case PolicyAllKeysLFU, PolicyVolatileLFU:
			if cnd.accessCount < worst.accessCount {
				worst = cnd
			}
		default: // PolicyAllKeysLRU, PolicyVolatileLRU
			if cnd.lastAccessed < worst.lastAccessed {
				worst = cnd
			}
		}
	}

	c.candidateCache.Remove(worst.id)
	for _, cnd := range candidates {
		if cnd.id != worst.id {
			c.candidateCache.Add(cnd.id, struct{}{})
		}
	}
	return worst.id, true, nil
}

// deleteKeyByID removes a key and, via ON DELETE CASCADE, every row it owns
// in the typed value tables. A history entry is not recorded here:
// eviction is a housekeeping action, not a user mutation (spec §4.9 tracks
// user-initiated changes).
func (c *Core) deleteKeyByID(ctx context.Context, keyID int64) error {
	return c.WithHandle(ctx, "eviction_delete", func(ctx context.Context, tx Execer) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM keys WHERE id = ?`, keyID)
		return err
	})
}
