package core

import (
	"context"
	"sync"
	"time"

	"github.com/velakv/vela/internal/types"
)

// accessTracker buffers last_accessed/access_count updates in memory so hot
// reads don't each cost a write transaction (the batched-flush half of spec
// §4.2's persist-tracking path). With PersistAccessTrack off, TouchKey
// records nothing and the buffer stays empty. A plain
// mutex-guarded map is enough here: the working set is bounded by however
// many distinct keys were touched since the last flush, not by overall
// keyspace size.
type accessTracker struct {
	mu      sync.Mutex
	touched map[int64]accessEntry
}

type accessEntry struct {
	lastAccessed int64
	count        int64
}

func newAccessTracker() *accessTracker {
	return &accessTracker{touched: make(map[int64]accessEntry)}
}

// Touch records an access against keyID, coalescing with any not-yet-flushed
// entry for the same key.
func (a *accessTracker) Touch(keyID int64, nowMs int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.touched[keyID]
	e.lastAccessed = nowMs
	e.count++
	a.touched[keyID] = e
}

// drain removes and returns every buffered entry, resetting the map.
func (a *accessTracker) drain() map[int64]accessEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.touched) == 0 {
		return nil
	}
	out := a.touched
	a.touched = make(map[int64]accessEntry)
	return out
}

// TouchKey is the entry point typed engines call after resolving a Key,
// honoring Config.PersistAccessTrack (spec §4.2).
func (c *Core) TouchKey(k *types.Key) {
	cfg := c.Config()
	if !cfg.PersistAccessTrack {
		return
	}
	now := types.NowMs()
	k.LastAccessed = now
	k.AccessCount++
	c.access.Touch(k.ID, now)
}

// maybeFlushAccess runs the periodic batched flush gated by
// Config.AccessFlushInterval, following the same "CAS the last-run
// timestamp, only one goroutine wins" shape as maybeAutovacuum.
func (c *Core) maybeFlushAccess(ctx context.Context) {
	cfg := c.Config()
	if !cfg.PersistAccessTrack || cfg.AccessFlushInterval <= 0 {
		return
	}
	now := time.Now().UnixMilli()
	last := c.lastFlush.Load()
	if now-last < cfg.AccessFlushInterval.Milliseconds() {
		return
	}
	if !c.lastFlush.CompareAndSwap(last, now) {
		return // another caller already claimed this flush
	}
	_, err, _ := c.duty.Do("access_flush", func() (any, error) {
		return nil, c.flushAccessNow(ctx)
	})
	if err != nil {
		c.log.Printf("vela: access-flush failed: %v", err)
	}
}

// flushAccessNow writes every buffered access entry in one transaction.
func (c *Core) flushAccessNow(ctx context.Context) error {
	batch := c.access.drain()
	if len(batch) == 0 {
		return nil
	}
	return c.WithHandle(ctx, "flush_access", func(ctx context.Context, tx Execer) error {
		for keyID, e := range batch {
			if _, err := tx.ExecContext(ctx, `
				UPDATE keys SET last_accessed = ?, access_count = access_count + ?
				WHERE id = ?
			`, e.lastAccessed, e.count, keyID); err != nil {
				return err
			}
		}
		return nil
	})
}
