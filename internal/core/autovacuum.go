package core

import (
	"context"
	"time"

	"github.com/velakv/vela/internal/types"
)

// maybeAutovacuum runs the interval-gated lazy TTL sweep of spec §3.2/§4.3
// ("autovacuum_enabled / autovacuum_interval"). Every operation calls this
// first; at most one caller per interval actually wins the CAS and pays for
// the sweep, the rest return immediately. This is the same "claim the duty,
// everyone else no-ops" shape spec §4.3 describes for eviction, applied here
// to expired-key reclamation instead of size-triggered eviction.
func (c *Core) maybeAutovacuum(ctx context.Context) {
	cfg := c.Config()
	if !cfg.AutovacuumEnabled {
		return
	}
	now := time.Now().UnixMilli()
	last := c.lastCleanup.Load()
	if now-last < cfg.AutovacuumInterval.Milliseconds() {
		return
	}
	if !c.lastCleanup.CompareAndSwap(last, now) {
		return
	}
	_, err, _ := c.duty.Do("autovacuum", func() (any, error) {
		return nil, c.sweepExpired(ctx)
	})
	if err != nil {
		c.log.Printf("vela: autovacuum sweep failed: %v", err)
	} else {
		c.tel.sweeps.Add(ctx, 1)
	}
}

// sweepExpired deletes every key across every logical db whose expire_at
// has passed. Deleting from keys cascades to every typed value table via
// the ON DELETE CASCADE foreign keys declared in the schema.
func (c *Core) sweepExpired(ctx context.Context) error {
	now := types.NowMs()
	return c.WithHandle(ctx, "autovacuum", func(ctx context.Context, tx Execer) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM keys WHERE expire_at IS NOT NULL AND expire_at <= ?`, now)
		return err
	})
}
