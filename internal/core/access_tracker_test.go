package core

import (
	"context"
	"testing"
	"time"

	"github.com/velakv/vela/internal/types"
)

func TestTouchKeyNoopsWhenTrackingDisabled(t *testing.T) {
	c := newTestCore(t, WithAccessTracking(false, time.Second))
	k := &types.Key{ID: 1}
	c.TouchKey(k)
	if k.AccessCount != 0 {
		t.Fatalf("expected TouchKey to be a no-op with tracking disabled, got AccessCount=%d", k.AccessCount)
	}
}

func TestTouchKeyBuffersThenFlushes(t *testing.T) {
	c := newTestCore(t, WithAccessTracking(true, 0))
	ctx := context.Background()
	id := insertKeyWithExpiry(t, c, "tracked", nil)

	k := &types.Key{ID: id}
	c.TouchKey(k)
	c.TouchKey(k)
	if k.AccessCount != 2 {
		t.Fatalf("AccessCount = %d, want 2", k.AccessCount)
	}

	if err := c.flushAccessNow(ctx); err != nil {
		t.Fatalf("flushAccessNow: %v", err)
	}

	var persistedCount int64
	err := c.WithHandle(ctx, "test_check", func(ctx context.Context, tx Execer) error {
		return tx.QueryRowContext(ctx, `SELECT access_count FROM keys WHERE id = ?`, id).Scan(&persistedCount)
	})
	if err != nil {
		t.Fatalf("check persisted count: %v", err)
	}
	if persistedCount != 2 {
		t.Fatalf("persisted access_count = %d, want 2", persistedCount)
	}
}

func TestFlushAccessNowIsNoopWithEmptyBuffer(t *testing.T) {
	c := newTestCore(t, WithAccessTracking(true, time.Second))
	if err := c.flushAccessNow(context.Background()); err != nil {
		t.Fatalf("flushAccessNow on empty buffer: %v", err)
	}
}

func TestMaybeFlushAccessIsIntervalGated(t *testing.T) {
	c := newTestCore(t, WithAccessTracking(true, time.Hour))
	id := insertKeyWithExpiry(t, c, "tracked", nil)
	k := &types.Key{ID: id}
	c.TouchKey(k)

	c.maybeFlushAccess(context.Background()) // claims the duty, flushes once

	var persisted int64
	_ = c.WithHandle(context.Background(), "test_check", func(ctx context.Context, tx Execer) error {
		return tx.QueryRowContext(ctx, `SELECT access_count FROM keys WHERE id = ?`, id).Scan(&persisted)
	})
	if persisted != 1 {
		t.Fatalf("expected first flush to persist count 1, got %d", persisted)
	}

	c.TouchKey(k)
	c.maybeFlushAccess(context.Background()) // interval not elapsed: should no-op

	var stillPersisted int64
	_ = c.WithHandle(context.Background(), "test_check", func(ctx context.Context, tx Execer) error {
		return tx.QueryRowContext(ctx, `SELECT access_count FROM keys WHERE id = ?`, id).Scan(&stillPersisted)
	})
	if stillPersisted != 1 {
		t.Fatalf("expected interval-gated flush to leave persisted count at 1, got %d", stillPersisted)
	}
}
