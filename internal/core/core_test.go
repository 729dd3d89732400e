package core

import (
	"context"
	"testing"
)

func newTestCore(t *testing.T, opts ...Option) *Core {
	t.Helper()
	c, err := OpenMemory(opts...)
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestOpenMemoryIsolatesDatabases(t *testing.T) {
	a := newTestCore(t)
	b := newTestCore(t)
	ctx := context.Background()

	if err := a.WithHandle(ctx, "test_insert", func(ctx context.Context, tx Execer) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO keys (db, name, type, created_at, updated_at, version) VALUES (0, 'k', 'string', 0, 0, 1)`)
		return err
	}); err != nil {
		t.Fatalf("insert into a: %v", err)
	}

	var n int
	if err := b.WithHandle(ctx, "test_count", func(ctx context.Context, tx Execer) error {
		return tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM keys`).Scan(&n)
	}); err != nil {
		t.Fatalf("count in b: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected b to be isolated from a, got %d keys", n)
	}
}

func TestSetCacheMBRoundTrips(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	if err := c.SetCacheMB(ctx, 16); err != nil {
		t.Fatalf("SetCacheMB: %v", err)
	}
	mb, err := c.CacheMB(ctx)
	if err != nil {
		t.Fatalf("CacheMB: %v", err)
	}
	if mb != 16 {
		t.Fatalf("CacheMB = %d, want 16", mb)
	}
}

func TestCheckpointAndShrinkMemoryDoNotError(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	if err := c.Checkpoint(ctx); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if err := c.ShrinkMemory(ctx); err != nil {
		t.Fatalf("ShrinkMemory: %v", err)
	}
}

func TestWithHandleRunsExactlyOneTransaction(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	calls := 0
	err := c.WithHandle(ctx, "test_once", func(ctx context.Context, tx Execer) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("WithHandle: %v", err)
	}
	if calls != 1 {
		t.Fatalf("fn called %d times, want 1", calls)
	}
}

func TestWithHandleRollsBackOnError(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	sentinel := ErrInvalidArgument("boom")
	err := c.WithHandle(ctx, "test_rollback", func(ctx context.Context, tx Execer) error {
		_, execErr := tx.ExecContext(ctx, `INSERT INTO keys (db, name, type, created_at, updated_at, version) VALUES (0, 'rollback-me', 'string', 0, 0, 1)`)
		if execErr != nil {
			return execErr
		}
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("WithHandle error = %v, want sentinel", err)
	}

	var n int
	if err := c.WithHandle(ctx, "test_count", func(ctx context.Context, tx Execer) error {
		return tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM keys WHERE name = 'rollback-me'`).Scan(&n)
	}); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected rolled-back insert to be absent, found %d rows", n)
	}
}
