package engine

import (
	"context"
	"testing"

	"github.com/velakv/vela/internal/types"
)

func TestHistoryGetRecordsVersionsWhenEnabled(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.HistoryConfig(ctx, "global", "*", true, "unlimited"); err != nil {
		t.Fatalf("HistoryConfig: %v", err)
	}
	if err := e.Set(ctx, "k", []byte("v1"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := e.Set(ctx, "k", []byte("v2"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	entries, err := e.HistoryGet(ctx, "k", 0, 0, 0)
	if err != nil {
		t.Fatalf("HistoryGet: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("HistoryGet returned %d entries, want 2", len(entries))
	}
	if entries[0].Version >= entries[1].Version {
		t.Fatalf("versions not increasing: %d then %d", entries[0].Version, entries[1].Version)
	}
}

func TestHistoryGetLimitAndBounds(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.HistoryConfig(ctx, "global", "*", true, "unlimited"); err != nil {
		t.Fatalf("HistoryConfig: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := e.Set(ctx, "k", []byte{byte(i)}, 0); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}

	limited, err := e.HistoryGet(ctx, "k", 0, 0, 2)
	if err != nil {
		t.Fatalf("HistoryGet limit: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("HistoryGet limit=2 returned %d entries", len(limited))
	}

	all, err := e.HistoryGet(ctx, "k", 0, 0, 0)
	if err != nil {
		t.Fatalf("HistoryGet: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("HistoryGet returned %d entries, want 5", len(all))
	}

	sinceLast := all[len(all)-1].Timestamp
	recent, err := e.HistoryGet(ctx, "k", sinceLast, 0, 0)
	if err != nil {
		t.Fatalf("HistoryGet since: %v", err)
	}
	if len(recent) == 0 {
		t.Fatalf("HistoryGet since=%d returned no entries", sinceLast)
	}
}

func TestHistoryGetAtReturnsMostRecentPriorSnapshot(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.HistoryConfig(ctx, "global", "*", true, "unlimited"); err != nil {
		t.Fatalf("HistoryConfig: %v", err)
	}
	if err := e.Set(ctx, "k", []byte("v1"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	entries, err := e.HistoryGet(ctx, "k", 0, 0, 0)
	if err != nil {
		t.Fatalf("HistoryGet: %v", err)
	}
	ts := entries[0].Timestamp

	got, err := e.HistoryGetAt(ctx, "k", ts)
	if err != nil {
		t.Fatalf("HistoryGetAt: %v", err)
	}
	if string(got.Value) != "v1" {
		t.Fatalf("HistoryGetAt value = %q, want v1", got.Value)
	}

	if _, err := e.HistoryGetAt(ctx, "k", ts-1); err == nil {
		t.Fatalf("HistoryGetAt before first write should fail")
	}
}

func TestHistoryPruneDeletesOldEntries(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.HistoryConfig(ctx, "global", "*", true, "unlimited"); err != nil {
		t.Fatalf("HistoryConfig: %v", err)
	}
	if err := e.Set(ctx, "k", []byte("v1"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	entries, err := e.HistoryGet(ctx, "k", 0, 0, 0)
	if err != nil {
		t.Fatalf("HistoryGet: %v", err)
	}
	cutoff := entries[0].Timestamp + 1

	n, err := e.HistoryPrune(ctx, cutoff)
	if err != nil {
		t.Fatalf("HistoryPrune: %v", err)
	}
	if n != 1 {
		t.Fatalf("HistoryPrune removed %d rows, want 1", n)
	}
	remaining, err := e.HistoryGet(ctx, "k", 0, 0, 0)
	if err != nil {
		t.Fatalf("HistoryGet: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("HistoryGet after prune = %d entries, want 0", len(remaining))
	}
}

func TestHistoryKeyLevelOverridesGlobal(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.HistoryConfig(ctx, "global", "*", true, "unlimited"); err != nil {
		t.Fatalf("HistoryConfig global: %v", err)
	}
	if err := e.HistoryConfig(ctx, "key", "0:k", false, "unlimited"); err != nil {
		t.Fatalf("HistoryConfig key: %v", err)
	}
	if err := e.Set(ctx, "k", []byte("v1"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	entries, err := e.HistoryGet(ctx, "k", 0, 0, 0)
	if err != nil {
		t.Fatalf("HistoryGet: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("HistoryGet for disabled key = %d entries, want 0", len(entries))
	}

	if err := e.Set(ctx, "other", []byte("v1"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	otherEntries, err := e.HistoryGet(ctx, "other", 0, 0, 0)
	if err != nil {
		t.Fatalf("HistoryGet: %v", err)
	}
	if len(otherEntries) != 1 {
		t.Fatalf("HistoryGet for globally-enabled key = %d entries, want 1", len(otherEntries))
	}
}

var _ = types.HistoryEntry{}
