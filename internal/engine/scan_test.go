package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/velakv/vela/internal/types"
)

func TestScanOnEmptyDBReturnsZeroCursorNoKeys(t *testing.T) {
	e := newTestEngine(t)
	result, err := e.Scan(context.Background(), "", "")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if result.Cursor != "" {
		t.Fatalf("Scan on empty db cursor = %q, want empty (iteration complete)", result.Cursor)
	}
	if len(result.Keys) != 0 {
		t.Fatalf("Scan on empty db keys = %v, want none", result.Keys)
	}
}

func TestScanPaginatesAcrossMultipleBatches(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	const n = scanPageSize*2 + 3
	for i := 0; i < n; i++ {
		if err := e.Set(ctx, fmt.Sprintf("k%03d", i), []byte("v"), 0); err != nil {
			t.Fatalf("Set k%03d: %v", i, err)
		}
	}

	seen := map[string]bool{}
	cursor := ""
	for {
		result, err := e.Scan(ctx, cursor, "")
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		for _, k := range result.Keys {
			if seen[k] {
				t.Fatalf("key %q scanned twice", k)
			}
			seen[k] = true
		}
		if result.Cursor == "" {
			break
		}
		cursor = result.Cursor
	}
	if len(seen) != n {
		t.Fatalf("scanned %d distinct keys, want %d", len(seen), n)
	}
}

func TestScanPatternFiltersByGlob(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for _, k := range []string{"user:1", "user:2", "order:1"} {
		if err := e.Set(ctx, k, []byte("v"), 0); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}

	result, err := e.Scan(ctx, "", "user:*")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(result.Keys) != 2 {
		t.Fatalf("Scan with pattern user:* = %v, want 2 matches", result.Keys)
	}
}

func TestGlobMatchCharacterClasses(t *testing.T) {
	cases := []struct {
		pattern, s string
		want       bool
	}{
		{"h?llo", "hello", true},
		{"h?llo", "hllo", false},
		{"h[ae]llo", "hello", true},
		{"h[ae]llo", "hillo", false},
		{"h[^ae]llo", "hillo", true},
		{"h[^ae]llo", "hello", false},
		{"h[a-c]t", "hbt", true},
		{"h[a-c]t", "hzt", false},
		{"*", "anything", true},
	}
	for _, c := range cases {
		got := globMatch(c.pattern, c.s)
		if got != c.want {
			t.Errorf("globMatch(%q, %q) = %v, want %v", c.pattern, c.s, got, c.want)
		}
	}
}

func TestHScanReturnsAllFields(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.HSet(ctx, "h", map[string][]byte{"a": []byte("1"), "b": []byte("2")}); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	_, fields, err := e.HScan(ctx, "h", "", "")
	if err != nil {
		t.Fatalf("HScan: %v", err)
	}
	if len(fields) != 2 {
		t.Fatalf("HScan fields = %v, want 2", fields)
	}
}

func TestSScanReturnsAllMembers(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.SAdd(ctx, "s", []byte("a"), []byte("b")); err != nil {
		t.Fatalf("SAdd: %v", err)
	}
	_, members, err := e.SScan(ctx, "s", "", "")
	if err != nil {
		t.Fatalf("SScan: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("SScan members = %v, want 2", members)
	}
}

func TestZScanReturnsMembersInScoreOrder(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	// Inserted out of score order: ZScan must still come back sorted by
	// (score, member) rather than insertion order.
	if _, err := e.ZAdd(ctx, "z", []types.ZMember{
		{Member: "c", Score: 30},
		{Member: "a", Score: 10},
		{Member: "b", Score: 20},
	}); err != nil {
		t.Fatalf("ZAdd: %v", err)
	}

	_, members, err := e.ZScan(ctx, "z", "", "")
	if err != nil {
		t.Fatalf("ZScan: %v", err)
	}
	if len(members) != 3 {
		t.Fatalf("ZScan members = %v, want 3", members)
	}
	wantOrder := []string{"a", "b", "c"}
	for i, want := range wantOrder {
		if members[i].Member != want {
			t.Fatalf("ZScan members = %v, want order %v", members, wantOrder)
		}
	}
}

func TestZScanPaginatesAcrossMultipleBatches(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	const n = scanPageSize*2 + 3
	members := make([]types.ZMember, n)
	for i := 0; i < n; i++ {
		members[i] = types.ZMember{Member: fmt.Sprintf("m%03d", i), Score: float64(i)}
	}
	if _, err := e.ZAdd(ctx, "z", members); err != nil {
		t.Fatalf("ZAdd: %v", err)
	}

	seen := map[string]bool{}
	var lastScore float64 = -1
	cursor := ""
	for {
		result, page, err := e.ZScan(ctx, "z", cursor, "")
		if err != nil {
			t.Fatalf("ZScan: %v", err)
		}
		for _, pair := range page {
			if seen[pair.Member] {
				t.Fatalf("member %q scanned twice", pair.Member)
			}
			seen[pair.Member] = true
			if pair.Score < lastScore {
				t.Fatalf("ZScan returned score %v after %v, want non-decreasing order", pair.Score, lastScore)
			}
			lastScore = pair.Score
		}
		if result.Cursor == "" {
			break
		}
		cursor = result.Cursor
	}
	if len(seen) != n {
		t.Fatalf("scanned %d distinct members, want %d", len(seen), n)
	}
}

func TestZScanPatternFiltersByGlob(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.ZAdd(ctx, "z", []types.ZMember{
		{Member: "user:1", Score: 1},
		{Member: "user:2", Score: 2},
		{Member: "order:1", Score: 3},
	}); err != nil {
		t.Fatalf("ZAdd: %v", err)
	}

	_, members, err := e.ZScan(ctx, "z", "", "user:*")
	if err != nil {
		t.Fatalf("ZScan: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("ZScan with pattern user:* = %v, want 2 matches", members)
	}
}
