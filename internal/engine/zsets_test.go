package engine

import (
	"context"
	"testing"

	"github.com/velakv/vela/internal/types"
)

func TestZAddZScoreRoundTrips(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.ZAdd(ctx, "z", []types.ZMember{{Member: "a", Score: 1.5}}); err != nil {
		t.Fatalf("ZAdd: %v", err)
	}
	score, err := e.ZScore(ctx, "z", "a")
	if err != nil {
		t.Fatalf("ZScore: %v", err)
	}
	if score != 1.5 {
		t.Fatalf("ZScore = %v, want 1.5", score)
	}
}

func TestZRangeIsSortedByScoreThenMember(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.ZAdd(ctx, "z", []types.ZMember{
		{Member: "c", Score: 1},
		{Member: "b", Score: 1},
		{Member: "a", Score: 2},
	})
	if err != nil {
		t.Fatalf("ZAdd: %v", err)
	}

	members, err := e.ZRange(ctx, "z", 0, -1, false)
	if err != nil {
		t.Fatalf("ZRange: %v", err)
	}
	want := []string{"b", "c", "a"}
	if len(members) != len(want) {
		t.Fatalf("ZRange len = %d, want %d", len(members), len(want))
	}
	for i, m := range members {
		if m.Member != want[i] {
			t.Fatalf("ZRange[%d] = %s, want %s (order: score asc, member asc)", i, m.Member, want[i])
		}
	}

	rev, err := e.ZRange(ctx, "z", 0, -1, true)
	if err != nil {
		t.Fatalf("ZRevRange: %v", err)
	}
	for i, m := range rev {
		if m.Member != want[len(want)-1-i] {
			t.Fatalf("ZRevRange is not the reverse of ZRange at %d: got %s", i, m.Member)
		}
	}
}

func TestZRankCountsMembersStrictlyBeforeTarget(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.ZAdd(ctx, "z", []types.ZMember{
		{Member: "a", Score: 1},
		{Member: "b", Score: 2},
		{Member: "c", Score: 3},
	})
	if err != nil {
		t.Fatalf("ZAdd: %v", err)
	}
	rank, err := e.ZRank(ctx, "z", "b")
	if err != nil {
		t.Fatalf("ZRank: %v", err)
	}
	if rank != 1 {
		t.Fatalf("ZRank(b) = %d, want 1", rank)
	}
}

func TestZRevRankCountsMembersStrictlyAfterTarget(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.ZAdd(ctx, "z", []types.ZMember{
		{Member: "a", Score: 1},
		{Member: "b", Score: 2},
		{Member: "c", Score: 3},
	})
	if err != nil {
		t.Fatalf("ZAdd: %v", err)
	}
	rank, err := e.ZRevRank(ctx, "z", "b")
	if err != nil {
		t.Fatalf("ZRevRank: %v", err)
	}
	if rank != 1 {
		t.Fatalf("ZRevRank(b) = %d, want 1 (only c sorts after it in reverse order)", rank)
	}
}

func TestZUnionStoreSumsMissingKeysAsEmpty(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.ZAdd(ctx, "z1", []types.ZMember{{Member: "a", Score: 1}}); err != nil {
		t.Fatalf("ZAdd z1: %v", err)
	}

	n, err := e.ZUnionStore(ctx, "dst", []string{"z1", "missing"}, nil, types.ZAggSum)
	if err != nil {
		t.Fatalf("ZUnionStore: %v", err)
	}
	if n != 1 {
		t.Fatalf("ZUnionStore with one missing source = %d members, want 1", n)
	}
}

func TestZInterStoreMissingKeyYieldsEmptyResult(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.ZAdd(ctx, "z1", []types.ZMember{{Member: "a", Score: 1}}); err != nil {
		t.Fatalf("ZAdd z1: %v", err)
	}

	n, err := e.ZInterStore(ctx, "dst", []string{"z1", "missing"}, nil, types.ZAggSum)
	if err != nil {
		t.Fatalf("ZInterStore: %v", err)
	}
	if n != 0 {
		t.Fatalf("ZInterStore with a missing source = %d members, want 0", n)
	}
}

func TestZInterStoreAggregateMinAndMax(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.ZAdd(ctx, "z1", []types.ZMember{{Member: "a", Score: 1}, {Member: "b", Score: 5}}); err != nil {
		t.Fatalf("ZAdd z1: %v", err)
	}
	if _, err := e.ZAdd(ctx, "z2", []types.ZMember{{Member: "a", Score: 4}, {Member: "b", Score: 2}}); err != nil {
		t.Fatalf("ZAdd z2: %v", err)
	}

	if _, err := e.ZInterStore(ctx, "dst_min", []string{"z1", "z2"}, nil, types.ZAggMin); err != nil {
		t.Fatalf("ZInterStore min: %v", err)
	}
	aScore, err := e.ZScore(ctx, "dst_min", "a")
	if err != nil {
		t.Fatalf("ZScore dst_min a: %v", err)
	}
	if aScore != 1 {
		t.Fatalf("ZInterStore MIN a = %v, want 1", aScore)
	}
	bScore, err := e.ZScore(ctx, "dst_min", "b")
	if err != nil {
		t.Fatalf("ZScore dst_min b: %v", err)
	}
	if bScore != 2 {
		t.Fatalf("ZInterStore MIN b = %v, want 2", bScore)
	}

	if _, err := e.ZInterStore(ctx, "dst_max", []string{"z1", "z2"}, nil, types.ZAggMax); err != nil {
		t.Fatalf("ZInterStore max: %v", err)
	}
	aScore, err = e.ZScore(ctx, "dst_max", "a")
	if err != nil {
		t.Fatalf("ZScore dst_max a: %v", err)
	}
	if aScore != 4 {
		t.Fatalf("ZInterStore MAX a = %v, want 4", aScore)
	}
	bScore, err = e.ZScore(ctx, "dst_max", "b")
	if err != nil {
		t.Fatalf("ZScore dst_max b: %v", err)
	}
	if bScore != 5 {
		t.Fatalf("ZInterStore MAX b = %v, want 5", bScore)
	}
}
