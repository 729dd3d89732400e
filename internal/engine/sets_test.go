package engine

import (
	"context"
	"testing"
)

func TestSAddSIsMemberSCard(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	n, err := e.SAdd(ctx, "s", []byte("a"), []byte("b"), []byte("a"))
	if err != nil {
		t.Fatalf("SAdd: %v", err)
	}
	if n != 2 {
		t.Fatalf("SAdd added count = %d, want 2 (duplicate a collapses)", n)
	}

	ok, err := e.SIsMember(ctx, "s", []byte("a"))
	if err != nil || !ok {
		t.Fatalf("SIsMember(a) = %v, %v, want true, nil", ok, err)
	}

	card, err := e.SCard(ctx, "s")
	if err != nil {
		t.Fatalf("SCard: %v", err)
	}
	if card != 2 {
		t.Fatalf("SCard = %d, want 2", card)
	}
}

func TestSInterStoreReplacesDestination(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.SAdd(ctx, "a", []byte("x"), []byte("y")); err != nil {
		t.Fatalf("SAdd a: %v", err)
	}
	if _, err := e.SAdd(ctx, "b", []byte("y"), []byte("z")); err != nil {
		t.Fatalf("SAdd b: %v", err)
	}
	if _, err := e.SAdd(ctx, "dst", []byte("stale")); err != nil {
		t.Fatalf("SAdd dst: %v", err)
	}

	n, err := e.SInterStore(ctx, "dst", "a", "b")
	if err != nil {
		t.Fatalf("SInterStore: %v", err)
	}
	if n != 1 {
		t.Fatalf("SInterStore count = %d, want 1", n)
	}
	members, err := e.SMembers(ctx, "dst")
	if err != nil {
		t.Fatalf("SMembers dst: %v", err)
	}
	if len(members) != 1 || string(members[0]) != "y" {
		t.Fatalf("dst members = %v, want [y]", members)
	}
}

func TestSDiffReturnsMembersOnlyInFirstSet(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.SAdd(ctx, "a", []byte("x"), []byte("y"), []byte("z")); err != nil {
		t.Fatalf("SAdd a: %v", err)
	}
	if _, err := e.SAdd(ctx, "b", []byte("y")); err != nil {
		t.Fatalf("SAdd b: %v", err)
	}

	diff, err := e.SDiff(ctx, "a", "b")
	if err != nil {
		t.Fatalf("SDiff: %v", err)
	}
	if len(diff) != 2 {
		t.Fatalf("SDiff(a,b) = %v, want 2 members (x, z)", diff)
	}
}
