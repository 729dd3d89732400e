package engine

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/velakv/vela/internal/core"
)

func TestSetGetRoundTrips(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := e.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte("v")) {
		t.Fatalf("Get = %q, want %q", got, "v")
	}
}

func TestIncrByInverseLeavesValueUnchanged(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.Set(ctx, "n", []byte("10"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := e.IncrBy(ctx, "n", 7); err != nil {
		t.Fatalf("IncrBy +7: %v", err)
	}
	got, err := e.IncrBy(ctx, "n", -7)
	if err != nil {
		t.Fatalf("IncrBy -7: %v", err)
	}
	if got != 10 {
		t.Fatalf("after IncrBy(+7) then IncrBy(-7) = %d, want 10", got)
	}
}

func TestIncrByOnNonIntegerReturnsNotInteger(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.Set(ctx, "s", []byte("not-a-number"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := e.IncrBy(ctx, "s", 1); !errors.Is(err, core.NotInteger) {
		t.Fatalf("IncrBy on non-integer = %v, want NotInteger", err)
	}
}

func TestBitOpNotTwiceRestoresSource(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	src := []byte{0x0f, 0xff, 0x00}
	if err := e.Set(ctx, "src", src, 0); err != nil {
		t.Fatalf("Set src: %v", err)
	}
	if _, err := e.BitOp(ctx, BitOpNot, "dest", "src"); err != nil {
		t.Fatalf("BitOp NOT dest src: %v", err)
	}
	if _, err := e.BitOp(ctx, BitOpNot, "dest2", "dest"); err != nil {
		t.Fatalf("BitOp NOT dest2 dest: %v", err)
	}
	got, err := e.Get(ctx, "dest2")
	if err != nil {
		t.Fatalf("Get dest2: %v", err)
	}
	if !bytes.Equal(got, src) {
		t.Fatalf("double BITOP NOT = %x, want %x", got, src)
	}
}

func TestBitOpANDPadsShorterSourceWithZeros(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.Set(ctx, "a", []byte{0xff, 0xff}, 0); err != nil {
		t.Fatalf("Set a: %v", err)
	}
	if err := e.Set(ctx, "b", []byte{0xff, 0xff, 0xff}, 0); err != nil {
		t.Fatalf("Set b: %v", err)
	}
	n, err := e.BitOp(ctx, BitOpAnd, "dest", "a", "b")
	if err != nil {
		t.Fatalf("BitOp AND: %v", err)
	}
	if n != 3 {
		t.Fatalf("BitOp AND result length = %d, want 3 (longest source)", n)
	}
	got, err := e.Get(ctx, "dest")
	if err != nil {
		t.Fatalf("Get dest: %v", err)
	}
	want := []byte{0xff, 0xff, 0x00}
	if !bytes.Equal(got, want) {
		t.Fatalf("BitOp AND = %x, want %x", got, want)
	}
}

func TestGetRangeHonorsNegativeAndOutOfRangeIndices(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.Set(ctx, "s", []byte("Hello World"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := e.GetRange(ctx, "s", -5, -1)
	if err != nil {
		t.Fatalf("GetRange(-5,-1): %v", err)
	}
	if string(got) != "World" {
		t.Fatalf("GetRange(-5,-1) = %q, want %q", got, "World")
	}

	got, err = e.GetRange(ctx, "s", 0, 1000)
	if err != nil {
		t.Fatalf("GetRange(0,1000): %v", err)
	}
	if string(got) != "Hello World" {
		t.Fatalf("GetRange(0,1000) clamped = %q, want full string", got)
	}
}

func TestAppendPreservesTTL(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.Set(ctx, "s", []byte("hi"), 60_000); err != nil {
		t.Fatalf("Set with TTL: %v", err)
	}
	if _, err := e.Append(ctx, "s", []byte("!")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	ttl, err := e.TTL(ctx, "s")
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl <= 0 {
		t.Fatalf("TTL after APPEND = %d, want positive (TTL preserved)", ttl)
	}
}

func TestGetOnMissingKeyReturnsNoSuchKey(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Get(context.Background(), "missing"); !errors.Is(err, core.NoSuchKey) {
		t.Fatalf("Get(missing) = %v, want NoSuchKey", err)
	}
}

func TestSetOnWrongTypeReturnsWrongType(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.HSet(ctx, "h", map[string][]byte{"f": []byte("v")}); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	if err := e.Set(ctx, "h", []byte("x"), 0); !errors.Is(err, core.WrongType) {
		t.Fatalf("Set on hash key = %v, want WrongType", err)
	}
}
