package engine

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/velakv/vela/internal/types"
)

// TestBLPopWakesOnPush drives spec §8.4 scenario 3: a blocked BLPOP must
// observe an RPUSH landing on the same key shortly after, well inside its
// timeout, rather than waiting out the full deadline.
func TestBLPopWakesOnPush(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(100 * time.Millisecond)
		if _, err := e.RPush(context.Background(), "q", []byte("hi")); err != nil {
			t.Errorf("RPush: %v", err)
		}
	}()

	key, value, err := e.BLPop(ctx, "q")
	wg.Wait()
	if err != nil {
		t.Fatalf("BLPop: %v", err)
	}
	if key != "q" {
		t.Fatalf("key = %q, want q", key)
	}
	if !bytes.Equal(value, []byte("hi")) {
		t.Fatalf("value = %q, want hi", value)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("BLPop took %v, expected to wake promptly on push", elapsed)
	}
}

// TestBLPopReturnsImmediatelyWhenAlreadyPopulated covers the "try-immediate"
// first branch of blockingWaitMulti: no sleep/select should be needed at all.
func TestBLPopReturnsImmediatelyWhenAlreadyPopulated(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.RPush(ctx, "q", []byte("a"), []byte("b")); err != nil {
		t.Fatalf("RPush: %v", err)
	}

	start := time.Now()
	key, value, err := e.BLPop(ctx, "q")
	if err != nil {
		t.Fatalf("BLPop: %v", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatalf("BLPop on a non-empty key should not block")
	}
	if key != "q" || !bytes.Equal(value, []byte("a")) {
		t.Fatalf("got (%q, %q), want (q, a)", key, value)
	}
}

// TestBLPopKeyPriority covers spec §4.7's "key priority: the first
// non-empty key in the provided order wins" — once the earlier key yields,
// later keys in the argument list are never consulted even if they too are
// ready.
func TestBLPopKeyPriority(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.RPush(ctx, "k1", []byte("one")); err != nil {
		t.Fatalf("RPush k1: %v", err)
	}
	if _, err := e.RPush(ctx, "k2", []byte("two")); err != nil {
		t.Fatalf("RPush k2: %v", err)
	}

	key, value, err := e.BLPop(ctx, "k2", "k1")
	if err != nil {
		t.Fatalf("BLPop: %v", err)
	}
	if key != "k2" || !bytes.Equal(value, []byte("two")) {
		t.Fatalf("got (%q, %q), want (k2, two) — first key in order should win", key, value)
	}

	// k1 must be untouched.
	n, err := e.LLen(ctx, "k1")
	if err != nil {
		t.Fatalf("LLen: %v", err)
	}
	if n != 1 {
		t.Fatalf("k1 length = %d, want 1 (untouched)", n)
	}
}

func TestBRPopPopsFromTail(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.RPush(ctx, "q", []byte("a"), []byte("b"), []byte("c")); err != nil {
		t.Fatalf("RPush: %v", err)
	}

	key, value, err := e.BRPop(ctx, "q")
	if err != nil {
		t.Fatalf("BRPop: %v", err)
	}
	if key != "q" || !bytes.Equal(value, []byte("c")) {
		t.Fatalf("got (%q, %q), want (q, c)", key, value)
	}
}

func TestBLPopDeadlineExpires(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := e.BLPop(ctx, "never-pushed")
	if err == nil {
		t.Fatalf("expected deadline error, got nil")
	}
}

func TestBRPopLPushMovesElement(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.RPush(ctx, "src", []byte("x"), []byte("y")); err != nil {
		t.Fatalf("RPush: %v", err)
	}

	got, err := e.BRPopLPush(ctx, "src", "dst")
	if err != nil {
		t.Fatalf("BRPopLPush: %v", err)
	}
	if !bytes.Equal(got, []byte("y")) {
		t.Fatalf("got %q, want y", got)
	}

	dst, err := e.LRange(ctx, "dst", 0, -1)
	if err != nil {
		t.Fatalf("LRange dst: %v", err)
	}
	assertListEquals(t, dst, "y")

	src, err := e.LRange(ctx, "src", 0, -1)
	if err != nil {
		t.Fatalf("LRange src: %v", err)
	}
	assertListEquals(t, src, "x")
}

func TestXReadReturnsOnlyNewEntries(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	first, err := e.XAdd(ctx, "s", nil, map[string][]byte{"f": []byte("1")}, 0)
	if err != nil {
		t.Fatalf("XAdd: %v", err)
	}
	second, err := e.XAdd(ctx, "s", nil, map[string][]byte{"f": []byte("2")}, 0)
	if err != nil {
		t.Fatalf("XAdd: %v", err)
	}

	reads, err := e.XRead(ctx, map[string]types.StreamID{"s": first}, 0)
	if err != nil {
		t.Fatalf("XRead: %v", err)
	}
	if len(reads) != 1 || reads[0].Name != "s" {
		t.Fatalf("reads = %+v, want one stream named s", reads)
	}
	if len(reads[0].Entries) != 1 || reads[0].Entries[0].ID != second {
		t.Fatalf("entries = %+v, want only the entry after %v", reads[0].Entries, first)
	}

	// A cursor at the tail yields nothing, and the stream is omitted
	// entirely rather than returned with an empty slice.
	reads, err = e.XRead(ctx, map[string]types.StreamID{"s": second}, 0)
	if err != nil {
		t.Fatalf("XRead: %v", err)
	}
	if len(reads) != 0 {
		t.Fatalf("reads = %+v, want none", reads)
	}
}

func TestXReadBlockWakesOnXAdd(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var added types.StreamID
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(100 * time.Millisecond)
		id, err := e.XAdd(context.Background(), "s", nil, map[string][]byte{"f": []byte("v")}, 0)
		if err != nil {
			t.Errorf("XAdd: %v", err)
			return
		}
		added = id
	}()

	start := time.Now()
	reads, err := e.XReadBlock(ctx, map[string]types.StreamID{"s": {}}, 0)
	wg.Wait()
	if err != nil {
		t.Fatalf("XReadBlock: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("XReadBlock took %v, expected to wake promptly on XAdd", elapsed)
	}
	if len(reads) != 1 || reads[0].Name != "s" || len(reads[0].Entries) != 1 {
		t.Fatalf("reads = %+v, want one stream with one entry", reads)
	}
	if reads[0].Entries[0].ID != added {
		t.Fatalf("entry id = %v, want %v", reads[0].Entries[0].ID, added)
	}
}
