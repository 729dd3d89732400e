package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/velakv/vela/internal/core"
	"github.com/velakv/vela/internal/types"
)

func TestDBSizeCountsOnlyLiveKeys(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.Set(ctx, "a", []byte("1"), 0); err != nil {
		t.Fatalf("Set a: %v", err)
	}
	if err := e.Set(ctx, "b", []byte("1"), 0); err != nil {
		t.Fatalf("Set b: %v", err)
	}
	n, err := e.DBSize(ctx)
	if err != nil {
		t.Fatalf("DBSize: %v", err)
	}
	if n != 2 {
		t.Fatalf("DBSize = %d, want 2", n)
	}
}

func TestExistsCountsEachOccurrence(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.Set(ctx, "a", []byte("1"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	n, err := e.Exists(ctx, "a", "a", "missing")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if n != 2 {
		t.Fatalf("Exists(a,a,missing) = %d, want 2", n)
	}
}

func TestTypeReportsKeyType(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.Set(ctx, "s", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	typ, err := e.Type(ctx, "s")
	if err != nil {
		t.Fatalf("Type: %v", err)
	}
	if typ != types.TypeString {
		t.Fatalf("Type = %v, want %v", typ, types.TypeString)
	}
}

func TestTTLReflectsExpireAndPersist(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	ttl, err := e.TTL(ctx, "k")
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl != -1 {
		t.Fatalf("TTL on key without expiry = %d, want -1", ttl)
	}

	if _, err := e.Expire(ctx, "k", 100); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	ttl, err = e.TTL(ctx, "k")
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl <= 0 || ttl > 100 {
		t.Fatalf("TTL after EXPIRE 100 = %d, want in (0,100]", ttl)
	}

	cleared, err := e.Persist(ctx, "k")
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if !cleared {
		t.Fatal("Persist on a key with a TTL should report it cleared one")
	}
	ttl, err = e.TTL(ctx, "k")
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl != -1 {
		t.Fatalf("TTL after PERSIST = %d, want -1", ttl)
	}
}

func TestPExpireAtInThePastDeletesImmediately(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := e.PExpireAt(ctx, "k", types.NowMs()-1000); err != nil {
		t.Fatalf("PExpireAt: %v", err)
	}
	if _, err := e.Get(ctx, "k"); !errors.Is(err, core.NoSuchKey) {
		t.Fatalf("Get after PEXPIREAT in the past = %v, want NoSuchKey", err)
	}
}

func TestRenameOverwritesDestination(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.Set(ctx, "src", []byte("v1"), 0); err != nil {
		t.Fatalf("Set src: %v", err)
	}
	if err := e.Set(ctx, "dst", []byte("stale"), 0); err != nil {
		t.Fatalf("Set dst: %v", err)
	}
	if err := e.Rename(ctx, "src", "dst"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	got, err := e.Get(ctx, "dst")
	if err != nil {
		t.Fatalf("Get dst: %v", err)
	}
	if string(got) != "v1" {
		t.Fatalf("Get dst after rename = %q, want %q", got, "v1")
	}
	if _, err := e.Get(ctx, "src"); !errors.Is(err, core.NoSuchKey) {
		t.Fatalf("Get src after rename = %v, want NoSuchKey", err)
	}
}

func TestRenameNXRefusesExistingDestination(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.Set(ctx, "src", []byte("v1"), 0); err != nil {
		t.Fatalf("Set src: %v", err)
	}
	if err := e.Set(ctx, "dst", []byte("v2"), 0); err != nil {
		t.Fatalf("Set dst: %v", err)
	}
	renamed, err := e.RenameNX(ctx, "src", "dst")
	if err != nil {
		t.Fatalf("RenameNX: %v", err)
	}
	if renamed {
		t.Fatal("RenameNX should refuse to clobber an existing destination")
	}
}

func TestCopyDuplicatesValueAndTTL(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.Set(ctx, "src", []byte("v"), 60_000); err != nil {
		t.Fatalf("Set: %v", err)
	}
	copied, err := e.Copy(ctx, "src", "dst", false)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if !copied {
		t.Fatal("Copy should succeed onto a fresh destination")
	}
	got, err := e.Get(ctx, "dst")
	if err != nil {
		t.Fatalf("Get dst: %v", err)
	}
	if string(got) != "v" {
		t.Fatalf("Get dst = %q, want %q", got, "v")
	}
	ttl, err := e.TTL(ctx, "dst")
	if err != nil {
		t.Fatalf("TTL dst: %v", err)
	}
	if ttl <= 0 {
		t.Fatalf("TTL dst = %d, want positive (TTL copied)", ttl)
	}
}

func TestKeysMatchesGlobAgainstLiveKeysOnly(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.Set(ctx, "user:1", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := e.Set(ctx, "order:1", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	names, err := e.Keys(ctx, "user:*")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(names) != 1 || names[0] != "user:1" {
		t.Fatalf("Keys(user:*) = %v, want [user:1]", names)
	}
}

func TestObjectInfoReflectsVersionBumpsOnMutation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.Set(ctx, "k", []byte("v1"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	info, err := e.ObjectInfo(ctx, "k")
	if err != nil {
		t.Fatalf("ObjectInfo: %v", err)
	}
	if info.Version != 1 {
		t.Fatalf("initial Version = %d, want 1", info.Version)
	}
	if err := e.Set(ctx, "k", []byte("v2"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	info, err = e.ObjectInfo(ctx, "k")
	if err != nil {
		t.Fatalf("ObjectInfo: %v", err)
	}
	if info.Version <= 1 {
		t.Fatalf("Version after mutation = %d, want > 1", info.Version)
	}
}
