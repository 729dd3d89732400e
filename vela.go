// Package vela is the public entry point for embedding the store: open a
// database (file-backed or in-memory), pull a cheap Session off it, and bind
// an internal/engine.Engine to that session for the typed command surface
// (spec §6 "Public API"). This mirrors the teacher's internal/beads package,
// which exists purely to give external Go callers a small, stable surface
// over storage internals rather than requiring them to reach into
// internal/storage directly.
package vela

import (
	"context"
	"time"

	"github.com/velakv/vela/internal/core"
	"github.com/velakv/vela/internal/engine"
)

// Re-exported so callers configuring a DB never need to import internal/core
// themselves.
type (
	Option         = core.Option
	EvictionPolicy = core.EvictionPolicy
	PollConfig     = core.PollConfig
)

const (
	PolicyNoEviction    = core.PolicyNoEviction
	PolicyAllKeysLRU    = core.PolicyAllKeysLRU
	PolicyAllKeysLFU    = core.PolicyAllKeysLFU
	PolicyAllKeysRandom = core.PolicyAllKeysRandom
	PolicyVolatileLRU   = core.PolicyVolatileLRU
	PolicyVolatileLFU   = core.PolicyVolatileLFU
	PolicyVolatileTTL   = core.PolicyVolatileTTL
	PolicyVolatileRand  = core.PolicyVolatileRand
)

var (
	WithAutovacuum     = core.WithAutovacuum
	WithMaxDiskBytes   = core.WithMaxDiskBytes
	WithMaxMemoryBytes = core.WithMaxMemoryBytes
	WithEvictionPolicy = core.WithEvictionPolicy
	WithAccessTracking = core.WithAccessTracking
	WithPollConfig     = core.WithPollConfig
	WithLogger         = core.WithLogger
)

// DB is the top-level handle returned by Open/OpenMemory/OpenWithCache. It
// owns exactly one *core.Core (spec "shared core") and hands out cheap
// Sessions from it.
type DB struct {
	core *core.Core
}

// Open opens (creating if absent) a file-backed database at path.
func Open(path string, opts ...Option) (*DB, error) {
	c, err := core.Open(path, opts...)
	if err != nil {
		return nil, err
	}
	return &DB{core: c}, nil
}

// OpenMemory opens a private, process-local in-memory database (spec
// "open_memory"). Each call is fully isolated from every other OpenMemory
// call, including ones against the same path.
func OpenMemory(opts ...Option) (*DB, error) {
	c, err := core.OpenMemory(opts...)
	if err != nil {
		return nil, err
	}
	return &DB{core: c}, nil
}

// OpenWithCache opens a file-backed database at path and immediately sets
// its SQLite page cache size, saving callers a separate SetCacheMB round
// trip when they already know their working-set size at startup (spec
// §6 "open_with_cache").
func OpenWithCache(path string, cacheMB int, opts ...Option) (*DB, error) {
	db, err := Open(path, opts...)
	if err != nil {
		return nil, err
	}
	if err := db.SetCacheMB(context.Background(), cacheMB); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Session returns a cheap per-caller handle bound to logical database 0.
// Sessions share the DB's single backing connection; cloning one (see
// Session.Clone) is the recommended way to hand out per-request state
// without touching another caller's selected database.
func (db *DB) Session() *core.Session { return core.NewSession(db.core) }

// Engine binds a fresh Engine to a new Session on logical database 0 — a
// convenience for callers that don't need direct Session access (e.g.
// short-lived scripts, tests).
func (db *DB) Engine() *engine.Engine { return engine.New(db.Session()) }

// EngineFor binds an Engine to an already-selected Session, for callers
// juggling multiple logical databases via Session.Clone/Select.
func EngineFor(sess *core.Session) *engine.Engine { return engine.New(sess) }

func (db *DB) Checkpoint(ctx context.Context) error       { return db.core.Checkpoint(ctx) }
func (db *DB) ShrinkMemory(ctx context.Context) error      { return db.core.ShrinkMemory(ctx) }
func (db *DB) SetCacheMB(ctx context.Context, mb int) error { return db.core.SetCacheMB(ctx, mb) }
func (db *DB) CacheMB(ctx context.Context) (int, error)    { return db.core.CacheMB(ctx) }

// Close releases the backing connection. Safe to call once; subsequent
// typed-engine operations against Sessions derived from this DB will fail.
func (db *DB) Close() error { return db.core.Close() }

// Config returns the live configuration snapshot (spec §6 "Configuration").
func (db *DB) Config() core.Config { return db.core.Config() }

// defaultOpTimeout is not referenced by any call in this package:
// Checkpoint, ShrinkMemory and the typed engine commands all run under a
// caller-supplied context, and OpenWithCache uses context.Background().
const defaultOpTimeout = 30 * time.Second
