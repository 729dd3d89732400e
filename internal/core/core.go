// Package core implements the shared engine core: the serialized backing
// handle, atomic configuration, the access-tracker/flush pipeline, the
// two-phase eviction controller, autovacuum, and blocking-waiter
// coordination (spec §2, §4.1-§4.3, §4.7). Typed value engines
// (internal/engine) borrow the core's handle; they never open their own
// connection.
package core

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/velakv/vela/internal/schema"
)

// NumDBs is the number of isolated logical keyspaces a Core exposes (spec §1).
const NumDBs = 16

// Core is the single shared engine instance a Session clones from. It holds
// exactly one backing-store handle — see Handle — so every typed engine
// operation funnels through one serialized connection, trading write
// parallelism for the backing store's own crash-consistent journaling
// (spec §4.1).
type Core struct {
	db *sql.DB
	mu sync.Mutex // the "single mutually exclusive handle" of spec §4.1

	cfg atomic.Pointer[Config]

	tel *telemetry
	log Logger

	access   *accessTracker
	notifier *notifierRegistry

	lastCleanup  atomic.Int64 // autovacuum CAS gate, ms
	lastEviction atomic.Int64 // eviction CAS gate, ms
	lastFlush    atomic.Int64 // access-flush CAS gate, ms

	// duty collapses concurrent background-duty attempts (autovacuum sweep,
	// eviction pass, access flush) that both pass the atomic interval gate
	// in the same race window into a single execution, the same
	// "singleflight in front of a CAS" shape the rest of the pack uses
	// (golang.org/x/sync/singleflight) in place of a bespoke second mutex.
	duty singleflight.Group

	candidateCache *lru.Cache[int64, struct{}] // sampled-eviction candidate warm set
}

// Open opens (creating if absent) a file-backed database at path and
// migrates it to the current schema.
func Open(path string, opts ...Option) (*Core, error) {
	return open(path, false, opts...)
}

// OpenMemory opens a private in-memory database. Each call gets its own
// isolated database (spec "open_memory"), following the teacher's
// file::memory:?mode=memory&cache=private test-isolation pattern rather
// than the shared ":memory:" DSN.
func OpenMemory(opts ...Option) (*Core, error) {
	return open("file::memory:?mode=memory&cache=private", true, opts...)
}

func open(dsn string, inMemory bool, opts ...Option) (*Core, error) {
	connStr := dsn
	if !inMemory {
		connStr = fileConnString(dsn)
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("open backing store: %w", err)
	}
	// One physical connection: this *is* the serialized handle. The Core's
	// own mutex (below) additionally serializes at the Go level so
	// composite operations can interleave a release/reacquire (spec §4.1)
	// without fighting the database/sql pool for a second connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping backing store: %w", err)
	}

	if err := schema.Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	cfg := DefaultConfig(inMemory)
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := cfg.logger
	if logger == nil {
		logger = discardLogger()
	}

	cache, _ := lru.New[int64, struct{}](1024)

	c := &Core{
		db:             db,
		tel:            newTelemetry(),
		log:            logger,
		notifier:       newNotifierRegistry(),
		candidateCache: cache,
	}
	c.cfg.Store(&cfg)
	c.access = newAccessTracker()
	return c, nil
}

// fileConnString builds the sqlite DSN with the WAL/NORMAL/busy-timeout
// pragmas spec §6 calls for, following the teacher's
// internal/storage/connstring.go SQLiteConnString builder.
func fileConnString(path string) string {
	return fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=cache_size(-65536)&_pragma=temp_store(MEMORY)&_pragma=mmap_size(268435456)",
		path,
	)
}

// Config returns the current atomic configuration snapshot.
func (c *Core) Config() Config { return *c.cfg.Load() }

// SetCacheMB and CacheMB implement the spec §6 "set_cache_mb/cache_mb" pair,
// backed by SQLite's own page cache pragma.
func (c *Core) SetCacheMB(ctx context.Context, mb int) error {
	return c.WithHandle(ctx, "set_cache_mb", func(ctx context.Context, tx Execer) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA cache_size = -%d", mb*1024))
		return err
	})
}

func (c *Core) CacheMB(ctx context.Context) (int, error) {
	var pages int
	err := c.WithHandle(ctx, "cache_mb", func(ctx context.Context, tx Execer) error {
		row := tx.(interface {
			QueryRowContext(context.Context, string, ...any) *sql.Row
		}).QueryRowContext(ctx, "PRAGMA cache_size")
		return row.Scan(&pages)
	})
	if err != nil {
		return 0, err
	}
	if pages < 0 {
		return -pages / 1024, nil
	}
	return 0, nil
}

// Checkpoint runs a WAL checkpoint (spec §6 "checkpoint").
func (c *Core) Checkpoint(ctx context.Context) error {
	return c.WithHandle(ctx, "checkpoint", func(ctx context.Context, tx Execer) error {
		_, err := tx.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
		return err
	})
}

// ShrinkMemory implements spec §6 "shrink_memory" by asking SQLite to
// release cache memory back to the OS.
func (c *Core) ShrinkMemory(ctx context.Context) error {
	return c.WithHandle(ctx, "shrink_memory", func(ctx context.Context, tx Execer) error {
		_, err := tx.ExecContext(ctx, "PRAGMA shrink_memory")
		return err
	})
}

// Close releases the backing connection. Any pending access-tracker entries
// are flushed best-effort first.
func (c *Core) Close() error {
	_ = c.flushAccessNow(context.Background())
	return c.db.Close()
}

// Tick runs the background duties every typed-engine command claims a shot
// at before doing its own work: the autovacuum TTL sweep, eviction, and the
// access-tracker flush. Each duty is individually interval-gated and
// CAS-guarded, so calling Tick on every command is cheap — almost every
// call is three atomic loads that immediately bail out.
func (c *Core) Tick(ctx context.Context) {
	c.maybeAutovacuum(ctx)
	c.maybeEvict(ctx)
	c.maybeFlushAccess(ctx)
}
