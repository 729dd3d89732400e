package core

import (
	"context"

	"github.com/google/uuid"
)

// Session is a cheap per-caller handle onto a shared Core: selecting a
// logical database (spec §1 "db" parameter / SELECT) is per-session state,
// everything else — the backing connection, config, access tracker,
// notifier registry — is shared. Cloning a Session (Clone) is just copying
// an int and a pointer, matching the teacher's pattern of lightweight
// per-request facades over one shared storage backend
// (internal/storage/local_provider.go).
type Session struct {
	core *Core
	db   int
	id   string // correlation ID stamped onto every span this session opens
}

// NewSession returns a Session bound to db 0, the default keyspace.
func NewSession(c *Core) *Session {
	return &Session{core: c, db: 0, id: uuid.NewString()}
}

// Clone returns an independent Session sharing the same Core, starting back
// at db 0 with a fresh correlation ID. Used where a caller wants its own
// SELECT state (and its own traceable identity) without touching the
// original session's.
func (s *Session) Clone() *Session {
	return &Session{core: s.core, id: uuid.NewString()}
}

// ID returns this session's correlation ID, attached as a span attribute to
// every operation it performs (see internal/core/telemetry.go) so a host
// embedding the engine can correlate one session's operations across a
// trace even though every session shares one backing connection.
func (s *Session) ID() string { return s.id }

// Select switches this session's active logical database (spec §1). Valid
// range is [0, NumDBs).
func (s *Session) Select(db int) error {
	if db < 0 || db >= NumDBs {
		return OutOfRange
	}
	s.db = db
	return nil
}

// CurrentDB reports the session's active logical database.
func (s *Session) CurrentDB() int { return s.db }

// Core exposes the shared core for engine packages that need direct handle
// access (internal/engine never opens its own connection).
func (s *Session) Core() *Core { return s.core }

// Checkpoint, ShrinkMemory, SetCacheMB, CacheMB are process-wide, not
// per-db, so Session forwards them straight to the Core.
func (s *Session) Checkpoint(ctx context.Context) error      { return s.core.Checkpoint(ctx) }
func (s *Session) ShrinkMemory(ctx context.Context) error    { return s.core.ShrinkMemory(ctx) }
func (s *Session) SetCacheMB(ctx context.Context, mb int) error { return s.core.SetCacheMB(ctx, mb) }
func (s *Session) CacheMB(ctx context.Context) (int, error)  { return s.core.CacheMB(ctx) }

// Close delegates to the underlying Core. Multiple Sessions may share one
// Core; callers are responsible for closing exactly once (typically the
// owner of the top-level facade, see vela.go).
func (s *Session) Close() error { return s.core.Close() }
