// Package engine implements every typed value family (spec §4) over the
// relational schema in internal/schema, funneling all work through the
// single serialized handle internal/core exposes. Each file owns one value
// family's command surface; keys.go owns the shared key-lifecycle state
// machine (creation, resolution, expiration, version bump) every other file
// calls into before touching its own tables.
package engine

import (
	"context"

	"github.com/velakv/vela/internal/core"
)

// Engine is the typed-command surface bound to one Session. Commands are
// methods on Engine so call sites read like the wire protocol they
// implement (e.g. e.Set(ctx, "foo", []byte("bar"))).
type Engine struct {
	sess *core.Session
}

// New binds an Engine to a session's selected logical database.
func New(sess *core.Session) *Engine {
	return &Engine{sess: sess}
}

func (e *Engine) withHandle(ctx context.Context, op string, fn func(ctx context.Context, tx core.Execer) error) error {
	e.sess.Core().Tick(ctx)
	ctx = core.WithSessionID(ctx, e.sess.ID())
	return e.sess.Core().WithHandle(ctx, op, fn)
}

func (e *Engine) db() int { return e.sess.CurrentDB() }
