package engine

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"time"

	"github.com/velakv/vela/internal/core"
	"github.com/velakv/vela/internal/types"
)

// blockingWaitMulti is the shared implementation behind BLPOP/BRPOP/
// BRPOPLPUSH and XREAD BLOCK (spec §4.7) across one or more candidate keys.
// It tries every key in the caller-supplied order on each pass and returns
// as soon as the first one's check succeeds — "key priority: the first
// non-empty key in the provided order wins" (spec §4.7) — rather than
// round-robining or picking whichever happens to be ready first. Combining
// the notifier (async, in-process) and poll (ramped sleep) wakeup sources
// means a write landing in-process wakes the waiter immediately, with the
// poll tick as a safety net for writes arriving through a different Core
// sharing the same database file, where the in-memory notifier can't see
// them.
func (e *Engine) blockingWaitMulti(ctx context.Context, db int, names []string, check func(name string) (bool, error)) (string, error) {
	poll := e.sess.Core().Config().Poll
	interval := poll.InitialInterval
	if interval <= 0 {
		interval = 5 * time.Millisecond
	}

	for {
		for _, name := range names {
			ok, err := check(name)
			if err != nil {
				return "", err
			}
			if ok {
				return name, nil
			}
		}

		// Subscribe to every candidate's notifier channel before sleeping,
		// so a signal landing between the last check above and this point
		// is never missed for more than one tick.
		cases := make([]reflect.SelectCase, 0, len(names)+2)
		for _, name := range names {
			cases = append(cases, reflect.SelectCase{
				Dir:  reflect.SelectRecv,
				Chan: reflect.ValueOf(e.sess.Core().Wait(db, name)),
			})
		}
		timer := time.NewTimer(interval)
		cases = append(cases,
			reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(timer.C)},
			reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
		)
		chosen, _, _ := reflect.Select(cases)
		timer.Stop()
		if chosen == len(cases)-1 { // ctx.Done()
			return "", ctx.Err()
		}

		interval += poll.RampStep
		if poll.MaxInterval > 0 && interval > poll.MaxInterval {
			interval = poll.MaxInterval
		}
	}
}

// blockingWait is the single-key specialization of blockingWaitMulti, kept
// for call sites (BRPOPLPUSH) that only ever watch one key.
func (e *Engine) blockingWait(ctx context.Context, db int, name string, check func() (bool, error)) error {
	_, err := e.blockingWaitMulti(ctx, db, []string{name}, func(string) (bool, error) { return check() })
	return err
}

// BLPop blocks until one of names has at least one element, then pops from
// the left of the first key (in argument order) that is non-empty, returning
// its key name and the popped value (spec "BLPOP"). ctx's deadline
// implements the command's timeout argument; timeout=0 semantics are the
// caller's responsibility (pass a context with no deadline and cancel
// externally, per spec §4.7).
func (e *Engine) BLPop(ctx context.Context, names ...string) (key string, value []byte, err error) {
	return e.blockingPop(ctx, names, true)
}

// BRPop is BLPop popping from the right of the winning key (spec "BRPOP").
func (e *Engine) BRPop(ctx context.Context, names ...string) (key string, value []byte, err error) {
	return e.blockingPop(ctx, names, false)
}

func (e *Engine) blockingPop(ctx context.Context, names []string, left bool) (string, []byte, error) {
	var out []byte
	winner, err := e.blockingWaitMulti(ctx, e.db(), names, func(name string) (bool, error) {
		var vs [][]byte
		var err error
		if left {
			vs, err = e.LPop(ctx, name, 1)
		} else {
			vs, err = e.RPop(ctx, name, 1)
		}
		if err != nil && !errors.Is(err, core.NoSuchKey) {
			return false, err
		}
		if len(vs) == 0 {
			return false, nil
		}
		out = vs[0]
		return true, nil
	})
	if err != nil {
		return "", nil, err
	}
	return winner, out, nil
}

// BRPopLPush blocks until src has an element, then moves its rightmost
// element onto the left of dst and returns it (spec "BRPOPLPUSH"). The pop
// and the push run in two separate handle acquisitions, so the move is not
// a single transaction.
func (e *Engine) BRPopLPush(ctx context.Context, src, dst string) ([]byte, error) {
	var out []byte
	err := e.blockingWait(ctx, e.db(), src, func() (bool, error) {
		vs, err := e.RPop(ctx, src, 1)
		if err != nil && !errors.Is(err, core.NoSuchKey) {
			return false, err
		}
		if len(vs) == 0 {
			return false, nil
		}
		if _, err := e.LPush(ctx, dst, vs[0]); err != nil {
			return false, err
		}
		out = vs[0]
		return true, nil
	})
	return out, err
}

// StreamRead is one stream's worth of results from XRead/XReadBlock: the
// name it was requested under, and the entries found after its cursor ID.
type StreamRead struct {
	Name    string
	Entries []types.StreamEntry
}

// XRead returns up to count entries with ID strictly greater than each
// stream's supplied cursor (spec "XREAD"), non-blocking. Streams with no
// new entries are omitted from the result rather than returned empty,
// matching Redis's own XREAD contract.
func (e *Engine) XRead(ctx context.Context, streams map[string]types.StreamID, count int64) ([]StreamRead, error) {
	var out []StreamRead
	for name, after := range streams {
		entries, err := e.xreadAfter(ctx, name, after, count)
		if err != nil && !errors.Is(err, core.NoSuchKey) {
			return nil, err
		}
		if len(entries) > 0 {
			out = append(out, StreamRead{Name: name, Entries: entries})
		}
	}
	return out, nil
}

func (e *Engine) xreadAfter(ctx context.Context, name string, after types.StreamID, count int64) ([]types.StreamEntry, error) {
	var out []types.StreamEntry
	err := e.withHandle(ctx, "xread", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeStream)
		if err != nil {
			return err
		}
		query := `
			SELECT entry_ms, entry_seq, data FROM stream_entries
			WHERE key_id = ? AND (entry_ms > ? OR (entry_ms = ? AND entry_seq > ?))
			ORDER BY entry_ms ASC, entry_seq ASC`
		args := []any{k.ID, after.MS, after.MS, after.Seq}
		if count > 0 {
			query += ` LIMIT ?`
			args = append(args, count)
		}
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var entry types.StreamEntry
			var data []byte
			if err := rows.Scan(&entry.ID.MS, &entry.ID.Seq, &data); err != nil {
				return err
			}
			if err := json.Unmarshal(data, &entry.Fields); err != nil {
				return core.ErrInvalidData("corrupt stream entry: " + err.Error())
			}
			out = append(out, entry)
		}
		return rows.Err()
	})
	return out, err
}

// XReadBlock is XREAD BLOCK: it waits until at least one of the requested
// streams has an entry past its cursor, then returns every stream that had
// new entries on that pass (spec "XREAD BLOCK"). Once any stream yields
// data the call returns without continuing to wait on the others, but
// (unlike BLPOP) it still reports every stream that was independently ready
// on that same pass, matching Redis's own XREAD BLOCK semantics of
// returning all ready streams together rather than a single winner.
func (e *Engine) XReadBlock(ctx context.Context, streams map[string]types.StreamID, count int64) ([]StreamRead, error) {
	names := make([]string, 0, len(streams))
	for name := range streams {
		names = append(names, name)
	}
	_, err := e.blockingWaitMulti(ctx, e.db(), names, func(name string) (bool, error) {
		entries, err := e.xreadAfter(ctx, name, streams[name], count)
		if err != nil && !errors.Is(err, core.NoSuchKey) {
			return false, err
		}
		return len(entries) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	var out []StreamRead
	for _, name := range names {
		entries, err := e.xreadAfter(ctx, name, streams[name], count)
		if err != nil && !errors.Is(err, core.NoSuchKey) {
			return nil, err
		}
		if len(entries) > 0 {
			out = append(out, StreamRead{Name: name, Entries: entries})
		}
	}
	return out, nil
}
