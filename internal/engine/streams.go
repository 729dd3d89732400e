package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/velakv/vela/internal/core"
	"github.com/velakv/vela/internal/types"
)

// XAdd appends an entry, auto-assigning a (ms, seq) ID when id is nil, and
// returns the assigned ID (spec "XADD"). A non-nil id is the caller's
// explicit ID request — including the literal (0,0), which spec §4.6
// rejects outright ("Explicit IDs must be strictly greater than the last
// ID; (0,0) is rejected") rather than being treated as "no ID supplied"; a
// bare types.StreamID value can't carry that distinction, hence the
// pointer. maxLen, if positive, trims the stream to its most recent maxLen
// entries after the append (spec's MAXLEN trim option).
func (e *Engine) XAdd(ctx context.Context, name string, id *types.StreamID, fields map[string][]byte, maxLen int64) (types.StreamID, error) {
	if id != nil && id.Zero() {
		return types.StreamID{}, core.ErrInvalidArgument("stream ID (0,0) is reserved and cannot be used")
	}
	var assigned types.StreamID
	err := e.withHandle(ctx, "xadd", func(ctx context.Context, tx core.Execer) error {
		k, err := createKey(ctx, tx, e.db(), name, types.TypeStream)
		if err != nil {
			return err
		}

		last, err := lastStreamID(ctx, tx, k.ID)
		if err != nil {
			return err
		}

		explicit := id != nil
		if explicit {
			assigned = *id
		} else {
			assigned = types.StreamID{MS: types.NowMs(), Seq: 0}
			if assigned.MS == last.MS {
				assigned.Seq = last.Seq + 1
			}
		}
		if explicit && !last.Zero() && !last.Less(assigned) {
			return core.ErrInvalidArgument("stream ID must be greater than the last entry's ID")
		}

		data, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stream_entries (key_id, entry_ms, entry_seq, data, created_at) VALUES (?, ?, ?, ?, ?)
		`, k.ID, assigned.MS, assigned.Seq, data, types.NowMs()); err != nil {
			return err
		}

		if maxLen > 0 {
			if err := trimStreamMaxLen(ctx, tx, k.ID, maxLen); err != nil {
				return err
			}
		}

		_, err = bumpVersion(ctx, tx, k.ID)
		return err
	})
	if err == nil {
		e.sess.Core().Signal(e.db(), name)
	}
	return assigned, err
}

func lastStreamID(ctx context.Context, tx core.Execer, keyID int64) (types.StreamID, error) {
	var id types.StreamID
	row := tx.QueryRowContext(ctx, `
		SELECT entry_ms, entry_seq FROM stream_entries WHERE key_id = ? ORDER BY entry_ms DESC, entry_seq DESC LIMIT 1
	`, keyID)
	if err := row.Scan(&id.MS, &id.Seq); err != nil {
		return types.StreamID{}, nil
	}
	return id, nil
}

// trimStreamMaxLen deletes the oldest entries beyond the most recent maxLen.
func trimStreamMaxLen(ctx context.Context, tx core.Execer, keyID, maxLen int64) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM stream_entries WHERE key_id = ? AND (entry_ms, entry_seq) NOT IN (
			SELECT entry_ms, entry_seq FROM stream_entries WHERE key_id = ?
			ORDER BY entry_ms DESC, entry_seq DESC LIMIT ?
		)
	`, keyID, keyID, maxLen)
	return err
}

// XDel removes the named entries, returning the count actually removed
// (spec "XDEL"). It deliberately does not clean up any group's pending
// entry list referencing a deleted ID — callers must XACK themselves — and
// never deletes the stream key itself even if every entry is gone, since a
// consumer group may outlive all of a stream's entries (spec §4.6/§7).
func (e *Engine) XDel(ctx context.Context, name string, ids ...types.StreamID) (int64, error) {
	var n int64
	err := e.withHandle(ctx, "xdel", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeStream)
		if err != nil {
			return err
		}
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, `
				DELETE FROM stream_entries WHERE key_id = ? AND entry_ms = ? AND entry_seq = ?
			`, k.ID, id.MS, id.Seq)
			if err != nil {
				return err
			}
			affected, _ := res.RowsAffected()
			n += affected
		}
		if n > 0 {
			_, err = bumpVersion(ctx, tx, k.ID)
		}
		return err
	})
	return n, err
}

// XTrimMinID deletes every entry with ID less than minID (spec "XTRIM
// MINID").
func (e *Engine) XTrimMinID(ctx context.Context, name string, minID types.StreamID) (int64, error) {
	var n int64
	err := e.withHandle(ctx, "xtrim_minid", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeStream)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM stream_entries WHERE key_id = ? AND (entry_ms < ? OR (entry_ms = ? AND entry_seq < ?))
		`, k.ID, minID.MS, minID.MS, minID.Seq)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		if n > 0 {
			_, err = bumpVersion(ctx, tx, k.ID)
		}
		return err
	})
	return n, err
}

// XLen reports the number of entries (spec "XLEN").
func (e *Engine) XLen(ctx context.Context, name string) (int64, error) {
	var n int64
	err := e.withHandle(ctx, "xlen", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKey(ctx, tx, e.db(), name)
		if errors.Is(err, core.NoSuchKey) {
			return nil
		}
		if err != nil {
			return err
		}
		if k.Type != types.TypeStream {
			return core.WrongType
		}
		row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM stream_entries WHERE key_id = ?`, k.ID)
		return row.Scan(&n)
	})
	return n, err
}

// XRange returns entries with ID in [start, end], oldest first,
// capped at count entries if count > 0 (spec "XRANGE").
func (e *Engine) XRange(ctx context.Context, name string, start, end types.StreamID, count int64) ([]types.StreamEntry, error) {
	return e.xrange(ctx, name, start, end, count, false)
}

// XRevRange is XRange in descending order (spec "XREVRANGE").
func (e *Engine) XRevRange(ctx context.Context, name string, start, end types.StreamID, count int64) ([]types.StreamEntry, error) {
	return e.xrange(ctx, name, end, start, count, true)
}

func (e *Engine) xrange(ctx context.Context, name string, lo, hi types.StreamID, count int64, rev bool) ([]types.StreamEntry, error) {
	var out []types.StreamEntry
	err := e.withHandle(ctx, "xrange", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKey(ctx, tx, e.db(), name)
		if errors.Is(err, core.NoSuchKey) {
			return nil
		}
		if err != nil {
			return err
		}
		if k.Type != types.TypeStream {
			return core.WrongType
		}
		order := "ASC"
		if rev {
			order = "DESC"
		}
		query := `
			SELECT entry_ms, entry_seq, data FROM stream_entries
			WHERE key_id = ? AND (entry_ms > ? OR (entry_ms = ? AND entry_seq >= ?))
			AND (entry_ms < ? OR (entry_ms = ? AND entry_seq <= ?))
			ORDER BY entry_ms ` + order + `, entry_seq ` + order
		args := []any{k.ID, lo.MS, lo.MS, lo.Seq, hi.MS, hi.MS, hi.Seq}
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

// XGroupCreate creates a consumer group at startID (spec "XGROUP CREATE").
// mkstream creates the stream if it does not already exist.
func (e *Engine) XGroupCreate(ctx context.Context, name, group string, startID types.StreamID, mkstream bool) error {
	return e.withHandle(ctx, "xgroup_create", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeStream)
		if errors.Is(err, core.NoSuchKey) {
			if !mkstream {
				return core.NoSuchKey
			}
			k, err = createKey(ctx, tx, e.db(), name, types.TypeStream)
			if err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO stream_groups (key_id, name, last_delivered_ms, last_delivered_seq)
			VALUES (?, ?, ?, ?)
		`, k.ID, group, startID.MS, startID.Seq)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return core.BusyGroup
		}
		return nil
	})
}

// XGroupDestroy removes a consumer group and its pending entries
// (spec "XGROUP DESTROY").
func (e *Engine) XGroupDestroy(ctx context.Context, name, group string) error {
	return e.withHandle(ctx, "xgroup_destroy", func(ctx context.Context, tx core.Execer) error {
		groupID, err := resolveGroup(ctx, tx, e.db(), name, group)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM stream_groups WHERE group_id = ?`, groupID)
		return err
	})
}

func resolveGroup(ctx context.Context, tx core.Execer, db int, name, group string) (int64, error) {
	k, err := resolveKeyOfType(ctx, tx, db, name, types.TypeStream)
	if err != nil {
		return 0, err
	}
	var groupID int64
	row := tx.QueryRowContext(ctx, `SELECT group_id FROM stream_groups WHERE key_id = ? AND name = ?`, k.ID, group)
	if err := row.Scan(&groupID); err != nil {
		return 0, core.NoGroup
	}
	return groupID, nil
}

// XReadGroup delivers up to count entries after the group's last-delivered
// position (">"), or re-delivers the consumer's own pending entries starting
// at fromID (spec "XREADGROUP"). Newly delivered entries are recorded in
// stream_pending with delivery_count 1; re-delivered pending entries have
// their delivery_count incremented.
func (e *Engine) XReadGroup(ctx context.Context, name, group, consumer string, count int64, newOnly bool, fromID types.StreamID) ([]types.StreamEntry, error) {
	var out []types.StreamEntry
	err := e.withHandle(ctx, "xreadgroup", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeStream)
		if err != nil {
			return err
		}
		groupID, err := resolveGroup(ctx, tx, e.db(), name, group)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stream_consumers (group_id, name, last_seen_ms) VALUES (?, ?, ?)
			ON CONFLICT(group_id, name) DO UPDATE SET last_seen_ms = excluded.last_seen_ms
		`, groupID, consumer, types.NowMs()); err != nil {
			return err
		}

		var rows interface {
			Next() bool
			Scan(...any) error
			Err() error
			Close() error
		}

		if newOnly {
			var lastMS, lastSeq int64
			if err := tx.QueryRowContext(ctx, `
				SELECT last_delivered_ms, last_delivered_seq FROM stream_groups WHERE group_id = ?
			`, groupID).Scan(&lastMS, &lastSeq); err != nil {
				return err
			}
			r, err := tx.QueryContext(ctx, `
				SELECT entry_ms, entry_seq, data FROM stream_entries
				WHERE key_id = ? AND (entry_ms > ? OR (entry_ms = ? AND entry_seq > ?))
				ORDER BY entry_ms ASC, entry_seq ASC LIMIT ?
			`, k.ID, lastMS, lastMS, lastSeq, count)
			if err != nil {
				return err
			}
			rows = r
		} else {
			r, err := tx.QueryContext(ctx, `
				SELECT se.entry_ms, se.entry_seq, se.data FROM stream_pending sp
				JOIN stream_entries se ON se.key_id = sp.key_id AND se.entry_ms = sp.entry_ms AND se.entry_seq = sp.entry_seq
				WHERE sp.group_id = ? AND sp.consumer_name = ?
				AND (sp.entry_ms > ? OR (sp.entry_ms = ? AND sp.entry_seq >= ?))
				ORDER BY sp.entry_ms ASC, sp.entry_seq ASC LIMIT ?
			`, groupID, consumer, fromID.MS, fromID.MS, fromID.Seq, count)
			if err != nil {
				return err
			}
			rows = r
		}
		defer rows.Close()

		var lastID types.StreamID
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
			lastID = entry.ID

			// Bumps delivery_count/delivered_at_ms on both paths (spec §4.6):
			// a brand-new ">" delivery inserts a fresh pending row at
			// delivery_count=1, and a specific-ID re-read always conflicts
			// against its existing pending row and bumps the counters there.
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO stream_pending (key_id, group_id, entry_ms, entry_seq, consumer_name, delivered_at_ms, delivery_count)
				VALUES (?, ?, ?, ?, ?, ?, 1)
				ON CONFLICT(group_id, entry_ms, entry_seq) DO UPDATE SET
					consumer_name = excluded.consumer_name,
					delivered_at_ms = excluded.delivered_at_ms,
					delivery_count = stream_pending.delivery_count + 1
			`, k.ID, groupID, entry.ID.MS, entry.ID.Seq, consumer, types.NowMs()); err != nil {
				return err
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}

		if newOnly && !lastID.Zero() {
			if _, err := tx.ExecContext(ctx, `
				UPDATE stream_groups SET last_delivered_ms = ?, last_delivered_seq = ? WHERE group_id = ?
			`, lastID.MS, lastID.Seq, groupID); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// XAck acknowledges delivered entries, removing them from the pending
// entry list, and returns the count actually acknowledged (spec "XACK").
func (e *Engine) XAck(ctx context.Context, name, group string, ids ...types.StreamID) (int64, error) {
	var n int64
	err := e.withHandle(ctx, "xack", func(ctx context.Context, tx core.Execer) error {
		groupID, err := resolveGroup(ctx, tx, e.db(), name, group)
		if err != nil {
			return err
		}
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, `
				DELETE FROM stream_pending WHERE group_id = ? AND entry_ms = ? AND entry_seq = ?
			`, groupID, id.MS, id.Seq)
			if err != nil {
				return err
			}
			affected, _ := res.RowsAffected()
			n += affected
		}
		return nil
	})
	return n, err
}

// XPending summarizes a group's pending entry list (spec "XPENDING").
func (e *Engine) XPending(ctx context.Context, name, group string) ([]types.PendingEntry, error) {
	var out []types.PendingEntry
	err := e.withHandle(ctx, "xpending", func(ctx context.Context, tx core.Execer) error {
		groupID, err := resolveGroup(ctx, tx, e.db(), name, group)
		if err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `
			SELECT entry_ms, entry_seq, consumer_name, delivered_at_ms, delivery_count
			FROM stream_pending WHERE group_id = ? ORDER BY entry_ms ASC, entry_seq ASC
		`, groupID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var ms, seq int64
			var p types.PendingEntry
			if err := rows.Scan(&ms, &seq, &p.Consumer, &p.DeliveredAt, &p.DeliveryCount); err != nil {
				return err
			}
			p.StreamEntryID = types.StreamID{MS: ms, Seq: seq}.String()
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}

// XClaim reassigns pending entries older than minIdleMs to a new consumer,
// bumping their delivery_count, and returns the claimed entries
// (spec "XCLAIM").
func (e *Engine) XClaim(ctx context.Context, name, group, consumer string, minIdleMs int64, ids ...types.StreamID) ([]types.StreamEntry, error) {
	var out []types.StreamEntry
	err := e.withHandle(ctx, "xclaim", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeStream)
		if err != nil {
			return err
		}
		groupID, err := resolveGroup(ctx, tx, e.db(), name, group)
		if err != nil {
			return err
		}
		now := types.NowMs()
		for _, id := range ids {
			var deliveredAt int64
			err := tx.QueryRowContext(ctx, `
				SELECT delivered_at_ms FROM stream_pending WHERE group_id = ? AND entry_ms = ? AND entry_seq = ?
			`, groupID, id.MS, id.Seq).Scan(&deliveredAt)
			if err != nil {
				continue // not pending, skip
			}
			if now-deliveredAt < minIdleMs {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE stream_pending SET consumer_name = ?, delivered_at_ms = ?, delivery_count = delivery_count + 1
				WHERE group_id = ? AND entry_ms = ? AND entry_seq = ?
			`, consumer, now, groupID, id.MS, id.Seq); err != nil {
				return err
			}

			var data []byte
			if err := tx.QueryRowContext(ctx, `
				SELECT data FROM stream_entries WHERE key_id = ? AND entry_ms = ? AND entry_seq = ?
			`, k.ID, id.MS, id.Seq).Scan(&data); err != nil {
				continue
			}
			entry := types.StreamEntry{ID: id}
			if err := json.Unmarshal(data, &entry.Fields); err != nil {
				return core.ErrInvalidData("corrupt stream entry: " + err.Error())
			}
			out = append(out, entry)
		}
		return nil
	})
	return out, err
}
