package engine

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"github.com/velakv/vela/internal/core"
	"github.com/velakv/vela/internal/types"
)

// Set stores value under name, creating the key if absent or overwriting an
// existing string; an existing key of another type gives core.WrongType
// (spec "SET"). ttlMs of 0 means no expiry.
func (e *Engine) Set(ctx context.Context, name string, value []byte, ttlMs int64) error {
	return e.withHandle(ctx, "set", func(ctx context.Context, tx core.Execer) error {
		if existing, err := resolveKey(ctx, tx, e.db(), name); err == nil {
			if existing.Type != types.TypeString {
				return core.WrongType
			}
		} else if !errors.Is(err, core.NoSuchKey) {
			return err
		}

		k, err := createKey(ctx, tx, e.db(), name, types.TypeString)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO strings (key_id, value) VALUES (?, ?)
			ON CONFLICT(key_id) DO UPDATE SET value = excluded.value
		`, k.ID, value); err != nil {
			return err
		}
		if ttlMs > 0 {
			exp := types.NowMs() + ttlMs
			if _, err := tx.ExecContext(ctx, `UPDATE keys SET expire_at = ? WHERE id = ?`, exp, k.ID); err != nil {
				return err
			}
		} else {
			if _, err := tx.ExecContext(ctx, `UPDATE keys SET expire_at = NULL WHERE id = ?`, k.ID); err != nil {
				return err
			}
		}
		v, err := bumpVersion(ctx, tx, k.ID)
		if err != nil {
			return err
		}
		k.Version = v
		return recordHistory(ctx, tx, e.db(), k, "SET", value)
	})
}

// SetNX sets name only if it does not already exist (spec "SETNX"),
// returning whether the set happened.
func (e *Engine) SetNX(ctx context.Context, name string, value []byte) (bool, error) {
	var set bool
	err := e.withHandle(ctx, "setnx", func(ctx context.Context, tx core.Execer) error {
		if _, err := resolveKey(ctx, tx, e.db(), name); err == nil {
			return nil
		} else if !errors.Is(err, core.NoSuchKey) {
			return err
		}
		k, err := createKey(ctx, tx, e.db(), name, types.TypeString)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO strings (key_id, value) VALUES (?, ?)`, k.ID, value); err != nil {
			return err
		}
		set = true
		return nil
	})
	return set, err
}

// Get returns a string key's value, or core.NoSuchKey.
func (e *Engine) Get(ctx context.Context, name string) ([]byte, error) {
	var val []byte
	err := e.withHandle(ctx, "get", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeString)
		if err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `SELECT value FROM strings WHERE key_id = ?`, k.ID)
		if err := row.Scan(&val); err != nil {
			return wrapMissingRow(err)
		}
		e.sess.Core().TouchKey(k)
		return nil
	})
	return val, err
}

// GetSet atomically sets name to value and returns the previous value, if
// any (spec "GETSET").
func (e *Engine) GetSet(ctx context.Context, name string, value []byte) ([]byte, error) {
	var old []byte
	var hadOld bool
	err := e.withHandle(ctx, "getset", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKey(ctx, tx, e.db(), name)
		switch {
		case err == nil && k.Type == types.TypeString:
			row := tx.QueryRowContext(ctx, `SELECT value FROM strings WHERE key_id = ?`, k.ID)
			if err := row.Scan(&old); err != nil {
				return err
			}
			hadOld = true
		case err == nil:
			if err := deleteKey(ctx, tx, k.ID); err != nil {
				return err
			}
		case !errors.Is(err, core.NoSuchKey):
			return err
		}

		nk, err := createKey(ctx, tx, e.db(), name, types.TypeString)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO strings (key_id, value) VALUES (?, ?)
			ON CONFLICT(key_id) DO UPDATE SET value = excluded.value
		`, nk.ID, value)
		if err != nil {
			return err
		}
		_, err = bumpVersion(ctx, tx, nk.ID)
		return err
	})
	if !hadOld {
		return nil, err
	}
	return old, err
}

// GetDel atomically returns and removes a string key (spec supplement
// "GETDEL").
func (e *Engine) GetDel(ctx context.Context, name string) ([]byte, error) {
	var val []byte
	err := e.withHandle(ctx, "getdel", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeString)
		if err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `SELECT value FROM strings WHERE key_id = ?`, k.ID)
		if err := row.Scan(&val); err != nil {
			return wrapMissingRow(err)
		}
		return deleteKey(ctx, tx, k.ID)
	})
	return val, err
}

// StrLen returns the byte length of a string value, 0 if absent
// (spec "STRLEN").
func (e *Engine) StrLen(ctx context.Context, name string) (int64, error) {
	var n int64
	err := e.withHandle(ctx, "strlen", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKey(ctx, tx, e.db(), name)
		if errors.Is(err, core.NoSuchKey) {
			return nil
		}
		if err != nil {
			return err
		}
		if k.Type != types.TypeString {
			return core.WrongType
		}
		row := tx.QueryRowContext(ctx, `SELECT length(value) FROM strings WHERE key_id = ?`, k.ID)
		return row.Scan(&n)
	})
	return n, err
}

// Append appends value to an existing string (creating it empty first if
// absent) and returns the new length (spec "APPEND").
func (e *Engine) Append(ctx context.Context, name string, value []byte) (int64, error) {
	var n int64
	err := e.withHandle(ctx, "append", func(ctx context.Context, tx core.Execer) error {
		k, err := createKey(ctx, tx, e.db(), name, types.TypeString)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO strings (key_id, value) VALUES (?, ?)
			ON CONFLICT(key_id) DO UPDATE SET value = strings.value || excluded.value
		`, k.ID, value); err != nil {
			return err
		}
		if _, err := bumpVersion(ctx, tx, k.ID); err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `SELECT length(value) FROM strings WHERE key_id = ?`, k.ID)
		return row.Scan(&n)
	})
	return n, err
}

// IncrBy adds delta to an integer-valued string, creating it at 0 first if
// absent (spec "INCRBY"/"INCR"/"DECR"/"DECRBY"). Returns core.NotInteger if
// the existing value does not parse as a base-10 int64.
func (e *Engine) IncrBy(ctx context.Context, name string, delta int64) (int64, error) {
	var result int64
	err := e.withHandle(ctx, "incrby", func(ctx context.Context, tx core.Execer) error {
		k, err := createKey(ctx, tx, e.db(), name, types.TypeString)
		if err != nil {
			return err
		}
		var raw []byte
		row := tx.QueryRowContext(ctx, `SELECT value FROM strings WHERE key_id = ?`, k.ID)
		err = row.Scan(&raw)
		cur := int64(0)
		if err == nil {
			cur, err = strconv.ParseInt(string(raw), 10, 64)
			if err != nil {
				return core.NotInteger
			}
		} else if !wrapMissingRowIsNotFound(err) {
			return err
		}

		result = cur + delta
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO strings (key_id, value) VALUES (?, ?)
			ON CONFLICT(key_id) DO UPDATE SET value = excluded.value
		`, k.ID, []byte(strconv.FormatInt(result, 10))); err != nil {
			return err
		}
		_, err = bumpVersion(ctx, tx, k.ID)
		return err
	})
	return result, err
}

// IncrByFloat adds delta to a float-valued string (spec "INCRBYFLOAT").
func (e *Engine) IncrByFloat(ctx context.Context, name string, delta float64) (float64, error) {
	var result float64
	err := e.withHandle(ctx, "incrbyfloat", func(ctx context.Context, tx core.Execer) error {
		k, err := createKey(ctx, tx, e.db(), name, types.TypeString)
		if err != nil {
			return err
		}
		var raw []byte
		row := tx.QueryRowContext(ctx, `SELECT value FROM strings WHERE key_id = ?`, k.ID)
		err = row.Scan(&raw)
		cur := 0.0
		if err == nil {
			cur, err = strconv.ParseFloat(string(raw), 64)
			if err != nil {
				return core.NotFloat
			}
		} else if !wrapMissingRowIsNotFound(err) {
			return err
		}

		result = cur + delta
		formatted := strconv.FormatFloat(result, 'f', -1, 64)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO strings (key_id, value) VALUES (?, ?)
			ON CONFLICT(key_id) DO UPDATE SET value = excluded.value
		`, k.ID, []byte(formatted)); err != nil {
			return err
		}
		_, err = bumpVersion(ctx, tx, k.ID)
		return err
	})
	return result, err
}

// GetRange returns the substring [start, end] of a string value with
// Redis's negative-index and clamping semantics (spec "GETRANGE").
func (e *Engine) GetRange(ctx context.Context, name string, start, end int64) ([]byte, error) {
	var out []byte
	err := e.withHandle(ctx, "getrange", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKey(ctx, tx, e.db(), name)
		if errors.Is(err, core.NoSuchKey) {
			return nil
		}
		if err != nil {
			return err
		}
		if k.Type != types.TypeString {
			return core.WrongType
		}
		var val []byte
		row := tx.QueryRowContext(ctx, `SELECT value FROM strings WHERE key_id = ?`, k.ID)
		if err := row.Scan(&val); err != nil {
			return wrapMissingRow(err)
		}
		lo, hi := clampRange(start, end, int64(len(val)))
		if lo > hi {
			return nil
		}
		out = val[lo : hi+1]
		return nil
	})
	return out, err
}

// SetRange overwrites value starting at offset, zero-padding if the string
// was shorter, and returns the new length (spec "SETRANGE").
func (e *Engine) SetRange(ctx context.Context, name string, offset int64, value []byte) (int64, error) {
	var n int64
	err := e.withHandle(ctx, "setrange", func(ctx context.Context, tx core.Execer) error {
		if offset < 0 {
			return core.ErrOutOfRange("offset is out of range")
		}
		k, err := createKey(ctx, tx, e.db(), name, types.TypeString)
		if err != nil {
			return err
		}
		var cur []byte
		row := tx.QueryRowContext(ctx, `SELECT value FROM strings WHERE key_id = ?`, k.ID)
		_ = row.Scan(&cur) // absent row: treat as empty

		needed := offset + int64(len(value))
		if int64(len(cur)) < needed {
			padded := make([]byte, needed)
			copy(padded, cur)
			cur = padded
		}
		copy(cur[offset:], value)

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO strings (key_id, value) VALUES (?, ?)
			ON CONFLICT(key_id) DO UPDATE SET value = excluded.value
		`, k.ID, cur); err != nil {
			return err
		}
		if _, err := bumpVersion(ctx, tx, k.ID); err != nil {
			return err
		}
		n = int64(len(cur))
		return nil
	})
	return n, err
}

// MGet fetches multiple string values in one round trip, with nil entries
// for keys that are absent or not strings (spec "MGET").
func (e *Engine) MGet(ctx context.Context, names ...string) ([][]byte, error) {
	out := make([][]byte, len(names))
	err := e.withHandle(ctx, "mget", func(ctx context.Context, tx core.Execer) error {
		for i, name := range names {
			k, err := resolveKey(ctx, tx, e.db(), name)
			if err != nil || k.Type != types.TypeString {
				continue
			}
			var val []byte
			row := tx.QueryRowContext(ctx, `SELECT value FROM strings WHERE key_id = ?`, k.ID)
			if err := row.Scan(&val); err == nil {
				out[i] = val
			}
		}
		return nil
	})
	return out, err
}

// MSet sets multiple string key/value pairs atomically (spec "MSET").
func (e *Engine) MSet(ctx context.Context, pairs map[string][]byte) error {
	return e.withHandle(ctx, "mset", func(ctx context.Context, tx core.Execer) error {
		for name, value := range pairs {
			if existing, err := resolveKey(ctx, tx, e.db(), name); err == nil && existing.Type != types.TypeString {
				if err := deleteKey(ctx, tx, existing.ID); err != nil {
					return err
				}
			} else if err != nil && !errors.Is(err, core.NoSuchKey) {
				return err
			}
			k, err := createKey(ctx, tx, e.db(), name, types.TypeString)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO strings (key_id, value) VALUES (?, ?)
				ON CONFLICT(key_id) DO UPDATE SET value = excluded.value
			`, k.ID, value); err != nil {
				return err
			}
			if _, err := bumpVersion(ctx, tx, k.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetBit reads a single bit (0 or 1) at offset, treating an absent key or
// an offset past the end of the value as 0 (spec supplement "GETBIT",
// the bitmap sibling of BITCOUNT/BITOP in §4.4).
func (e *Engine) GetBit(ctx context.Context, name string, offset int64) (int, error) {
	if offset < 0 {
		return 0, core.ErrOutOfRange("bit offset is not an integer or out of range")
	}
	var bit int
	err := e.withHandle(ctx, "getbit", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKey(ctx, tx, e.db(), name)
		if errors.Is(err, core.NoSuchKey) {
			return nil
		}
		if err != nil {
			return err
		}
		if k.Type != types.TypeString {
			return core.WrongType
		}
		var val []byte
		row := tx.QueryRowContext(ctx, `SELECT value FROM strings WHERE key_id = ?`, k.ID)
		if err := row.Scan(&val); err != nil {
			return wrapMissingRow(err)
		}
		bit = readBit(val, offset)
		return nil
	})
	return bit, err
}

// SetBit sets the bit at offset to 0 or 1, zero-extending the value as
// needed, and returns the bit's previous value (spec supplement "SETBIT").
func (e *Engine) SetBit(ctx context.Context, name string, offset int64, value int) (int, error) {
	if offset < 0 {
		return 0, core.ErrOutOfRange("bit offset is not an integer or out of range")
	}
	if value != 0 && value != 1 {
		return 0, core.ErrInvalidArgument("bit is not an integer or out of range")
	}
	var prev int
	err := e.withHandle(ctx, "setbit", func(ctx context.Context, tx core.Execer) error {
		k, err := createKey(ctx, tx, e.db(), name, types.TypeString)
		if err != nil {
			return err
		}
		var cur []byte
		row := tx.QueryRowContext(ctx, `SELECT value FROM strings WHERE key_id = ?`, k.ID)
		_ = row.Scan(&cur) // absent row: treat as empty

		needed := offset/8 + 1
		if int64(len(cur)) < needed {
			padded := make([]byte, needed)
			copy(padded, cur)
			cur = padded
		}
		prev = readBit(cur, offset)
		byteIdx := offset / 8
		bitIdx := uint(7 - offset%8)
		if value == 1 {
			cur[byteIdx] |= 1 << bitIdx
		} else {
			cur[byteIdx] &^= 1 << bitIdx
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO strings (key_id, value) VALUES (?, ?)
			ON CONFLICT(key_id) DO UPDATE SET value = excluded.value
		`, k.ID, cur); err != nil {
			return err
		}
		_, err = bumpVersion(ctx, tx, k.ID)
		return err
	})
	return prev, err
}

func readBit(val []byte, offset int64) int {
	byteIdx := offset / 8
	if byteIdx >= int64(len(val)) {
		return 0
	}
	bitIdx := uint(7 - offset%8)
	if val[byteIdx]&(1<<bitIdx) != 0 {
		return 1
	}
	return 0
}

// BitCount counts set bits, optionally restricted to a byte range with
// Redis's negative-index clamping (spec "BITCOUNT"). Pass start==end==0
// with full=true to count the whole value.
func (e *Engine) BitCount(ctx context.Context, name string, start, end int64, full bool) (int64, error) {
	var n int64
	err := e.withHandle(ctx, "bitcount", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKey(ctx, tx, e.db(), name)
		if errors.Is(err, core.NoSuchKey) {
			return nil
		}
		if err != nil {
			return err
		}
		if k.Type != types.TypeString {
			return core.WrongType
		}
		var val []byte
		row := tx.QueryRowContext(ctx, `SELECT value FROM strings WHERE key_id = ?`, k.ID)
		if err := row.Scan(&val); err != nil {
			return wrapMissingRow(err)
		}
		if !full {
			lo, hi := clampRange(start, end, int64(len(val)))
			if lo > hi {
				return nil
			}
			val = val[lo : hi+1]
		}
		for _, b := range val {
			n += int64(popcount(b))
		}
		return nil
	})
	return n, err
}

func popcount(b byte) int {
	n := 0
	for b != 0 {
		n += int(b & 1)
		b >>= 1
	}
	return n
}

// BitOpKind enumerates the BITOP sub-operation (spec "BITOP").
type BitOpKind string

const (
	BitOpAnd BitOpKind = "AND"
	BitOpOr  BitOpKind = "OR"
	BitOpXor BitOpKind = "XOR"
	BitOpNot BitOpKind = "NOT"
)

// BitOp computes a bitwise operation over one or more source strings and
// stores the result under dest, returning the result's byte length (spec
// "BITOP"). NOT requires exactly one source; AND/OR/XOR pad shorter sources
// with zero bytes out to the longest source's length (spec §4.4).
func (e *Engine) BitOp(ctx context.Context, op BitOpKind, dest string, sources ...string) (int64, error) {
	if op == BitOpNot && len(sources) != 1 {
		return 0, core.ErrInvalidArgument("BITOP NOT must be called with a single source key")
	}
	if len(sources) == 0 {
		return 0, core.ErrInvalidArgument("BITOP requires at least one source key")
	}
	var resultLen int64
	err := e.withHandle(ctx, "bitop", func(ctx context.Context, tx core.Execer) error {
		vals := make([][]byte, len(sources))
		maxLen := 0
		for i, src := range sources {
			k, err := resolveKey(ctx, tx, e.db(), src)
			if errors.Is(err, core.NoSuchKey) {
				vals[i] = nil
				continue
			}
			if err != nil {
				return err
			}
			if k.Type != types.TypeString {
				return core.WrongType
			}
			var v []byte
			row := tx.QueryRowContext(ctx, `SELECT value FROM strings WHERE key_id = ?`, k.ID)
			if err := row.Scan(&v); err != nil {
				return wrapMissingRow(err)
			}
			vals[i] = v
			if len(v) > maxLen {
				maxLen = len(v)
			}
		}

		result := make([]byte, maxLen)
		switch op {
		case BitOpNot:
			src := vals[0]
			for i := range result {
				var b byte
				if i < len(src) {
					b = src[i]
				}
				result[i] = ^b
			}
		case BitOpAnd:
			for i := range result {
				var acc byte = 0xFF
				for _, v := range vals {
					var b byte
					if i < len(v) {
						b = v[i]
					}
					acc &= b
				}
				result[i] = acc
			}
		case BitOpOr:
			for i := range result {
				var acc byte
				for _, v := range vals {
					var b byte
					if i < len(v) {
						b = v[i]
					}
					acc |= b
				}
				result[i] = acc
			}
		case BitOpXor:
			for i := range result {
				var acc byte
				for _, v := range vals {
					var b byte
					if i < len(v) {
						b = v[i]
					}
					acc ^= b
				}
				result[i] = acc
			}
		default:
			return core.ErrInvalidArgument("unknown BITOP kind")
		}

		if existing, err := resolveKey(ctx, tx, e.db(), dest); err == nil && existing.Type != types.TypeString {
			if err := deleteKey(ctx, tx, existing.ID); err != nil {
				return err
			}
		} else if err != nil && !errors.Is(err, core.NoSuchKey) {
			return err
		}
		k, err := createKey(ctx, tx, e.db(), dest, types.TypeString)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO strings (key_id, value) VALUES (?, ?)
			ON CONFLICT(key_id) DO UPDATE SET value = excluded.value
		`, k.ID, result); err != nil {
			return err
		}
		if _, err := bumpVersion(ctx, tx, k.ID); err != nil {
			return err
		}
		resultLen = int64(len(result))
		return nil
	})
	return resultLen, err
}

func clampRange(start, end, length int64) (int64, int64) {
	if start < 0 {
		start += length
	}
	if end < 0 {
		end += length
	}
	if start < 0 {
		start = 0
	}
	if end >= length {
		end = length - 1
	}
	return start, end
}

func wrapMissingRow(err error) error {
	if err != nil {
		return core.ErrInvalidData("corrupt row: " + err.Error())
	}
	return nil
}

func wrapMissingRowIsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
