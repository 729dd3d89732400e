package engine

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"strconv"

	"github.com/velakv/vela/internal/core"
	"github.com/velakv/vela/internal/types"
)

// scanPageSize bounds how many rows a single SCAN-family call examines past
// the cursor, matching Redis's COUNT-is-a-hint default batch rather than a
// hard page size.
const scanPageSize = 10

// ScanResult is one page of a cursor-based iteration (spec §4.8).
type ScanResult struct {
	Cursor string // empty string means iteration is complete
	Keys   []string
}

// encodeCursor/decodeCursor wrap the opaque resume position (the last row's
// autoincrement id, here) in base64 so callers never depend on its internal
// shape (spec §4.8 "opaque cursors").
func encodeCursor(lastID int64) string {
	if lastID == 0 {
		return ""
	}
	return base64.URLEncoding.EncodeToString([]byte(strconv.FormatInt(lastID, 10)))
}

func decodeCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, core.ErrSyntax("invalid cursor")
	}
	return strconv.ParseInt(string(raw), 10, 64)
}

// Scan iterates the current db's key names in id order (spec "SCAN").
// pattern, if non-empty, is a Redis-style glob (*, ?, [...]) filter applied
// after the page is read.
func (e *Engine) Scan(ctx context.Context, cursor, pattern string) (ScanResult, error) {
	lastID, err := decodeCursor(cursor)
	if err != nil {
		return ScanResult{}, err
	}

	var result ScanResult
	err = e.withHandle(ctx, "scan", func(ctx context.Context, tx core.Execer) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, name FROM keys WHERE db = ? AND id > ? ORDER BY id ASC LIMIT ?
		`, e.db(), lastID, scanPageSize)
		if err != nil {
			return err
		}
		defer rows.Close()

		var last int64
		var n int
		for rows.Next() {
			var id int64
			var name string
			if err := rows.Scan(&id, &name); err != nil {
				return err
			}
			last = id
			n++
			if pattern == "" || globMatch(pattern, name) {
				result.Keys = append(result.Keys, name)
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if n == scanPageSize {
			result.Cursor = encodeCursor(last)
		}
		return nil
	})
	return result, err
}

// globMatch implements Redis-style glob matching (*, ?, [abc], [^abc],
// [a-z]) by hand: stdlib path.Match treats '/' specially and rejects
// unterminated character classes outright, neither of which fits a
// pattern meant to match arbitrary binary-safe key names rather than file
// paths.
func globMatch(pattern, s string) bool {
	return globMatchBytes([]byte(pattern), []byte(s))
}

func globMatchBytes(p, s []byte) bool {
	for len(p) > 0 {
		switch p[0] {
		case '*':
			for len(p) > 1 && p[1] == '*' {
				p = p[1:]
			}
			if len(p) == 1 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if globMatchBytes(p[1:], s[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(s) == 0 {
				return false
			}
			p, s = p[1:], s[1:]
		case '[':
			if len(s) == 0 {
				return false
			}
			end := matchClassEnd(p)
			if end < 0 {
				// unterminated class: treat '[' literally
				if s[0] != '[' {
					return false
				}
				p, s = p[1:], s[1:]
				continue
			}
			if !matchClass(p[1:end], s[0]) {
				return false
			}
			p, s = p[end+1:], s[1:]
		case '\\':
			if len(p) > 1 {
				p = p[1:]
			}
			if len(s) == 0 || s[0] != p[0] {
				return false
			}
			p, s = p[1:], s[1:]
		default:
			if len(s) == 0 || s[0] != p[0] {
				return false
			}
			p, s = p[1:], s[1:]
		}
	}
	return len(s) == 0
}

func matchClassEnd(p []byte) int {
	for i := 1; i < len(p); i++ {
		if p[i] == ']' && i > 1 {
			return i
		}
	}
	return -1
}

func matchClass(class []byte, c byte) bool {
	negate := false
	if len(class) > 0 && class[0] == '^' {
		negate = true
		class = class[1:]
	}
	matched := false
	for i := 0; i < len(class); i++ {
		if i+2 < len(class) && class[i+1] == '-' {
			if class[i] <= c && c <= class[i+2] {
				matched = true
			}
			i += 2
		} else if class[i] == c {
			matched = true
		}
	}
	return matched != negate
}

// HScan paginates a hash's fields using SQLite's implicit rowid as the
// opaque cursor position, the same shape Scan uses over keys.id
// (spec "HSCAN").
func (e *Engine) HScan(ctx context.Context, name, cursor, pattern string) (ScanResult, map[string][]byte, error) {
	lastRowID, err := decodeCursor(cursor)
	if err != nil {
		return ScanResult{}, nil, err
	}
	out := map[string][]byte{}
	var result ScanResult
	err = e.withHandle(ctx, "hscan", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeHash)
		if err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `
			SELECT rowid, field, value FROM hashes WHERE key_id = ? AND rowid > ? ORDER BY rowid ASC LIMIT ?
		`, k.ID, lastRowID, scanPageSize)
		if err != nil {
			return err
		}
		defer rows.Close()
		var last int64
		var n int
		for rows.Next() {
			var rowid int64
			var field string
			var value []byte
			if err := rows.Scan(&rowid, &field, &value); err != nil {
				return err
			}
			last = rowid
			n++
			if pattern == "" || globMatch(pattern, field) {
				out[field] = value
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if n == scanPageSize {
			result.Cursor = encodeCursor(last)
		}
		return nil
	})
	return result, out, err
}

// SScan paginates a set's members the same way (spec "SSCAN").
func (e *Engine) SScan(ctx context.Context, name, cursor, pattern string) (ScanResult, [][]byte, error) {
	lastRowID, err := decodeCursor(cursor)
	if err != nil {
		return ScanResult{}, nil, err
	}
	var out [][]byte
	var result ScanResult
	err = e.withHandle(ctx, "sscan", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeSet)
		if err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `
			SELECT rowid, member FROM sets WHERE key_id = ? AND rowid > ? ORDER BY rowid ASC LIMIT ?
		`, k.ID, lastRowID, scanPageSize)
		if err != nil {
			return err
		}
		defer rows.Close()
		var last int64
		var n int
		for rows.Next() {
			var rowid int64
			var member []byte
			if err := rows.Scan(&rowid, &member); err != nil {
				return err
			}
			last = rowid
			n++
			if pattern == "" || globMatch(pattern, string(member)) {
				out = append(out, member)
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if n == scanPageSize {
			result.Cursor = encodeCursor(last)
		}
		return nil
	})
	return result, out, err
}

// zscanCursor is ZSCAN's compound resume position (spec §4.8): sorted sets
// are ordered by (score, member) rather than by an autoincrement id, so a
// single integer cursor can't express "resume after this row" the way
// Scan/HScan/SScan's cursors do. m is the member's raw bytes, separately
// base64-encoded so it survives JSON even when the member isn't valid UTF-8.
type zscanCursor struct {
	S float64 `json:"s"`
	M string  `json:"m"`
}

func encodeZCursor(score float64, member string) string {
	raw, err := json.Marshal(zscanCursor{S: score, M: base64.StdEncoding.EncodeToString([]byte(member))})
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(raw)
}

func decodeZCursor(cursor string) (float64, string, error) {
	if cursor == "" {
		return 0, "", nil
	}
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, "", core.ErrSyntax("invalid cursor")
	}
	var c zscanCursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return 0, "", core.ErrSyntax("invalid cursor")
	}
	member, err := base64.StdEncoding.DecodeString(c.M)
	if err != nil {
		return 0, "", core.ErrSyntax("invalid cursor")
	}
	return c.S, string(member), nil
}

// ZScan paginates a sorted set's members in (score, member) order, the set's
// own natural ordering, rather than by insertion/rowid order (spec "ZSCAN",
// §4.8's compound cursor). idx_zsets_order backs both branches below.
func (e *Engine) ZScan(ctx context.Context, name, cursor, pattern string) (ScanResult, []zmemberPair, error) {
	lastScore, lastMember, err := decodeZCursor(cursor)
	if err != nil {
		return ScanResult{}, nil, err
	}
	haveCursor := cursor != ""

	var out []zmemberPair
	var result ScanResult
	err = e.withHandle(ctx, "zscan", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeZSet)
		if err != nil {
			return err
		}

		var rows *sql.Rows
		if haveCursor {
			rows, err = tx.QueryContext(ctx, `
				SELECT member, score FROM zsets
				WHERE key_id = ? AND (score > ? OR (score = ? AND member > ?))
				ORDER BY score ASC, member ASC LIMIT ?
			`, k.ID, lastScore, lastScore, lastMember, scanPageSize)
		} else {
			rows, err = tx.QueryContext(ctx, `
				SELECT member, score FROM zsets WHERE key_id = ? ORDER BY score ASC, member ASC LIMIT ?
			`, k.ID, scanPageSize)
		}
		if err != nil {
			return err
		}
		defer rows.Close()

		var lastS float64
		var lastM string
		var n int
		for rows.Next() {
			var pair zmemberPair
			if err := rows.Scan(&pair.Member, &pair.Score); err != nil {
				return err
			}
			lastS, lastM = pair.Score, pair.Member
			n++
			if pattern == "" || globMatch(pattern, pair.Member) {
				out = append(out, pair)
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if n == scanPageSize {
			result.Cursor = encodeZCursor(lastS, lastM)
		}
		return nil
	})
	return result, out, err
}

type zmemberPair struct {
	Member string
	Score  float64
}
