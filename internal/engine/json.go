package engine

import (
	"context"
	"errors"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"

	"github.com/velakv/vela/internal/core"
	"github.com/velakv/vela/internal/types"
)

// JSONSet stores value at path within a JSON document, creating the
// document (as "{}") first if absent (spec "JSON.SET"). path follows
// gjson/sjson dotted-path syntax; "." sets the whole document.
func (e *Engine) JSONSet(ctx context.Context, name, path string, value []byte) error {
	return e.withHandle(ctx, "json_set", func(ctx context.Context, tx core.Execer) error {
		k, err := createKey(ctx, tx, e.db(), name, types.TypeJSON)
		if err != nil {
			return err
		}
		var doc []byte
		row := tx.QueryRowContext(ctx, `SELECT document FROM json_docs WHERE key_id = ?`, k.ID)
		if err := row.Scan(&doc); err != nil {
			doc = []byte("{}")
		}

		var next []byte
		if path == "." || path == "" {
			if !gjson.ValidBytes(value) {
				return core.ErrInvalidData("JSON.SET: invalid JSON document")
			}
			next = value
		} else {
			next, err = sjson.SetRawBytes(doc, path, value)
			if err != nil {
				return core.ErrSyntax("JSON.SET: " + err.Error())
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO json_docs (key_id, document) VALUES (?, ?)
			ON CONFLICT(key_id) DO UPDATE SET document = excluded.document
		`, k.ID, next); err != nil {
			return err
		}
		if _, err := bumpVersion(ctx, tx, k.ID); err != nil {
			return err
		}
		return reindexJSON(ctx, tx, e.db(), k, next)
	})
}

// reindexJSON refreshes every FTS index matching k's name with the
// document's current top-level field values (spec §4.10's auto-index hook,
// generalized from HSET's hash-field source to JSON's top-level scalars).
func reindexJSON(ctx context.Context, tx core.Execer, db int, k *types.Key, doc []byte) error {
	fields := map[string]string{}
	gjson.ParseBytes(doc).ForEach(func(key, value gjson.Result) bool {
		fields[key.String()] = value.String()
		return true
	})
	return indexDocument(ctx, tx, db, k, fields)
}

// JSONGet returns the value at path (spec "JSON.GET"). path "." returns the
// whole document, pretty-printed; any other path returns the selected
// value's JSON text as stored, not pretty-printed.
func (e *Engine) JSONGet(ctx context.Context, name, path string) ([]byte, error) {
	var out []byte
	err := e.withHandle(ctx, "json_get", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeJSON)
		if err != nil {
			return err
		}
		var doc []byte
		if err := tx.QueryRowContext(ctx, `SELECT document FROM json_docs WHERE key_id = ?`, k.ID).Scan(&doc); err != nil {
			return wrapMissingRow(err)
		}
		if path == "." || path == "" {
			out = pretty.Pretty(doc)
			return nil
		}
		result := gjson.GetBytes(doc, path)
		if !result.Exists() {
			return core.NotFound
		}
		out = []byte(result.Raw)
		e.sess.Core().TouchKey(k)
		return nil
	})
	return out, err
}

// JSONDel removes the value at path, or the whole key if path is "."
// (spec "JSON.DEL").
func (e *Engine) JSONDel(ctx context.Context, name, path string) error {
	return e.withHandle(ctx, "json_del", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeJSON)
		if err != nil {
			return err
		}
		if path == "." || path == "" {
			if err := removeDocument(ctx, tx, e.db(), k.Type, k.Name, k.ID); err != nil {
				return err
			}
			return deleteKey(ctx, tx, k.ID)
		}
		var doc []byte
		if err := tx.QueryRowContext(ctx, `SELECT document FROM json_docs WHERE key_id = ?`, k.ID).Scan(&doc); err != nil {
			return wrapMissingRow(err)
		}
		next, err := sjson.DeleteBytes(doc, path)
		if err != nil {
			return core.ErrSyntax("JSON.DEL: " + err.Error())
		}
		if _, err := tx.ExecContext(ctx, `UPDATE json_docs SET document = ? WHERE key_id = ?`, next, k.ID); err != nil {
			return err
		}
		if _, err := bumpVersion(ctx, tx, k.ID); err != nil {
			return err
		}
		return reindexJSON(ctx, tx, e.db(), k, next)
	})
}

// JSONType reports the JSON type ("object", "array", "string", "number",
// "boolean", "null") of the value at path (spec "JSON.TYPE").
func (e *Engine) JSONType(ctx context.Context, name, path string) (string, error) {
	var typ string
	err := e.withHandle(ctx, "json_type", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeJSON)
		if err != nil {
			return err
		}
		var doc []byte
		if err := tx.QueryRowContext(ctx, `SELECT document FROM json_docs WHERE key_id = ?`, k.ID).Scan(&doc); err != nil {
			return wrapMissingRow(err)
		}
		if path == "" {
			path = "."
		}
		result := gjson.GetBytes(doc, path)
		if !result.Exists() {
			return core.NotFound
		}
		typ = jsonResultType(result)
		return nil
	})
	return typ, err
}

func jsonResultType(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return "string"
	case gjson.Number:
		return "number"
	case gjson.True, gjson.False:
		return "boolean"
	case gjson.Null:
		return "null"
	default:
		if r.IsArray() {
			return "array"
		}
		if r.IsObject() {
			return "object"
		}
		return "null"
	}
}

// JSONMerge applies an RFC 7386 JSON merge patch at path (spec
// "JSON.MERGE", the merge-semantics counterpart to JSON.SET's overwrite).
func (e *Engine) JSONMerge(ctx context.Context, name, path string, patch []byte) error {
	return e.withHandle(ctx, "json_merge", func(ctx context.Context, tx core.Execer) error {
		k, err := createKey(ctx, tx, e.db(), name, types.TypeJSON)
		if err != nil {
			return err
		}
		var doc []byte
		if err := tx.QueryRowContext(ctx, `SELECT document FROM json_docs WHERE key_id = ?`, k.ID).Scan(&doc); err != nil {
			doc = []byte("{}")
		}

		target := doc
		if path != "." && path != "" {
			sub := gjson.GetBytes(doc, path)
			if sub.Exists() {
				target = []byte(sub.Raw)
			} else {
				target = []byte("{}")
			}
		}

		merged, err := jsonMergePatch(target, patch)
		if err != nil {
			return core.ErrInvalidData("JSON.MERGE: " + err.Error())
		}

		next := merged
		if path != "." && path != "" {
			next, err = sjson.SetRawBytes(doc, path, merged)
			if err != nil {
				return core.ErrSyntax("JSON.MERGE: " + err.Error())
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO json_docs (key_id, document) VALUES (?, ?)
			ON CONFLICT(key_id) DO UPDATE SET document = excluded.document
		`, k.ID, next); err != nil {
			return err
		}
		if _, err := bumpVersion(ctx, tx, k.ID); err != nil {
			return err
		}
		return reindexJSON(ctx, tx, e.db(), k, next)
	})
}

// loadDoc fetches the raw document bytes for a JSON key, wrapping a missing
// row as corrupt data (a key row with no document row is a consistency bug,
// not a user-facing NotFound).
func loadDoc(ctx context.Context, tx core.Execer, keyID int64) ([]byte, error) {
	var doc []byte
	if err := tx.QueryRowContext(ctx, `SELECT document FROM json_docs WHERE key_id = ?`, keyID).Scan(&doc); err != nil {
		return nil, wrapMissingRow(err)
	}
	return doc, nil
}

func storeDoc(ctx context.Context, tx core.Execer, db int, k *types.Key, doc []byte) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO json_docs (key_id, document) VALUES (?, ?)
		ON CONFLICT(key_id) DO UPDATE SET document = excluded.document
	`, k.ID, doc); err != nil {
		return err
	}
	if _, err := bumpVersion(ctx, tx, k.ID); err != nil {
		return err
	}
	return reindexJSON(ctx, tx, db, k, doc)
}

// JSONNumIncrBy adds delta to the numeric value at path, returning the new
// number (spec supplement "JSON.NUMINCRBY").
func (e *Engine) JSONNumIncrBy(ctx context.Context, name, path string, delta float64) (float64, error) {
	var result float64
	err := e.withHandle(ctx, "json_numincrby", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeJSON)
		if err != nil {
			return err
		}
		doc, err := loadDoc(ctx, tx, k.ID)
		if err != nil {
			return err
		}
		cur := gjson.GetBytes(doc, path)
		if !cur.Exists() {
			return core.NotFound
		}
		if cur.Type != gjson.Number {
			return core.ErrWrongType("JSON.NUMINCRBY: value at path is not a number")
		}
		result = cur.Num + delta
		next, err := sjson.SetRawBytes(doc, path, []byte(strconv.FormatFloat(result, 'g', -1, 64)))
		if err != nil {
			return core.ErrSyntax("JSON.NUMINCRBY: " + err.Error())
		}
		return storeDoc(ctx, tx, e.db(), k, next)
	})
	return result, err
}

// JSONStrAppend appends suffix to the string value at path, returning the
// new string's length (spec supplement "JSON.STRAPPEND").
func (e *Engine) JSONStrAppend(ctx context.Context, name, path string, suffix string) (int, error) {
	var length int
	err := e.withHandle(ctx, "json_strappend", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeJSON)
		if err != nil {
			return err
		}
		doc, err := loadDoc(ctx, tx, k.ID)
		if err != nil {
			return err
		}
		cur := gjson.GetBytes(doc, path)
		if !cur.Exists() {
			return core.NotFound
		}
		if cur.Type != gjson.String {
			return core.ErrWrongType("JSON.STRAPPEND: value at path is not a string")
		}
		next, err := sjson.SetBytes(doc, path, cur.Str+suffix)
		if err != nil {
			return core.ErrSyntax("JSON.STRAPPEND: " + err.Error())
		}
		length = len(cur.Str) + len(suffix)
		return storeDoc(ctx, tx, e.db(), k, next)
	})
	return length, err
}

// JSONToggle flips a boolean value at path, returning the new value
// (spec supplement "JSON.TOGGLE").
func (e *Engine) JSONToggle(ctx context.Context, name, path string) (bool, error) {
	var result bool
	err := e.withHandle(ctx, "json_toggle", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeJSON)
		if err != nil {
			return err
		}
		doc, err := loadDoc(ctx, tx, k.ID)
		if err != nil {
			return err
		}
		cur := gjson.GetBytes(doc, path)
		if !cur.Exists() {
			return core.NotFound
		}
		if cur.Type != gjson.True && cur.Type != gjson.False {
			return core.ErrWrongType("JSON.TOGGLE: value at path is not a boolean")
		}
		result = !cur.Bool()
		next, err := sjson.SetBytes(doc, path, result)
		if err != nil {
			return core.ErrSyntax("JSON.TOGGLE: " + err.Error())
		}
		return storeDoc(ctx, tx, e.db(), k, next)
	})
	return result, err
}

// JSONObjKeys returns the keys of the object at path, in document order
// (spec supplement "JSON.OBJKEYS").
func (e *Engine) JSONObjKeys(ctx context.Context, name, path string) ([]string, error) {
	var keys []string
	err := e.withHandle(ctx, "json_objkeys", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeJSON)
		if err != nil {
			return err
		}
		doc, err := loadDoc(ctx, tx, k.ID)
		if err != nil {
			return err
		}
		if path == "" {
			path = "."
		}
		target := gjson.ParseBytes(doc)
		if path != "." {
			target = gjson.GetBytes(doc, path)
		}
		if !target.Exists() {
			return core.NotFound
		}
		if !target.IsObject() {
			return core.ErrWrongType("JSON.OBJKEYS: value at path is not an object")
		}
		target.ForEach(func(key, _ gjson.Result) bool {
			keys = append(keys, key.String())
			return true
		})
		e.sess.Core().TouchKey(k)
		return nil
	})
	return keys, err
}

// JSONArrAppend appends values to the array at path, returning its new
// length (spec supplement "JSON.ARRAPPEND").
func (e *Engine) JSONArrAppend(ctx context.Context, name, path string, values ...[]byte) (int, error) {
	var length int
	err := e.withHandle(ctx, "json_arrappend", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeJSON)
		if err != nil {
			return err
		}
		doc, err := loadDoc(ctx, tx, k.ID)
		if err != nil {
			return err
		}
		arr := gjson.GetBytes(doc, path)
		if !arr.Exists() {
			return core.NotFound
		}
		if !arr.IsArray() {
			return core.ErrWrongType("JSON.ARRAPPEND: value at path is not an array")
		}
		next := doc
		for _, v := range values {
			next, err = sjson.SetRawBytes(next, path+".-1", v)
			if err != nil {
				return core.ErrSyntax("JSON.ARRAPPEND: " + err.Error())
			}
		}
		length = len(gjson.GetBytes(next, path).Array())
		return storeDoc(ctx, tx, e.db(), k, next)
	})
	return length, err
}

// JSONArrInsert inserts values into the array at path starting at index,
// returning the array's new length (spec supplement "JSON.ARRINSERT").
// Negative index counts from the end, matching sjson's own convention.
func (e *Engine) JSONArrInsert(ctx context.Context, name, path string, index int, values ...[]byte) (int, error) {
	var length int
	err := e.withHandle(ctx, "json_arrinsert", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeJSON)
		if err != nil {
			return err
		}
		doc, err := loadDoc(ctx, tx, k.ID)
		if err != nil {
			return err
		}
		arr := gjson.GetBytes(doc, path)
		if !arr.Exists() {
			return core.NotFound
		}
		if !arr.IsArray() {
			return core.ErrWrongType("JSON.ARRINSERT: value at path is not an array")
		}
		elems := arr.Array()
		idx := index
		if idx < 0 {
			idx += len(elems) + 1
		}
		if idx < 0 || idx > len(elems) {
			return core.ErrOutOfRange("JSON.ARRINSERT: index out of range")
		}
		rawVals := make([]string, len(values))
		for i, v := range values {
			rawVals[i] = string(v)
		}
		parts := make([]string, 0, len(elems)+len(values))
		for i, el := range elems {
			if i == idx {
				parts = append(parts, rawVals...)
			}
			parts = append(parts, el.Raw)
		}
		if idx == len(elems) {
			parts = append(parts, rawVals...)
		}
		newArr := "[" + joinRaw(parts) + "]"
		next, err := sjson.SetRawBytes(doc, path, []byte(newArr))
		if err != nil {
			return core.ErrSyntax("JSON.ARRINSERT: " + err.Error())
		}
		length = len(parts)
		return storeDoc(ctx, tx, e.db(), k, next)
	})
	return length, err
}

func joinRaw(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

// JSONArrPop removes and returns the element at index from the array at path
// (spec supplement "JSON.ARRPOP"). A negative index counts from the end, so
// -1 selects the last element.
func (e *Engine) JSONArrPop(ctx context.Context, name, path string, index int) ([]byte, error) {
	var popped []byte
	err := e.withHandle(ctx, "json_arrpop", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeJSON)
		if err != nil {
			return err
		}
		doc, err := loadDoc(ctx, tx, k.ID)
		if err != nil {
			return err
		}
		arr := gjson.GetBytes(doc, path)
		if !arr.Exists() {
			return core.NotFound
		}
		if !arr.IsArray() {
			return core.ErrWrongType("JSON.ARRPOP: value at path is not an array")
		}
		elems := arr.Array()
		if len(elems) == 0 {
			return core.NotFound
		}
		idx := index
		if idx < 0 {
			idx += len(elems)
		}
		if idx < 0 || idx >= len(elems) {
			return core.ErrOutOfRange("JSON.ARRPOP: index out of range")
		}
		popped = []byte(elems[idx].Raw)
		next, err := sjson.DeleteBytes(doc, path+"."+strconv.Itoa(idx))
		if err != nil {
			return core.ErrSyntax("JSON.ARRPOP: " + err.Error())
		}
		return storeDoc(ctx, tx, e.db(), k, next)
	})
	return popped, err
}

// JSONArrLen returns the length of the array at path
// (spec supplement "JSON.ARRLEN").
func (e *Engine) JSONArrLen(ctx context.Context, name, path string) (int, error) {
	var length int
	err := e.withHandle(ctx, "json_arrlen", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeJSON)
		if err != nil {
			return err
		}
		doc, err := loadDoc(ctx, tx, k.ID)
		if err != nil {
			return err
		}
		arr := gjson.GetBytes(doc, path)
		if !arr.Exists() {
			return core.NotFound
		}
		if !arr.IsArray() {
			return core.ErrWrongType("JSON.ARRLEN: value at path is not an array")
		}
		length = len(arr.Array())
		e.sess.Core().TouchKey(k)
		return nil
	})
	return length, err
}

// jsonMergePatch applies an RFC 7386 merge patch to target using gjson/sjson
// as the path engine: walk the patch's top-level keys, deleting on a null
// value and setting otherwise, recursing into nested objects.
func jsonMergePatch(target, patch []byte) ([]byte, error) {
	if !gjson.ValidBytes(patch) {
		return nil, errors.New("invalid patch document")
	}
	patchResult := gjson.ParseBytes(patch)
	if !patchResult.IsObject() {
		return patch, nil
	}
	if !gjson.ValidBytes(target) || !gjson.ParseBytes(target).IsObject() {
		target = []byte("{}")
	}

	result := target
	var mergeErr error
	patchResult.ForEach(func(key, value gjson.Result) bool {
		if value.Type == gjson.Null {
			result, mergeErr = sjson.DeleteBytes(result, key.String())
			return mergeErr == nil
		}
		if value.IsObject() {
			existing := gjson.GetBytes(result, key.String())
			base := []byte("{}")
			if existing.Exists() && existing.IsObject() {
				base = []byte(existing.Raw)
			}
			merged, err := jsonMergePatch(base, []byte(value.Raw))
			if err != nil {
				mergeErr = err
				return false
			}
			result, mergeErr = sjson.SetRawBytes(result, key.String(), merged)
			return mergeErr == nil
		}
		result, mergeErr = sjson.SetRawBytes(result, key.String(), []byte(value.Raw))
		return mergeErr == nil
	})
	return result, mergeErr
}
