package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/velakv/vela/internal/core"
	"github.com/velakv/vela/internal/types"
)

// encodeVector packs a float32 slice into little-endian FP32 bytes, the
// on-disk representation spec §4.11 mandates for vector_elements.vector.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// VAdd adds or replaces an element's embedding in a vector set, creating the
// set if absent (spec "VADD", §4.11). Dimensions latch on the first element
// added to a given key; later adds must match that dimension exactly.
func (e *Engine) VAdd(ctx context.Context, name, element string, vector []float32, attributes []byte) error {
	return e.withHandle(ctx, "vadd", func(ctx context.Context, tx core.Execer) error {
		k, err := createKey(ctx, tx, e.db(), name, types.TypeVector)
		if err != nil {
			return err
		}
		dim, err := vectorDimensions(ctx, tx, k.ID)
		if err != nil {
			return err
		}
		if dim == 0 {
			dim = len(vector)
		} else if dim != len(vector) {
			return core.ErrInvalidArgument("VADD: dimension mismatch, expected " + strconv.Itoa(dim))
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO vector_elements (key_id, element, vector, dimensions, quant, attributes)
			VALUES (?, ?, ?, ?, 'f32', ?)
			ON CONFLICT(key_id, element) DO UPDATE SET vector = excluded.vector, attributes = excluded.attributes
		`, k.ID, element, encodeVector(vector), dim, attributes); err != nil {
			return err
		}
		_, err = bumpVersion(ctx, tx, k.ID)
		return err
	})
}

func vectorDimensions(ctx context.Context, tx core.Execer, keyID int64) (int, error) {
	var dim int
	row := tx.QueryRowContext(ctx, `SELECT dimensions FROM vector_elements WHERE key_id = ? LIMIT 1`, keyID)
	if err := row.Scan(&dim); err != nil {
		return 0, nil
	}
	return dim, nil
}

// VRem removes an element from a vector set, deleting the set itself once
// empty (spec "VREM").
func (e *Engine) VRem(ctx context.Context, name, element string) (bool, error) {
	var removed bool
	err := e.withHandle(ctx, "vrem", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeVector)
		if errors.Is(err, core.NoSuchKey) {
			return nil
		}
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM vector_elements WHERE key_id = ? AND element = ?`, k.ID, element)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed = n > 0
		if !removed {
			return nil
		}
		if empty, err := vectorSetEmpty(ctx, tx, k.ID); err != nil {
			return err
		} else if empty {
			return deleteKey(ctx, tx, k.ID)
		}
		_, err = bumpVersion(ctx, tx, k.ID)
		return err
	})
	return removed, err
}

func vectorSetEmpty(ctx context.Context, tx core.Execer, keyID int64) (bool, error) {
	var n int
	row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM vector_elements WHERE key_id = ?`, keyID)
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n == 0, nil
}

// VCard returns the number of elements in a vector set (spec "VCARD").
func (e *Engine) VCard(ctx context.Context, name string) (int64, error) {
	var n int64
	err := e.withHandle(ctx, "vcard", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKey(ctx, tx, e.db(), name)
		if errors.Is(err, core.NoSuchKey) {
			return nil
		}
		if err != nil {
			return err
		}
		if k.Type != types.TypeVector {
			return core.WrongType
		}
		row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM vector_elements WHERE key_id = ?`, k.ID)
		return row.Scan(&n)
	})
	return n, err
}

// VDim returns the latched dimensionality of a vector set (spec "VDIM").
func (e *Engine) VDim(ctx context.Context, name string) (int, error) {
	var dim int
	err := e.withHandle(ctx, "vdim", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeVector)
		if err != nil {
			return err
		}
		dim, err = vectorDimensions(ctx, tx, k.ID)
		return err
	})
	return dim, err
}

// VEmb returns an element's raw embedding (spec "VEMB").
func (e *Engine) VEmb(ctx context.Context, name, element string) ([]float32, error) {
	var vec []float32
	var found bool
	err := e.withHandle(ctx, "vemb", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeVector)
		if err != nil {
			return err
		}
		var raw []byte
		row := tx.QueryRowContext(ctx, `SELECT vector FROM vector_elements WHERE key_id = ? AND element = ?`, k.ID, element)
		if err := row.Scan(&raw); err != nil {
			return nil
		}
		vec = decodeVector(raw)
		found = true
		e.sess.Core().TouchKey(k)
		return nil
	})
	if err == nil && !found {
		return nil, core.NotFound
	}
	return vec, err
}

// VectorMatch is one hit from VSim: the element name and its cosine
// similarity against the query vector.
type VectorMatch struct {
	Element string
	Score   float64
}

// VSim resolves a query vector (given directly, or by looking up an
// existing element's embedding when query is nil) and ranks every element
// in the set by cosine similarity, returning up to count hits in descending
// order (spec "VSIM", §4.11). filterSubstr, when non-empty, restricts
// candidates to elements whose JSON attributes blob contains it.
func (e *Engine) VSim(ctx context.Context, name string, query []float32, byElement string, filterSubstr string, count int) ([]VectorMatch, error) {
	var out []VectorMatch
	err := e.withHandle(ctx, "vsim", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeVector)
		if err != nil {
			return err
		}
		if query == nil && byElement != "" {
			var raw []byte
			row := tx.QueryRowContext(ctx, `SELECT vector FROM vector_elements WHERE key_id = ? AND element = ?`, k.ID, byElement)
			if err := row.Scan(&raw); err != nil {
				return wrapMissingRow(err)
			}
			query = decodeVector(raw)
		}
		if query == nil {
			return core.ErrInvalidArgument("VSIM: no query vector or element given")
		}

		rows, err := tx.QueryContext(ctx, `SELECT element, vector, attributes FROM vector_elements WHERE key_id = ?`, k.ID)
		if err != nil {
			return err
		}
		defer rows.Close()
		var matches []VectorMatch
		for rows.Next() {
			var el string
			var raw, attrs []byte
			if err := rows.Scan(&el, &raw, &attrs); err != nil {
				return err
			}
			if filterSubstr != "" && !strings.Contains(string(attrs), filterSubstr) {
				continue
			}
			matches = append(matches, VectorMatch{Element: el, Score: cosineSimilarity(query, decodeVector(raw))})
		}
		if err := rows.Err(); err != nil {
			return err
		}
		sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
		if count > 0 && count < len(matches) {
			matches = matches[:count]
		}
		out = matches
		e.sess.Core().TouchKey(k)
		return nil
	})
	return out, err
}

func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
