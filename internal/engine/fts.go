package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/velakv/vela/internal/core"
	"github.com/velakv/vela/internal/types"
)

// FTSFieldKind is one declared field's role in an index schema (spec §4.10):
// "text" fields live in the FTS5 virtual table and participate in MATCH
// scoring; "numeric"/"tag" fields live in the sidecar table and are applied
// as post-filters.
type FTSFieldKind string

const (
	FTSText    FTSFieldKind = "text"
	FTSNumeric FTSFieldKind = "numeric"
	FTSTag     FTSFieldKind = "tag"
)

// FTSTokenizer selects the FTS5 tokenizer an index's text columns use (spec
// §4.10: "porter" for stemmed English text, "trigram" for substring/fuzzy
// matching).
type FTSTokenizer string

const (
	TokenizerPorter   FTSTokenizer = "porter"
	TokenizerTrigram  FTSTokenizer = "trigram"
)

// FTSField declares one column of an index's schema.
type FTSField struct {
	Name string
	Kind FTSFieldKind
}

// FTSIndexSpec is the FT.CREATE argument set (spec §4.10).
type FTSIndexSpec struct {
	Name      string
	OnType    types.KeyType // TypeHash or TypeJSON
	Prefixes  []string
	Fields    []FTSField
	Tokenizer FTSTokenizer
}

// FTCreate registers a new auto-indexing rule and materializes its backing
// FTS5 virtual table (spec "FT.CREATE"). Every future HSET/JSON.SET/DEL on a
// key whose name has one of Prefixes is routed through indexDocument /
// removeDocument below.
func (e *Engine) FTCreate(ctx context.Context, spec FTSIndexSpec) error {
	if spec.Name == "" {
		return core.ErrSyntax("FT.CREATE: index name required")
	}
	if spec.Tokenizer == "" {
		spec.Tokenizer = TokenizerPorter
	}
	return e.withHandle(ctx, "ft_create", func(ctx context.Context, tx core.Execer) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM fts_indexes WHERE name = ?)`, spec.Name).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return core.ErrInvalidArgument("FT.CREATE: index already exists: " + spec.Name)
		}

		vtab := "fts_vtab_" + sanitizeIdent(spec.Name)
		var textCols []string
		for _, f := range spec.Fields {
			if f.Kind == FTSText {
				textCols = append(textCols, quoteIdent(f.Name))
			}
		}
		if len(textCols) == 0 {
			return core.ErrInvalidArgument("FT.CREATE: at least one text field required")
		}

		tokenizeClause := "porter"
		if spec.Tokenizer == TokenizerTrigram {
			tokenizeClause = "trigram"
		}
		createStmt := fmt.Sprintf(
			`CREATE VIRTUAL TABLE %s USING fts5(%s, tokenize='%s')`,
			quoteIdent(vtab), strings.Join(textCols, ", "), tokenizeClause,
		)
		if _, err := tx.ExecContext(ctx, createStmt); err != nil {
			return fmt.Errorf("create fts5 table: %w", err)
		}

		schemaJSON, err := json.Marshal(spec.Fields)
		if err != nil {
			return err
		}
		prefixJSON, err := json.Marshal(spec.Prefixes)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO fts_indexes (name, on_type, prefixes, schema_json, vtab_name, tokenizer)
			VALUES (?, ?, ?, ?, ?, ?)
		`, spec.Name, spec.OnType, string(prefixJSON), string(schemaJSON), vtab, string(spec.Tokenizer))
		return err
	})
}

// FTDropIndex removes an index's metadata and its backing virtual table
// (spec supplement "FT.DROPINDEX").
func (e *Engine) FTDropIndex(ctx context.Context, name string) error {
	return e.withHandle(ctx, "ft_dropindex", func(ctx context.Context, tx core.Execer) error {
		idx, err := loadFTSIndex(ctx, tx, name)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(idx.vtabName))); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM fts_indexes WHERE name = ?`, name)
		return err
	})
}

// FTSIndexInfo is the FT.INFO result (spec supplement "FT.INFO").
type FTSIndexInfo struct {
	Name      string
	OnType    types.KeyType
	Prefixes  []string
	Fields    []FTSField
	Tokenizer string
	DocCount  int64
}

// FTInfo reports an index's schema and current document count.
func (e *Engine) FTInfo(ctx context.Context, name string) (FTSIndexInfo, error) {
	var info FTSIndexInfo
	err := e.withHandle(ctx, "ft_info", func(ctx context.Context, tx core.Execer) error {
		idx, err := loadFTSIndex(ctx, tx, name)
		if err != nil {
			return err
		}
		info = FTSIndexInfo{Name: idx.name, OnType: idx.onType, Prefixes: idx.prefixes, Fields: idx.fields, Tokenizer: idx.tokenizer}
		row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM fts_rowids WHERE index_name = ?`, name)
		return row.Scan(&info.DocCount)
	})
	return info, err
}

// FTExplain parses a query string into its AST's string form, without
// running it, for debugging query construction (spec supplement
// "FT.EXPLAIN").
func (e *Engine) FTExplain(query string) (string, error) {
	ast, err := parseFTSQuery(query)
	if err != nil {
		return "", err
	}
	return ast.String(), nil
}

// ftsIndex is the resolved, in-memory form of an fts_indexes row.
type ftsIndex struct {
	name      string
	onType    types.KeyType
	prefixes  []string
	fields    []FTSField
	vtabName  string
	tokenizer string
}

func loadFTSIndex(ctx context.Context, tx core.Execer, name string) (*ftsIndex, error) {
	var onType, prefixJSON, schemaJSON, vtab, tok string
	row := tx.QueryRowContext(ctx, `SELECT on_type, prefixes, schema_json, vtab_name, tokenizer FROM fts_indexes WHERE name = ?`, name)
	if err := row.Scan(&onType, &prefixJSON, &schemaJSON, &vtab, &tok); err != nil {
		return nil, core.ErrNotFound("no such FTS index: " + name)
	}
	var idx ftsIndex
	idx.name = name
	idx.onType = types.KeyType(onType)
	idx.vtabName = vtab
	idx.tokenizer = tok
	if err := json.Unmarshal([]byte(prefixJSON), &idx.prefixes); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(schemaJSON), &idx.fields); err != nil {
		return nil, err
	}
	return &idx, nil
}

// matchingIndexes returns every index whose OnType matches typ and whose
// prefix list contains a prefix of name (spec §4.10 "multi-prefix routing").
func matchingIndexes(ctx context.Context, tx core.Execer, typ types.KeyType, name string) ([]*ftsIndex, error) {
	rows, err := tx.QueryContext(ctx, `SELECT name FROM fts_indexes WHERE on_type = ?`, typ)
	if err != nil {
		return nil, err
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return nil, err
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	var out []*ftsIndex
	for _, n := range names {
		idx, err := loadFTSIndex(ctx, tx, n)
		if err != nil {
			return nil, err
		}
		for _, p := range idx.prefixes {
			if strings.HasPrefix(name, p) {
				out = append(out, idx)
				break
			}
		}
	}
	return out, nil
}

// indexDocument (re)indexes one key into every matching index, called after
// a HSET/JSON.SET commits its own table writes (spec §4.10 "auto-index hook
// on mutation"). fieldValues is the complete field set to index (the hash's
// current HGETALL, or the JSON document's top-level scalar fields).
func indexDocument(ctx context.Context, tx core.Execer, db int, k *types.Key, fieldValues map[string]string) error {
	indexes, err := matchingIndexes(ctx, tx, k.Type, k.Name)
	if err != nil {
		return err
	}
	for _, idx := range indexes {
		rowid, err := rowidFor(ctx, tx, idx.name, db, k)
		if err != nil {
			return err
		}

		var cols []string
		var vals []any
		placeholders := make([]string, 0)
		for _, f := range idx.fields {
			if f.Kind != FTSText {
				continue
			}
			cols = append(cols, quoteIdent(f.Name))
			placeholders = append(placeholders, "?")
			vals = append(vals, fieldValues[f.Name])
		}
		stmt := fmt.Sprintf(
			`INSERT OR REPLACE INTO %s (rowid, %s) VALUES (?, %s)`,
			quoteIdent(idx.vtabName), strings.Join(cols, ", "), strings.Join(placeholders, ", "),
		)
		args := append([]any{rowid}, vals...)
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM fts_sidecar WHERE index_name = ? AND key_id = ?`, idx.name, k.ID); err != nil {
			return err
		}
		for _, f := range idx.fields {
			if f.Kind == FTSText {
				continue
			}
			raw, ok := fieldValues[f.Name]
			if !ok {
				continue
			}
			if f.Kind == FTSNumeric {
				n, err := strconv.ParseFloat(raw, 64)
				if err != nil {
					continue
				}
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO fts_sidecar (index_name, key_id, field, kind, num_value) VALUES (?, ?, ?, 'numeric', ?)
				`, idx.name, k.ID, f.Name, n); err != nil {
					return err
				}
			} else {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO fts_sidecar (index_name, key_id, field, kind, tag_value) VALUES (?, ?, ?, 'tag', ?)
				`, idx.name, k.ID, f.Name, raw); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// removeDocument deletes a key's rows from every matching index's virtual
// table and sidecar, called from DEL (spec §4.10: "On DEL key: ... delete
// from each matching virtual table by rowid").
func removeDocument(ctx context.Context, tx core.Execer, db int, typ types.KeyType, name string, keyID int64) error {
	indexes, err := matchingIndexes(ctx, tx, typ, name)
	if err != nil {
		return err
	}
	for _, idx := range indexes {
		var rowid int64
		row := tx.QueryRowContext(ctx, `SELECT rowid_val FROM fts_rowids WHERE index_name = ? AND key_id = ?`, idx.name, keyID)
		if err := row.Scan(&rowid); err != nil {
			continue
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE rowid = ?`, quoteIdent(idx.vtabName)), rowid); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM fts_sidecar WHERE index_name = ? AND key_id = ?`, idx.name, keyID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM fts_rowids WHERE index_name = ? AND key_id = ?`, idx.name, keyID); err != nil {
			return err
		}
	}
	return nil
}

func rowidFor(ctx context.Context, tx core.Execer, indexName string, db int, k *types.Key) (int64, error) {
	var rowid int64
	row := tx.QueryRowContext(ctx, `SELECT rowid_val FROM fts_rowids WHERE index_name = ? AND key_id = ?`, indexName, k.ID)
	if err := row.Scan(&rowid); err == nil {
		return rowid, nil
	}
	row = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(rowid_val), 0) + 1 FROM fts_rowids WHERE index_name = ?`, indexName)
	if err := row.Scan(&rowid); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fts_rowids (index_name, db, name, key_id, rowid_val) VALUES (?, ?, ?, ?, ?)
	`, indexName, db, k.Name, k.ID, rowid); err != nil {
		return 0, err
	}
	return rowid, nil
}

func sanitizeIdent(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// --- FT.SEARCH query AST and parser (spec §4.10) ---

type ftsClauseKind int

const (
	clauseTerm ftsClauseKind = iota
	clausePhrase
	clausePrefix
	clauseFuzzy
	clauseFieldText
	clauseNumericRange
	clauseTag
)

type ftsClause struct {
	kind    ftsClauseKind
	negated bool
	field   string   // set for clauseFieldText/clauseNumericRange/clauseTag
	text    string   // term/phrase/prefix/fuzzy/field-text value
	lo, hi  float64  // clauseNumericRange
	tags    []string // clauseTag
	orGroup []ftsClause // not set by parseFTSQuery and not rendered by ftsToMatchExpr
}

// ftsAST is a flat conjunction of clauses; FT.SEARCH has no explicit
// grouping operator, matching Redis's own query grammar.
type ftsAST struct {
	clauses []ftsClause
}

func (a ftsAST) String() string {
	var parts []string
	for _, c := range a.clauses {
		parts = append(parts, c.describe())
	}
	return strings.Join(parts, " AND ")
}

func (c ftsClause) describe() string {
	neg := ""
	if c.negated {
		neg = "NOT "
	}
	switch c.kind {
	case clauseTerm:
		return neg + "TERM(" + c.text + ")"
	case clausePhrase:
		return neg + `PHRASE("` + c.text + `")`
	case clausePrefix:
		return neg + "PREFIX(" + c.text + "*)"
	case clauseFuzzy:
		return neg + "FUZZY(" + c.text + ")"
	case clauseFieldText:
		return neg + "FIELD(" + c.field + ":" + c.text + ")"
	case clauseNumericRange:
		return neg + fmt.Sprintf("RANGE(%s:[%v %v])", c.field, c.lo, c.hi)
	case clauseTag:
		return neg + "TAG(" + c.field + ":{" + strings.Join(c.tags, "|") + "})"
	default:
		return "?"
	}
}

// parseFTSQuery tokenizes and classifies an FT.SEARCH query string (spec
// §4.10: terms, phrases, NOT '-', prefix '*', field scope '@f:term',
// numeric ranges '@f:[lo hi]', tag filters '@f:{a|b}', fuzzy '%%term%%').
// Top-level OR is not supported: a standalone '|' token is accepted and
// ignored, so "a | b" requires both terms, and "a|b" is a single term.
func parseFTSQuery(query string) (ftsAST, error) {
	tokens, err := tokenizeFTSQuery(query)
	if err != nil {
		return ftsAST{}, err
	}
	var ast ftsAST
	for _, tok := range tokens {
		clause, err := classifyFTSToken(tok)
		if err != nil {
			return ftsAST{}, err
		}
		ast.clauses = append(ast.clauses, clause)
	}
	return ast, nil
}

// tokenizeFTSQuery splits on whitespace while keeping quoted phrases and
// bracketed/braced groups intact as single tokens.
func tokenizeFTSQuery(query string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	var depth int // tracks [...] or {...} nesting
	inQuote := false
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '"':
			inQuote = !inQuote
			cur.WriteByte(c)
		case inQuote:
			cur.WriteByte(c)
		case c == '[' || c == '{':
			depth++
			cur.WriteByte(c)
		case c == ']' || c == '}':
			depth--
			cur.WriteByte(c)
			if depth == 0 {
				flush()
			}
		case depth > 0:
			cur.WriteByte(c)
		case c == ' ' || c == '\t' || c == '\n':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	if inQuote || depth != 0 {
		return nil, core.ErrSyntax("FT.SEARCH: unterminated phrase or group")
	}
	flush()
	return tokens, nil
}

func classifyFTSToken(tok string) (ftsClause, error) {
	var c ftsClause
	if strings.HasPrefix(tok, "-") {
		c.negated = true
		tok = tok[1:]
	}

	if strings.HasPrefix(tok, "@") {
		rest := tok[1:]
		colonIdx := strings.Index(rest, ":")
		if colonIdx < 0 {
			return c, core.ErrSyntax("FT.SEARCH: malformed field filter: " + tok)
		}
		c.field = rest[:colonIdx]
		val := rest[colonIdx+1:]
		switch {
		case strings.HasPrefix(val, "[") && strings.HasSuffix(val, "]"):
			parts := strings.Fields(strings.Trim(val, "[]"))
			if len(parts) != 2 {
				return c, core.ErrSyntax("FT.SEARCH: malformed numeric range: " + tok)
			}
			lo, err := strconv.ParseFloat(parts[0], 64)
			if err != nil {
				return c, core.ErrSyntax("FT.SEARCH: malformed range bound: " + parts[0])
			}
			hi, err := strconv.ParseFloat(parts[1], 64)
			if err != nil {
				return c, core.ErrSyntax("FT.SEARCH: malformed range bound: " + parts[1])
			}
			c.kind, c.lo, c.hi = clauseNumericRange, lo, hi
		case strings.HasPrefix(val, "{") && strings.HasSuffix(val, "}"):
			c.kind = clauseTag
			c.tags = strings.Split(strings.Trim(val, "{}"), "|")
		default:
			c.kind = clauseFieldText
			c.text = val
		}
		return c, nil
	}

	switch {
	case strings.HasPrefix(tok, `"`) && strings.HasSuffix(tok, `"`) && len(tok) >= 2:
		c.kind = clausePhrase
		c.text = strings.Trim(tok, `"`)
	case strings.HasPrefix(tok, "%%") && strings.HasSuffix(tok, "%%") && len(tok) > 4:
		c.kind = clauseFuzzy
		c.text = strings.Trim(tok, "%")
	case strings.HasSuffix(tok, "*"):
		c.kind = clausePrefix
		c.text = strings.TrimSuffix(tok, "*")
	case tok == "|":
		// standalone OR operator with no preceding term context; treated as
		// a no-op separator since clauses are ANDed by position already.
		c.kind = clauseTerm
		c.text = ""
	default:
		c.kind = clauseTerm
		c.text = tok
	}
	return c, nil
}

// ftsToMatchExpr renders the text-bearing clauses of an AST into an FTS5
// MATCH query string, leaving numeric/tag clauses for sidecar post-filtering
// (spec §4.10). Returns "" if the query has no text clauses at all (an
// all-filter query matches every document the sidecar filters allow).
func ftsToMatchExpr(ast ftsAST, fields []FTSField) string {
	textFieldSet := map[string]bool{}
	for _, f := range fields {
		if f.Kind == FTSText {
			textFieldSet[f.Name] = true
		}
	}

	var parts, negParts []string
	for _, c := range ast.clauses {
		var expr string
		switch c.kind {
		case clauseTerm:
			if c.text == "" {
				continue
			}
			expr = quoteFTS5Term(c.text)
		case clausePhrase:
			expr = `"` + strings.ReplaceAll(c.text, `"`, `""`) + `"`
		case clausePrefix:
			expr = quoteFTS5Term(c.text) + "*"
		case clauseFuzzy:
			expr = quoteFTS5Term(c.text) + "*"
		case clauseFieldText:
			if !textFieldSet[c.field] {
				continue // non-text field scope: nothing to add to MATCH
			}
			expr = quoteIdent(c.field) + " : " + quoteFTS5Term(c.text)
		default:
			continue // numeric/tag: sidecar-only
		}
		if c.negated {
			negParts = append(negParts, expr)
			continue
		}
		parts = append(parts, expr)
	}
	// FTS5's NOT is a binary operator ("a NOT b"), so negated clauses are
	// appended after the positive conjunction rather than ANDed in.
	out := strings.Join(parts, " AND ")
	for _, n := range negParts {
		out += " NOT " + n
	}
	return strings.TrimPrefix(out, " ")
}

func quoteFTS5Term(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// ftsSidecarFilters extracts the numeric-range and tag clauses an AST
// carries, for application against fts_sidecar after the MATCH pass narrows
// candidates (spec §4.10 "post-filter via sidecar lookups").
func ftsSidecarFilters(ast ftsAST) []ftsClause {
	var out []ftsClause
	for _, c := range ast.clauses {
		if c.kind == clauseNumericRange || c.kind == clauseTag {
			out = append(out, c)
		}
	}
	return out
}

// FTSHit is one FT.SEARCH result row (spec "FT.SEARCH").
type FTSHit struct {
	Name      string
	Score     float64 // higher is better (negated raw BM25)
	Highlight string  // optional, set when WithHighlight is requested
	Summary   string  // optional, set when WithSummarize is requested
}

// FTSSearchOptions configures an FT.SEARCH call.
type FTSSearchOptions struct {
	Limit         int
	Offset        int
	WithHighlight bool
	HighlightTag  [2]string // open/close wrapper, default <b>/</b>
	WithSummarize bool
	SummarizeN    int // fragment count, default 3
	SummarizeLen  int // words per fragment, default 20
	SummarizeSep  string
}

// FTSearch parses query, runs the text portion against the index's FTS5
// virtual table for (rowid, BM25), applies numeric/tag sidecar filters, and
// joins back to the source hash/JSON document (spec "FT.SEARCH").
func (e *Engine) FTSearch(ctx context.Context, index, query string, opts FTSSearchOptions) ([]FTSHit, error) {
	ast, err := parseFTSQuery(query)
	if err != nil {
		return nil, err
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	if opts.HighlightTag[0] == "" {
		opts.HighlightTag = [2]string{"<b>", "</b>"}
	}
	if opts.SummarizeN <= 0 {
		opts.SummarizeN = 3
	}
	if opts.SummarizeLen <= 0 {
		opts.SummarizeLen = 20
	}
	if opts.SummarizeSep == "" {
		opts.SummarizeSep = " ... "
	}

	var hits []FTSHit
	err = e.withHandle(ctx, "ft_search", func(ctx context.Context, tx core.Execer) error {
		idx, err := loadFTSIndex(ctx, tx, index)
		if err != nil {
			return err
		}
		matchExpr := ftsToMatchExpr(ast, idx.fields)

		type scored struct {
			rowid int64
			score float64
		}
		var candidates []scored
		if matchExpr == "" {
			rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT rowid FROM %s`, quoteIdent(idx.vtabName)))
			if err != nil {
				return err
			}
			for rows.Next() {
				var r int64
				if err := rows.Scan(&r); err != nil {
					rows.Close()
					return err
				}
				candidates = append(candidates, scored{rowid: r})
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return err
			}
			rows.Close()
		} else {
			rows, err := tx.QueryContext(ctx, fmt.Sprintf(
				`SELECT rowid, bm25(%s) FROM %s WHERE %s MATCH ?`,
				quoteIdent(idx.vtabName), quoteIdent(idx.vtabName), quoteIdent(idx.vtabName),
			), matchExpr)
			if err != nil {
				return fmt.Errorf("ft.search match: %w", err)
			}
			for rows.Next() {
				var s scored
				if err := rows.Scan(&s.rowid, &s.score); err != nil {
					rows.Close()
					return err
				}
				s.score = -s.score // spec GLOSSARY: negate raw BM25 for higher-is-better
				candidates = append(candidates, s)
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return err
			}
			rows.Close()
		}

		filters := ftsSidecarFilters(ast)
		var filtered []scored
		for _, cand := range candidates {
			var keyID int64
			var name string
			row := tx.QueryRowContext(ctx, `SELECT key_id, name FROM fts_rowids WHERE index_name = ? AND rowid_val = ?`, index, cand.rowid)
			if err := row.Scan(&keyID, &name); err != nil {
				continue
			}
			ok, err := passesSidecar(ctx, tx, index, keyID, filters)
			if err != nil {
				return err
			}
			if ok {
				filtered = append(filtered, cand)
			}
		}

		sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].score > filtered[j].score })

		for i, cand := range filtered {
			if i < opts.Offset {
				continue
			}
			if len(hits) >= opts.Limit {
				break
			}
			var name string
			row := tx.QueryRowContext(ctx, `SELECT name FROM fts_rowids WHERE index_name = ? AND rowid_val = ?`, index, cand.rowid)
			if err := row.Scan(&name); err != nil {
				continue
			}
			hit := FTSHit{Name: name, Score: cand.score}
			if opts.WithHighlight || opts.WithSummarize {
				body, err := firstTextFieldValue(ctx, tx, e.db(), idx, name)
				if err == nil {
					terms := queryTerms(ast)
					if opts.WithHighlight {
						hit.Highlight = highlightText(body, terms, opts.HighlightTag)
					}
					if opts.WithSummarize {
						hit.Summary = summarizeText(body, terms, opts.SummarizeN, opts.SummarizeLen, opts.SummarizeSep)
					}
				}
			}
			hits = append(hits, hit)
		}
		return nil
	})
	return hits, err
}

func passesSidecar(ctx context.Context, tx core.Execer, index string, keyID int64, filters []ftsClause) (bool, error) {
	for _, f := range filters {
		switch f.kind {
		case clauseNumericRange:
			var n float64
			row := tx.QueryRowContext(ctx, `
				SELECT num_value FROM fts_sidecar WHERE index_name = ? AND key_id = ? AND field = ? AND kind = 'numeric'
			`, index, keyID, f.field)
			if err := row.Scan(&n); err != nil {
				return f.negated, nil
			}
			inRange := n >= f.lo && n <= f.hi
			if inRange == f.negated {
				return false, nil
			}
		case clauseTag:
			var tag string
			row := tx.QueryRowContext(ctx, `
				SELECT tag_value FROM fts_sidecar WHERE index_name = ? AND key_id = ? AND field = ? AND kind = 'tag'
			`, index, keyID, f.field)
			if err := row.Scan(&tag); err != nil {
				return f.negated, nil
			}
			matched := false
			for _, want := range f.tags {
				if want == tag {
					matched = true
					break
				}
			}
			if matched == f.negated {
				return false, nil
			}
		}
	}
	return true, nil
}

// firstTextFieldValue fetches the source document's first declared text
// field for highlight/summarize rendering (spec §4.10: "joined back to the
// hash/JSON document").
func firstTextFieldValue(ctx context.Context, tx core.Execer, db int, idx *ftsIndex, name string) (string, error) {
	var textField string
	for _, f := range idx.fields {
		if f.Kind == FTSText {
			textField = f.Name
			break
		}
	}
	if textField == "" {
		return "", core.ErrNotFound("no text field declared")
	}
	k, err := resolveKey(ctx, tx, db, name)
	if err != nil {
		return "", err
	}
	if idx.onType == types.TypeHash {
		var v []byte
		row := tx.QueryRowContext(ctx, `SELECT value FROM hashes WHERE key_id = ? AND field = ?`, k.ID, textField)
		if err := row.Scan(&v); err != nil {
			return "", err
		}
		return string(v), nil
	}
	doc, err := loadDoc(ctx, tx, k.ID)
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(doc, textField).String(), nil
}

func queryTerms(ast ftsAST) []string {
	var terms []string
	for _, c := range ast.clauses {
		if c.negated {
			continue
		}
		switch c.kind {
		case clauseTerm, clausePhrase, clausePrefix, clauseFuzzy, clauseFieldText:
			if c.text != "" {
				terms = append(terms, c.text)
			}
		}
	}
	return terms
}

// highlightText wraps every case-insensitive occurrence of any term in tag.
func highlightText(body string, terms []string, tag [2]string) string {
	if len(terms) == 0 {
		return body
	}
	lower := strings.ToLower(body)
	var b strings.Builder
	i := 0
	for i < len(body) {
		matched := false
		for _, t := range terms {
			t = strings.ToLower(t)
			if t == "" {
				continue
			}
			if strings.HasPrefix(lower[i:], t) {
				b.WriteString(tag[0])
				b.WriteString(body[i : i+len(t)])
				b.WriteString(tag[1])
				i += len(t)
				matched = true
				break
			}
		}
		if !matched {
			b.WriteByte(body[i])
			i++
		}
	}
	return b.String()
}

// summarizeText emits up to n fragments of up to wordsPerFragment words
// surrounding term matches, separated by sep (spec §4.10 "summarization").
func summarizeText(body string, terms []string, n, wordsPerFragment int, sep string) string {
	words := strings.Fields(body)
	if len(words) == 0 {
		return ""
	}
	lowerTerms := make([]string, len(terms))
	for i, t := range terms {
		lowerTerms[i] = strings.ToLower(t)
	}

	var fragments []string
	used := make([]bool, len(words))
	for i, w := range words {
		if len(fragments) >= n {
			break
		}
		lw := strings.ToLower(w)
		hit := false
		for _, t := range lowerTerms {
			if t != "" && strings.Contains(lw, t) {
				hit = true
				break
			}
		}
		if !hit || used[i] {
			continue
		}
		start := i - wordsPerFragment/2
		if start < 0 {
			start = 0
		}
		end := start + wordsPerFragment
		if end > len(words) {
			end = len(words)
		}
		for j := start; j < end; j++ {
			used[j] = true
		}
		fragments = append(fragments, strings.Join(words[start:end], " "))
	}
	if len(fragments) == 0 {
		end := wordsPerFragment
		if end > len(words) {
			end = len(words)
		}
		return strings.Join(words[:end], " ")
	}
	return strings.Join(fragments, sep)
}
