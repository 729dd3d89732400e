package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/velakv/vela/internal/core"
	"github.com/velakv/vela/internal/types"
)

// aggRow is one row flowing through an FT.AGGREGATE pipeline: field name to
// scalar value (float64, string, or bool). Rows start life as the LOAD
// stage's projection of a search hit's source document and get mutated in
// place by each later stage.
type aggRow map[string]any

// AggStageKind names the stages of the fixed pipeline order spec §4.10
// mandates (filter via query is implicit at pipeline start). AggOptions
// carries one field per stage, and FTAggregate always runs them in the
// order LOAD, GROUPBY+REDUCE, APPLY, FILTER, SORTBY, LIMIT.
type AggStageKind string

const (
	AggLoad    AggStageKind = "LOAD"
	AggGroupBy AggStageKind = "GROUPBY"
	AggApply   AggStageKind = "APPLY"
	AggFilter  AggStageKind = "FILTER"
	AggSortBy  AggStageKind = "SORTBY"
	AggLimit   AggStageKind = "LIMIT"
)

// AggReducer is one GROUPBY...REDUCE clause (spec §4.10's REDUCE op list).
type AggReducer struct {
	Op    string // COUNT, COUNT_DISTINCT, SUM, AVG, MIN, MAX, STDDEV, TOLIST, FIRST_VALUE, QUANTILE, RANDOM_SAMPLE
	Field string
	Arg   float64 // QUANTILE's p, RANDOM_SAMPLE's n
	As    string
}

// AggOptions is the full FT.AGGREGATE argument set.
type AggOptions struct {
	Load      []string     // fields to project from the source document; empty = all declared text/numeric/tag fields
	GroupBy   []string     // grouping keys; nil = single implicit group
	Reduce    []AggReducer
	Apply     []AggExpr // computed columns, applied in order after GROUPBY
	Filter    string    // boolean expression over row fields, applied after APPLY
	SortBy    []AggSort
	Offset    int
	Limit     int
}

type AggExpr struct {
	Expr string
	As   string
}

type AggSort struct {
	Field string
	Desc  bool
}

// FTAggregate runs the fixed-order pipeline of spec §4.10: query filter →
// LOAD → GROUPBY+REDUCE → APPLY → FILTER → SORTBY → LIMIT.
func (e *Engine) FTAggregate(ctx context.Context, index, query string, opts AggOptions) ([]map[string]any, error) {
	hits, err := e.FTSearch(ctx, index, query, FTSSearchOptions{Limit: 1 << 20})
	if err != nil {
		return nil, err
	}

	var rows []aggRow
	err = e.withHandle(ctx, "ft_aggregate_load", func(ctx context.Context, tx core.Execer) error {
		idx, err := loadFTSIndex(ctx, tx, index)
		if err != nil {
			return err
		}
		for _, hit := range hits {
			row, err := loadAggRow(ctx, tx, e.db(), idx, hit.Name, opts.Load)
			if err != nil {
				continue
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(opts.GroupBy) > 0 || len(opts.Reduce) > 0 {
		rows = groupAndReduce(rows, opts.GroupBy, opts.Reduce)
	}

	for _, ap := range opts.Apply {
		expr, err := parseAggExpr(ap.Expr)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			row[ap.As] = expr.eval(row)
		}
	}

	if opts.Filter != "" {
		pred, err := parseAggExpr(opts.Filter)
		if err != nil {
			return nil, err
		}
		var kept []aggRow
		for _, row := range rows {
			if truthy(pred.eval(row)) {
				kept = append(kept, row)
			}
		}
		rows = kept
	}

	if len(opts.SortBy) > 0 {
		sort.SliceStable(rows, func(i, j int) bool {
			for _, s := range opts.SortBy {
				cmp := compareAny(rows[i][s.Field], rows[j][s.Field])
				if cmp == 0 {
					continue
				}
				if s.Desc {
					return cmp > 0
				}
				return cmp < 0
			}
			return false
		})
	}

	start := opts.Offset
	if start > len(rows) {
		start = len(rows)
	}
	end := len(rows)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	rows = rows[start:end]

	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		out[i] = map[string]any(r)
	}
	return out, nil
}

func loadAggRow(ctx context.Context, tx core.Execer, db int, idx *ftsIndex, name string, fields []string) (aggRow, error) {
	k, err := resolveKey(ctx, tx, db, name)
	if err != nil {
		return nil, err
	}
	row := aggRow{"__key__": name}
	want := fields
	if len(want) == 0 {
		for _, f := range idx.fields {
			want = append(want, f.Name)
		}
	}
	for _, f := range want {
		var raw []byte
		if idx.onType == types.TypeHash {
			r := tx.QueryRowContext(ctx, `SELECT value FROM hashes WHERE key_id = ? AND field = ?`, k.ID, f)
			if err := r.Scan(&raw); err != nil {
				continue
			}
		} else {
			doc, err := loadDoc(ctx, tx, k.ID)
			if err != nil {
				continue
			}
			raw = []byte(gjson.GetBytes(doc, f).String())
		}
		row[f] = coerceAggValue(string(raw))
	}
	return row, nil
}

func coerceAggValue(s string) any {
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	return s
}

func groupAndReduce(rows []aggRow, groupBy []string, reducers []AggReducer) []aggRow {
	type groupState struct {
		key    map[string]any
		values map[string][]any // field -> collected values, for reducers
		count  int
		seen   map[string]map[any]bool // distinct tracking for COUNT_DISTINCT
	}
	groups := map[string]*groupState{}
	var order []string

	for _, row := range rows {
		keyParts := make([]string, len(groupBy))
		keyVals := map[string]any{}
		for i, g := range groupBy {
			keyParts[i] = fmt.Sprint(row[g])
			keyVals[g] = row[g]
		}
		gk := strings.Join(keyParts, "\x1f")
		gs, ok := groups[gk]
		if !ok {
			gs = &groupState{key: keyVals, values: map[string][]any{}, seen: map[string]map[any]bool{}}
			groups[gk] = gs
			order = append(order, gk)
		}
		gs.count++
		for field, v := range row {
			gs.values[field] = append(gs.values[field], v)
		}
	}

	out := make([]aggRow, 0, len(order))
	for _, gk := range order {
		gs := groups[gk]
		row := aggRow{}
		for f, v := range gs.key {
			row[f] = v
		}
		for _, r := range reducers {
			row[reducerAlias(r)] = applyReducer(r, gs.values[r.Field])
		}
		out = append(out, row)
	}
	return out
}

func reducerAlias(r AggReducer) string {
	if r.As != "" {
		return r.As
	}
	return strings.ToLower(r.Op) + "_" + r.Field
}

func applyReducer(r AggReducer, values []any) any {
	switch r.Op {
	case "COUNT":
		return float64(len(values))
	case "COUNT_DISTINCT":
		seen := map[string]bool{}
		for _, v := range values {
			seen[fmt.Sprint(v)] = true
		}
		return float64(len(seen))
	case "SUM":
		var sum float64
		for _, v := range values {
			sum += toFloat(v)
		}
		return sum
	case "AVG":
		if len(values) == 0 {
			return 0.0
		}
		var sum float64
		for _, v := range values {
			sum += toFloat(v)
		}
		return sum / float64(len(values))
	case "MIN":
		if len(values) == 0 {
			return 0.0
		}
		m := toFloat(values[0])
		for _, v := range values[1:] {
			if f := toFloat(v); f < m {
				m = f
			}
		}
		return m
	case "MAX":
		if len(values) == 0 {
			return 0.0
		}
		m := toFloat(values[0])
		for _, v := range values[1:] {
			if f := toFloat(v); f > m {
				m = f
			}
		}
		return m
	case "STDDEV":
		if len(values) < 2 {
			return 0.0
		}
		var sum float64
		for _, v := range values {
			sum += toFloat(v)
		}
		mean := sum / float64(len(values))
		var variance float64
		for _, v := range values {
			d := toFloat(v) - mean
			variance += d * d
		}
		variance /= float64(len(values) - 1)
		return math.Sqrt(variance)
	case "TOLIST":
		return values
	case "FIRST_VALUE":
		if len(values) == 0 {
			return nil
		}
		return values[0]
	case "QUANTILE":
		if len(values) == 0 {
			return 0.0
		}
		floats := make([]float64, len(values))
		for i, v := range values {
			floats[i] = toFloat(v)
		}
		sort.Float64s(floats)
		idx := int(r.Arg * float64(len(floats)-1))
		if idx < 0 {
			idx = 0
		}
		if idx >= len(floats) {
			idx = len(floats) - 1
		}
		return floats[idx]
	case "RANDOM_SAMPLE":
		n := int(r.Arg)
		if n <= 0 || n >= len(values) {
			return values
		}
		return values[:n] // deterministic prefix sample: no Math.random/time source available in this package
	default:
		return nil
	}
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return false
	}
}

func compareAny(a, b any) int {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	return strings.Compare(as, bs)
}

// --- tiny expression evaluator shared by APPLY and FILTER ---

type aggExprNode interface {
	eval(row aggRow) any
}

type aggLit struct{ v any }

func (n aggLit) eval(aggRow) any { return n.v }

type aggField struct{ name string }

func (n aggField) eval(row aggRow) any { return row[n.name] }

type aggBinOp struct {
	op   string
	l, r aggExprNode
}

func (n aggBinOp) eval(row aggRow) any {
	l, r := n.l.eval(row), n.r.eval(row)
	switch n.op {
	case "+":
		if ls, ok := l.(string); ok {
			return ls + fmt.Sprint(r)
		}
		return toFloat(l) + toFloat(r)
	case "-":
		return toFloat(l) - toFloat(r)
	case "*":
		return toFloat(l) * toFloat(r)
	case "/":
		d := toFloat(r)
		if d == 0 {
			return 0.0
		}
		return toFloat(l) / d
	case "==":
		return compareAny(l, r) == 0
	case "!=":
		return compareAny(l, r) != 0
	case "<":
		return compareAny(l, r) < 0
	case "<=":
		return compareAny(l, r) <= 0
	case ">":
		return compareAny(l, r) > 0
	case ">=":
		return compareAny(l, r) >= 0
	case "&&":
		return truthy(l) && truthy(r)
	case "||":
		return truthy(l) || truthy(r)
	default:
		return nil
	}
}

// parseAggExpr parses a small arithmetic/boolean expression language over
// @field references, numeric/string literals, +,-,*,/, comparisons, and
// &&/||, with standard precedence via recursive descent. It is intentionally
// tiny: FT.AGGREGATE's APPLY/FILTER stages in practice need field arithmetic
// and simple comparisons, not a general expression language.
func parseAggExpr(s string) (aggExprNode, error) {
	p := &aggExprParser{toks: tokenizeAggExpr(s)}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, core.ErrSyntax("APPLY/FILTER: unexpected trailing input")
	}
	return node, nil
}

type aggExprParser struct {
	toks []string
	pos  int
}

func (p *aggExprParser) peek() string {
	if p.pos >= len(p.toks) {
		return ""
	}
	return p.toks[p.pos]
}
func (p *aggExprParser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *aggExprParser) parseOr() (aggExprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek() == "||" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = aggBinOp{"||", left, right}
	}
	return left, nil
}

func (p *aggExprParser) parseAnd() (aggExprNode, error) {
	left, err := p.parseCompare()
	if err != nil {
		return nil, err
	}
	for p.peek() == "&&" {
		p.next()
		right, err := p.parseCompare()
		if err != nil {
			return nil, err
		}
		left = aggBinOp{"&&", left, right}
	}
	return left, nil
}

func (p *aggExprParser) parseCompare() (aggExprNode, error) {
	left, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	switch p.peek() {
	case "==", "!=", "<", "<=", ">", ">=":
		op := p.next()
		right, err := p.parseAdd()
		if err != nil {
			return nil, err
		}
		return aggBinOp{op, left, right}, nil
	}
	return left, nil
}

func (p *aggExprParser) parseAdd() (aggExprNode, error) {
	left, err := p.parseMul()
	if err != nil {
		return nil, err
	}
	for p.peek() == "+" || p.peek() == "-" {
		op := p.next()
		right, err := p.parseMul()
		if err != nil {
			return nil, err
		}
		left = aggBinOp{op, left, right}
	}
	return left, nil
}

func (p *aggExprParser) parseMul() (aggExprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek() == "*" || p.peek() == "/" {
		op := p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = aggBinOp{op, left, right}
	}
	return left, nil
}

func (p *aggExprParser) parseUnary() (aggExprNode, error) {
	if p.peek() == "-" {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return aggBinOp{"-", aggLit{0.0}, inner}, nil
	}
	return p.parsePrimary()
}

func (p *aggExprParser) parsePrimary() (aggExprNode, error) {
	t := p.next()
	switch {
	case t == "":
		return nil, core.ErrSyntax("APPLY/FILTER: unexpected end of expression")
	case t == "(":
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next() != ")" {
			return nil, core.ErrSyntax("APPLY/FILTER: missing closing paren")
		}
		return node, nil
	case strings.HasPrefix(t, "@"):
		return aggField{name: t[1:]}, nil
	case strings.HasPrefix(t, `"`):
		return aggLit{strings.Trim(t, `"`)}, nil
	default:
		if n, err := strconv.ParseFloat(t, 64); err == nil {
			return aggLit{n}, nil
		}
		return aggField{name: t}, nil
	}
}

func tokenizeAggExpr(s string) []string {
	var toks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == ' ' || c == '\t':
			flush()
		case c == '"':
			flush()
			j := i + 1
			for j < len(runes) && runes[j] != '"' {
				j++
			}
			toks = append(toks, string(runes[i:j+1]))
			i = j
		case strings.ContainsRune("()+-*/", c):
			flush()
			toks = append(toks, string(c))
		case strings.ContainsRune("=!<>&|", c):
			flush()
			if i+1 < len(runes) && (runes[i+1] == '=' || (c == '&' && runes[i+1] == '&') || (c == '|' && runes[i+1] == '|')) {
				toks = append(toks, string(runes[i:i+2]))
				i++
			} else {
				toks = append(toks, string(c))
			}
		default:
			cur.WriteRune(c)
		}
	}
	flush()
	return toks
}
