package engine

import (
	"context"
	"testing"

	"github.com/velakv/vela/internal/types"
)

func mustFTCreate(t *testing.T, e *Engine, spec FTSIndexSpec) {
	t.Helper()
	if err := e.FTCreate(context.Background(), spec); err != nil {
		t.Fatalf("FTCreate(%s): %v", spec.Name, err)
	}
}

func TestFTSearchMatchesIndexedHashFields(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	mustFTCreate(t, e, FTSIndexSpec{
		Name:     "docs",
		OnType:   types.TypeHash,
		Prefixes: []string{"doc:"},
		Fields: []FTSField{
			{Name: "body", Kind: FTSText},
			{Name: "price", Kind: FTSNumeric},
			{Name: "category", Kind: FTSTag},
		},
	})

	if _, err := e.HSet(ctx, "doc:1", map[string][]byte{
		"body": []byte("a fast brown fox jumps over the lazy dog"), "price": []byte("10"), "category": []byte("animals"),
	}); err != nil {
		t.Fatalf("HSet doc:1: %v", err)
	}
	if _, err := e.HSet(ctx, "doc:2", map[string][]byte{
		"body": []byte("the quick rabbit hides in the grass"), "price": []byte("25"), "category": []byte("animals"),
	}); err != nil {
		t.Fatalf("HSet doc:2: %v", err)
	}
	if _, err := e.HSet(ctx, "doc:3", map[string][]byte{
		"body": []byte("stock market report for the quarter"), "price": []byte("99"), "category": []byte("finance"),
	}); err != nil {
		t.Fatalf("HSet doc:3: %v", err)
	}

	hits, err := e.FTSearch(ctx, "docs", "fox", FTSSearchOptions{})
	if err != nil {
		t.Fatalf("FTSearch: %v", err)
	}
	if len(hits) != 1 || hits[0].Name != "doc:1" {
		t.Fatalf("FTSearch(fox) = %+v, want just doc:1", hits)
	}
}

func TestFTSearchNumericRangeFilter(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	mustFTCreate(t, e, FTSIndexSpec{
		Name:     "docs",
		OnType:   types.TypeHash,
		Prefixes: []string{"doc:"},
		Fields: []FTSField{
			{Name: "body", Kind: FTSText},
			{Name: "price", Kind: FTSNumeric},
		},
	})
	for i, price := range []string{"10", "25", "99"} {
		if _, err := e.HSet(ctx, "doc:"+string(rune('1'+i)), map[string][]byte{
			"body": []byte("report"), "price": []byte(price),
		}); err != nil {
			t.Fatalf("HSet: %v", err)
		}
	}

	hits, err := e.FTSearch(ctx, "docs", "report @price:[20 100]", FTSSearchOptions{})
	if err != nil {
		t.Fatalf("FTSearch: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("FTSearch numeric range returned %d hits, want 2: %+v", len(hits), hits)
	}
}

func TestFTSearchNegation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	mustFTCreate(t, e, FTSIndexSpec{
		Name:     "docs",
		OnType:   types.TypeHash,
		Prefixes: []string{"doc:"},
		Fields:   []FTSField{{Name: "body", Kind: FTSText}},
	})
	if _, err := e.HSet(ctx, "doc:1", map[string][]byte{"body": []byte("apple banana")}); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	if _, err := e.HSet(ctx, "doc:2", map[string][]byte{"body": []byte("apple cherry")}); err != nil {
		t.Fatalf("HSet: %v", err)
	}

	hits, err := e.FTSearch(ctx, "docs", "apple -cherry", FTSSearchOptions{})
	if err != nil {
		t.Fatalf("FTSearch: %v", err)
	}
	if len(hits) != 1 || hits[0].Name != "doc:1" {
		t.Fatalf("FTSearch negation = %+v, want just doc:1", hits)
	}
}

func TestFTSearchDeindexesOnDel(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	mustFTCreate(t, e, FTSIndexSpec{
		Name:     "docs",
		OnType:   types.TypeHash,
		Prefixes: []string{"doc:"},
		Fields:   []FTSField{{Name: "body", Kind: FTSText}},
	})
	if _, err := e.HSet(ctx, "doc:1", map[string][]byte{"body": []byte("searchable text")}); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	if _, err := e.Del(ctx, "doc:1"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	hits, err := e.FTSearch(ctx, "docs", "searchable", FTSSearchOptions{})
	if err != nil {
		t.Fatalf("FTSearch: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("FTSearch after DEL = %+v, want no hits", hits)
	}
}

func TestFTInfoReportsDocCount(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	mustFTCreate(t, e, FTSIndexSpec{
		Name:     "docs",
		OnType:   types.TypeHash,
		Prefixes: []string{"doc:"},
		Fields:   []FTSField{{Name: "body", Kind: FTSText}},
	})
	for _, n := range []string{"doc:1", "doc:2"} {
		if _, err := e.HSet(ctx, n, map[string][]byte{"body": []byte("x")}); err != nil {
			t.Fatalf("HSet: %v", err)
		}
	}
	info, err := e.FTInfo(ctx, "docs")
	if err != nil {
		t.Fatalf("FTInfo: %v", err)
	}
	if info.DocCount != 2 {
		t.Fatalf("FTInfo.DocCount = %d, want 2", info.DocCount)
	}
}

func TestFTDropIndexRemovesIndex(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	mustFTCreate(t, e, FTSIndexSpec{
		Name:     "docs",
		OnType:   types.TypeHash,
		Prefixes: []string{"doc:"},
		Fields:   []FTSField{{Name: "body", Kind: FTSText}},
	})
	if err := e.FTDropIndex(ctx, "docs"); err != nil {
		t.Fatalf("FTDropIndex: %v", err)
	}
	if _, err := e.FTInfo(ctx, "docs"); err == nil {
		t.Fatalf("FTInfo after drop should fail")
	}
}

func TestFTExplainParsesQuery(t *testing.T) {
	e := newTestEngine(t)
	out, err := e.FTExplain("fox -cat @price:[1 9]")
	if err != nil {
		t.Fatalf("FTExplain: %v", err)
	}
	if out == "" {
		t.Fatalf("FTExplain returned empty explanation")
	}
}
