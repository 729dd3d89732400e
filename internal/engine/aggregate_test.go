package engine

import (
	"context"
	"testing"

	"github.com/velakv/vela/internal/types"
)

func TestFTAggregateGroupByReduce(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	mustFTCreate(t, e, FTSIndexSpec{
		Name:     "sales",
		OnType:   types.TypeHash,
		Prefixes: []string{"sale:"},
		Fields: []FTSField{
			{Name: "region", Kind: FTSTag},
			{Name: "amount", Kind: FTSNumeric},
			{Name: "note", Kind: FTSText},
		},
	})
	rows := []struct {
		name, region, amount string
	}{
		{"sale:1", "east", "10"},
		{"sale:2", "east", "20"},
		{"sale:3", "west", "5"},
	}
	for _, r := range rows {
		if _, err := e.HSet(ctx, r.name, map[string][]byte{
			"region": []byte(r.region), "amount": []byte(r.amount), "note": []byte("order"),
		}); err != nil {
			t.Fatalf("HSet %s: %v", r.name, err)
		}
	}

	out, err := e.FTAggregate(ctx, "sales", "order", AggOptions{
		Load:    []string{"region", "amount"},
		GroupBy: []string{"region"},
		Reduce:  []AggReducer{{Op: "SUM", Field: "amount", As: "total"}},
		SortBy:  []AggSort{{Field: "region"}},
	})
	if err != nil {
		t.Fatalf("FTAggregate: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("FTAggregate groups = %d, want 2: %+v", len(out), out)
	}
	if out[0]["region"] != "east" || out[0]["total"] != 30.0 {
		t.Errorf("east group = %+v, want total 30", out[0])
	}
	if out[1]["region"] != "west" || out[1]["total"] != 5.0 {
		t.Errorf("west group = %+v, want total 5", out[1])
	}
}

func TestFTAggregateApplyAndFilter(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	mustFTCreate(t, e, FTSIndexSpec{
		Name:     "items",
		OnType:   types.TypeHash,
		Prefixes: []string{"item:"},
		Fields: []FTSField{
			{Name: "price", Kind: FTSNumeric},
			{Name: "qty", Kind: FTSNumeric},
			{Name: "note", Kind: FTSText},
		},
	})
	for _, r := range [][2]string{{"2", "3"}, {"1", "1"}} {
		name := "item:" + r[0] + "_" + r[1]
		if _, err := e.HSet(ctx, name, map[string][]byte{
			"price": []byte(r[0]), "qty": []byte(r[1]), "note": []byte("stock"),
		}); err != nil {
			t.Fatalf("HSet: %v", err)
		}
	}

	out, err := e.FTAggregate(ctx, "items", "stock", AggOptions{
		Load:   []string{"price", "qty"},
		Apply:  []AggExpr{{Expr: "@price * @qty", As: "total"}},
		Filter: "@total > 5",
	})
	if err != nil {
		t.Fatalf("FTAggregate: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("FTAggregate filtered rows = %d, want 1: %+v", len(out), out)
	}
	if out[0]["total"] != 6.0 {
		t.Errorf("total = %v, want 6", out[0]["total"])
	}
}

func TestFTAggregateLimit(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	mustFTCreate(t, e, FTSIndexSpec{
		Name:     "items",
		OnType:   types.TypeHash,
		Prefixes: []string{"item:"},
		Fields:   []FTSField{{Name: "note", Kind: FTSText}},
	})
	for _, n := range []string{"item:1", "item:2", "item:3"} {
		if _, err := e.HSet(ctx, n, map[string][]byte{"note": []byte("stock")}); err != nil {
			t.Fatalf("HSet: %v", err)
		}
	}
	out, err := e.FTAggregate(ctx, "items", "stock", AggOptions{Limit: 2})
	if err != nil {
		t.Fatalf("FTAggregate: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("FTAggregate limited rows = %d, want 2", len(out))
	}
}
