package engine

import (
	"context"
	"math"
	"testing"
)

func TestGeoAddRejectsOutOfRangeCoordinates(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.GeoAdd(ctx, "geo", "m", 200, 0); err == nil {
		t.Fatalf("GeoAdd with lon=200 should fail")
	}
	if err := e.GeoAdd(ctx, "geo", "m", 0, 90); err == nil {
		t.Fatalf("GeoAdd with lat=90 should fail (exceeds WGS84 bound)")
	}
}

func TestGeoPosRoundTrips(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.GeoAdd(ctx, "geo", "palermo", 13.361389, 38.115556); err != nil {
		t.Fatalf("GeoAdd: %v", err)
	}
	lon, lat, err := e.GeoPos(ctx, "geo", "palermo")
	if err != nil {
		t.Fatalf("GeoPos: %v", err)
	}
	if math.Abs(lon-13.361389) > 1e-6 || math.Abs(lat-38.115556) > 1e-6 {
		t.Fatalf("GeoPos = (%v, %v), want (13.361389, 38.115556)", lon, lat)
	}
}

func TestGeoHashLength(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.GeoAdd(ctx, "geo", "m", 13.361389, 38.115556); err != nil {
		t.Fatalf("GeoAdd: %v", err)
	}
	hash, err := e.GeoHash(ctx, "geo", "m")
	if err != nil {
		t.Fatalf("GeoHash: %v", err)
	}
	if len(hash) != geohashPrecision {
		t.Fatalf("GeoHash length = %d, want %d", len(hash), geohashPrecision)
	}
}

func TestGeoDistKnownCities(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.GeoAdd(ctx, "geo", "palermo", 13.361389, 38.115556); err != nil {
		t.Fatalf("GeoAdd palermo: %v", err)
	}
	if err := e.GeoAdd(ctx, "geo", "catania", 15.087269, 37.502669); err != nil {
		t.Fatalf("GeoAdd catania: %v", err)
	}
	dist, err := e.GeoDist(ctx, "geo", "palermo", "catania")
	if err != nil {
		t.Fatalf("GeoDist: %v", err)
	}
	// known distance is ~166274 meters
	if math.Abs(dist-166274) > 2000 {
		t.Fatalf("GeoDist = %v, want ~166274", dist)
	}
}

func TestGeoSearchByRadius(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.GeoAdd(ctx, "geo", "palermo", 13.361389, 38.115556); err != nil {
		t.Fatalf("GeoAdd palermo: %v", err)
	}
	if err := e.GeoAdd(ctx, "geo", "catania", 15.087269, 37.502669); err != nil {
		t.Fatalf("GeoAdd catania: %v", err)
	}
	if err := e.GeoAdd(ctx, "geo", "faraway", -122.4194, 37.7749); err != nil {
		t.Fatalf("GeoAdd faraway: %v", err)
	}

	hits, err := e.GeoSearch(ctx, "geo", 15, 37, 200000, 0, 0, false, 0)
	if err != nil {
		t.Fatalf("GeoSearch: %v", err)
	}
	names := map[string]bool{}
	for _, h := range hits {
		names[h.Member] = true
	}
	if !names["palermo"] || !names["catania"] {
		t.Fatalf("GeoSearch missing nearby members: %+v", hits)
	}
	if names["faraway"] {
		t.Fatalf("GeoSearch included out-of-radius member: %+v", hits)
	}
	if len(hits) >= 2 && hits[0].DistM > hits[1].DistM {
		t.Fatalf("GeoSearch hits not sorted ascending by distance: %+v", hits)
	}
}

func TestGeoRemDeletesSetWhenEmpty(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.GeoAdd(ctx, "geo", "only", 0, 0); err != nil {
		t.Fatalf("GeoAdd: %v", err)
	}
	removed, err := e.GeoRem(ctx, "geo", "only")
	if err != nil {
		t.Fatalf("GeoRem: %v", err)
	}
	if !removed {
		t.Fatalf("GeoRem returned false, want true")
	}
	if _, _, err := e.GeoPos(ctx, "geo", "only"); err == nil {
		t.Fatalf("GeoPos after set deletion should fail")
	}
}
