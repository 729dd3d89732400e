package engine

import (
	"context"
	"errors"
	"math"
	"sort"

	"github.com/velakv/vela/internal/core"
	"github.com/velakv/vela/internal/types"
)

const (
	geoMinLon = -180.0
	geoMaxLon = 180.0
	geoMinLat = -85.05112878
	geoMaxLat = 85.05112878

	earthRadiusMeters = 6372797.560856
	geohashBase32     = "0123456789bcdefghjkmnpqrstuvwxyz"
	geohashPrecision  = 11
)

// GeoAdd adds or updates a member's position in a geo set, creating the set
// if absent (spec "GEOADD", §4.12). lon/lat are validated against the WGS84
// bounds Redis itself uses for its geohash range.
func (e *Engine) GeoAdd(ctx context.Context, name, member string, lon, lat float64) error {
	if lon < geoMinLon || lon > geoMaxLon {
		return core.ErrInvalidArgument("GEOADD: longitude out of range")
	}
	if lat < geoMinLat || lat > geoMaxLat {
		return core.ErrInvalidArgument("GEOADD: latitude out of range")
	}
	hash := encodeGeohash(lon, lat, geohashPrecision)
	return e.withHandle(ctx, "geoadd", func(ctx context.Context, tx core.Execer) error {
		k, err := createKey(ctx, tx, e.db(), name, types.TypeGeo)
		if err != nil {
			return err
		}
		var rtreeID int64
		row := tx.QueryRowContext(ctx, `SELECT rtree_id FROM geo_elements WHERE key_id = ? AND member = ?`, k.ID, member)
		if err := row.Scan(&rtreeID); err == nil {
			if _, err := tx.ExecContext(ctx, `
				UPDATE geo_elements SET lon = ?, lat = ?, geohash = ? WHERE rtree_id = ?
			`, lon, lat, hash, rtreeID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE geo_rtree SET min_lon = ?, max_lon = ?, min_lat = ?, max_lat = ? WHERE rtree_id = ?
			`, lon, lon, lat, lat, rtreeID); err != nil {
				return err
			}
		} else {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO geo_elements (key_id, member, lon, lat, geohash) VALUES (?, ?, ?, ?, ?)
			`, k.ID, member, lon, lat, hash)
			if err != nil {
				return err
			}
			rtreeID, err = res.LastInsertId()
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO geo_rtree (rtree_id, min_lon, max_lon, min_lat, max_lat) VALUES (?, ?, ?, ?, ?)
			`, rtreeID, lon, lon, lat, lat); err != nil {
				return err
			}
		}
		_, err = bumpVersion(ctx, tx, k.ID)
		return err
	})
}

// GeoRem removes a member from a geo set, deleting the set once empty
// (spec "GEOREM").
func (e *Engine) GeoRem(ctx context.Context, name, member string) (bool, error) {
	var removed bool
	err := e.withHandle(ctx, "georem", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeGeo)
		if errors.Is(err, core.NoSuchKey) {
			return nil
		}
		if err != nil {
			return err
		}
		var rtreeID int64
		row := tx.QueryRowContext(ctx, `SELECT rtree_id FROM geo_elements WHERE key_id = ? AND member = ?`, k.ID, member)
		if err := row.Scan(&rtreeID); err != nil {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM geo_elements WHERE rtree_id = ?`, rtreeID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM geo_rtree WHERE rtree_id = ?`, rtreeID); err != nil {
			return err
		}
		removed = true
		if empty, err := geoSetEmpty(ctx, tx, k.ID); err != nil {
			return err
		} else if empty {
			return deleteKey(ctx, tx, k.ID)
		}
		_, err = bumpVersion(ctx, tx, k.ID)
		return err
	})
	return removed, err
}

func geoSetEmpty(ctx context.Context, tx core.Execer, keyID int64) (bool, error) {
	var n int
	row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM geo_elements WHERE key_id = ?`, keyID)
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n == 0, nil
}

// GeoPos returns a member's (lon, lat), or (0, 0, core.NotFound) if absent
// (spec "GEOPOS").
func (e *Engine) GeoPos(ctx context.Context, name, member string) (lon, lat float64, err error) {
	var found bool
	err = e.withHandle(ctx, "geopos", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeGeo)
		if err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `SELECT lon, lat FROM geo_elements WHERE key_id = ? AND member = ?`, k.ID, member)
		if err := row.Scan(&lon, &lat); err != nil {
			return nil
		}
		found = true
		e.sess.Core().TouchKey(k)
		return nil
	})
	if err == nil && !found {
		return 0, 0, core.NotFound
	}
	return lon, lat, err
}

// GeoHash returns a member's 11-character geohash string (spec "GEOHASH").
func (e *Engine) GeoHash(ctx context.Context, name, member string) (string, error) {
	var hash string
	var found bool
	err := e.withHandle(ctx, "geohash", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeGeo)
		if err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `SELECT geohash FROM geo_elements WHERE key_id = ? AND member = ?`, k.ID, member)
		if err := row.Scan(&hash); err != nil {
			return nil
		}
		found = true
		return nil
	})
	if err == nil && !found {
		return "", core.NotFound
	}
	return hash, err
}

// GeoDist returns the haversine distance in meters between two members
// (spec "GEODIST").
func (e *Engine) GeoDist(ctx context.Context, name, member1, member2 string) (float64, error) {
	var dist float64
	err := e.withHandle(ctx, "geodist", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeGeo)
		if err != nil {
			return err
		}
		var lon1, lat1, lon2, lat2 float64
		if err := tx.QueryRowContext(ctx, `SELECT lon, lat FROM geo_elements WHERE key_id = ? AND member = ?`, k.ID, member1).Scan(&lon1, &lat1); err != nil {
			return wrapMissingRow(err)
		}
		if err := tx.QueryRowContext(ctx, `SELECT lon, lat FROM geo_elements WHERE key_id = ? AND member = ?`, k.ID, member2).Scan(&lon2, &lat2); err != nil {
			return wrapMissingRow(err)
		}
		dist = haversine(lon1, lat1, lon2, lat2)
		return nil
	})
	return dist, err
}

// GeoSearchHit is one result from GeoSearch: the member and its distance
// in meters from the search origin.
type GeoSearchHit struct {
	Member   string
	Lon, Lat float64
	DistM    float64
}

// GeoSearch finds members within radiusM meters of (lon, lat) ("BYRADIUS"),
// or within a boxWidthM x boxHeightM box centered there ("BYBOX") when
// boxWidthM or boxHeightM is > 0, using the R-tree bounding box as a prefilter before exact
// haversine distance filtering (spec "GEOSEARCH", §4.12). Results sort by
// distance ascending, or descending if desc is true; count <= 0 means
// unlimited.
func (e *Engine) GeoSearch(ctx context.Context, name string, lon, lat, radiusM, boxWidthM, boxHeightM float64, desc bool, count int) ([]GeoSearchHit, error) {
	var out []GeoSearchHit
	err := e.withHandle(ctx, "geosearch", func(ctx context.Context, tx core.Execer) error {
		k, err := resolveKeyOfType(ctx, tx, e.db(), name, types.TypeGeo)
		if err != nil {
			return err
		}

		var halfLon, halfLat float64
		if boxWidthM > 0 || boxHeightM > 0 {
			halfLon = metersToLonDegrees(boxWidthM/2, lat)
			halfLat = metersToLatDegrees(boxHeightM / 2)
		} else {
			halfLon = metersToLonDegrees(radiusM, lat)
			halfLat = metersToLatDegrees(radiusM)
		}
		minLon, maxLon := lon-halfLon, lon+halfLon
		minLat, maxLat := lat-halfLat, lat+halfLat

		rows, err := tx.QueryContext(ctx, `
			SELECT g.member, g.lon, g.lat FROM geo_elements g
			JOIN geo_rtree r ON r.rtree_id = g.rtree_id
			WHERE g.key_id = ? AND r.min_lon <= ? AND r.max_lon >= ? AND r.min_lat <= ? AND r.max_lat >= ?
		`, k.ID, maxLon, minLon, maxLat, minLat)
		if err != nil {
			return err
		}
		defer rows.Close()

		var hits []GeoSearchHit
		for rows.Next() {
			var member string
			var mlon, mlat float64
			if err := rows.Scan(&member, &mlon, &mlat); err != nil {
				return err
			}
			if boxWidthM > 0 || boxHeightM > 0 {
				if math.Abs(metersFromLonDegrees(mlon-lon, lat)) > boxWidthM/2 ||
					math.Abs(metersFromLatDegrees(mlat-lat)) > boxHeightM/2 {
					continue
				}
				hits = append(hits, GeoSearchHit{Member: member, Lon: mlon, Lat: mlat, DistM: haversine(lon, lat, mlon, mlat)})
				continue
			}
			d := haversine(lon, lat, mlon, mlat)
			if d <= radiusM {
				hits = append(hits, GeoSearchHit{Member: member, Lon: mlon, Lat: mlat, DistM: d})
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}

		sort.Slice(hits, func(i, j int) bool {
			if desc {
				return hits[i].DistM > hits[j].DistM
			}
			return hits[i].DistM < hits[j].DistM
		})
		if count > 0 && count < len(hits) {
			hits = hits[:count]
		}
		out = hits
		e.sess.Core().TouchKey(k)
		return nil
	})
	return out, err
}

func haversine(lon1, lat1, lon2, lat2 float64) float64 {
	rlat1, rlat2 := toRadians(lat1), toRadians(lat2)
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rlat1)*math.Cos(rlat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }

func metersToLatDegrees(m float64) float64 {
	return m / (earthRadiusMeters * math.Pi / 180)
}

func metersToLonDegrees(m, atLat float64) float64 {
	circ := earthRadiusMeters * math.Cos(toRadians(atLat))
	if circ <= 0 {
		return 180
	}
	return m / (circ * math.Pi / 180)
}

func metersFromLatDegrees(deg float64) float64 {
	return deg * (earthRadiusMeters * math.Pi / 180)
}

func metersFromLonDegrees(deg, atLat float64) float64 {
	circ := earthRadiusMeters * math.Cos(toRadians(atLat))
	return deg * (circ * math.Pi / 180)
}

// encodeGeohash implements the standard base-32 geohash interleaving
// algorithm, producing a precision-character string (spec §4.12's
// "11-char geohash").
func encodeGeohash(lon, lat float64, precision int) string {
	latRange := [2]float64{-90, 90}
	lonRange := [2]float64{-180, 180}
	out := make([]byte, 0, precision)
	var bit int
	var ch int
	evenBit := true
	for len(out) < precision {
		if evenBit {
			mid := (lonRange[0] + lonRange[1]) / 2
			if lon >= mid {
				ch = ch*2 + 1
				lonRange[0] = mid
			} else {
				ch *= 2
				lonRange[1] = mid
			}
		} else {
			mid := (latRange[0] + latRange[1]) / 2
			if lat >= mid {
				ch = ch*2 + 1
				latRange[0] = mid
			} else {
				ch *= 2
				latRange[1] = mid
			}
		}
		evenBit = !evenBit
		bit++
		if bit == 5 {
			out = append(out, geohashBase32[ch])
			bit, ch = 0, 0
		}
	}
	return string(out)
}
