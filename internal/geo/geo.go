// Package geo provides spatial helpers for coordinate distances, bounding
// boxes, and metric measurements of go-geom geometry.
package geo

import (
	"math"

	"github.com/twpayne/go-geom"

	"github.com/sells-group/livability/pkg/overpass"
)

const (
	earthRadiusM = 6371000.0

	// metersPerDegreeLat is approximately constant; longitude shrinks with
	// cos(latitude).
	metersPerDegreeLat = 111320.0
)

// HaversineMeters returns the great-circle distance between two WGS84
// coordinates in meters.
func HaversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * earthRadiusM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// BBoxAround returns a bounding box of radiusMeters half-width centered on
// the coordinate.
func BBoxAround(lat, lng, radiusMeters float64) overpass.BBox {
	dLat := radiusMeters / metersPerDegreeLat
	mPerDegLng := metersPerDegreeLat * math.Cos(lat*math.Pi/180)
	dLng := radiusMeters / mPerDegLng

	return overpass.BBox{
		South: lat - dLat,
		West:  lng - dLng,
		North: lat + dLat,
		East:  lng + dLng,
	}
}

// LineLengthMeters measures a WGS84 linestring segment by segment.
func LineLengthMeters(ls *geom.LineString) float64 {
	total := 0.0
	for i := 1; i < ls.NumCoords(); i++ {
		a, b := ls.Coord(i-1), ls.Coord(i)
		total += HaversineMeters(a.Y(), a.X(), b.Y(), b.X())
	}
	return total
}

// PolygonAreaSqMeters converts a WGS84 polygon's planar area to square
// meters using the meters-per-degree scale at the polygon's latitude. Good
// enough for neighborhood-sized parks; not for continental geometry.
func PolygonAreaSqMeters(p *geom.Polygon) float64 {
	if p.NumLinearRings() == 0 {
		return 0
	}
	// Scale longitude at the centroid latitude of the outer ring.
	ring := p.LinearRing(0)
	if ring.NumCoords() == 0 {
		return 0
	}
	sumLat := 0.0
	for i := range ring.NumCoords() {
		sumLat += ring.Coord(i).Y()
	}
	midLat := sumLat / float64(ring.NumCoords())
	mPerDegLng := metersPerDegreeLat * math.Cos(midLat*math.Pi/180)

	return math.Abs(p.Area()) * metersPerDegreeLat * mPerDegLng
}
