package airquality

import "math"

// KmPerDegree is the flat-earth conversion used for pruning and distance.
const KmPerDegree = 111.0

// degreeSpan converts a radius into latitude and longitude deltas around
// lat. Near the poles the longitude delta is unbounded.
func degreeSpan(lat, radiusKm float64) (latDelta, lonDelta float64) {
	latDelta = radiusKm / KmPerDegree
	cos := math.Cos(lat * math.Pi / 180)
	if cos < 1e-9 {
		return latDelta, math.Inf(1)
	}
	return latDelta, radiusKm / (KmPerDegree * cos)
}

// PlanarDistanceKm is the equirectangular distance between center and p,
// with longitude scaled at the center's latitude. It is accurate only for
// short distances.
func PlanarDistanceKm(center, p Coordinates) float64 {
	cos := math.Cos(center.Lat * math.Pi / 180)
	dx := (p.Lon - center.Lon) * KmPerDegree * cos
	dy := (p.Lat - center.Lat) * KmPerDegree
	return math.Sqrt(dx*dx + dy*dy)
}
