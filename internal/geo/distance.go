// Package geo holds the small amount of spherical geometry the geofence and
// trigger paths share.
package geo

import "math"

const earthRadiusMeters = 6371000.0

// DistanceMeters returns the great-circle (haversine) distance between two
// WGS84 coordinates.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)
	a := math.Pow(math.Sin(dLat/2), 2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*math.Pow(math.Sin(dLon/2), 2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// WithinRadius reports whether the two points are at most radiusMeters apart.
func WithinRadius(lat1, lon1, lat2, lon2, radiusMeters float64) bool {
	return DistanceMeters(lat1, lon1, lat2, lon2) <= radiusMeters
}

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }
