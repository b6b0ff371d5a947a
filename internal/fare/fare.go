// Package fare holds the pure pricing and arrival heuristics shared by the
// negotiation engine: great-circle distance, the referential fare and a
// flat-speed ETA. Nothing here does I/O.
package fare

import "math"

const earthRadiusKm = 6371.0

// Estimator prices a trip with a linear model and times it at a flat average speed.
type Estimator struct {
	BaseFare    float64
	PerKm       float64
	AvgSpeedKmh float64
}

// DefaultEstimator mirrors the city tariff: 3.50 flag fall, 1.20 per km, 25 km/h.
func DefaultEstimator() Estimator {
	return Estimator{BaseFare: 3.5, PerKm: 1.2, AvgSpeedKmh: 25}
}

// ReferentialFare returns round2(base + perKm*distanceKm).
func (e Estimator) ReferentialFare(distanceKm float64) float64 {
	return Round2(e.BaseFare + distanceKm*e.PerKm)
}

// ETAMinutes returns ceil(distanceKm / avgSpeed * 60).
func (e Estimator) ETAMinutes(distanceKm float64) int {
	speed := e.AvgSpeedKmh
	if speed <= 0 {
		speed = 25
	}
	return int(math.Ceil(distanceKm / speed * 60))
}

// ArrivalMinutes is the ETA between two coordinates.
func (e Estimator) ArrivalMinutes(fromLat, fromLng, toLat, toLng float64) int {
	return e.ETAMinutes(HaversineKm(fromLat, fromLng, toLat, toLng))
}

// HaversineKm returns the great-circle distance between two points in kilometres.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// Round2 rounds half away from zero to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
