package trust

import "math"

// Location is a coarse geographic position used only for jump
// detection, never persisted externally.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// maxLocationJumpKM is the distance beyond which a location change
// between consecutive checks is treated as an anomaly.
const maxLocationJumpKM = 1000.0

const earthRadiusKM = 6371.0

// distanceKM returns the great-circle distance between two locations.
func distanceKM(a, b Location) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
