// Package geo provides great-circle math on the WGS-84 sphere used for
// rider grouping, event merging, and position interpolation.
package geo

import "math"

// EarthRadiusMeters is the WGS-84 mean sphere radius.
const EarthRadiusMeters = 6371000.0

// Distance returns the Haversine great-circle distance in meters between
// two points given in decimal degrees.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := radians(lat1)
	phi2 := radians(lat2)
	dPhi := radians(lat2 - lat1)
	dLambda := radians(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusMeters * c
}

// Destination projects a point forward by distance meters along the given
// bearing (degrees clockwise from north) and returns the new lat/lon in
// decimal degrees. Used to extrapolate a rider along their last heading.
func Destination(lat, lon, bearingDeg, distance float64) (float64, float64) {
	phi1 := radians(lat)
	lambda1 := radians(lon)
	theta := radians(bearingDeg)
	delta := distance / EarthRadiusMeters

	phi2 := math.Asin(math.Sin(phi1)*math.Cos(delta) +
		math.Cos(phi1)*math.Sin(delta)*math.Cos(theta))
	lambda2 := lambda1 + math.Atan2(
		math.Sin(theta)*math.Sin(delta)*math.Cos(phi1),
		math.Cos(delta)-math.Sin(phi1)*math.Sin(phi2))

	lat2 := degrees(phi2)
	lon2 := degrees(lambda2)

	// Normalize longitude to [-180, 180).
	lon2 = math.Mod(lon2+540, 360) - 180

	return lat2, lon2
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

func degrees(rad float64) float64 { return rad * 180 / math.Pi }
