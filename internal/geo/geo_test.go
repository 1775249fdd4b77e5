package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceZero(t *testing.T) {
	assert.Zero(t, Distance(48.8566, 2.3522, 48.8566, 2.3522))
}

func TestDistanceKnownPairs(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		want                   float64 // meters
		tolerance              float64
	}{
		{
			// Paris to Roubaix, roughly the classic's crow-flight span.
			name: "paris to roubaix",
			lat1: 48.8566, lon1: 2.3522,
			lat2: 50.6901, lon2: 3.1817,
			want:      211000,
			tolerance: 2000,
		},
		{
			// One degree of latitude on the meridian.
			name: "one degree latitude",
			lat1: 45.0, lon1: 6.0,
			lat2: 46.0, lon2: 6.0,
			want:      111195,
			tolerance: 50,
		},
		{
			// Riders ~50m apart on a flat road.
			name: "short gap",
			lat1: 43.60000, lon1: 1.44000,
			lat2: 43.60045, lon2: 1.44000,
			want:      50,
			tolerance: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Distance(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			assert.InDelta(t, tt.want, got, tt.tolerance)
		})
	}
}

func TestDistanceSymmetric(t *testing.T) {
	d1 := Distance(50.0, 4.0, 50.1, 4.1)
	d2 := Distance(50.1, 4.1, 50.0, 4.0)
	assert.InDelta(t, d1, d2, 1e-9)
}

func TestDestinationRoundTrip(t *testing.T) {
	// Project forward, then measure back: distances must agree.
	lat, lon := 44.0, 5.0
	for _, bearing := range []float64{0, 45, 90, 180, 270} {
		lat2, lon2 := Destination(lat, lon, bearing, 120)
		assert.InDelta(t, 120, Distance(lat, lon, lat2, lon2), 0.01,
			"bearing %.0f", bearing)
	}
}

func TestDestinationNorth(t *testing.T) {
	// Due north keeps the longitude and raises the latitude.
	lat2, lon2 := Destination(44.0, 5.0, 0, 1000)
	assert.Greater(t, lat2, 44.0)
	assert.InDelta(t, 5.0, lon2, 1e-6)
}
