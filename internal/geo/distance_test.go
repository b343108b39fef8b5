package geo

import (
	"math"
	"testing"
)

func TestDistanceMeters(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		want                   float64
		tol                    float64
	}{
		{name: "same point", lat1: 52.52, lon1: 13.405, lat2: 52.52, lon2: 13.405, want: 0, tol: 0.01},
		// One degree of latitude is ~111.2 km everywhere.
		{name: "one degree latitude", lat1: 0, lon1: 0, lat2: 1, lon2: 0, want: 111195, tol: 100},
		// ~100 m north of origin (1 m of latitude is ~1/111195 degrees).
		{name: "hundred meters", lat1: 0, lon1: 0, lat2: 100.0 / 111195.0, lon2: 0, want: 100, tol: 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := DistanceMeters(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			if math.Abs(got-tt.want) > tt.tol {
				t.Fatalf("DistanceMeters = %f, want %f ± %f", got, tt.want, tt.tol)
			}
		})
	}
}

func TestWithinRadius(t *testing.T) {
	t.Parallel()
	// 20 m away is inside a 100 m fence, 500 m away is not.
	near := 20.0 / 111195.0
	far := 500.0 / 111195.0
	if !WithinRadius(0, 0, near, 0, 100) {
		t.Fatal("20m should be within 100m radius")
	}
	if WithinRadius(0, 0, far, 0, 100) {
		t.Fatal("500m should not be within 100m radius")
	}
}
