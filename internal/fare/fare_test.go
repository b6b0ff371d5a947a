package fare

import (
	"math"
	"testing"
)

func TestHaversineZero(t *testing.T) {
	if d := HaversineKm(0, 0, 0, 0); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// Lima centre -> Miraflores: roughly 6 km.
	d := HaversineKm(-12.0464, -77.0428, -12.10, -77.05)
	if d < 5.9 || d > 6.2 {
		t.Fatalf("unexpected distance %f", d)
	}
	// symmetric
	if back := HaversineKm(-12.10, -77.05, -12.0464, -77.0428); math.Abs(back-d) > 1e-9 {
		t.Fatalf("distance not symmetric: %f vs %f", d, back)
	}
	// one degree of latitude is ~111.19 km
	if deg := HaversineKm(0, 0, 1, 0); math.Abs(deg-111.19) > 0.01 {
		t.Fatalf("one degree latitude = %f", deg)
	}
}

func TestReferentialFare(t *testing.T) {
	e := DefaultEstimator()
	cases := []struct {
		km   float64
		want float64
	}{
		{0, 3.5},
		{1, 4.7},
		{10, 15.5},
		{2.345, 6.31},
	}
	for _, c := range cases {
		if got := e.ReferentialFare(c.km); got != c.want {
			t.Errorf("ReferentialFare(%v) = %v, want %v", c.km, got, c.want)
		}
	}
}

func TestETAMinutes(t *testing.T) {
	e := DefaultEstimator()
	cases := []struct {
		km   float64
		want int
	}{
		{0, 0},
		{25, 60},
		{1, 3}, // 2.4 min rounds up
		{0.01, 1},
	}
	for _, c := range cases {
		if got := e.ETAMinutes(c.km); got != c.want {
			t.Errorf("ETAMinutes(%v) = %d, want %d", c.km, got, c.want)
		}
	}
	if got := (Estimator{}).ETAMinutes(25); got != 60 {
		t.Errorf("zero speed should fall back to 25 km/h, got %d", got)
	}
}

func TestArrivalMinutes(t *testing.T) {
	e := DefaultEstimator()
	if got := e.ArrivalMinutes(-12.0464, -77.0428, -12.0464, -77.0428); got != 0 {
		t.Fatalf("same point should be 0 minutes, got %d", got)
	}
	if got := e.ArrivalMinutes(-12.0464, -77.0428, -12.10, -77.05); got != 15 {
		t.Fatalf("expected 15 minutes, got %d", got)
	}
}
