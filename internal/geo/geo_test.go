package geo

import (
	"context"
	"testing"
	"time"
)

func TestIndexNearestFirstWithinRadius(t *testing.T) {
	ctx := context.Background()
	g := NewIndex(time.Minute)
	// pickup at Plaza de Armas, Lima
	_, _ = g.UpdateDriverLocation(ctx, "far", -12.1211, -77.0297)  // ~6 km
	_, _ = g.UpdateDriverLocation(ctx, "near", -12.0470, -77.0430) // <1 km
	_, _ = g.UpdateDriverLocation(ctx, "out", -11.0, -77.0)        // >100 km

	got, err := g.FindNearbyDrivers(ctx, -12.0464, -77.0428, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 drivers, got %+v", got)
	}
	if got[0].DriverID != "near" || got[1].DriverID != "far" {
		t.Fatalf("unexpected order: %+v", got)
	}
	if got[0].DistanceKm > got[1].DistanceKm {
		t.Fatalf("distances not ascending: %+v", got)
	}
}

func TestIndexSkipsStalePositions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := NewIndex(time.Minute)
	g.now = func() time.Time { return now }

	ack, _ := g.UpdateDriverLocation(ctx, "d1", 0, 0)
	if ack.TTLSeconds != 60 || !ack.Timestamp.Equal(now) {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	now = now.Add(2 * time.Minute)
	got, _ := g.FindNearbyDrivers(ctx, 0, 0, 5)
	if len(got) != 0 {
		t.Fatalf("stale driver returned: %+v", got)
	}
}

func TestIndexRemove(t *testing.T) {
	ctx := context.Background()
	g := NewIndex(0)
	_, _ = g.UpdateDriverLocation(ctx, "d1", 0, 0)
	g.Remove("d1")
	if got, _ := g.FindNearbyDrivers(ctx, 0, 0, 5); len(got) != 0 {
		t.Fatalf("removed driver returned: %+v", got)
	}
}

func TestIndexDriverPosition(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := NewIndex(time.Minute)
	g.now = func() time.Time { return now }

	if _, ok, _ := g.DriverPosition(ctx, "d1"); ok {
		t.Fatal("unknown driver has a position")
	}
	_, _ = g.UpdateDriverLocation(ctx, "d1", -12.0470, -77.0430)
	pos, ok, err := g.DriverPosition(ctx, "d1")
	if err != nil || !ok || pos.Lat != -12.0470 || pos.Lng != -77.0430 || !pos.At.Equal(now) {
		t.Fatalf("position = %+v ok=%v err=%v", pos, ok, err)
	}

	now = now.Add(2 * time.Minute)
	if _, ok, _ := g.DriverPosition(ctx, "d1"); ok {
		t.Fatal("stale position returned")
	}
}
