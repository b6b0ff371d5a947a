package geo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestRedisGeoFreshness(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	key := "test_drivers_geo:" + uuid.NewString()
	t.Cleanup(func() { _ = client.Del(ctx, key).Err() })
	g := NewRedisGeo(client, key, time.Minute)
	if err := g.Ready(ctx); err != nil {
		t.Fatalf("ready: %v", err)
	}

	near, far := uuid.NewString(), uuid.NewString()
	if _, err := g.UpdateDriverLocation(ctx, far, -12.1211, -77.0297); err != nil {
		t.Fatal(err)
	}
	if _, err := g.UpdateDriverLocation(ctx, near, -12.0470, -77.0430); err != nil {
		t.Fatal(err)
	}

	got, err := g.FindNearbyDrivers(ctx, -12.0464, -77.0428, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].DriverID != near {
		t.Fatalf("unexpected result: %+v", got)
	}

	pos, ok, err := g.DriverPosition(ctx, near)
	if err != nil || !ok {
		t.Fatalf("position: ok=%v err=%v", ok, err)
	}
	if pos.Lat > -12.046 || pos.Lat < -12.048 {
		t.Fatalf("position = %+v", pos)
	}

	// dropping the freshness key makes the driver invisible
	_ = client.Del(ctx, freshKey(far)).Err()
	if _, ok, _ := g.DriverPosition(ctx, far); ok {
		t.Fatal("stale driver has a position")
	}
	got, _ = g.FindNearbyDrivers(ctx, -12.0464, -77.0428, 20)
	if len(got) != 1 || got[0].DriverID != near {
		t.Fatalf("stale driver returned: %+v", got)
	}
	_ = client.Del(ctx, freshKey(near)).Err()
}
