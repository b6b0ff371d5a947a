// Package geo answers "which drivers are near this point" and records driver
// positions. Index is the in-process implementation; RedisGeo is used in
// production.
package geo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-bidding/internal/fare"
)

// DefaultLocationTTL is how long a reported position counts as fresh.
const DefaultLocationTTL = 2 * time.Minute

type NearbyDriver struct {
	DriverID   string  `json:"driver_id"`
	DistanceKm float64 `json:"distance_km"`
}

// Position is a driver's last reported location.
type Position struct {
	Lat float64   `json:"lat"`
	Lng float64   `json:"lng"`
	At  time.Time `json:"at"`
}

type LocationAck struct {
	DriverID   string    `json:"driver_id"`
	Timestamp  time.Time `json:"timestamp"`
	TTLSeconds int       `json:"ttl_seconds"`
}

// Gateway is what the negotiation engine needs from the geospatial index.
type Gateway interface {
	// FindNearbyDrivers returns drivers with a fresh position inside radiusKm,
	// nearest first.
	FindNearbyDrivers(ctx context.Context, lat, lng, radiusKm float64) ([]NearbyDriver, error)
	UpdateDriverLocation(ctx context.Context, driverID string, lat, lng float64) (LocationAck, error)
	// DriverPosition reports the driver's fresh position; ok is false when the
	// driver has none.
	DriverPosition(ctx context.Context, driverID string) (pos Position, ok bool, err error)
	Ready(ctx context.Context) error
}

type position struct {
	lat, lng float64
	at       time.Time
}

type Index struct {
	mu      sync.RWMutex
	drivers map[string]position
	ttl     time.Duration
	now     func() time.Time
}

func NewIndex(ttl time.Duration) *Index {
	if ttl <= 0 {
		ttl = DefaultLocationTTL
	}
	return &Index{drivers: make(map[string]position), ttl: ttl, now: time.Now}
}

func (g *Index) UpdateDriverLocation(_ context.Context, driverID string, lat, lng float64) (LocationAck, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.drivers[driverID] = position{lat: lat, lng: lng, at: now}
	return LocationAck{DriverID: driverID, Timestamp: now, TTLSeconds: int(g.ttl / time.Second)}, nil
}

func (g *Index) DriverPosition(_ context.Context, driverID string) (Position, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.drivers[driverID]
	if !ok || p.at.Before(g.now().Add(-g.ttl)) {
		return Position{}, false, nil
	}
	return Position{Lat: p.lat, Lng: p.lng, At: p.at}, true, nil
}

// Remove drops a driver from the index, e.g. when they go offline.
func (g *Index) Remove(driverID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
}

// naive scan; in prod use RedisGeo
func (g *Index) FindNearbyDrivers(_ context.Context, lat, lng, radiusKm float64) ([]NearbyDriver, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	cutoff := g.now().Add(-g.ttl)
	out := make([]NearbyDriver, 0)
	for id, p := range g.drivers {
		if p.at.Before(cutoff) {
			continue
		}
		if d := fare.HaversineKm(lat, lng, p.lat, p.lng); d <= radiusKm {
			out = append(out, NearbyDriver{DriverID: id, DistanceKm: d})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm == out[j].DistanceKm {
			return out[i].DriverID < out[j].DriverID
		}
		return out[i].DistanceKm < out[j].DistanceKm
	})
	return out, nil
}

func (g *Index) Ready(context.Context) error { return nil }
