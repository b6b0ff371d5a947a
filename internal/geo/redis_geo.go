package geo

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-bidding/internal/apperr"
)

// RedisGeo implements Gateway using Redis GEO commands. Each member of the geo
// set has a companion key that expires after the location TTL; members without
// it are treated as offline.
type RedisGeo struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisGeo(client *redis.Client, key string, ttl time.Duration) *RedisGeo {
	if ttl <= 0 {
		ttl = DefaultLocationTTL
	}
	return &RedisGeo{client: client, key: key, ttl: ttl, now: time.Now}
}

func (r *RedisGeo) UpdateDriverLocation(ctx context.Context, driverID string, lat, lng float64) (LocationAck, error) {
	now := r.now().UTC()
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: lng, Latitude: lat, Name: driverID})
	pipe.Set(ctx, freshKey(driverID), strconv.FormatInt(now.Unix(), 10), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return LocationAck{}, apperr.Unavailable("location index unavailable", err)
	}
	return LocationAck{DriverID: driverID, Timestamp: now, TTLSeconds: int(r.ttl / time.Second)}, nil
}

func (r *RedisGeo) FindNearbyDrivers(ctx context.Context, lat, lng, radiusKm float64) ([]NearbyDriver, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lng,
			Latitude:   lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, apperr.Unavailable("location index unavailable", err)
	}
	if len(res) == 0 {
		return []NearbyDriver{}, nil
	}

	keys := make([]string, len(res))
	for i, g := range res {
		keys[i] = freshKey(g.Name)
	}
	fresh, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, apperr.Unavailable("location index unavailable", err)
	}

	out := make([]NearbyDriver, 0, len(res))
	var stale []any
	for i, g := range res {
		if fresh[i] == nil {
			stale = append(stale, g.Name)
			continue
		}
		out = append(out, NearbyDriver{DriverID: g.Name, DistanceKm: g.Dist})
	}
	if len(stale) > 0 {
		// best effort; a failed cleanup only costs another MGET next time
		_ = r.client.ZRem(ctx, r.key, stale...).Err()
	}
	return out, nil
}

func (r *RedisGeo) DriverPosition(ctx context.Context, driverID string) (Position, bool, error) {
	reported, err := r.client.Get(ctx, freshKey(driverID)).Result()
	if errors.Is(err, redis.Nil) {
		return Position{}, false, nil
	}
	if err != nil {
		return Position{}, false, apperr.Unavailable("location index unavailable", err)
	}
	pos, err := r.client.GeoPos(ctx, r.key, driverID).Result()
	if err != nil {
		return Position{}, false, apperr.Unavailable("location index unavailable", err)
	}
	if len(pos) == 0 || pos[0] == nil {
		return Position{}, false, nil
	}
	out := Position{Lat: pos[0].Latitude, Lng: pos[0].Longitude}
	if sec, err := strconv.ParseInt(reported, 10, 64); err == nil {
		out.At = time.Unix(sec, 0).UTC()
	}
	return out, true, nil
}

func (r *RedisGeo) Ready(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return apperr.Unavailable("location index unavailable", err)
	}
	return nil
}

func freshKey(id string) string { return "driver:fresh:" + id }
