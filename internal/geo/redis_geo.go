package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/school-carpool/internal/models"
)

// RedisGeo implements ProfileStore using Redis GEO commands. Home locations
// live in one GEO set; the profile snapshot is a JSON blob in a per-family hash.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

// NewRedisGeoWithClient shares an existing client, e.g. with the pair store.
func NewRedisGeoWithClient(c *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Client() *redis.Client { return r.client }

func (r *RedisGeo) Upsert(ctx context.Context, f models.Family) error {
	if f.Updated.IsZero() {
		f.Updated = time.Now()
	}
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode family %s: %w", f.ID, err)
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: f.Home.Lon, Latitude: f.Home.Lat, Name: f.ID})
		p.HSet(ctx, MetaKey(f.ID), map[string]interface{}{
			"data":    string(b),
			"cell":    Cell(f.Home),
			"updated": f.Updated.Format(time.RFC3339),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis upsert family %s: %w", f.ID, err)
	}
	return nil
}

func (r *RedisGeo) Get(ctx context.Context, id string) (models.Family, error) {
	raw, err := r.client.HGet(ctx, MetaKey(id), "data").Result()
	if errors.Is(err, redis.Nil) {
		return models.Family{}, ErrNotFound
	}
	if err != nil {
		return models.Family{}, fmt.Errorf("redis get family %s: %w", id, err)
	}
	var f models.Family
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return models.Family{}, fmt.Errorf("decode family %s: %w", id, err)
	}
	return f, nil
}

func (r *RedisGeo) ListCandidates(ctx context.Context, near models.Coord, radiusMeters float64) ([]models.Family, error) {
	if radiusMeters <= 0 {
		return nil, nil
	}
	ids, err := r.client.GeoSearch(ctx, r.key, &redis.GeoSearchQuery{
		Longitude:  near.Lon,
		Latitude:   near.Lat,
		Radius:     radiusMeters,
		RadiusUnit: "m",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geosearch: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, MetaKey(id), "data")
	}
	// redis.Nil for a member without metadata is expected; it is skipped below.
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis fetch profiles: %w", err)
	}
	out := make([]models.Family, 0, len(ids))
	for _, cmd := range cmds {
		raw, err := cmd.Result()
		if err != nil {
			continue
		}
		var f models.Family
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func MetaKey(id string) string { return "family:meta:" + id }
