// README: Contractor position index backed by Redis GEO, used as a radius prefilter before scoring.
package contractor

import (
	"context"

	"github.com/redis/go-redis/v9"

	"homematch/internal/modules/geo"
	"homematch/internal/types"
)

const contractorGeoKey = "matching:contractors"

type GeoIndex struct {
	redis *redis.Client
}

func NewGeoIndex(redis *redis.Client) *GeoIndex {
	return &GeoIndex{redis: redis}
}

// Add records or moves a contractor's position.
func (g *GeoIndex) Add(ctx context.Context, id types.ID, p types.Point) error {
	if err := geo.ValidatePoint(p); err != nil {
		return err
	}
	return g.redis.GeoAdd(ctx, contractorGeoKey, &redis.GeoLocation{
		Name:      string(id),
		Longitude: p.Lng,
		Latitude:  p.Lat,
	}).Err()
}

func (g *GeoIndex) Remove(ctx context.Context, id types.ID) error {
	return g.redis.ZRem(ctx, contractorGeoKey, string(id)).Err()
}

// Sync indexes every profile; used after a registry load.
func (g *GeoIndex) Sync(ctx context.Context, profiles []Profile) error {
	if len(profiles) == 0 {
		return nil
	}
	locs := make([]*redis.GeoLocation, 0, len(profiles))
	for _, p := range profiles {
		if geo.ValidatePoint(p.Location) != nil {
			continue
		}
		locs = append(locs, &redis.GeoLocation{
			Name:      string(p.ID),
			Longitude: p.Location.Lng,
			Latitude:  p.Location.Lat,
		})
	}
	if len(locs) == 0 {
		return nil
	}
	return g.redis.GeoAdd(ctx, contractorGeoKey, locs...).Err()
}

// Nearby returns contractor IDs within radius of p, nearest first.
func (g *GeoIndex) Nearby(ctx context.Context, p types.Point, radius float64, unit geo.Unit) ([]types.ID, error) {
	results, err := g.redis.GeoSearch(ctx, contractorGeoKey, &redis.GeoSearchQuery{
		Longitude:  p.Lng,
		Latitude:   p.Lat,
		Radius:     radius,
		RadiusUnit: string(unit),
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]types.ID, len(results))
	for i, r := range results {
		ids[i] = types.ID(r)
	}
	return ids, nil
}
