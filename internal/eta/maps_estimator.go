// README: Road travel time from contractors to a job site via the Google Distance Matrix API.
package eta

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"
	"googlemaps.github.io/maps"

	"homematch/internal/types"
)

// maxOrigins is the Distance Matrix per-request origin limit.
const maxOrigins = 25

var ErrNoAPIKey = errors.New("maps api key not configured")

type distanceMatrix interface {
	DistanceMatrix(ctx context.Context, r *maps.DistanceMatrixRequest) (*maps.DistanceMatrixResponse, error)
}

// MapsEstimator implements matching.ETAEstimator.
type MapsEstimator struct {
	client distanceMatrix
	log    *zap.Logger
}

func NewMapsEstimator(apiKey string, log *zap.Logger) (*MapsEstimator, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &MapsEstimator{client: client, log: log.Named("eta")}, nil
}

// TravelMinutes returns driving minutes from each origin to dest, in origin
// order. Origins the API cannot route get -1.
func (e *MapsEstimator) TravelMinutes(ctx context.Context, origins []types.Point, dest types.Point) ([]float64, error) {
	out := make([]float64, 0, len(origins))
	for start := 0; start < len(origins); start += maxOrigins {
		end := min(start+maxOrigins, len(origins))
		chunk, err := e.query(ctx, origins[start:end], dest)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}

func (e *MapsEstimator) query(ctx context.Context, origins []types.Point, dest types.Point) ([]float64, error) {
	r := &maps.DistanceMatrixRequest{
		Origins:      make([]string, len(origins)),
		Destinations: []string{latLng(dest)},
		Mode:         maps.TravelModeDriving,
		Units:        maps.UnitsImperial,
	}
	for i, p := range origins {
		r.Origins[i] = latLng(p)
	}

	resp, err := e.client.DistanceMatrix(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("maps api error: %w", err)
	}
	if len(resp.Rows) != len(origins) {
		return nil, fmt.Errorf("distance matrix returned %d rows for %d origins", len(resp.Rows), len(origins))
	}

	out := make([]float64, len(origins))
	for i, row := range resp.Rows {
		out[i] = -1
		if len(row.Elements) == 0 || row.Elements[0] == nil {
			continue
		}
		el := row.Elements[0]
		if el.Status != "OK" {
			e.log.Debug("no route", zap.String("origin", r.Origins[i]), zap.String("status", el.Status))
			continue
		}
		d := el.Duration
		if el.DurationInTraffic > 0 {
			d = el.DurationInTraffic
		}
		out[i] = d.Minutes()
	}
	return out, nil
}

func latLng(p types.Point) string {
	return strconv.FormatFloat(p.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lng, 'f', 6, 64)
}
