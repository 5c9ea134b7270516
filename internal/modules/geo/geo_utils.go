// Package geo contains pure geographic computation helpers.
package geo

import (
	"errors"
	"fmt"
	"math"

	"homematch/internal/types"
)

const (
	earthRadiusKm    = 6371.0
	earthRadiusMiles = 3958.8
	kmPerMile        = 1.609344
)

// Unit selects the distance unit returned by Distance.
type Unit string

const (
	Miles      Unit = "mi"
	Kilometers Unit = "km"
)

var ErrInvalidCoordinates = errors.New("invalid coordinates")

// ParseUnit accepts "mi", "miles", "km" and "kilometers".
func ParseUnit(s string) (Unit, error) {
	switch s {
	case "mi", "mile", "miles":
		return Miles, nil
	case "km", "kilometer", "kilometers", "kilometre", "kilometres":
		return Kilometers, nil
	}
	return "", fmt.Errorf("unknown distance unit %q", s)
}

// Distance returns the great-circle distance between a and b in the given
// unit. NaN coordinates produce NaN.
func Distance(a, b types.Point, unit Unit) float64 {
	r := earthRadiusMiles
	if unit == Kilometers {
		r = earthRadiusKm
	}
	return haversine(a.Lat, a.Lng, b.Lat, b.Lng, r)
}

// DistanceMiles is shorthand for Distance(a, b, Miles).
func DistanceMiles(a, b types.Point) float64 {
	return Distance(a, b, Miles)
}

func haversine(lat1, lng1, lat2, lng2, radius float64) float64 {
	dLat := degreesToRadians(lat2 - lat1)
	dLng := degreesToRadians(lng2 - lng1)

	rLat1 := degreesToRadians(lat1)
	rLat2 := degreesToRadians(lat2)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return radius * c
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// Convert converts v from one unit to another.
func Convert(v float64, from, to Unit) float64 {
	if from == to {
		return v
	}
	if from == Miles {
		return v * kmPerMile
	}
	return v / kmPerMile
}

// ValidatePoint rejects NaN/Inf and out-of-range coordinates.
func ValidatePoint(p types.Point) error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return fmt.Errorf("%w: (%v, %v)", ErrInvalidCoordinates, p.Lat, p.Lng)
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%w: (%v, %v) out of range", ErrInvalidCoordinates, p.Lat, p.Lng)
	}
	return nil
}
