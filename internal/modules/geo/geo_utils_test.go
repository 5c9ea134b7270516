package geo

import (
	"errors"
	"math"
	"testing"

	"homematch/internal/types"
)

func TestDistance_KnownDistances(t *testing.T) {
	tests := []struct {
		name      string
		a, b      types.Point
		unit      Unit
		want      float64
		tolerance float64
	}{
		{
			name:      "same point",
			a:         types.Point{Lat: 30.2672, Lng: -97.7431},
			b:         types.Point{Lat: 30.2672, Lng: -97.7431},
			unit:      Miles,
			want:      0,
			tolerance: 0.0001,
		},
		{
			name:      "New York to Los Angeles km (~3944km)",
			a:         types.Point{Lat: 40.7128, Lng: -74.0060},
			b:         types.Point{Lat: 34.0522, Lng: -118.2437},
			unit:      Kilometers,
			want:      3944,
			tolerance: 50,
		},
		{
			name:      "New York to Los Angeles miles (~2451mi)",
			a:         types.Point{Lat: 40.7128, Lng: -74.0060},
			b:         types.Point{Lat: 34.0522, Lng: -118.2437},
			unit:      Miles,
			want:      2451,
			tolerance: 30,
		},
		{
			name:      "one degree of latitude (~69mi)",
			a:         types.Point{Lat: 30, Lng: -97},
			b:         types.Point{Lat: 31, Lng: -97},
			unit:      Miles,
			want:      69.1,
			tolerance: 0.2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Distance(tt.a, tt.b, tt.unit)
			if math.Abs(got-tt.want) > tt.tolerance {
				t.Errorf("Distance() = %f, want %f (±%f)", got, tt.want, tt.tolerance)
			}
		})
	}
}

func TestDistance_Symmetry(t *testing.T) {
	points := []types.Point{
		{Lat: 25.0, Lng: 121.0},
		{Lat: 26.0, Lng: 122.0},
		{Lat: -33.86, Lng: 151.2},
		{Lat: 51.5, Lng: -0.12},
	}
	for _, a := range points {
		for _, b := range points {
			d1 := DistanceMiles(a, b)
			d2 := DistanceMiles(b, a)
			if math.Abs(d1-d2) > 1e-9 {
				t.Errorf("distance not symmetric for %v/%v: %f vs %f", a, b, d1, d2)
			}
		}
		if d := DistanceMiles(a, a); d != 0 {
			t.Errorf("distance(%v, %v) = %f, want 0", a, a, d)
		}
	}
}

func TestDistance_NaNPropagates(t *testing.T) {
	d := DistanceMiles(types.Point{Lat: math.NaN(), Lng: 0}, types.Point{Lat: 1, Lng: 1})
	if !math.IsNaN(d) {
		t.Fatalf("expected NaN distance, got %f", d)
	}
}

func TestConvert(t *testing.T) {
	if got := Convert(10, Miles, Kilometers); math.Abs(got-16.09344) > 1e-9 {
		t.Errorf("10mi in km = %f", got)
	}
	if got := Convert(16.09344, Kilometers, Miles); math.Abs(got-10) > 1e-9 {
		t.Errorf("16.09km in mi = %f", got)
	}
	if got := Convert(7, Miles, Miles); got != 7 {
		t.Errorf("identity conversion = %f", got)
	}
}

func TestValidatePoint(t *testing.T) {
	bad := []types.Point{
		{Lat: math.NaN(), Lng: 0},
		{Lat: 0, Lng: math.Inf(1)},
		{Lat: 91, Lng: 0},
		{Lat: 0, Lng: -181},
	}
	for _, p := range bad {
		if err := ValidatePoint(p); !errors.Is(err, ErrInvalidCoordinates) {
			t.Errorf("ValidatePoint(%v) = %v, want ErrInvalidCoordinates", p, err)
		}
	}
	if err := ValidatePoint(types.Point{Lat: 30.2, Lng: -97.7}); err != nil {
		t.Errorf("valid point rejected: %v", err)
	}
}

func TestParseUnit(t *testing.T) {
	if u, err := ParseUnit("miles"); err != nil || u != Miles {
		t.Errorf("ParseUnit(miles) = %v, %v", u, err)
	}
	if u, err := ParseUnit("km"); err != nil || u != Kilometers {
		t.Errorf("ParseUnit(km) = %v, %v", u, err)
	}
	if _, err := ParseUnit("leagues"); err == nil {
		t.Error("expected error for unknown unit")
	}
}
