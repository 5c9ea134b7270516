// README: Per-factor scoring of one contractor against one request.
package matching

import (
	"fmt"
	"math"
	"time"

	"homematch/internal/modules/contractor"
	"homematch/internal/modules/geo"
	"homematch/internal/types"
)

const (
	distanceDecayMiles       = 10.0
	responseDecayMinutes     = 30.0
	experienceSaturationJobs = 100.0
	emergencyOnlyAvailable   = 0.7
	priceOutsideBudget       = 0.5
	averageTravelMph         = 30.0
)

// Scorer computes factor scores and the weighted overall score. It holds no
// mutable state and is safe for concurrent use.
type Scorer struct {
	unit geo.Unit
}

func NewScorer(unit geo.Unit) Scorer {
	if unit == "" {
		unit = geo.Miles
	}
	return Scorer{unit: unit}
}

// Score assumes p already offers req.Service. miles is the precomputed
// haversine distance in miles.
func (s Scorer) Score(req ServiceRequest, p contractor.Profile, miles float64) (MatchScore, error) {
	avail, err := availabilityFactor(req, p)
	if err != nil {
		return MatchScore{}, fmt.Errorf("scoring contractor %s: %w", p.ID, err)
	}
	b := Breakdown{
		Distance:     distanceFactor(miles),
		Availability: avail,
		Rating:       ratingFactor(p.Rating),
		Experience:   experienceFactor(p.CompletedJobs),
		Price:        priceFactor(req.PriceRange, p.HourlyRate),
		ResponseTime: responseFactor(p.ResponseTimeMinutes),
	}
	boosts := premiumBoosts(req, p)
	w := WeightsFor(req)

	score := w.Distance*b.Distance +
		w.Availability*b.Availability +
		w.Rating*b.Rating*boosts.Rating +
		w.Experience*b.Experience +
		w.Price*b.Price +
		w.ResponseTime*b.ResponseTime*boosts.ResponseTime
	bonus := certificationBonus(req.Preferences.PreferredCertifications, p)

	return MatchScore{
		ContractorID:            p.ID,
		Score:                   score + bonus,
		Breakdown:               b,
		Boosts:                  boosts,
		CertificationBonus:      bonus,
		Distance:                geo.Convert(miles, geo.Miles, s.unit),
		Unit:                    s.unit,
		EstimatedArrivalMinutes: EstimateArrivalMinutes(miles, p.ResponseTimeMinutes),
		QuotedPrice:             types.MoneyFromFloat(p.HourlyRate*req.billableHours(), types.DefaultCurrency),
		Contractor:              p,
	}, nil
}

// EstimateArrivalMinutes is the straight-line travel time at an average urban
// speed plus the contractor's usual response time, rounded up.
func EstimateArrivalMinutes(miles, responseMinutes float64) int {
	return int(math.Ceil(miles/averageTravelMph*60 + responseMinutes))
}

func distanceFactor(miles float64) float64 {
	return clamp01(math.Exp(-miles / distanceDecayMiles))
}

func availabilityFactor(req ServiceRequest, p contractor.Profile) (float64, error) {
	duration := time.Duration(req.billableHours() * float64(time.Hour))
	ok, err := contractor.IsAvailable(p, req.RequestedAt, duration, req.emergency())
	if err != nil {
		return 0, err
	}
	switch {
	case ok:
		return 1, nil
	case p.EmergencyAvailable:
		return emergencyOnlyAvailable, nil
	}
	return 0, nil
}

// ratingFactor only rewards ratings above 3.0; 5.0 maps to 1.
func ratingFactor(rating float64) float64 {
	return clamp01((rating - 3) / 2)
}

func experienceFactor(jobs int) float64 {
	if jobs <= 0 {
		return 0
	}
	return clamp01(math.Log(float64(jobs)+1) / math.Log(experienceSaturationJobs))
}

func priceFactor(r PriceRange, rate float64) float64 {
	if r.Contains(rate) {
		return 1
	}
	return priceOutsideBudget
}

func responseFactor(minutes float64) float64 {
	return clamp01(math.Exp(-minutes / responseDecayMinutes))
}

func premiumBoosts(req ServiceRequest, p contractor.Profile) Boosts {
	b := Boosts{Rating: 1, ResponseTime: 1}
	if !req.IsPremium {
		return b
	}
	if p.Rating >= premiumRatingThreshold {
		b.Rating = premiumBoost
	}
	if p.ResponseTimeMinutes < premiumResponseThreshold {
		b.ResponseTime = premiumBoost
	}
	return b
}

func certificationBonus(preferred []string, p contractor.Profile) float64 {
	if len(preferred) == 0 {
		return 0
	}
	matched := 0
	for _, c := range preferred {
		if p.HasCertification(c) {
			matched++
		}
	}
	return certificationBonusMaximum * float64(matched) / float64(len(preferred))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
