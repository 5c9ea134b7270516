// README: Scorer and matcher tests covering factor math, filters, ordering and batch matching.
package matching

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"homematch/internal/modules/contractor"
	"homematch/internal/modules/geo"
	"homematch/internal/types"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

var origin = types.Point{Lat: 40.7128, Lng: -74.0060}

// north returns a point the given number of miles due north of origin.
func north(miles float64) types.Point {
	return types.Point{Lat: origin.Lat + miles*180/(math.Pi*3958.8), Lng: origin.Lng}
}

// 2026-10-12 is a Monday.
var monday10am = time.Date(2026, time.October, 12, 10, 0, 0, 0, time.UTC)

func weekdayHours() contractor.WeeklyAvailability {
	w := contractor.WeeklyAvailability{}
	for _, d := range []string{"monday", "tuesday", "wednesday", "thursday", "friday"} {
		w[d] = contractor.DayWindow{Available: true, Start: "08:00", End: "18:00"}
	}
	return w
}

func makeContractor(id string, miles float64) contractor.Profile {
	return contractor.Profile{
		ID:                  types.ID(id),
		Location:            north(miles),
		Services:            []string{"plumbing"},
		Rating:              4.5,
		CompletedJobs:       50,
		ResponseTimeMinutes: 20,
		AcceptanceRate:      0.9,
		HourlyRate:          80,
		CurrentJobs:         0,
		MaxConcurrentJobs:   2,
		Availability:        weekdayHours(),
	}
}

func makeRequest() ServiceRequest {
	return ServiceRequest{
		ID:                     "req-1",
		Service:                "plumbing",
		Location:               origin,
		RequestedAt:            monday10am,
		Urgency:                UrgencyStandard,
		EstimatedDurationHours: 2,
		PriceRange:             PriceRange{Min: 50, Max: 120},
	}
}

func ids(matches []MatchScore) []types.ID {
	out := make([]types.ID, len(matches))
	for i, m := range matches {
		out[i] = m.ContractorID
	}
	return out
}

func approx(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

// ---------------------------------------------------------------------------
// Weights and factors
// ---------------------------------------------------------------------------

func TestWeightTablesSumToOne(t *testing.T) {
	for name, w := range map[string]Weights{"standard": StandardWeights, "priority": PriorityWeights} {
		if !approx(w.Sum(), 1, 1e-9) {
			t.Errorf("%s weights sum to %v, want 1", name, w.Sum())
		}
	}
	if PriorityWeights.ResponseTime <= StandardWeights.ResponseTime*2-1e-9 {
		t.Errorf("priority response weight should at least double")
	}
	if PriorityWeights.Distance <= StandardWeights.Distance {
		t.Errorf("priority distance weight should increase")
	}
}

func TestWeightsFor(t *testing.T) {
	req := makeRequest()
	if WeightsFor(req) != StandardWeights {
		t.Errorf("standard request should use standard weights")
	}
	for _, u := range []Urgency{UrgencyUrgent, UrgencyEmergency} {
		req.Urgency = u
		if WeightsFor(req) != PriorityWeights {
			t.Errorf("%s request should use priority weights", u)
		}
	}
	req.Urgency = UrgencyStandard
	req.IsPremium = true
	if WeightsFor(req) != PriorityWeights {
		t.Errorf("premium request should use priority weights")
	}
}

func TestFactorFormulas(t *testing.T) {
	cases := []struct {
		name string
		got  float64
		want float64
	}{
		{"distance 0mi", distanceFactor(0), 1},
		{"distance 10mi", distanceFactor(10), math.Exp(-1)},
		{"distance 23mi", distanceFactor(23), math.Exp(-2.3)},
		{"rating 5", ratingFactor(5), 1},
		{"rating 4", ratingFactor(4), 0.5},
		{"rating 3 floor", ratingFactor(3), 0},
		{"rating 1 clamps", ratingFactor(1), 0},
		{"experience 0", experienceFactor(0), 0},
		{"experience 99", experienceFactor(99), 1},
		{"experience 500 saturates", experienceFactor(500), 1},
		{"experience 9", experienceFactor(9), math.Log(10) / math.Log(100)},
		{"response 0", responseFactor(0), 1},
		{"response 30", responseFactor(30), math.Exp(-1)},
		{"price inside", priceFactor(PriceRange{Min: 50, Max: 100}, 75), 1},
		{"price above", priceFactor(PriceRange{Min: 50, Max: 100}, 150), 0.5},
		{"price below", priceFactor(PriceRange{Min: 50, Max: 100}, 40), 0.5},
		{"price unset", priceFactor(PriceRange{}, 400), 1},
	}
	for _, tc := range cases {
		if !approx(tc.got, tc.want, 1e-9) {
			t.Errorf("%s: got %v, want %v", tc.name, tc.got, tc.want)
		}
	}
}

func TestAvailabilityFactor(t *testing.T) {
	req := makeRequest()
	p := makeContractor("c", 1)

	if got, _ := availabilityFactor(req, p); got != 1 {
		t.Errorf("covered: got %v, want 1", got)
	}

	req.RequestedAt = time.Date(2026, time.October, 12, 21, 0, 0, 0, time.UTC)
	if got, _ := availabilityFactor(req, p); got != 0 {
		t.Errorf("after hours, no emergency: got %v, want 0", got)
	}

	p.EmergencyAvailable = true
	if got, _ := availabilityFactor(req, p); got != 0.7 {
		t.Errorf("after hours, emergency-capable: got %v, want 0.7", got)
	}

	req.Urgency = UrgencyEmergency
	if got, _ := availabilityFactor(req, p); got != 1 {
		t.Errorf("emergency bypass: got %v, want 1", got)
	}
}

func TestPremiumBoosts(t *testing.T) {
	req := makeRequest()
	p := makeContractor("star", 1)
	p.Rating = 4.9
	p.ResponseTimeMinutes = 5

	if b := premiumBoosts(req, p); b.Rating != 1 || b.ResponseTime != 1 {
		t.Errorf("non-premium request must not boost, got %+v", b)
	}
	req.IsPremium = true
	if b := premiumBoosts(req, p); b.Rating != 1.2 || b.ResponseTime != 1.2 {
		t.Errorf("premium: got %+v, want both 1.2", b)
	}
	p.Rating = 4.7
	p.ResponseTimeMinutes = 10
	if b := premiumBoosts(req, p); b.Rating != 1 || b.ResponseTime != 1 {
		t.Errorf("below thresholds: got %+v, want no boosts", b)
	}
}

func TestBoostedScoreExceedsUnboosted(t *testing.T) {
	s := NewScorer(geo.Miles)
	req := makeRequest()
	req.IsPremium = true

	plain := makeContractor("plain", 3)
	plain.Rating = 4.7
	plain.ResponseTimeMinutes = 10
	star := plain
	star.ID = "star"
	star.Rating = 4.8
	star.ResponseTimeMinutes = 9.9

	a, err := s.Score(req, plain, 3)
	if err != nil {
		t.Fatalf("score plain: %v", err)
	}
	b, err := s.Score(req, star, 3)
	if err != nil {
		t.Fatalf("score star: %v", err)
	}
	if b.Score <= a.Score {
		t.Errorf("boosted score %v should exceed %v", b.Score, a.Score)
	}
	for _, f := range b.Breakdown.Factors() {
		if f < 0 || f > 1 {
			t.Errorf("boosted factor %v out of [0,1]", f)
		}
	}
}

func TestCertificationBonus(t *testing.T) {
	p := makeContractor("c", 1)
	p.Certifications = []string{"licensed", "gas-safe"}
	if got := certificationBonus(nil, p); got != 0 {
		t.Errorf("no preferences: got %v", got)
	}
	if got := certificationBonus([]string{"licensed", "bonded"}, p); !approx(got, 0.025, 1e-12) {
		t.Errorf("half matched: got %v, want 0.025", got)
	}
	if got := certificationBonus([]string{"licensed", "gas-safe"}, p); !approx(got, 0.05, 1e-12) {
		t.Errorf("all matched: got %v, want 0.05", got)
	}
}

func TestEstimateAndQuote(t *testing.T) {
	if got := EstimateArrivalMinutes(15, 10); got != 40 {
		t.Errorf("15mi + 10min response = %d, want 40", got)
	}
	if got := EstimateArrivalMinutes(1, 0.5); got != 3 {
		t.Errorf("rounds up: got %d, want 3", got)
	}

	s := NewScorer(geo.Kilometers)
	req := makeRequest()
	req.EstimatedDurationHours = 0.5
	m, err := s.Score(req, makeContractor("c", 10), 10)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if m.QuotedPrice.Amount != 8000 || m.QuotedPrice.Currency != types.DefaultCurrency {
		t.Errorf("quote = %+v, want one billable hour at $80", m.QuotedPrice)
	}
	if m.Unit != geo.Kilometers || !approx(m.Distance, 16.09344, 1e-6) {
		t.Errorf("distance = %v %s, want 16.09 km", m.Distance, m.Unit)
	}
}

// ---------------------------------------------------------------------------
// Matcher
// ---------------------------------------------------------------------------

func TestCloserContractorRanksHigher(t *testing.T) {
	near := makeContractor("near", 5)
	far := makeContractor("far", 20)
	for _, p := range []*contractor.Profile{&near, &far} {
		p.Rating = 4.8
		p.CompletedJobs = 200
		p.ResponseTimeMinutes = 10
	}

	m := NewMatcher(DefaultOptions())
	matches, err := m.FindBestMatches(makeRequest(), []contractor.Profile{far, near}, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 2 || matches[0].ContractorID != "near" {
		t.Fatalf("order = %v, want near first", ids(matches))
	}
	if !approx(matches[0].Breakdown.Distance, math.Exp(-0.5), 1e-6) {
		t.Errorf("near distance factor = %v, want ~0.607", matches[0].Breakdown.Distance)
	}
	if !approx(matches[1].Breakdown.Distance, math.Exp(-2), 1e-6) {
		t.Errorf("far distance factor = %v, want ~0.135", matches[1].Breakdown.Distance)
	}
}

func TestEmergencyWidensRadius(t *testing.T) {
	pool := []contractor.Profile{makeContractor("thirty", 30)}
	m := NewMatcher(DefaultOptions())

	req := makeRequest()
	got, err := m.FindBestMatches(req, pool, 10)
	if err != nil {
		t.Fatalf("standard: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("standard request should exclude a 30mi contractor, got %v", ids(got))
	}

	for _, u := range []Urgency{UrgencyUrgent, UrgencyEmergency} {
		req.Urgency = u
		got, err = m.FindBestMatches(req, pool, 10)
		if err != nil {
			t.Fatalf("%s: %v", u, err)
		}
		if len(got) != 1 {
			t.Fatalf("%s request should include a 30mi contractor", u)
		}
	}
}

func TestFilters(t *testing.T) {
	offers := makeContractor("ok", 2)
	wrongService := makeContractor("electrician", 2)
	wrongService.Services = []string{"electrical"}
	full := makeContractor("full", 2)
	full.CurrentJobs = 2
	lowAccept := makeContractor("picky", 2)
	lowAccept.AcceptanceRate = 0.8
	lowRated := makeContractor("low", 2)
	lowRated.Rating = 3.9
	excluded := makeContractor("blocked", 2)

	pool := []contractor.Profile{offers, wrongService, full, lowAccept, lowRated, excluded}
	req := makeRequest()
	req.IsPremium = true
	req.Preferences = CustomerPreferences{MinRating: 4.0, ExcludedContractorIDs: []types.ID{"blocked"}}

	ev, err := NewMatcher(DefaultOptions()).Evaluate(req, pool, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ids(ev.Matches); len(got) != 1 || got[0] != "ok" {
		t.Fatalf("matches = %v, want [ok]", got)
	}
	want := map[RejectReason]int{
		RejectService:    1,
		RejectCapacity:   1,
		RejectAcceptance: 1,
		RejectMinRating:  1,
		RejectExcluded:   1,
	}
	for reason, n := range want {
		if ev.Rejected[reason] != n {
			t.Errorf("rejected[%s] = %d, want %d", reason, ev.Rejected[reason], n)
		}
	}
	if ev.Considered != len(pool) {
		t.Errorf("considered = %d, want %d", ev.Considered, len(pool))
	}
}

func TestMinRatingHoldsForAllResults(t *testing.T) {
	var pool []contractor.Profile
	for i := 0; i < 20; i++ {
		p := makeContractor(fmt.Sprintf("c%02d", i), float64(i))
		p.Rating = 3 + float64(i%5)*0.5
		pool = append(pool, p)
	}
	req := makeRequest()
	req.Preferences.MinRating = 4.2
	matches, err := NewMatcher(DefaultOptions()).FindBestMatches(req, pool, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) == 0 {
		t.Fatalf("expected some matches")
	}
	for _, m := range matches {
		if m.Contractor.Rating < 4.2 {
			t.Errorf("%s rating %v below min", m.ContractorID, m.Contractor.Rating)
		}
	}
}

func TestResultsSortedAndLimited(t *testing.T) {
	var pool []contractor.Profile
	for i := 0; i < 30; i++ {
		p := makeContractor(fmt.Sprintf("c%02d", i), float64(i%24))
		p.Rating = 3.5 + float64(i%4)*0.4
		p.CompletedJobs = i * 7
		p.ResponseTimeMinutes = float64(5 + i%9*4)
		p.HourlyRate = 60 + float64(i%6)*20
		p.EmergencyAvailable = i%3 == 0
		pool = append(pool, p)
	}
	m := NewMatcher(DefaultOptions())

	for _, req := range []ServiceRequest{
		makeRequest(),
		func() ServiceRequest { r := makeRequest(); r.Urgency = UrgencyEmergency; return r }(),
		func() ServiceRequest { r := makeRequest(); r.IsPremium = true; return r }(),
	} {
		for _, limit := range []int{1, 5, 12} {
			matches, err := m.FindBestMatches(req, pool, limit)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(matches) > limit {
				t.Errorf("limit %d: got %d results", limit, len(matches))
			}
			for i := 1; i < len(matches); i++ {
				if matches[i-1].Score < matches[i].Score {
					t.Errorf("results not descending at %d: %v < %v", i, matches[i-1].Score, matches[i].Score)
				}
			}
			for _, ms := range matches {
				for _, f := range ms.Breakdown.Factors() {
					if f < 0 || f > 1 {
						t.Errorf("%s factor %v outside [0,1]", ms.ContractorID, f)
					}
				}
			}
		}
	}
}

func TestTiesKeepInputOrder(t *testing.T) {
	var pool []contractor.Profile
	for _, id := range []string{"delta", "alpha", "charlie", "bravo"} {
		pool = append(pool, makeContractor(id, 4))
	}
	matches, err := NewMatcher(DefaultOptions()).FindBestMatches(makeRequest(), pool, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []types.ID{"delta", "alpha", "charlie", "bravo"}
	got := ids(matches)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tie order = %v, want %v", got, want)
		}
	}
}

func TestLimitNormalization(t *testing.T) {
	m := NewMatcher(DefaultOptions())
	cases := map[int]int{0: 10, -3: 10, 7: 7, 50: 50, 500: 50}
	for in, want := range cases {
		if got := m.Limit(in); got != want {
			t.Errorf("Limit(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestEmptyPoolIsNotAnError(t *testing.T) {
	matches, err := NewMatcher(DefaultOptions()).FindBestMatches(makeRequest(), nil, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if matches == nil || len(matches) != 0 {
		t.Fatalf("want empty non-nil slice, got %#v", matches)
	}
}

func TestInvalidInputs(t *testing.T) {
	m := NewMatcher(DefaultOptions())

	req := makeRequest()
	req.Location.Lat = math.NaN()
	_, err := m.FindBestMatches(req, []contractor.Profile{makeContractor("c", 1)}, 5)
	if !errors.Is(err, geo.ErrInvalidCoordinates) || !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("NaN request: err = %v, want ErrInvalidCoordinates", err)
	}

	bad := makeContractor("bad", 1)
	bad.Location.Lng = math.NaN()
	_, err = m.FindBestMatches(makeRequest(), []contractor.Profile{bad}, 5)
	if !errors.Is(err, contractor.ErrInvalidProfile) || !errors.Is(err, geo.ErrInvalidCoordinates) {
		t.Errorf("NaN contractor: err = %v, want ErrInvalidProfile", err)
	}

	req = makeRequest()
	req.Service = ""
	if _, err := m.FindBestMatches(req, nil, 5); !errors.Is(err, ErrMissingService) {
		t.Errorf("missing service: err = %v", err)
	}

	req = makeRequest()
	req.Urgency = "whenever"
	if _, err := m.FindBestMatches(req, nil, 5); !errors.Is(err, ErrUnknownUrgency) {
		t.Errorf("bad urgency: err = %v", err)
	}
}

func TestParseUrgency(t *testing.T) {
	cases := map[string]Urgency{"": UrgencyStandard, "Urgent": UrgencyUrgent, " emergency ": UrgencyEmergency}
	for in, want := range cases {
		got, err := ParseUrgency(in)
		if err != nil || got != want {
			t.Errorf("ParseUrgency(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseUrgency("asap"); !errors.Is(err, ErrUnknownUrgency) {
		t.Errorf("asap: err = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Batch
// ---------------------------------------------------------------------------

func TestMatchBatchOneResultPerJob(t *testing.T) {
	services := []string{"plumbing", "electrical", "hvac"}
	var pool []contractor.Profile
	for i := 0; i < 10; i++ {
		p := makeContractor(fmt.Sprintf("c%d", i), float64(i*3))
		p.Services = []string{services[i%3]}
		if i == 9 {
			p.Services = services
		}
		pool = append(pool, p)
	}
	var reqs []ServiceRequest
	for i, svc := range services {
		r := makeRequest()
		r.ID = types.ID(fmt.Sprintf("job-%d", i))
		r.Service = svc
		reqs = append(reqs, r)
	}
	bad := makeRequest()
	bad.ID = "job-bad"
	bad.Location.Lat = 91
	reqs = append(reqs, bad)

	m := NewMatcher(DefaultOptions())
	results, err := m.MatchBatch(context.Background(), reqs, pool, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != len(reqs) {
		t.Fatalf("results = %d, want %d", len(results), len(reqs))
	}
	for i, r := range results {
		if r.RequestID != reqs[i].ID {
			t.Errorf("result %d is for %s, want %s", i, r.RequestID, reqs[i].ID)
		}
		want, _ := m.FindBestMatches(reqs[i], pool, 10)
		if len(r.Matches) != len(want) {
			t.Errorf("%s: %d matches, want %d", r.RequestID, len(r.Matches), len(want))
		}
		for _, ms := range r.Matches {
			if !ms.Contractor.OffersService(reqs[i].Service) {
				t.Errorf("%s: %s does not offer %s", r.RequestID, ms.ContractorID, reqs[i].Service)
			}
		}
	}
	if results[3].Err == nil || results[3].Error == "" {
		t.Errorf("invalid request should carry its error")
	}
}

func TestMatchBatchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMatcher(DefaultOptions()).MatchBatch(ctx, []ServiceRequest{makeRequest()}, nil, 5)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
