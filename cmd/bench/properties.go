// README: In-process property cases over a synthetic contractor pool; no infra needed.
package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"homematch/internal/modules/contractor"
	"homematch/internal/modules/dispatch"
	"homematch/internal/modules/geo"
	"homematch/internal/modules/matching"
	"homematch/internal/types"
)

// milesPerDegreeLat is close enough for placing fixtures north of the center.
const milesPerDegreeLat = 69.09

var (
	benchCenter = types.Point{Lat: 40.7128, Lng: -74.0060}
	// Monday 10:00 UTC, inside the fixture working hours.
	benchTime = time.Date(2026, time.October, 12, 10, 0, 0, 0, time.UTC)
	services  = []string{"plumbing", "electrical", "hvac", "roofing", "cleaning"}
)

func workingWeek() contractor.WeeklyAvailability {
	w := contractor.WeeklyAvailability{}
	for _, d := range []string{"monday", "tuesday", "wednesday", "thursday", "friday"} {
		w[d] = contractor.DayWindow{Available: true, Start: "08:00", End: "18:00"}
	}
	return w
}

func north(miles float64) types.Point {
	return types.Point{Lat: benchCenter.Lat + miles/milesPerDegreeLat, Lng: benchCenter.Lng}
}

func fixture(id string, miles float64) contractor.Profile {
	return contractor.Profile{
		ID:                  types.ID(id),
		Location:            north(miles),
		Services:            []string{"plumbing"},
		Rating:              4.5,
		CompletedJobs:       40,
		ResponseTimeMinutes: 15,
		AcceptanceRate:      0.9,
		HourlyRate:          80,
		MaxConcurrentJobs:   2,
		Availability:        workingWeek(),
	}
}

// syntheticPool scatters n contractors within roughly 60 miles of the center.
func syntheticPool(n int, seed int64) []contractor.Profile {
	rng := rand.New(rand.NewSource(seed))
	pool := make([]contractor.Profile, 0, n)
	for i := 0; i < n; i++ {
		maxJobs := 1 + rng.Intn(3)
		p := contractor.Profile{
			ID: types.ID(fmt.Sprintf("c-%04d", i)),
			Location: types.Point{
				Lat: benchCenter.Lat + (rng.Float64()*2-1)*0.85,
				Lng: benchCenter.Lng + (rng.Float64()*2-1)*1.1,
			},
			Services:            []string{services[rng.Intn(len(services))], services[rng.Intn(len(services))]},
			Rating:              1 + rng.Float64()*4,
			CompletedJobs:       rng.Intn(300),
			ResponseTimeMinutes: 5 + rng.Float64()*85,
			AcceptanceRate:      rng.Float64(),
			HourlyRate:          40 + rng.Float64()*110,
			EmergencyAvailable:  rng.Intn(3) == 0,
			CurrentJobs:         rng.Intn(maxJobs + 1),
			MaxConcurrentJobs:   maxJobs,
			Availability:        workingWeek(),
		}
		if rng.Intn(4) == 0 {
			p.Certifications = []string{"licensed"}
		}
		pool = append(pool, p)
	}
	return pool
}

func benchRequest(id string, urgency matching.Urgency) matching.ServiceRequest {
	return matching.ServiceRequest{
		ID:                     types.ID(id),
		Service:                "plumbing",
		Location:               benchCenter,
		RequestedAt:            benchTime,
		Urgency:                urgency,
		EstimatedDurationHours: 2,
		PriceRange:             matching.PriceRange{Min: 50, Max: 120},
	}
}

func pass(note string, args ...any) Result {
	return Result{Status: StatusPass, Note: fmt.Sprintf(note, args...)}
}

func failf(note string, args ...any) Result {
	return Result{Status: StatusFail, Note: fmt.Sprintf(note, args...)}
}

func (r *Runner) propertyCases() []TestCase {
	matcher := matching.NewMatcher(matching.DefaultOptions())
	pool := syntheticPool(r.cfg.PoolSize, r.cfg.Seed)

	return []TestCase{
		{
			Name:  "Geo: distance symmetric",
			Focus: "d(a,b) == d(b,a) and d(a,a) == 0",
			Run: func(ctx context.Context, r *Runner) Result {
				for _, p := range pool {
					ab := geo.DistanceMiles(benchCenter, p.Location)
					ba := geo.DistanceMiles(p.Location, benchCenter)
					if math.Abs(ab-ba) > 1e-9 {
						return failf("%s: %.6f != %.6f", p.ID, ab, ba)
					}
				}
				if d := geo.DistanceMiles(benchCenter, benchCenter); d != 0 {
					return failf("self distance %.6f", d)
				}
				return pass("pairs=%d", len(pool))
			},
		},
		{
			Name:  "Match: ordered, limited, factors in range",
			Focus: "scores non-increasing; len <= limit; every factor in [0,1]",
			Run: func(ctx context.Context, r *Runner) Result {
				for _, u := range []matching.Urgency{matching.UrgencyStandard, matching.UrgencyUrgent, matching.UrgencyEmergency} {
					matches, err := matcher.FindBestMatches(benchRequest("order-"+string(u), u), pool, 7)
					if err != nil {
						return failf("%s: %v", u, err)
					}
					if len(matches) > 7 {
						return failf("%s: %d results over limit", u, len(matches))
					}
					for i, m := range matches {
						if i > 0 && m.Score > matches[i-1].Score {
							return failf("%s: rank %d score %.4f above rank %d", u, i, m.Score, i-1)
						}
						for _, f := range m.Breakdown.Factors() {
							if f < 0 || f > 1 {
								return failf("%s: %s factor %.4f", u, m.ContractorID, f)
							}
						}
					}
				}
				return pass("pool=%d", len(pool))
			},
		},
		{
			Name:  "Match: min rating honored",
			Focus: "no result below the customer's minimum rating",
			Run: func(ctx context.Context, r *Runner) Result {
				req := benchRequest("min-rating", matching.UrgencyStandard)
				req.Preferences.MinRating = 4
				matches, err := matcher.FindBestMatches(req, pool, 50)
				if err != nil {
					return failf("%v", err)
				}
				for _, m := range matches {
					if m.Contractor.Rating < 4 {
						return failf("%s has rating %.2f", m.ContractorID, m.Contractor.Rating)
					}
				}
				return pass("results=%d", len(matches))
			},
		},
		{
			Name:  "Match: nearer contractor ranks first",
			Focus: "5 mi beats 20 mi when everything else is equal",
			Run: func(ctx context.Context, r *Runner) Result {
				far, near := fixture("far", 20), fixture("near", 5)
				matches, err := matcher.FindBestMatches(benchRequest("near-far", matching.UrgencyStandard), []contractor.Profile{far, near}, 10)
				if err != nil {
					return failf("%v", err)
				}
				if len(matches) != 2 || matches[0].ContractorID != "near" {
					return failf("got %v", ids(matches))
				}
				return pass("scores %.3f > %.3f", matches[0].Score, matches[1].Score)
			},
		},
		{
			Name:  "Match: emergency widens radius",
			Focus: "30 mi contractor excluded for standard, included for emergency",
			Run: func(ctx context.Context, r *Runner) Result {
				p := fixture("thirty", 30)
				p.EmergencyAvailable = true
				pool := []contractor.Profile{p}
				standard, err := matcher.FindBestMatches(benchRequest("std", matching.UrgencyStandard), pool, 10)
				if err != nil {
					return failf("%v", err)
				}
				emergency, err := matcher.FindBestMatches(benchRequest("emg", matching.UrgencyEmergency), pool, 10)
				if err != nil {
					return failf("%v", err)
				}
				if len(standard) != 0 || len(emergency) != 1 {
					return failf("standard=%d emergency=%d", len(standard), len(emergency))
				}
				return pass("eta=%dmin", emergency[0].EstimatedArrivalMinutes)
			},
		},
		{
			Name:  "Match: premium acceptance gate",
			Focus: "premium requests skip contractors under the acceptance threshold",
			Run: func(ctx context.Context, r *Runner) Result {
				low := fixture("low-acceptance", 3)
				low.AcceptanceRate = 0.5
				req := benchRequest("premium", matching.UrgencyStandard)
				req.IsPremium = true
				matches, err := matcher.FindBestMatches(req, []contractor.Profile{low, fixture("reliable", 4)}, 10)
				if err != nil {
					return failf("%v", err)
				}
				if len(matches) != 1 || matches[0].ContractorID != "reliable" {
					return failf("got %v", ids(matches))
				}
				return pass("boosts rating=%.2f response=%.2f", matches[0].Boosts.Rating, matches[0].Boosts.ResponseTime)
			},
		},
		{
			Name:  "Match: ties keep input order",
			Focus: "identical contractors are returned in the order supplied",
			Run: func(ctx context.Context, r *Runner) Result {
				b, a := fixture("tie-b", 6), fixture("tie-a", 6)
				matches, err := matcher.FindBestMatches(benchRequest("tie", matching.UrgencyStandard), []contractor.Profile{b, a}, 10)
				if err != nil {
					return failf("%v", err)
				}
				if got := ids(matches); len(got) != 2 || got[0] != "tie-b" || got[1] != "tie-a" {
					return failf("got %v", got)
				}
				return pass("score=%.4f", matches[0].Score)
			},
		},
		{
			Name:  "Batch: one result per request",
			Focus: "results in request order; invalid requests fail alone",
			Run: func(ctx context.Context, r *Runner) Result {
				reqs := make([]matching.ServiceRequest, 0, 25)
				for i := 0; i < 24; i++ {
					req := benchRequest(fmt.Sprintf("batch-%02d", i), matching.UrgencyStandard)
					req.Service = services[i%len(services)]
					reqs = append(reqs, req)
				}
				bad := benchRequest("batch-bad", matching.UrgencyStandard)
				bad.Location = types.Point{Lat: 123}
				reqs = append(reqs, bad)

				results, err := matcher.MatchBatch(ctx, reqs, pool, 5)
				if err != nil {
					return failf("%v", err)
				}
				if len(results) != len(reqs) {
					return failf("%d results for %d requests", len(results), len(reqs))
				}
				for i, res := range results {
					if res.RequestID != reqs[i].ID {
						return failf("slot %d holds %s", i, res.RequestID)
					}
				}
				if last := results[len(results)-1]; !errors.Is(last.Err, matching.ErrInvalidRequest) {
					return failf("bad request err = %v", last.Err)
				}
				return pass("requests=%d", len(reqs))
			},
		},
		{
			Name:  "Dispatch: first acceptance wins",
			Focus: "decline then accept assigns the second candidate",
			Run: func(ctx context.Context, r *Runner) Result {
				res := runDispatch(ctx, scripted{"first": dispatch.OfferDeclined, "second": dispatch.OfferAccepted, "third": dispatch.OfferAccepted}, "first", "second", "third")
				if res.Status != dispatch.StatusAccepted || res.ContractorID != "second" || res.AttemptedCount != 2 {
					return failf("status=%s contractor=%s attempts=%d", res.Status, res.ContractorID, res.AttemptedCount)
				}
				return pass("attempts=%d", res.AttemptedCount)
			},
		},
		{
			Name:  "Dispatch: everyone declines",
			Focus: "declines and timeouts exhaust the list as unassigned",
			Run: func(ctx context.Context, r *Runner) Result {
				res := runDispatch(ctx, scripted{"first": dispatch.OfferDeclined, "second": dispatch.OfferTimedOut}, "first", "second")
				if res.Status != dispatch.StatusUnassigned || res.AttemptedCount != 2 {
					return failf("status=%s attempts=%d", res.Status, res.AttemptedCount)
				}
				return pass("attempts=%d", res.AttemptedCount)
			},
		},
		{
			Name:  "Dispatch: cancellation stops offers",
			Focus: "a cancelled context ends the dispatch as cancelled",
			Run: func(ctx context.Context, r *Runner) Result {
				ctx, cancel := context.WithCancel(ctx)
				cancel()
				res := runDispatch(ctx, scripted{"first": dispatch.OfferAccepted}, "first")
				if res.Status != dispatch.StatusCancelled || res.ContractorID != "" {
					return failf("status=%s contractor=%s", res.Status, res.ContractorID)
				}
				return pass("attempts=%d", res.AttemptedCount)
			},
		},
		{
			Name:  "Perf: matching latency",
			Focus: "p50/p99 of FindBestMatches over the synthetic pool under concurrency",
			Run: func(ctx context.Context, r *Runner) Result {
				return matchLatency(ctx, r, matcher, pool)
			},
		},
	}
}

func ids(matches []matching.MatchScore) []types.ID {
	out := make([]types.ID, len(matches))
	for i, m := range matches {
		out[i] = m.ContractorID
	}
	return out
}

// scripted answers each offer with the state listed for its contractor.
type scripted map[types.ID]dispatch.OfferState

func (s scripted) Offer(ctx context.Context, o dispatch.Offer) (dispatch.OfferState, error) {
	if err := ctx.Err(); err != nil {
		return dispatch.OfferWithdrawn, nil
	}
	if state, ok := s[o.Contractor.ID]; ok {
		return state, nil
	}
	return dispatch.OfferDeclined, nil
}

func runDispatch(ctx context.Context, channel dispatch.OfferChannel, order ...string) dispatch.Result {
	matches := make([]matching.MatchScore, 0, len(order))
	for i, id := range order {
		p := fixture(id, float64(i+1))
		matches = append(matches, matching.MatchScore{ContractorID: p.ID, Contractor: p})
	}
	d := dispatch.NewDispatcher(channel, dispatch.Config{OfferTimeout: time.Second}, zap.NewNop())
	return d.Dispatch(ctx, benchRequest("dispatch", matching.UrgencyUrgent), matches)
}

func matchLatency(ctx context.Context, r *Runner, matcher *matching.Matcher, pool []contractor.Profile) Result {
	end := time.Now().Add(r.cfg.Duration)
	var mu sync.Mutex
	var samples []time.Duration
	var firstErr error
	wg := sync.WaitGroup{}

	for w := 0; w < r.cfg.Concurrency; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			urgencies := []matching.Urgency{matching.UrgencyStandard, matching.UrgencyUrgent, matching.UrgencyEmergency}
			for i := 0; time.Now().Before(end) && ctx.Err() == nil; i++ {
				req := benchRequest(fmt.Sprintf("perf-%d-%d", w, i), urgencies[i%len(urgencies)])
				req.Service = services[i%len(services)]
				start := time.Now()
				_, err := matcher.FindBestMatches(req, pool, 10)
				took := time.Since(start)
				mu.Lock()
				if err != nil && firstErr == nil {
					firstErr = err
				}
				samples = append(samples, took)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if firstErr != nil {
		return failf("%v", firstErr)
	}
	if len(samples) == 0 {
		return failf("no samples")
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	p50 := samples[len(samples)/2]
	p99 := samples[len(samples)*99/100]
	return Result{
		Status:  StatusPass,
		Latency: p50,
		Note:    fmt.Sprintf("runs=%d p99=%s pool=%d", len(samples), p99, len(pool)),
	}
}
