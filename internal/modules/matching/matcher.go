// README: Matcher filters candidates, scores survivors and returns the top N.
package matching

import (
	"fmt"
	"sort"

	"homematch/internal/modules/contractor"
	"homematch/internal/modules/geo"
)

// RejectReason names the filter that removed a contractor.
type RejectReason string

const (
	RejectService    RejectReason = "service"
	RejectCapacity   RejectReason = "capacity"
	RejectRadius     RejectReason = "radius"
	RejectAcceptance RejectReason = "acceptance_rate"
	RejectMinRating  RejectReason = "min_rating"
	RejectExcluded   RejectReason = "excluded"
	RejectInvalid    RejectReason = "invalid_profile"
)

type Options struct {
	StandardRadiusMiles  float64
	ExpeditedRadiusMiles float64
	PremiumMinAcceptance float64
	DefaultLimit         int
	MaxLimit             int
	Unit                 geo.Unit
	BatchConcurrency     int
}

func DefaultOptions() Options {
	return Options{
		StandardRadiusMiles:  25,
		ExpeditedRadiusMiles: 50,
		PremiumMinAcceptance: 0.85,
		DefaultLimit:         10,
		MaxLimit:             50,
		Unit:                 geo.Miles,
		BatchConcurrency:     8,
	}
}

// Evaluation is the full outcome of one match run.
type Evaluation struct {
	Matches    []MatchScore
	Considered int
	Rejected   map[RejectReason]int
}

type Matcher struct {
	opts   Options
	scorer Scorer
}

func NewMatcher(opts Options) *Matcher {
	def := DefaultOptions()
	if opts.StandardRadiusMiles <= 0 {
		opts.StandardRadiusMiles = def.StandardRadiusMiles
	}
	if opts.ExpeditedRadiusMiles <= 0 {
		opts.ExpeditedRadiusMiles = def.ExpeditedRadiusMiles
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = def.DefaultLimit
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = def.MaxLimit
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = def.BatchConcurrency
	}
	if opts.Unit == "" {
		opts.Unit = def.Unit
	}
	return &Matcher{opts: opts, scorer: NewScorer(opts.Unit)}
}

func (m *Matcher) Options() Options { return m.opts }

// RadiusMiles is the search radius for the request's urgency.
func (m *Matcher) RadiusMiles(req ServiceRequest) float64 {
	if req.Urgency.Expedited() {
		return m.opts.ExpeditedRadiusMiles
	}
	return m.opts.StandardRadiusMiles
}

// Limit normalizes a caller-supplied limit.
func (m *Matcher) Limit(limit int) int {
	if limit <= 0 {
		return m.opts.DefaultLimit
	}
	if limit > m.opts.MaxLimit {
		return m.opts.MaxLimit
	}
	return limit
}

// FindBestMatches ranks contractors for req. An empty result is not an error.
func (m *Matcher) FindBestMatches(req ServiceRequest, contractors []contractor.Profile, limit int) ([]MatchScore, error) {
	ev, err := m.Evaluate(req, contractors, limit)
	if err != nil {
		return nil, err
	}
	return ev.Matches, nil
}

// Evaluate is FindBestMatches plus per-filter rejection counts.
func (m *Matcher) Evaluate(req ServiceRequest, contractors []contractor.Profile, limit int) (Evaluation, error) {
	if err := req.Validate(); err != nil {
		return Evaluation{}, err
	}
	for _, p := range contractors {
		if err := p.Validate(); err != nil {
			return Evaluation{}, fmt.Errorf("request %s: %w", req.ID, err)
		}
	}

	ev := Evaluation{
		Matches:    []MatchScore{},
		Considered: len(contractors),
		Rejected:   map[RejectReason]int{},
	}
	radius := m.RadiusMiles(req)
	for _, p := range contractors {
		if reason, ok := m.reject(req, p); ok {
			ev.Rejected[reason]++
			continue
		}
		miles := geo.DistanceMiles(req.Location, p.Location)
		if miles > radius {
			ev.Rejected[RejectRadius]++
			continue
		}
		s, err := m.scorer.Score(req, p, miles)
		if err != nil {
			return Evaluation{}, fmt.Errorf("request %s: %w", req.ID, err)
		}
		ev.Matches = append(ev.Matches, s)
	}

	sort.SliceStable(ev.Matches, func(i, j int) bool {
		return ev.Matches[i].Score > ev.Matches[j].Score
	})
	if n := m.Limit(limit); len(ev.Matches) > n {
		ev.Matches = ev.Matches[:n]
	}
	return ev, nil
}

func (m *Matcher) reject(req ServiceRequest, p contractor.Profile) (RejectReason, bool) {
	switch {
	case !p.OffersService(req.Service):
		return RejectService, true
	case !p.HasCapacity():
		return RejectCapacity, true
	case req.Preferences.excludes(p.ID):
		return RejectExcluded, true
	case req.IsPremium && p.AcceptanceRate < m.opts.PremiumMinAcceptance:
		return RejectAcceptance, true
	case p.Rating < req.Preferences.MinRating:
		return RejectMinRating, true
	}
	return "", false
}
