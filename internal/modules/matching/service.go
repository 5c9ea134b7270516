// README: Matching service loads candidates, runs the matcher and refines ETAs for the caller.
package matching

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"homematch/internal/metrics"
	"homematch/internal/modules/contractor"
	"homematch/internal/modules/geo"
	"homematch/internal/types"
)

// pendingTriage stands in for the service type while input is checked ahead
// of classification.
const pendingTriage = "pending-triage"

// Classification is a triage result for a free-text job description.
type Classification struct {
	Service string  `json:"service"`
	Urgency Urgency `json:"urgency"`
}

// Classifier resolves a missing service type from the request description.
type Classifier interface {
	Classify(ctx context.Context, description string) (Classification, error)
}

// NearbyIndex narrows the registry to contractors inside the search radius.
type NearbyIndex interface {
	Nearby(ctx context.Context, p types.Point, radius float64, unit geo.Unit) ([]types.ID, error)
}

// ETAEstimator returns road travel minutes from each origin to dest, in origin order.
type ETAEstimator interface {
	TravelMinutes(ctx context.Context, origins []types.Point, dest types.Point) ([]float64, error)
}

// Outcome is what the service returns to HTTP callers and the dispatcher.
type Outcome struct {
	Request    ServiceRequest       `json:"request"`
	Matches    []MatchScore         `json:"matches"`
	Considered int                  `json:"considered"`
	Rejected   map[RejectReason]int `json:"rejected,omitempty"`
	Triaged    bool                 `json:"triaged,omitempty"`
}

type Service struct {
	source     contractor.Source
	matcher    *Matcher
	log        *zap.Logger
	metrics    *metrics.Metrics
	classifier Classifier
	index      NearbyIndex
	eta        ETAEstimator
	now        func() time.Time
}

func NewService(source contractor.Source, matcher *Matcher, log *zap.Logger, m *metrics.Metrics) *Service {
	return &Service{
		source:  source,
		matcher: matcher,
		log:     log.Named("matching"),
		metrics: m,
		now:     time.Now,
	}
}

func (s *Service) UseClassifier(c Classifier) { s.classifier = c }
func (s *Service) UseNearbyIndex(i NearbyIndex) { s.index = i }
func (s *Service) UseETA(e ETAEstimator)        { s.eta = e }

func (s *Service) Matcher() *Matcher { return s.matcher }

func (s *Service) HasClassifier() bool { return s.classifier != nil }

// NeedsTriage reports whether req will be sent to the classifier.
func (s *Service) NeedsTriage(req ServiceRequest) bool {
	return s.classifier != nil && req.Service == "" && req.Description != ""
}

// CheckInput validates req up to the service type, which triage supplies when
// the request only carries a description. Callers run it before charging for
// a classification.
func (s *Service) CheckInput(req ServiceRequest) error {
	if req.Urgency == "" {
		req.Urgency = UrgencyStandard
	}
	if s.NeedsTriage(req) {
		req.Service = pendingTriage
	}
	return req.Validate()
}

// Match loads candidates for req from the registry and ranks them.
func (s *Service) Match(ctx context.Context, req ServiceRequest, limit int) (Outcome, error) {
	return s.match(ctx, req, nil, limit)
}

// MatchWith ranks an explicit contractor list instead of the registry.
func (s *Service) MatchWith(ctx context.Context, req ServiceRequest, pool []contractor.Profile, limit int) (Outcome, error) {
	if pool == nil {
		pool = []contractor.Profile{}
	}
	return s.match(ctx, req, pool, limit)
}

func (s *Service) match(ctx context.Context, req ServiceRequest, pool []contractor.Profile, limit int) (Outcome, error) {
	start := time.Now()
	out := Outcome{}

	req, triaged, err := s.prepare(ctx, req)
	if err != nil {
		s.metrics.ObserveMatch(string(req.Urgency), "invalid", time.Since(start), 0)
		return Outcome{}, err
	}
	out.Request = req
	out.Triaged = triaged

	dropped := 0
	if pool == nil {
		pool, err = s.candidates(ctx, req)
		if err != nil {
			s.metrics.ObserveMatch(string(req.Urgency), "error", time.Since(start), 0)
			return Outcome{}, err
		}
		pool, dropped = s.dropInvalid(pool)
	}

	ev, err := s.matcher.Evaluate(req, pool, limit)
	if err != nil {
		s.metrics.ObserveMatch(string(req.Urgency), "invalid", time.Since(start), 0)
		return Outcome{}, err
	}
	if dropped > 0 {
		ev.Considered += dropped
		ev.Rejected[RejectInvalid] += dropped
	}
	for reason, n := range ev.Rejected {
		s.metrics.AddRejects(string(reason), n)
	}
	s.refineETA(ctx, req, ev.Matches)

	out.Matches = ev.Matches
	out.Considered = ev.Considered
	out.Rejected = ev.Rejected

	result := "ok"
	if len(ev.Matches) == 0 {
		result = "empty"
		s.log.Info("no contractors matched",
			zap.String("request_id", string(req.ID)),
			zap.String("service", req.Service),
			zap.String("urgency", string(req.Urgency)),
			zap.Int("considered", ev.Considered))
	}
	s.metrics.ObserveMatch(string(req.Urgency), result, time.Since(start), len(ev.Matches))
	return out, nil
}

// MatchBatch loads the union of candidates for every service in reqs once and
// matches all requests against it.
func (s *Service) MatchBatch(ctx context.Context, reqs []ServiceRequest, limit int) ([]BatchResult, error) {
	prepared := s.prepareAll(ctx, reqs)
	byService := map[string]bool{}
	for _, p := range prepared {
		if p.Service != "" {
			byService[p.Service] = true
		}
	}

	var pool []contractor.Profile
	seen := map[types.ID]bool{}
	for _, svc := range slices.Sorted(maps.Keys(byService)) {
		list, err := s.source.ListByService(ctx, svc)
		if err != nil {
			return nil, fmt.Errorf("loading contractors for %s: %w", svc, err)
		}
		for _, p := range list {
			if !seen[p.ID] {
				seen[p.ID] = true
				pool = append(pool, p)
			}
		}
	}
	pool, _ = s.dropInvalid(pool)
	return s.matchBatch(ctx, prepared, pool, limit)
}

// MatchBatchWith matches every request against an explicit contractor list.
func (s *Service) MatchBatchWith(ctx context.Context, reqs []ServiceRequest, pool []contractor.Profile, limit int) ([]BatchResult, error) {
	return s.matchBatch(ctx, s.prepareAll(ctx, reqs), pool, limit)
}

// prepareAll fills defaults for each request. A request that fails to
// prepare is still passed on so the matcher reports the error in its slot.
func (s *Service) prepareAll(ctx context.Context, reqs []ServiceRequest) []ServiceRequest {
	prepared := make([]ServiceRequest, len(reqs))
	for i, r := range reqs {
		p, _, err := s.prepare(ctx, r)
		if err != nil && !errors.Is(err, ErrInvalidRequest) {
			s.log.Warn("preparing batch request", zap.String("request_id", string(p.ID)), zap.Error(err))
		}
		prepared[i] = p
	}
	return prepared
}

func (s *Service) matchBatch(ctx context.Context, reqs []ServiceRequest, pool []contractor.Profile, limit int) ([]BatchResult, error) {
	start := time.Now()
	results, err := s.matcher.MatchBatch(ctx, reqs, pool, limit)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		result := "ok"
		switch {
		case r.Err != nil:
			result = "invalid"
		case len(r.Matches) == 0:
			result = "empty"
		}
		s.metrics.ObserveMatch("batch", result, time.Since(start), len(r.Matches))
	}
	return results, nil
}

// prepare fills defaults and resolves the service type through triage when
// only a description was given.
func (s *Service) prepare(ctx context.Context, req ServiceRequest) (ServiceRequest, bool, error) {
	if req.ID == "" {
		req.ID = types.ID(uuid.NewString())
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = s.now()
	}
	if req.Urgency == "" {
		req.Urgency = UrgencyStandard
	}
	triaged := false
	if s.NeedsTriage(req) {
		if err := s.CheckInput(req); err != nil {
			return req, false, err
		}
		c, err := s.classifier.Classify(ctx, req.Description)
		if err != nil {
			return req, false, fmt.Errorf("triaging request %s: %w", req.ID, err)
		}
		req.Service = c.Service
		// triage may escalate urgency but never downgrade what the customer chose
		if c.Urgency == UrgencyEmergency || (c.Urgency == UrgencyUrgent && req.Urgency == UrgencyStandard) {
			req.Urgency = c.Urgency
		}
		triaged = true
	}
	if err := req.Validate(); err != nil {
		return req, triaged, err
	}
	return req, triaged, nil
}

func (s *Service) candidates(ctx context.Context, req ServiceRequest) ([]contractor.Profile, error) {
	pool, err := s.source.ListByService(ctx, req.Service)
	if err != nil {
		return nil, fmt.Errorf("loading contractors for %s: %w", req.Service, err)
	}
	if s.index == nil {
		return pool, nil
	}
	ids, err := s.index.Nearby(ctx, req.Location, s.matcher.RadiusMiles(req), geo.Miles)
	if err != nil {
		s.log.Warn("geo prefilter unavailable, scoring full pool",
			zap.String("request_id", string(req.ID)), zap.Error(err))
		return pool, nil
	}
	near := make(map[types.ID]bool, len(ids))
	for _, id := range ids {
		near[id] = true
	}
	filtered := pool[:0:0]
	for _, p := range pool {
		if near[p.ID] {
			filtered = append(filtered, p)
		}
	}
	return filtered, nil
}

// dropInvalid removes registry profiles that fail validation so one bad row
// cannot fail every match. Caller-supplied pools are not filtered.
func (s *Service) dropInvalid(pool []contractor.Profile) ([]contractor.Profile, int) {
	kept := pool[:0:0]
	for _, p := range pool {
		if err := p.Validate(); err != nil {
			s.log.Warn("skipping invalid contractor profile",
				zap.String("contractor_id", string(p.ID)), zap.Error(err))
			continue
		}
		kept = append(kept, p)
	}
	return kept, len(pool) - len(kept)
}

// refineETA replaces the straight-line estimate with road travel time when an
// estimator is configured. Failures keep the haversine estimate.
func (s *Service) refineETA(ctx context.Context, req ServiceRequest, matches []MatchScore) {
	if s.eta == nil || len(matches) == 0 {
		return
	}
	origins := make([]types.Point, len(matches))
	for i, m := range matches {
		origins[i] = m.Contractor.Location
	}
	minutes, err := s.eta.TravelMinutes(ctx, origins, req.Location)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.log.Warn("eta refinement failed", zap.String("request_id", string(req.ID)), zap.Error(err))
		}
		return
	}
	for i := range matches {
		if i >= len(minutes) || minutes[i] < 0 || math.IsNaN(minutes[i]) {
			continue
		}
		matches[i].EstimatedArrivalMinutes = int(math.Ceil(minutes[i] + matches[i].Contractor.ResponseTimeMinutes))
	}
}
