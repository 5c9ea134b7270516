// README: Prometheus collectors for matching and dispatch.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	MatchRequests     *prometheus.CounterVec
	MatchDuration     prometheus.Histogram
	CandidatesRejects *prometheus.CounterVec
	MatchesReturned   prometheus.Histogram
	DispatchOutcomes  *prometheus.CounterVec
	OfferOutcomes     *prometheus.CounterVec
	OfferLatency      prometheus.Histogram
	DispatchesActive  prometheus.Gauge
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MatchRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "homematch_match_requests_total",
			Help: "Match requests by urgency and result.",
		}, []string{"urgency", "result"}),
		MatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "homematch_match_duration_seconds",
			Help:    "Time spent loading, filtering and scoring candidates.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		CandidatesRejects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "homematch_candidates_rejected_total",
			Help: "Contractors removed before scoring, by filter.",
		}, []string{"reason"}),
		MatchesReturned: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "homematch_matches_returned",
			Help:    "Number of matches returned per request.",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		}),
		DispatchOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "homematch_dispatch_outcomes_total",
			Help: "Finished dispatches by status.",
		}, []string{"status"}),
		OfferOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "homematch_offer_outcomes_total",
			Help: "Individual contractor offers by outcome.",
		}, []string{"outcome"}),
		OfferLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "homematch_offer_latency_seconds",
			Help:    "Time from offer to contractor response or timeout.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		DispatchesActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "homematch_dispatches_active",
			Help: "Dispatches currently offering to contractors.",
		}),
	}
}

func (m *Metrics) ObserveMatch(urgency, result string, took time.Duration, returned int) {
	if m == nil {
		return
	}
	m.MatchRequests.WithLabelValues(urgency, result).Inc()
	m.MatchDuration.Observe(took.Seconds())
	m.MatchesReturned.Observe(float64(returned))
}

func (m *Metrics) AddRejects(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.CandidatesRejects.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) ObserveOffer(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.OfferOutcomes.WithLabelValues(outcome).Inc()
	m.OfferLatency.Observe(took.Seconds())
}

func (m *Metrics) DispatchStarted() {
	if m == nil {
		return
	}
	m.DispatchesActive.Inc()
}

func (m *Metrics) DispatchFinished(status string) {
	if m == nil {
		return
	}
	m.DispatchesActive.Dec()
	m.DispatchOutcomes.WithLabelValues(status).Inc()
}
