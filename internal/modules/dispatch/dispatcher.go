// README: Sequential offer loop. One contractor at a time, in rank order, until one accepts.
package dispatch

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"homematch/internal/modules/matching"
	"homematch/internal/types"
)

const DefaultOfferTimeout = 30 * time.Second

// OfferChannel delivers an offer and waits for the contractor's answer. ctx
// carries the offer deadline; implementations return OfferTimedOut (or a
// context.DeadlineExceeded error) when it passes.
type OfferChannel interface {
	Offer(ctx context.Context, o Offer) (OfferState, error)
}

type Config struct {
	// OfferTimeout bounds each offer. Zero means DefaultOfferTimeout.
	OfferTimeout time.Duration
	// TimeoutDecay multiplies the timeout for each later candidate; 0 or 1 disables it.
	TimeoutDecay float64
	// MinTimeout floors decayed timeouts.
	MinTimeout time.Duration
}

// Hooks observe offers as they happen. Both may be nil.
type Hooks struct {
	OfferSent     func(Offer)
	OfferResolved func(Offer, Attempt)
}

type Dispatcher struct {
	channel OfferChannel
	cfg     Config
	log     *zap.Logger
	hooks   Hooks
	now     func() time.Time
}

func NewDispatcher(channel OfferChannel, cfg Config, log *zap.Logger) *Dispatcher {
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = DefaultOfferTimeout
	}
	return &Dispatcher{channel: channel, cfg: cfg, log: log.Named("dispatcher"), now: time.Now}
}

func (d *Dispatcher) SetHooks(h Hooks) { d.hooks = h }

// TimeoutFor returns the offer timeout for the candidate at rank (0-based).
func (d *Dispatcher) TimeoutFor(rank int) time.Duration {
	t := d.cfg.OfferTimeout
	if d.cfg.TimeoutDecay > 0 && d.cfg.TimeoutDecay != 1 && rank > 0 {
		t = time.Duration(float64(t) * math.Pow(d.cfg.TimeoutDecay, float64(rank)))
	}
	if d.cfg.MinTimeout > 0 && t < d.cfg.MinTimeout {
		t = d.cfg.MinTimeout
	}
	return t
}

// Dispatch offers the job in rank order and stops at the first acceptance.
func (d *Dispatcher) Dispatch(ctx context.Context, req matching.ServiceRequest, matches []matching.MatchScore) Result {
	return d.DispatchWithID(ctx, types.ID(uuid.NewString()), req, matches)
}

func (d *Dispatcher) DispatchWithID(ctx context.Context, id types.ID, req matching.ServiceRequest, matches []matching.MatchScore) Result {
	res := Result{
		DispatchID: id,
		RequestID:  req.ID,
		Status:     StatusRunning,
		Attempts:   []Attempt{},
		StartedAt:  d.now(),
	}
	finish := func(s Status) Result {
		res.Status = s
		t := d.now()
		res.FinishedAt = &t
		return res
	}

	for rank, m := range matches {
		if ctx.Err() != nil {
			return finish(StatusCancelled)
		}
		o := Offer{
			ID:         types.ID(uuid.NewString()),
			DispatchID: id,
			Rank:       rank,
			Contractor: m.Contractor,
			Request:    req,
			Match:      m,
			Timeout:    d.TimeoutFor(rank),
		}
		a := d.attempt(ctx, o)
		res.Attempts = append(res.Attempts, a)
		res.AttemptedCount++

		switch a.State {
		case OfferAccepted:
			match := m
			res.Match = &match
			res.ContractorID = m.ContractorID
			return finish(StatusAccepted)
		case OfferWithdrawn:
			return finish(StatusCancelled)
		}
	}
	if ctx.Err() != nil {
		return finish(StatusCancelled)
	}
	return finish(StatusUnassigned)
}

func (d *Dispatcher) attempt(ctx context.Context, o Offer) Attempt {
	start := d.now()
	o.ExpiresAt = start.Add(o.Timeout)
	if d.hooks.OfferSent != nil {
		d.hooks.OfferSent(o)
	}

	octx, cancel := context.WithTimeout(ctx, o.Timeout)
	state, err := d.channel.Offer(octx, o)
	cancel()

	a := Attempt{
		OfferID:      o.ID,
		ContractorID: o.Contractor.ID,
		Rank:         o.Rank,
		Timeout:      o.Timeout,
		OfferedAt:    start,
		Took:         d.now().Sub(start),
	}
	switch {
	case ctx.Err() != nil:
		a.State = OfferWithdrawn
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		a.State = OfferTimedOut
	case err != nil:
		// delivery failures count as a decline so the next candidate gets the job
		d.log.Warn("offer failed",
			zap.String("dispatch_id", string(o.DispatchID)),
			zap.String("contractor_id", string(o.Contractor.ID)),
			zap.Error(err))
		a.State = OfferDeclined
		a.Error = err.Error()
	case !CanTransition(OfferOffered, state) || state == OfferWithdrawn:
		d.log.Warn("channel returned unexpected offer state",
			zap.String("dispatch_id", string(o.DispatchID)),
			zap.String("state", string(state)))
		a.State = OfferDeclined
	default:
		a.State = state
	}

	if d.hooks.OfferResolved != nil {
		d.hooks.OfferResolved(o, a)
	}
	return a
}
