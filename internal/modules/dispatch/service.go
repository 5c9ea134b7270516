// README: Dispatch service runs dispatches in the background and routes contractor responses.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"homematch/internal/metrics"
	"homematch/internal/modules/matching"
	"homematch/internal/types"
)

// OutcomePublisher announces finished dispatches to the booking service.
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, r Result) error
}

const (
	defaultLockTTL   = 15 * time.Minute
	defaultRetention = 10 * time.Minute
	sideEffectTime   = 5 * time.Second
)

type run struct {
	mu         sync.Mutex
	result     Result
	cancel     context.CancelFunc
	done       chan struct{}
	finishedAt time.Time // zero until the outcome is published
}

func (r *run) snapshot() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.result
	res.Attempts = append([]Attempt(nil), r.result.Attempts...)
	return res
}

type Service struct {
	dispatcher *Dispatcher
	broker     ResponseBroker
	coord      Coordinator
	events     EventSink
	publisher  OutcomePublisher
	metrics    *metrics.Metrics
	log        *zap.Logger
	lockTTL    time.Duration
	retention  time.Duration
	now        func() time.Time

	mu     sync.Mutex
	runs   map[types.ID]*run
	closed bool
	wg     sync.WaitGroup
}

type ServiceDeps struct {
	Channel     OfferChannel
	Broker      ResponseBroker
	Coordinator Coordinator
	Events      EventSink
	Publisher   OutcomePublisher
	Metrics     *metrics.Metrics
	LockTTL     time.Duration
	// Retention is how long a finished run stays in memory. Afterwards Get
	// rebuilds the result from Events when it is an EventLog.
	Retention time.Duration
}

func NewService(deps ServiceDeps, cfg Config, log *zap.Logger) *Service {
	if deps.Broker == nil {
		deps.Broker = NewMemoryBroker()
	}
	if deps.Coordinator == nil {
		deps.Coordinator = NewMemoryCoordinator()
	}
	if deps.LockTTL <= 0 {
		deps.LockTTL = defaultLockTTL
	}
	if deps.Retention <= 0 {
		deps.Retention = defaultRetention
	}
	s := &Service{
		dispatcher: NewDispatcher(deps.Channel, cfg, log),
		broker:     deps.Broker,
		coord:      deps.Coordinator,
		events:     deps.Events,
		publisher:  deps.Publisher,
		metrics:    deps.Metrics,
		log:        log.Named("dispatch"),
		lockTTL:    deps.LockTTL,
		retention:  deps.Retention,
		now:        time.Now,
		runs:       map[types.ID]*run{},
	}
	s.dispatcher.SetHooks(Hooks{OfferSent: s.offerSent, OfferResolved: s.offerResolved})
	return s
}

// Start begins dispatching matches for req and returns immediately with the
// dispatch ID. Contractors already offered this request in an earlier
// dispatch are skipped. The dispatch outlives ctx; use Cancel to stop it.
func (s *Service) Start(ctx context.Context, req matching.ServiceRequest, matches []matching.MatchScore) (types.ID, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", ErrShuttingDown
	}

	id := types.ID(uuid.NewString())
	ok, err := s.coord.Acquire(ctx, req.ID, id, s.lockTTL)
	if err != nil {
		return "", fmt.Errorf("locking request %s: %w", req.ID, err)
	}
	if !ok {
		return "", ErrAlreadyDispatching
	}

	attempted, err := s.coord.Attempted(ctx, req.ID)
	if err != nil {
		s.log.Warn("could not load attempted contractors", zap.String("request_id", string(req.ID)), zap.Error(err))
	}
	pending := make([]matching.MatchScore, 0, len(matches))
	for _, m := range matches {
		if !attempted[m.ContractorID] {
			pending = append(pending, m)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		result: Result{DispatchID: id, RequestID: req.ID, Status: StatusRunning, Attempts: []Attempt{}, StartedAt: time.Now()},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		s.release(req.ID, id)
		return "", ErrShuttingDown
	}
	s.evictLocked()
	s.runs[id] = r
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.DispatchStarted()
	s.log.Info("dispatch started",
		zap.String("dispatch_id", string(id)),
		zap.String("request_id", string(req.ID)),
		zap.Int("candidates", len(pending)),
		zap.Int("skipped", len(matches)-len(pending)))

	go s.execute(runCtx, id, r, req, pending)
	return id, nil
}

func (s *Service) execute(ctx context.Context, id types.ID, r *run, req matching.ServiceRequest, matches []matching.MatchScore) {
	defer s.wg.Done()
	defer close(r.done)
	defer r.cancel()

	res := s.dispatcher.DispatchWithID(ctx, id, req, matches)

	r.mu.Lock()
	res.StartedAt = r.result.StartedAt
	r.result = res
	r.mu.Unlock()

	s.release(req.ID, res.DispatchID)
	side, cancel := context.WithTimeout(context.Background(), sideEffectTime)
	defer cancel()
	s.appendEvent(side, &Event{
		DispatchID: res.DispatchID,
		RequestID:  req.ID,
		ToState:    string(res.Status),
		FromState:  string(StatusRunning),
		CreatedAt:  time.Now().UTC(),
	})
	if s.publisher != nil {
		if err := s.publisher.PublishOutcome(side, res); err != nil {
			s.log.Error("publishing dispatch outcome", zap.String("dispatch_id", string(res.DispatchID)), zap.Error(err))
		}
	}
	s.metrics.DispatchFinished(string(res.Status))
	s.log.Info("dispatch finished",
		zap.String("dispatch_id", string(res.DispatchID)),
		zap.String("status", string(res.Status)),
		zap.String("contractor_id", string(res.ContractorID)),
		zap.Int("attempted", res.AttemptedCount))

	r.mu.Lock()
	r.finishedAt = s.now()
	r.mu.Unlock()
	s.mu.Lock()
	s.evictLocked()
	s.mu.Unlock()
}

func (s *Service) release(requestID, dispatchID types.ID) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTime)
	defer cancel()
	if err := s.coord.Release(ctx, requestID, dispatchID); err != nil {
		s.log.Warn("releasing request lock", zap.String("request_id", string(requestID)), zap.Error(err))
	}
}

// evictLocked drops runs whose outcome was published more than retention ago.
// Callers hold s.mu.
func (s *Service) evictLocked() {
	cutoff := s.now().Add(-s.retention)
	for id, r := range s.runs {
		r.mu.Lock()
		expired := !r.finishedAt.IsZero() && !r.finishedAt.After(cutoff)
		r.mu.Unlock()
		if expired {
			delete(s.runs, id)
		}
	}
}

func (s *Service) offerSent(o Offer) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTime)
	defer cancel()
	if err := s.coord.OpenOffer(ctx, o); err != nil {
		s.log.Warn("registering open offer", zap.String("offer_id", string(o.ID)), zap.Error(err))
	}
	if err := s.coord.MarkAttempted(ctx, o.Request.ID, o.Contractor.ID); err != nil {
		s.log.Warn("recording attempted contractor", zap.String("offer_id", string(o.ID)), zap.Error(err))
	}
	offerID, contractorID := o.ID, o.Contractor.ID
	s.appendEvent(ctx, &Event{
		DispatchID:   o.DispatchID,
		RequestID:    o.Request.ID,
		OfferID:      &offerID,
		ContractorID: &contractorID,
		ToState:      string(OfferOffered),
		CreatedAt:    time.Now().UTC(),
	})
}

func (s *Service) offerResolved(o Offer, a Attempt) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTime)
	defer cancel()
	if err := s.coord.CloseOffer(ctx, o.ID); err != nil {
		s.log.Warn("closing offer", zap.String("offer_id", string(o.ID)), zap.Error(err))
	}
	offerID, contractorID := o.ID, o.Contractor.ID
	s.appendEvent(ctx, &Event{
		DispatchID:   o.DispatchID,
		RequestID:    o.Request.ID,
		OfferID:      &offerID,
		ContractorID: &contractorID,
		FromState:    string(OfferOffered),
		ToState:      string(a.State),
		CreatedAt:    time.Now().UTC(),
	})
	s.metrics.ObserveOffer(string(a.State), a.Took)

	s.mu.Lock()
	r := s.runs[o.DispatchID]
	s.mu.Unlock()
	if r != nil {
		r.mu.Lock()
		r.result.Attempts = append(r.result.Attempts, a)
		r.result.AttemptedCount = len(r.result.Attempts)
		r.mu.Unlock()
	}
}

func (s *Service) appendEvent(ctx context.Context, e *Event) {
	if s.events == nil {
		return
	}
	if err := s.events.AppendEvent(ctx, e); err != nil {
		s.log.Warn("appending dispatch event",
			zap.String("dispatch_id", string(e.DispatchID)), zap.String("to", e.ToState), zap.Error(err))
	}
}

// Get returns the current state of a dispatch, running or finished. Runs
// evicted from memory, or started on another instance, are rebuilt from the
// event log when one is configured.
func (s *Service) Get(ctx context.Context, id types.ID) (Result, error) {
	s.mu.Lock()
	r, ok := s.runs[id]
	s.mu.Unlock()
	if ok {
		return r.snapshot(), nil
	}
	events, err := s.Events(ctx, id)
	if errors.Is(err, ErrNoEventLog) {
		return Result{}, ErrNotFound
	}
	if err != nil {
		return Result{}, err
	}
	return ResultFromEvents(events), nil
}

// Events returns the audit trail of a dispatch, oldest first.
func (s *Service) Events(ctx context.Context, id types.ID) ([]Event, error) {
	log, ok := s.events.(EventLog)
	if !ok {
		return nil, ErrNoEventLog
	}
	events, err := log.ListEvents(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("listing events of %s: %w", id, err)
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return events, nil
}

// Wait blocks until the dispatch finishes or ctx ends.
func (s *Service) Wait(ctx context.Context, id types.ID) (Result, error) {
	s.mu.Lock()
	r, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		return Result{}, ErrNotFound
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel aborts an in-flight dispatch and waits for it to stop.
func (s *Service) Cancel(ctx context.Context, id types.ID) (Result, error) {
	s.mu.Lock()
	r, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		res, err := s.Get(ctx, id)
		if err != nil {
			return Result{}, err
		}
		if res.Status.Terminal() {
			return res, ErrFinished
		}
		// running on another instance
		return Result{}, ErrNotFound
	}
	select {
	case <-r.done:
		return r.snapshot(), ErrFinished
	default:
	}
	r.cancel()
	return s.Wait(ctx, id)
}

// Respond forwards a contractor's answer to whichever instance holds the offer.
func (s *Service) Respond(ctx context.Context, offerID, contractorID types.ID, accept bool) error {
	owner, err := s.coord.OfferOwner(ctx, offerID)
	if err != nil {
		return err
	}
	if owner != contractorID {
		return ErrWrongContractor
	}
	return s.broker.Publish(ctx, Response{
		OfferID:      offerID,
		ContractorID: contractorID,
		Accept:       accept,
		RespondedAt:  time.Now().UTC(),
	})
}

// Shutdown cancels every in-flight dispatch and waits for them to stop.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, r := range s.runs {
		r.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
