// README: Location service handles high-frequency contractor updates with throttled snapshot flushing.
package location

import (
	"context"
	"fmt"
	"sync"
	"time"

	"homematch/internal/modules/geo"
	"homematch/internal/types"
)

// DefaultFlushInterval bounds how often one contractor's position is written to Postgres.
const DefaultFlushInterval = 30 * time.Second

// PositionIndex is the live nearby index consulted by matching.
type PositionIndex interface {
	Add(ctx context.Context, id types.ID, p types.Point) error
	Remove(ctx context.Context, id types.ID) error
}

// SnapshotStore persists positions to the registry.
type SnapshotStore interface {
	UpdatePosition(ctx context.Context, id types.ID, p types.Point, at time.Time) error
	AppendSnapshot(ctx context.Context, snap *Snapshot) error
}

type tracked struct {
	seq       int64
	flushedAt time.Time
}

type Service struct {
	index      PositionIndex
	store      SnapshotStore
	flushEvery time.Duration
	now        func() time.Time

	mu   sync.Mutex
	last map[types.ID]tracked
}

// NewService takes an optional index and store; either may be nil.
func NewService(index PositionIndex, store SnapshotStore, flushEvery time.Duration) *Service {
	if flushEvery <= 0 {
		flushEvery = DefaultFlushInterval
	}
	return &Service{
		index:      index,
		store:      store,
		flushEvery: flushEvery,
		now:        time.Now,
		last:       map[types.ID]tracked{},
	}
}

func (s *Service) Update(ctx context.Context, u Update) (Result, error) {
	if u.ContractorID == "" {
		return Result{}, fmt.Errorf("%w: missing contractor id", ErrInvalidUpdate)
	}
	if err := geo.ValidatePoint(u.Position); err != nil {
		return Result{}, fmt.Errorf("%w: contractor %s: %w", ErrInvalidUpdate, u.ContractorID, err)
	}

	now := s.now()
	s.mu.Lock()
	st := s.last[u.ContractorID]
	if u.Seq > 0 && u.Seq <= st.seq {
		s.mu.Unlock()
		return Result{Accepted: false, Reason: ReasonStale}, nil
	}
	if u.Seq > 0 {
		st.seq = u.Seq
	}
	flush := s.store != nil && u.Active && now.Sub(st.flushedAt) >= s.flushEvery
	if flush {
		st.flushedAt = now
	}
	s.last[u.ContractorID] = st
	s.mu.Unlock()

	if !u.Active {
		if s.index != nil {
			if err := s.index.Remove(ctx, u.ContractorID); err != nil {
				return Result{}, fmt.Errorf("removing %s from index: %w", u.ContractorID, err)
			}
		}
		return Result{Accepted: true, Reason: ReasonInactive}, nil
	}

	if s.index != nil {
		if err := s.index.Add(ctx, u.ContractorID, u.Position); err != nil {
			return Result{}, fmt.Errorf("indexing %s: %w", u.ContractorID, err)
		}
	}
	if !flush {
		return Result{Accepted: true}, nil
	}
	if err := s.FlushSnapshot(ctx, u.ContractorID, u.Position, now); err != nil {
		s.mu.Lock()
		st := s.last[u.ContractorID]
		st.flushedAt = time.Time{}
		s.last[u.ContractorID] = st
		s.mu.Unlock()
		return Result{}, err
	}
	return Result{Accepted: true, Persisted: true}, nil
}

// FlushSnapshot moves the registry position and appends a history row.
func (s *Service) FlushSnapshot(ctx context.Context, id types.ID, p types.Point, at time.Time) error {
	if err := s.store.UpdatePosition(ctx, id, p, at); err != nil {
		return fmt.Errorf("updating position of %s: %w", id, err)
	}
	snap := &Snapshot{ContractorID: id, Position: p, RecordedAt: at}
	if err := s.store.AppendSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("recording snapshot of %s: %w", id, err)
	}
	return nil
}
