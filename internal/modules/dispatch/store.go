// README: Dispatch coordination (request lock, attempted set, open offers) and the Postgres audit log.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"homematch/internal/types"
)

// Coordinator guards a request against concurrent dispatches and tracks which
// contractors were offered the job and which offers are still open.
type Coordinator interface {
	Acquire(ctx context.Context, requestID, dispatchID types.ID, ttl time.Duration) (bool, error)
	Release(ctx context.Context, requestID, dispatchID types.ID) error
	MarkAttempted(ctx context.Context, requestID, contractorID types.ID) error
	Attempted(ctx context.Context, requestID types.ID) (map[types.ID]bool, error)
	OpenOffer(ctx context.Context, o Offer) error
	OfferOwner(ctx context.Context, offerID types.ID) (types.ID, error)
	CloseOffer(ctx context.Context, offerID types.ID) error
}

// ---------------------------------------------------------------------------
// Redis
// ---------------------------------------------------------------------------

const (
	lockKeyPrefix      = "dispatch:request:%s:lock"
	attemptedKeyPrefix = "dispatch:request:%s:attempted"
	offerKeyPrefix     = "dispatch:offer:%s:contractor"
	// attempted sets outlive any realistic re-dispatch window.
	attemptedTTL = 24 * time.Hour
)

// releaseScript deletes the lock only if this dispatch still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0`)

type RedisCoordinator struct {
	redis *redis.Client
}

func NewRedisCoordinator(redis *redis.Client) *RedisCoordinator {
	return &RedisCoordinator{redis: redis}
}

func (s *RedisCoordinator) Acquire(ctx context.Context, requestID, dispatchID types.ID, ttl time.Duration) (bool, error) {
	return s.redis.SetNX(ctx, fmt.Sprintf(lockKeyPrefix, requestID), string(dispatchID), ttl).Result()
}

func (s *RedisCoordinator) Release(ctx context.Context, requestID, dispatchID types.ID) error {
	return releaseScript.Run(ctx, s.redis, []string{fmt.Sprintf(lockKeyPrefix, requestID)}, string(dispatchID)).Err()
}

func (s *RedisCoordinator) MarkAttempted(ctx context.Context, requestID, contractorID types.ID) error {
	key := fmt.Sprintf(attemptedKeyPrefix, requestID)
	pipe := s.redis.Pipeline()
	pipe.SAdd(ctx, key, string(contractorID))
	pipe.Expire(ctx, key, attemptedTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisCoordinator) Attempted(ctx context.Context, requestID types.ID) (map[types.ID]bool, error) {
	members, err := s.redis.SMembers(ctx, fmt.Sprintf(attemptedKeyPrefix, requestID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[types.ID]bool, len(members))
	for _, m := range members {
		out[types.ID(m)] = true
	}
	return out, nil
}

func (s *RedisCoordinator) OpenOffer(ctx context.Context, o Offer) error {
	return s.redis.Set(ctx, fmt.Sprintf(offerKeyPrefix, o.ID), string(o.Contractor.ID), o.Timeout).Err()
}

func (s *RedisCoordinator) OfferOwner(ctx context.Context, offerID types.ID) (types.ID, error) {
	val, err := s.redis.Get(ctx, fmt.Sprintf(offerKeyPrefix, offerID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrUnknownOffer
	}
	if err != nil {
		return "", err
	}
	return types.ID(val), nil
}

func (s *RedisCoordinator) CloseOffer(ctx context.Context, offerID types.ID) error {
	return s.redis.Del(ctx, fmt.Sprintf(offerKeyPrefix, offerID)).Err()
}

// ---------------------------------------------------------------------------
// In-memory
// ---------------------------------------------------------------------------

// MemoryCoordinator is a single-instance Coordinator. Lock TTLs are ignored.
type MemoryCoordinator struct {
	mu        sync.Mutex
	locks     map[types.ID]types.ID
	attempted map[types.ID]map[types.ID]bool
	offers    map[types.ID]types.ID
}

func NewMemoryCoordinator() *MemoryCoordinator {
	return &MemoryCoordinator{
		locks:     map[types.ID]types.ID{},
		attempted: map[types.ID]map[types.ID]bool{},
		offers:    map[types.ID]types.ID{},
	}
}

func (m *MemoryCoordinator) Acquire(_ context.Context, requestID, dispatchID types.ID, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[requestID]; held {
		return false, nil
	}
	m.locks[requestID] = dispatchID
	return true, nil
}

func (m *MemoryCoordinator) Release(_ context.Context, requestID, dispatchID types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[requestID] == dispatchID {
		delete(m.locks, requestID)
	}
	return nil
}

func (m *MemoryCoordinator) MarkAttempted(_ context.Context, requestID, contractorID types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.attempted[requestID]
	if !ok {
		set = map[types.ID]bool{}
		m.attempted[requestID] = set
	}
	set[contractorID] = true
	return nil
}

func (m *MemoryCoordinator) Attempted(_ context.Context, requestID types.ID) (map[types.ID]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[types.ID]bool, len(m.attempted[requestID]))
	for id := range m.attempted[requestID] {
		out[id] = true
	}
	return out, nil
}

func (m *MemoryCoordinator) OpenOffer(_ context.Context, o Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[o.ID] = o.Contractor.ID
	return nil
}

func (m *MemoryCoordinator) OfferOwner(_ context.Context, offerID types.ID) (types.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.offers[offerID]
	if !ok {
		return "", ErrUnknownOffer
	}
	return id, nil
}

func (m *MemoryCoordinator) CloseOffer(_ context.Context, offerID types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.offers, offerID)
	return nil
}

// ---------------------------------------------------------------------------
// Postgres audit log
// ---------------------------------------------------------------------------

// EventSink persists audit events.
type EventSink interface {
	AppendEvent(ctx context.Context, e *Event) error
}

// EventLog is an EventSink that can also be read back.
type EventLog interface {
	EventSink
	ListEvents(ctx context.Context, dispatchID types.ID) ([]Event, error)
}

// ResultFromEvents rebuilds a dispatch result from its audit trail. Match
// details are not logged, so only the contractor ID survives for accepted runs.
func ResultFromEvents(events []Event) Result {
	res := Result{Status: StatusRunning, Attempts: []Attempt{}}
	offered := map[types.ID]time.Time{}
	for i, e := range events {
		if i == 0 {
			res.DispatchID, res.RequestID, res.StartedAt = e.DispatchID, e.RequestID, e.CreatedAt
		}
		switch {
		case e.OfferID == nil:
			if st := Status(e.ToState); e.FromState == string(StatusRunning) && st.Terminal() {
				res.Status = st
				at := e.CreatedAt
				res.FinishedAt = &at
			}
		case e.ToState == string(OfferOffered):
			offered[*e.OfferID] = e.CreatedAt
		case e.FromState == string(OfferOffered):
			a := Attempt{OfferID: *e.OfferID, Rank: len(res.Attempts), State: OfferState(e.ToState)}
			if e.ContractorID != nil {
				a.ContractorID = *e.ContractorID
			}
			if at, ok := offered[a.OfferID]; ok {
				a.OfferedAt = at
				a.Took = e.CreatedAt.Sub(at)
			}
			res.Attempts = append(res.Attempts, a)
			if a.State == OfferAccepted {
				res.ContractorID = a.ContractorID
			}
		}
	}
	res.AttemptedCount = len(res.Attempts)
	return res
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	return s.db.QueryRow(ctx, `
        INSERT INTO dispatch_events (
            dispatch_id, request_id, offer_id, contractor_id, from_state, to_state, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING id`,
		string(e.DispatchID), string(e.RequestID), toStringPtr(e.OfferID), toStringPtr(e.ContractorID),
		e.FromState, e.ToState, e.CreatedAt,
	).Scan(&e.ID)
}

func (s *Store) ListEvents(ctx context.Context, dispatchID types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id, dispatch_id, request_id, offer_id, contractor_id, from_state, to_state, created_at
        FROM dispatch_events
        WHERE dispatch_id = $1
        ORDER BY id`, string(dispatchID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var dispatch, request string
		var offer, contractorID *string
		if err := rows.Scan(&e.ID, &dispatch, &request, &offer, &contractorID, &e.FromState, &e.ToState, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.DispatchID = types.ID(dispatch)
		e.RequestID = types.ID(request)
		e.OfferID = toIDPtr(offer)
		e.ContractorID = toIDPtr(contractorID)
		out = append(out, e)
	}
	return out, rows.Err()
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toIDPtr(v *string) *types.ID {
	if v == nil {
		return nil
	}
	id := types.ID(*v)
	return &id
}
