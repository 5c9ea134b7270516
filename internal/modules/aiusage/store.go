// README: Triage allowance persistence (Postgres) plus an in-process ledger.
package aiusage

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Ledger deducts one unit from uid's allowance for period, resetting the
// allowance to quota when the stored period is older. It returns
// ErrQuotaExhausted when nothing is left or the row does not exist yet.
// Refund returns one unit spent in period, never above quota.
type Ledger interface {
	Spend(ctx context.Context, uid, period string, quota int) error
	Ensure(ctx context.Context, uid, period string, quota int) error
	Refund(ctx context.Context, uid, period string, quota int) error
}

// Store handles triage_usage persistence.
type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Spend checks and deducts atomically. Zero rows updated means the quota is
// exhausted or the caller has no row yet. A stored period later than the
// caller's clock is charged as the current month and kept.
func (s *Store) Spend(ctx context.Context, uid, period string, quota int) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE triage_usage SET
			remaining = CASE WHEN period < $1 THEN $2 - 1 ELSE remaining - 1 END,
			period = GREATEST(period, $1)
		WHERE uid = $3 AND (period < $1 OR remaining > 0)
	`, period, quota, uid)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrQuotaExhausted
	}
	return nil
}

// Ensure inserts a fresh allowance row; an existing row is left alone.
func (s *Store) Ensure(ctx context.Context, uid, period string, quota int) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO triage_usage (uid, remaining, period)
		VALUES ($1, $2, $3)
		ON CONFLICT (uid) DO NOTHING
	`, uid, quota, period)
	return err
}

// Refund is a no-op once the month has rolled over.
func (s *Store) Refund(ctx context.Context, uid, period string, quota int) error {
	_, err := s.db.Exec(ctx, `
		UPDATE triage_usage SET remaining = LEAST(remaining + 1, $2)
		WHERE uid = $3 AND period = $1
	`, period, quota, uid)
	return err
}

type allowance struct {
	remaining int
	period    string
}

// MemoryLedger keeps allowances in process. Used when the registry is not
// Postgres-backed, and in tests.
type MemoryLedger struct {
	mu   sync.Mutex
	rows map[string]allowance
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{rows: map[string]allowance{}}
}

func (m *MemoryLedger) Spend(_ context.Context, uid, period string, quota int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[uid]
	if !ok {
		return ErrQuotaExhausted
	}
	if row.period < period {
		row = allowance{remaining: quota, period: period}
	}
	if row.remaining <= 0 {
		return ErrQuotaExhausted
	}
	row.remaining--
	m.rows[uid] = row
	return nil
}

func (m *MemoryLedger) Ensure(_ context.Context, uid, period string, quota int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[uid]; !ok {
		m.rows[uid] = allowance{remaining: quota, period: period}
	}
	return nil
}

func (m *MemoryLedger) Refund(_ context.Context, uid, period string, quota int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[uid]
	if !ok || row.period != period || row.remaining >= quota {
		return nil
	}
	row.remaining++
	m.rows[uid] = row
	return nil
}

// Remaining reports the stored allowance for uid.
func (m *MemoryLedger) Remaining(uid string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[uid]
	return row.remaining, ok
}
