// README: Contractor position persistence in Postgres.
package location

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"homematch/internal/modules/contractor"
	"homematch/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// UpdatePosition returns contractor.ErrNotFound for an unknown or inactive contractor.
func (s *Store) UpdatePosition(ctx context.Context, id types.ID, p types.Point, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
        UPDATE contractors SET lat = $2, lng = $3, updated_at = $4
        WHERE id = $1 AND active`, string(id), p.Lat, p.Lng, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return contractor.ErrNotFound
	}
	return nil
}

func (s *Store) AppendSnapshot(ctx context.Context, snap *Snapshot) error {
	return s.db.QueryRow(ctx, `
        INSERT INTO contractor_location_snapshots (contractor_id, lat, lng, recorded_at)
        VALUES ($1, $2, $3, $4)
        RETURNING id`,
		string(snap.ContractorID), snap.Position.Lat, snap.Position.Lng, snap.RecordedAt,
	).Scan(&snap.ID)
}
