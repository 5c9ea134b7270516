// README: Contractor registry backed by PostgreSQL.
package contractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"homematch/internal/types"
)

// Source supplies candidate profiles for a service type. The Postgres,
// Firestore and in-memory registries all satisfy it.
type Source interface {
	ListByService(ctx context.Context, service string) ([]Profile, error)
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const selectColumns = `
    id, name, lat, lng, services, rating, completed_jobs, response_time_minutes,
    acceptance_rate, hourly_rate, emergency_available, current_jobs, max_concurrent_jobs,
    certifications, availability, device_token`

func (s *Store) ListByService(ctx context.Context, service string) ([]Profile, error) {
	rows, err := s.db.Query(ctx, `SELECT`+selectColumns+`
        FROM contractors
        WHERE services @> ARRAY[$1]::text[] AND active
        ORDER BY id`, service)
	if err != nil {
		return nil, fmt.Errorf("querying contractors for %s: %w", service, err)
	}
	return collectProfiles(rows)
}

// ListActive returns every active contractor, used to rebuild the GEO index.
func (s *Store) ListActive(ctx context.Context) ([]Profile, error) {
	rows, err := s.db.Query(ctx, `SELECT`+selectColumns+`
        FROM contractors
        WHERE active
        ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying active contractors: %w", err)
	}
	return collectProfiles(rows)
}

func collectProfiles(rows pgx.Rows) ([]Profile, error) {
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, id types.ID) (Profile, error) {
	row := s.db.QueryRow(ctx, `SELECT`+selectColumns+`
        FROM contractors
        WHERE id = $1`, string(id))
	p, err := scanProfile(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	return p, err
}

// Upsert writes the profile after validating it.
func (s *Store) Upsert(ctx context.Context, p Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	avail, err := json.Marshal(p.Availability)
	if err != nil {
		return fmt.Errorf("encoding availability: %w", err)
	}
	_, err = s.db.Exec(ctx, `
        INSERT INTO contractors (
            id, name, lat, lng, services, rating, completed_jobs, response_time_minutes,
            acceptance_rate, hourly_rate, emergency_available, current_jobs, max_concurrent_jobs,
            certifications, availability, device_token, active, updated_at
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8,
            $9, $10, $11, $12, $13,
            $14, $15, $16, TRUE, NOW()
        )
        ON CONFLICT (id) DO UPDATE SET
            name = EXCLUDED.name,
            lat = EXCLUDED.lat,
            lng = EXCLUDED.lng,
            services = EXCLUDED.services,
            rating = EXCLUDED.rating,
            completed_jobs = EXCLUDED.completed_jobs,
            response_time_minutes = EXCLUDED.response_time_minutes,
            acceptance_rate = EXCLUDED.acceptance_rate,
            hourly_rate = EXCLUDED.hourly_rate,
            emergency_available = EXCLUDED.emergency_available,
            current_jobs = EXCLUDED.current_jobs,
            max_concurrent_jobs = EXCLUDED.max_concurrent_jobs,
            certifications = EXCLUDED.certifications,
            availability = EXCLUDED.availability,
            device_token = EXCLUDED.device_token,
            active = TRUE,
            updated_at = NOW()`,
		string(p.ID), p.Name, p.Location.Lat, p.Location.Lng, p.Services, p.Rating,
		p.CompletedJobs, p.ResponseTimeMinutes, p.AcceptanceRate, p.HourlyRate,
		p.EmergencyAvailable, p.CurrentJobs, p.MaxConcurrentJobs,
		nonNil(p.Certifications), avail, p.DeviceToken,
	)
	return err
}

func scanProfile(row pgx.Row) (Profile, error) {
	var p Profile
	var id string
	var avail []byte
	err := row.Scan(
		&id, &p.Name, &p.Location.Lat, &p.Location.Lng, &p.Services, &p.Rating,
		&p.CompletedJobs, &p.ResponseTimeMinutes, &p.AcceptanceRate, &p.HourlyRate,
		&p.EmergencyAvailable, &p.CurrentJobs, &p.MaxConcurrentJobs,
		&p.Certifications, &avail, &p.DeviceToken,
	)
	if err != nil {
		return Profile{}, err
	}
	p.ID = types.ID(id)
	if len(avail) > 0 {
		if err := json.Unmarshal(avail, &p.Availability); err != nil {
			return Profile{}, fmt.Errorf("decoding availability for %s: %w", id, err)
		}
	}
	return p, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// MemorySource is an in-memory Source used for inline contractor lists,
// benchmarks and tests.
type MemorySource struct {
	profiles []Profile
}

func NewMemorySource(profiles []Profile) *MemorySource {
	return &MemorySource{profiles: profiles}
}

func (m *MemorySource) ListByService(_ context.Context, service string) ([]Profile, error) {
	out := make([]Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		if p.OffersService(service) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MemorySource) ListActive(context.Context) ([]Profile, error) {
	out := make([]Profile, len(m.profiles))
	copy(out, m.profiles)
	return out, nil
}
