// README: Contractor profile as supplied by the contractor registry.
package contractor

import (
	"errors"
	"fmt"
	"math"

	"homematch/internal/modules/geo"
	"homematch/internal/types"
)

var (
	ErrInvalidProfile = errors.New("invalid contractor profile")
	ErrNotFound       = errors.New("contractor not found")
)

// Profile is read-only input to matching. CurrentJobs is owned by the
// booking/assignment service; matching only reads it.
type Profile struct {
	ID                  types.ID           `json:"id"`
	Name                string             `json:"name,omitempty"`
	Location            types.Point        `json:"location"`
	Services            []string           `json:"services"`
	Rating              float64            `json:"rating"`
	CompletedJobs       int                `json:"completed_jobs"`
	ResponseTimeMinutes float64            `json:"response_time_minutes"`
	AcceptanceRate      float64            `json:"acceptance_rate"`
	HourlyRate          float64            `json:"hourly_rate"`
	EmergencyAvailable  bool               `json:"emergency_available"`
	CurrentJobs         int                `json:"current_jobs"`
	MaxConcurrentJobs   int                `json:"max_concurrent_jobs"`
	Certifications      []string           `json:"certifications,omitempty"`
	Availability        WeeklyAvailability `json:"availability"`
	DeviceToken         string             `json:"-"`
}

// OffersService reports whether the contractor lists the service type.
func (p Profile) OffersService(service string) bool {
	for _, s := range p.Services {
		if s == service {
			return true
		}
	}
	return false
}

// HasCapacity reports whether the contractor can take one more job.
func (p Profile) HasCapacity() bool {
	return p.CurrentJobs < p.MaxConcurrentJobs
}

// HasCertification reports whether the contractor holds the named certification.
func (p Profile) HasCertification(name string) bool {
	for _, c := range p.Certifications {
		if c == name {
			return true
		}
	}
	return false
}

// Validate enforces the registry invariants. Every failure wraps
// ErrInvalidProfile; coordinate failures also wrap geo.ErrInvalidCoordinates.
func (p Profile) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidProfile)
	}
	if err := geo.ValidatePoint(p.Location); err != nil {
		return fmt.Errorf("%w: contractor %s: %w", ErrInvalidProfile, p.ID, err)
	}
	switch {
	case math.IsNaN(p.Rating) || p.Rating < 0 || p.Rating > 5:
		return fmt.Errorf("%w: contractor %s: rating %v outside [0,5]", ErrInvalidProfile, p.ID, p.Rating)
	case math.IsNaN(p.AcceptanceRate) || p.AcceptanceRate < 0 || p.AcceptanceRate > 1:
		return fmt.Errorf("%w: contractor %s: acceptance rate %v outside [0,1]", ErrInvalidProfile, p.ID, p.AcceptanceRate)
	case p.CompletedJobs < 0:
		return fmt.Errorf("%w: contractor %s: negative completed jobs", ErrInvalidProfile, p.ID)
	case p.ResponseTimeMinutes < 0 || math.IsNaN(p.ResponseTimeMinutes):
		return fmt.Errorf("%w: contractor %s: invalid response time %v", ErrInvalidProfile, p.ID, p.ResponseTimeMinutes)
	case !(p.HourlyRate > 0):
		return fmt.Errorf("%w: contractor %s: hourly rate must be positive", ErrInvalidProfile, p.ID)
	case p.CurrentJobs < 0 || p.MaxConcurrentJobs < 0:
		return fmt.Errorf("%w: contractor %s: negative job counts", ErrInvalidProfile, p.ID)
	case p.CurrentJobs > p.MaxConcurrentJobs:
		return fmt.Errorf("%w: contractor %s: current jobs %d exceed max %d", ErrInvalidProfile, p.ID, p.CurrentJobs, p.MaxConcurrentJobs)
	}
	if err := p.Availability.Validate(); err != nil {
		return fmt.Errorf("%w: contractor %s: %w", ErrInvalidProfile, p.ID, err)
	}
	return nil
}
