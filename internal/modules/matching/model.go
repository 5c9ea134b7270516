// README: Service requests and the ranked match results produced for them.
package matching

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"homematch/internal/modules/contractor"
	"homematch/internal/modules/geo"
	"homematch/internal/types"
)

var (
	ErrInvalidRequest = errors.New("invalid service request")
	ErrMissingService = errors.New("service type is required")
	ErrUnknownUrgency = errors.New("unknown urgency")
)

type Urgency string

const (
	UrgencyStandard  Urgency = "standard"
	UrgencyUrgent    Urgency = "urgent"
	UrgencyEmergency Urgency = "emergency"
)

// ParseUrgency maps the wire value to an Urgency; empty means standard.
func ParseUrgency(s string) (Urgency, error) {
	switch Urgency(strings.ToLower(strings.TrimSpace(s))) {
	case "", UrgencyStandard:
		return UrgencyStandard, nil
	case UrgencyUrgent:
		return UrgencyUrgent, nil
	case UrgencyEmergency:
		return UrgencyEmergency, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownUrgency, s)
}

// Expedited reports whether the urgency widens the search radius and
// switches to the priority weight table.
func (u Urgency) Expedited() bool {
	return u == UrgencyUrgent || u == UrgencyEmergency
}

// PriceRange is the customer's hourly budget. A zero Max means no budget was given.
type PriceRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func (r PriceRange) Contains(rate float64) bool {
	if r.Max <= 0 {
		return rate >= r.Min
	}
	return rate >= r.Min && rate <= r.Max
}

type CustomerPreferences struct {
	MinRating               float64    `json:"min_rating,omitempty"`
	PreferredCertifications []string   `json:"preferred_certifications,omitempty"`
	ExcludedContractorIDs   []types.ID `json:"excluded_contractor_ids,omitempty"`
}

func (p CustomerPreferences) excludes(id types.ID) bool {
	for _, x := range p.ExcludedContractorIDs {
		if x == id {
			return true
		}
	}
	return false
}

type ServiceRequest struct {
	ID                     types.ID            `json:"id"`
	Service                string              `json:"service"`
	Description            string              `json:"description,omitempty"`
	Location               types.Point         `json:"location"`
	Address                string              `json:"address,omitempty"`
	RequestedAt            time.Time           `json:"requested_at"`
	Urgency                Urgency             `json:"urgency"`
	IsPremium              bool                `json:"is_premium"`
	EstimatedDurationHours float64             `json:"estimated_duration_hours"`
	PriceRange             PriceRange          `json:"price_range"`
	Preferences            CustomerPreferences `json:"preferences"`
}

// Validate checks the fields matching depends on. Coordinate failures wrap
// both ErrInvalidRequest and geo.ErrInvalidCoordinates.
func (r ServiceRequest) Validate() error {
	if strings.TrimSpace(r.Service) == "" {
		return fmt.Errorf("%w: request %s: %w", ErrInvalidRequest, r.ID, ErrMissingService)
	}
	if err := geo.ValidatePoint(r.Location); err != nil {
		return fmt.Errorf("%w: request %s: %w", ErrInvalidRequest, r.ID, err)
	}
	if _, err := ParseUrgency(string(r.Urgency)); err != nil {
		return fmt.Errorf("%w: request %s: %w", ErrInvalidRequest, r.ID, err)
	}
	if r.EstimatedDurationHours < 0 {
		return fmt.Errorf("%w: request %s: negative duration", ErrInvalidRequest, r.ID)
	}
	if r.PriceRange.Min < 0 || (r.PriceRange.Max > 0 && r.PriceRange.Max < r.PriceRange.Min) {
		return fmt.Errorf("%w: request %s: price range %v-%v", ErrInvalidRequest, r.ID, r.PriceRange.Min, r.PriceRange.Max)
	}
	return nil
}

func (r ServiceRequest) emergency() bool {
	return r.Urgency == UrgencyEmergency
}

// billableHours is the duration used for quoting and for the availability
// window; jobs bill at least one hour.
func (r ServiceRequest) billableHours() float64 {
	if r.EstimatedDurationHours < 1 {
		return 1
	}
	return r.EstimatedDurationHours
}

// Breakdown holds the six normalized factors, each in [0,1], before weighting.
type Breakdown struct {
	Distance     float64 `json:"distance"`
	Availability float64 `json:"availability"`
	Rating       float64 `json:"rating"`
	Experience   float64 `json:"experience"`
	Price        float64 `json:"price"`
	ResponseTime float64 `json:"response_time"`
}

// Factors returns the breakdown values in a fixed order.
func (b Breakdown) Factors() []float64 {
	return []float64{b.Distance, b.Availability, b.Rating, b.Experience, b.Price, b.ResponseTime}
}

// Boosts are the premium multipliers applied to weighted contributions.
// 1 means no boost.
type Boosts struct {
	Rating       float64 `json:"rating"`
	ResponseTime float64 `json:"response_time"`
}

type MatchScore struct {
	ContractorID            types.ID           `json:"contractor_id"`
	Score                   float64            `json:"score"`
	Breakdown               Breakdown          `json:"breakdown"`
	Boosts                  Boosts             `json:"boosts"`
	CertificationBonus      float64            `json:"certification_bonus,omitempty"`
	Distance                float64            `json:"distance"`
	Unit                    geo.Unit           `json:"unit"`
	EstimatedArrivalMinutes int                `json:"estimated_arrival_minutes"`
	QuotedPrice             types.Money        `json:"quoted_price"`
	Contractor              contractor.Profile `json:"-"`
}
