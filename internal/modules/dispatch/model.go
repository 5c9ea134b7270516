// README: Dispatch results, per-offer states and the offer state machine.
package dispatch

import (
	"errors"
	"time"

	"homematch/internal/modules/contractor"
	"homematch/internal/modules/matching"
	"homematch/internal/types"
)

var (
	ErrNotFound           = errors.New("dispatch not found")
	ErrAlreadyDispatching = errors.New("request is already being dispatched")
	ErrFinished           = errors.New("dispatch already finished")
	ErrUnknownOffer       = errors.New("offer is not awaiting a response")
	ErrWrongContractor    = errors.New("offer belongs to another contractor")
	ErrShuttingDown       = errors.New("dispatch service is shutting down")
	ErrNoEventLog         = errors.New("dispatch event log not configured")
)

// OfferState is the state of one offer to one contractor.
type OfferState string

const (
	OfferOffered   OfferState = "offered"
	OfferAccepted  OfferState = "accepted"
	OfferDeclined  OfferState = "declined"
	OfferTimedOut  OfferState = "timed_out"
	OfferWithdrawn OfferState = "withdrawn"
)

// AllowedTransitions represents the offer state flow as code. Withdrawn is
// only reached when the whole dispatch is cancelled mid-offer.
var AllowedTransitions = map[OfferState][]OfferState{
	OfferOffered: {OfferAccepted, OfferDeclined, OfferTimedOut, OfferWithdrawn},
}

func CanTransition(from, to OfferState) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// Status is the overall state of a dispatch.
type Status string

const (
	StatusRunning    Status = "running"
	StatusAccepted   Status = "accepted"
	StatusUnassigned Status = "unassigned"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusAccepted || s == StatusUnassigned || s == StatusCancelled
}

// Offer is what the channel delivers to a contractor.
type Offer struct {
	ID         types.ID                `json:"id"`
	DispatchID types.ID                `json:"dispatch_id"`
	Rank       int                     `json:"rank"`
	Contractor contractor.Profile      `json:"-"`
	Request    matching.ServiceRequest `json:"request"`
	Match      matching.MatchScore     `json:"match"`
	Timeout    time.Duration           `json:"timeout"`
	ExpiresAt  time.Time               `json:"expires_at"`
}

// Attempt records how one offer resolved.
type Attempt struct {
	OfferID      types.ID      `json:"offer_id"`
	ContractorID types.ID      `json:"contractor_id"`
	Rank         int           `json:"rank"`
	State        OfferState    `json:"state"`
	Timeout      time.Duration `json:"timeout"`
	OfferedAt    time.Time     `json:"offered_at"`
	Took         time.Duration `json:"took"`
	Error        string        `json:"error,omitempty"`
}

type Result struct {
	DispatchID     types.ID             `json:"dispatch_id"`
	RequestID      types.ID             `json:"request_id"`
	Status         Status               `json:"status"`
	ContractorID   types.ID             `json:"contractor_id,omitempty"`
	Match          *matching.MatchScore `json:"match,omitempty"`
	AttemptedCount int                  `json:"attempted_count"`
	Attempts       []Attempt            `json:"attempts"`
	StartedAt      time.Time            `json:"started_at"`
	FinishedAt     *time.Time           `json:"finished_at,omitempty"`
}

// Accepted reports whether a contractor took the job.
func (r Result) Accepted() bool { return r.Status == StatusAccepted }

// Event is one audit row in dispatch_events.
type Event struct {
	ID           int64
	DispatchID   types.ID
	RequestID    types.ID
	OfferID      *types.ID
	ContractorID *types.ID
	FromState    string
	ToState      string
	CreatedAt    time.Time
}
