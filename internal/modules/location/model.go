// README: Contractor position reports and their persisted snapshots.
package location

import (
	"errors"
	"time"

	"homematch/internal/types"
)

var ErrInvalidUpdate = errors.New("invalid location update")

// Update is one position report from a contractor's device. Seq increases per
// device; a report whose Seq is not above the last accepted one is dropped.
// Seq 0 disables the ordering check.
type Update struct {
	ContractorID types.ID
	Seq          int64
	Position     types.Point
	// Active false takes the contractor out of the nearby index.
	Active bool
}

type Result struct {
	Accepted  bool   `json:"accepted"`
	Reason    string `json:"reason,omitempty"`
	Persisted bool   `json:"persisted"`
}

const (
	ReasonStale    = "stale"
	ReasonInactive = "inactive"
)

type Snapshot struct {
	ID           int64
	ContractorID types.ID
	Position     types.Point
	RecordedAt   time.Time
}
