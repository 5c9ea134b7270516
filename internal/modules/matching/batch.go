package matching

import (
	"context"

	"golang.org/x/sync/errgroup"

	"homematch/internal/modules/contractor"
	"homematch/internal/types"
)

// BatchResult is the outcome for one request of a batch. A request that fails
// validation carries Err and no matches; the rest of the batch still runs.
type BatchResult struct {
	RequestID types.ID     `json:"request_id"`
	Matches   []MatchScore `json:"matches"`
	Err       error        `json:"-"`
	Error     string       `json:"error,omitempty"`
}

// MatchBatch matches every request against the shared pool concurrently.
// Results are in request order and len(results) == len(reqs).
func (m *Matcher) MatchBatch(ctx context.Context, reqs []ServiceRequest, contractors []contractor.Profile, limit int) ([]BatchResult, error) {
	results := make([]BatchResult, len(reqs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.BatchConcurrency)

	for i, req := range reqs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			matches, err := m.FindBestMatches(req, contractors, limit)
			results[i] = BatchResult{RequestID: req.ID, Matches: matches}
			if err != nil {
				results[i].Err = err
				results[i].Error = err.Error()
				results[i].Matches = []MatchScore{}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
