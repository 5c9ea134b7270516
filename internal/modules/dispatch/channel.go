package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// SimulatedChannel answers offers with a random draw against the contractor's
// historical acceptance rate after a random response delay. Used by the bench
// runner and when no real notification channel is configured.
type SimulatedChannel struct {
	mu       sync.Mutex
	rng      *rand.Rand
	maxDelay time.Duration
}

func NewSimulatedChannel(rng *rand.Rand, maxDelay time.Duration) *SimulatedChannel {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &SimulatedChannel{rng: rng, maxDelay: maxDelay}
}

func (c *SimulatedChannel) Offer(ctx context.Context, o Offer) (OfferState, error) {
	c.mu.Lock()
	accept := c.rng.Float64() < o.Contractor.AcceptanceRate
	var delay time.Duration
	if c.maxDelay > 0 {
		delay = time.Duration(c.rng.Int63n(int64(c.maxDelay)))
	}
	c.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return OfferTimedOut, nil
		}
		return "", ctx.Err()
	case <-timer.C:
	}
	if accept {
		return OfferAccepted, nil
	}
	return OfferDeclined, nil
}
