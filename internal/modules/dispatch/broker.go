// README: Offer responses travel from whichever instance received them to the waiting dispatcher.
package dispatch

import (
	"context"
	"sync"
	"time"

	"homematch/internal/types"
)

// Response is a contractor's answer to an offer.
type Response struct {
	OfferID      types.ID  `json:"offer_id"`
	ContractorID types.ID  `json:"contractor_id"`
	Accept       bool      `json:"accept"`
	RespondedAt  time.Time `json:"responded_at"`
}

// ResponseBroker routes responses to the subscriber waiting on an offer.
// Publish returns ErrUnknownOffer when nobody is waiting.
type ResponseBroker interface {
	Subscribe(ctx context.Context, offerID types.ID) (<-chan Response, func(), error)
	Publish(ctx context.Context, r Response) error
}

// MemoryBroker is a single-instance ResponseBroker.
type MemoryBroker struct {
	mu   sync.Mutex
	subs map[types.ID]chan Response
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: map[types.ID]chan Response{}}
}

func (b *MemoryBroker) Subscribe(_ context.Context, offerID types.ID) (<-chan Response, func(), error) {
	ch := make(chan Response, 1)
	b.mu.Lock()
	b.subs[offerID] = ch
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			if b.subs[offerID] == ch {
				delete(b.subs, offerID)
			}
			b.mu.Unlock()
		})
	}
	return ch, unsubscribe, nil
}

func (b *MemoryBroker) Publish(_ context.Context, r Response) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.subs[r.OfferID]
	if !ok {
		return ErrUnknownOffer
	}
	select {
	case ch <- r:
	default:
		// first answer wins
		return ErrUnknownOffer
	}
	return nil
}
