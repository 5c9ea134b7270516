package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Notifier delivers an offer to the contractor (push, WebSocket, ...).
type Notifier interface {
	NotifyOffer(ctx context.Context, o Offer) error
}

// NotifyingChannel is the production OfferChannel: it delivers the offer
// through a Notifier and waits on the broker until the offer deadline.
type NotifyingChannel struct {
	notifier Notifier
	broker   ResponseBroker
	log      *zap.Logger
}

func NewNotifyingChannel(notifier Notifier, broker ResponseBroker, log *zap.Logger) *NotifyingChannel {
	return &NotifyingChannel{notifier: notifier, broker: broker, log: log.Named("offer_channel")}
}

func (c *NotifyingChannel) Offer(ctx context.Context, o Offer) (OfferState, error) {
	responses, unsubscribe, err := c.broker.Subscribe(ctx, o.ID)
	if err != nil {
		return "", err
	}
	defer unsubscribe()

	if err := c.notifier.NotifyOffer(ctx, o); err != nil {
		return "", fmt.Errorf("delivering offer %s to %s: %w", o.ID, o.Contractor.ID, err)
	}

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return OfferTimedOut, nil
			}
			return "", ctx.Err()
		case r := <-responses:
			if r.ContractorID != o.Contractor.ID {
				c.log.Warn("ignoring response from another contractor",
					zap.String("offer_id", string(o.ID)),
					zap.String("contractor_id", string(r.ContractorID)))
				continue
			}
			if r.Accept {
				return OfferAccepted, nil
			}
			return OfferDeclined, nil
		}
	}
}
