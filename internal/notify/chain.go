package notify

import (
	"context"
	"errors"

	"homematch/internal/modules/dispatch"
)

// Chain tries each notifier in order and stops at the first delivery.
// Typical order is the live socket first, then push.
type Chain []dispatch.Notifier

func (c Chain) NotifyOffer(ctx context.Context, o dispatch.Offer) error {
	if len(c) == 0 {
		return ErrNotConnected
	}
	var errs []error
	for _, n := range c {
		err := n.NotifyOffer(ctx, o)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}
