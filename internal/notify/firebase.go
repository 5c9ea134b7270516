// README: FCM push delivery of job offers to contractor devices.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"

	"homematch/internal/modules/dispatch"
)

var ErrNoDeviceToken = errors.New("contractor has no device token")

// messageSender is the subset of *messaging.Client the notifier needs.
type messageSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

type FirebaseNotifier struct {
	msgClient messageSender
	log       *zap.Logger
}

func NewFirebaseNotifier(client *messaging.Client, log *zap.Logger) *FirebaseNotifier {
	return &FirebaseNotifier{msgClient: client, log: log.Named("fcm")}
}

// NotifyOffer sends an FCM data message for o to the contractor's device.
func (n *FirebaseNotifier) NotifyOffer(ctx context.Context, o dispatch.Offer) error {
	if o.Contractor.DeviceToken == "" {
		return fmt.Errorf("offer %s to %s: %w", o.ID, o.Contractor.ID, ErrNoDeviceToken)
	}

	messageID, err := n.msgClient.Send(ctx, offerMessage(o))
	if err != nil {
		return fmt.Errorf("sending FCM for offer %s: %w", o.ID, err)
	}

	n.log.Info("offer pushed",
		zap.String("offer_id", string(o.ID)),
		zap.String("contractor_id", string(o.Contractor.ID)),
		zap.String("message_id", messageID))
	return nil
}

func offerMessage(o dispatch.Offer) *messaging.Message {
	price := o.Match.QuotedPrice
	return &messaging.Message{
		Token: o.Contractor.DeviceToken,
		Data: map[string]string{
			"type":         "job_offer",
			"offer_id":     string(o.ID),
			"dispatch_id":  string(o.DispatchID),
			"request_id":   string(o.Request.ID),
			"service":      o.Request.Service,
			"urgency":      string(o.Request.Urgency),
			"distance":     strconv.FormatFloat(o.Match.Distance, 'f', 2, 64),
			"unit":         string(o.Match.Unit),
			"quoted_price": strconv.FormatFloat(price.Float(), 'f', 2, 64),
			"currency":     price.Currency,
			"expires_at":   o.ExpiresAt.UTC().Format(time.RFC3339),
		},
		Notification: &messaging.Notification{
			Title: "New " + o.Request.Service + " job",
			Body:  fmt.Sprintf("%.1f %s away, quoted %.2f %s", o.Match.Distance, o.Match.Unit, price.Float(), price.Currency),
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}
}
