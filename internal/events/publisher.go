// README: RabbitMQ publisher announcing finished dispatches to the booking service.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"homematch/internal/modules/dispatch"
	"homematch/internal/types"
)

const DefaultExchange = "homematch.dispatch"

// channel is the subset of *amqp.Channel the publisher uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// OutcomeMessage is the body of dispatch.* events.
type OutcomeMessage struct {
	DispatchID              types.ID     `json:"dispatch_id"`
	RequestID               types.ID     `json:"request_id"`
	Status                  string       `json:"status"`
	ContractorID            types.ID     `json:"contractor_id,omitempty"`
	Score                   float64      `json:"score,omitempty"`
	EstimatedArrivalMinutes int          `json:"estimated_arrival_minutes,omitempty"`
	QuotedPrice             *types.Money `json:"quoted_price,omitempty"`
	AttemptedCount          int          `json:"attempted_count"`
	FinishedAt              time.Time    `json:"finished_at"`
}

type Publisher struct {
	ch       channel
	exchange string
	log      *zap.Logger
}

// NewPublisher declares the topic exchange and returns a publisher bound to it.
func NewPublisher(ch *amqp.Channel, exchange string, log *zap.Logger) (*Publisher, error) {
	return newPublisher(ch, exchange, log)
}

func newPublisher(ch channel, exchange string, log *zap.Logger) (*Publisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}
	return &Publisher{ch: ch, exchange: exchange, log: log.Named("events")}, nil
}

// RoutingKey is dispatch.<status>, e.g. dispatch.accepted.
func RoutingKey(status dispatch.Status) string {
	return "dispatch." + string(status)
}

// PublishOutcome implements dispatch.OutcomePublisher.
func (p *Publisher) PublishOutcome(ctx context.Context, r dispatch.Result) error {
	if !r.Status.Terminal() {
		return fmt.Errorf("dispatch %s is still %s", r.DispatchID, r.Status)
	}

	body, err := json.Marshal(outcomeMessage(r))
	if err != nil {
		return err
	}
	key := RoutingKey(r.Status)
	if err := p.ch.PublishWithContext(
		ctx,
		p.exchange,
		key,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    string(r.DispatchID),
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	); err != nil {
		return fmt.Errorf("publishing %s for dispatch %s: %w", key, r.DispatchID, err)
	}

	p.log.Info("dispatch outcome published", zap.String("dispatch_id", string(r.DispatchID)), zap.String("routing_key", key))
	return nil
}

func outcomeMessage(r dispatch.Result) OutcomeMessage {
	msg := OutcomeMessage{
		DispatchID:     r.DispatchID,
		RequestID:      r.RequestID,
		Status:         string(r.Status),
		ContractorID:   r.ContractorID,
		AttemptedCount: r.AttemptedCount,
	}
	if r.FinishedAt != nil {
		msg.FinishedAt = r.FinishedAt.UTC()
	}
	if r.Match != nil {
		price := r.Match.QuotedPrice
		msg.Score = r.Match.Score
		msg.EstimatedArrivalMinutes = r.Match.EstimatedArrivalMinutes
		msg.QuotedPrice = &price
	}
	return msg
}
