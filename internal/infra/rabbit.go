// README: RabbitMQ connection with retry for the dispatch outcome publisher.
package infra

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const rabbitAttempts = 5

type Rabbit struct {
	Conn *amqp.Connection
	Chan *amqp.Channel
}

// NewRabbit dials url with exponential backoff and opens one channel.
func NewRabbit(ctx context.Context, url string, log *zap.Logger) (*Rabbit, error) {
	var err error
	backoff := time.Second
	for i := 1; i <= rabbitAttempts; i++ {
		var conn *amqp.Connection
		conn, err = amqp.Dial(url)
		if err == nil {
			ch, chErr := conn.Channel()
			if chErr != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("failed to open channel: %w", chErr)
			}
			return &Rabbit{Conn: conn, Chan: ch}, nil
		}

		log.Warn("rabbitmq connect failed", zap.Int("attempt", i), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after retries: %w", err)
}

func (r *Rabbit) Close() {
	if r.Chan != nil {
		_ = r.Chan.Close()
	}
	if r.Conn != nil {
		_ = r.Conn.Close()
	}
}
