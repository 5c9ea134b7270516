package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"homematch/internal/types"
)

const responseChannelPrefix = "dispatch:offer:%s:response"

// RedisBroker routes responses over Redis pub/sub so the instance that
// receives a contractor's answer need not be the one running the dispatch.
type RedisBroker struct {
	redis *redis.Client
	log   *zap.Logger
}

func NewRedisBroker(redis *redis.Client, log *zap.Logger) *RedisBroker {
	return &RedisBroker{redis: redis, log: log.Named("redis_broker")}
}

func (b *RedisBroker) Subscribe(ctx context.Context, offerID types.ID) (<-chan Response, func(), error) {
	ps := b.redis.Subscribe(ctx, responseChannel(offerID))
	// wait for the subscription to be confirmed so an early Publish is not lost
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribing to offer %s: %w", offerID, err)
	}

	out := make(chan Response, 1)
	done := make(chan struct{})
	go func() {
		msgs := ps.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var r Response
				if err := json.Unmarshal([]byte(msg.Payload), &r); err != nil {
					b.log.Warn("dropping malformed offer response",
						zap.String("offer_id", string(offerID)), zap.Error(err))
					continue
				}
				select {
				case out <- r:
				default:
				}
			}
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}
	return out, unsubscribe, nil
}

func (b *RedisBroker) Publish(ctx context.Context, r Response) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	n, err := b.redis.Publish(ctx, responseChannel(r.OfferID), payload).Result()
	if err != nil {
		return fmt.Errorf("publishing response for offer %s: %w", r.OfferID, err)
	}
	if n == 0 {
		return ErrUnknownOffer
	}
	return nil
}

func responseChannel(offerID types.ID) string {
	return fmt.Sprintf(responseChannelPrefix, string(offerID))
}
