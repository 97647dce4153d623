// Package redis carries negotiation signals over Redis Pub/Sub, one channel
// per call (`call:<id>`). Redis preserves publish order within a channel,
// which is the ordering guarantee receivers rely on. This is the transport
// that lets multiple service instances host participants of the same call.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"echolink-backend/internal/domain"
	relaypkg "echolink-backend/internal/relay"
	"echolink-backend/pkg/logger"
)

const subscriberBuffer = 64

// Relay is a Redis Pub/Sub signal relay
type Relay struct {
	client *redis.Client
}

// NewRelay creates a relay over the given Redis client
func NewRelay(client *redis.Client) *Relay {
	return &Relay{client: client}
}

func channelFor(callID string) string {
	return fmt.Sprintf("call:%s", callID)
}

// Publish sends a signal on the call's channel
func (r *Relay) Publish(ctx context.Context, sig domain.Signal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}
	if err := r.client.Publish(ctx, channelFor(sig.CallID), payload).Err(); err != nil {
		return domain.ErrSignalingUnavailable
	}
	return nil
}

// Subscribe opens a feed of signals for one call
func (r *Relay) Subscribe(ctx context.Context, callID string) (*relaypkg.Subscription, error) {
	pubsub := r.client.Subscribe(ctx, channelFor(callID))

	// Confirm the subscription before any publish can be missed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, domain.ErrSignalingUnavailable
	}

	ch := make(chan domain.Signal, subscriberBuffer)
	sctx, cancelCtx := context.WithCancel(ctx)

	go func() {
		defer close(ch)
		msgs := pubsub.Channel()
		for {
			select {
			case <-sctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var sig domain.Signal
				if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
					logger.Warn("dropping malformed signal",
						zap.String("call_id", callID), zap.Error(err))
					continue
				}
				select {
				case ch <- sig:
				case <-sctx.Done():
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelCtx()
			_ = pubsub.Close()
		})
	}
	return relaypkg.NewSubscription(ch, cancel), nil
}
