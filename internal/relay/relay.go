// Package relay carries WebRTC negotiation messages (offers, answers, ICE
// candidates) between the participants of a call. Each call gets its own
// channel; relays preserve per-channel publish order so receivers can apply
// descriptions and candidates exactly as they arrive, without reordering.
package relay

import (
	"context"

	"echolink-backend/internal/domain"
)

// Subscription is a live per-call signal feed. C delivers signals in publish
// order until Cancel is called. Cancel is safe to call more than once.
type Subscription struct {
	C      <-chan domain.Signal
	cancel func()
}

// NewSubscription wraps a signal channel and its cancel hook. Intended for
// relay implementations.
func NewSubscription(c <-chan domain.Signal, cancel func()) *Subscription {
	return &Subscription{C: c, cancel: cancel}
}

// Cancel stops the subscription
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Relay is the negotiation transport contract
type Relay interface {
	// Publish sends a signal on the call's channel.
	Publish(ctx context.Context, sig domain.Signal) error

	// Subscribe opens a feed of signals for one call.
	Subscribe(ctx context.Context, callID string) (*Subscription, error)
}
