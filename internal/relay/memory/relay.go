// Package memory is an in-process signal relay for tests and single-node
// deployments.
package memory

import (
	"context"
	"sync"

	"echolink-backend/internal/domain"
	"echolink-backend/internal/relay"
)

const subscriberBuffer = 64

// Relay fans signals out to in-process subscribers in publish order
type Relay struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

type subscriber struct {
	ch chan domain.Signal
}

// NewRelay creates an empty in-memory relay
func NewRelay() *Relay {
	return &Relay{subs: make(map[string]map[*subscriber]struct{})}
}

// Publish delivers the signal to every subscriber of the call's channel.
// A subscriber that falls more than subscriberBuffer signals behind loses
// the oldest ones; negotiation bursts are far smaller than that.
func (r *Relay) Publish(_ context.Context, sig domain.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for sub := range r.subs[sig.CallID] {
		for {
			select {
			case sub.ch <- sig:
			default:
				select {
				case <-sub.ch:
				default:
				}
				continue
			}
			break
		}
	}
	return nil
}

// Subscribe opens a feed of signals for one call
func (r *Relay) Subscribe(_ context.Context, callID string) (*relay.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub := &subscriber{ch: make(chan domain.Signal, subscriberBuffer)}
	if r.subs[callID] == nil {
		r.subs[callID] = make(map[*subscriber]struct{})
	}
	r.subs[callID][sub] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs[callID], sub)
			if len(r.subs[callID]) == 0 {
				delete(r.subs, callID)
			}
			close(sub.ch)
			r.mu.Unlock()
		})
	}
	return relay.NewSubscription(sub.ch, cancel), nil
}
