package call

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"echolink-backend/internal/domain"
	"echolink-backend/internal/signalstore"
	"echolink-backend/pkg/logger"
)

const (
	routerBuffer       = 16
	routerRetryBackoff = 2 * time.Second
)

// Update is one routing decision. Call carries the latest snapshot of the
// current call, including its terminal snapshot; nil means no current call.
type Update struct {
	Call *domain.CallRecord
}

// Router decides which call is current for one participant. It watches the
// aggregate set of live calls the user participates in, elects at most one
// current call, and follows that call on a dedicated watch until it turns
// terminal or unresolvable. While a current call exists, newer ringing calls
// are ignored; they become eligible again once the current call resolves.
type Router struct {
	store  signalstore.Store
	userID uuid.UUID

	updates chan Update
	pins    chan string
}

// NewRouter creates a router for one participant. Run must be started for
// updates to flow.
func NewRouter(store signalstore.Store, userID uuid.UUID) *Router {
	return &Router{
		store:   store,
		userID:  userID,
		updates: make(chan Update, routerBuffer),
		pins:    make(chan string, 1),
	}
}

// Updates is the routing decision feed. Slow consumers lose intermediate
// updates, never the latest one.
func (r *Router) Updates() <-chan Update {
	return r.updates
}

// Pin makes the given call current regardless of election order. Used for
// outgoing calls: the caller must follow its own record from the moment of
// creation so a fast decline is never missed.
func (r *Router) Pin(callID string) {
	// Replace a pending pin rather than block
	for {
		select {
		case r.pins <- callID:
			return
		default:
			select {
			case <-r.pins:
			default:
			}
		}
	}
}

// Run drives the router until ctx is canceled
func (r *Router) Run(ctx context.Context) {
	agg := r.subscribeAggregate(ctx, true)
	if agg == nil {
		return
	}
	defer func() {
		if agg != nil {
			agg.Cancel()
		}
	}()

	var (
		liveCalls []*domain.CallRecord
		currentID string
		recWatch  *signalstore.RecordWatch
	)
	defer func() {
		if recWatch != nil {
			recWatch.Cancel()
		}
	}()

	setCurrent := func(id string) {
		// Swap the dedicated watch, never leak the old one
		if recWatch != nil {
			recWatch.Cancel()
			recWatch = nil
		}
		currentID = id
		if id == "" {
			return
		}
		w, err := r.store.WatchOne(ctx, id)
		if err != nil {
			logger.Warn("failed to watch current call",
				zap.String("call_id", id), zap.Error(err))
			currentID = ""
			r.push(Update{})
			return
		}
		recWatch = w
	}

	elect := func() {
		if currentID != "" {
			return
		}
		if cand := electCurrent(liveCalls, r.userID); cand != nil {
			setCurrent(cand.ID)
		}
	}

	for {
		var recC <-chan signalstore.RecordSnapshot
		if recWatch != nil {
			recC = recWatch.C
		}

		select {
		case <-ctx.Done():
			return

		case snap, ok := <-agg.C:
			if !ok {
				// Aggregate feed died: degrade to "no incoming calls" and
				// re-establish. The dedicated watch, if any, keeps running.
				liveCalls = nil
				if currentID == "" {
					r.push(Update{})
				}
				agg = r.subscribeAggregate(ctx, currentID == "")
				if agg == nil {
					return
				}
				continue
			}
			liveCalls = snap
			elect()

		case id := <-r.pins:
			setCurrent(id)

		case snap, ok := <-recC:
			if !ok {
				// Stale watch canceled during a swap
				continue
			}
			if !snap.Exists {
				// Unresolvable is equivalent to ended
				r.push(Update{})
				setCurrent("")
				elect()
				continue
			}
			r.push(Update{Call: snap.Record})
			if snap.Record.Status.Terminal() {
				setCurrent("")
				elect()
			}
		}
	}
}

// subscribeAggregate retries until the aggregate watch is established.
// notifyEmpty degrades the consumer to "no current call" on each failure;
// callers pass false while a pinned call is still being followed so a
// transient aggregate failure cannot tear it down.
func (r *Router) subscribeAggregate(ctx context.Context, notifyEmpty bool) *signalstore.Watch {
	for {
		agg, err := r.store.Watch(ctx, signalstore.Query{
			Participant: r.userID,
			Statuses:    []domain.CallStatus{domain.CallStatusRinging, domain.CallStatusActive},
		})
		if err == nil {
			return agg
		}
		logger.Warn("failed to subscribe to call presence, retrying",
			zap.String("user_id", r.userID.String()), zap.Error(err))
		if notifyEmpty {
			r.push(Update{})
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(routerRetryBackoff):
		}
	}
}

// push delivers an update, dropping the oldest queued one when the consumer
// lags so the latest decision always lands.
func (r *Router) push(u Update) {
	for {
		select {
		case r.updates <- u:
			return
		default:
			select {
			case <-r.updates:
			default:
			}
		}
	}
}

// electCurrent picks the incoming ringing call that started first. Stable
// under snapshot reordering: ties break on record ID.
func electCurrent(calls []*domain.CallRecord, userID uuid.UUID) *domain.CallRecord {
	var candidates []*domain.CallRecord
	for _, c := range calls {
		if c.Status == domain.CallStatusRinging && c.InitiatorID != userID {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].StartedAt.Equal(candidates[j].StartedAt) {
			return candidates[i].StartedAt.Before(candidates[j].StartedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0]
}
