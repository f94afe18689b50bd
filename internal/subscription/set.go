package subscription

import (
	"context"
	"sort"
	"time"

	"github.com/gopcua/opcua/ua"

	"github.com/nexus-edge/opcua-server/internal/addressspace"
	"github.com/nexus-edge/opcua-server/internal/diagnostics"
)

// PublishRequestTimeout is the fixed staleness bound for queued publish
// requests (OPC UA Part 4 §5.13.1.2's PublishRequestTimeout).
const PublishRequestTimeout = 30 * time.Second

// PublishOutcomeKind distinguishes what a dispatched publish request
// resolved to.
type PublishOutcomeKind int

const (
	OutcomeNotification PublishOutcomeKind = iota
	OutcomeTimeout
	OutcomeNoSubscription
)

// PublishOutcome pairs a queued publish request's RequestID with what it
// resolved to.
type PublishOutcome struct {
	RequestID      uint32
	Kind           PublishOutcomeKind
	SubscriptionID uint32
	Notification   *NotificationMessage
}

type pendingPublishRequest struct {
	requestID uint32
	arrival   time.Time
}

// SubscriptionSet owns every subscription belonging to one session plus
// the FIFO of publish requests that subscription can be dispatched
// against.
type SubscriptionSet struct {
	maxSubscriptions uint32
	nextSubID        uint32

	subscriptions map[uint32]*Subscription
	publishQueue  []pendingPublishRequest

	diagnostics diagnostics.Sink
}

// NewSubscriptionSet returns an empty set that rejects creation past
// maxSubscriptions.
func NewSubscriptionSet(maxSubscriptions uint32, sink diagnostics.Sink) *SubscriptionSet {
	return &SubscriptionSet{
		maxSubscriptions: maxSubscriptions,
		nextSubID:        1,
		subscriptions:    make(map[uint32]*Subscription),
		diagnostics:      sink,
	}
}

// CreateSubscription allocates a new subscription id and Subscription,
// revising the publishing interval and counters to server minimums per
// spec: publishingInterval is floored at minPublishingInterval and
// maxLifetimeCount is floored at 3*maxKeepAliveCount.
func (s *SubscriptionSet) CreateSubscription(publishingEnabled bool, publishingInterval time.Duration, minPublishingInterval time.Duration, maxLifetimeCount, maxKeepAliveCount uint32, priority uint8) (*Subscription, ua.StatusCode) {
	if uint32(len(s.subscriptions)) >= s.maxSubscriptions {
		return nil, StatusBadTooManySubscriptions
	}

	if publishingInterval < minPublishingInterval {
		publishingInterval = minPublishingInterval
	}
	if maxLifetimeCount < 3*maxKeepAliveCount {
		maxLifetimeCount = 3 * maxKeepAliveCount
	}

	id := s.nextSubID
	s.nextSubID++

	sub := New(id, publishingEnabled, publishingInterval, maxLifetimeCount, maxKeepAliveCount, priority, s.diagnostics)
	s.subscriptions[id] = sub
	return sub, ua.StatusOK
}

// Get returns a subscription by id, or nil if it does not exist in this set.
func (s *SubscriptionSet) Get(id uint32) (*Subscription, bool) {
	sub, ok := s.subscriptions[id]
	return sub, ok
}

// DeleteSubscription removes a subscription and notifies diagnostics.
// Returns BadSubscriptionIDInvalid if it did not exist.
func (s *SubscriptionSet) DeleteSubscription(id uint32) ua.StatusCode {
	if _, ok := s.subscriptions[id]; !ok {
		return ua.StatusBadSubscriptionIDInvalid
	}
	delete(s.subscriptions, id)
	s.diagnostics.OnDestroySubscription(id)
	return ua.StatusOK
}

// Len reports how many subscriptions this set currently owns.
func (s *SubscriptionSet) Len() int { return len(s.subscriptions) }

// MonitoredItemCount reports the total number of monitored items across
// every subscription in this set.
func (s *SubscriptionSet) MonitoredItemCount() int {
	total := 0
	for _, sub := range s.subscriptions {
		total += sub.MonitoredItemCount()
	}
	return total
}

// EnqueuePublishRequest appends a publish request to the FIFO.
func (s *SubscriptionSet) EnqueuePublishRequest(requestID uint32, now time.Time) {
	s.publishQueue = append(s.publishQueue, pendingPublishRequest{requestID: requestID, arrival: now})
}

// PendingPublishRequests reports how many publish requests are queued.
func (s *SubscriptionSet) PendingPublishRequests() int { return len(s.publishQueue) }

// ExpireStalePublishRequests completes, with BadTimeout, every queued
// publish request older than PublishRequestTimeout, in arrival order,
// before any dispatch runs.
func (s *SubscriptionSet) ExpireStalePublishRequests(now time.Time) []PublishOutcome {
	var outcomes []PublishOutcome
	var kept []pendingPublishRequest
	for _, req := range s.publishQueue {
		if now.Sub(req.arrival) > PublishRequestTimeout {
			outcomes = append(outcomes, PublishOutcome{RequestID: req.requestID, Kind: OutcomeTimeout})
			continue
		}
		kept = append(kept, req)
	}
	s.publishQueue = kept
	return outcomes
}

// TickAll ticks every subscription in ascending subscription-id order (for
// reproducibility — map iteration order is unspecified in Go), then
// dispatches queued publish requests to whichever subscriptions produced
// output this tick, in strict decreasing priority order with
// subscription-id ascending as the tie-break. Subscriptions that closed
// during the tick are removed after dispatch and reported to diagnostics;
// no status-change notification is produced for them and no publish
// request is consumed on their behalf. Once no subscriptions remain, the
// next TickAll resolves every queued request with BadNoSubscription.
func (s *SubscriptionSet) TickAll(ctx context.Context, as addressspace.AddressSpace, reason TickReason, now time.Time) []PublishOutcome {
	if len(s.subscriptions) == 0 && len(s.publishQueue) > 0 {
		outcomes := make([]PublishOutcome, 0, len(s.publishQueue))
		for _, req := range s.publishQueue {
			outcomes = append(outcomes, PublishOutcome{RequestID: req.requestID, Kind: OutcomeNoSubscription})
		}
		s.publishQueue = nil
		return outcomes
	}

	ids := s.sortedSubscriptionIDs()
	publishReqQueued := len(s.publishQueue) > 0

	type produced struct {
		id           uint32
		priority     uint8
		notification *NotificationMessage
	}
	var withOutput []produced

	for _, id := range ids {
		sub := s.subscriptions[id]
		notif := sub.Tick(ctx, as, reason, publishReqQueued, now)
		if notif != nil {
			withOutput = append(withOutput, produced{id: id, priority: sub.Priority, notification: notif})
		}
	}

	sort.SliceStable(withOutput, func(i, j int) bool {
		if withOutput[i].priority != withOutput[j].priority {
			return withOutput[i].priority > withOutput[j].priority
		}
		return withOutput[i].id < withOutput[j].id
	})

	var outcomes []PublishOutcome
	for _, p := range withOutput {
		if len(s.publishQueue) == 0 {
			break
		}
		req := s.publishQueue[0]
		s.publishQueue = s.publishQueue[1:]
		outcomes = append(outcomes, PublishOutcome{
			RequestID:      req.requestID,
			Kind:           OutcomeNotification,
			SubscriptionID: p.id,
			Notification:   p.notification,
		})
	}

	for _, id := range ids {
		if s.subscriptions[id].State() == StateClosed {
			delete(s.subscriptions, id)
			s.diagnostics.OnDestroySubscription(id)
		}
	}

	return outcomes
}

func (s *SubscriptionSet) sortedSubscriptionIDs() []uint32 {
	ids := make([]uint32, 0, len(s.subscriptions))
	for id := range s.subscriptions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
