package subscription

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/gopcua/opcua/ua"

	"github.com/nexus-edge/opcua-server/internal/addressspace"
	"github.com/nexus-edge/opcua-server/internal/diagnostics"
)

// State is one of the five states of the OPC UA Part 4 5.13.1.2 publish
// state machine.
type State int

const (
	StateClosed State = iota
	StateCreating
	StateNormal
	StateLate
	StateKeepAlive
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateCreating:
		return "Creating"
	case StateNormal:
		return "Normal"
	case StateLate:
		return "Late"
	case StateKeepAlive:
		return "KeepAlive"
	default:
		return "Unknown"
	}
}

// TickReason distinguishes the two events that drive the state machine:
// a publish request arriving, or the publishing interval timer firing.
type TickReason int

const (
	TickReceivedPublishRequest TickReason = iota
	TickTimerFired
)

// updateAction is what update_state decided the tick should do, once
// Subscription.Tick has finished sampling monitored items.
type updateAction int

const (
	actionNone updateAction = iota
	actionReturnKeepAlive
	actionReturnNotifications
)

// stateParams bundles the inputs update_state reads beyond the current
// state and tick reason, mirroring SubscriptionStateParams in the
// reference implementation.
type stateParams struct {
	notificationsAvailable    bool
	moreNotifications         bool
	publishingReqQueued       bool
	publishingIntervalElapsed bool
}

// Subscription runs one client's publish/keep-alive/late state machine
// over a set of monitored items, per OPC UA Part 4 5.13.
type Subscription struct {
	ID                 uint32
	PublishingInterval time.Duration
	MaxLifetimeCount   uint32
	MaxKeepAliveCount  uint32
	Priority           uint8

	state               State
	publishingEnabled   bool
	resendData          bool
	currentLifetimeCnt  uint32
	currentKeepAliveCnt uint32
	messageSent         bool
	nextSequenceNumber  uint32
	nextMonitoredItemID uint32
	lastTimerExpired    time.Time

	monitoredItems map[uint32]*MonitoredItem

	diagnostics diagnostics.Sink
}

// New creates a subscription in the Creating state, which transitions to
// Normal on its first tick. Diagnostics.OnCreateSubscription fires
// immediately, matching the reference implementation's constructor.
func New(id uint32, publishingEnabled bool, publishingInterval time.Duration, lifetimeCount, keepAliveCount uint32, priority uint8, sink diagnostics.Sink) *Subscription {
	s := &Subscription{
		ID:                  id,
		PublishingInterval:  publishingInterval,
		MaxLifetimeCount:    lifetimeCount,
		MaxKeepAliveCount:   keepAliveCount,
		Priority:            priority,
		state:               StateCreating,
		publishingEnabled:   publishingEnabled,
		currentLifetimeCnt:  lifetimeCount,
		currentKeepAliveCnt: keepAliveCount,
		nextSequenceNumber:  1,
		nextMonitoredItemID: 1,
		monitoredItems:      make(map[uint32]*MonitoredItem),
		diagnostics:         sink,
	}
	s.diagnostics.OnCreateSubscription(id)
	return s
}

// State returns the subscription's current state.
func (s *Subscription) State() State { return s.state }

// MonitoredItemCount reports how many monitored items this subscription owns.
func (s *Subscription) MonitoredItemCount() int { return len(s.monitoredItems) }

// PublishingEnabled reports whether notifications are currently being sent.
func (s *Subscription) PublishingEnabled() bool { return s.publishingEnabled }

// SetPublishingMode enables or disables publishing without affecting
// monitored items, and resets the lifetime counter.
func (s *Subscription) SetPublishingMode(enabled bool) {
	s.publishingEnabled = enabled
	s.resetLifetimeCounter()
}

// SetResendData arranges for every monitored item to report its last
// value, whether or not it has changed, on the next tick.
func (s *Subscription) SetResendData() {
	s.resendData = true
}

// ResetLifetimeCounter resets the countdown to subscription expiry,
// exposed for callers (such as a Republish service) that touch a
// subscription without going through one of its mutating operations.
func (s *Subscription) ResetLifetimeCounter() {
	s.resetLifetimeCounter()
}

func (s *Subscription) resetLifetimeCounter() {
	s.currentLifetimeCnt = s.MaxLifetimeCount
}

func (s *Subscription) resetKeepAliveCounter() {
	s.currentKeepAliveCnt = s.MaxKeepAliveCount
}

func (s *Subscription) startPublishingTimer() {
	if s.currentLifetimeCnt > 0 {
		s.currentLifetimeCnt--
	}
}

// CreateMonitoredItems creates one monitored item per request, returning a
// CreateMonitoredItemsResponse-style result for each in request order.
func (s *Subscription) CreateMonitoredItems(ctx context.Context, as addressspace.AddressSpace, reqs []*ua.MonitoredItemCreateRequest) []*ua.MonitoredItemCreateResult {
	s.resetLifetimeCounter()

	results := make([]*ua.MonitoredItemCreateResult, 0, len(reqs))
	for _, req := range reqs {
		id := s.nextMonitoredItemID
		mi, status := NewMonitoredItem(ctx, id, as, req)
		if status != ua.StatusOK {
			results = append(results, &ua.MonitoredItemCreateResult{StatusCode: status})
			continue
		}

		s.monitoredItems[id] = mi
		s.nextMonitoredItemID++

		results = append(results, &ua.MonitoredItemCreateResult{
			StatusCode:              status,
			MonitoredItemID:         id,
			RevisedSamplingInterval: float64(mi.samplingInterval / time.Millisecond),
			RevisedQueueSize:        mi.queueSize,
		})
	}
	return results
}

// ModifyMonitoredItems modifies existing monitored items by id, returning
// BadMonitoredItemIDInvalid for ids the subscription does not own.
func (s *Subscription) ModifyMonitoredItems(reqs []*ua.MonitoredItemModifyRequest) []*ua.MonitoredItemModifyResult {
	s.resetLifetimeCounter()

	results := make([]*ua.MonitoredItemModifyResult, 0, len(reqs))
	for _, req := range reqs {
		mi, ok := s.monitoredItems[req.MonitoredItemID]
		if !ok {
			results = append(results, &ua.MonitoredItemModifyResult{StatusCode: StatusBadMonitoredItemIDInvalid})
			continue
		}

		status := mi.Modify(req)
		if status != ua.StatusOK {
			results = append(results, &ua.MonitoredItemModifyResult{StatusCode: status})
			continue
		}

		results = append(results, &ua.MonitoredItemModifyResult{
			StatusCode:              status,
			RevisedSamplingInterval: float64(mi.samplingInterval / time.Millisecond),
			RevisedQueueSize:        mi.queueSize,
		})
	}
	return results
}

// DeleteMonitoredItems removes monitored items by id, returning
// BadMonitoredItemIDInvalid for ids the subscription does not own.
func (s *Subscription) DeleteMonitoredItems(ids []uint32) []ua.StatusCode {
	s.resetLifetimeCounter()

	results := make([]ua.StatusCode, 0, len(ids))
	for _, id := range ids {
		if _, ok := s.monitoredItems[id]; ok {
			delete(s.monitoredItems, id)
			results = append(results, ua.StatusOK)
		} else {
			results = append(results, StatusBadMonitoredItemIDInvalid)
		}
	}
	return results
}

// Handles returns the server-assigned and client-assigned handles of
// every monitored item, for the GetMonitoredItems service.
func (s *Subscription) Handles() (serverHandles, clientHandles []uint32) {
	ids := s.sortedMonitoredItemIDs()
	serverHandles = make([]uint32, 0, len(ids))
	clientHandles = make([]uint32, 0, len(ids))
	for _, id := range ids {
		mi := s.monitoredItems[id]
		serverHandles = append(serverHandles, mi.ID)
		clientHandles = append(clientHandles, mi.ClientHandle)
	}
	return serverHandles, clientHandles
}

func (s *Subscription) sortedMonitoredItemIDs() []uint32 {
	ids := make([]uint32, 0, len(s.monitoredItems))
	for id := range s.monitoredItems {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Tick drives one step of the publish state machine. publishingReqQueued
// reports whether the caller has at least one publish request outstanding
// for this subscription. It returns the message to send, if any.
//
// Go has no deterministic map iteration order, so monitored items are
// always visited in ascending id order before a DataChange notification is
// assembled, keeping the notification's item ordering reproducible.
func (s *Subscription) Tick(ctx context.Context, as addressspace.AddressSpace, reason TickReason, publishingReqQueued bool, now time.Time) *NotificationMessage {
	publishingIntervalElapsed := s.publishingIntervalElapsed(reason, now)

	var notification *NotificationMessage
	moreNotifications := false
	if s.state != StateClosed && s.state != StateCreating {
		resendData := s.resendData
		notification, moreNotifications = s.tickMonitoredItems(ctx, as, now, publishingIntervalElapsed, resendData)
	}
	s.resendData = false

	notificationsAvailable := notification != nil

	var result *NotificationMessage
	if notificationsAvailable || publishingIntervalElapsed || publishingReqQueued {
		action := s.updateState(reason, stateParams{
			notificationsAvailable:    notificationsAvailable,
			moreNotifications:         moreNotifications,
			publishingReqQueued:       publishingReqQueued,
			publishingIntervalElapsed: publishingIntervalElapsed,
		})

		switch action {
		case actionNone:
			if notificationsAvailable {
				s.nextSequenceNumber = notification.SequenceNumber
			}
		case actionReturnKeepAlive:
			if notificationsAvailable {
				s.nextSequenceNumber = notification.SequenceNumber
			}
			result = &NotificationMessage{SequenceNumber: s.nextSequenceNumber, PublishTime: now}
		case actionReturnNotifications:
			result = notification
		}
	}

	if s.currentLifetimeCnt == 1 {
		s.state = StateClosed
	}

	return result
}

func (s *Subscription) publishingIntervalElapsed(reason TickReason, now time.Time) bool {
	if reason == TickReceivedPublishRequest {
		return false
	}
	if s.state == StateCreating {
		return true
	}
	if now.Sub(s.lastTimerExpired) >= s.PublishingInterval {
		s.lastTimerExpired = now
		return true
	}
	return false
}

// tickMonitoredItems samples every monitored item and, if the publishing
// interval elapsed, drains whichever items have pending notifications into
// a single DataChange notification message.
func (s *Subscription) tickMonitoredItems(ctx context.Context, as addressspace.AddressSpace, now time.Time, publishingIntervalElapsed, resendData bool) (*NotificationMessage, bool) {
	ids := s.sortedMonitoredItemIDs()
	for _, id := range ids {
		s.monitoredItems[id].Tick(ctx, as, now, publishingIntervalElapsed, resendData)
	}

	if !publishingIntervalElapsed {
		return nil, s.anyItemHasPending(ids)
	}

	var items []*ua.MonitoredItemNotification
	for _, id := range ids {
		mi := s.monitoredItems[id]
		if mi.HasPending() {
			items = append(items, mi.DrainNotifications()...)
		}
	}

	moreNotifications := s.anyItemHasPending(ids)

	if len(items) == 0 {
		return nil, moreNotifications
	}

	notification := &NotificationMessage{
		SequenceNumber: s.nextSequenceNumber,
		PublishTime:    now,
		DataChange:     &ua.DataChangeNotification{MonitoredItems: items},
	}

	if s.nextSequenceNumber == math.MaxUint32 {
		s.nextSequenceNumber = 1
	} else {
		s.nextSequenceNumber++
	}

	return notification, moreNotifications
}

// anyItemHasPending reports whether any monitored item still has queued
// notifications, computed truthfully rather than hardcoded false: the
// state machine's "more notifications" guard is meaningful and a
// subscription with several items rarely drains every FIFO on the same
// tick that triggers emission.
func (s *Subscription) anyItemHasPending(ids []uint32) bool {
	for _, id := range ids {
		if s.monitoredItems[id].HasPending() {
			return true
		}
	}
	return false
}

// updateState is a direct port of the OPC UA Part 4 5.13.1.2 state table.
// Each numbered state below corresponds to the same numbered row in that
// table; state #2 is handled outside this function and is noted where it
// would appear.
func (s *Subscription) updateState(reason TickReason, p stateParams) updateAction {
	switch s.state {
	case StateClosed:
		// State #1.
		return actionNone

	case StateCreating:
		// State #3. CreateSubscription failure (state #2) is handled by the
		// caller before a Subscription is ever constructed.
		s.state = StateNormal
		s.messageSent = false
		return actionNone

	case StateNormal:
		if reason == TickReceivedPublishRequest {
			if !s.publishingEnabled || !p.moreNotifications {
				// State #4.
				return actionNone
			}
			// State #5.
			s.resetLifetimeCounter()
			s.messageSent = true
			return actionReturnNotifications
		}
		if p.publishingIntervalElapsed {
			switch {
			case p.publishingReqQueued && s.publishingEnabled && p.notificationsAvailable:
				// State #6.
				s.resetLifetimeCounter()
				s.startPublishingTimer()
				s.messageSent = true
				return actionReturnNotifications
			case p.publishingReqQueued && !s.messageSent && (!s.publishingEnabled || !p.notificationsAvailable):
				// State #7.
				s.resetLifetimeCounter()
				s.startPublishingTimer()
				s.messageSent = true
				return actionReturnKeepAlive
			case !p.publishingReqQueued && (!s.messageSent || (s.publishingEnabled && p.notificationsAvailable)):
				// State #8.
				s.startPublishingTimer()
				s.state = StateLate
				return actionNone
			case s.messageSent && (!s.publishingEnabled || !p.notificationsAvailable):
				// State #9.
				s.startPublishingTimer()
				s.resetKeepAliveCounter()
				s.state = StateKeepAlive
				return actionNone
			}
		}

	case StateLate:
		if reason == TickReceivedPublishRequest {
			if s.publishingEnabled && (p.notificationsAvailable || p.moreNotifications) {
				// State #10.
				s.resetLifetimeCounter()
				s.state = StateNormal
				s.messageSent = true
				return actionReturnNotifications
			}
			// State #11.
			s.resetLifetimeCounter()
			s.state = StateKeepAlive
			s.messageSent = true
			return actionReturnKeepAlive
		}
		if p.publishingIntervalElapsed {
			// State #12.
			s.startPublishingTimer()
			return actionNone
		}

	case StateKeepAlive:
		if reason == TickReceivedPublishRequest {
			// State #13.
			return actionNone
		}
		if p.publishingIntervalElapsed {
			switch {
			case s.publishingEnabled && p.notificationsAvailable && p.publishingReqQueued:
				// State #14.
				s.messageSent = true
				s.state = StateNormal
				return actionReturnNotifications
			case p.publishingReqQueued && s.currentKeepAliveCnt == 1 && (!s.publishingEnabled || p.notificationsAvailable):
				// State #15.
				s.startPublishingTimer()
				s.resetKeepAliveCounter()
				return actionReturnKeepAlive
			case s.currentKeepAliveCnt > 1 && (!s.publishingEnabled || !p.notificationsAvailable):
				// State #16.
				s.startPublishingTimer()
				s.currentKeepAliveCnt--
				return actionNone
			case !p.publishingReqQueued && (s.currentKeepAliveCnt == 1 || (s.currentKeepAliveCnt > 1 && s.publishingEnabled && p.notificationsAvailable)):
				// State #17.
				s.startPublishingTimer()
				s.state = StateLate
				return actionNone
			}
		}
	}

	return actionNone
}
