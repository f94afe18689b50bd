package session

import (
	"context"
	"time"

	"github.com/gopcua/opcua/ua"

	"github.com/nexus-edge/opcua-server/internal/addressspace"
	"github.com/nexus-edge/opcua-server/internal/diagnostics"
	"github.com/nexus-edge/opcua-server/internal/subscription"
)

// Info holds the identity and security fields negotiated at session
// creation. All fields are immutable once the session is constructed;
// activation and termination state live on Session and change only
// through its methods.
type Info struct {
	SessionID              string
	AuthenticationToken    string
	SecurityPolicyURI      string
	ClientCertificate      []byte
	SessionNonce           []byte
	SessionTimeout         time.Duration
	MaxRequestMessageSize  uint32
	MaxResponseMessageSize uint32
	EndpointURL            string
}

// Session is the thin owner described in spec §4.5: exactly one
// SubscriptionSet, one BrowseContinuationPoints, plus identity state.
type Session struct {
	Info Info

	activated    bool
	terminated   bool
	terminatedAt time.Time

	subscriptions *subscription.SubscriptionSet
	continuation  *BrowseContinuationPoints

	diagnostics diagnostics.Sink
}

// Config bounds the resources a session may hold.
type Config struct {
	MaxSubscriptions            uint32
	MaxBrowseContinuationPoints int
}

// New constructs a session in its initial, unactivated state and notifies
// diagnostics once construction is complete.
func New(info Info, cfg Config, sink diagnostics.Sink) *Session {
	s := &Session{
		Info:          info,
		subscriptions: subscription.NewSubscriptionSet(cfg.MaxSubscriptions, sink),
		continuation:  NewBrowseContinuationPoints(cfg.MaxBrowseContinuationPoints),
		diagnostics:   sink,
	}
	s.diagnostics.OnCreateSession(info.SessionID)
	return s
}

// Activate marks the session activated after its first successful
// ActivateSession exchange; operations other than activation on an
// unactivated session must be rejected by the caller before reaching here.
func (s *Session) Activate() { s.activated = true }

// Activated reports whether the session has completed activation.
func (s *Session) Activated() bool { return s.activated }

// Terminated reports whether Terminate has been called.
func (s *Session) Terminated() bool { return s.terminated }

// TerminatedAt returns the time Terminate was called; zero if still live.
func (s *Session) TerminatedAt() time.Time { return s.terminatedAt }

// Terminate marks the session terminated, records the time, and notifies
// diagnostics. It does not delete subscriptions; callers delete them
// explicitly through Subscriptions().DeleteSubscription. Once terminated,
// TickSubscriptions no longer ticks them, and no status-change
// notification is produced for them.
func (s *Session) Terminate(now time.Time) {
	if s.terminated {
		return
	}
	s.terminated = true
	s.terminatedAt = now
	s.diagnostics.OnDestroySession(s.Info.SessionID)
}

// Subscriptions returns the session's SubscriptionSet.
func (s *Session) Subscriptions() *subscription.SubscriptionSet { return s.subscriptions }

// ContinuationPoints returns the session's browse continuation point FIFO.
func (s *Session) ContinuationPoints() *BrowseContinuationPoints { return s.continuation }

// EnqueuePublishRequest forwards a publish request into the session's
// SubscriptionSet. Returns BadSessionIDInvalid if the session has been
// terminated.
func (s *Session) EnqueuePublishRequest(requestID uint32, now time.Time) ua.StatusCode {
	if s.terminated {
		return ua.StatusBadSessionIDInvalid
	}
	s.subscriptions.EnqueuePublishRequest(requestID, now)
	return ua.StatusOK
}

// TickSubscriptions ticks every subscription owned by this session.
func (s *Session) TickSubscriptions(ctx context.Context, as addressspace.AddressSpace, reason subscription.TickReason, now time.Time) []subscription.PublishOutcome {
	if s.terminated {
		return nil
	}
	return s.subscriptions.TickAll(ctx, as, reason, now)
}

// ExpireStalePublishRequests ages out publish requests this session has
// held for longer than subscription.PublishRequestTimeout.
func (s *Session) ExpireStalePublishRequests(now time.Time) []subscription.PublishOutcome {
	return s.subscriptions.ExpireStalePublishRequests(now)
}

// ResetSubscriptionLifetimeCounter resets the named subscription's
// lifetime counter without going through any of the mutating monitored
// item or publishing-mode operations. Used by services (such as
// Republish) that reference a subscription without otherwise touching it.
func (s *Session) ResetSubscriptionLifetimeCounter(subscriptionID uint32) {
	if sub, ok := s.subscriptions.Get(subscriptionID); ok {
		sub.ResetLifetimeCounter()
	}
}

// AddContinuationPoint records a new browse continuation point, evicting
// the oldest if the session's FIFO is full.
func (s *Session) AddContinuationPoint(cp ContinuationPoint) {
	s.continuation.Add(cp)
}

// FindContinuationPoint looks up a continuation point by id, returning
// BadContinuationPointInvalid if absent or invalidated by an address-space
// version bump since it was created.
func (s *Session) FindContinuationPoint(id string, as addressspace.AddressSpace) (ContinuationPoint, ua.StatusCode) {
	cp, ok := s.continuation.Find(id, as)
	if !ok {
		return ContinuationPoint{}, ua.StatusBadContinuationPointInvalid
	}
	return cp, ua.StatusOK
}

// ReleaseContinuationPoint removes a continuation point without returning
// further references, per the BrowseNext release_continuation_points
// flag: any later use of the same id then fails with
// BadContinuationPointInvalid like ordinary invalidation.
func (s *Session) ReleaseContinuationPoint(id string) {
	s.continuation.Remove(id)
}

// RemoveContinuationPoints removes every continuation point named by ids.
func (s *Session) RemoveContinuationPoints(ids []string) {
	s.continuation.RemoveMany(ids)
}

// SweepInvalidContinuationPoints drops every continuation point whose
// snapshot no longer matches the address space's current version. Callers
// should invoke this whenever the address space reports a mutation.
func (s *Session) SweepInvalidContinuationPoints(as addressspace.AddressSpace) {
	s.continuation.SweepInvalid(as)
}
