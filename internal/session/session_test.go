package session

import (
	"context"
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"

	"github.com/nexus-edge/opcua-server/internal/addressspace"
	"github.com/nexus-edge/opcua-server/internal/diagnostics"
	"github.com/nexus-edge/opcua-server/internal/subscription"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	return New(Info{SessionID: "urn:opcuad:session:1"}, Config{
		MaxSubscriptions:            10,
		MaxBrowseContinuationPoints: 5,
	}, diagnostics.NoopSink{})
}

func TestSession_ActivateAndTerminate(t *testing.T) {
	sess := newTestSession(t)

	if sess.Activated() {
		t.Fatal("expected a new session to start unactivated")
	}
	sess.Activate()
	if !sess.Activated() {
		t.Fatal("expected session to report activated after Activate")
	}

	now := time.Now()
	sess.Terminate(now)
	if !sess.Terminated() {
		t.Fatal("expected session to report terminated")
	}
	if !sess.TerminatedAt().Equal(now) {
		t.Fatalf("expected TerminatedAt to equal %v, got %v", now, sess.TerminatedAt())
	}

	// Idempotent: a second Terminate at a different time does not move
	// TerminatedAt.
	sess.Terminate(now.Add(time.Hour))
	if !sess.TerminatedAt().Equal(now) {
		t.Fatal("expected Terminate to be idempotent")
	}
}

func TestSession_EnqueuePublishRequestRejectedAfterTermination(t *testing.T) {
	sess := newTestSession(t)
	sess.Terminate(time.Now())

	if status := sess.EnqueuePublishRequest(1, time.Now()); status != ua.StatusBadSessionIDInvalid {
		t.Fatalf("expected BadSessionIDInvalid on a terminated session, got %v", status)
	}
}

func TestSession_TickSubscriptionsNoOpAfterTermination(t *testing.T) {
	sess := newTestSession(t)
	sess.Terminate(time.Now())

	outcomes := sess.TickSubscriptions(context.Background(), addressspace.NewMemory(), subscription.TickTimerFired, time.Now())
	if outcomes != nil {
		t.Fatalf("expected no outcomes once terminated, got %+v", outcomes)
	}
}

func TestSession_ContinuationPointLifecycle(t *testing.T) {
	sess := newTestSession(t)
	as := addressspace.NewMemory()

	sess.AddContinuationPoint(ContinuationPoint{ID: "cp1", Version: as.Version()})

	if _, status := sess.FindContinuationPoint("missing", as); status != ua.StatusBadContinuationPointInvalid {
		t.Fatalf("expected BadContinuationPointInvalid for a missing id, got %v", status)
	}

	cp, status := sess.FindContinuationPoint("cp1", as)
	if status != ua.StatusOK || cp.ID != "cp1" {
		t.Fatalf("expected to find cp1, got %+v status %v", cp, status)
	}

	sess.ReleaseContinuationPoint("cp1")
	if _, status := sess.FindContinuationPoint("cp1", as); status != ua.StatusBadContinuationPointInvalid {
		t.Fatal("expected a released continuation point to behave as invalidated")
	}
}

func TestSession_ResetSubscriptionLifetimeCounter(t *testing.T) {
	sess := newTestSession(t)
	sub, status := sess.Subscriptions().CreateSubscription(true, 10*time.Millisecond, 10*time.Millisecond, 3, 1, 0)
	if status != ua.StatusOK {
		t.Fatalf("unexpected status creating subscription: %v", status)
	}

	as := addressspace.NewMemory()
	sess.TickSubscriptions(context.Background(), as, subscription.TickTimerFired, time.Now())

	now := time.Now().Add(sub.PublishingInterval)
	sess.TickSubscriptions(context.Background(), as, subscription.TickTimerFired, now)
	if sub.State() == subscription.StateClosed {
		t.Fatal("subscription closed before the counter reset could be exercised")
	}

	sess.ResetSubscriptionLifetimeCounter(sub.ID)

	// Without the reset the lifetime count would reach 1 on this tick and
	// close the subscription; with it the count is back at its maximum.
	now = now.Add(sub.PublishingInterval)
	sess.TickSubscriptions(context.Background(), as, subscription.TickTimerFired, now)
	if sub.State() == subscription.StateClosed {
		t.Fatal("expected the lifetime counter reset to keep the subscription open")
	}
}
