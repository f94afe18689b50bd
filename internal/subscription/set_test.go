package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/nexus-edge/opcua-server/internal/addressspace"
	"github.com/nexus-edge/opcua-server/internal/diagnostics"
)

func TestSubscriptionSet_CreateRevisesToServerMinimums(t *testing.T) {
	set := NewSubscriptionSet(10, diagnostics.NoopSink{})

	sub, status := set.CreateSubscription(true, 10*time.Millisecond, 50*time.Millisecond, 5, 10, 0)
	if status != 0 {
		t.Fatalf("unexpected status: %v", status)
	}
	if sub.PublishingInterval != 50*time.Millisecond {
		t.Fatalf("expected publishing interval floored to 50ms, got %s", sub.PublishingInterval)
	}
	if sub.MaxLifetimeCount != 30 {
		t.Fatalf("expected lifetime count floored to 3x keep-alive count (30), got %d", sub.MaxLifetimeCount)
	}
}

func TestSubscriptionSet_CreateRejectsPastCap(t *testing.T) {
	set := NewSubscriptionSet(1, diagnostics.NoopSink{})

	if _, status := set.CreateSubscription(true, time.Second, 50*time.Millisecond, 30, 10, 0); status != 0 {
		t.Fatalf("unexpected status on first create: %v", status)
	}
	if _, status := set.CreateSubscription(true, time.Second, 50*time.Millisecond, 30, 10, 0); status != StatusBadTooManySubscriptions {
		t.Fatalf("expected BadTooManySubscriptions at cap, got %v", status)
	}
}

func TestSubscriptionSet_PublishRequestExpiresAfterTimeout(t *testing.T) {
	set := NewSubscriptionSet(10, diagnostics.NoopSink{})
	arrival := time.Now()
	set.EnqueuePublishRequest(1, arrival)

	outcomes := set.ExpireStalePublishRequests(arrival.Add(PublishRequestTimeout - time.Millisecond))
	if len(outcomes) != 0 {
		t.Fatalf("expected no timeout just under the bound, got %+v", outcomes)
	}

	outcomes = set.ExpireStalePublishRequests(arrival.Add(PublishRequestTimeout + time.Millisecond))
	if len(outcomes) != 1 || outcomes[0].Kind != OutcomeTimeout || outcomes[0].RequestID != 1 {
		t.Fatalf("expected a single BadTimeout outcome for request 1, got %+v", outcomes)
	}
	if set.PendingPublishRequests() != 0 {
		t.Fatalf("expected the stale request to be removed from the queue, got %d pending", set.PendingPublishRequests())
	}
}

func TestSubscriptionSet_NoSubscriptionOutcome(t *testing.T) {
	set := NewSubscriptionSet(10, diagnostics.NoopSink{})
	set.EnqueuePublishRequest(1, time.Now())
	set.EnqueuePublishRequest(2, time.Now())

	outcomes := set.TickAll(context.Background(), addressspace.NewMemory(), TickTimerFired, time.Now())
	if len(outcomes) != 2 {
		t.Fatalf("expected both requests to resolve, got %d", len(outcomes))
	}
	for _, o := range outcomes {
		if o.Kind != OutcomeNoSubscription {
			t.Fatalf("expected OutcomeNoSubscription, got %v", o.Kind)
		}
	}
}

func TestSubscriptionSet_DispatchOrdersByPriorityThenID(t *testing.T) {
	set := NewSubscriptionSet(10, diagnostics.NoopSink{})

	low, _ := set.CreateSubscription(true, 10*time.Millisecond, 10*time.Millisecond, 30, 10, 1)
	high, _ := set.CreateSubscription(true, 10*time.Millisecond, 10*time.Millisecond, 30, 10, 9)

	as := addressspace.NewMemory()
	now := time.Now()
	// Drive both subscriptions through Creating -> Normal.
	set.TickAll(context.Background(), as, TickTimerFired, now)

	set.EnqueuePublishRequest(100, now)
	set.EnqueuePublishRequest(200, now)

	now = now.Add(low.PublishingInterval)
	outcomes := set.TickAll(context.Background(), as, TickTimerFired, now)

	if len(outcomes) != 2 {
		t.Fatalf("expected two dispatched outcomes, got %d", len(outcomes))
	}
	if outcomes[0].SubscriptionID != high.ID {
		t.Fatalf("expected the higher priority subscription dispatched first, got subscription %d", outcomes[0].SubscriptionID)
	}
	if outcomes[0].RequestID != 100 {
		t.Fatalf("expected the oldest queued request dispatched first, got request %d", outcomes[0].RequestID)
	}
	if outcomes[1].SubscriptionID != low.ID {
		t.Fatalf("expected the lower priority subscription dispatched second, got subscription %d", outcomes[1].SubscriptionID)
	}
}
