package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"

	"github.com/nexus-edge/opcua-server/internal/addressspace"
	"github.com/nexus-edge/opcua-server/internal/diagnostics"
)

func newTestSubscription(lifetimeCount, keepAliveCount uint32) *Subscription {
	sub := New(1, true, 100*time.Millisecond, lifetimeCount, keepAliveCount, 0, diagnostics.NoopSink{})
	// Creating always transitions to Normal on the first tick regardless of
	// reason; drive that transition once up front so tests start in Normal.
	sub.Tick(context.Background(), addressspace.NewMemory(), TickTimerFired, false, time.Now())
	return sub
}

func TestSubscription_KeepAliveCountdown(t *testing.T) {
	as := addressspace.NewMemory()
	sub := newTestSubscription(30, 3)

	now := time.Now()

	// First timer tick with no data and no prior message sent: the
	// subscription must send an immediate keep-alive rather than wait out
	// the full keep-alive count.
	now = now.Add(sub.PublishingInterval)
	first := sub.Tick(context.Background(), as, TickTimerFired, true, now)
	if first == nil || first.DataChange != nil {
		t.Fatalf("expected an immediate keep-alive, got %+v", first)
	}
	if first.SequenceNumber != 1 {
		t.Fatalf("expected keep-alive sequence number 1, got %d", first.SequenceNumber)
	}
	if sub.state != StateNormal {
		t.Fatalf("expected state to remain Normal after the first keep-alive, got %s", sub.state)
	}
	if sub.currentLifetimeCnt != 29 {
		t.Fatalf("expected lifetime count decremented to 29, got %d", sub.currentLifetimeCnt)
	}

	// Second timer tick with still no data: a message has already been
	// sent, so the subscription falls into KeepAlive without
	// emitting anything, and the keep-alive counter resets to its max.
	now = now.Add(sub.PublishingInterval)
	second := sub.Tick(context.Background(), as, TickTimerFired, true, now)
	if second != nil {
		t.Fatalf("expected no message on the transition into KeepAlive, got %+v", second)
	}
	if sub.state != StateKeepAlive {
		t.Fatalf("expected state KeepAlive, got %s", sub.state)
	}
	if sub.currentKeepAliveCnt != sub.MaxKeepAliveCount {
		t.Fatalf("expected keep-alive counter reset to %d, got %d", sub.MaxKeepAliveCount, sub.currentKeepAliveCnt)
	}
	if sub.currentLifetimeCnt != 28 {
		t.Fatalf("expected lifetime count decremented to 28, got %d", sub.currentLifetimeCnt)
	}
}

func seedChangingNode(t *testing.T, as *addressspace.Memory, nodeID *ua.NodeID, value int64) {
	t.Helper()
	as.SetValue(nodeID, ua.AttributeIDValue, &ua.DataValue{Value: ua.MustVariant(value), Status: ua.StatusOK})
}

func addItemWithPending(t *testing.T, sub *Subscription, as *addressspace.Memory, nodeID *ua.NodeID, clientHandle uint32, pendingValues []int64, now time.Time) *MonitoredItem {
	t.Helper()
	seedChangingNode(t, as, nodeID, pendingValues[0])
	results := sub.CreateMonitoredItems(context.Background(), as, []*ua.MonitoredItemCreateRequest{
		newCreateRequest(nodeID, clientHandle, 10),
	})
	if results[0].StatusCode != ua.StatusOK {
		t.Fatalf("unexpected status creating item: %v", results[0].StatusCode)
	}
	mi := sub.monitoredItems[results[0].MonitoredItemID]
	mi.Tick(context.Background(), as, now, true, false)

	for _, v := range pendingValues[1:] {
		as.SetValue(nodeID, ua.AttributeIDValue, &ua.DataValue{Value: ua.MustVariant(v), Status: ua.StatusOK})
		mi.Tick(context.Background(), as, now, true, false)
	}
	return mi
}

func TestSubscription_EmitsDataChangeWithPublishRequestQueued(t *testing.T) {
	as := addressspace.NewMemory()
	sub := newTestSubscription(30, 10)
	nodeID := testNodeID()

	now := time.Now()
	addItemWithPending(t, sub, as, nodeID, 7, []int64{1, 2, 3}, now)

	now = now.Add(sub.PublishingInterval)
	msg := sub.Tick(context.Background(), as, TickTimerFired, true, now)

	if msg == nil || msg.DataChange == nil {
		t.Fatal("expected a data change notification")
	}
	if msg.SequenceNumber != 1 {
		t.Fatalf("expected sequence number 1, got %d", msg.SequenceNumber)
	}
	if len(msg.DataChange.MonitoredItems) != 3 {
		t.Fatalf("expected 3 queued values in the notification, got %d", len(msg.DataChange.MonitoredItems))
	}
	if sub.state != StateNormal {
		t.Fatalf("expected state Normal, got %s", sub.state)
	}
	if sub.nextSequenceNumber != 2 {
		t.Fatalf("expected next sequence number 2, got %d", sub.nextSequenceNumber)
	}
}

func TestSubscription_RollsBackSequenceNumberWhenNoRequestQueued(t *testing.T) {
	as := addressspace.NewMemory()
	sub := newTestSubscription(30, 10)
	nodeID := testNodeID()

	now := time.Now()
	addItemWithPending(t, sub, as, nodeID, 7, []int64{1, 2, 3}, now)

	now = now.Add(sub.PublishingInterval)
	msg := sub.Tick(context.Background(), as, TickTimerFired, false, now)

	if msg != nil {
		t.Fatalf("expected no message to be emitted without a queued publish request, got %+v", msg)
	}
	if sub.state != StateLate {
		t.Fatalf("expected state Late, got %s", sub.state)
	}
	if sub.nextSequenceNumber != 1 {
		t.Fatalf("expected next sequence number to roll back to 1, got %d", sub.nextSequenceNumber)
	}
	if sub.currentLifetimeCnt != 29 {
		t.Fatalf("expected lifetime count decremented by 1, got %d", sub.currentLifetimeCnt)
	}

	// Since nothing changed in the address space while Late, there is no
	// fresh data to report when the publish request finally arrives: the
	// subscription falls to KeepAlive instead, reusing the rolled-back
	// sequence number rather than minting a new one.
	msg = sub.Tick(context.Background(), as, TickReceivedPublishRequest, true, now)
	if msg == nil || msg.DataChange != nil {
		t.Fatalf("expected a keep-alive reusing the rolled-back sequence number, got %+v", msg)
	}
	if msg.SequenceNumber != 1 {
		t.Fatalf("expected the keep-alive to reuse sequence number 1, got %d", msg.SequenceNumber)
	}
	if sub.state != StateKeepAlive {
		t.Fatalf("expected state KeepAlive, got %s", sub.state)
	}
}

func TestSubscription_SequenceNumberMonotonicAcrossTicks(t *testing.T) {
	as := addressspace.NewMemory()
	sub := newTestSubscription(30, 10)
	nodeID := testNodeID()

	now := time.Now()
	mi := addItemWithPending(t, sub, as, nodeID, 7, []int64{1}, now)

	now = now.Add(sub.PublishingInterval)
	first := sub.Tick(context.Background(), as, TickTimerFired, true, now)
	if first == nil || first.SequenceNumber != 1 {
		t.Fatalf("expected first sequence number 1, got %+v", first)
	}

	as.SetValue(nodeID, ua.AttributeIDValue, &ua.DataValue{Value: ua.MustVariant(int64(2)), Status: ua.StatusOK})
	mi.Tick(context.Background(), as, now, true, false)
	now = now.Add(sub.PublishingInterval)
	second := sub.Tick(context.Background(), as, TickTimerFired, true, now)
	if second == nil || second.SequenceNumber != 2 {
		t.Fatalf("expected second sequence number 2, got %+v", second)
	}
}

func TestSubscription_ClosedStateIsIrreversible(t *testing.T) {
	as := addressspace.NewMemory()
	sub := newTestSubscription(2, 1)

	now := time.Now()
	now = now.Add(sub.PublishingInterval)
	sub.Tick(context.Background(), as, TickTimerFired, false, now)

	if sub.state != StateClosed {
		t.Fatalf("expected subscription to close once lifetime count reached 1, got %s (lifetime=%d)", sub.state, sub.currentLifetimeCnt)
	}

	now = now.Add(sub.PublishingInterval)
	sub.Tick(context.Background(), as, TickTimerFired, true, now)
	if sub.state != StateClosed {
		t.Fatal("expected a closed subscription to remain closed")
	}
}

func TestSubscription_DeleteMonitoredItemRemovesIt(t *testing.T) {
	as := addressspace.NewMemory()
	sub := newTestSubscription(30, 10)
	nodeID := testNodeID()
	seedChangingNode(t, as, nodeID, 1)

	results := sub.CreateMonitoredItems(context.Background(), as, []*ua.MonitoredItemCreateRequest{
		newCreateRequest(nodeID, 7, 10),
	})
	id := results[0].MonitoredItemID

	statuses := sub.DeleteMonitoredItems([]uint32{id})
	if statuses[0] != ua.StatusOK {
		t.Fatalf("expected delete to succeed, got %v", statuses[0])
	}
	if _, ok := sub.monitoredItems[id]; ok {
		t.Fatal("expected monitored item to be removed")
	}

	statuses = sub.DeleteMonitoredItems([]uint32{id})
	if statuses[0] != StatusBadMonitoredItemIDInvalid {
		t.Fatalf("expected BadMonitoredItemIDInvalid for re-deleted item, got %v", statuses[0])
	}
}
