package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"

	"github.com/nexus-edge/opcua-server/internal/addressspace"
)

func newTestNodeSpace(t *testing.T, id *ua.NodeID, value int64) *addressspace.Memory {
	t.Helper()
	as := addressspace.NewMemory()
	as.SetValue(id, ua.AttributeIDValue, &ua.DataValue{Value: ua.MustVariant(value), Status: ua.StatusOK})
	return as
}

func testNodeID() *ua.NodeID {
	return ua.NewNumericNodeID(1, 42)
}

func newCreateRequest(nodeID *ua.NodeID, clientHandle uint32, queueSize uint32) *ua.MonitoredItemCreateRequest {
	return &ua.MonitoredItemCreateRequest{
		ItemToMonitor: &ua.ReadValueID{NodeID: nodeID, AttributeID: ua.AttributeIDValue},
		MonitoringMode: ua.MonitoringModeReporting,
		RequestedParameters: &ua.MonitoringParameters{
			ClientHandle:     clientHandle,
			SamplingInterval: 0,
			QueueSize:        queueSize,
			DiscardOldest:    true,
		},
	}
}

func TestNewMonitoredItem_UnknownNode(t *testing.T) {
	as := addressspace.NewMemory()
	_, status := NewMonitoredItem(context.Background(), 1, as, newCreateRequest(testNodeID(), 7, 10))
	if status != StatusBadNodeIDUnknown {
		t.Fatalf("expected BadNodeIDUnknown, got %v", status)
	}
}

func TestMonitoredItem_TickEnqueuesOnChange(t *testing.T) {
	nodeID := testNodeID()
	as := newTestNodeSpace(t, nodeID, 1)

	mi, status := NewMonitoredItem(context.Background(), 1, as, newCreateRequest(nodeID, 7, 10))
	if status != ua.StatusOK {
		t.Fatalf("unexpected status creating item: %v", status)
	}

	now := time.Now()
	if enqueued := mi.Tick(context.Background(), as, now, true, false); !enqueued {
		t.Fatal("expected first sample to enqueue")
	}
	if !mi.HasPending() {
		t.Fatal("expected pending notification after first sample")
	}

	notifs := mi.DrainNotifications()
	if len(notifs) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notifs))
	}
	if mi.HasPending() {
		t.Fatal("expected queue to be empty after drain")
	}

	// Same value again: should not enqueue without resendData.
	if enqueued := mi.Tick(context.Background(), as, now.Add(time.Second), true, false); enqueued {
		t.Fatal("expected unchanged value not to enqueue")
	}

	// resendData forces enqueue even without a change.
	if enqueued := mi.Tick(context.Background(), as, now.Add(2*time.Second), true, true); !enqueued {
		t.Fatal("expected resendData to force enqueue")
	}
}

func TestMonitoredItem_QueueOverflowDiscardOldest(t *testing.T) {
	nodeID := testNodeID()
	as := newTestNodeSpace(t, nodeID, 0)

	req := newCreateRequest(nodeID, 7, 2)
	mi, status := NewMonitoredItem(context.Background(), 1, as, req)
	if status != ua.StatusOK {
		t.Fatalf("unexpected status: %v", status)
	}

	now := time.Now()
	for i := int64(1); i <= 3; i++ {
		as.SetValue(nodeID, ua.AttributeIDValue, &ua.DataValue{Value: ua.MustVariant(i), Status: ua.StatusOK})
		mi.Tick(context.Background(), as, now.Add(time.Duration(i)*time.Millisecond), true, false)
	}

	notifs := mi.DrainNotifications()
	if len(notifs) != 2 {
		t.Fatalf("expected queue capped at 2, got %d", len(notifs))
	}
	if notifs[len(notifs)-1].Value.Status&overflowInfoBit == 0 {
		t.Fatal("expected overflow bit set on newest kept notification")
	}
}

func TestMonitoredItem_Disabled(t *testing.T) {
	nodeID := testNodeID()
	as := newTestNodeSpace(t, nodeID, 1)

	req := newCreateRequest(nodeID, 7, 10)
	req.MonitoringMode = ua.MonitoringModeDisabled

	mi, status := NewMonitoredItem(context.Background(), 1, as, req)
	if status != ua.StatusOK {
		t.Fatalf("unexpected status: %v", status)
	}

	if enqueued := mi.Tick(context.Background(), as, time.Now(), true, false); enqueued {
		t.Fatal("disabled item must never enqueue")
	}
}
