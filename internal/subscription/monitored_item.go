package subscription

import (
	"context"
	"time"

	"github.com/gopcua/opcua/ua"

	"github.com/nexus-edge/opcua-server/internal/addressspace"
)

// NotificationMessage is one tick's worth of published data: either a
// DataChange notification carrying one or more monitored-item values, or a
// keep-alive with a nil DataChange.
type NotificationMessage struct {
	SequenceNumber uint32
	PublishTime    time.Time
	DataChange     *ua.DataChangeNotification
}

// queuedValue is one sample waiting in a monitored item's notification
// queue, tagged with whether it overwrote an older discarded sample.
type queuedValue struct {
	notif    *ua.MonitoredItemNotification
	overflow bool
}

// MonitoredItem samples one node attribute on its own interval, filters
// samples through a DataChangeFilter, and queues the ones that pass for the
// owning Subscription to collect on its next publish tick.
type MonitoredItem struct {
	ID             uint32
	NodeID         *ua.NodeID
	AttributeID    ua.AttributeID
	IndexRange     string
	MonitoringMode ua.MonitoringMode
	ClientHandle   uint32

	samplingInterval time.Duration
	queueSize        uint32
	discardOldest    bool
	filter           *ua.DataChangeFilter

	lastSampleTime time.Time
	lastValue      *ua.DataValue
	queue          []queuedValue
}

// NewMonitoredItem builds a MonitoredItem from a CreateMonitoredItemsRequest
// item, validating the node and filter against the address space. Returns
// BadNodeIDUnknown if the node does not exist and
// BadMonitoredItemFilterInvalid if the filter extension object is present
// but is not a DataChangeFilter.
func NewMonitoredItem(ctx context.Context, id uint32, as addressspace.AddressSpace, req *ua.MonitoredItemCreateRequest) (*MonitoredItem, ua.StatusCode) {
	rvid := req.ItemToMonitor
	if !as.NodeExists(ctx, rvid.NodeID) {
		return nil, StatusBadNodeIDUnknown
	}

	params := req.RequestedParameters

	filter, status := decodeFilter(params.Filter)
	if status != ua.StatusOK {
		return nil, status
	}

	mi := &MonitoredItem{
		ID:               id,
		NodeID:           rvid.NodeID,
		AttributeID:      rvid.AttributeID,
		IndexRange:       rvid.IndexRange,
		MonitoringMode:   req.MonitoringMode,
		ClientHandle:     params.ClientHandle,
		samplingInterval: time.Duration(params.SamplingInterval * float64(time.Millisecond)),
		queueSize:        normalizeQueueSize(params.QueueSize),
		discardOldest:    params.DiscardOldest,
		filter:           filter,
	}
	return mi, ua.StatusOK
}

// Modify updates the sampling parameters and filter of an existing item,
// leaving its queue and monitoring mode untouched.
func (m *MonitoredItem) Modify(req *ua.MonitoredItemModifyRequest) ua.StatusCode {
	params := req.RequestedParameters

	filter, status := decodeFilter(params.Filter)
	if status != ua.StatusOK {
		return status
	}

	m.ClientHandle = params.ClientHandle
	m.samplingInterval = time.Duration(params.SamplingInterval * float64(time.Millisecond))
	m.queueSize = normalizeQueueSize(params.QueueSize)
	m.discardOldest = params.DiscardOldest
	m.filter = filter
	return ua.StatusOK
}

func decodeFilter(obj *ua.ExtensionObject) (*ua.DataChangeFilter, ua.StatusCode) {
	if obj == nil || obj.Value == nil {
		return nil, ua.StatusOK
	}
	filter, ok := obj.Value.(*ua.DataChangeFilter)
	if !ok {
		return nil, StatusBadMonitoredItemFilterInvalid
	}
	return filter, ua.StatusOK
}

func normalizeQueueSize(requested uint32) uint32 {
	if requested == 0 {
		return 1
	}
	return requested
}

// Tick samples the monitored node if its own sampling interval has
// elapsed (or subscriptionIntervalElapsed is true and the item has no
// sampling interval of its own), applies the filter, and enqueues a
// notification when the value passed the filter or resendData forces
// emission. Reports whether anything was enqueued.
func (m *MonitoredItem) Tick(ctx context.Context, as addressspace.AddressSpace, now time.Time, subscriptionIntervalElapsed bool, resendData bool) bool {
	if m.MonitoringMode == ua.MonitoringModeDisabled {
		return false
	}

	due := resendData
	if !due {
		if m.samplingInterval <= 0 {
			due = subscriptionIntervalElapsed
		} else {
			due = m.lastSampleTime.IsZero() || now.Sub(m.lastSampleTime) >= m.samplingInterval
		}
	}
	if !due {
		return false
	}
	m.lastSampleTime = now

	dv, status := as.ReadValue(ctx, m.NodeID, m.AttributeID)
	if status != ua.StatusOK {
		dv = &ua.DataValue{
			Value:             nil,
			Status:            status,
			SourceTimestamp:   now,
			ServerTimestamp:   now,
			EncodingMask:      ua.DataValueValue | ua.DataValueStatusCode | ua.DataValueSourceTimestamp | ua.DataValueServerTimestamp,
		}
	}

	if !resendData && !m.passesFilter(dv) {
		return false
	}
	m.lastValue = dv

	notif := &ua.MonitoredItemNotification{
		ClientHandle: m.ClientHandle,
		Value:        dv,
	}
	m.enqueue(notif)
	return true
}

// passesFilter reports whether dv differs from the last reported value
// enough to be reported, per the item's DataChangeFilter (or the default
// status/value comparison when no filter was supplied).
func (m *MonitoredItem) passesFilter(dv *ua.DataValue) bool {
	if m.lastValue == nil {
		return true
	}
	if m.lastValue.Status != dv.Status {
		return true
	}
	if m.filter == nil {
		return !valuesEqual(variantValue(m.lastValue.Value), variantValue(dv.Value))
	}

	switch m.filter.Trigger {
	case ua.DataChangeTriggerStatus:
		return false
	case ua.DataChangeTriggerStatusValueTimestamp:
		if !m.lastValue.SourceTimestamp.Equal(dv.SourceTimestamp) {
			return true
		}
		fallthrough
	default: // StatusValue
		return !deadbandEqual(variantValue(m.lastValue.Value), variantValue(dv.Value), m.filter)
	}
}

// variantValue unwraps a DataValue's *ua.Variant to the bare Go value it
// carries, so change detection can compare actual readings instead of
// Variant pointers. A nil Variant (a Bad-status sample with no payload)
// unwraps to nil.
func variantValue(v *ua.Variant) any {
	if v == nil {
		return nil
	}
	return v.Value()
}

func valuesEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

// deadbandTypeNone is the DeadbandType value meaning no deadband filtering,
// per ua.DataChangeFilter.DeadbandType (OPC UA Part 8 DeadbandType
// enumeration). Absolute and Percent (1, 2) are both treated as an absolute
// threshold here since the core has no EURange to compute a percent band
// against.
const deadbandTypeNone uint32 = 0

func deadbandEqual(a, b any, filter *ua.DataChangeFilter) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok || filter.DeadbandType == deadbandTypeNone {
		return valuesEqual(a, b)
	}

	diff := af - bf
	if diff < 0 {
		diff = -diff
	}
	return diff <= filter.DeadbandValue
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	default:
		return 0, false
	}
}

// enqueue pushes a passed-filter notification onto the item's queue,
// applying the queue's overflow policy when full: DiscardOldest drops the
// head and tags the new tail as having overflowed; otherwise the new value
// itself is dropped and the existing tail is tagged.
func (m *MonitoredItem) enqueue(notif *ua.MonitoredItemNotification) {
	qv := queuedValue{notif: notif}

	if uint32(len(m.queue)) < m.queueSize {
		m.queue = append(m.queue, qv)
		return
	}

	if m.discardOldest {
		m.queue = append(m.queue[1:], qv)
		m.queue[len(m.queue)-1].overflow = true
		return
	}

	if len(m.queue) > 0 {
		m.queue[len(m.queue)-1].overflow = true
	}
}

// HasPending reports whether the item has at least one queued notification.
func (m *MonitoredItem) HasPending() bool {
	return len(m.queue) > 0
}

// DrainNotifications removes and returns every queued notification in FIFO
// order, tagging the status code of each with the overflow info bit when it
// overwrote a discarded sample.
func (m *MonitoredItem) DrainNotifications() []*ua.MonitoredItemNotification {
	if len(m.queue) == 0 {
		return nil
	}
	out := make([]*ua.MonitoredItemNotification, 0, len(m.queue))
	for _, qv := range m.queue {
		if qv.overflow && qv.notif.Value != nil {
			qv.notif.Value.Status |= overflowInfoBit
		}
		out = append(out, qv.notif)
	}
	m.queue = nil
	return out
}
