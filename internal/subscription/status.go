// Package subscription implements the publish/keep-alive/late state
// machine described in OPC UA Part 4 5.13, the monitored-item notification
// aggregation that feeds it, and the per-session bookkeeping around a
// bounded queue of outstanding publish requests.
package subscription

import "github.com/gopcua/opcua/ua"

// Package-local aliases of the github.com/gopcua/opcua/ua status codes this
// package returns, so callers and tests can name them as
// subscription.StatusBad<Name>. Other codes (ua.StatusBadSubscriptionIDInvalid,
// ua.StatusBadTimeout, ua.StatusBadNoSubscription,
// ua.StatusBadSessionIDInvalid) are used from ua directly.
const (
	StatusBadMonitoredItemIDInvalid     = ua.StatusBadMonitoredItemIDInvalid
	StatusBadMonitoredItemFilterInvalid = ua.StatusBadMonitoredItemFilterInvalid
	StatusBadNodeIDUnknown              = ua.StatusBadNodeIDUnknown
	StatusBadTooManySubscriptions       = ua.StatusBadTooManySubscriptions
	StatusBadTooManyMonitoredItems      = ua.StatusBadTooManyMonitoredItems
	StatusBadContinuationPointInvalid   = ua.StatusBadContinuationPointInvalid
)

// overflowInfoBit is ORed into a DataValue's StatusCode when a monitored
// item's queue discarded a value to make room for this one. It mirrors the
// OPC UA Part 8 "Overflow" info bit (0x0400) carried in the low word of a
// StatusCode.
const overflowInfoBit ua.StatusCode = 0x0400
