// Package metrics holds the Prometheus metrics emitted by the session and
// subscription core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every metric the server exposes on /metrics.
type Registry struct {
	sessionsActive       prometheus.Gauge
	subscriptionsActive  prometheus.Gauge
	monitoredItemsActive prometheus.Gauge
	publishQueueDepth    prometheus.Gauge

	notificationsSent prometheus.Counter
	keepAlivesSent    prometheus.Counter
	publishTimeouts   prometheus.Counter
	noSubscription    prometheus.Counter
	queueOverflows    prometheus.Counter

	subscriptionTickDuration prometheus.Histogram
}

// NewRegistry registers and returns every metric.
func NewRegistry() *Registry {
	return &Registry{
		sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "opcua_sessions_active",
			Help: "Number of currently open sessions",
		}),
		subscriptionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "opcua_subscriptions_active",
			Help: "Number of currently open subscriptions across all sessions",
		}),
		monitoredItemsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "opcua_monitored_items_active",
			Help: "Number of currently active monitored items across all subscriptions",
		}),
		publishQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "opcua_publish_queue_depth",
			Help: "Total number of queued publish requests across all sessions",
		}),
		notificationsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_notifications_sent_total",
			Help: "Total number of DataChange notification messages sent",
		}),
		keepAlivesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_keep_alives_sent_total",
			Help: "Total number of keep-alive messages sent",
		}),
		publishTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_publish_timeouts_total",
			Help: "Total number of publish requests completed with BadTimeout",
		}),
		noSubscription: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_publish_no_subscription_total",
			Help: "Total number of publish requests completed with BadNoSubscription",
		}),
		queueOverflows: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_monitored_item_queue_overflows_total",
			Help: "Total number of monitored-item notification queue overflows",
		}),
		subscriptionTickDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "opcua_subscription_tick_duration_seconds",
			Help:    "Duration of one session's subscription tick",
			Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),
	}
}

func (r *Registry) SetSessionsActive(n int)       { r.sessionsActive.Set(float64(n)) }
func (r *Registry) SetSubscriptionsActive(n int)  { r.subscriptionsActive.Set(float64(n)) }
func (r *Registry) SetMonitoredItemsActive(n int) { r.monitoredItemsActive.Set(float64(n)) }
func (r *Registry) SetPublishQueueDepth(n int)    { r.publishQueueDepth.Set(float64(n)) }

func (r *Registry) IncNotificationsSent() { r.notificationsSent.Inc() }
func (r *Registry) IncKeepAlivesSent()    { r.keepAlivesSent.Inc() }
func (r *Registry) IncPublishTimeouts()   { r.publishTimeouts.Inc() }
func (r *Registry) IncNoSubscription()    { r.noSubscription.Inc() }
func (r *Registry) IncQueueOverflows()    { r.queueOverflows.Inc() }

func (r *Registry) ObserveSubscriptionTick(seconds float64) {
	r.subscriptionTickDuration.Observe(seconds)
}
