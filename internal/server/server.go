// Package server owns the session registry and the per-server id counters
// that spec.md's Design Notes require to not be process-global state.
package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/opcua-server/internal/addressspace"
	"github.com/nexus-edge/opcua-server/internal/diagnostics"
	"github.com/nexus-edge/opcua-server/internal/metrics"
	"github.com/nexus-edge/opcua-server/internal/session"
	"github.com/nexus-edge/opcua-server/internal/subscription"
)

// Limits mirrors config.ServerLimits without importing the config
// package, keeping this package usable without a YAML file (e.g. in
// tests or an embedding application).
type Limits struct {
	MaxSessions                 uint32
	MaxSubscriptionsPerSession  uint32
	MaxBrowseContinuationPoints int
	MinPublishingInterval       time.Duration
	DefaultPublishingInterval   time.Duration
	MaxLifetimeCount            uint32
	MaxKeepAliveCount           uint32
}

// Server owns every session in this process, the id counter sessions are
// allocated from, and the shared address space and diagnostics sink every
// session's core is wired to.
//
// The reference implementation this core is ported from assigns session
// ids from a process-wide mutable global; this counter is owned by the
// Server instance instead, so multiple Server instances (e.g. in tests)
// never interfere with each other's id sequence.
type Server struct {
	limits      Limits
	addrSpace   addressspace.AddressSpace
	diagnostics diagnostics.Sink
	metrics     *metrics.Registry
	log         zerolog.Logger

	mu            sync.RWMutex
	nextSessionID uint64
	sessions      map[string]*session.Session
}

func New(limits Limits, addrSpace addressspace.AddressSpace, sink diagnostics.Sink, metricsReg *metrics.Registry, logger zerolog.Logger) *Server {
	return &Server{
		limits:        limits,
		addrSpace:     addrSpace,
		diagnostics:   sink,
		metrics:       metricsReg,
		log:           logger.With().Str("component", "server").Logger(),
		nextSessionID: 1,
		sessions:      make(map[string]*session.Session),
	}
}

// CreateSession allocates a session id from this server's counter and
// registers a new Session under it.
func (srv *Server) CreateSession(info session.Info) (*session.Session, ua.StatusCode) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if uint32(len(srv.sessions)) >= srv.limits.MaxSessions {
		return nil, ua.StatusBadTooManySessions
	}

	id := srv.nextSessionID
	srv.nextSessionID++
	info.SessionID = fmt.Sprintf("urn:opcuad:session:%d", id)

	sess := session.New(info, session.Config{
		MaxSubscriptions:            srv.limits.MaxSubscriptionsPerSession,
		MaxBrowseContinuationPoints: srv.limits.MaxBrowseContinuationPoints,
	}, srv.diagnostics)

	srv.sessions[info.SessionID] = sess
	srv.metrics.SetSessionsActive(len(srv.sessions))
	return sess, ua.StatusOK
}

// GetSession looks up a session by id.
func (srv *Server) GetSession(sessionID string) (*session.Session, bool) {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	sess, ok := srv.sessions[sessionID]
	return sess, ok
}

// TerminateSession terminates and removes a session.
func (srv *Server) TerminateSession(sessionID string, now time.Time) ua.StatusCode {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	sess, ok := srv.sessions[sessionID]
	if !ok {
		return ua.StatusBadSessionIDInvalid
	}
	sess.Terminate(now)
	delete(srv.sessions, sessionID)
	srv.metrics.SetSessionsActive(len(srv.sessions))
	return ua.StatusOK
}

// SessionCount reports how many sessions are currently registered.
func (srv *Server) SessionCount() int {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	return len(srv.sessions)
}

// IsHealthy implements health.Check by reporting whether the server is
// accepting new sessions.
func (srv *Server) IsHealthy(ctx context.Context) bool {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	return uint32(len(srv.sessions)) < srv.limits.MaxSessions
}

// TickAllSessions ticks every session's subscriptions in deterministic
// session-id order and updates gauges from the results. Intended to be
// called once per wall-clock tick from the server's timer loop.
func (srv *Server) TickAllSessions(ctx context.Context, now time.Time) {
	srv.mu.RLock()
	ids := make([]string, 0, len(srv.sessions))
	for id := range srv.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	sessions := make([]*session.Session, 0, len(ids))
	for _, id := range ids {
		sessions = append(sessions, srv.sessions[id])
	}
	srv.mu.RUnlock()

	totalSubs, totalItems, totalQueued := 0, 0, 0
	for _, sess := range sessions {
		tickStart := time.Now()
		outcomes := sess.TickSubscriptions(ctx, srv.addrSpace, subscription.TickTimerFired, now)
		srv.metrics.ObserveSubscriptionTick(time.Since(tickStart).Seconds())
		srv.recordOutcomes(outcomes)

		set := sess.Subscriptions()
		totalSubs += set.Len()
		totalItems += set.MonitoredItemCount()
		totalQueued += set.PendingPublishRequests()
	}

	srv.metrics.SetSubscriptionsActive(totalSubs)
	srv.metrics.SetMonitoredItemsActive(totalItems)
	srv.metrics.SetPublishQueueDepth(totalQueued)
}

// ExpireStalePublishRequests ages out stale publish requests across every
// session, recording BadTimeout outcomes into metrics.
func (srv *Server) ExpireStalePublishRequests(now time.Time) {
	srv.mu.RLock()
	sessions := make([]*session.Session, 0, len(srv.sessions))
	for _, sess := range srv.sessions {
		sessions = append(sessions, sess)
	}
	srv.mu.RUnlock()

	for _, sess := range sessions {
		outcomes := sess.ExpireStalePublishRequests(now)
		srv.recordOutcomes(outcomes)
	}
}

func (srv *Server) recordOutcomes(outcomes []subscription.PublishOutcome) {
	for _, o := range outcomes {
		switch o.Kind {
		case subscription.OutcomeNotification:
			if o.Notification != nil && o.Notification.DataChange != nil {
				srv.metrics.IncNotificationsSent()
				for _, item := range o.Notification.DataChange.MonitoredItems {
					if item.Value != nil && item.Value.Status&0x0400 != 0 {
						srv.metrics.IncQueueOverflows()
					}
				}
			} else {
				srv.metrics.IncKeepAlivesSent()
			}
		case subscription.OutcomeTimeout:
			srv.metrics.IncPublishTimeouts()
		case subscription.OutcomeNoSubscription:
			srv.metrics.IncNoSubscription()
		}
	}
}
