// Package diagnostics defines the narrow, fire-and-forget observer
// callback surface the session and subscription core calls on lifecycle
// transitions, and a couple of small sink implementations.
package diagnostics

import "github.com/rs/zerolog"

// Sink receives lifecycle events for sessions and subscriptions. Calls
// must not block the caller for long; a sink that needs to do I/O should
// buffer and flush asynchronously.
type Sink interface {
	OnCreateSession(sessionID string)
	OnDestroySession(sessionID string)
	OnCreateSubscription(subscriptionID uint32)
	OnDestroySubscription(subscriptionID uint32)
	OnModifySubscription(subscriptionID uint32)
}

// NoopSink discards every event. Useful as a default when no diagnostics
// sink is configured.
type NoopSink struct{}

func (NoopSink) OnCreateSession(string)       {}
func (NoopSink) OnDestroySession(string)      {}
func (NoopSink) OnCreateSubscription(uint32)  {}
func (NoopSink) OnDestroySubscription(uint32) {}
func (NoopSink) OnModifySubscription(uint32)  {}

// LoggingSink logs every lifecycle event at debug level through a
// component-tagged zerolog.Logger. Used standalone in development and
// composed with PostgresSink in production via MultiSink.
type LoggingSink struct {
	log zerolog.Logger
}

func NewLoggingSink(logger zerolog.Logger) *LoggingSink {
	return &LoggingSink{log: logger.With().Str("component", "diagnostics").Logger()}
}

func (s *LoggingSink) OnCreateSession(sessionID string) {
	s.log.Debug().Str("session_id", sessionID).Msg("session created")
}

func (s *LoggingSink) OnDestroySession(sessionID string) {
	s.log.Debug().Str("session_id", sessionID).Msg("session destroyed")
}

func (s *LoggingSink) OnCreateSubscription(subscriptionID uint32) {
	s.log.Debug().Uint32("subscription_id", subscriptionID).Msg("subscription created")
}

func (s *LoggingSink) OnDestroySubscription(subscriptionID uint32) {
	s.log.Debug().Uint32("subscription_id", subscriptionID).Msg("subscription destroyed")
}

func (s *LoggingSink) OnModifySubscription(subscriptionID uint32) {
	s.log.Debug().Uint32("subscription_id", subscriptionID).Msg("subscription modified")
}

// MultiSink fans every event out to a list of sinks, in order.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) OnCreateSession(sessionID string) {
	for _, s := range m.sinks {
		s.OnCreateSession(sessionID)
	}
}

func (m *MultiSink) OnDestroySession(sessionID string) {
	for _, s := range m.sinks {
		s.OnDestroySession(sessionID)
	}
}

func (m *MultiSink) OnCreateSubscription(subscriptionID uint32) {
	for _, s := range m.sinks {
		s.OnCreateSubscription(subscriptionID)
	}
}

func (m *MultiSink) OnDestroySubscription(subscriptionID uint32) {
	for _, s := range m.sinks {
		s.OnDestroySubscription(subscriptionID)
	}
}

func (m *MultiSink) OnModifySubscription(subscriptionID uint32) {
	for _, s := range m.sinks {
		s.OnModifySubscription(subscriptionID)
	}
}
