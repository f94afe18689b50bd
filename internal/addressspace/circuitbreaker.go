package addressspace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// errAddressSpaceUnavailable marks a closure result as a real call failure
// (as opposed to a status code the caller is meant to interpret itself), so
// gobreaker's ConsecutiveFailures counter advances on sustained connection
// trouble rather than only on panics.
var errAddressSpaceUnavailable = errors.New("address space call failed")

// connectionClassStatus reports whether status indicates the underlying
// store itself is unreachable or misbehaving, as opposed to an ordinary
// per-node outcome like BadNodeIDUnknown that callers hit constantly and
// which says nothing about the store's health.
func connectionClassStatus(status ua.StatusCode) bool {
	switch status {
	case ua.StatusBadServerNotConnected,
		ua.StatusBadCommunicationError,
		ua.StatusBadConnectionClosed,
		ua.StatusBadNotConnected,
		ua.StatusBadTimeout,
		ua.StatusBadServerHalted:
		return true
	default:
		return false
	}
}

// CircuitBreakerConfig tunes the breaker guarding address-space calls.
type CircuitBreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	ConsecutiveFails uint32
}

// DefaultCircuitBreakerConfig returns sensible defaults for an in-process
// or networked address-space store.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          10 * time.Second,
		ConsecutiveFails: 8,
	}
}

// WithCircuitBreaker wraps an AddressSpace so that read calls fail fast
// once the underlying store has shown sustained failures, rather than
// blocking a session's single-threaded tick loop on a degraded store.
type WithCircuitBreaker struct {
	inner AddressSpace
	cb    *gobreaker.CircuitBreaker[any]
	log   zerolog.Logger
}

func NewWithCircuitBreaker(inner AddressSpace, cfg CircuitBreakerConfig, logger zerolog.Logger) *WithCircuitBreaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFails
		},
	}

	w := &WithCircuitBreaker{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker[any](settings),
		log:   logger.With().Str("component", "address-space-breaker").Str("breaker", cfg.Name).Logger(),
	}

	return w
}

type browseResult struct {
	result *BrowseResult
	status ua.StatusCode
}

type readResult struct {
	value  *ua.DataValue
	status ua.StatusCode
}

func (w *WithCircuitBreaker) NodeExists(ctx context.Context, id *ua.NodeID) bool {
	v, err := w.cb.Execute(func() (any, error) {
		return w.inner.NodeExists(ctx, id), nil
	})
	if err != nil {
		w.log.Warn().Err(err).Msg("address space unavailable, treating node as absent")
		return false
	}
	return v.(bool)
}

func (w *WithCircuitBreaker) ReadValue(ctx context.Context, id *ua.NodeID, attr ua.AttributeID) (*ua.DataValue, ua.StatusCode) {
	v, err := w.cb.Execute(func() (any, error) {
		dv, status := w.inner.ReadValue(ctx, id, attr)
		if connectionClassStatus(status) {
			return readResult{dv, status}, fmt.Errorf("%w: %v", errAddressSpaceUnavailable, status)
		}
		return readResult{dv, status}, nil
	})
	if err != nil {
		if !errors.Is(err, errAddressSpaceUnavailable) {
			w.log.Warn().Err(err).Msg("address space breaker open for read")
			return nil, ua.StatusBadServerNotConnected
		}
		w.log.Warn().Err(err).Msg("address space read failed")
	}
	r := v.(readResult)
	return r.value, r.status
}

func (w *WithCircuitBreaker) BrowseReferences(ctx context.Context, id *ua.NodeID, cursor []byte, maxRefs int) (*BrowseResult, ua.StatusCode) {
	v, err := w.cb.Execute(func() (any, error) {
		res, status := w.inner.BrowseReferences(ctx, id, cursor, maxRefs)
		if connectionClassStatus(status) {
			return browseResult{res, status}, fmt.Errorf("%w: %v", errAddressSpaceUnavailable, status)
		}
		return browseResult{res, status}, nil
	})
	if err != nil {
		if !errors.Is(err, errAddressSpaceUnavailable) {
			w.log.Warn().Err(err).Msg("address space breaker open for browse")
			return nil, ua.StatusBadServerNotConnected
		}
		w.log.Warn().Err(err).Msg("address space browse failed")
	}
	r := v.(browseResult)
	return r.result, r.status
}

func (w *WithCircuitBreaker) Version() Version {
	return w.inner.Version()
}
