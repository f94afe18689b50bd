package diagnostics

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PostgresConfig describes the audit database PostgresSink writes to.
type PostgresConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	PoolSize    int
	MaxIdleTime time.Duration
	QueueSize   int
}

type event struct {
	kind      string
	subjectID string
	occurred  time.Time
}

// PostgresSink persists session and subscription lifecycle events to a
// Postgres table for audit purposes. Calls from the core never block on
// the database: events are dropped onto a bounded channel drained by a
// background writer goroutine, and the channel simply discards events
// once full rather than applying backpressure to the caller.
type PostgresSink struct {
	pool   *pgxpool.Pool
	log    zerolog.Logger
	events chan event

	written atomic.Uint64
	dropped atomic.Uint64
}

// NewPostgresSink opens a connection pool and starts the background writer.
// Call Close to release the pool; events still queued at that point are
// not written.
func NewPostgresSink(ctx context.Context, cfg PostgresConfig, logger zerolog.Logger) (*PostgresSink, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?pool_max_conns=%d&pool_max_conn_idle_time=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.PoolSize, cfg.MaxIdleTime.String(),
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse diagnostics dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("open diagnostics pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping diagnostics database: %w", err)
	}

	s := &PostgresSink{
		pool:   pool,
		log:    logger.With().Str("component", "diagnostics-postgres").Logger(),
		events: make(chan event, cfg.QueueSize),
	}
	go s.run(ctx)
	return s, nil
}

func (s *PostgresSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.persist(ctx, ev)
		}
	}
}

func (s *PostgresSink) persist(ctx context.Context, ev event) {
	payload, err := json.Marshal(map[string]string{"kind": ev.kind, "subject_id": ev.subjectID})
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to marshal diagnostics event")
		return
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO session_diagnostics_events (kind, subject_id, occurred_at, payload) VALUES ($1, $2, $3, $4)`,
		ev.kind, ev.subjectID, ev.occurred, payload,
	)
	if err != nil {
		s.log.Error().Err(err).Str("kind", ev.kind).Msg("failed to persist diagnostics event")
		return
	}
	s.written.Add(1)
}

func (s *PostgresSink) push(kind, subjectID string) {
	select {
	case s.events <- event{kind: kind, subjectID: subjectID, occurred: time.Now()}:
	default:
		s.dropped.Add(1)
		s.log.Warn().Str("kind", kind).Msg("diagnostics event queue full, dropping event")
	}
}

func (s *PostgresSink) OnCreateSession(sessionID string)  { s.push("create_session", sessionID) }
func (s *PostgresSink) OnDestroySession(sessionID string) { s.push("destroy_session", sessionID) }

func (s *PostgresSink) OnCreateSubscription(subscriptionID uint32) {
	s.push("create_subscription", fmt.Sprint(subscriptionID))
}

func (s *PostgresSink) OnDestroySubscription(subscriptionID uint32) {
	s.push("destroy_subscription", fmt.Sprint(subscriptionID))
}

func (s *PostgresSink) OnModifySubscription(subscriptionID uint32) {
	s.push("modify_subscription", fmt.Sprint(subscriptionID))
}

// Stats returns the count of events written and dropped so far.
func (s *PostgresSink) Stats() (written, dropped uint64) {
	return s.written.Load(), s.dropped.Load()
}

// Close releases the underlying connection pool.
func (s *PostgresSink) Close() {
	s.pool.Close()
}
