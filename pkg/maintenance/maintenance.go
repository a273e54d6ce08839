// Package maintenance implements the Maintenance Leader (H, §4.8): a
// singleton elected via a PostgreSQL advisory lock that runs the
// process-wide background sweeps — log pruning, stale-lease expiry, and
// the Session Lifecycle Monitor — so they never run more than once across
// a fleet of worker processes.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nightrunner/orchestrator/pkg/job"
	"github.com/nightrunner/orchestrator/pkg/tenant"
)

// lockSalt is the second argument to hashtextextended, matching the
// original maintenance_leader.py's fixed salt so a mixed-version fleet
// during a rollout still contends for the same lock.
const lockSalt = 77

// electionRetry is how often a non-leader process retries acquiring
// leadership.
const electionRetry = 5 * time.Second

// Config tunes the maintenance sweeps.
type Config struct {
	LockKey       string
	SweepInterval time.Duration // stale-lease expiry cadence
	LogRetention  time.Duration // per-tenant job_logs retention window
}

// SessionMonitor is the subset of session.Monitor the Leader starts only
// once it holds leadership.
type SessionMonitor interface {
	Run(ctx context.Context) error
}

// Leader elects a single process-wide leader via a PostgreSQL session-level
// advisory lock and runs background maintenance only while it holds it.
type Leader struct {
	pool    *pgxpool.Pool
	monitor SessionMonitor
	logger  *slog.Logger
	cfg     Config
}

// New creates a Leader. monitor is started only after this process wins
// the election.
func New(pool *pgxpool.Pool, monitor SessionMonitor, logger *slog.Logger, cfg Config) *Leader {
	if cfg.LockKey == "" {
		cfg.LockKey = "maintenance_v1"
	}
	return &Leader{pool: pool, monitor: monitor, logger: logger, cfg: cfg}
}

// Run blocks until ctx is cancelled. It retries the advisory-lock election
// every electionRetry until it wins, then runs every maintenance task on a
// dedicated connection that holds the session-level lock for the rest of
// the process's lifetime. Losing the connection (and with it the lock) is
// treated as fatal for this Leader instance — the caller should restart it,
// letting another process become leader in the meantime.
func (l *Leader) Run(ctx context.Context) error {
	conn, err := l.electLeader(ctx)
	if err != nil {
		return err
	}
	if conn == nil {
		return nil // ctx cancelled while waiting for leadership
	}
	defer l.release(conn)

	l.logger.Info("acquired maintenance leadership", "lock_key", l.cfg.LockKey)

	errCh := make(chan error, 1)
	go func() { errCh <- l.monitor.Run(ctx) }()

	leaseTicker := time.NewTicker(l.cfg.SweepInterval)
	defer leaseTicker.Stop()

	logTicker := time.NewTicker(untilNextMidnightUTC())
	defer logTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err != nil && ctx.Err() == nil {
				l.logger.Error("session monitor stopped unexpectedly", "error", err)
			}
			return err
		case <-leaseTicker.C:
			l.expireStaleLeases(ctx)
		case <-logTicker.C:
			l.pruneLogs(ctx)
			logTicker.Reset(24 * time.Hour)
		}
	}
}

// electLeader retries pg_try_advisory_lock on a dedicated connection until
// it succeeds or ctx is cancelled. A dedicated connection (not borrowed
// per-call from the pool) is required: the lock is session-scoped and must
// live on one connection for the process's lifetime.
func (l *Leader) electLeader(ctx context.Context) (*pgxpool.Conn, error) {
	ticker := time.NewTicker(electionRetry)
	defer ticker.Stop()

	for {
		conn, err := l.pool.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquiring connection for leader election: %w", err)
		}

		var locked bool
		err = conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtextextended($1, $2))`, l.cfg.LockKey, lockSalt).Scan(&locked)
		if err != nil {
			conn.Release()
			return nil, fmt.Errorf("electing maintenance leader: %w", err)
		}
		if locked {
			return conn, nil
		}
		conn.Release()

		select {
		case <-ctx.Done():
			return nil, nil
		case <-ticker.C:
		}
	}
}

func (l *Leader) release(conn *pgxpool.Conn) {
	_, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtextextended($1, $2))`, l.cfg.LockKey, lockSalt)
	if err != nil {
		l.logger.Warn("releasing maintenance leadership", "error", err)
	}
	conn.Release()
}

// expireStaleLeases reaps running jobs whose lease has expired, across
// every tenant.
func (l *Leader) expireStaleLeases(ctx context.Context) {
	tenants, err := tenant.ListActive(ctx, l.pool)
	if err != nil {
		l.logger.Error("listing tenants for stale-lease sweep", "error", err)
		return
	}
	for _, t := range tenants {
		n, err := l.withTenantConn(ctx, t.Schema, func(conn *pgxpool.Conn) (int, error) {
			return job.NewStore(conn).ExpireStaleLeases(ctx)
		})
		if err != nil {
			l.logger.Error("expiring stale leases", "tenant", t.Slug, "error", err)
			continue
		}
		if n > 0 {
			l.logger.Info("expired stale job leases", "tenant", t.Slug, "count", n)
		}
	}
}

// pruneLogs deletes job_logs older than LogRetention, across every tenant,
// once a day (§4.8).
func (l *Leader) pruneLogs(ctx context.Context) {
	tenants, err := tenant.ListActive(ctx, l.pool)
	if err != nil {
		l.logger.Error("listing tenants for log pruning", "error", err)
		return
	}
	cutoff := time.Now().Add(-l.cfg.LogRetention)
	for _, t := range tenants {
		n, err := l.withTenantConn(ctx, t.Schema, func(conn *pgxpool.Conn) (int, error) {
			tag, err := conn.Exec(ctx, `DELETE FROM job_logs WHERE timestamp < $1`, cutoff)
			if err != nil {
				return 0, err
			}
			return int(tag.RowsAffected()), nil
		})
		if err != nil {
			l.logger.Error("pruning job logs", "tenant", t.Slug, "error", err)
			continue
		}
		if n > 0 {
			l.logger.Info("pruned job logs", "tenant", t.Slug, "count", n, "cutoff", cutoff)
		}
	}
}

func (l *Leader) withTenantConn(ctx context.Context, schema string, fn func(conn *pgxpool.Conn) (int, error)) (int, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", schema)); err != nil {
		return 0, fmt.Errorf("setting search_path: %w", err)
	}
	return fn(conn)
}

// untilNextMidnightUTC returns the duration until the next 00:00 UTC,
// so the first log-pruning tick lands on schedule; subsequent ticks use a
// 24h period via logTicker.Reset.
func untilNextMidnightUTC() time.Duration {
	now := time.Now().UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return next.Sub(now)
}
