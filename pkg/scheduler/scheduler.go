// Package scheduler implements the Per-Tenant Scheduler (G, §4.1): it
// advances queued jobs into execution one at a time per target, honoring
// the implicit-pause rule (a target with a paused/error job accepts no new
// claims) and leasing claimed jobs so a crashed worker's job can be reaped
// rather than stuck "running" forever.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/nightrunner/orchestrator/pkg/job"
	"github.com/nightrunner/orchestrator/pkg/session"
	"github.com/nightrunner/orchestrator/pkg/target"
	"github.com/nightrunner/orchestrator/pkg/tenant"
)

// wakeChannel is the Redis pub/sub channel enqueue() publishes to, so a
// tenant processor woken mid-sleep doesn't wait out its full poll interval.
const wakeChannel = "orchestrator:scheduler:wake"

// Runner executes one claimed job to completion (or to a blocking/terminal
// status) against a ready session. Implementations run the Sampling Loop;
// the scheduler only knows how to get a job into "running" with a session
// attached, not what running it means.
type Runner interface {
	RunJob(ctx context.Context, tenantSchema string, jobID uuid.UUID, sess session.Session) error
}

// Config tunes the scheduler's polling and leasing cadence.
type Config struct {
	PollInterval     time.Duration
	LeaseTTL         time.Duration
	LeaseRenewEvery  time.Duration
	StartConcurrency int // max jobs newly claimed per tenant per tick
}

// Scheduler runs the per-tenant claim loop described in §4.1.
type Scheduler struct {
	pool    *pgxpool.Pool
	rdb     *redis.Client
	runner  Runner
	logs    *job.LogWriter
	logger  *slog.Logger
	cfg     Config
	owner   string
	provide *session.Provisioner
}

// New creates a Scheduler. owner identifies this process in lease_owner
// columns (typically hostname+pid), so expire_stale_leases and operators
// can tell which worker held a job.
func New(pool *pgxpool.Pool, rdb *redis.Client, provide *session.Provisioner, runner Runner, logs *job.LogWriter, logger *slog.Logger, owner string, cfg Config) *Scheduler {
	return &Scheduler{
		pool:    pool,
		rdb:     rdb,
		runner:  runner,
		logs:    logs,
		logger:  logger,
		cfg:     cfg,
		owner:   owner,
		provide: provide,
	}
}

// Run ticks on cfg.PollInterval and on every wake-up published to
// wakeChannel, running one pass of claims across every tenant, until ctx
// is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "poll_interval", s.cfg.PollInterval)

	pubsub := s.rdb.Subscribe(ctx, wakeChannel)
	defer pubsub.Close()
	wakeCh := pubsub.Channel()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-wakeCh:
			s.tick(ctx)
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Enqueue transitions a job to queued and wakes every scheduler process so
// it doesn't wait out a full poll interval (§4.1 enqueue contract). The
// transition itself lives on job.Store; this just adds the wake-up.
func (s *Scheduler) Enqueue(ctx context.Context, jobs *job.Store, jobID uuid.UUID) error {
	if err := jobs.Enqueue(ctx, jobID); err != nil {
		return err
	}
	s.rdb.Publish(ctx, wakeChannel, jobID.String())
	return nil
}

// RequestCancel flags a job for cancellation; the running loop observes it
// at its next boundary (§4.1, §5).
func (s *Scheduler) RequestCancel(ctx context.Context, jobs *job.Store, jobID uuid.UUID) error {
	return jobs.RequestCancel(ctx, jobID)
}

// Resume re-enqueues a paused/error job and wakes processors so it's
// picked up without waiting out a poll interval.
func (s *Scheduler) Resume(ctx context.Context, jobs *job.Store, jobID uuid.UUID) error {
	if err := jobs.Resume(ctx, jobID); err != nil {
		return err
	}
	s.rdb.Publish(ctx, wakeChannel, jobID.String())
	return nil
}

// Resolve force-completes a paused/error job with an operator-supplied
// result, unblocking the rest of its target's queue.
func (s *Scheduler) Resolve(ctx context.Context, jobs *job.Store, jobID uuid.UUID, result json.RawMessage) error {
	if err := jobs.Resolve(ctx, jobID, result); err != nil {
		return err
	}
	s.rdb.Publish(ctx, wakeChannel, jobID.String())
	return nil
}

// tick fans out one claim pass across every tenant.
func (s *Scheduler) tick(ctx context.Context) {
	tenants, err := tenant.ListActive(ctx, s.pool)
	if err != nil {
		s.logger.Error("listing tenants for scheduler tick", "error", err)
		return
	}
	for _, t := range tenants {
		if err := s.processTenant(ctx, t); err != nil {
			s.logger.Error("processing tenant queue", "tenant", t.Slug, "error", err)
		}
	}
}

// processTenant walks every active target for one tenant and attempts a
// single claim each, up to cfg.StartConcurrency new dispatches per tick —
// the processor itself never executes jobs, it only claims and dispatches
// (§4.1 scheduling loop).
func (s *Scheduler) processTenant(ctx context.Context, t tenant.Info) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", t.Schema)); err != nil {
		return fmt.Errorf("setting search_path: %w", err)
	}

	targets, err := target.NewStore(conn).ListActive(ctx)
	if err != nil {
		return fmt.Errorf("listing targets: %w", err)
	}

	started := 0
	for _, tgt := range targets {
		if s.cfg.StartConcurrency > 0 && started >= s.cfg.StartConcurrency {
			break
		}
		ok, err := s.claimForTarget(ctx, t, conn, tgt)
		if err != nil {
			s.logger.Error("claiming for target", "tenant", t.Slug, "target_id", tgt.ID, "error", err)
			continue
		}
		if ok {
			started++
		}
	}
	return nil
}

// claimForTarget tries to claim and dispatch one job for a single target.
// It holds a PostgreSQL advisory lock keyed by hash(schema+":"+target_id)
// for the duration of the claim, per §4.1's claim_next contract — the
// DB-level FOR UPDATE SKIP LOCKED already prevents double-claiming a row,
// but the advisory lock additionally serializes the "is this target
// already blocked/running" check with the claim itself across processes,
// since that check reads rows the row lock alone doesn't cover when the
// queue is empty.
func (s *Scheduler) claimForTarget(ctx context.Context, t tenant.Info, conn *pgxpool.Conn, tgt target.Target) (bool, error) {
	key := advisoryKey(t.Schema, tgt.ID)

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
		return false, fmt.Errorf("acquiring advisory lock: %w", err)
	}
	if !locked {
		return false, nil
	}
	defer conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, key)

	jobs := job.NewStore(conn)
	blocking, err := jobs.IsTargetQueuePaused(ctx, tgt.ID)
	if err != nil {
		return false, err
	}
	if len(blocking) > 0 {
		return false, nil
	}

	sessions := session.NewStore(conn)
	ready, err := s.ensureReady(ctx, t.Schema, sessions, tgt)
	if err != nil {
		return false, err
	}
	if ready == nil {
		return false, nil
	}

	leaseExpiry := time.Now().Add(s.cfg.LeaseTTL)
	claimed, err := jobs.ClaimNext(ctx, tgt.ID, s.owner, leaseExpiry)
	if err != nil {
		return false, err
	}
	if claimed == nil {
		return false, nil
	}

	if err := jobs.SetSession(ctx, claimed.ID, ready.ID); err != nil {
		return false, fmt.Errorf("attaching session to job %s: %w", claimed.ID, err)
	}
	s.logs.Log(t.Schema, job.Log{JobID: claimed.ID, LogType: job.LogSystem, Content: "Job claimed by scheduler"})
	if err := sessions.TouchLastJobTime(ctx, ready.ID, time.Now()); err != nil {
		s.logger.Warn("touching session last job time", "session_id", ready.ID, "error", err)
	}

	go s.runClaimed(t, claimed.ID, *ready)
	return true, nil
}

// ensureReady returns a ready session for tgt, kicking off provisioning
// (§4.7) if the target has neither a ready nor an initializing session. It
// returns nil, nil both when provisioning was just started and when one was
// already in flight — either way the caller skips the claim this tick and
// relies on the Session Lifecycle Monitor to carry the new session to ready.
//
// Provisioning runs in its own goroutine against a freshly acquired
// connection rather than the caller's conn, which belongs to the tick and
// is released back to the pool as soon as processTenant returns — long
// before a container finishes launching.
func (s *Scheduler) ensureReady(ctx context.Context, schema string, sessions *session.Store, tgt target.Target) (*session.Session, error) {
	if ready, err := sessions.ReadyForTarget(ctx, tgt.ID); err != nil {
		return nil, fmt.Errorf("checking ready session for target %s: %w", tgt.ID, err)
	} else if ready != nil {
		return ready, nil
	}

	if initializing, err := sessions.InitializingForTarget(ctx, tgt.ID); err != nil {
		return nil, fmt.Errorf("checking initializing session for target %s: %w", tgt.ID, err)
	} else if initializing != nil {
		return nil, nil
	}

	if !s.provide.TryBegin(tgt.ID) {
		return nil, nil
	}
	go func() {
		defer s.provide.End(tgt.ID)

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LeaseTTL)
		defer cancel()

		conn, err := s.pool.Acquire(ctx)
		if err != nil {
			s.logger.Error("acquiring connection for session provisioning", "target_id", tgt.ID, "error", err)
			return
		}
		defer conn.Release()
		if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", schema)); err != nil {
			s.logger.Error("setting search_path for session provisioning", "target_id", tgt.ID, "error", err)
			return
		}

		if _, err := s.provide.Provision(ctx, session.NewStore(conn), tgt); err != nil {
			s.logger.Error("provisioning session", "target_id", tgt.ID, "error", err)
		}
	}()
	return nil, nil
}

// runClaimed runs the job on its own lease-renewal cadence, in a
// detached context scoped to the job rather than the tick that claimed
// it — the tick's context is cancelled well before a long-running job
// finishes.
func (s *Scheduler) runClaimed(t tenant.Info, jobID uuid.UUID, sess session.Session) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopRenew := s.renewLeaseWhileRunning(ctx, t.Schema, jobID)
	defer close(stopRenew)

	if err := s.runner.RunJob(ctx, t.Schema, jobID, sess); err != nil {
		s.logger.Error("running job", "tenant", t.Slug, "job_id", jobID, "error", err)
	}
}

// renewLeaseWhileRunning renews jobID's lease on cfg.LeaseRenewEvery until
// the returned channel is closed, so expire_stale_leases doesn't reap a
// job that's merely slow. It acquires its own tenant-scoped connection per
// renewal, matching how every other cross-tenant sweep in this codebase
// sets search_path rather than assuming a fixed connection.
func (s *Scheduler) renewLeaseWhileRunning(ctx context.Context, schema string, jobID uuid.UUID) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.cfg.LeaseRenewEvery)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.renewLease(ctx, schema, jobID); err != nil {
					s.logger.Warn("renewing job lease", "job_id", jobID, "error", err)
				}
			}
		}
	}()
	return stop
}

func (s *Scheduler) renewLease(ctx context.Context, schema string, jobID uuid.UUID) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", schema)); err != nil {
		return fmt.Errorf("setting search_path: %w", err)
	}
	return job.NewStore(conn).RenewLease(ctx, jobID, s.owner, time.Now().Add(s.cfg.LeaseTTL))
}

// advisoryKey derives a deterministic 64-bit advisory-lock key from a
// tenant schema and target ID, matching the hash(tenant_schema || ':' ||
// target_id) keying §4.1 specifies.
func advisoryKey(schema string, targetID uuid.UUID) int64 {
	h := fnv.New64a()
	h.Write([]byte(schema))
	h.Write([]byte(":"))
	h.Write([]byte(targetID.String()))
	return int64(h.Sum64())
}
