package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nightrunner/orchestrator/pkg/container"
)

// initializingInterval/readyInterval are the adaptive polling cadences from §4.5:
// initializing sessions are checked every 5s, ready sessions every 60s.
const (
	initializingInterval = 5 * time.Second
	readyInterval        = 60 * time.Second
	idleTimeout          = 15 * time.Minute
)

// TenantSchema identifies a tenant's schema for cross-tenant sweeps.
type TenantSchema struct {
	Slug   string
	Schema string
}

// TenantLister lists every active tenant schema, for components (like the
// Monitor) that must sweep across all tenants rather than operate within
// a single request's tenant scope.
type TenantLister interface {
	ListTenantSchemas(ctx context.Context) ([]TenantSchema, error)
}

// Monitor is the Session Lifecycle Monitor (C). It runs as a singleton,
// guarded by the Maintenance Leader's advisory lock, and reconciles every
// non-archived session's state with the container manager's view.
type Monitor struct {
	pool     *pgxpool.Pool
	tenants  TenantLister
	manager  container.Manager
	logger   *slog.Logger
	interval time.Duration

	mu        sync.Mutex
	lastCheck map[string]time.Time // session ID -> last check time
}

// NewMonitor creates a Monitor whose base tick is initializingInterval, the
// smaller of the two adaptive cadences.
func NewMonitor(pool *pgxpool.Pool, tenants TenantLister, manager container.Manager, logger *slog.Logger) *Monitor {
	return &Monitor{
		pool:      pool,
		tenants:   tenants,
		manager:   manager,
		logger:    logger,
		interval:  initializingInterval,
		lastCheck: make(map[string]time.Time),
	}
}

// Run sweeps every tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	tenants, err := m.tenants.ListTenantSchemas(ctx)
	if err != nil {
		m.logger.Error("listing tenants for session sweep", "error", err)
		return
	}
	for _, t := range tenants {
		if err := m.sweepTenant(ctx, t); err != nil {
			m.logger.Error("sweeping tenant sessions", "schema", t.Schema, "error", err)
		}
	}
}

func (m *Monitor) sweepTenant(ctx context.Context, t TenantSchema) error {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT set_config('search_path', $1, false)", t.Schema+", public"); err != nil {
		return fmt.Errorf("setting search_path to %s: %w", t.Schema, err)
	}

	store := NewStore(conn)
	sessions, err := store.ListNonArchived(ctx)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	for _, s := range sessions {
		if !m.due(s) {
			continue
		}
		if err := m.reconcile(ctx, store, s); err != nil {
			m.logger.Warn("reconciling session", "session_id", s.ID, "error", err)
		}
	}
	return nil
}

// due reports whether enough time has passed since this session's last
// check, per its adaptive cadence.
func (m *Monitor) due(s Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := readyInterval
	if s.State == StateInitializing {
		want = initializingInterval
	}

	last, ok := m.lastCheck[s.ID.String()]
	if ok && time.Since(last) < want {
		return false
	}
	m.lastCheck[s.ID.String()] = time.Now()
	return true
}

func (m *Monitor) reconcile(ctx context.Context, store *Store, s Session) error {
	if s.ContainerID == nil {
		return nil
	}

	info, err := m.manager.Inspect(ctx, *s.ContainerID)
	if err != nil {
		return fmt.Errorf("inspecting container %s: %w", *s.ContainerID, err)
	}

	if !info.Running && s.State != StateDestroying && s.State != StateDestroyed {
		if err := store.Archive(ctx, s.ID, ArchiveReasonAutoClean, true); err != nil {
			return fmt.Errorf("archiving dead-container session %s: %w", s.ID, err)
		}
		m.logger.Info("session archived: container not running", "session_id", s.ID)
		return nil
	}

	if s.State == StateInitializing && info.Running {
		if s.ContainerIP == nil {
			return nil
		}
		health, err := m.manager.Health(ctx, *s.ContainerIP)
		if err != nil {
			return fmt.Errorf("probing health for session %s: %w", s.ID, err)
		}
		if health.Healthy {
			if err := store.SetState(ctx, s.ID, StateReady); err != nil {
				return fmt.Errorf("transitioning session %s to ready: %w", s.ID, err)
			}
			m.logger.Info("session ready", "session_id", s.ID)
		}
		return nil
	}

	idleSince := s.CreatedAt
	if s.LastJobTime != nil {
		idleSince = *s.LastJobTime
	}
	if s.State == StateReady && time.Since(idleSince) > idleTimeout {
		if err := store.Archive(ctx, s.ID, ArchiveReasonAutoClean, true); err != nil {
			return fmt.Errorf("archiving idle session %s: %w", s.ID, err)
		}
		if err := m.manager.Stop(ctx, *s.ContainerID, time.Second); err != nil {
			m.logger.Warn("stopping idle session container", "session_id", s.ID, "error", err)
		}
		m.logger.Info("session archived: idle timeout", "session_id", s.ID)
	}

	return nil
}
