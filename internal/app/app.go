package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/nightrunner/orchestrator/internal/config"
	"github.com/nightrunner/orchestrator/internal/httpserver"
	"github.com/nightrunner/orchestrator/internal/platform"
	"github.com/nightrunner/orchestrator/internal/seed"
	"github.com/nightrunner/orchestrator/internal/telemetry"
	"github.com/nightrunner/orchestrator/pkg/apidefinition"
	"github.com/nightrunner/orchestrator/pkg/container"
	"github.com/nightrunner/orchestrator/pkg/job"
	"github.com/nightrunner/orchestrator/pkg/maintenance"
	"github.com/nightrunner/orchestrator/pkg/provider"
	"github.com/nightrunner/orchestrator/pkg/sampling"
	"github.com/nightrunner/orchestrator/pkg/scheduler"
	"github.com/nightrunner/orchestrator/pkg/session"
	"github.com/nightrunner/orchestrator/pkg/target"
	"github.com/nightrunner/orchestrator/pkg/tenant"
	"github.com/nightrunner/orchestrator/pkg/tenantsettings"
	"github.com/nightrunner/orchestrator/pkg/tool"
)

const serviceName = "orchestrator"

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the mode cfg.Mode selects.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting orchestrator", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, serviceName, "dev")
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunGlobalMigrations(cfg.DatabaseURL, cfg.MigrationsGlobalDir); err != nil {
		return fmt.Errorf("running global migrations: %w", err)
	}
	logger.Info("global migrations applied")

	metricsReg := telemetry.NewMetricsRegistry()

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, db, rdb)
	case "maintenance":
		return runMaintenance(ctx, cfg, logger, db)
	case "seed":
		return seed.Run(ctx, db, cfg.DatabaseURL, cfg.MigrationsTenantDir, logger)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	settings := tenantsettings.New(db)

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg, settings)
	httpserver.RegisterJobRoutes(srv.APIRouter)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runWorker runs the Per-Tenant Scheduler (G) against the Sampling Loop
// (F), provisioning sessions through the Container Manager (B) as targets
// need them.
func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) error {
	logger.Info("worker started")

	manager, err := newContainerManager(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating container manager: %w", err)
	}

	settings := tenantsettings.New(db)
	writer := job.NewLogWriter(db, logger)
	writer.Start(ctx)
	defer writer.Close()

	providers := provider.NewRegistry()
	provisioner := session.NewProvisioner(manager, cfg.ContainerImage)

	owner := workerOwner()
	runner := &jobRunner{
		pool:      db,
		manager:   manager,
		providers: providers,
		settings:  settings,
		writer:    writer,
		logger:    logger,
		cfg:       cfg,
	}

	sched := scheduler.New(db, rdb, provisioner, runner, writer, logger, owner, scheduler.Config{
		PollInterval:     cfg.SchedulerPollInterval,
		LeaseTTL:         cfg.SchedulerLeaseTTL,
		LeaseRenewEvery:  cfg.SchedulerLeaseRenewEvery,
		StartConcurrency: cfg.SchedulerStartConcurrency,
	})

	return sched.Run(ctx)
}

// runMaintenance runs the Maintenance Leader (H), which elects a singleton
// across the fleet and, while leading, runs the Session Lifecycle Monitor
// (C) plus stale-lease expiry and job-log pruning.
func runMaintenance(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool) error {
	logger.Info("maintenance leader started")

	manager, err := newContainerManager(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating container manager: %w", err)
	}

	monitor := session.NewMonitor(db, tenantListerAdapter{pool: db}, manager, logger)
	leader := maintenance.New(db, monitor, logger, maintenance.Config{
		LockKey:       cfg.MaintenanceLockKey,
		SweepInterval: cfg.MaintenanceSweepInterval,
		LogRetention:  cfg.JobLogRetention,
	})

	return leader.Run(ctx)
}

func newContainerManager(cfg *config.Config, logger *slog.Logger) (container.Manager, error) {
	if cfg.UseFakeContainerManager {
		logger.Warn("using fake container manager; no real sandboxes will be launched")
		return container.NewFake(), nil
	}
	return container.NewDockerManager(cfg.DockerHost, logger)
}

func workerOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// tenantListerAdapter adapts tenant.ListActive to session.TenantLister.
type tenantListerAdapter struct {
	pool *pgxpool.Pool
}

func (a tenantListerAdapter) ListTenantSchemas(ctx context.Context) ([]session.TenantSchema, error) {
	tenants, err := tenant.ListActive(ctx, a.pool)
	if err != nil {
		return nil, err
	}
	out := make([]session.TenantSchema, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, session.TenantSchema{Slug: t.Slug, Schema: t.Schema})
	}
	return out, nil
}

// jobRunner implements scheduler.Runner by driving the Sampling Loop (F)
// against a tenant-scoped connection built fresh per job, since the
// scheduler's own connection is released back to the pool as soon as its
// tick returns.
type jobRunner struct {
	pool      *pgxpool.Pool
	manager   container.Manager
	providers *provider.Registry
	settings  *tenantsettings.Store
	writer    *job.LogWriter
	logger    *slog.Logger
	cfg       *config.Config
}

func (r *jobRunner) RunJob(ctx context.Context, tenantSchema string, jobID uuid.UUID, sess session.Session) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection for job %s: %w", jobID, err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT set_config('search_path', $1, false)", tenantSchema+", public"); err != nil {
		return fmt.Errorf("setting search_path for job %s: %w", jobID, err)
	}

	loop := sampling.NewLoop(
		job.NewStore(conn),
		session.NewStore(conn),
		target.NewStore(conn),
		apidefinition.NewStore(conn),
		r.manager,
		r.providers,
		r.settings,
		r.writer,
		r.logger,
	)

	providerName := provider.Name(r.tenantProvider(ctx, tenantSchema))

	return loop.Run(ctx, sampling.Config{
		JobID:                 jobID,
		TenantSchema:          tenantSchema,
		Provider:              providerName,
		Model:                 r.cfg.DefaultModel,
		ToolVersion:           tool.ComputerVersion(r.cfg.DefaultToolVersion),
		SessionID:             sess.ID,
		MaxTokens:             r.cfg.DefaultMaxTokens,
		OnlyNMostRecentImages: r.cfg.OnlyNMostRecentImages,
		MinRemovalThreshold:   r.cfg.MinRemovalThreshold,
		MaxTokenBudget:        float64(r.cfg.DefaultTokenBudget),
		MaxIterations:         r.cfg.DefaultMaxIterations,
	})
}

func (r *jobRunner) tenantProvider(ctx context.Context, tenantSchema string) string {
	if v, ok := r.settings.TenantSetting(ctx, tenantSchema, string(tenantsettings.KeyAPIProvider)); ok {
		return v
	}
	return string(provider.NameAnthropic)
}
