// Package seed provisions a development tenant with a sample target, API
// definition, and job so a fresh environment has something to point the
// HTTP surface at without hand-crafting rows first.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nightrunner/orchestrator/pkg/apidefinition"
	"github.com/nightrunner/orchestrator/pkg/job"
	"github.com/nightrunner/orchestrator/pkg/target"
	"github.com/nightrunner/orchestrator/pkg/tenant"
	"github.com/nightrunner/orchestrator/pkg/tenantsettings"
)

// DevAPIKey is the LEGACYUSE_PROXY_API_KEY seeded for development/testing.
// It is only set by the seed command and must never be used in production.
const DevAPIKey = "nro_dev_seed_key_do_not_use_in_production"

// Run provisions the "acme" development tenant and populates it with a
// sample target, a named API definition, and one queued job. It is
// idempotent: if the tenant already exists it logs a message and returns nil.
func Run(ctx context.Context, pool *pgxpool.Pool, databaseURL, migrationsDir string, logger *slog.Logger) error {
	if _, err := tenant.Lookup(ctx, pool, "acme"); err == nil {
		logger.Info("seed: tenant 'acme' already exists, skipping")
		return nil
	}

	prov := &tenant.Provisioner{
		DB:            pool,
		DatabaseURL:   databaseURL,
		MigrationsDir: migrationsDir,
		Logger:        logger,
	}

	info, err := prov.Provision(ctx, "Acme Corp", "acme", json.RawMessage(`{}`))
	if err != nil {
		return fmt.Errorf("provisioning seed tenant: %w", err)
	}
	logger.Info("seed: provisioned tenant", "tenant_id", info.ID, "slug", info.Slug)

	// Acquire a connection scoped to the new tenant schema.
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", info.Schema)); err != nil {
		return fmt.Errorf("setting search_path: %w", err)
	}

	port := 3389
	tgt, err := target.NewStore(conn).Create(ctx, target.Target{
		Name:     "demo-workstation",
		Type:     "rdp",
		Host:     "10.0.1.50",
		Port:     &port,
		Password: "seed-password",
		Width:    1280,
		Height:   800,
	})
	if err != nil {
		return fmt.Errorf("creating seed target: %w", err)
	}
	logger.Info("seed: created target", "target", tgt.Name, "id", tgt.ID)

	var definitionID uuid.UUID
	if err := conn.QueryRow(ctx, `
		INSERT INTO api_definitions (name, description) VALUES ($1, $2) RETURNING id`,
		"open-invoice", "Open the invoicing application and report the current balance due",
	).Scan(&definitionID); err != nil {
		return fmt.Errorf("creating seed api definition: %w", err)
	}

	version, err := apidefinition.NewStore(conn).CreateVersion(ctx, apidefinition.Version{
		APIDefinitionID: definitionID,
		Parameters: []apidefinition.Parameter{
			{Name: "account_id", Type: "string", Required: true, Description: "Customer account to look up"},
		},
		Prompt:          "Open the invoicing application and find the balance due for account {{account_id}}.",
		PromptCleanup:   "Close the invoicing application without saving any changes.",
		ResponseExample: `{"balance_due": "123.45", "currency": "USD"}`,
		IsActive:        true,
	})
	if err != nil {
		return fmt.Errorf("creating seed api definition version: %w", err)
	}
	logger.Info("seed: created api definition", "name", "open-invoice", "version", version.VersionNumber)

	jobs := job.NewStore(conn)
	j, err := jobs.Create(ctx, tgt.ID, "open-invoice", &version.ID, json.RawMessage(`{"account_id":"A-1001"}`))
	if err != nil {
		return fmt.Errorf("creating seed job: %w", err)
	}
	if err := jobs.Enqueue(ctx, j.ID); err != nil {
		return fmt.Errorf("enqueuing seed job: %w", err)
	}
	logger.Info("seed: created job", "job", j.ID, "api", j.APIName)

	settings := tenantsettings.New(pool)
	if err := settings.Set(ctx, info.Schema, tenantsettings.KeyLegacyUseProxyAPIKey, DevAPIKey); err != nil {
		return fmt.Errorf("setting seed proxy api key: %w", err)
	}

	logger.Info("seed: completed successfully",
		"tenant", info.Slug,
		"targets", 1,
		"api_definitions", 1,
		"jobs", 1,
		"proxy_api_key", DevAPIKey,
	)
	return nil
}
