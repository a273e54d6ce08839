package target

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nightrunner/orchestrator/internal/db"
)

// Store provides database operations for targets, scoped to whatever
// connection (pool, tx, or tenant-scoped conn) the caller hands in.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a target Store backed by the given tenant-scoped connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const targetColumns = `id, name, type, host, port, username, password,
	vpn_config, vpn_username, vpn_password, width, height, rdp_params,
	is_archived, created_at, updated_at`

func scanTarget(row pgx.Row) (Target, error) {
	var t Target
	err := row.Scan(
		&t.ID, &t.Name, &t.Type, &t.Host, &t.Port, &t.Username, &t.Password,
		&t.VPNConfig, &t.VPNUser, &t.VPNPass, &t.Width, &t.Height, &t.RDPParams,
		&t.IsArchived, &t.CreatedAt, &t.UpdatedAt,
	)
	return t, err
}

// Get returns a single target by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Target, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = $1`, id)
	t, err := scanTarget(row)
	if err != nil {
		return Target{}, fmt.Errorf("getting target %s: %w", id, err)
	}
	return t, nil
}

// ListActive returns all non-archived targets, oldest first.
func (s *Store) ListActive(ctx context.Context) ([]Target, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+targetColumns+` FROM targets WHERE is_archived = false ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing active targets: %w", err)
	}
	defer rows.Close()

	var out []Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning target row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Create inserts a new target.
func (s *Store) Create(ctx context.Context, t Target) (Target, error) {
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO targets (name, type, host, port, username, password,
			vpn_config, vpn_username, vpn_password, width, height, rdp_params)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+targetColumns,
		t.Name, t.Type, t.Host, t.Port, t.Username, t.Password,
		t.VPNConfig, t.VPNUser, t.VPNPass, t.Width, t.Height, t.RDPParams,
	)
	out, err := scanTarget(row)
	if err != nil {
		return Target{}, fmt.Errorf("creating target: %w", err)
	}
	return out, nil
}

// Archive marks a target archived; it does not cascade (sessions/jobs
// belonging to it remain for history, per the ownership rule in §3).
func (s *Store) Archive(ctx context.Context, id uuid.UUID) error {
	tag, err := s.dbtx.Exec(ctx, `UPDATE targets SET is_archived = true, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("archiving target %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("target %s: %w", id, ErrNotFound)
	}
	return nil
}
