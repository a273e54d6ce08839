package apidefinition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nightrunner/orchestrator/internal/db"
)

// ErrNotFound is returned when a definition or version does not exist.
var ErrNotFound = errors.New("api definition not found")

// ErrNoActiveVersion is returned when a definition has no active version.
var ErrNoActiveVersion = errors.New("api definition has no active version")

// Store provides database operations for API definitions and their versions.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates an apidefinition Store backed by the given tenant-scoped connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const definitionColumns = `id, name, description, is_archived, created_at, updated_at`

func scanDefinition(row pgx.Row) (Definition, error) {
	var d Definition
	err := row.Scan(&d.ID, &d.Name, &d.Description, &d.IsArchived, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

// GetByName returns the named, non-archived definition.
func (s *Store) GetByName(ctx context.Context, name string) (Definition, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+definitionColumns+` FROM api_definitions
		WHERE name = $1 AND is_archived = false`, name)
	d, err := scanDefinition(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Definition{}, fmt.Errorf("api definition %q: %w", name, ErrNotFound)
		}
		return Definition{}, fmt.Errorf("getting api definition %q: %w", name, err)
	}
	return d, nil
}

const versionColumns = `id, api_definition_id, version_number, parameters, prompt,
	prompt_cleanup, response_example, custom_actions, is_active, created_at`

func scanVersion(row pgx.Row) (Version, error) {
	var v Version
	var params, customActions []byte
	err := row.Scan(&v.ID, &v.APIDefinitionID, &v.VersionNumber, &params, &v.Prompt,
		&v.PromptCleanup, &v.ResponseExample, &customActions, &v.IsActive, &v.CreatedAt)
	if err != nil {
		return Version{}, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &v.Parameters); err != nil {
			return Version{}, fmt.Errorf("decoding parameters: %w", err)
		}
	}
	if len(customActions) > 0 {
		if err := json.Unmarshal(customActions, &v.CustomActions); err != nil {
			return Version{}, fmt.Errorf("decoding custom actions: %w", err)
		}
	}
	return v, nil
}

// GetVersion returns a specific version by ID, used when a job pins a
// version rather than tracking whatever is currently active.
func (s *Store) GetVersion(ctx context.Context, id uuid.UUID) (Version, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+versionColumns+` FROM api_definition_versions WHERE id = $1`, id)
	v, err := scanVersion(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Version{}, fmt.Errorf("api definition version %s: %w", id, ErrNotFound)
		}
		return Version{}, fmt.Errorf("getting api definition version %s: %w", id, err)
	}
	return v, nil
}

// ActiveVersion returns the single active version of the named definition.
func (s *Store) ActiveVersion(ctx context.Context, apiDefinitionID uuid.UUID) (Version, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+versionColumns+` FROM api_definition_versions
		WHERE api_definition_id = $1 AND is_active = true`, apiDefinitionID)
	v, err := scanVersion(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Version{}, ErrNoActiveVersion
		}
		return Version{}, fmt.Errorf("getting active version for %s: %w", apiDefinitionID, err)
	}
	return v, nil
}

// CreateVersion inserts a new version. If active is true, any previously
// active version of the same definition is deactivated first; callers are
// expected to do this inside a transaction when dbtx is a pgx.Tx.
func (s *Store) CreateVersion(ctx context.Context, v Version) (Version, error) {
	if v.IsActive {
		if _, err := s.dbtx.Exec(ctx, `UPDATE api_definition_versions SET is_active = false
			WHERE api_definition_id = $1 AND is_active = true`, v.APIDefinitionID); err != nil {
			return Version{}, fmt.Errorf("deactivating prior versions: %w", err)
		}
	}

	params, err := json.Marshal(v.Parameters)
	if err != nil {
		return Version{}, fmt.Errorf("encoding parameters: %w", err)
	}
	customActions, err := json.Marshal(v.CustomActions)
	if err != nil {
		return Version{}, fmt.Errorf("encoding custom actions: %w", err)
	}

	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO api_definition_versions
			(api_definition_id, version_number, parameters, prompt, prompt_cleanup, response_example, custom_actions, is_active)
		VALUES ($1,
			COALESCE((SELECT MAX(version_number) FROM api_definition_versions WHERE api_definition_id = $1), 0) + 1,
			$2, $3, $4, $5, $6, $7)
		RETURNING `+versionColumns,
		v.APIDefinitionID, params, v.Prompt, v.PromptCleanup, v.ResponseExample, customActions, v.IsActive,
	)
	out, err := scanVersion(row)
	if err != nil {
		return Version{}, fmt.Errorf("creating api definition version: %w", err)
	}
	return out, nil
}
