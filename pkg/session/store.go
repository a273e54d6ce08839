package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nightrunner/orchestrator/internal/db"
)

// Store provides database operations for sessions.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a session Store backed by the given tenant-scoped connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const sessionColumns = `id, target_id, state, status, container_id, container_ip,
	is_archived, archive_reason, last_job_time, created_at, updated_at`

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	err := row.Scan(
		&s.ID, &s.TargetID, &s.State, &s.Status, &s.ContainerID, &s.ContainerIP,
		&s.IsArchived, &s.ArchiveReason, &s.LastJobTime, &s.CreatedAt, &s.UpdatedAt,
	)
	return s, err
}

// Get returns a single session by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Session, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	out, err := scanSession(row)
	if err != nil {
		return Session{}, fmt.Errorf("getting session %s: %w", id, err)
	}
	return out, nil
}

// ReadyForTarget returns a ready, non-archived session for the target, if any.
func (s *Store) ReadyForTarget(ctx context.Context, targetID uuid.UUID) (*Session, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE target_id = $1 AND state = $2 AND is_archived = false
		ORDER BY created_at DESC LIMIT 1`, targetID, StateReady)
	out, err := scanSession(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("finding ready session for target %s: %w", targetID, err)
	}
	return &out, nil
}

// InitializingForTarget returns an in-flight (initializing), non-archived
// session for the target, if any — used to dedupe provisioning (§4.7).
func (s *Store) InitializingForTarget(ctx context.Context, targetID uuid.UUID) (*Session, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE target_id = $1 AND state = $2 AND is_archived = false
		ORDER BY created_at DESC LIMIT 1`, targetID, StateInitializing)
	out, err := scanSession(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("finding initializing session for target %s: %w", targetID, err)
	}
	return &out, nil
}

// ListNonArchived returns every non-archived session, used by the lifecycle monitor.
func (s *Store) ListNonArchived(ctx context.Context) ([]Session, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE is_archived = false`)
	if err != nil {
		return nil, fmt.Errorf("listing non-archived sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Create inserts a new session row, typically in StateInitializing.
func (s *Store) Create(ctx context.Context, targetID uuid.UUID, state State) (Session, error) {
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO sessions (target_id, state, status)
		VALUES ($1, $2, 'starting')
		RETURNING `+sessionColumns,
		targetID, state,
	)
	out, err := scanSession(row)
	if err != nil {
		return Session{}, fmt.Errorf("creating session: %w", err)
	}
	return out, nil
}

// SetContainer records the launched container's ID and IP, and transitions status.
func (s *Store) SetContainer(ctx context.Context, id uuid.UUID, containerID, containerIP, status string) error {
	tag, err := s.dbtx.Exec(ctx, `
		UPDATE sessions SET container_id = $2, container_ip = $3, status = $4, updated_at = now()
		WHERE id = $1`, id, containerID, containerIP, status)
	if err != nil {
		return fmt.Errorf("setting container for session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetState transitions the session's lifecycle state.
func (s *Store) SetState(ctx context.Context, id uuid.UUID, state State) error {
	tag, err := s.dbtx.Exec(ctx, `UPDATE sessions SET state = $2, updated_at = now() WHERE id = $1`, id, state)
	if err != nil {
		return fmt.Errorf("setting state for session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetStatus sets the free-form status string (e.g. "running", "error").
func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := s.dbtx.Exec(ctx, `UPDATE sessions SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("setting status for session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// TouchLastJobTime records that a job just ran against this session.
func (s *Store) TouchLastJobTime(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE sessions SET last_job_time = $2, updated_at = now() WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touching last_job_time for session %s: %w", id, err)
	}
	return nil
}

// Archive marks a session archived with the given reason and, if requested,
// transitions its state to destroyed.
func (s *Store) Archive(ctx context.Context, id uuid.UUID, reason ArchiveReason, destroy bool) error {
	state := StateDestroyed
	if !destroy {
		row := s.dbtx.QueryRow(ctx, `SELECT state FROM sessions WHERE id = $1`, id)
		if err := row.Scan(&state); err != nil {
			return fmt.Errorf("reading state for session %s: %w", id, err)
		}
	}
	tag, err := s.dbtx.Exec(ctx, `
		UPDATE sessions SET is_archived = true, archive_reason = $2, state = $3, updated_at = now()
		WHERE id = $1`, id, reason, state)
	if err != nil {
		return fmt.Errorf("archiving session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}
