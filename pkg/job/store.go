package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nightrunner/orchestrator/internal/db"
)

// ErrNotFound is returned when a job does not exist.
var ErrNotFound = errors.New("job not found")

// ErrNotTerminal is returned when an operation requires a terminal job and
// the job is not in one.
var ErrNotTerminal = errors.New("job is not in a terminal state")

// Store provides database operations for jobs, messages, and logs.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a job Store backed by the given tenant-scoped connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const jobColumns = `id, target_id, session_id, api_name, api_definition_version_id, parameters,
	status, result, error, created_at, updated_at, completed_at,
	total_input_tokens, total_output_tokens, lease_owner, lease_expires_at, cancel_requested`

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.TargetID, &j.SessionID, &j.APIName, &j.APIDefinitionVersionID, &j.Parameters,
		&j.Status, &j.Result, &j.Error, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt,
		&j.TotalInputTokens, &j.TotalOutputTokens, &j.LeaseOwner, &j.LeaseExpiresAt, &j.CancelRequested,
	)
	return j, err
}

// Get returns a single job by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Job, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return Job{}, fmt.Errorf("getting job %s: %w", id, err)
	}
	return j, nil
}

// Create inserts a new job in pending status.
func (s *Store) Create(ctx context.Context, targetID uuid.UUID, apiName string, apiDefinitionVersionID *uuid.UUID, parameters json.RawMessage) (Job, error) {
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO jobs (target_id, api_name, api_definition_version_id, parameters, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+jobColumns,
		targetID, apiName, apiDefinitionVersionID, parameters, StatusPending,
	)
	j, err := scanJob(row)
	if err != nil {
		return Job{}, fmt.Errorf("creating job: %w", err)
	}
	return j, nil
}

// Enqueue transitions a job to queued. It fails if the job is already
// terminal (§4.1 enqueue invariant).
func (s *Store) Enqueue(ctx context.Context, id uuid.UUID) error {
	tag, err := s.dbtx.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = now()
		WHERE id = $1 AND status NOT IN ($3, $4, $5)`,
		id, StatusQueued, StatusSuccess, StatusError, StatusCanceled)
	if err != nil {
		return fmt.Errorf("enqueuing job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: cannot enqueue a terminal job", id)
	}
	return nil
}

// ClaimNext atomically claims the oldest claimable job for targetID: queued
// with no cancel request, ordered FIFO, and locked FOR UPDATE
// SKIP LOCKED so concurrent schedulers never double-claim. It refuses to
// claim while the target already has a running job or any paused/error
// job blocking it (§4.1 implicit pause); callers still take a per-target
// advisory lock around this call for the cross-process race the row lock
// alone can't cover (no row exists yet to lock when the queue is empty).
func (s *Store) ClaimNext(ctx context.Context, targetID uuid.UUID, owner string, leaseExpiresAt time.Time) (*Job, error) {
	row := s.dbtx.QueryRow(ctx, `
		WITH blocked AS (
			SELECT 1 FROM jobs
			WHERE target_id = $1 AND status IN ($2, $3, $4)
		), claimable AS (
			SELECT id FROM jobs
			WHERE target_id = $1
			  AND status = $5
			  AND cancel_requested = false
			  AND NOT EXISTS (SELECT 1 FROM blocked)
			ORDER BY created_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE jobs SET status = $6, lease_owner = $7, lease_expires_at = $8, updated_at = now()
		WHERE id IN (SELECT id FROM claimable)
		RETURNING `+jobColumns,
		targetID, StatusRunning, StatusPaused, StatusError, StatusQueued, StatusRunning, owner, leaseExpiresAt,
	)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("claiming job for target %s: %w", targetID, err)
	}
	return &j, nil
}

// IsTargetQueuePaused reports whether target has any paused or error job
// blocking its queue (§4.1 blocking status query), and returns those jobs.
func (s *Store) IsTargetQueuePaused(ctx context.Context, targetID uuid.UUID) ([]Job, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE target_id = $1 AND status IN ($2, $3) ORDER BY created_at ASC`,
		targetID, StatusPaused, StatusError)
	if err != nil {
		return nil, fmt.Errorf("checking blocked jobs for target %s: %w", targetID, err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// SetSession records which session a claimed job is running against.
func (s *Store) SetSession(ctx context.Context, id uuid.UUID, sessionID uuid.UUID) error {
	tag, err := s.dbtx.Exec(ctx, `UPDATE jobs SET session_id = $2, updated_at = now() WHERE id = $1`, id, sessionID)
	if err != nil {
		return fmt.Errorf("setting session for job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// RenewLease extends a running job's lease.
func (s *Store) RenewLease(ctx context.Context, id uuid.UUID, owner string, leaseExpiresAt time.Time) error {
	tag, err := s.dbtx.Exec(ctx, `
		UPDATE jobs SET lease_expires_at = $3, updated_at = now()
		WHERE id = $1 AND status = $4 AND lease_owner = $2`,
		id, owner, leaseExpiresAt, StatusRunning)
	if err != nil {
		return fmt.Errorf("renewing lease for job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: lease not held by %s", id, owner)
	}
	return nil
}

// ExpireStaleLeases transitions every running job whose lease has expired
// to error, clearing lease fields. Returns the number of jobs expired.
func (s *Store) ExpireStaleLeases(ctx context.Context) (int, error) {
	msg := "Lease expired; worker likely terminated"
	tag, err := s.dbtx.Exec(ctx, `
		UPDATE jobs SET status = $1, error = $2, completed_at = now(),
			lease_owner = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE status = $3 AND lease_expires_at < now()`,
		StatusError, msg, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("expiring stale leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RequestCancel sets the cancel flag; the loop/scheduler observes it at the
// next boundary.
func (s *Store) RequestCancel(ctx context.Context, id uuid.UUID) error {
	tag, err := s.dbtx.Exec(ctx, `UPDATE jobs SET cancel_requested = true, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("requesting cancel for job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// Cancel transitions a pending/queued job directly to canceled.
func (s *Store) Cancel(ctx context.Context, id uuid.UUID) error {
	tag, err := s.dbtx.Exec(ctx, `
		UPDATE jobs SET status = $2, completed_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ($3, $4)`,
		id, StatusCanceled, StatusPending, StatusQueued)
	if err != nil {
		return fmt.Errorf("canceling job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: not cancelable from its current status", id)
	}
	return nil
}

// Resume transitions a paused or errored job back to queued.
func (s *Store) Resume(ctx context.Context, id uuid.UUID) error {
	tag, err := s.dbtx.Exec(ctx, `
		UPDATE jobs SET status = $2, error = NULL, cancel_requested = false, updated_at = now()
		WHERE id = $1 AND status IN ($3, $4)`,
		id, StatusQueued, StatusPaused, StatusError)
	if err != nil {
		return fmt.Errorf("resuming job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: not resumable from its current status", id)
	}
	return nil
}

// Resolve force-completes a job with a given result, regardless of its
// current status.
func (s *Store) Resolve(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	tag, err := s.dbtx.Exec(ctx, `
		UPDATE jobs SET status = $2, result = $3, error = NULL, completed_at = now(),
			lease_owner = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE id = $1`, id, StatusSuccess, result)
	if err != nil {
		return fmt.Errorf("resolving job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// Finish transitions a running job to a terminal or blocking state, clearing
// the lease. tokens may be nil if not tracked for this transition.
func (s *Store) Finish(ctx context.Context, id uuid.UUID, status Status, result json.RawMessage, errMsg *string, inputTokens, outputTokens *int64) error {
	tag, err := s.dbtx.Exec(ctx, `
		UPDATE jobs SET status = $2, result = $3, error = $4,
			total_input_tokens = COALESCE($5, total_input_tokens),
			total_output_tokens = COALESCE($6, total_output_tokens),
			completed_at = CASE WHEN $7 THEN now() ELSE completed_at END,
			lease_owner = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE id = $1`,
		id, status, result, errMsg, inputTokens, outputTokens, status.Terminal())
	if err != nil {
		return fmt.Errorf("finishing job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

const messageColumns = `id, job_id, sequence, role, message_content, created_at`

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.JobID, &m.Sequence, &m.Role, &m.Content, &m.CreatedAt)
	return m, err
}

// ListActive returns every job still in or blocking the pipeline (pending,
// queued, running, paused, or error) across the tenant, oldest first, for
// the queue/running snapshot surfaced at diagnostics.
func (s *Store) ListActive(ctx context.Context) ([]Job, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status IN ($1, $2, $3, $4, $5) ORDER BY created_at ASC`,
		StatusPending, StatusQueued, StatusRunning, StatusPaused, StatusError)
	if err != nil {
		return nil, fmt.Errorf("listing active jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Messages returns a job's full conversation history in sequence order.
func (s *Store) Messages(ctx context.Context, jobID uuid.UUID) ([]Message, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+messageColumns+` FROM job_messages
		WHERE job_id = $1 ORDER BY sequence ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("listing messages for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AppendMessage inserts the next message in sequence for jobID. Sequence
// numbers are assigned as MAX(sequence)+1, keeping the {1..N} dense
// invariant as long as callers never delete messages.
func (s *Store) AppendMessage(ctx context.Context, jobID uuid.UUID, role MessageRole, content json.RawMessage) (Message, error) {
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO job_messages (job_id, sequence, role, message_content)
		VALUES ($1, COALESCE((SELECT MAX(sequence) FROM job_messages WHERE job_id = $1), 0) + 1, $2, $3)
		RETURNING `+messageColumns,
		jobID, role, content,
	)
	m, err := scanMessage(row)
	if err != nil {
		return Message{}, fmt.Errorf("appending message for job %s: %w", jobID, err)
	}
	return m, nil
}

// AppendLog writes one log entry, computing ContentTrimmed if the caller
// didn't already.
func (s *Store) AppendLog(ctx context.Context, l Log) error {
	if l.ContentTrimmed == "" {
		l.ContentTrimmed = TrimImageContent(l.Content)
	}
	_, err := s.dbtx.Exec(ctx, `
		INSERT INTO job_logs (job_id, log_type, content, content_trimmed)
		VALUES ($1, $2, $3, $4)`,
		l.JobID, l.LogType, l.Content, l.ContentTrimmed)
	if err != nil {
		return fmt.Errorf("appending log for job %s: %w", l.JobID, err)
	}
	return nil
}

// Logs returns a job's log stream in chronological order.
func (s *Store) Logs(ctx context.Context, jobID uuid.UUID) ([]Log, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT id, job_id, timestamp, log_type, content, content_trimmed
		FROM job_logs WHERE job_id = $1 ORDER BY timestamp ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("listing logs for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []Log
	for rows.Next() {
		var l Log
		if err := rows.Scan(&l.ID, &l.JobID, &l.Timestamp, &l.LogType, &l.Content, &l.ContentTrimmed); err != nil {
			return nil, fmt.Errorf("scanning log row: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
