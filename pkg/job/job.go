// Package job models one execution of a named API against a target inside
// a session: the job row itself, its dense message history, and its log
// stream.
package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is a Job's lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusSuccess  Status = "success"
	StatusError    Status = "error"
	StatusCanceled Status = "canceled"
)

// Terminal reports whether a status is one of the terminal states.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusCanceled
}

// Job is one execution of a named API against a target, inside a session.
type Job struct {
	ID                     uuid.UUID
	TargetID               uuid.UUID
	SessionID              *uuid.UUID
	APIName                string
	APIDefinitionVersionID *uuid.UUID
	Parameters             json.RawMessage
	Status                 Status
	Result                 json.RawMessage
	Error                  *string
	CreatedAt              time.Time
	UpdatedAt              time.Time
	CompletedAt            *time.Time
	TotalInputTokens       *int64
	TotalOutputTokens      *int64
	LeaseOwner             *string
	LeaseExpiresAt         *time.Time
	CancelRequested        bool
}

// MessageRole identifies who authored a JobMessage.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one turn of the canonical conversation history for a job.
// Sequence is 1-based and dense; it is the source of truth when the
// sampling loop resumes a job.
type Message struct {
	ID        uuid.UUID
	JobID     uuid.UUID
	Sequence  int
	Role      MessageRole
	Content   json.RawMessage
	CreatedAt time.Time
}

// LogType classifies a JobLog entry.
type LogType string

const (
	LogSystem       LogType = "system"
	LogHTTPExchange LogType = "http_exchange"
	LogToolUse      LogType = "tool_use"
	LogMessage      LogType = "message"
	LogResult       LogType = "result"
	LogError        LogType = "error"
)

// Log is one entry in a job's log stream. ContentTrimmed is Content with
// base64 image payloads replaced by a sentinel; dashboards read this field
// instead of Content to avoid shipping megabytes of screenshot data.
type Log struct {
	ID             uuid.UUID
	JobID          uuid.UUID
	Timestamp      time.Time
	LogType        LogType
	Content        string
	ContentTrimmed string
}
