// Package session models the live sandbox bound to a target and the
// Session Lifecycle Monitor (C) that reconciles session state with the
// container manager's view of the world.
package session

import (
	"time"

	"github.com/google/uuid"
)

// State is the session lifecycle state.
type State string

const (
	StateInitializing State = "initializing"
	StateAuthenticating State = "authenticating"
	StateReady          State = "ready"
	StateDestroying      State = "destroying"
	StateDestroyed       State = "destroyed"
)

// ArchiveReason records why a session was archived.
type ArchiveReason string

const (
	ArchiveReasonUser      ArchiveReason = "user-initiated"
	ArchiveReasonAutoClean ArchiveReason = "auto-cleanup"
)

// Session is a live sandbox bound to one target.
type Session struct {
	ID            uuid.UUID
	TargetID      uuid.UUID
	State         State
	Status        string
	ContainerID   *string
	ContainerIP   *string
	IsArchived    bool
	ArchiveReason *ArchiveReason
	LastJobTime   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Ready reports whether the session can run a job. state=ready is the only
// state that permits job execution (§3).
func (s Session) Ready() bool {
	return s.State == StateReady && !s.IsArchived
}
