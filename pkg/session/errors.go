package session

import "errors"

// ErrNotFound is returned when a session ID has no matching row.
var ErrNotFound = errors.New("session not found")
