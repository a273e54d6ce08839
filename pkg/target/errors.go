package target

import "errors"

// ErrNotFound is returned when a target ID has no matching row.
var ErrNotFound = errors.New("target not found")
