package domain

import "errors"

// ErrNotFound is returned when an update targets a task that does not exist.
var ErrNotFound = errors.New("task not found")
