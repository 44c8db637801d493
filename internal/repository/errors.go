package repository

import "errors"

// ErrVersionConflict is returned when an optimistic update finds the row
// changed since it was read.
var ErrVersionConflict = errors.New("version conflict")
