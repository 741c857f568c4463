package storage

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist. Callers check with errors.Is.
var ErrNotFound = errors.New("storage: record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint.
var ErrConflict = errors.New("storage: record already exists")
