package storage

import "errors"

// Common client storage errors
var (
	// ErrNotFound indicates that the requested row does not exist
	ErrNotFound = errors.New("not found")
)
