package storage

import "errors"

// Common storage errors
var (
	// ErrStaleVersion indicates a plain change older than the stored record
	ErrStaleVersion = errors.New("stale version")

	// ErrStorageClosed indicates use of a closed storage
	ErrStorageClosed = errors.New("storage is closed")
)
