package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrSyncInProgress is returned when a pass is already running
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrNoEndpointConfigured is returned when no remote endpoint is set
	ErrNoEndpointConfigured = errors.New("no sync endpoint configured")
)

// TransportError wraps a network or remote failure. It is recoverable:
// the next pass retries the same unacknowledged items.
type TransportError struct {
	Err      error
	Op       string
	Endpoint string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
