package sync

import (
	"context"

	"github.com/iudanet/wmssync/pkg/api"
)

//go:generate moq -out transport_mock.go . Transport

// Transport delivers protocol messages to a remote peer.
// Implementations own per-request timeouts.
type Transport interface {
	// Send pushes local changes and returns the per-change outcome
	Send(ctx context.Context, endpoint string, msg *api.SyncMessage) (*api.SyncAck, error)

	// Fetch requests one page of remote changes
	Fetch(ctx context.Context, endpoint string, msg *api.SyncMessage) (*api.SyncResponse, error)
}
