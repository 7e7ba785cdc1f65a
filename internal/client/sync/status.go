package sync

import "time"

// ConnectionStatus is the last observed reachability of the remote peer
type ConnectionStatus string

// Connection statuses
const (
	ConnectionUnknown ConnectionStatus = "unknown"
	ConnectionOnline  ConnectionStatus = "online"
	ConnectionOffline ConnectionStatus = "offline"
	ConnectionSlow    ConnectionStatus = "slow"
)

// Status is a snapshot of the engine state
type Status struct {
	LastSyncAt        *time.Time       `json:"last_sync_at,omitempty"`
	LastError         string           `json:"last_error,omitempty"`
	LastDocumentError string           `json:"last_document_error,omitempty"`
	ConnectionStatus  ConnectionStatus `json:"connection_status"`
	PendingChanges    int              `json:"pending_changes"`
	SyncErrors        int              `json:"sync_errors"`
	DocumentErrors    int              `json:"document_errors"` // records skipped on document errors
	IsSyncing         bool             `json:"is_syncing"`
}

func (s Status) clone() Status {
	if s.LastSyncAt != nil {
		t := *s.LastSyncAt
		s.LastSyncAt = &t
	}
	return s
}
