package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultRequestLimit is the page size a client asks for when none is configured
const DefaultRequestLimit = 100

// ChangeOperation is the kind of mutation a change record carries
type ChangeOperation string

// Change operations. MERGE is reserved for CRDT-backed records.
const (
	OperationInsert ChangeOperation = "INSERT"
	OperationUpdate ChangeOperation = "UPDATE"
	OperationDelete ChangeOperation = "DELETE"
	OperationMerge  ChangeOperation = "MERGE"
)

// ParseChangeOperation parses an operation name case-insensitively
func ParseChangeOperation(s string) (ChangeOperation, error) {
	op := ChangeOperation(strings.ToUpper(strings.TrimSpace(s)))
	if !op.Valid() {
		return "", fmt.Errorf("%w: unknown operation %q", ErrInvalidChange, s)
	}
	return op, nil
}

// Valid reports whether op is one of the four known operations
func (op ChangeOperation) Valid() bool {
	switch op {
	case OperationInsert, OperationUpdate, OperationDelete, OperationMerge:
		return true
	default:
		return false
	}
}

// TableVersion is the per-table watermark a client reports to the server
type TableVersion struct {
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	TableName  string     `json:"table_name"`
	Version    int64      `json:"version"`
}

// ChangeRecord is the wire form of one mutation.
// Exactly one of JSONPayload and ChangeBytes is set.
type ChangeRecord struct {
	Timestamp   time.Time       `json:"timestamp"`
	JSONPayload *string         `json:"json_payload,omitempty"` // snapshot for plain relational changes
	ID          string          `json:"id"`
	TableName   string          `json:"table_name"`
	RecordID    string          `json:"record_id"`
	Operation   ChangeOperation `json:"operation"`
	ActorID     string          `json:"actor_id"`
	ChangeBytes []byte          `json:"change_bytes,omitempty"` // CRDT history, base64 on the wire
	Version     int64           `json:"version"`
}

// NewJSONChange creates a plain relational change record
func NewJSONChange(tableName, recordID string, op ChangeOperation, actorID, payload string) ChangeRecord {
	p := payload
	return ChangeRecord{
		ID:          uuid.New().String(),
		TableName:   tableName,
		RecordID:    recordID,
		Operation:   op,
		Version:     1,
		Timestamp:   time.Now().UTC(),
		ActorID:     actorID,
		JSONPayload: &p,
	}
}

// NewCRDTChange creates a MERGE change record carrying a document history
func NewCRDTChange(tableName, recordID, actorID string, changes []byte) ChangeRecord {
	return ChangeRecord{
		ID:          uuid.New().String(),
		TableName:   tableName,
		RecordID:    recordID,
		Operation:   OperationMerge,
		Version:     1,
		Timestamp:   time.Now().UTC(),
		ActorID:     actorID,
		ChangeBytes: changes,
	}
}

// IsCRDT reports whether the record carries change bytes
func (c *ChangeRecord) IsCRDT() bool {
	return len(c.ChangeBytes) > 0
}

// Validate checks the payload construction rule
func (c *ChangeRecord) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidChange)
	}
	if c.TableName == "" || c.RecordID == "" {
		return fmt.Errorf("%w: change %s: missing table or record id", ErrInvalidChange, c.ID)
	}
	if !c.Operation.Valid() {
		return fmt.Errorf("%w: change %s: unknown operation %q", ErrInvalidChange, c.ID, c.Operation)
	}

	hasJSON := c.JSONPayload != nil
	hasBytes := len(c.ChangeBytes) > 0
	if hasJSON == hasBytes {
		return fmt.Errorf("%w: change %s: exactly one payload kind required", ErrInvalidChange, c.ID)
	}
	if (c.Operation == OperationMerge) != hasBytes {
		return fmt.Errorf("%w: change %s: %s does not match payload kind", ErrInvalidChange, c.ID, c.Operation)
	}
	if hasJSON && !json.Valid([]byte(*c.JSONPayload)) {
		return fmt.Errorf("%w: change %s: json_payload is not valid JSON", ErrInvalidChange, c.ID)
	}
	return nil
}

// PayloadType is the discriminator of a SyncMessage payload
type PayloadType string

// Payload types
const (
	PayloadRequest  PayloadType = "request"
	PayloadResponse PayloadType = "response"
	PayloadPush     PayloadType = "push"
	PayloadAck      PayloadType = "ack"
)

// Payload is one of *SyncRequest, *SyncResponse, *SyncPush, *SyncAck
type Payload interface {
	PayloadType() PayloadType
}

// SyncMessage is the outer envelope exchanged with a peer
type SyncMessage struct {
	Timestamp time.Time
	Payload   Payload
	ID        string
	DeviceID  string
}

// SyncRequest asks for everything newer than the given per-table versions
type SyncRequest struct {
	Limit    *int           `json:"limit,omitempty"`
	Tables   []string       `json:"tables"`
	Versions []TableVersion `json:"versions"`
}

// SyncResponse is one page of changes; callers loop while HasMore
type SyncResponse struct {
	ServerTime time.Time      `json:"server_time"`
	Changes    []ChangeRecord `json:"changes"`
	HasMore    bool           `json:"has_more"`
}

// SyncPush offers local changes to the peer
type SyncPush struct {
	Changes []ChangeRecord `json:"changes"`
}

// SyncAck is the per-change outcome of a push.
// A change id that is not listed in Errors is accepted.
type SyncAck struct {
	ChangeIDs []string    `json:"change_ids"`
	Errors    []SyncError `json:"errors"`
	Success   bool        `json:"success"`
}

// SyncError describes one rejected change
type SyncError struct {
	ChangeID  string `json:"change_id"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// PayloadType implements Payload
func (*SyncRequest) PayloadType() PayloadType { return PayloadRequest }

// PayloadType implements Payload
func (*SyncResponse) PayloadType() PayloadType { return PayloadResponse }

// PayloadType implements Payload
func (*SyncPush) PayloadType() PayloadType { return PayloadPush }

// PayloadType implements Payload
func (*SyncAck) PayloadType() PayloadType { return PayloadAck }

// Rejected returns the error reported for changeID, if any
func (a *SyncAck) Rejected(changeID string) (*SyncError, bool) {
	for i := range a.Errors {
		if a.Errors[i].ChangeID == changeID {
			return &a.Errors[i], true
		}
	}
	return nil, false
}

func newMessage(deviceID string, payload Payload) *SyncMessage {
	return &SyncMessage{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// NewRequest creates a request message
func NewRequest(deviceID string, tables []string, versions []TableVersion, limit int) *SyncMessage {
	req := &SyncRequest{
		Tables:   tables,
		Versions: versions,
	}
	if limit > 0 {
		req.Limit = &limit
	}
	return newMessage(deviceID, req)
}

// NewPush creates a push message
func NewPush(deviceID string, changes []ChangeRecord) *SyncMessage {
	return newMessage(deviceID, &SyncPush{Changes: changes})
}

// NewAck creates an acknowledgment message
func NewAck(deviceID string, changeIDs []string, errs []SyncError) *SyncMessage {
	if errs == nil {
		errs = []SyncError{}
	}
	return newMessage(deviceID, &SyncAck{
		ChangeIDs: changeIDs,
		Success:   len(errs) == 0,
		Errors:    errs,
	})
}

// NewResponse creates a response message
func NewResponse(deviceID string, changes []ChangeRecord, hasMore bool, serverTime time.Time) *SyncMessage {
	if changes == nil {
		changes = []ChangeRecord{}
	}
	return newMessage(deviceID, &SyncResponse{
		Changes:    changes,
		HasMore:    hasMore,
		ServerTime: serverTime,
	})
}

// Request returns the payload as *SyncRequest
func (m *SyncMessage) Request() (*SyncRequest, error) {
	if p, ok := m.Payload.(*SyncRequest); ok {
		return p, nil
	}
	return nil, m.unexpected(PayloadRequest)
}

// Response returns the payload as *SyncResponse
func (m *SyncMessage) Response() (*SyncResponse, error) {
	if p, ok := m.Payload.(*SyncResponse); ok {
		return p, nil
	}
	return nil, m.unexpected(PayloadResponse)
}

// Push returns the payload as *SyncPush
func (m *SyncMessage) Push() (*SyncPush, error) {
	if p, ok := m.Payload.(*SyncPush); ok {
		return p, nil
	}
	return nil, m.unexpected(PayloadPush)
}

// Ack returns the payload as *SyncAck
func (m *SyncMessage) Ack() (*SyncAck, error) {
	if p, ok := m.Payload.(*SyncAck); ok {
		return p, nil
	}
	return nil, m.unexpected(PayloadAck)
}

func (m *SyncMessage) unexpected(want PayloadType) error {
	got := PayloadType("none")
	if m.Payload != nil {
		got = m.Payload.PayloadType()
	}
	return fmt.Errorf("%w: expected %s payload, got %s", ErrSerialization, want, got)
}
