package crdt

import (
	"time"

	"github.com/google/uuid"
)

// Operation types used for inventory accumulation lists
const (
	OpTypePick    = "pick"
	OpTypeReceive = "receive"
	OpTypeAdjust  = "adjust"
	OpTypeCount   = "count"
	OpTypeDelete  = "delete"
)

// Operation is one signed delta appended to an accumulation list.
// Concurrent operations from different actors are all kept and summed.
type Operation struct {
	Timestamp time.Time `json:"timestamp"`
	ID        string    `json:"id"`
	OpType    string    `json:"op_type"`
	UserID    string    `json:"user_id"`
	Notes     string    `json:"notes,omitempty"`
	Delta     float64   `json:"delta"`
}

// NewOperation creates an operation with a fresh id and the current time.
func NewOperation(opType string, delta float64, userID string) Operation {
	return Operation{
		ID:        uuid.New().String(),
		OpType:    opType,
		Delta:     delta,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
	}
}

// validate checks the text fields and the delta of the operation.
func (o Operation) validate() error {
	for _, f := range []struct{ name, value string }{
		{"operation id", o.ID},
		{"op_type", o.OpType},
		{"user_id", o.UserID},
		{"notes", o.Notes},
	} {
		if err := validText(f.name, f.value); err != nil {
			return err
		}
	}
	return Float(o.Delta).validate()
}

// WithNotes returns a copy of the operation carrying notes.
func (o Operation) WithNotes(notes string) Operation {
	o.Notes = notes
	return o
}
