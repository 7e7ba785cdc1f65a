package api

import (
	"errors"
	"fmt"
)

var (
	// ErrSerialization is returned when a message cannot be encoded or decoded
	ErrSerialization = errors.New("serialization error")
	// ErrInvalidChange is returned when a change record breaks the payload rules
	ErrInvalidChange = fmt.Errorf("%w: invalid change record", ErrSerialization)
)

// Error codes reported in SyncError.ErrorCode
const (
	CodeInvalidChange        = "invalid_change"
	CodeStaleVersion         = "stale_version"
	CodeCorruptDocument      = "corrupt_document"
	CodeIncompatibleDocument = "incompatible_document"
	CodeInternal             = "internal"
	CodeRateLimited          = "rate_limited"
)

// ErrorResponse is an error reply
type ErrorResponse struct {
	Error   string `json:"error"`             // error description
	Message string `json:"message,omitempty"` // extra detail
}
