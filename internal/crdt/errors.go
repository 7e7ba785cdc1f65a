package crdt

import "errors"

// Document errors
var (
	// ErrCorruptDocument indicates bytes that are not a valid change history
	ErrCorruptDocument = errors.New("corrupt document")

	// ErrIncompatibleDocument indicates a history from an unrelated document lineage
	ErrIncompatibleDocument = errors.New("incompatible document")

	// ErrInvalidValue indicates a value that cannot be stored in a document
	ErrInvalidValue = errors.New("invalid document value")

	// ErrKeyConflict indicates a key already used by a field when pushing to a list, or the reverse
	ErrKeyConflict = errors.New("key used by another kind")
)
