package crdt

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/crypto/blake2b"
)

const (
	formatTag     = "wms-crdt"
	formatVersion = 1

	actionSet  = "set"
	actionPush = "push"
)

// stamp orders concurrent writes: Lamport counter first, then actor id,
// then wall time; seq and index only separate writes of a single actor.
type stamp struct {
	Actor   string
	Lamport int64
	Time    int64
	Seq     uint64
	Index   int
}

// after reports whether s wins over other under last-writer-wins.
func (s stamp) after(other stamp) bool {
	if s.Lamport != other.Lamport {
		return s.Lamport > other.Lamport
	}
	if s.Actor != other.Actor {
		return s.Actor > other.Actor
	}
	if s.Time != other.Time {
		return s.Time > other.Time
	}
	if s.Seq != other.Seq {
		return s.Seq > other.Seq
	}
	return s.Index > other.Index
}

// op is a single mutation inside a change.
type op struct {
	Value     *Value     `json:"value,omitempty"`
	Operation *Operation `json:"operation,omitempty"`
	Action    string     `json:"action"`
	Key       string     `json:"key"`
}

// change is an immutable, hash-addressed unit of history.
type change struct {
	Actor   string   `json:"actor"`
	Deps    []string `json:"deps,omitempty"`
	Ops     []op     `json:"ops"`
	Seq     uint64   `json:"seq"`
	Lamport int64    `json:"lamport"`
	Time    int64    `json:"time"`
}

func (c *change) stamp(index int) stamp {
	return stamp{
		Actor:   c.Actor,
		Lamport: c.Lamport,
		Time:    c.Time,
		Seq:     c.Seq,
		Index:   index,
	}
}

// hash returns the BLAKE2b-256 digest of the canonical encoding.
func (c *change) hash() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode change: %w", err)
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// before is the canonical order used for serialization and folds.
func (c *change) before(other *change) bool {
	if c.Lamport != other.Lamport {
		return c.Lamport < other.Lamport
	}
	if c.Actor != other.Actor {
		return c.Actor < other.Actor
	}
	return c.Seq < other.Seq
}

type encodedChange struct {
	Hash string `json:"hash"`
	change
}

type encodedDocument struct {
	Format  string          `json:"format"`
	Type    string          `json:"type,omitempty"`
	Record  string          `json:"record,omitempty"`
	Changes []encodedChange `json:"changes"`
	Version int             `json:"version"`
}

// decodedHistory is a verified, but not yet applied, change set.
type decodedHistory struct {
	changes  map[string]*change
	docType  string
	recordID string
}

// decodeHistory parses and verifies a saved history.
func decodeHistory(data []byte) (*decodedHistory, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrCorruptDocument)
	}

	var enc encodedDocument
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}
	if enc.Format != formatTag {
		return nil, fmt.Errorf("%w: unknown format %q", ErrIncompatibleDocument, enc.Format)
	}
	if enc.Version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrIncompatibleDocument, enc.Version)
	}

	h := &decodedHistory{
		changes:  make(map[string]*change, len(enc.Changes)),
		docType:  enc.Type,
		recordID: enc.Record,
	}

	for i := range enc.Changes {
		c := enc.Changes[i].change
		sum, err := c.hash()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
		}
		if sum != enc.Changes[i].Hash {
			return nil, fmt.Errorf("%w: hash mismatch for change %d", ErrCorruptDocument, i)
		}
		if err := c.validate(); err != nil {
			return nil, err
		}
		h.changes[sum] = &c
	}

	return h, nil
}

func (c *change) validate() error {
	if c.Actor == "" {
		return fmt.Errorf("%w: change without actor", ErrCorruptDocument)
	}
	for _, o := range c.Ops {
		if err := validText("key", o.Key); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptDocument, err)
		}
		switch o.Action {
		case actionSet:
			if o.Value == nil {
				return fmt.Errorf("%w: set without value", ErrCorruptDocument)
			}
			if err := o.Value.validate(); err != nil {
				return fmt.Errorf("%w: %v", ErrCorruptDocument, err)
			}
		case actionPush:
			if o.Operation == nil || o.Operation.ID == "" {
				return fmt.Errorf("%w: push without operation", ErrCorruptDocument)
			}
			if err := o.Operation.validate(); err != nil {
				return fmt.Errorf("%w: %v", ErrCorruptDocument, err)
			}
		default:
			return fmt.Errorf("%w: unknown action %q", ErrCorruptDocument, o.Action)
		}
	}
	return nil
}

// encodeHistory writes changes in canonical order.
func encodeHistory(docType, recordID string, changes map[string]*change) ([]byte, error) {
	ordered := sortedChanges(changes)

	enc := encodedDocument{
		Format:  formatTag,
		Version: formatVersion,
		Type:    docType,
		Record:  recordID,
		Changes: make([]encodedChange, 0, len(ordered)),
	}
	for _, hc := range ordered {
		enc.Changes = append(enc.Changes, encodedChange{Hash: hc.hash, change: *hc.change})
	}

	data, err := json.Marshal(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return data, nil
}

type hashedChange struct {
	change *change
	hash   string
}

func sortedChanges(changes map[string]*change) []hashedChange {
	ordered := make([]hashedChange, 0, len(changes))
	for h, c := range changes {
		ordered = append(ordered, hashedChange{hash: h, change: c})
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i].change, ordered[j].change
		if a.before(b) {
			return true
		}
		if b.before(a) {
			return false
		}
		return ordered[i].hash < ordered[j].hash
	})
	return ordered
}
