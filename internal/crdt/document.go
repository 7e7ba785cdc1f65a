package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TombstoneKey is the accumulation list that marks a record as deleted.
const TombstoneKey = "_tombstones"

// Document is one record's mergeable state: a hash-addressed change
// history plus the values materialised from it.
//
// Merge is commutative, associative and idempotent: the state depends only
// on the set of changes, never on the order they arrived in.
type Document struct {
	clock    LamportClock
	changes  map[string]*change  // map[hash]change
	deps     map[string]struct{} // hashes referenced by other changes
	fields   *fieldMap
	lists    map[string]*opList
	now      func() time.Time
	actor    string
	docType  string
	recordID string
	seq      uint64
	mu       sync.RWMutex
}

// New creates an empty document without history for the given actor.
func New(actorID string) *Document {
	return &Document{
		changes: make(map[string]*change),
		deps:    make(map[string]struct{}),
		fields:  newFieldMap(),
		lists:   make(map[string]*opList),
		now:     time.Now,
		actor:   actorID,
	}
}

// Load restores a document from bytes produced by Save.
// Further local changes are attributed to actorID.
func Load(data []byte, actorID string) (*Document, error) {
	h, err := decodeHistory(data)
	if err != nil {
		return nil, err
	}

	doc := New(actorID)
	doc.docType = h.docType
	doc.recordID = h.recordID

	if err := doc.checkClosure(h.changes); err != nil {
		return nil, err
	}
	doc.absorb(h.changes)

	return doc, nil
}

// Actor returns the actor id used for local changes.
func (d *Document) Actor() string {
	return d.actor
}

// Lamport returns the highest Lamport timestamp in the history.
func (d *Document) Lamport() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.clock.Current()
}

// Identity returns the (document_type, record_id) the document is bound to.
func (d *Document) Identity() (string, string) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.docType, d.recordID
}

// Bind attaches the document to a business record. Binding twice to
// a different record fails with ErrIncompatibleDocument.
func (d *Document) Bind(docType, recordID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.docType == "" && d.recordID == "" {
		d.docType = docType
		d.recordID = recordID
		return nil
	}
	if d.docType != docType || d.recordID != recordID {
		return fmt.Errorf("%w: bound to %s/%s, not %s/%s",
			ErrIncompatibleDocument, d.docType, d.recordID, docType, recordID)
	}
	return nil
}

// Save serializes the full change history.
func (d *Document) Save() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return encodeHistory(d.docType, d.recordID, d.changes)
}

// Merge folds another actor's saved history into this document.
func (d *Document) Merge(data []byte) error {
	h, err := decodeHistory(data)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if h.docType != "" || h.recordID != "" {
		if d.docType == "" && d.recordID == "" {
			d.docType = h.docType
			d.recordID = h.recordID
		} else if d.docType != h.docType || d.recordID != h.recordID {
			return fmt.Errorf("%w: cannot merge %s/%s into %s/%s",
				ErrIncompatibleDocument, h.docType, h.recordID, d.docType, d.recordID)
		}
	}

	if err := d.checkClosure(h.changes); err != nil {
		return err
	}
	d.absorb(h.changes)

	return nil
}

// Heads returns the causal frontier: hashes of changes no other change depends on.
func (d *Document) Heads() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.heads()
}

// HeadsJSON returns the heads encoded as a JSON array.
func (d *Document) HeadsJSON() (string, error) {
	data, err := json.Marshal(d.Heads())
	if err != nil {
		return "", fmt.Errorf("failed to encode heads: %w", err)
	}
	return string(data), nil
}

// Len returns the number of changes in the history.
func (d *Document) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.changes)
}

// Set writes a scalar value under key (last writer wins).
func (d *Document) Set(key string, value Value) error {
	if err := validText("key", key); err != nil {
		return err
	}
	if err := value.validate(); err != nil {
		return err
	}

	v := value
	return d.commit(op{Action: actionSet, Key: key, Value: &v})
}

// GetString returns a string field.
func (d *Document) GetString(key string) (string, bool) {
	v, ok := d.get(key)
	if !ok || v.Kind != KindString {
		return "", false
	}
	return v.Str, true
}

// GetInt returns an integer field.
func (d *Document) GetInt(key string) (int64, bool) {
	v, ok := d.get(key)
	if !ok || v.Kind != KindInt {
		return 0, false
	}
	return v.Int, true
}

// GetFloat returns a numeric field; integers are widened.
func (d *Document) GetFloat(key string) (float64, bool) {
	v, ok := d.get(key)
	if !ok {
		return 0, false
	}
	switch v.Kind {
	case KindFloat:
		return v.Float, true
	case KindInt:
		return float64(v.Int), true
	default:
		return 0, false
	}
}

// GetBool returns a boolean field.
func (d *Document) GetBool(key string) (bool, bool) {
	v, ok := d.get(key)
	if !ok || v.Kind != KindBool {
		return false, false
	}
	return v.Bool, true
}

// Get returns the raw value of a field.
func (d *Document) Get(key string) (Value, bool) {
	return d.get(key)
}

func (d *Document) get(key string) (Value, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.fields.get(key)
}

// PushOperation appends an operation to an accumulation list.
func (d *Document) PushOperation(listKey string, operation Operation) error {
	o := operation
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.Timestamp.IsZero() {
		o.Timestamp = d.now()
	}
	o.Timestamp = o.Timestamp.UTC()

	if err := validText("list key", listKey); err != nil {
		return err
	}
	if err := o.validate(); err != nil {
		return err
	}

	return d.commit(op{Action: actionPush, Key: listKey, Operation: &o})
}

// CalculateSum returns the net delta of all operations in the list.
// Operations are summed in canonical order so every peer gets the same float.
func (d *Document) CalculateSum(listKey string) float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	list, ok := d.lists[listKey]
	if !ok {
		return 0
	}

	var sum float64
	for _, e := range list.ordered() {
		sum += e.op.Delta
	}
	return sum
}

// Operations returns the operations of a list in canonical order.
func (d *Document) Operations(listKey string) []Operation {
	d.mu.RLock()
	defer d.mu.RUnlock()

	list, ok := d.lists[listKey]
	if !ok {
		return nil
	}

	entries := list.ordered()
	result := make([]Operation, 0, len(entries))
	for _, e := range entries {
		result = append(result, e.op)
	}
	return result
}

// MarkDeleted tombstones the record. The document itself is kept so later
// merges still apply.
func (d *Document) MarkDeleted(userID string) error {
	return d.PushOperation(TombstoneKey, NewOperation(OpTypeDelete, 1, userID))
}

// IsDeleted reports whether any actor tombstoned the record.
func (d *Document) IsDeleted() bool {
	return d.CalculateSum(TombstoneKey) > 0
}

// ToJSON renders the readable state: scalar fields by value and
// accumulation lists as ordered operation arrays. A key that concurrent
// actors used for both kinds renders as {"value": ..., "operations": [...]}.
func (d *Document) ToJSON() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	state := make(map[string]any, d.fields.size()+len(d.lists))
	for _, k := range d.fields.keys() {
		v, _ := d.fields.get(k)
		state[k] = v.native()
	}
	for k, list := range d.lists {
		entries := list.ordered()
		ops := make([]Operation, 0, len(entries))
		for _, e := range entries {
			ops = append(ops, e.op)
		}
		if v, ok := d.fields.get(k); ok {
			state[k] = map[string]any{"value": v.native(), "operations": ops}
			continue
		}
		state[k] = ops
	}

	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document state: %w", err)
	}
	return data, nil
}

// commit records a single-op local change on top of the current heads.
func (d *Document) commit(o op) error {
	if err := validText("actor id", d.actor); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch o.Action {
	case actionSet:
		if _, ok := d.lists[o.Key]; ok {
			return fmt.Errorf("%w: %q is an operation list", ErrKeyConflict, o.Key)
		}
	case actionPush:
		if _, ok := d.fields.get(o.Key); ok {
			return fmt.Errorf("%w: %q is a field", ErrKeyConflict, o.Key)
		}
	}

	c := &change{
		Actor:   d.actor,
		Deps:    d.heads(),
		Ops:     []op{o},
		Seq:     d.seq + 1,
		Lamport: d.clock.Tick(),
		Time:    d.now().UnixMilli(),
	}
	if len(c.Deps) == 0 {
		c.Deps = nil
	}

	h, err := c.hash()
	if err != nil {
		return err
	}

	d.absorb(map[string]*change{h: c})
	return nil
}

// checkClosure verifies every dependency of incoming is known.
func (d *Document) checkClosure(incoming map[string]*change) error {
	for h, c := range incoming {
		for _, dep := range c.Deps {
			if _, ok := incoming[dep]; ok {
				continue
			}
			if _, ok := d.changes[dep]; ok {
				continue
			}
			return fmt.Errorf("%w: change %s depends on unknown change %s", ErrCorruptDocument, short(h), short(dep))
		}
	}
	return nil
}

// absorb adds unseen changes and applies their ops. Caller holds the lock
// (or owns the document exclusively).
func (d *Document) absorb(incoming map[string]*change) {
	for h, c := range incoming {
		if _, seen := d.changes[h]; seen {
			continue
		}
		d.changes[h] = c
		for _, dep := range c.Deps {
			d.deps[dep] = struct{}{}
		}

		d.clock.Observe(c.Lamport)
		if c.Actor == d.actor && c.Seq > d.seq {
			d.seq = c.Seq
		}

		for i, o := range c.Ops {
			at := c.stamp(i)
			switch o.Action {
			case actionSet:
				d.fields.add(o.Key, fieldEntry{value: *o.Value, at: at})
			case actionPush:
				list, ok := d.lists[o.Key]
				if !ok {
					list = newOpList()
					d.lists[o.Key] = list
				}
				list.add(listEntry{op: *o.Operation, at: at})
			}
		}
	}
}

func (d *Document) heads() []string {
	heads := make([]string, 0, 1)
	for h := range d.changes {
		if _, referenced := d.deps[h]; !referenced {
			heads = append(heads, h)
		}
	}
	sort.Strings(heads)
	return heads
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
