package crdt

import "sort"

// fieldEntry is the current winner for one document key.
type fieldEntry struct {
	value Value
	at    stamp
}

// fieldMap is a Last-Write-Wins map of document fields.
// The owning Document guards it with its own mutex.
type fieldMap struct {
	entries map[string]fieldEntry
}

func newFieldMap() *fieldMap {
	return &fieldMap{
		entries: make(map[string]fieldEntry),
	}
}

// add stores the write if it wins over the current one.
// Returns true if the field was changed.
func (m *fieldMap) add(key string, entry fieldEntry) bool {
	existing, exists := m.entries[key]

	// Missing field: add it
	if !exists {
		m.entries[key] = entry
		return true
	}

	// Newer entry: replace
	if entry.at.after(existing.at) {
		m.entries[key] = entry
		return true
	}

	return false
}

// get returns the winning value; explicit nulls are reported as present.
func (m *fieldMap) get(key string) (Value, bool) {
	entry, exists := m.entries[key]
	if !exists {
		return Value{}, false
	}
	return entry.value, true
}

// keys returns field names in sorted order.
func (m *fieldMap) keys() []string {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// size returns the number of fields.
func (m *fieldMap) size() int {
	return len(m.entries)
}

// listEntry is one accumulated operation and the stamp of its change.
type listEntry struct {
	op Operation
	at stamp
}

// opList keeps every operation of an accumulation list by id.
type opList struct {
	entries map[string]listEntry
}

func newOpList() *opList {
	return &opList{entries: make(map[string]listEntry)}
}

// add inserts the operation; a repeated id keeps the later stamp so that
// every peer resolves the duplicate identically.
func (l *opList) add(entry listEntry) {
	existing, exists := l.entries[entry.op.ID]
	if !exists || entry.at.after(existing.at) {
		l.entries[entry.op.ID] = entry
	}
}

// ordered returns operations in canonical order.
func (l *opList) ordered() []listEntry {
	result := make([]listEntry, 0, len(l.entries))
	for _, e := range l.entries {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].at != result[j].at {
			return result[j].at.after(result[i].at)
		}
		return result[i].op.ID < result[j].op.ID
	})
	return result
}
