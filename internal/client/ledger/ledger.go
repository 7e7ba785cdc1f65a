// Package ledger keeps the durable sync bookkeeping of a device:
// the outbox of local mutations, the inbox of remote ones, persisted
// replicated documents, settings and per-table pull watermarks.
package ledger

import (
	"context"
	"time"

	"github.com/iudanet/wmssync/internal/client/storage"
)

// Ledger groups the sync tables of one store
type Ledger struct {
	store     storage.Store
	now       func() time.Time
	Outbox    *Outbox
	Inbox     *Inbox
	Documents *Documents
	Settings  *Settings
	Versions  *Versions
}

// New creates a Ledger over store
func New(store storage.Store) *Ledger {
	return newLedger(store, func() time.Time { return time.Now().UTC() })
}

func newLedger(store storage.Store, now func() time.Time) *Ledger {
	return &Ledger{
		store:     store,
		now:       now,
		Outbox:    &Outbox{store: store, now: now},
		Inbox:     &Inbox{store: store, now: now},
		Documents: &Documents{store: store, now: now},
		Settings:  &Settings{store: store},
		Versions:  &Versions{store: store},
	}
}

// WithClock returns a copy of the ledger that stamps rows using now
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	return newLedger(l.store, now)
}

// Tx runs fn with a ledger bound to a single transaction
func (l *Ledger) Tx(ctx context.Context, fn func(tx *Ledger) error) error {
	return l.store.Transaction(ctx, func(tx storage.Store) error {
		return fn(newLedger(tx, l.now))
	})
}

func toUnix(t time.Time) int64 {
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullUnix(n *int64) *time.Time {
	if n == nil {
		return nil
	}
	t := fromUnix(*n)
	return &t
}
