package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/wmssync/internal/client/storage"
	"github.com/iudanet/wmssync/internal/crdt"
)

// DocumentRecord is a persisted replicated document row
type DocumentRecord struct {
	UpdatedAt    time.Time
	ID           string
	DocumentType string
	RecordID     string
	ActorID      string
	Heads        string // JSON array
	Changes      []byte
	Version      int64
}

// Documents persists one replicated document per (document_type, record_id)
type Documents struct {
	store storage.Store
	now   func() time.Time
}

// Get returns the stored row. Returns storage.ErrNotFound when absent.
func (d *Documents) Get(ctx context.Context, docType, recordID string) (*DocumentRecord, error) {
	var (
		rec       DocumentRecord
		updatedAt int64
	)
	found, err := d.store.QueryRow(ctx, `
		SELECT id, document_type, record_id, actor_id, heads, compressed_changes, version, updated_at
		FROM crdt_documents
		WHERE document_type = ? AND record_id = ?`,
		[]any{docType, recordID},
		func(r storage.Row) error {
			return r.Scan(&rec.ID, &rec.DocumentType, &rec.RecordID, &rec.ActorID,
				&rec.Heads, &rec.Changes, &rec.Version, &updatedAt)
		})
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	if !found {
		return nil, storage.ErrNotFound
	}

	rec.UpdatedAt = fromUnix(updatedAt)
	return &rec, nil
}

// Load restores the stored document; local changes are attributed to actorID.
// Returns storage.ErrNotFound when absent and crdt.ErrCorruptDocument for unreadable rows.
func (d *Documents) Load(ctx context.Context, docType, recordID, actorID string) (*crdt.Document, error) {
	rec, err := d.Get(ctx, docType, recordID)
	if err != nil {
		return nil, err
	}

	doc, err := crdt.Load(rec.Changes, actorID)
	if err != nil {
		return nil, fmt.Errorf("document %s/%s: %w", docType, recordID, err)
	}
	return doc, nil
}

// Save upserts the document, incrementing its version
func (d *Documents) Save(ctx context.Context, docType, recordID string, doc *crdt.Document) error {
	changes, err := doc.Save()
	if err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}

	heads, err := doc.HeadsJSON()
	if err != nil {
		return err
	}

	_, err = d.store.Exec(ctx, `
		INSERT INTO crdt_documents (id, document_type, record_id, actor_id, heads, compressed_changes, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT (document_type, record_id) DO UPDATE SET
			actor_id = excluded.actor_id,
			heads = excluded.heads,
			compressed_changes = excluded.compressed_changes,
			version = crdt_documents.version + 1,
			updated_at = excluded.updated_at`,
		uuid.New().String(), docType, recordID, doc.Actor(), heads, changes, toUnix(d.now()),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	return nil
}

// Count returns the number of persisted documents
func (d *Documents) Count(ctx context.Context) (int, error) {
	var n int
	_, err := d.store.QueryRow(ctx, `SELECT COUNT(*) FROM crdt_documents`, nil,
		func(r storage.Row) error { return r.Scan(&n) })
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return n, nil
}
