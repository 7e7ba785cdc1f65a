package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/wmssync/internal/client/storage"
	"github.com/iudanet/wmssync/pkg/api"
)

// InboxItem is a remote change waiting to be projected into business tables
type InboxItem struct {
	ReceivedAt    time.Time
	ID            string
	TableName     string
	RecordID      string
	Operation     api.ChangeOperation
	Payload       []byte
	ServerVersion int64
}

// Inbox is the queue of applied remote changes
type Inbox struct {
	store storage.Store
	now   func() time.Time
}

// Enqueue appends a remote change
func (i *Inbox) Enqueue(ctx context.Context, tableName, recordID string, op api.ChangeOperation, payload []byte, serverVersion int64) (*InboxItem, error) {
	item := &InboxItem{
		ID:            uuid.New().String(),
		TableName:     tableName,
		RecordID:      recordID,
		Operation:     op,
		Payload:       payload,
		ServerVersion: serverVersion,
		ReceivedAt:    i.now(),
	}

	_, err := i.store.Exec(ctx, `
		INSERT INTO sync_inbox (id, table_name, record_id, operation, payload, server_version, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.TableName, item.RecordID, string(item.Operation), item.Payload, item.ServerVersion, toUnix(item.ReceivedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue inbox item: %w", err)
	}

	return item, nil
}

// Pending returns up to limit items in arrival order
func (i *Inbox) Pending(ctx context.Context, limit int) ([]InboxItem, error) {
	var items []InboxItem
	err := i.store.QueryMap(ctx, `
		SELECT id, table_name, record_id, operation, payload, server_version, received_at
		FROM sync_inbox
		ORDER BY received_at, rowid
		LIMIT ?`,
		[]any{limit},
		func(r storage.Row) error {
			var (
				item       InboxItem
				op         string
				receivedAt int64
			)
			if err := r.Scan(&item.ID, &item.TableName, &item.RecordID, &op,
				&item.Payload, &item.ServerVersion, &receivedAt); err != nil {
				return err
			}
			item.Operation = api.ChangeOperation(op)
			item.ReceivedAt = fromUnix(receivedAt)
			items = append(items, item)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}
	return items, nil
}

// Delete removes an item once it has been projected
func (i *Inbox) Delete(ctx context.Context, id string) error {
	n, err := i.store.Exec(ctx, `DELETE FROM sync_inbox WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete inbox item: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Count returns the number of queued items
func (i *Inbox) Count(ctx context.Context) (int, error) {
	var n int
	_, err := i.store.QueryRow(ctx, `SELECT COUNT(*) FROM sync_inbox`, nil,
		func(r storage.Row) error { return r.Scan(&n) })
	if err != nil {
		return 0, fmt.Errorf("failed to count inbox items: %w", err)
	}
	return n, nil
}
