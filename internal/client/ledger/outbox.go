package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/wmssync/internal/client/storage"
	"github.com/iudanet/wmssync/pkg/api"
)

// OutboxItem is one durable local mutation waiting for acknowledgment
type OutboxItem struct {
	CreatedAt      time.Time
	SentAt         *time.Time // sent but possibly unacknowledged
	AcknowledgedAt *time.Time
	ID             string
	TableName      string
	RecordID       string
	Operation      api.ChangeOperation
	Payload        []byte
	Version        int64
}

// ChangeRecord converts the item to its wire form.
// The change id is the outbox id so peers can deduplicate resends.
func (i *OutboxItem) ChangeRecord(actorID string) api.ChangeRecord {
	change := api.ChangeRecord{
		ID:        i.ID,
		TableName: i.TableName,
		RecordID:  i.RecordID,
		Operation: i.Operation,
		Version:   i.Version,
		Timestamp: i.CreatedAt,
		ActorID:   actorID,
	}
	if i.Operation == api.OperationMerge {
		change.ChangeBytes = i.Payload
	} else {
		payload := string(i.Payload)
		change.JSONPayload = &payload
	}
	return change
}

// Outbox is the queue of local mutations. Rows are removed only after acknowledgment.
type Outbox struct {
	store storage.Store
	now   func() time.Time
}

const outboxColumns = `id, table_name, record_id, operation, payload, version, created_at, sent_at, acknowledged_at`

// Enqueue appends a new item with version 1
func (o *Outbox) Enqueue(ctx context.Context, tableName, recordID string, op api.ChangeOperation, payload []byte) (*OutboxItem, error) {
	item := &OutboxItem{
		ID:        uuid.New().String(),
		TableName: tableName,
		RecordID:  recordID,
		Operation: op,
		Payload:   payload,
		Version:   1,
		CreatedAt: o.now(),
	}

	_, err := o.store.Exec(ctx, `
		INSERT INTO sync_outbox (id, table_name, record_id, operation, payload, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.TableName, item.RecordID, string(item.Operation), item.Payload, item.Version, toUnix(item.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue outbox item: %w", err)
	}

	return item, nil
}

// Pending returns up to limit unacknowledged items in creation order
func (o *Outbox) Pending(ctx context.Context, limit int) ([]OutboxItem, error) {
	var items []OutboxItem
	err := o.store.QueryMap(ctx,
		`SELECT `+outboxColumns+` FROM sync_outbox
		WHERE acknowledged_at IS NULL
		ORDER BY created_at, rowid
		LIMIT ?`,
		[]any{limit},
		func(r storage.Row) error {
			item, err := scanOutboxItem(r)
			if err != nil {
				return err
			}
			items = append(items, *item)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to read pending outbox items: %w", err)
	}
	return items, nil
}

// Get returns one item by id
func (o *Outbox) Get(ctx context.Context, id string) (*OutboxItem, error) {
	var item *OutboxItem
	found, err := o.store.QueryRow(ctx,
		`SELECT `+outboxColumns+` FROM sync_outbox WHERE id = ?`,
		[]any{id},
		func(r storage.Row) error {
			var err error
			item, err = scanOutboxItem(r)
			return err
		})
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox item: %w", err)
	}
	if !found {
		return nil, storage.ErrNotFound
	}
	return item, nil
}

// MarkSent records that the transport accepted the item
func (o *Outbox) MarkSent(ctx context.Context, id string, at time.Time) error {
	n, err := o.store.Exec(ctx, `UPDATE sync_outbox SET sent_at = ? WHERE id = ?`, toUnix(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox item sent: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkAcknowledged sets acknowledged_at on the given items
func (o *Outbox) MarkAcknowledged(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, toUnix(at))
	for _, id := range ids {
		args = append(args, id)
	}

	query := `UPDATE sync_outbox SET acknowledged_at = ?
		WHERE acknowledged_at IS NULL AND id IN (` + placeholders(len(ids)) + `)`
	if _, err := o.store.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to acknowledge outbox items: %w", err)
	}
	return nil
}

// PendingCount returns the number of unacknowledged items
func (o *Outbox) PendingCount(ctx context.Context) (int, error) {
	var n int
	_, err := o.store.QueryRow(ctx,
		`SELECT COUNT(*) FROM sync_outbox WHERE acknowledged_at IS NULL`, nil,
		func(r storage.Row) error { return r.Scan(&n) })
	if err != nil {
		return 0, fmt.Errorf("failed to count pending outbox items: %w", err)
	}
	return n, nil
}

// PurgeAcknowledged deletes items acknowledged before the given time
func (o *Outbox) PurgeAcknowledged(ctx context.Context, before time.Time) (int64, error) {
	n, err := o.store.Exec(ctx,
		`DELETE FROM sync_outbox WHERE acknowledged_at IS NOT NULL AND acknowledged_at < ?`,
		toUnix(before))
	if err != nil {
		return 0, fmt.Errorf("failed to purge outbox: %w", err)
	}
	return n, nil
}

func scanOutboxItem(r storage.Row) (*OutboxItem, error) {
	var (
		item            OutboxItem
		op              string
		createdAt       int64
		sentAt, ackedAt *int64
	)
	if err := r.Scan(&item.ID, &item.TableName, &item.RecordID, &op, &item.Payload,
		&item.Version, &createdAt, &sentAt, &ackedAt); err != nil {
		return nil, err
	}

	item.Operation = api.ChangeOperation(op)
	item.CreatedAt = fromUnix(createdAt)
	item.SentAt = fromNullUnix(sentAt)
	item.AcknowledgedAt = fromNullUnix(ackedAt)
	return &item, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
