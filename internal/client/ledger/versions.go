package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/iudanet/wmssync/internal/client/storage"
	"github.com/iudanet/wmssync/pkg/api"
)

// Versions keeps per-table pull watermarks
type Versions struct {
	store storage.Store
}

// All returns every known watermark ordered by table name
func (v *Versions) All(ctx context.Context) ([]api.TableVersion, error) {
	var out []api.TableVersion
	err := v.store.QueryMap(ctx,
		`SELECT table_name, version, last_sync_at FROM sync_table_versions ORDER BY table_name`, nil,
		func(r storage.Row) error {
			tv, err := scanTableVersion(r)
			if err != nil {
				return err
			}
			out = append(out, tv)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to read table versions: %w", err)
	}
	return out, nil
}

// For returns one watermark per table; tables never pulled report version 0
func (v *Versions) For(ctx context.Context, tables []string) ([]api.TableVersion, error) {
	all, err := v.All(ctx)
	if err != nil {
		return nil, err
	}

	known := make(map[string]api.TableVersion, len(all))
	for _, tv := range all {
		known[tv.TableName] = tv
	}

	out := make([]api.TableVersion, 0, len(tables))
	for _, table := range tables {
		tv, ok := known[table]
		if !ok {
			tv = api.TableVersion{TableName: table}
		}
		out = append(out, tv)
	}
	return out, nil
}

// Advance raises the watermark of table; it never moves backwards
func (v *Versions) Advance(ctx context.Context, table string, version int64, at time.Time) error {
	_, err := v.store.Exec(ctx, `
		INSERT INTO sync_table_versions (table_name, version, last_sync_at) VALUES (?, ?, ?)
		ON CONFLICT (table_name) DO UPDATE SET
			version = max(sync_table_versions.version, excluded.version),
			last_sync_at = excluded.last_sync_at`,
		table, version, toUnix(at))
	if err != nil {
		return fmt.Errorf("failed to advance version of %s: %w", table, err)
	}
	return nil
}

func scanTableVersion(r storage.Row) (api.TableVersion, error) {
	var (
		tv         api.TableVersion
		lastSyncAt *int64
	)
	if err := r.Scan(&tv.TableName, &tv.Version, &lastSyncAt); err != nil {
		return tv, err
	}
	tv.LastSyncAt = fromNullUnix(lastSyncAt)
	return tv, nil
}
