package storage

import (
	"context"

	"github.com/iudanet/wmssync/pkg/api"
)

// ChangeStorage defines the relay change log persistence
type ChangeStorage interface {
	// Apply folds an incoming change into the log and returns the table version
	// the change is visible under. Re-applying a known change id is a no-op
	// that returns the version recorded the first time.
	// MERGE changes are merged into the stored document; plain changes are
	// last-writer-wins by version and fail with ErrStaleVersion when older.
	Apply(ctx context.Context, change *api.ChangeRecord) (int64, error)

	// Changes returns up to limit log entries of table with version > since,
	// ordered by version, and whether more entries follow
	Changes(ctx context.Context, table string, since int64, limit int) ([]api.ChangeRecord, bool, error)

	// Tables lists every table that has at least one change
	Tables(ctx context.Context) ([]string, error)

	// TableVersion returns the latest version assigned in table
	TableVersion(ctx context.Context, table string) (int64, error)
}
