package boltdb

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"go.etcd.io/bbolt"

	"github.com/iudanet/wmssync/internal/crdt"
	"github.com/iudanet/wmssync/internal/server/storage"
	"github.com/iudanet/wmssync/pkg/api"
)

var _ storage.ChangeStorage = (*Storage)(nil)

// recordState tracks the live log entry of one record
type recordState struct {
	Document      []byte `json:"document,omitempty"`
	LogVersion    int64  `json:"log_version"`
	ClientVersion int64  `json:"client_version"`
}

// Apply folds an incoming change into the log and returns its table version
func (s *Storage) Apply(ctx context.Context, change *api.ChangeRecord) (int64, error) {
	if s.db == nil {
		return 0, storage.ErrStorageClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := change.Validate(); err != nil {
		return 0, err
	}

	var version int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		seen := tx.Bucket(bucketSeen)
		if v := seen.Get([]byte(change.ID)); v != nil {
			version = btoi(v)
			return nil
		}

		logs, err := tx.Bucket(bucketLog).CreateBucketIfNotExists([]byte(change.TableName))
		if err != nil {
			return fmt.Errorf("failed to create log bucket: %w", err)
		}
		records, err := tx.Bucket(bucketRecords).CreateBucketIfNotExists([]byte(change.TableName))
		if err != nil {
			return fmt.Errorf("failed to create records bucket: %w", err)
		}

		var state recordState
		if raw := records.Get([]byte(change.RecordID)); raw != nil {
			if err := json.Unmarshal(raw, &state); err != nil {
				return fmt.Errorf("failed to unmarshal record state: %w", err)
			}
		}

		entry := *change
		if change.IsCRDT() {
			merged, moved, err := mergeDocument(state.Document, change)
			if err != nil {
				return err
			}
			// Heads did not move: no new version
			if !moved {
				version = state.LogVersion
				return seen.Put([]byte(change.ID), itob(version))
			}
			entry.ChangeBytes = merged
			state.Document = merged
		} else {
			if state.LogVersion > 0 && change.Version < state.ClientVersion {
				return fmt.Errorf("%w: %s/%s has version %d, got %d",
					storage.ErrStaleVersion, change.TableName, change.RecordID, state.ClientVersion, change.Version)
			}
			state.ClientVersion = change.Version
		}

		// Compaction: a record keeps one live entry in the log
		if state.LogVersion > 0 {
			if err := logs.Delete(itob(state.LogVersion)); err != nil {
				return fmt.Errorf("failed to compact log: %w", err)
			}
		}

		seq, err := logs.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate version: %w", err)
		}
		version = int64(seq)
		entry.Version = version
		state.LogVersion = version

		data, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("failed to marshal change: %w", err)
		}
		if err := logs.Put(itob(version), data); err != nil {
			return fmt.Errorf("failed to save change: %w", err)
		}

		stateData, err := json.Marshal(&state)
		if err != nil {
			return fmt.Errorf("failed to marshal record state: %w", err)
		}
		if err := records.Put([]byte(change.RecordID), stateData); err != nil {
			return fmt.Errorf("failed to save record state: %w", err)
		}

		return seen.Put([]byte(change.ID), itob(version))
	})
	if err != nil {
		return 0, err
	}

	return version, nil
}

// mergeDocument merges incoming change bytes into the stored document.
// moved reports whether the heads changed.
func mergeDocument(stored []byte, change *api.ChangeRecord) ([]byte, bool, error) {
	var (
		doc    *crdt.Document
		before []string
		err    error
	)
	if stored == nil {
		doc, err = crdt.Load(change.ChangeBytes, ServerActor)
	} else {
		doc, err = crdt.Load(stored, ServerActor)
		if err == nil {
			before = doc.Heads()
			err = doc.Merge(change.ChangeBytes)
		}
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to merge %s/%s: %w", change.TableName, change.RecordID, err)
	}

	if err := doc.Bind(change.TableName, change.RecordID); err != nil {
		return nil, false, err
	}

	if stored != nil && slices.Equal(before, doc.Heads()) {
		return stored, false, nil
	}

	merged, err := doc.Save()
	if err != nil {
		return nil, false, fmt.Errorf("failed to save merged document: %w", err)
	}
	return merged, true, nil
}

// Changes returns up to limit entries of table with version > since
func (s *Storage) Changes(ctx context.Context, table string, since int64, limit int) ([]api.ChangeRecord, bool, error) {
	if s.db == nil {
		return nil, false, storage.ErrStorageClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if limit <= 0 {
		limit = api.DefaultRequestLimit
	}
	if since < 0 {
		since = 0
	}

	changes := make([]api.ChangeRecord, 0)
	var hasMore bool

	err := s.db.View(func(tx *bbolt.Tx) error {
		logs := tx.Bucket(bucketLog).Bucket([]byte(table))
		if logs == nil {
			return nil
		}

		c := logs.Cursor()
		for k, v := c.Seek(itob(since + 1)); k != nil; k, v = c.Next() {
			if len(changes) == limit {
				hasMore = true
				break
			}

			var change api.ChangeRecord
			if err := json.Unmarshal(v, &change); err != nil {
				return fmt.Errorf("failed to unmarshal change %d: %w", btoi(k), err)
			}
			changes = append(changes, change)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return changes, hasMore, nil
}

// Tables lists every table with a change log
func (s *Storage) Tables(ctx context.Context) ([]string, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	tables := make([]string, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLog).ForEachBucket(func(k []byte) error {
			tables = append(tables, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}

	return tables, nil
}

// TableVersion returns the latest version assigned in table
func (s *Storage) TableVersion(ctx context.Context, table string) (int64, error) {
	if s.db == nil {
		return 0, storage.ErrStorageClosed
	}

	var version int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		if logs := tx.Bucket(bucketLog).Bucket([]byte(table)); logs != nil {
			version = int64(logs.Sequence())
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read table version: %w", err)
	}

	return version, nil
}
