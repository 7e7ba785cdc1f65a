package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/wmssync/internal/client/storage"
)

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()

	// Используем in-memory database для тестов
	s, err := New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func countSettings(t *testing.T, s storage.Store) int {
	t.Helper()

	var n int
	found, err := s.QueryRow(context.Background(), "SELECT COUNT(*) FROM settings", nil, func(r storage.Row) error {
		return r.Scan(&n)
	})
	require.NoError(t, err)
	require.True(t, found)
	return n
}

func TestNew_CreatesSchema(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	var tables []string
	err := s.QueryMap(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'goose%' AND name NOT LIKE 'sqlite%' ORDER BY name",
		nil,
		func(r storage.Row) error {
			var name string
			if err := r.Scan(&name); err != nil {
				return err
			}
			tables = append(tables, name)
			return nil
		})
	require.NoError(t, err)

	assert.Equal(t, []string{"crdt_documents", "settings", "sync_inbox", "sync_outbox", "sync_table_versions"}, tables)
}

func TestStorage_ExecAndQueryRow(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	n, err := s.Exec(ctx, "INSERT INTO settings (key, value) VALUES (?, ?)", "device_id", "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var value string
	found, err := s.QueryRow(ctx, "SELECT value FROM settings WHERE key = ?", []any{"device_id"}, func(r storage.Row) error {
		return r.Scan(&value)
	})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "abc", value)

	found, err = s.QueryRow(ctx, "SELECT value FROM settings WHERE key = ?", []any{"missing"}, func(r storage.Row) error {
		return r.Scan(&value)
	})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStorage_Exec_Error(t *testing.T) {
	s := setupTestStorage(t)

	_, err := s.Exec(context.Background(), "INSERT INTO no_such_table VALUES (1)")
	assert.Error(t, err)
}

func TestStorage_Transaction_Commit(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	err := s.Transaction(ctx, func(tx storage.Store) error {
		if _, err := tx.Exec(ctx, "INSERT INTO settings (key, value) VALUES ('a', '1')"); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, "INSERT INTO settings (key, value) VALUES ('b', '2')")
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, 2, countSettings(t, s))
}

func TestStorage_Transaction_RollbackOnError(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	errBoom := errors.New("boom")

	err := s.Transaction(ctx, func(tx storage.Store) error {
		if _, err := tx.Exec(ctx, "INSERT INTO settings (key, value) VALUES ('a', '1')"); err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	assert.Equal(t, 0, countSettings(t, s))
}

func TestStorage_Transaction_RollbackOnPanic(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = s.Transaction(ctx, func(tx storage.Store) error {
			_, _ = tx.Exec(ctx, "INSERT INTO settings (key, value) VALUES ('a', '1')")
			panic("unexpected")
		})
	})

	assert.Equal(t, 0, countSettings(t, s))
}

func TestStorage_Transaction_Nested(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	errBoom := errors.New("boom")

	err := s.Transaction(ctx, func(tx storage.Store) error {
		if _, err := tx.Exec(ctx, "INSERT INTO settings (key, value) VALUES ('outer', '1')"); err != nil {
			return err
		}
		return tx.Transaction(ctx, func(inner storage.Store) error {
			if _, err := inner.Exec(ctx, "INSERT INTO settings (key, value) VALUES ('inner', '1')"); err != nil {
				return err
			}
			return errBoom
		})
	})
	require.ErrorIs(t, err, errBoom)

	// внутренняя ошибка откатывает и внешнюю запись
	assert.Equal(t, 0, countSettings(t, s))
}
