package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/iudanet/wmssync/internal/client/storage"
)

// DeviceIDKey is the settings key holding the device/actor identifier
const DeviceIDKey = "device_id"

// Settings is a key/value table
type Settings struct {
	store storage.Store
}

// Get returns the value for key. Returns storage.ErrNotFound when absent.
func (s *Settings) Get(ctx context.Context, key string) (string, error) {
	var value string
	found, err := s.store.QueryRow(ctx, `SELECT value FROM settings WHERE key = ?`, []any{key},
		func(r storage.Row) error { return r.Scan(&value) })
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	if !found {
		return "", storage.ErrNotFound
	}
	return value, nil
}

// Set stores value under key
func (s *Settings) Set(ctx context.Context, key, value string) error {
	_, err := s.store.Exec(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// DeviceID returns the persisted device identifier, generating it on first use
func (s *Settings) DeviceID(ctx context.Context) (string, error) {
	// An existing id is never overwritten
	_, err := s.store.Exec(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT (key) DO NOTHING`,
		DeviceIDKey, uuid.New().String())
	if err != nil {
		return "", fmt.Errorf("failed to create device id: %w", err)
	}

	return s.Get(ctx, DeviceIDKey)
}
