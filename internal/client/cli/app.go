package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/iudanet/wmssync/internal/auth"
	"github.com/iudanet/wmssync/internal/client/api"
	"github.com/iudanet/wmssync/internal/client/ledger"
	"github.com/iudanet/wmssync/internal/client/storage"
	"github.com/iudanet/wmssync/internal/client/storage/sqlite"
	clientsync "github.com/iudanet/wmssync/internal/client/sync"
	"github.com/iudanet/wmssync/internal/config"
	"github.com/iudanet/wmssync/internal/logging"
)

// Settings keys used by the CLI
const (
	SettingServerURL = "server_url"
	SettingLastSync  = "last_sync"
)

// app holds everything a command needs
type app struct {
	cfg    *config.Config
	store  *sqlite.Storage
	engine *clientsync.Engine
	logger *slog.Logger
}

// open loads config, opens the device database and builds the engine
func (o *RootOptions) open(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if o.DBPath != "" {
		cfg.DBPath = o.DBPath
	}
	if o.ServerURL != "" {
		cfg.ServerURL = o.ServerURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.New(cmd.ErrOrStderr(), cfg.Level())

	store, err := sqlite.New(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	a, err := newApp(ctx, cfg, store, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func newApp(ctx context.Context, cfg *config.Config, store *sqlite.Storage, logger *slog.Logger) (*app, error) {
	l := ledger.New(store)

	deviceID, err := l.Settings.DeviceID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve device id: %w", err)
	}

	// The configured address wins over the one saved by set
	endpoint := cfg.ServerURL
	if endpoint == "" {
		endpoint, err = l.Settings.Get(ctx, SettingServerURL)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}

	opts := []api.Option{api.WithTimeout(cfg.RequestTimeout.Duration)}
	if cfg.AuthSecret != "" {
		opts = append(opts, api.WithTokenProvider(auth.NewTokenSource(cfg.AuthConfig(), deviceID)))
	}

	engineCfg := cfg.EngineConfig()
	engineCfg.Endpoint = endpoint

	engine, err := clientsync.NewEngine(ctx, store, api.NewClient(opts...), engineCfg, logger)
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, store: store, engine: engine, logger: logger}, nil
}

func (a *app) ledger() *ledger.Ledger {
	return a.engine.Ledger()
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close database", "error", err)
	}
}

// withApp runs fn with an opened app and closes it afterwards
func (o *RootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := o.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	return fn(ctx, a)
}
