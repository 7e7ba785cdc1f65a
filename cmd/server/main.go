package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iudanet/wmssync/internal/auth"
	"github.com/iudanet/wmssync/internal/config"
	"github.com/iudanet/wmssync/internal/logging"
	"github.com/iudanet/wmssync/internal/server"
	"github.com/iudanet/wmssync/internal/server/middleware"
	"github.com/iudanet/wmssync/internal/server/storage/boltdb"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Parse flags
	showVersion := flag.Bool("version", false, "Show version information")
	addr := flag.String("addr", ":8080", "Listen address")
	dbPath := flag.String("db", "wmssync-relay.db", "Path to relay database")
	secret := flag.String("secret", os.Getenv(config.EnvAuthSecret), "HMAC secret for device tokens")
	logLevel := flag.String("log-level", "info", "Log level (debug|info|warn|error)")
	rate := flag.Int("rate", 120, "Requests per device per window (0 disables)")
	window := flag.Duration("rate-window", time.Minute, "Rate limit window")
	flag.Parse()

	// Show version and exit if requested
	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	level, err := config.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stderr, level)

	if err := run(logger, *addr, *dbPath, *secret, *rate, *window); err != nil {
		logger.Error("Server stopped", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, addr, dbPath, secret string, rate int, window time.Duration) error {
	if secret == "" {
		return auth.ErrEmptySecret
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := boltdb.New(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close storage", "error", err)
		}
	}()

	opts := server.Options{
		Version: Version,
		Auth:    auth.Config{Secret: []byte(secret)},
	}
	if rate > 0 {
		opts.Limiter = middleware.NewRateLimiter(rate, window, logger)
		defer opts.Limiter.Stop()
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           server.NewRouter(logger, store, opts),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("WMS sync relay starting", "addr", addr, "db", dbPath, "version", Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return nil
}

func printVersion() {
	fmt.Printf("WMS Sync Relay\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
