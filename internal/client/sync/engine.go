package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iudanet/wmssync/internal/client/ledger"
	"github.com/iudanet/wmssync/internal/client/storage"
	"github.com/iudanet/wmssync/internal/crdt"
	"github.com/iudanet/wmssync/internal/validation"
	"github.com/iudanet/wmssync/pkg/api"
)

// Engine defaults
const (
	DefaultBatchSize     = 100
	DefaultPageLimit     = api.DefaultRequestLimit
	DefaultMaxPages      = 50
	DefaultSlowThreshold = 5 * time.Second

	// DefaultOutboxRetention is how long acknowledged outbox rows are kept
	DefaultOutboxRetention = 7 * 24 * time.Hour
)

// Config configures an Engine
type Config struct {
	Endpoint        string   // empty disables syncing
	Tables          []string // empty means every table
	SlowThreshold   time.Duration
	OutboxRetention time.Duration
	BatchSize       int
	PageLimit       int
	MaxPages        int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.PageLimit <= 0 {
		c.PageLimit = DefaultPageLimit
	}
	if c.MaxPages <= 0 {
		c.MaxPages = DefaultMaxPages
	}
	if c.SlowThreshold <= 0 {
		c.SlowThreshold = DefaultSlowThreshold
	}
	if c.OutboxRetention <= 0 {
		c.OutboxRetention = DefaultOutboxRetention
	}
	return c
}

// PassResult contains the counters of the last pass
type PassResult struct {
	LastDocumentError string
	Pushed            int // outbox items sent
	Rejected          int // refused by the server
	Acknowledged      int // confirmed at the end of the pass
	Purged            int // acknowledged rows past retention
	Pulled            int // records received
	Applied           int // records applied
	Skipped           int // skipped on document errors
	Pages             int
}

// Engine runs reconciliation passes between the local ledger and a remote peer.
// At most one pass runs at a time.
type Engine struct {
	transport Transport
	ledger    *ledger.Ledger
	logger    *slog.Logger
	now       func() time.Time
	deviceID  string
	cfg       Config
	status    Status
	result    PassResult
	mu        sync.Mutex
}

// NewEngine creates an engine over store. The device id is generated on first run.
func NewEngine(ctx context.Context, store storage.Store, transport Transport, cfg Config, logger *slog.Logger) (*Engine, error) {
	e := &Engine{
		transport: transport,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		cfg:       cfg.withDefaults(),
		status:    Status{ConnectionStatus: ConnectionUnknown},
	}
	// ledger rows follow the engine clock
	e.ledger = ledger.New(store).WithClock(func() time.Time { return e.now() })

	deviceID, err := e.ledger.Settings.DeviceID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve device id: %w", err)
	}
	e.deviceID = deviceID

	if err := e.RefreshPending(ctx); err != nil {
		return nil, err
	}

	return e, nil
}

// DeviceID returns the actor id stamped on local changes
func (e *Engine) DeviceID() string {
	return e.deviceID
}

// Ledger returns the underlying sync tables
func (e *Engine) Ledger() *ledger.Ledger {
	return e.ledger
}

// Status returns a snapshot of the engine state
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.status.clone()
}

// LastResult returns the counters of the most recent pass
func (e *Engine) LastResult() PassResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.result
}

// SetConnectionStatus records reachability observed outside the engine
func (e *Engine) SetConnectionStatus(cs ConnectionStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.status.ConnectionStatus = cs
}

// SetEndpoint changes the remote endpoint; an empty value disables syncing
func (e *Engine) SetEndpoint(endpoint string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cfg.Endpoint = endpoint
}

// Endpoint returns the current remote endpoint
func (e *Engine) Endpoint() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.cfg.Endpoint
}

// RefreshPending recomputes the pending change count from the outbox
func (e *Engine) RefreshPending(ctx context.Context) error {
	n, err := e.ledger.Outbox.PendingCount(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.status.PendingChanges = n
	e.mu.Unlock()
	return nil
}

// QueueChange appends a plain relational change to the outbox
func (e *Engine) QueueChange(ctx context.Context, tableName, recordID string, op api.ChangeOperation, payload string) (*ledger.OutboxItem, error) {
	if err := validateTarget(tableName, recordID); err != nil {
		return nil, err
	}
	if !op.Valid() || op == api.OperationMerge {
		return nil, fmt.Errorf("%w: operation %q cannot be queued as a plain change", api.ErrInvalidChange, op)
	}
	if !json.Valid([]byte(payload)) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", api.ErrInvalidChange)
	}

	item, err := e.ledger.Outbox.Enqueue(ctx, tableName, recordID, op, []byte(payload))
	if err != nil {
		return nil, err
	}

	e.logger.Debug("Change queued", "change_id", item.ID, "table", tableName, "record_id", recordID, "operation", op)
	e.refreshPending(ctx)
	return item, nil
}

// ApplyLocal mutates the document of a record and queues its history for push.
// The document is created on first use. Persisting the document and queueing
// the outbox item happen in one transaction.
func (e *Engine) ApplyLocal(ctx context.Context, tableName, recordID string, fn func(doc *crdt.Document) error) (*crdt.Document, error) {
	if err := validateTarget(tableName, recordID); err != nil {
		return nil, err
	}

	var result *crdt.Document

	err := e.ledger.Tx(ctx, func(tx *ledger.Ledger) error {
		doc, err := tx.Documents.Load(ctx, tableName, recordID, e.deviceID)
		if errors.Is(err, storage.ErrNotFound) {
			doc = crdt.New(e.deviceID)
			err = doc.Bind(tableName, recordID)
		}
		if err != nil {
			return err
		}

		if err := fn(doc); err != nil {
			return err
		}

		if err := tx.Documents.Save(ctx, tableName, recordID, doc); err != nil {
			return err
		}

		changes, err := doc.Save()
		if err != nil {
			return err
		}
		if _, err := tx.Outbox.Enqueue(ctx, tableName, recordID, api.OperationMerge, changes); err != nil {
			return err
		}

		result = doc
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply local change to %s/%s: %w", tableName, recordID, err)
	}

	e.refreshPending(ctx)
	return result, nil
}

// SyncNow runs one reconciliation pass.
//
// ErrSyncInProgress and ErrNoEndpointConfigured are returned without touching
// the status. Failures inside the pass are recorded in the returned Status
// and do not produce an error.
func (e *Engine) SyncNow(ctx context.Context) (Status, error) {
	e.mu.Lock()
	if e.status.IsSyncing {
		snapshot := e.status.clone()
		e.mu.Unlock()
		return snapshot, ErrSyncInProgress
	}
	endpoint := e.cfg.Endpoint
	if endpoint == "" {
		snapshot := e.status.clone()
		e.mu.Unlock()
		return snapshot, ErrNoEndpointConfigured
	}
	e.status.IsSyncing = true
	e.mu.Unlock()

	e.logger.Info("Starting synchronization", "endpoint", endpoint, "device_id", e.deviceID)

	started := e.now()
	result, passErr := e.pass(ctx, endpoint)
	elapsed := e.now().Sub(started)

	// count even when the pass context is canceled
	pending, countErr := e.ledger.Outbox.PendingCount(context.WithoutCancel(ctx))

	e.mu.Lock()
	defer e.mu.Unlock()

	e.status.IsSyncing = false
	e.result = result
	e.status.DocumentErrors += result.Skipped
	if result.LastDocumentError != "" {
		e.status.LastDocumentError = result.LastDocumentError
	}

	if passErr != nil {
		e.status.SyncErrors++
		e.status.LastError = passErr.Error()

		var te *TransportError
		if errors.As(passErr, &te) {
			e.status.ConnectionStatus = ConnectionOffline
		}

		e.logger.Error("Synchronization failed",
			"error", passErr,
			"sync_errors", e.status.SyncErrors,
			"pushed", result.Pushed,
			"applied", result.Applied,
		)
	} else {
		finished := e.now()
		e.status.LastSyncAt = &finished
		e.status.SyncErrors = 0
		e.status.LastError = ""
		if elapsed > e.cfg.SlowThreshold {
			e.status.ConnectionStatus = ConnectionSlow
		} else {
			e.status.ConnectionStatus = ConnectionOnline
		}

		e.logger.Info("Synchronization completed",
			"pushed", result.Pushed,
			"acknowledged", result.Acknowledged,
			"purged", result.Purged,
			"pulled", result.Pulled,
			"applied", result.Applied,
			"skipped", result.Skipped,
			"duration", elapsed,
		)
	}

	if countErr != nil {
		e.logger.Warn("Failed to count pending changes", "error", countErr)
	} else {
		e.status.PendingChanges = pending
	}

	return e.status.clone(), nil
}

func (e *Engine) pass(ctx context.Context, endpoint string) (PassResult, error) {
	var res PassResult

	accepted, err := e.drainOutbox(ctx, endpoint, &res)
	if err != nil {
		return res, err
	}

	if err := e.pull(ctx, endpoint, &res); err != nil {
		return res, err
	}

	// Acknowledge only once the whole pass succeeded
	if err := e.ledger.Outbox.MarkAcknowledged(ctx, accepted, e.now()); err != nil {
		return res, fmt.Errorf("failed to acknowledge outbox: %w", err)
	}
	res.Acknowledged = len(accepted)

	res.Purged = e.purgeOutbox(ctx)

	return res, nil
}

// purgeOutbox drops acknowledged rows older than the retention window.
// A failure is logged and leaves the pass successful.
func (e *Engine) purgeOutbox(ctx context.Context) int {
	n, err := e.ledger.Outbox.PurgeAcknowledged(ctx, e.now().Add(-e.cfg.OutboxRetention))
	if err != nil {
		e.logger.Warn("Failed to purge acknowledged outbox items", "error", err)
		return 0
	}
	if n > 0 {
		e.logger.Debug("Purged acknowledged outbox items", "count", n)
	}
	return int(n)
}

// drainOutbox pushes one batch of pending items and returns the ids to acknowledge
func (e *Engine) drainOutbox(ctx context.Context, endpoint string, res *PassResult) ([]string, error) {
	items, err := e.ledger.Outbox.Pending(ctx, e.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}

	accepted := make([]string, 0, len(items))
	for i := range items {
		item := &items[i]
		change := item.ChangeRecord(e.deviceID)

		ack, err := e.transport.Send(ctx, endpoint, api.NewPush(e.deviceID, []api.ChangeRecord{change}))
		if err != nil {
			return nil, &TransportError{Op: "push", Endpoint: endpoint, Err: err}
		}
		if ack == nil {
			return nil, &TransportError{Op: "push", Endpoint: endpoint, Err: errors.New("empty acknowledgment")}
		}

		if err := e.ledger.Outbox.MarkSent(ctx, item.ID, e.now()); err != nil {
			return nil, err
		}
		res.Pushed++

		if rejected, ok := ack.Rejected(item.ID); ok {
			res.Rejected++
			if !permanentRejection(rejected.ErrorCode) {
				e.logger.Warn("Change rejected, will retry",
					"change_id", item.ID, "table", item.TableName, "record_id", item.RecordID,
					"code", rejected.ErrorCode, "message", rejected.Message)
				continue
			}
			e.logger.Warn("Change rejected permanently, dropping",
				"change_id", item.ID, "table", item.TableName, "record_id", item.RecordID,
				"code", rejected.ErrorCode, "message", rejected.Message)
		} else {
			e.logger.Debug("Change pushed", "change_id", item.ID, "table", item.TableName, "record_id", item.RecordID)
		}

		accepted = append(accepted, item.ID)
	}

	return accepted, nil
}

// pull fetches pages while the server reports more, up to MaxPages
func (e *Engine) pull(ctx context.Context, endpoint string, res *PassResult) error {
	for page := 0; page < e.cfg.MaxPages; page++ {
		versions, err := e.requestVersions(ctx)
		if err != nil {
			return err
		}

		req := api.NewRequest(e.deviceID, e.cfg.Tables, versions, e.cfg.PageLimit)
		resp, err := e.transport.Fetch(ctx, endpoint, req)
		if err != nil {
			return &TransportError{Op: "pull", Endpoint: endpoint, Err: err}
		}
		if resp == nil {
			return &TransportError{Op: "pull", Endpoint: endpoint, Err: errors.New("empty response")}
		}
		res.Pages++

		e.logger.Debug("Received changes", "page", page+1, "count", len(resp.Changes), "has_more", resp.HasMore)

		for i := range resp.Changes {
			if err := e.apply(ctx, &resp.Changes[i], res); err != nil {
				return err
			}
		}

		if !resp.HasMore || len(resp.Changes) == 0 {
			return nil
		}
	}

	e.logger.Warn("Pull page limit reached, remaining changes wait for the next pass", "max_pages", e.cfg.MaxPages)
	return nil
}

func (e *Engine) requestVersions(ctx context.Context) ([]api.TableVersion, error) {
	if len(e.cfg.Tables) == 0 {
		return e.ledger.Versions.All(ctx)
	}
	return e.ledger.Versions.For(ctx, e.cfg.Tables)
}

// apply commits one incoming change in its own transaction.
// Document errors skip the record; store errors abort the pass.
func (e *Engine) apply(ctx context.Context, change *api.ChangeRecord, res *PassResult) error {
	res.Pulled++

	err := e.ledger.Tx(ctx, func(tx *ledger.Ledger) error {
		if err := change.Validate(); err != nil {
			return err
		}

		if change.Operation == api.OperationMerge {
			if err := e.applyMerge(ctx, tx, change); err != nil {
				return err
			}
		} else {
			if _, err := tx.Inbox.Enqueue(ctx, change.TableName, change.RecordID, change.Operation,
				[]byte(*change.JSONPayload), change.Version); err != nil {
				return err
			}
		}

		return tx.Versions.Advance(ctx, change.TableName, change.Version, e.now())
	})
	if err == nil {
		res.Applied++
		return nil
	}

	if !isDocumentError(err) {
		return fmt.Errorf("failed to apply change %s: %w", change.ID, err)
	}

	res.Skipped++
	res.LastDocumentError = err.Error()
	e.logger.Warn("Skipping change",
		"change_id", change.ID,
		"table", change.TableName,
		"record_id", change.RecordID,
		"error", err,
	)

	// the record is skipped but the watermark still moves past it
	if change.TableName != "" {
		if err := e.ledger.Versions.Advance(ctx, change.TableName, change.Version, e.now()); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) applyMerge(ctx context.Context, tx *ledger.Ledger, change *api.ChangeRecord) error {
	doc, err := tx.Documents.Load(ctx, change.TableName, change.RecordID, e.deviceID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		doc, err = crdt.Load(change.ChangeBytes, e.deviceID)
		if err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if err := doc.Merge(change.ChangeBytes); err != nil {
			return err
		}
	}

	if err := doc.Bind(change.TableName, change.RecordID); err != nil {
		return err
	}

	if err := tx.Documents.Save(ctx, change.TableName, change.RecordID, doc); err != nil {
		return err
	}

	state, err := doc.ToJSON()
	if err != nil {
		return err
	}

	_, err = tx.Inbox.Enqueue(ctx, change.TableName, change.RecordID, api.OperationMerge, state, change.Version)
	return err
}

func (e *Engine) refreshPending(ctx context.Context) {
	if err := e.RefreshPending(ctx); err != nil {
		e.logger.Warn("Failed to refresh pending changes", "error", err)
	}
}

func isDocumentError(err error) bool {
	return errors.Is(err, crdt.ErrCorruptDocument) ||
		errors.Is(err, crdt.ErrIncompatibleDocument) ||
		errors.Is(err, crdt.ErrInvalidValue) ||
		errors.Is(err, api.ErrSerialization)
}

// permanentRejection reports whether resending can never succeed
func permanentRejection(code string) bool {
	switch code {
	case api.CodeInvalidChange, api.CodeStaleVersion, api.CodeCorruptDocument, api.CodeIncompatibleDocument:
		return true
	default:
		return false
	}
}

func validateTarget(tableName, recordID string) error {
	if err := validation.ValidateTableName(tableName); err != nil {
		return fmt.Errorf("%w: %w", api.ErrInvalidChange, err)
	}
	if err := validation.ValidateRecordID(recordID); err != nil {
		return fmt.Errorf("%w: %w", api.ErrInvalidChange, err)
	}
	return nil
}
