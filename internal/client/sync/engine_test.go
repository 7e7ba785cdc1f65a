package sync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/wmssync/internal/client/storage"
	"github.com/iudanet/wmssync/internal/client/storage/sqlite"
	"github.com/iudanet/wmssync/internal/crdt"
	"github.com/iudanet/wmssync/pkg/api"
)

const testEndpoint = "http://sync.test"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, transport Transport, cfg Config) (*Engine, *sqlite.Storage) {
	t.Helper()

	s, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	e, err := NewEngine(context.Background(), s, transport, cfg, testLogger())
	require.NoError(t, err)
	return e, s
}

func emptyResponse() (*api.SyncResponse, error) {
	return &api.SyncResponse{Changes: []api.ChangeRecord{}, ServerTime: time.Now().UTC()}, nil
}

func ackAll(msg *api.SyncMessage) (*api.SyncAck, error) {
	push, err := msg.Push()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(push.Changes))
	for _, c := range push.Changes {
		ids = append(ids, c.ID)
	}
	return &api.SyncAck{ChangeIDs: ids, Success: true, Errors: []api.SyncError{}}, nil
}

func adjustInventory(delta float64, opType, user string) func(doc *crdt.Document) error {
	return func(doc *crdt.Document) error {
		if err := doc.Set("sku", crdt.String("X")); err != nil {
			return err
		}
		return doc.PushOperation("operations", crdt.NewOperation(opType, delta, user))
	}
}

func TestNewEngine_DeviceIDIsPersisted(t *testing.T) {
	s, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	defer s.Close()

	e1, err := NewEngine(context.Background(), s, &TransportMock{}, Config{}, testLogger())
	require.NoError(t, err)
	e2, err := NewEngine(context.Background(), s, &TransportMock{}, Config{}, testLogger())
	require.NoError(t, err)

	assert.NotEmpty(t, e1.DeviceID())
	assert.Equal(t, e1.DeviceID(), e2.DeviceID())
	assert.Equal(t, ConnectionUnknown, e1.Status().ConnectionStatus)
}

func TestSyncNow_NoEndpointConfigured(t *testing.T) {
	mock := &TransportMock{}
	e, _ := newTestEngine(t, mock, Config{})
	ctx := context.Background()

	_, err := e.QueueChange(ctx, "products", "p-1", api.OperationInsert, `{"sku":"A"}`)
	require.NoError(t, err)
	before := e.Status()

	_, err = e.SyncNow(ctx)
	require.ErrorIs(t, err, ErrNoEndpointConfigured)

	assert.Equal(t, before, e.Status(), "status must not change")
	assert.Empty(t, mock.SendCalls())
	assert.Empty(t, mock.FetchCalls())
}

func TestSyncNow_SyncInProgress(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	mock := &TransportMock{
		SendFunc: func(ctx context.Context, endpoint string, msg *api.SyncMessage) (*api.SyncAck, error) {
			once.Do(func() { close(started) })
			<-release
			return ackAll(msg)
		},
		FetchFunc: func(ctx context.Context, endpoint string, msg *api.SyncMessage) (*api.SyncResponse, error) {
			return emptyResponse()
		},
	}
	e, _ := newTestEngine(t, mock, Config{Endpoint: testEndpoint})
	ctx := context.Background()

	_, err := e.QueueChange(ctx, "products", "p-1", api.OperationInsert, `{}`)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := e.SyncNow(ctx)
		done <- err
	}()

	<-started
	before := e.Status()
	require.True(t, before.IsSyncing)

	st, err := e.SyncNow(ctx)
	require.ErrorIs(t, err, ErrSyncInProgress)
	assert.Equal(t, before, st)
	assert.Equal(t, before, e.Status(), "second call must not alter status")

	close(release)
	require.NoError(t, <-done)

	after := e.Status()
	assert.False(t, after.IsSyncing)
	assert.Equal(t, 0, after.PendingChanges)
	assert.Len(t, mock.SendCalls(), 1)
}

func TestSyncNow_PushesInOrderAndAcknowledges(t *testing.T) {
	r := newRelay()
	mock := r.transport()
	e, _ := newTestEngine(t, mock, Config{Endpoint: testEndpoint, Tables: []string{"products"}})
	ctx := context.Background()

	first, err := e.QueueChange(ctx, "products", "p-1", api.OperationInsert, `{"sku":"A"}`)
	require.NoError(t, err)
	second, err := e.QueueChange(ctx, "products", "p-2", api.OperationInsert, `{"sku":"B"}`)
	require.NoError(t, err)
	assert.Equal(t, 2, e.Status().PendingChanges)

	st, err := e.SyncNow(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, st.PendingChanges)
	assert.Equal(t, 0, st.SyncErrors)
	assert.Empty(t, st.LastError)
	assert.NotNil(t, st.LastSyncAt)
	assert.Equal(t, ConnectionOnline, st.ConnectionStatus)

	calls := mock.SendCalls()
	require.Len(t, calls, 2)
	for i, want := range []string{first.ID, second.ID} {
		push, err := calls[i].Msg.Push()
		require.NoError(t, err)
		require.Len(t, push.Changes, 1)
		assert.Equal(t, want, push.Changes[0].ID)
		assert.Equal(t, e.DeviceID(), push.Changes[0].ActorID)
		assert.Equal(t, e.DeviceID(), calls[i].Msg.DeviceID)
		assert.Equal(t, testEndpoint, calls[i].Endpoint)
	}

	req, err := mock.FetchCalls()[0].Msg.Request()
	require.NoError(t, err)
	assert.Equal(t, []string{"products"}, req.Tables)
	require.NotNil(t, req.Limit)
	assert.Equal(t, DefaultPageLimit, *req.Limit)

	res := e.LastResult()
	assert.Equal(t, 2, res.Pushed)
	assert.Equal(t, 2, res.Acknowledged)

	// собственные изменения возвращаются в inbox как обычные записи
	inbox, err := e.Ledger().Inbox.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, inbox)

	versions, err := e.Ledger().Versions.All(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, int64(2), versions[0].Version)
}

func TestSyncNow_TransportFailureIsRetried(t *testing.T) {
	failing := true
	var seenIDs []string

	mock := &TransportMock{
		SendFunc: func(ctx context.Context, endpoint string, msg *api.SyncMessage) (*api.SyncAck, error) {
			push, _ := msg.Push()
			seenIDs = append(seenIDs, push.Changes[0].ID)
			if failing {
				return nil, errors.New("connection refused")
			}
			return ackAll(msg)
		},
		FetchFunc: func(ctx context.Context, endpoint string, msg *api.SyncMessage) (*api.SyncResponse, error) {
			return emptyResponse()
		},
	}
	e, _ := newTestEngine(t, mock, Config{Endpoint: testEndpoint})
	ctx := context.Background()

	item, err := e.QueueChange(ctx, "products", "p-1", api.OperationUpdate, `{"sku":"A"}`)
	require.NoError(t, err)

	for pass := 1; pass <= 3; pass++ {
		st, err := e.SyncNow(ctx)
		require.NoError(t, err, "pass failures are reported through status")
		assert.Equal(t, pass, st.SyncErrors)
		assert.Contains(t, st.LastError, "connection refused")
		assert.Equal(t, ConnectionOffline, st.ConnectionStatus)
		assert.Equal(t, 1, st.PendingChanges)
		assert.Nil(t, st.LastSyncAt)
		assert.False(t, st.IsSyncing)
	}
	assert.Equal(t, []string{item.ID, item.ID, item.ID}, seenIDs, "same item is resent on every pass")
	assert.Empty(t, mock.FetchCalls(), "pull is not attempted after a failed push")

	failing = false
	st, err := e.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.SyncErrors, "success resets the error counter")
	assert.Empty(t, st.LastError)
	assert.Equal(t, 0, st.PendingChanges)
	assert.Equal(t, ConnectionOnline, st.ConnectionStatus)
}

func TestSyncNow_PullFailureLeavesSentItemsUnacknowledged(t *testing.T) {
	r := newRelay()
	pullFails := true

	mock := &TransportMock{
		SendFunc: r.send,
		FetchFunc: func(ctx context.Context, endpoint string, msg *api.SyncMessage) (*api.SyncResponse, error) {
			if pullFails {
				return nil, errors.New("timeout")
			}
			return r.fetch(ctx, endpoint, msg)
		},
	}
	e, _ := newTestEngine(t, mock, Config{Endpoint: testEndpoint})
	ctx := context.Background()

	item, err := e.QueueChange(ctx, "products", "p-1", api.OperationUpdate, `{"sku":"A"}`)
	require.NoError(t, err)

	st, err := e.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.SyncErrors)
	assert.Equal(t, 1, st.PendingChanges)

	stored, err := e.Ledger().Outbox.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.SentAt, "transport accepted the push")
	assert.Nil(t, stored.AcknowledgedAt, "pass did not complete")

	pullFails = false
	st, err = e.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.PendingChanges)

	// повторная доставка не меняет состояние сервера
	assert.Equal(t, 2, r.received)
	assert.Equal(t, 1, r.logLen())
}

func TestSyncNow_RejectedChanges(t *testing.T) {
	var retryID, staleID string

	mock := &TransportMock{
		SendFunc: func(ctx context.Context, endpoint string, msg *api.SyncMessage) (*api.SyncAck, error) {
			push, _ := msg.Push()
			id := push.Changes[0].ID
			var errs []api.SyncError
			switch id {
			case retryID:
				errs = append(errs, api.SyncError{ChangeID: id, ErrorCode: api.CodeInternal, Message: "disk full"})
			case staleID:
				errs = append(errs, api.SyncError{ChangeID: id, ErrorCode: api.CodeStaleVersion, Message: "stale"})
			}
			ack, _ := api.NewAck("server", []string{id}, errs).Ack()
			return ack, nil
		},
		FetchFunc: func(ctx context.Context, endpoint string, msg *api.SyncMessage) (*api.SyncResponse, error) {
			return emptyResponse()
		},
	}
	e, _ := newTestEngine(t, mock, Config{Endpoint: testEndpoint})
	ctx := context.Background()

	retry, err := e.QueueChange(ctx, "products", "p-1", api.OperationUpdate, `{}`)
	require.NoError(t, err)
	stale, err := e.QueueChange(ctx, "products", "p-2", api.OperationUpdate, `{}`)
	require.NoError(t, err)
	_, err = e.QueueChange(ctx, "products", "p-3", api.OperationUpdate, `{}`)
	require.NoError(t, err)
	retryID, staleID = retry.ID, stale.ID

	st, err := e.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.SyncErrors)
	assert.Equal(t, 1, st.PendingChanges, "retryable rejection stays in the outbox")

	res := e.LastResult()
	assert.Equal(t, 3, res.Pushed)
	assert.Equal(t, 2, res.Rejected)
	assert.Equal(t, 2, res.Acknowledged)

	pending, err := e.Ledger().Outbox.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, retryID, pending[0].ID)
}

func TestSyncNow_BatchSizeLimitsDrain(t *testing.T) {
	r := newRelay()
	mock := r.transport()
	e, _ := newTestEngine(t, mock, Config{Endpoint: testEndpoint, BatchSize: 2})
	ctx := context.Background()

	for _, id := range []string{"p-1", "p-2", "p-3"} {
		_, err := e.QueueChange(ctx, "products", id, api.OperationInsert, `{}`)
		require.NoError(t, err)
	}

	st, err := e.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.PendingChanges)
	assert.Len(t, mock.SendCalls(), 2)

	st, err = e.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.PendingChanges)
	assert.Len(t, mock.SendCalls(), 3)
}

func TestSyncNow_CorruptIncomingChangeIsSkipped(t *testing.T) {
	payload := `{"sku":"B"}`
	page := &api.SyncResponse{
		Changes: []api.ChangeRecord{
			{
				ID:          "bad",
				TableName:   "inventory",
				RecordID:    "inv-9",
				Operation:   api.OperationMerge,
				Version:     1,
				ActorID:     "device-z",
				ChangeBytes: []byte("definitely not a history"),
			},
			{
				ID:          "good",
				TableName:   "products",
				RecordID:    "p-1",
				Operation:   api.OperationUpdate,
				Version:     2,
				ActorID:     "device-z",
				JSONPayload: &payload,
			},
		},
	}

	mock := &TransportMock{
		SendFunc: func(ctx context.Context, endpoint string, msg *api.SyncMessage) (*api.SyncAck, error) {
			return ackAll(msg)
		},
		FetchFunc: func(ctx context.Context, endpoint string, msg *api.SyncMessage) (*api.SyncResponse, error) {
			return page, nil
		},
	}
	e, _ := newTestEngine(t, mock, Config{Endpoint: testEndpoint})
	ctx := context.Background()

	st, err := e.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.SyncErrors, "a corrupt record does not fail the pass")
	assert.Equal(t, 1, st.DocumentErrors)
	assert.Contains(t, st.LastDocumentError, "corrupt")
	assert.NotNil(t, st.LastSyncAt)

	res := e.LastResult()
	assert.Equal(t, 2, res.Pulled)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1, res.Skipped)

	items, err := e.Ledger().Inbox.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "p-1", items[0].RecordID)
	assert.Equal(t, []byte(payload), items[0].Payload)

	versions, err := e.Ledger().Versions.For(ctx, []string{"inventory", "products"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), versions[0].Version)
	assert.Equal(t, int64(2), versions[1].Version)
}

func TestSyncNow_CorruptLocalDocumentIsSkipped(t *testing.T) {
	remote := crdt.New("device-z")
	require.NoError(t, remote.Bind("inventory", "inv-1"))
	require.NoError(t, remote.PushOperation("operations", crdt.NewOperation(crdt.OpTypeReceive, 5, "u")))
	data, err := remote.Save()
	require.NoError(t, err)

	mock := &TransportMock{
		SendFunc: func(ctx context.Context, endpoint string, msg *api.SyncMessage) (*api.SyncAck, error) {
			return ackAll(msg)
		},
		FetchFunc: func(ctx context.Context, endpoint string, msg *api.SyncMessage) (*api.SyncResponse, error) {
			return &api.SyncResponse{Changes: []api.ChangeRecord{
				api.NewCRDTChange("inventory", "inv-1", "device-z", data),
			}}, nil
		},
	}
	e, s := newTestEngine(t, mock, Config{Endpoint: testEndpoint})
	ctx := context.Background()

	_, err = s.Exec(ctx, `
		INSERT INTO crdt_documents (id, document_type, record_id, actor_id, heads, compressed_changes, version, updated_at)
		VALUES ('d1', 'inventory', 'inv-1', 'x', '[]', X'DEADBEEF', 1, 0)`)
	require.NoError(t, err)

	st, err := e.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.SyncErrors)
	assert.Equal(t, 1, st.DocumentErrors)

	inbox, err := e.Ledger().Inbox.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, inbox)
}

func TestSyncNow_IncompatibleDocumentIsSkipped(t *testing.T) {
	other := crdt.New("device-z")
	require.NoError(t, other.Bind("inventory", "inv-2"))
	require.NoError(t, other.Set("sku", crdt.String("Z")))
	data, err := other.Save()
	require.NoError(t, err)

	mock := &TransportMock{
		SendFunc: func(ctx context.Context, endpoint string, msg *api.SyncMessage) (*api.SyncAck, error) {
			return ackAll(msg)
		},
		FetchFunc: func(ctx context.Context, endpoint string, msg *api.SyncMessage) (*api.SyncResponse, error) {
			// история чужой записи под идентификатором inv-1
			return &api.SyncResponse{Changes: []api.ChangeRecord{
				api.NewCRDTChange("inventory", "inv-1", "device-z", data),
			}}, nil
		},
	}
	e, _ := newTestEngine(t, mock, Config{Endpoint: testEndpoint})
	ctx := context.Background()

	_, err = e.ApplyLocal(ctx, "inventory", "inv-1", adjustInventory(10, crdt.OpTypeReceive, "u"))
	require.NoError(t, err)

	st, err := e.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.DocumentErrors)

	doc, err := e.Ledger().Documents.Load(ctx, "inventory", "inv-1", e.DeviceID())
	require.NoError(t, err)
	assert.Equal(t, 10.0, doc.CalculateSum("operations"), "local document untouched")
}

func TestSyncNow_Pagination(t *testing.T) {
	r := newRelay()
	for i := 0; i < 5; i++ {
		payload := `{}`
		r.log = append(r.log, api.ChangeRecord{
			ID:          "c" + string(rune('a'+i)),
			TableName:   "products",
			RecordID:    "p",
			Operation:   api.OperationUpdate,
			Version:     int64(i + 1),
			ActorID:     "device-z",
			JSONPayload: &payload,
		})
	}

	t.Run("loops while has_more", func(t *testing.T) {
		mock := r.transport()
		e, _ := newTestEngine(t, mock, Config{Endpoint: testEndpoint, PageLimit: 2})

		_, err := e.SyncNow(context.Background())
		require.NoError(t, err)

		res := e.LastResult()
		assert.Equal(t, 3, res.Pages)
		assert.Equal(t, 5, res.Applied)
		assert.Len(t, mock.FetchCalls(), 3)
	})

	t.Run("stops at max pages", func(t *testing.T) {
		mock := r.transport()
		e, _ := newTestEngine(t, mock, Config{Endpoint: testEndpoint, PageLimit: 2, MaxPages: 2})
		ctx := context.Background()

		st, err := e.SyncNow(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, st.SyncErrors)
		assert.Equal(t, 4, e.LastResult().Applied)

		// остаток приходит на следующем проходе
		_, err = e.SyncNow(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, e.LastResult().Applied)
	})
}

func TestSyncNow_PurgesAcknowledgedAfterRetention(t *testing.T) {
	ctx := context.Background()
	mock := &TransportMock{
		SendFunc: func(ctx context.Context, endpoint string, msg *api.SyncMessage) (*api.SyncAck, error) {
			return ackAll(msg)
		},
		FetchFunc: func(ctx context.Context, endpoint string, msg *api.SyncMessage) (*api.SyncResponse, error) {
			return emptyResponse()
		},
	}
	e, _ := newTestEngine(t, mock, Config{Endpoint: testEndpoint, OutboxRetention: time.Hour})

	current := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return current }

	item, err := e.QueueChange(ctx, "products", "p-1", api.OperationInsert, `{"sku":"A"}`)
	require.NoError(t, err)
	assert.Equal(t, current, item.CreatedAt, "ledger stamps follow the engine clock")

	_, err = e.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, e.LastResult().Purged, "fresh acknowledgment is kept")

	stored, err := e.Ledger().Outbox.Get(ctx, item.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.AcknowledgedAt)
	assert.Equal(t, current, *stored.AcknowledgedAt)

	current = current.Add(2 * time.Hour)
	_, err = e.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, e.LastResult().Purged)

	_, err = e.Ledger().Outbox.Get(ctx, item.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSyncNow_SlowConnection(t *testing.T) {
	mock := &TransportMock{
		SendFunc: func(ctx context.Context, endpoint string, msg *api.SyncMessage) (*api.SyncAck, error) {
			return ackAll(msg)
		},
		FetchFunc: func(ctx context.Context, endpoint string, msg *api.SyncMessage) (*api.SyncResponse, error) {
			return emptyResponse()
		},
	}
	e, _ := newTestEngine(t, mock, Config{Endpoint: testEndpoint, SlowThreshold: time.Second})

	current := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	e.now = func() time.Time {
		current = current.Add(10 * time.Second)
		return current
	}

	st, err := e.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ConnectionSlow, st.ConnectionStatus)
}

func TestSyncNow_ContextCanceled(t *testing.T) {
	mock := &TransportMock{
		SendFunc: func(ctx context.Context, endpoint string, msg *api.SyncMessage) (*api.SyncAck, error) {
			return nil, ctx.Err()
		},
		FetchFunc: func(ctx context.Context, endpoint string, msg *api.SyncMessage) (*api.SyncResponse, error) {
			return nil, ctx.Err()
		},
	}
	e, _ := newTestEngine(t, mock, Config{Endpoint: testEndpoint})

	_, err := e.QueueChange(context.Background(), "products", "p-1", api.OperationInsert, `{}`)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st, err := e.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.SyncErrors)
	assert.False(t, st.IsSyncing)
}

func TestSetEndpoint(t *testing.T) {
	e, _ := newTestEngine(t, newRelay().transport(), Config{})

	_, err := e.SyncNow(context.Background())
	require.ErrorIs(t, err, ErrNoEndpointConfigured)

	e.SetEndpoint(testEndpoint)
	assert.Equal(t, testEndpoint, e.Endpoint())
	_, err = e.SyncNow(context.Background())
	require.NoError(t, err)

	e.SetConnectionStatus(ConnectionOffline)
	assert.Equal(t, ConnectionOffline, e.Status().ConnectionStatus)
}

func TestQueueChange_Validation(t *testing.T) {
	e, _ := newTestEngine(t, &TransportMock{}, Config{})
	ctx := context.Background()

	tests := []struct {
		name    string
		table   string
		record  string
		op      api.ChangeOperation
		payload string
	}{
		{name: "missing table", record: "p-1", op: api.OperationInsert, payload: `{}`},
		{name: "missing record", table: "products", op: api.OperationInsert, payload: `{}`},
		{name: "merge", table: "products", record: "p-1", op: api.OperationMerge, payload: `{}`},
		{name: "unknown op", table: "products", record: "p-1", op: "UPSERT", payload: `{}`},
		{name: "invalid json", table: "products", record: "p-1", op: api.OperationInsert, payload: `{`},
		{name: "bad table name", table: "Products", record: "p-1", op: api.OperationInsert, payload: `{}`},
		{name: "padded record", table: "products", record: " p-1", op: api.OperationInsert, payload: `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.QueueChange(ctx, tt.table, tt.record, tt.op, tt.payload)
			assert.ErrorIs(t, err, api.ErrInvalidChange)
		})
	}

	assert.Equal(t, 0, e.Status().PendingChanges)
}

func TestQueueChange_VersionOne(t *testing.T) {
	e, _ := newTestEngine(t, &TransportMock{}, Config{})
	ctx := context.Background()

	item, err := e.QueueChange(ctx, "products", "p-1", api.OperationDelete, `{"id":"p-1"}`)
	require.NoError(t, err)
	assert.Equal(t, int64(1), item.Version)
	assert.Equal(t, 1, e.Status().PendingChanges)
}

func TestApplyLocal(t *testing.T) {
	e, _ := newTestEngine(t, &TransportMock{}, Config{})
	ctx := context.Background()

	doc, err := e.ApplyLocal(ctx, "inventory", "inv-1", adjustInventory(100, crdt.OpTypeReceive, "u1"))
	require.NoError(t, err)
	assert.Equal(t, 100.0, doc.CalculateSum("operations"))

	docType, recordID := doc.Identity()
	assert.Equal(t, "inventory", docType)
	assert.Equal(t, "inv-1", recordID)

	doc, err = e.ApplyLocal(ctx, "inventory", "inv-1", adjustInventory(-25, crdt.OpTypePick, "u1"))
	require.NoError(t, err)
	assert.Equal(t, 75.0, doc.CalculateSum("operations"))

	rec, err := e.Ledger().Documents.Get(ctx, "inventory", "inv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)

	items, err := e.Ledger().Outbox.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, item := range items {
		assert.Equal(t, api.OperationMerge, item.Operation)
		change := item.ChangeRecord(e.DeviceID())
		require.NoError(t, change.Validate())
	}
	assert.Equal(t, 2, e.Status().PendingChanges)
}

func TestApplyLocal_ErrorRollsBack(t *testing.T) {
	e, _ := newTestEngine(t, &TransportMock{}, Config{})
	ctx := context.Background()
	errBoom := errors.New("boom")

	_, err := e.ApplyLocal(ctx, "inventory", "inv-1", func(doc *crdt.Document) error {
		if err := doc.Set("sku", crdt.String("X")); err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	count, err := e.Ledger().Documents.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Equal(t, 0, e.Status().PendingChanges)
}

func TestApplyLocal_InvalidTarget(t *testing.T) {
	e, _ := newTestEngine(t, &TransportMock{}, Config{})

	called := false
	_, err := e.ApplyLocal(context.Background(), "stock moves", "inv-1", func(doc *crdt.Document) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, api.ErrInvalidChange)
	assert.False(t, called)
}

func TestApplyLocal_InvalidTextKeepsRecordUsable(t *testing.T) {
	e, _ := newTestEngine(t, &TransportMock{}, Config{})
	ctx := context.Background()

	_, err := e.ApplyLocal(ctx, "products", "p-1", func(doc *crdt.Document) error {
		return doc.Set("name", crdt.String("caf\xe9"))
	})
	require.ErrorIs(t, err, crdt.ErrInvalidValue)
	assert.Equal(t, 0, e.Status().PendingChanges)

	for _, name := range []string{"café", "Кофе"} {
		_, err = e.ApplyLocal(ctx, "products", "p-1", func(doc *crdt.Document) error {
			return doc.Set("name", crdt.String(name))
		})
		require.NoError(t, err)
	}

	doc, err := e.Ledger().Documents.Load(ctx, "products", "p-1", e.DeviceID())
	require.NoError(t, err)
	name, _ := doc.GetString("name")
	assert.Equal(t, "Кофе", name)
	assert.Equal(t, 2, e.Status().PendingChanges)
}

func TestTwoOfflineDevicesConverge(t *testing.T) {
	tests := []struct {
		name       string
		firstIsDev string
	}{
		{name: "device A syncs first", firstIsDev: "a"},
		{name: "device B syncs first", firstIsDev: "b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			r := newRelay()
			cfg := Config{Endpoint: testEndpoint, Tables: []string{"inventory"}}

			devA, _ := newTestEngine(t, r.transport(), cfg)
			devB, _ := newTestEngine(t, r.transport(), cfg)
			require.NotEqual(t, devA.DeviceID(), devB.DeviceID())

			// обе правки делаются без связи
			_, err := devA.ApplyLocal(ctx, "inventory", "X", adjustInventory(50, crdt.OpTypeReceive, "alice"))
			require.NoError(t, err)
			_, err = devB.ApplyLocal(ctx, "inventory", "X", adjustInventory(-20, crdt.OpTypePick, "bob"))
			require.NoError(t, err)

			first, second := devA, devB
			if tt.firstIsDev == "b" {
				first, second = devB, devA
			}

			for _, e := range []*Engine{first, second, first} {
				st, err := e.SyncNow(ctx)
				require.NoError(t, err)
				require.Equal(t, 0, st.SyncErrors, st.LastError)
				require.Equal(t, 0, st.DocumentErrors, st.LastDocumentError)
			}

			docA, err := devA.Ledger().Documents.Load(ctx, "inventory", "X", devA.DeviceID())
			require.NoError(t, err)
			docB, err := devB.Ledger().Documents.Load(ctx, "inventory", "X", devB.DeviceID())
			require.NoError(t, err)

			assert.Equal(t, 30.0, docA.CalculateSum("operations"))
			assert.Equal(t, 30.0, docB.CalculateSum("operations"))
			assert.Equal(t, docA.Heads(), docB.Heads())

			stateA, err := docA.ToJSON()
			require.NoError(t, err)
			stateB, err := docB.ToJSON()
			require.NoError(t, err)
			assert.JSONEq(t, string(stateA), string(stateB))

			// повторный проход ничего не меняет
			_, err = second.SyncNow(ctx)
			require.NoError(t, err)
			again, err := second.Ledger().Documents.Load(ctx, "inventory", "X", second.DeviceID())
			require.NoError(t, err)
			assert.Equal(t, 30.0, again.CalculateSum("operations"))
		})
	}
}
