package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/iudanet/wmssync/internal/crdt"
	"github.com/iudanet/wmssync/internal/server/storage"
	"github.com/iudanet/wmssync/pkg/api"
)

// contextKey тип для ключей контекста
type contextKey string

// DeviceIDKey ключ для хранения device_id в контексте
const DeviceIDKey contextKey = "device_id"

// ServerDeviceID - идентификатор устройства в собственных сообщениях relay
const ServerDeviceID = "server"

// MaxPageLimit ограничивает размер страницы, который может запросить устройство
const MaxPageLimit = 1000

// maxBodySize ограничивает размер тела запроса
const maxBodySize = 32 << 20

// WithDeviceID возвращает контекст с идентификатором аутентифицированного устройства
func WithDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, DeviceIDKey, deviceID)
}

// GetDeviceID извлекает device_id из контекста запроса
func GetDeviceID(ctx context.Context) (string, bool) {
	deviceID, ok := ctx.Value(DeviceIDKey).(string)
	return deviceID, ok && deviceID != ""
}

// SyncHandler обрабатывает push и pull запросы
type SyncHandler struct {
	logger  *slog.Logger
	storage storage.ChangeStorage
	now     func() time.Time
}

// NewSyncHandler создает новый обработчик синхронизации
func NewSyncHandler(logger *slog.Logger, storage storage.ChangeStorage) *SyncHandler {
	return &SyncHandler{
		logger:  logger,
		storage: storage,
		now:     time.Now,
	}
}

// Push обрабатывает POST /api/v1/sync/push
// Применяет изменения устройства и возвращает Ack с результатом по каждому изменению
func (h *SyncHandler) Push(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	msg, deviceID, ok := h.readMessage(w, r)
	if !ok {
		return
	}

	push, err := msg.Push()
	if err != nil {
		h.logger.Warn("Unexpected payload on push", "device_id", deviceID, "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	h.logger.Info("Push request", "device_id", deviceID, "changes_count", len(push.Changes))

	ids := make([]string, 0, len(push.Changes))
	var errs []api.SyncError
	for i := range push.Changes {
		change := &push.Changes[i]
		ids = append(ids, change.ID)

		version, err := h.storage.Apply(ctx, change)
		if err != nil {
			if ctx.Err() != nil {
				h.logger.Warn("Push canceled", "device_id", deviceID, "error", ctx.Err())
				return
			}

			code := errorCode(err)
			errs = append(errs, api.SyncError{ChangeID: change.ID, ErrorCode: code, Message: err.Error()})
			if code == api.CodeInternal {
				h.logger.Error("Failed to apply change", "error", err, "change_id", change.ID)
			} else {
				h.logger.Warn("Change rejected", "code", code, "error", err, "change_id", change.ID)
			}
			continue
		}

		h.logger.Debug("Change applied",
			"change_id", change.ID,
			"table", change.TableName,
			"record_id", change.RecordID,
			"version", version)
	}

	h.writeMessage(w, api.NewAck(ServerDeviceID, ids, errs))

	h.logger.Info("Push completed", "device_id", deviceID, "received", len(ids), "rejected", len(errs))
}

// Pull обрабатывает POST /api/v1/sync/pull
// Возвращает изменения новее версий, известных устройству
func (h *SyncHandler) Pull(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	msg, deviceID, ok := h.readMessage(w, r)
	if !ok {
		return
	}

	req, err := msg.Request()
	if err != nil {
		h.logger.Warn("Unexpected payload on pull", "device_id", deviceID, "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	limit := api.DefaultRequestLimit
	if req.Limit != nil && *req.Limit > 0 {
		limit = min(*req.Limit, MaxPageLimit)
	}

	since := make(map[string]int64, len(req.Versions))
	for _, v := range req.Versions {
		since[v.TableName] = v.Version
	}

	tables := req.Tables
	if len(tables) == 0 {
		// Пустой список: все таблицы сервера
		tables, err = h.storage.Tables(ctx)
		if err != nil {
			h.logger.Error("Failed to list tables", "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
	}
	tables = slices.Clone(tables)
	slices.Sort(tables)
	tables = slices.Compact(tables)

	h.logger.Info("Pull request", "device_id", deviceID, "tables", tables, "limit", limit)

	changes := make([]api.ChangeRecord, 0)
	var hasMore bool
	for _, table := range tables {
		remaining := limit - len(changes)
		if remaining == 0 {
			hasMore = true
			break
		}

		page, more, err := h.storage.Changes(ctx, table, since[table], remaining)
		if err != nil {
			h.logger.Error("Failed to read changes", "error", err, "table", table)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		changes = append(changes, page...)
		if more {
			hasMore = true
			break
		}
	}

	h.writeMessage(w, api.NewResponse(ServerDeviceID, changes, hasMore, h.now().UTC()))

	h.logger.Info("Pull completed", "device_id", deviceID, "returned", len(changes), "has_more", hasMore)
}

// readMessage проверяет метод и устройство, затем декодирует конверт запроса
func (h *SyncHandler) readMessage(w http.ResponseWriter, r *http.Request) (*api.SyncMessage, string, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return nil, "", false
	}

	// Получаем device_id из контекста (установлен AuthMiddleware)
	deviceID, ok := GetDeviceID(r.Context())
	if !ok {
		h.logger.Error("Device ID not found in context")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, "", false
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		h.logger.Warn("Failed to read request body", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return nil, "", false
	}

	msg, err := api.Decode(body)
	if err != nil {
		h.logger.Warn("Failed to decode sync message", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return nil, "", false
	}

	// Проверяем что device_id совпадает с токеном
	if msg.DeviceID != deviceID {
		h.logger.Warn("Message device_id mismatch", "expected", deviceID, "got", msg.DeviceID)
		http.Error(w, "Device ID mismatch", http.StatusForbidden)
		return nil, "", false
	}

	return msg, deviceID, true
}

func (h *SyncHandler) writeMessage(w http.ResponseWriter, msg *api.SyncMessage) {
	data, err := api.Encode(msg)
	if err != nil {
		h.logger.Error("Failed to encode response", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.Error("Failed to write response", "error", err)
	}
}

// errorCode сопоставляет ошибку Apply с кодом в SyncError
func errorCode(err error) string {
	switch {
	case errors.Is(err, api.ErrInvalidChange):
		return api.CodeInvalidChange
	case errors.Is(err, storage.ErrStaleVersion):
		return api.CodeStaleVersion
	case errors.Is(err, crdt.ErrCorruptDocument):
		return api.CodeCorruptDocument
	case errors.Is(err, crdt.ErrIncompatibleDocument):
		return api.CodeIncompatibleDocument
	default:
		return api.CodeInternal
	}
}
