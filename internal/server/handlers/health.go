package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

// TableLister перечисляет таблицы, известные хранилищу
type TableLister interface {
	Tables(ctx context.Context) ([]string, error)
}

// HealthHandler обрабатывает health check запросы
type HealthHandler struct {
	logger  *slog.Logger
	storage TableLister
	version string
}

// NewHealthHandler создает новый handler для health check
func NewHealthHandler(logger *slog.Logger, storage TableLister, version string) *HealthHandler {
	return &HealthHandler{
		logger:  logger,
		storage: storage,
		version: version,
	}
}

// HealthResponse представляет ответ health check
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Tables  int    `json:"tables"`
}

// Health обрабатывает GET /api/v1/health
// Health check endpoint для мониторинга
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: h.version,
	}
	status := http.StatusOK

	// Проверяем доступность хранилища
	tables, err := h.storage.Tables(r.Context())
	if err != nil {
		h.logger.Error("storage health check failed", slog.Any("error", err))
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	resp.Tables = len(tables)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to encode health response", slog.Any("error", err))
	}
}
