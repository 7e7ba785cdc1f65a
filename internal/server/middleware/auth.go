package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/iudanet/wmssync/internal/auth"
	"github.com/iudanet/wmssync/internal/server/handlers"
)

// AuthMiddleware создает middleware для проверки JWT токена устройства
func AuthMiddleware(logger *slog.Logger, cfg auth.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Извлекаем токен из заголовка Authorization
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.Warn("Missing Authorization header")
				http.Error(w, "Unauthorized: missing token", http.StatusUnauthorized)
				return
			}

			// Ожидаем формат: "Bearer <token>"
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				logger.Warn("Invalid Authorization header format")
				http.Error(w, "Unauthorized: invalid token format", http.StatusUnauthorized)
				return
			}

			claims, err := auth.ValidateToken(cfg, parts[1])
			if err != nil {
				logger.Warn("Invalid device token", "error", err)
				http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
				return
			}

			ctx := handlers.WithDeviceID(r.Context(), claims.DeviceID)
			setDeviceID(ctx, claims.DeviceID)

			logger.Debug("Device authenticated", "device_id", claims.DeviceID)

			// Передаем запрос дальше с обновленным контекстом
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
