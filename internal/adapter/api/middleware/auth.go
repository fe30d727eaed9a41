package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/V4T54L/tenant-plane/internal/adapter/api/respond"
	"github.com/V4T54L/tenant-plane/internal/domain"
)

const APIKeyHeader = "X-API-Key"

type operatorKey struct{}

// Auth is a middleware factory that admits operators holding a valid key in
// the X-API-Key header. The key's short digest is stored in the request
// context for audit logging.
func Auth(repo domain.APIKeyRepository, logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With("component", "operator_auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get(APIKeyHeader)
			if apiKey == "" {
				logger.Warn("API key missing from request", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
				unauthorized(w, logger, "API key required")
				return
			}

			valid, err := repo.IsValid(r.Context(), apiKey)
			if err != nil {
				respond.Error(w, logger, err)
				return
			}

			operator := domain.OperatorID(apiKey)
			if !valid {
				logger.Warn("invalid API key provided", "remote_addr", r.RemoteAddr, "path", r.URL.Path, "operator", operator)
				unauthorized(w, logger, "invalid API key")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), operatorKey{}, operator)))
		})
	}
}

// OperatorFromContext returns the id of the operator key that authenticated
// the request, or "" outside Auth.
func OperatorFromContext(ctx context.Context) string {
	op, _ := ctx.Value(operatorKey{}).(string)
	return op
}

func unauthorized(w http.ResponseWriter, logger *slog.Logger, msg string) {
	respond.JSON(w, logger, http.StatusUnauthorized, respond.ErrorResponse{Error: msg, Code: "unauthorized"})
}
