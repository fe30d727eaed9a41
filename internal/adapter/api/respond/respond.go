// Package respond writes JSON replies and maps domain errors onto HTTP
// statuses for every server in the process.
package respond

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/V4T54L/tenant-plane/internal/domain"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// retryAfterSeconds is sent with connection failures.
const retryAfterSeconds = "1"

var errorCodes = []struct {
	err  error
	code string
}{
	{domain.ErrTenantIdentity, "tenant_identity_required"},
	{domain.ErrInvalidSlug, "invalid_slug"},
	{domain.ErrReservedSlug, "reserved_slug"},
	{domain.ErrInvalidName, "invalid_name"},
	{domain.ErrInvalidTrial, "invalid_trial"},
	{domain.ErrInvalidDescriptor, "invalid_descriptor"},
	{domain.ErrInvalidTransition, "invalid_transition"},
	{domain.ErrInvalidQueueOp, "invalid_queue_request"},
	{domain.ErrMissingTenantSlug, "missing_tenant_slug"},
	{domain.ErrSlugTaken, "slug_taken"},
	{domain.ErrStatusConflict, "status_conflict"},
	{domain.ErrTenantNotFound, "tenant_not_found"},
	{domain.ErrJobNotFound, "job_not_found"},
	{domain.ErrTenantInactive, "tenant_inactive"},
	{domain.ErrTenantSuspended, "tenant_suspended"},
	{domain.ErrTenantProvisioning, "tenant_provisioning"},
	{domain.ErrPoolExhausted, "pool_exhausted"},
	{domain.ErrConnectTimeout, "connect_timeout"},
	{domain.ErrTenantUnreachable, "tenant_unreachable"},
	{domain.ErrConnection, "connection_failed"},
}

// StatusFor maps an error onto an HTTP status and a machine readable code.
func StatusFor(err error) (int, string) {
	code := "internal_error"
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			code = c.code
			break
		}
	}

	switch domain.KindOf(err) {
	case domain.KindValidation:
		if errors.Is(err, domain.ErrTenantIdentity) {
			return http.StatusUnauthorized, code
		}
		return http.StatusBadRequest, code
	case domain.KindConflict:
		return http.StatusConflict, code
	case domain.KindTenantState:
		if errors.Is(err, domain.ErrTenantNotFound) || errors.Is(err, domain.ErrJobNotFound) {
			return http.StatusNotFound, code
		}
		return http.StatusForbidden, code
	case domain.KindConnection:
		return http.StatusServiceUnavailable, code
	}
	return http.StatusInternalServerError, code
}

// Error replies with the status and code for err. Connection failures
// carry a Retry-After header and never echo the underlying cause; internal
// errors are logged and replaced with a generic message.
func Error(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, code := StatusFor(err)
	msg := err.Error()

	switch {
	case status == http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", retryAfterSeconds)
		msg = connectionMessage(err)
	case status >= http.StatusInternalServerError:
		logger.Error("Request failed", "error", err)
		msg = "internal server error"
	}
	JSON(w, logger, status, ErrorResponse{Error: msg, Code: code})
}

// MaskTenantState collapses every tenant-state rejection into not found so an
// unauthenticated caller cannot tell which slugs exist.
func MaskTenantState(err error) error {
	if domain.KindOf(err) == domain.KindTenantState {
		return domain.ErrTenantNotFound
	}
	return err
}

func connectionMessage(err error) string {
	for _, reason := range []error{domain.ErrPoolExhausted, domain.ErrConnectTimeout, domain.ErrTenantUnreachable} {
		if errors.Is(err, reason) {
			return reason.Error()
		}
	}
	return domain.ErrConnection.Error()
}

// JSON writes payload with the given status.
func JSON(w http.ResponseWriter, logger *slog.Logger, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to marshal JSON response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal Server Error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
