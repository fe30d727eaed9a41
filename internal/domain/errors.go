package domain

import (
	"errors"
	"fmt"
)

// Validation errors. Rejected synchronously, never retried.
var (
	ErrInvalidSlug       = errors.New("invalid tenant slug")
	ErrReservedSlug      = errors.New("tenant slug is reserved")
	ErrInvalidName       = errors.New("invalid tenant name")
	ErrInvalidTrial      = errors.New("invalid trial length")
	ErrInvalidDescriptor = errors.New("connection descriptor must hold exactly one of direct url or secret reference")
	ErrInvalidTransition = errors.New("status transition not allowed")
	ErrMissingTenantSlug = errors.New("tenant slug missing from request")
	ErrInvalidQueueOp    = errors.New("invalid queue admin request")

	// ErrTenantIdentity wraps a missing or malformed slug on the request
	// path, where it is an authentication failure rather than bad input.
	ErrTenantIdentity = errors.New("request carries no valid tenant identity")
)

// Conflict errors.
var (
	ErrSlugTaken      = errors.New("tenant slug already taken")
	ErrStatusConflict = errors.New("tenant status changed concurrently")
)

// Tenant state errors. Returned to callers, never retried automatically.
var (
	ErrTenantNotFound     = errors.New("tenant not found")
	ErrTenantInactive     = errors.New("tenant is inactive")
	ErrTenantSuspended    = errors.New("tenant is suspended")
	ErrTenantProvisioning = errors.New("tenant is still provisioning")
)

// ErrJobNotFound is returned by queue admin operations on unknown messages.
var ErrJobNotFound = errors.New("provisioning job not found")

// Connection errors. Retryable by the caller.
var (
	ErrConnection        = errors.New("tenant database connection failed")
	ErrPoolExhausted     = errors.New("connection pool exhausted")
	ErrConnectTimeout    = errors.New("timed out connecting to tenant database")
	ErrTenantUnreachable = errors.New("tenant database unreachable")
)

// Provisioning errors. Recovered by queue redelivery.
var (
	ErrProvisioning         = errors.New("tenant provisioning failed")
	ErrProvisioningInFlight = errors.New("tenant provisioning already in flight")
	ErrMigrationFailed      = errors.New("tenant schema migration failed")
	ErrSecretNotFound       = errors.New("secret not found")
)

// ConnectionFailure joins a reason sentinel with ErrConnection and the cause.
func ConnectionFailure(reason, cause error) error {
	if cause == nil {
		return errors.Join(ErrConnection, reason)
	}
	return fmt.Errorf("%w: %w: %w", ErrConnection, reason, cause)
}

// ProvisioningError names the provisioning step that failed.
type ProvisioningError struct {
	TenantID string
	Step     string
	Err      error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provision tenant %s: %s: %v", e.TenantID, e.Step, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Is makes every ProvisioningError match ErrProvisioning.
func (e *ProvisioningError) Is(target error) bool { return target == ErrProvisioning }

// ErrorKind is the error taxonomy exposed to callers.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindConflict
	KindProvisioning
	KindConnection
	KindTenantState
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindProvisioning:
		return "provisioning"
	case KindConnection:
		return "connection"
	case KindTenantState:
		return "tenant_state"
	default:
		return "internal"
	}
}

// KindOf classifies err. Connection is checked before the others because
// connection failures may wrap lower level errors.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrConnection):
		return KindConnection
	case errors.Is(err, ErrInvalidSlug), errors.Is(err, ErrReservedSlug), errors.Is(err, ErrInvalidName),
		errors.Is(err, ErrInvalidTrial), errors.Is(err, ErrInvalidDescriptor), errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrMissingTenantSlug), errors.Is(err, ErrInvalidQueueOp), errors.Is(err, ErrTenantIdentity):
		return KindValidation
	case errors.Is(err, ErrSlugTaken), errors.Is(err, ErrStatusConflict):
		return KindConflict
	case errors.Is(err, ErrTenantNotFound), errors.Is(err, ErrJobNotFound), errors.Is(err, ErrTenantInactive),
		errors.Is(err, ErrTenantSuspended), errors.Is(err, ErrTenantProvisioning):
		return KindTenantState
	case errors.Is(err, ErrProvisioning), errors.Is(err, ErrProvisioningInFlight), errors.Is(err, ErrMigrationFailed):
		return KindProvisioning
	}
	return KindInternal
}

// IsRetryable reports whether retrying the same operation may succeed.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindConnection, KindProvisioning:
		return true
	}
	return false
}
