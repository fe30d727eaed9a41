package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TenantStatus is the lifecycle state of a tenant.
type TenantStatus string

const (
	StatusProvisioning TenantStatus = "PROVISIONING"
	StatusActive       TenantStatus = "ACTIVE"
	StatusInactive     TenantStatus = "INACTIVE"
	StatusSuspended    TenantStatus = "SUSPENDED"
)

const (
	MinSlugLength = 2
	MaxSlugLength = 50
	MaxNameLength = 200

	MaxTrialDays = 90
)

var slugPattern = regexp.MustCompile(`^[a-z0-9-]{2,50}$`)

// reservedSlugs cannot be claimed by a tenant because they collide with
// platform subdomains or routes.
var reservedSlugs = map[string]struct{}{
	"admin": {}, "administrator": {}, "api": {}, "app": {}, "assets": {},
	"auth": {}, "billing": {}, "blog": {}, "cdn": {}, "dashboard": {},
	"dev": {}, "docs": {}, "help": {}, "internal": {}, "login": {},
	"mail": {}, "metrics": {}, "postgres": {}, "root": {}, "signup": {},
	"staging": {}, "static": {}, "status": {}, "support": {}, "system": {},
	"template0": {}, "template1": {}, "test": {}, "www": {},
}

// IsValid reports whether s is a known status.
func (s TenantStatus) IsValid() bool {
	switch s {
	case StatusProvisioning, StatusActive, StatusInactive, StatusSuspended:
		return true
	}
	return false
}

// CanTransitionTo reports whether an administrative status change from s to
// next is allowed. PROVISIONING is left only by the provisioning worker.
func (s TenantStatus) CanTransitionTo(next TenantStatus) bool {
	if s == next || !next.IsValid() {
		return false
	}
	switch s {
	case StatusActive:
		return next == StatusInactive || next == StatusSuspended
	case StatusInactive:
		return next == StatusActive || next == StatusSuspended
	case StatusSuspended:
		return next == StatusActive || next == StatusInactive
	}
	return false
}

// ConnectionDescriptor locates a tenant database. Exactly one field is set
// once the tenant is provisioned: DirectURL outside production, SecretRef in
// production.
type ConnectionDescriptor struct {
	DirectURL string `json:"-"`
	SecretRef string `json:"-"`
}

// IsZero reports whether neither field is populated.
func (d ConnectionDescriptor) IsZero() bool {
	return d.DirectURL == "" && d.SecretRef == ""
}

// Validate enforces the direct-URL XOR secret-reference rule.
func (d ConnectionDescriptor) Validate() error {
	if (d.DirectURL == "") == (d.SecretRef == "") {
		return ErrInvalidDescriptor
	}
	return nil
}

// Tenant is a customer organization with its own isolated database.
type Tenant struct {
	ID                uuid.UUID            `json:"id"`
	Slug              string               `json:"slug"`
	Name              string               `json:"name"`
	Status            TenantStatus         `json:"status"`
	Connection        ConnectionDescriptor `json:"-"`
	DatabaseName      string               `json:"-"`
	SchemaVersion     string               `json:"schema_version,omitempty"`
	TrialEndsAt       *time.Time           `json:"trial_ends_at,omitempty"`
	ProvisionAttempts int                  `json:"provision_attempts,omitempty"`
	LastError         string               `json:"last_error,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

// Activation is everything the provisioning worker writes when a tenant
// becomes ACTIVE.
type Activation struct {
	Connection    ConnectionDescriptor
	DatabaseName  string
	SchemaVersion string
}

// NewTenant validates the inputs and returns a tenant in PROVISIONING.
func NewTenant(slug, name string, trialDays int, now time.Time) (*Tenant, error) {
	if err := ValidateSlug(slug); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" || len(name) > MaxNameLength {
		return nil, fmt.Errorf("%w: must be 1-%d characters", ErrInvalidName, MaxNameLength)
	}
	if trialDays < 0 || trialDays > MaxTrialDays {
		return nil, fmt.Errorf("%w: must be between 0 and %d", ErrInvalidTrial, MaxTrialDays)
	}

	now = now.UTC()
	t := &Tenant{
		ID:        uuid.New(),
		Slug:      slug,
		Name:      name,
		Status:    StatusProvisioning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if trialDays > 0 {
		ends := now.AddDate(0, 0, trialDays)
		t.TrialEndsAt = &ends
	}
	return t, nil
}

// ValidateSlug checks format, length and the reserved-word set.
func ValidateSlug(slug string) error {
	if len(slug) < MinSlugLength || len(slug) > MaxSlugLength {
		return fmt.Errorf("%w: length must be between %d and %d", ErrInvalidSlug, MinSlugLength, MaxSlugLength)
	}
	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("%w: only lowercase letters, digits and hyphens are allowed", ErrInvalidSlug)
	}
	if strings.HasPrefix(slug, "-") || strings.HasSuffix(slug, "-") {
		return fmt.Errorf("%w: must not start or end with a hyphen", ErrInvalidSlug)
	}
	if _, reserved := reservedSlugs[slug]; reserved {
		return fmt.Errorf("%w: %q", ErrReservedSlug, slug)
	}
	return nil
}

// DatabaseName returns the physical database name for a tenant. The suffix
// comes from the tenant's random id so it is stable across provisioning
// retries and never shared by two tenants with the same slug.
func DatabaseName(slug string, tenantID uuid.UUID) string {
	id := strings.ReplaceAll(tenantID.String(), "-", "")
	return strings.ReplaceAll(slug, "-", "_") + "_" + id[:12]
}

// Fingerprint identifies a connection target without exposing it.
func Fingerprint(dbURL string) string {
	sum := sha256.Sum256([]byte(dbURL))
	return hex.EncodeToString(sum[:8])
}
