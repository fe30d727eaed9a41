package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/V4T54L/tenant-plane/internal/adapter/api/respond"
	"github.com/V4T54L/tenant-plane/internal/domain"
	"github.com/V4T54L/tenant-plane/internal/usecase"
)

// Resolver maps a slug to an ACTIVE tenant with a leased database client.
type Resolver interface {
	Resolve(ctx context.Context, slug string) (*usecase.ResolvedTenant, error)
}

type tenantKey struct{}

// TenantOptions configures where the slug is read from and how rejections
// are reported.
type TenantOptions struct {
	Header     string
	BaseDomain string
	// MaskState reports every tenant-state rejection as not found.
	MaskState bool
}

// Tenant is a middleware factory that resolves the request's tenant and
// attaches it, with its database client, to the request context. The client
// lease is released once the wrapped handler returns.
func Tenant(resolver Resolver, opts TenantOptions, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			slug := SlugFromRequest(r, opts.Header, opts.BaseDomain)

			resolved, err := resolver.Resolve(r.Context(), slug)
			if err != nil {
				if domain.KindOf(err) == domain.KindValidation {
					err = fmt.Errorf("%w: %w", domain.ErrTenantIdentity, err)
				}
				if opts.MaskState {
					err = respond.MaskTenantState(err)
				}
				logger.Debug("tenant resolution rejected", "slug", slug, "remote_addr", r.RemoteAddr, "error", err)
				respond.Error(w, logger, err)
				return
			}
			defer resolved.Release()

			ctx := context.WithValue(r.Context(), tenantKey{}, resolved)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SlugFromRequest reads the tenant slug from header, falling back to the
// first label of the Host when it is a direct subdomain of baseDomain.
func SlugFromRequest(r *http.Request, header, baseDomain string) string {
	if slug := strings.TrimSpace(r.Header.Get(header)); slug != "" {
		return slug
	}
	if baseDomain == "" {
		return ""
	}

	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	label, ok := strings.CutSuffix(host, "."+strings.ToLower(baseDomain))
	if !ok || label == "" || strings.Contains(label, ".") {
		return ""
	}
	return label
}

// TenantFromContext returns the tenant resolved for the request.
func TenantFromContext(ctx context.Context) (*domain.Tenant, bool) {
	resolved, ok := ctx.Value(tenantKey{}).(*usecase.ResolvedTenant)
	if !ok {
		return nil, false
	}
	return resolved.Tenant, true
}

// DBFromContext returns the resolved tenant's database client.
func DBFromContext(ctx context.Context) (domain.TenantDB, bool) {
	resolved, ok := ctx.Value(tenantKey{}).(*usecase.ResolvedTenant)
	if !ok {
		return nil, false
	}
	return resolved.DB(), true
}
