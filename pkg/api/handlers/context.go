// Package handlers implements the native REST surface: bucket and object
// management, signed URLs, the admin tenant API and health probes.
package handlers

import (
	"context"
	"net/http"

	"github.com/keelstore/keel/pkg/storage"
	"github.com/keelstore/keel/pkg/tenant"
)

// RequestContext binds a request to its tenant: the coordinator service and
// the tenant's decrypted configuration.
type RequestContext struct {
	TenantID string
	Service  *storage.Service
	Config   *tenant.Config

	// Owner is the authenticated subject; empty on public routes.
	Owner string

	// Role is the authenticated role: "anon", "authenticated" or
	// "service_role".
	Role string
}

// Resolver resolves the tenant for a request before authentication runs.
type Resolver func(r *http.Request) (*RequestContext, error)

type contextKey struct{}

// WithRequestContext stores the resolved tenant on the request context.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// FromContext returns the resolved tenant, or nil outside the middleware.
func FromContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rc
}
