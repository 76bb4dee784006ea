package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keelstore/keel/pkg/api/handlers"
	apimw "github.com/keelstore/keel/pkg/api/middleware"
	"github.com/keelstore/keel/pkg/apperr"
	"github.com/keelstore/keel/pkg/blob"
	"github.com/keelstore/keel/pkg/config"
	"github.com/keelstore/keel/pkg/events"
	"github.com/keelstore/keel/pkg/meta/postgres"
	"github.com/keelstore/keel/pkg/s3api"
	"github.com/keelstore/keel/pkg/storage"
	"github.com/keelstore/keel/pkg/tenant"
	"github.com/keelstore/keel/pkg/tus"
)

// provider resolves per-request tenant services. In single-tenant mode the
// tenant config is synthesized from the gateway configuration; in
// multi-tenant mode it comes from the registry through the runtime cache.
type provider struct {
	cfg     *config.Config
	backend blob.Backend
	queue   *events.Queue
	logger  *slog.Logger

	// runtime is set in multi-tenant mode.
	runtime *tenant.Runtime

	// pool and single are set in single-tenant mode.
	pool   *pgxpool.Pool
	single *tenant.Config
}

// tenantIDFrom picks the tenant for a request: the x-tenant-id header first,
// then the leftmost host label.
func (p *provider) tenantIDFrom(r *http.Request) (string, error) {
	if !p.cfg.Database.IsMultitenant {
		return p.cfg.Database.TenantID, nil
	}
	if id := r.Header.Get("x-tenant-id"); id != "" {
		return id, nil
	}

	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	label, _, found := strings.Cut(host, ".")
	if !found || label == "" {
		return "", apperr.TenantNotFound(host)
	}
	return label, nil
}

// tenantFor returns the tenant config and its pool.
func (p *provider) tenantFor(ctx context.Context, id string) (*tenant.Config, *pgxpool.Pool, error) {
	if !p.cfg.Database.IsMultitenant {
		if id != p.single.ID {
			return nil, nil, apperr.TenantNotFound(id)
		}
		return p.single, p.pool, nil
	}
	return p.runtime.Get(ctx, id)
}

// serviceFor builds the tenant's storage coordinator with its statements
// scoped to the given database role.
func (p *provider) serviceFor(tcfg *tenant.Config, pool *pgxpool.Pool, role string) *storage.Service {
	store := postgres.New(pool, postgres.Options{
		Role:             role,
		MigrationVersion: tcfg.MigrationVersion,
	})

	return storage.New(store, p.backend, p.queue, p.logger, storage.Options{
		TenantID:            tcfg.ID,
		TenantFileSizeLimit: tcfg.FileSizeLimit,
		GlobalFileSizeLimit: int64(p.cfg.Upload.FileSizeLimit),
		DisableEvents:       tcfg.DisableEvents,
	})
}

// hasCredentials reports whether the request carries a bearer credential.
func hasCredentials(r *http.Request) bool {
	return r.Header.Get("Authorization") != "" || r.Header.Get("ApiKey") != ""
}

// NativeResolver builds the resolver for the native REST surface. Requests
// without credentials resolve as the anon role; invalid credentials fail
// even on public routes.
func (p *provider) NativeResolver() handlers.Resolver {
	return func(r *http.Request) (*handlers.RequestContext, error) {
		id, err := p.tenantIDFrom(r)
		if err != nil {
			return nil, err
		}
		tcfg, pool, err := p.tenantFor(r.Context(), id)
		if err != nil {
			return nil, err
		}

		owner, role := "", "anon"
		if hasCredentials(r) {
			principal, err := apimw.Authenticate(r, tcfg.JWTSecret, tcfg.ServiceKey)
			if err != nil {
				return nil, err
			}
			owner, role = principal.Owner, principal.Role
		}

		return &handlers.RequestContext{
			TenantID: id,
			Service:  p.serviceFor(tcfg, pool, role),
			Config:   tcfg,
			Owner:    owner,
			Role:     role,
		}, nil
	}
}

// TUSResolver builds the resolver for the resumable upload surface. TUS
// requests always need credentials.
func (p *provider) TUSResolver() tus.Resolver {
	return func(r *http.Request) (*tus.RequestContext, error) {
		id, err := p.tenantIDFrom(r)
		if err != nil {
			return nil, err
		}
		tcfg, pool, err := p.tenantFor(r.Context(), id)
		if err != nil {
			return nil, err
		}

		principal, err := apimw.Authenticate(r, tcfg.JWTSecret, tcfg.ServiceKey)
		if err != nil {
			return nil, err
		}

		return &tus.RequestContext{
			TenantID:                id,
			Service:                 p.serviceFor(tcfg, pool, principal.Role),
			Owner:                   principal.Owner,
			UseFileVersionSeparator: p.cfg.TUS.UseFileVersionSeparator,
		}, nil
	}
}

// Secret implements sigv4.Keyring. In single-tenant mode the key pair comes
// from configuration; in multi-tenant mode the access key id is the tenant
// id and the tenant's service key signs.
func (p *provider) Secret(ctx context.Context, accessKeyID string) (string, error) {
	if !p.cfg.Database.IsMultitenant {
		if accessKeyID != p.cfg.S3Protocol.AccessKey {
			return "", apperr.AccessDenied("unknown access key")
		}
		return p.cfg.S3Protocol.SecretKey, nil
	}

	tcfg, _, err := p.tenantFor(ctx, accessKeyID)
	if err != nil {
		return "", apperr.AccessDenied("unknown access key").WithCause(err)
	}
	if tcfg.ServiceKey == "" {
		return "", apperr.AccessDenied("tenant has no service key")
	}
	return tcfg.ServiceKey, nil
}

// FromAccessKey implements s3api.IdentityResolver for SigV4 requests. A
// valid signature grants the service role.
func (p *provider) FromAccessKey(ctx context.Context, accessKeyID string) (*s3api.Identity, error) {
	var id string
	if p.cfg.Database.IsMultitenant {
		id = accessKeyID
	} else {
		if accessKeyID != p.cfg.S3Protocol.AccessKey {
			return nil, apperr.AccessDenied("unknown access key")
		}
		id = p.cfg.Database.TenantID
	}

	tcfg, pool, err := p.tenantFor(ctx, id)
	if err != nil {
		return nil, err
	}
	return &s3api.Identity{
		TenantID: id,
		Service:  p.serviceFor(tcfg, pool, "service_role"),
	}, nil
}

// FromBearer implements s3api.IdentityResolver for JWT-authenticated S3
// requests.
func (p *provider) FromBearer(r *http.Request) (*s3api.Identity, error) {
	id, err := p.tenantIDFrom(r)
	if err != nil {
		return nil, err
	}
	tcfg, pool, err := p.tenantFor(r.Context(), id)
	if err != nil {
		return nil, err
	}
	principal, err := apimw.Authenticate(r, tcfg.JWTSecret, tcfg.ServiceKey)
	if err != nil {
		return nil, err
	}
	return &s3api.Identity{
		TenantID: id,
		Owner:    principal.Owner,
		Service:  p.serviceFor(tcfg, pool, principal.Role),
	}, nil
}
