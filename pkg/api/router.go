// Package api wires the native REST surface: the chi router, the tenant
// resolution and auth middleware, and the HTTP server lifecycle.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/keelstore/keel/pkg/api/handlers"
	"github.com/keelstore/keel/pkg/apperr"
	"github.com/keelstore/keel/pkg/metrics"
)

// RouterConfig carries everything the router mounts.
type RouterConfig struct {
	// Resolver resolves the tenant for each request. Required.
	Resolver handlers.Resolver

	// S3 is the S3-compatible protocol handler, mounted at S3Prefix when
	// non-nil.
	S3       http.Handler
	S3Prefix string

	// TUS is the resumable upload handler, mounted at TUSPrefix when
	// non-nil.
	TUS       http.Handler
	TUSPrefix string

	// Tenants enables the admin tenant API; nil in single-tenant mode.
	Tenants *handlers.TenantHandler

	// AdminAPIKey guards /admin routes.
	AdminAPIKey string

	// Ready backs the readiness probe; may be nil.
	Ready func(ctx context.Context) error

	SignedURLExpiry       time.Duration
	UploadSignedURLExpiry time.Duration

	// RequestTimeout bounds the non-streaming management routes.
	RequestTimeout time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// NewRouter builds the full HTTP surface: native routes, the S3 and TUS
// mounts, health probes and the admin API.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(logger, cfg.Metrics))
	r.Use(chimw.Recoverer)

	health := handlers.NewHealthHandler(cfg.Ready)
	r.Route("/health", func(r chi.Router) {
		r.Get("/", health.Liveness)
		r.Get("/ready", health.Readiness)
	})

	buckets := handlers.NewBucketHandler(logger)
	objects := handlers.NewObjectHandler(logger)
	sign := handlers.NewSignHandler(logger, cfg.SignedURLExpiry, cfg.UploadSignedURLExpiry)

	resolve := resolveTenant(cfg.Resolver, logger)
	auth := requireAuth(logger)

	// Bucket management is always authenticated and never streams.
	r.Route("/bucket", func(r chi.Router) {
		r.Use(chimw.Timeout(cfg.RequestTimeout))
		r.Use(resolve, auth)
		r.Post("/", buckets.Create)
		r.Get("/", buckets.List)
		r.Get("/{bucketId}", buckets.Get)
		r.Put("/{bucketId}", buckets.Update)
		r.Delete("/{bucketId}", buckets.Delete)
		r.Post("/{bucketId}/empty", buckets.Empty)
	})

	r.Route("/object", func(r chi.Router) {
		// Public and token-authorized routes resolve the tenant but skip
		// credential checks.
		r.Group(func(r chi.Router) {
			r.Use(resolve)
			r.Get("/public/{bucketId}/*", objects.GetPublic)
			r.Head("/public/{bucketId}/*", objects.GetPublic)
			r.Get("/sign/{bucketId}/*", sign.ServeSignedObject)
			r.Put("/upload/sign/{bucketId}/*", sign.UploadSignedObject)
		})

		r.Group(func(r chi.Router) {
			r.Use(resolve, auth)
			r.Post("/list/{bucketId}", objects.List)
			r.Get("/list-v2/{bucketId}", objects.ListV2)
			r.Post("/copy", objects.Copy)
			r.Post("/move", objects.Move)
			r.Get("/info/{bucketId}/*", objects.Info)
			r.Post("/sign/{bucketId}/*", sign.CreateSignedURL)
			r.Post("/upload/sign/{bucketId}/*", sign.CreateSignedUploadURL)
			r.Get("/authenticated/{bucketId}/*", objects.GetAuthenticated)
			r.Head("/authenticated/{bucketId}/*", objects.GetAuthenticated)
			r.Delete("/{bucketId}", objects.DeleteMany)
			r.Post("/{bucketId}/*", objects.Upload)
			r.Put("/{bucketId}/*", objects.Upload)
			r.Get("/{bucketId}/*", objects.GetAuthenticated)
			r.Head("/{bucketId}/*", objects.GetAuthenticated)
			r.Delete("/{bucketId}/*", objects.Delete)
		})
	})

	if cfg.Tenants != nil {
		r.Route("/admin/tenants", func(r chi.Router) {
			r.Use(chimw.Timeout(cfg.RequestTimeout))
			r.Use(requireAdminKey(cfg.AdminAPIKey, logger))
			r.Post("/", cfg.Tenants.Create)
			r.Get("/", cfg.Tenants.List)
			r.Get("/{tenantId}", cfg.Tenants.Get)
			r.Patch("/{tenantId}", cfg.Tenants.Update)
			r.Delete("/{tenantId}", cfg.Tenants.Delete)
		})
	}

	if cfg.S3 != nil {
		prefix := cfg.S3Prefix
		if prefix == "" {
			prefix = "/s3"
		}
		r.Mount(prefix, cfg.S3)
	}
	if cfg.TUS != nil {
		prefix := cfg.TUSPrefix
		if prefix == "" {
			prefix = "/upload/resumable"
		}
		r.Mount(prefix, cfg.TUS)
	}

	return r
}

// resolveTenant attaches the tenant's service and config to the request.
func resolveTenant(resolver handlers.Resolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc, err := resolver(r)
			if err != nil {
				handlers.Error(w, logger, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(handlers.WithRequestContext(r.Context(), rc)))
		})
	}
}

// requireAuth rejects requests the resolver left unauthenticated. Credential
// evaluation happens in the resolver so public routes share the same path.
func requireAuth(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := handlers.FromContext(r.Context())
			if rc == nil {
				handlers.Error(w, logger, apperr.Internal(nil))
				return
			}
			if rc.Role == "" || rc.Role == "anon" {
				handlers.Error(w, logger, apperr.AccessDenied("missing authorization"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireAdminKey guards the admin API with a static key in the apikey
// header.
func requireAdminKey(key string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				handlers.Error(w, logger, apperr.FeatureNotEnabled("admin API"))
				return
			}
			provided := r.Header.Get("ApiKey")
			if provided == "" {
				provided = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
				handlers.Error(w, logger, apperr.AccessDenied("invalid admin credentials"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger logs request completion and feeds the HTTP metrics.
func requestLogger(logger *slog.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			duration := time.Since(start)
			logger.Info("request completed",
				"request_id", chimw.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", duration.String(),
			)
			if m != nil {
				m.ObserveRequest(surfaceFor(r.URL.Path), r.Method, ww.Status(), duration)
			}
		})
	}
}

func surfaceFor(path string) string {
	switch {
	case strings.HasPrefix(path, "/s3"):
		return "s3"
	case strings.HasPrefix(path, "/upload/resumable"):
		return "tus"
	default:
		return "native"
	}
}
