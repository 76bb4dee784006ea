// Package server assembles the gateway: blob backend, metadata plane,
// tenant resolution, the three HTTP surfaces and the background workers.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/keelstore/keel/pkg/api"
	"github.com/keelstore/keel/pkg/api/handlers"
	"github.com/keelstore/keel/pkg/blob"
	blobfile "github.com/keelstore/keel/pkg/blob/file"
	blobs3 "github.com/keelstore/keel/pkg/blob/s3"
	"github.com/keelstore/keel/pkg/config"
	"github.com/keelstore/keel/pkg/events"
	"github.com/keelstore/keel/pkg/meta/postgres"
	"github.com/keelstore/keel/pkg/metrics"
	"github.com/keelstore/keel/pkg/pubsub"
	"github.com/keelstore/keel/pkg/s3api"
	"github.com/keelstore/keel/pkg/sigv4"
	"github.com/keelstore/keel/pkg/tenant"
	"github.com/keelstore/keel/pkg/tus"
)

// App is the assembled gateway.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	backend blob.Backend
	queue   *events.Queue
	broker  pubsub.Broker
	locker  *tus.Locker

	// Multi-tenant plane; nil in single-tenant mode.
	registry *tenant.Registry
	runtime  *tenant.Runtime
	migrator *tenant.Migrator

	// Single-tenant pool; nil in multi-tenant mode.
	pool *pgxpool.Pool

	// Control-plane pool backing the Postgres broker in multi-tenant mode;
	// nil when the broker rides a.pool or runs in-process.
	brokerPool *pgxpool.Pool

	provider *provider
	server   *api.Server
}

// New assembles the gateway from configuration. The single-tenant database
// is migrated to the latest schema before the app is returned.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
	}

	backend, err := newBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.backend = backend

	a.queue = events.NewQueue(events.QueueConfig{}, logger)

	if cfg.Database.IsMultitenant {
		if err := a.initMultitenant(); err != nil {
			a.Close()
			return nil, err
		}
	} else {
		if err := a.initSingleTenant(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	if err := a.initBroker(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.provider = &provider{
		cfg:     cfg,
		backend: a.backend,
		queue:   a.queue,
		logger:  logger,
		runtime: a.runtime,
		pool:    a.pool,
	}
	if !cfg.Database.IsMultitenant {
		a.provider.single = a.singleTenantConfig()
	}

	handler, err := a.buildHandler()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.server = api.NewServer(api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, handler, logger)

	return a, nil
}

func newBackend(ctx context.Context, cfg *config.Config) (blob.Backend, error) {
	switch cfg.Storage.Backend {
	case "s3":
		return blobs3.New(ctx, blobs3.Config{
			Endpoint:       cfg.Storage.S3.Endpoint,
			Bucket:         cfg.Storage.S3.Bucket,
			Region:         cfg.Storage.S3.Region,
			ForcePathStyle: cfg.Storage.S3.ForcePathStyle,
			MaxSockets:     cfg.Storage.S3.MaxSockets,
			RequestTimeout: cfg.Storage.S3.ClientTimeout,
		})
	case "file":
		return blobfile.New(cfg.Storage.File.Root)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// initSingleTenant opens the fixed tenant pool and brings its schema up to
// date.
func (a *App) initSingleTenant(ctx context.Context) error {
	if err := postgres.Migrate(ctx, a.cfg.Database.URL, a.logger); err != nil {
		return fmt.Errorf("migrating tenant database: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(a.cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("parsing database url: %w", err)
	}
	if a.cfg.Database.MaxPoolConnections > 0 {
		poolCfg.MaxConns = int32(a.cfg.Database.MaxPoolConnections)
	}
	if a.cfg.Database.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = a.cfg.Database.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("opening tenant pool: %w", err)
	}
	a.pool = pool
	return nil
}

// singleTenantConfig synthesizes the tenant record from the gateway
// configuration.
func (a *App) singleTenantConfig() *tenant.Config {
	version, _, err := postgres.MigrationVersion(context.Background(), a.cfg.Database.URL)
	if err != nil {
		a.logger.Warn("reading migration version", "error", err)
	}
	return &tenant.Config{
		ID:               a.cfg.Database.TenantID,
		DatabaseURL:      a.cfg.Database.URL,
		JWTSecret:        a.cfg.Auth.JWTSecret,
		ServiceKey:       a.cfg.Auth.ServiceKey,
		FileSizeLimit:    int64(a.cfg.Upload.FileSizeLimit),
		MigrationVersion: version,
	}
}

// initMultitenant opens the registry and the runtime cache, plus the
// progressive migration runner.
func (a *App) initMultitenant() error {
	regCfg, err := registryConfigFromURL(a.cfg.Database.MultitenantURL)
	if err != nil {
		return err
	}
	regCfg.EncryptionKey = a.cfg.Database.EncryptionKey

	registry, err := tenant.NewRegistry(regCfg)
	if err != nil {
		return fmt.Errorf("opening tenant registry: %w", err)
	}
	a.registry = registry

	a.runtime = tenant.NewRuntime(registry, tenant.RuntimeConfig{
		MaxPoolConnections: int32(a.cfg.Database.MaxPoolConnections),
		ConnectTimeout:     a.cfg.Database.ConnectTimeout,
	}, a.logger)

	a.migrator = tenant.NewMigrator(registry, a.runtime, tenant.MigratorConfig{}, a.logger)
	return nil
}

func isPostgresURL(raw string) bool {
	return strings.HasPrefix(raw, "postgres://") || strings.HasPrefix(raw, "postgresql://")
}

// registryConfigFromURL maps the multitenant database URL onto the registry
// configuration: postgres:// URLs select the Postgres registry, anything
// else is a SQLite path.
func registryConfigFromURL(raw string) (*tenant.RegistryConfig, error) {
	if !isPostgresURL(raw) {
		return &tenant.RegistryConfig{
			Type:   tenant.DatabaseTypeSQLite,
			SQLite: tenant.SQLiteConfig{Path: raw},
		}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing multitenant database url: %w", err)
	}
	pg := tenant.PostgresConfig{
		Host:     u.Hostname(),
		Database: strings.TrimPrefix(u.Path, "/"),
		SSLMode:  u.Query().Get("sslmode"),
	}
	if port := u.Port(); port != "" {
		pg.Port, _ = strconv.Atoi(port)
	}
	if u.User != nil {
		pg.User = u.User.Username()
		pg.Password, _ = u.User.Password()
	}
	return &tenant.RegistryConfig{
		Type:     tenant.DatabaseTypePostgres,
		Postgres: pg,
	}, nil
}

// initBroker selects the lock-release broker. With pg_queue enabled the
// Postgres LISTEN/NOTIFY broker rides the tenant pool in single-tenant mode
// and a dedicated control-plane pool when the multi-tenant registry is
// Postgres; SQLite registries and disabled queues get the in-process broker.
func (a *App) initBroker(ctx context.Context) error {
	if a.cfg.PGQueue.Enabled {
		switch {
		case a.pool != nil:
			a.broker = pubsub.NewPostgres(a.pool, a.logger)
		case a.cfg.Database.IsMultitenant && isPostgresURL(a.cfg.Database.MultitenantURL):
			pool, err := a.openBrokerPool(ctx)
			if err != nil {
				return fmt.Errorf("opening broker pool: %w", err)
			}
			a.brokerPool = pool
			a.broker = pubsub.NewPostgres(pool, a.logger)
		}
	}
	if a.broker == nil {
		a.broker = pubsub.NewMemory()
	}

	if a.cfg.TUS.Enabled {
		locker, err := tus.NewLocker(a.broker, a.cfg.TUS.LockWaitTimeout, a.logger)
		if err != nil {
			return fmt.Errorf("starting upload locker: %w", err)
		}
		a.locker = locker
	}
	return nil
}

// openBrokerPool opens a small pool on the control-plane database for the
// broker. NOTIFY traffic is light; the listener holds its own connection.
func (a *App) openBrokerPool(ctx context.Context) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(a.cfg.Database.MultitenantURL)
	if err != nil {
		return nil, fmt.Errorf("parsing multitenant database url: %w", err)
	}
	poolCfg.MaxConns = 4
	if a.cfg.Database.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = a.cfg.Database.ConnectTimeout
	}
	return pgxpool.NewWithConfig(ctx, poolCfg)
}

// buildHandler assembles the router with all enabled surfaces.
func (a *App) buildHandler() (http.Handler, error) {
	routerCfg := api.RouterConfig{
		Resolver:              a.provider.NativeResolver(),
		Ready:                 a.readyCheck(),
		SignedURLExpiry:       a.cfg.Upload.SignedURLExpiry,
		UploadSignedURLExpiry: a.cfg.Upload.UploadSignedURLExpiry,
		Metrics:               a.metrics,
		Logger:                a.logger,
	}

	if a.cfg.S3Protocol.Enabled {
		verifier := sigv4.New(sigv4.KeyringFunc(a.provider.Secret))
		routerCfg.S3 = s3api.New(a.provider, verifier, s3api.Config{
			MountPrefix:        a.cfg.S3Protocol.Prefix,
			MaxMetadataHeaders: a.cfg.Upload.MaxMetadataHeaders,
			MaxMetadataSize:    a.cfg.Upload.MaxMetadataSize,
		}, a.logger)
		routerCfg.S3Prefix = a.cfg.S3Protocol.Prefix
	}

	if a.cfg.TUS.Enabled {
		h := tus.NewHandler(a.provider.TUSResolver(), a.locker, tus.Config{
			Prefix:          a.cfg.TUS.Prefix,
			PartSize:        int64(a.cfg.TUS.PartSize),
			LockWaitTimeout: a.cfg.TUS.LockWaitTimeout,
			URLExpiry:       a.cfg.TUS.URLExpiry,
		}, a.logger)
		routerCfg.TUS = h.Routes()
		routerCfg.TUSPrefix = a.cfg.TUS.Prefix
	}

	if a.cfg.Database.IsMultitenant {
		routerCfg.Tenants = handlers.NewTenantHandler(a.registry, a.runtime, a.migrator, a.logger)
		routerCfg.AdminAPIKey = a.cfg.Auth.AdminAPIKey
	}

	return api.NewRouter(routerCfg), nil
}

// readyCheck pings the metadata plane.
func (a *App) readyCheck() func(ctx context.Context) error {
	if a.pool != nil {
		pool := a.pool
		return func(ctx context.Context) error { return pool.Ping(ctx) }
	}
	registry := a.registry
	return func(ctx context.Context) error {
		db, err := registry.DB().DB()
		if err != nil {
			return err
		}
		return db.PingContext(ctx)
	}
}

// Run serves until the context is cancelled, then drains the background
// workers.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.server.Start(gctx) })

	if a.migrator != nil {
		g.Go(func() error {
			a.migrator.Run(gctx)
			return nil
		})
	}

	if a.cfg.Metrics.Enabled {
		g.Go(func() error { return a.serveMetrics(gctx) })
	}

	err := g.Wait()
	a.Close()
	return err
}

// serveMetrics runs the Prometheus endpoint on its own listener.
func (a *App) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())

	srv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Metrics.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		a.logger.Info("metrics listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

// Close releases every shared resource. Safe to call more than once.
func (a *App) Close() {
	if a.queue != nil {
		a.queue.Close()
		a.queue = nil
	}
	if a.locker != nil {
		a.locker.Close()
		a.locker = nil
	}
	if a.broker != nil {
		_ = a.broker.Close()
		a.broker = nil
	}
	if a.brokerPool != nil {
		a.brokerPool.Close()
		a.brokerPool = nil
	}
	if a.runtime != nil {
		a.runtime.Close()
		a.runtime = nil
	}
	if a.registry != nil {
		_ = a.registry.Close()
		a.registry = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	if a.backend != nil {
		_ = a.backend.Close()
		a.backend = nil
	}
}
