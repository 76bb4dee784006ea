package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keelstore/keel/pkg/apperr"
)

// RuntimeConfig tunes the tenant runtime cache.
type RuntimeConfig struct {
	// TTL bounds how long a cached entry serves before it is re-read from
	// the registry.
	TTL time.Duration

	// MaxPoolConnections caps each tenant pool regardless of the tenant's
	// own max_connections.
	MaxPoolConnections int32

	// ConnectTimeout bounds pool construction.
	ConnectTimeout time.Duration
}

// ApplyDefaults fills in missing configuration with default values.
func (c *RuntimeConfig) ApplyDefaults() {
	if c.TTL == 0 {
		c.TTL = 10 * time.Minute
	}
	if c.MaxPoolConnections == 0 {
		c.MaxPoolConnections = 20
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
}

// entry is one cached tenant. ready is closed when initialization finishes;
// concurrent requests for the same tenant coalesce on it.
type entry struct {
	ready chan struct{}

	config *Config
	pool   *pgxpool.Pool
	err    error

	expiresAt time.Time
}

// Runtime is the process-wide tenant cache: decrypted config plus a database
// pool per tenant, built once and shared across requests.
type Runtime struct {
	registry *Registry
	config   RuntimeConfig
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// NewRuntime creates the tenant runtime over the registry.
func NewRuntime(registry *Registry, config RuntimeConfig, logger *slog.Logger) *Runtime {
	config.ApplyDefaults()
	return &Runtime{
		registry: registry,
		config:   config,
		logger:   logger,
		entries:  make(map[string]*entry),
	}
}

// Get returns the tenant's decrypted config and pool, initializing the entry
// on first use. Only one initializer runs per tenant id; other callers block
// on the same result.
func (r *Runtime) Get(ctx context.Context, id string) (*Config, *pgxpool.Pool, error) {
	for {
		r.mu.Lock()
		e, ok := r.entries[id]
		if ok {
			select {
			case <-e.ready:
				// Finished entry: evict if failed or expired, serve otherwise.
				// An expired entry still owns a pool; close it off-lock or
				// the connections leak on every TTL rollover.
				if e.err != nil || time.Now().After(e.expiresAt) {
					delete(r.entries, id)
					if pool := e.pool; pool != nil {
						go pool.Close()
					}
					ok = false
				}
			default:
				// Initialization in flight; wait on it below.
			}
		}
		if !ok {
			e = &entry{ready: make(chan struct{})}
			r.entries[id] = e
			r.mu.Unlock()
			r.initialize(ctx, id, e)
		} else {
			r.mu.Unlock()
		}

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-e.ready:
		}

		if e.err != nil {
			// A failed in-flight entry we waited on: retry once against a
			// fresh entry rather than caching the failure.
			r.mu.Lock()
			if r.entries[id] == e {
				delete(r.entries, id)
			}
			r.mu.Unlock()
			return nil, nil, e.err
		}
		if time.Now().After(e.expiresAt) {
			continue
		}
		return e.config, e.pool, nil
	}
}

// initialize loads the tenant, decrypts its secrets and opens the pool.
func (r *Runtime) initialize(ctx context.Context, id string, e *entry) {
	defer close(e.ready)

	t, err := r.registry.Get(ctx, id)
	if err != nil {
		e.err = err
		return
	}

	cfg := &Config{
		ID:               t.ID,
		DatabaseURL:      t.DatabaseURL,
		DatabasePoolURL:  t.DatabasePoolURL,
		MaxConnections:   t.MaxConnections,
		JWTSecret:        t.JWTSecret,
		JWKS:             t.JWKS,
		ServiceKey:       t.ServiceKey,
		FileSizeLimit:    t.FileSizeLimit,
		Features:         t.ParseFeatures(),
		MigrationVersion: t.MigrationsVersion,
		TracingMode:      t.TracingMode,
		DisableEvents:    t.DisableEvents,
	}

	pool, err := r.openPool(ctx, cfg)
	if err != nil {
		e.err = apperr.DatabaseUnavailable(fmt.Errorf("tenant %s: %w", id, err))
		return
	}

	e.config = cfg
	e.pool = pool
	e.expiresAt = time.Now().Add(r.config.TTL)
	r.logger.Debug("tenant runtime entry initialized", "tenant", id, "ttl", r.config.TTL)
}

func (r *Runtime) openPool(ctx context.Context, cfg *Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("invalid connection string: %w", err)
	}

	maxConns := r.config.MaxPoolConnections
	if cfg.MaxConnections > 0 && int32(cfg.MaxConnections) < maxConns {
		maxConns = int32(cfg.MaxConnections)
	}
	poolCfg.MaxConns = maxConns
	poolCfg.ConnConfig.ConnectTimeout = r.config.ConnectTimeout

	connectCtx, cancel := context.WithTimeout(ctx, r.config.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// Invalidate drops the cached entry, closing its pool once any in-flight
// initialization settles. Admin mutations call this so the next request
// re-reads the registry.
func (r *Runtime) Invalidate(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	go func() {
		<-e.ready
		if e.pool != nil {
			e.pool.Close()
		}
	}()
}

// Close drains the cache and closes every pool.
func (r *Runtime) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		<-e.ready
		if e.pool != nil {
			e.pool.Close()
		}
	}
}
