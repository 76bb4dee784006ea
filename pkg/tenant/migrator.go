package tenant

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/keelstore/keel/pkg/meta/postgres"
)

// MigratorConfig tunes the progressive migration runner.
type MigratorConfig struct {
	// Concurrency caps how many tenant migrations run at once.
	Concurrency int

	// ScanInterval is how often the registry is rescanned for tenants whose
	// schema is behind.
	ScanInterval time.Duration

	// InitialBackoff and MaxBackoff bound the retry delay after a failed
	// migration attempt. The delay doubles per consecutive failure.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// ApplyDefaults fills in missing configuration with default values.
func (c *MigratorConfig) ApplyDefaults() {
	if c.Concurrency == 0 {
		c.Concurrency = 3
	}
	if c.ScanInterval == 0 {
		c.ScanInterval = time.Minute
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = 5 * time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 10 * time.Minute
	}
}

// Migrator walks tenants whose migrations_status is not COMPLETED up to the
// latest schema, one short-lived admin connection at a time. Failed tenants
// are re-enqueued with exponential backoff.
type Migrator struct {
	registry *Registry
	runtime  *Runtime
	config   MigratorConfig
	logger   *slog.Logger

	queue chan migrationJob

	mu       sync.Mutex
	inflight map[string]bool
}

type migrationJob struct {
	tenantID string
	attempt  int
}

// NewMigrator creates the progressive migration runner.
func NewMigrator(registry *Registry, runtime *Runtime, config MigratorConfig, logger *slog.Logger) *Migrator {
	config.ApplyDefaults()
	return &Migrator{
		registry: registry,
		runtime:  runtime,
		config:   config,
		logger:   logger,
		queue:    make(chan migrationJob, 256),
		inflight: make(map[string]bool),
	}
}

// Run scans and migrates until ctx is cancelled. It blocks; callers run it in
// a goroutine and cancel on shutdown.
func (m *Migrator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < m.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.worker(ctx)
		}()
	}

	m.scan(ctx)
	ticker := time.NewTicker(m.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			m.scan(ctx)
		}
	}
}

// Enqueue schedules one tenant for migration, deduplicating against work
// already queued or running. Admin tenant creation calls this so a fresh
// tenant does not wait for the next scan.
func (m *Migrator) Enqueue(tenantID string) {
	m.enqueue(migrationJob{tenantID: tenantID})
}

func (m *Migrator) enqueue(job migrationJob) {
	m.mu.Lock()
	if m.inflight[job.tenantID] {
		m.mu.Unlock()
		return
	}
	m.inflight[job.tenantID] = true
	m.mu.Unlock()

	select {
	case m.queue <- job:
	default:
		// Queue full; the next scan picks the tenant up again.
		m.mu.Lock()
		delete(m.inflight, job.tenantID)
		m.mu.Unlock()
	}
}

func (m *Migrator) scan(ctx context.Context) {
	ids, err := m.registry.ListPendingMigrations(ctx)
	if err != nil {
		m.logger.Error("migration scan failed", "error", err)
		return
	}
	for _, id := range ids {
		m.enqueue(migrationJob{tenantID: id})
	}
}

func (m *Migrator) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-m.queue:
			m.migrate(ctx, job)
		}
	}
}

func (m *Migrator) migrate(ctx context.Context, job migrationJob) {
	defer func() {
		m.mu.Lock()
		delete(m.inflight, job.tenantID)
		m.mu.Unlock()
	}()

	t, err := m.registry.Get(ctx, job.tenantID)
	if err != nil {
		m.logger.Error("migration target lookup failed", "tenant", job.tenantID, "error", err)
		return
	}

	if err := m.registry.SetMigrationProgress(ctx, t.ID, t.MigrationsVersion, MigrationInProgress); err != nil {
		m.logger.Error("failed to mark migration in progress", "tenant", t.ID, "error", err)
		return
	}

	// Migrations always use the direct URL, never the pooler.
	err = postgres.Migrate(ctx, t.DatabaseURL, m.logger.With("tenant", t.ID))
	if err != nil {
		m.logger.Error("tenant migration failed", "tenant", t.ID, "attempt", job.attempt, "error", err)
		if serr := m.registry.SetMigrationProgress(ctx, t.ID, t.MigrationsVersion, MigrationFailed); serr != nil {
			m.logger.Error("failed to record migration failure", "tenant", t.ID, "error", serr)
		}
		m.retryLater(ctx, job)
		return
	}

	version, dirty, err := postgres.MigrationVersion(ctx, t.DatabaseURL)
	if err != nil || dirty {
		m.logger.Error("migration version check failed", "tenant", t.ID, "dirty", dirty, "error", err)
		m.retryLater(ctx, job)
		return
	}

	if err := m.registry.SetMigrationProgress(ctx, t.ID, version, MigrationCompleted); err != nil {
		m.logger.Error("failed to record migration completion", "tenant", t.ID, "error", err)
		return
	}

	// Cached entries carry the old migration version; drop them so requests
	// see the new columns.
	if m.runtime != nil {
		m.runtime.Invalidate(t.ID)
	}
	m.logger.Info("tenant migrated", "tenant", t.ID, "version", version)
}

func (m *Migrator) retryLater(ctx context.Context, job migrationJob) {
	backoff := m.config.InitialBackoff << uint(job.attempt)
	if backoff > m.config.MaxBackoff || backoff <= 0 {
		backoff = m.config.MaxBackoff
	}

	next := migrationJob{tenantID: job.tenantID, attempt: job.attempt + 1}
	timer := time.AfterFunc(backoff, func() {
		m.enqueue(next)
	})
	go func() {
		<-ctx.Done()
		timer.Stop()
	}()
}
