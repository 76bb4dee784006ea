// Package storage is the coordinator between the metadata plane and the blob
// backend. It owns the write path invariants: advisory locking, version
// allocation, size and MIME validation, and compensation so a failed metadata
// write never leaves an orphan row.
package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/keelstore/keel/pkg/blob"
	"github.com/keelstore/keel/pkg/events"
	"github.com/keelstore/keel/pkg/meta"
)

// Options configure a per-tenant Service.
type Options struct {
	TenantID string

	// TenantFileSizeLimit and GlobalFileSizeLimit bound uploads together
	// with the bucket limit; zero means unlimited at that level.
	TenantFileSizeLimit int64
	GlobalFileSizeLimit int64

	DisableEvents bool

	// LockWaitTimeout bounds waitObjectLock on the write path.
	LockWaitTimeout time.Duration
}

// Service coordinates one tenant's requests.
type Service struct {
	store   meta.Store
	backend blob.Backend
	queue   *events.Queue
	logger  *slog.Logger

	tenantID      string
	tenantLimit   int64
	globalLimit   int64
	disableEvents bool
	lockTimeout   time.Duration
}

// New creates a Service over the tenant's store and backend.
func New(store meta.Store, backend blob.Backend, queue *events.Queue, logger *slog.Logger, opts Options) *Service {
	lockTimeout := opts.LockWaitTimeout
	if lockTimeout == 0 {
		lockTimeout = 5 * time.Second
	}
	return &Service{
		store:         store,
		backend:       backend,
		queue:         queue,
		logger:        logger,
		tenantID:      opts.TenantID,
		tenantLimit:   opts.TenantFileSizeLimit,
		globalLimit:   opts.GlobalFileSizeLimit,
		disableEvents: opts.DisableEvents,
		lockTimeout:   lockTimeout,
	}
}

// Store exposes the underlying metadata store for read pass-throughs.
func (s *Service) Store() meta.Store {
	return s.store
}

// Backend exposes the blob backend for protocol layers that stream directly
// (multipart parts, ranged reads).
func (s *Service) Backend() blob.Backend {
	return s.backend
}

// TenantID returns the tenant this service is bound to.
func (s *Service) TenantID() string {
	return s.tenantID
}

// BlobKey returns the tenant-scoped backend key for an object.
func (s *Service) BlobKey(bucket, name string) string {
	return s.tenantID + "/" + bucket + "/" + name
}

// newVersion allocates a fresh opaque version token.
func newVersion() string {
	return uuid.NewString()
}

func (s *Service) emit(t events.Type, bucket, name, version string, size int64) {
	if s.disableEvents || s.queue == nil {
		return
	}
	s.queue.Publish(events.Event{
		Type:     t,
		TenantID: s.tenantID,
		Bucket:   bucket,
		Name:     name,
		Version:  version,
		Size:     size,
	})
}

// enqueueAdminDelete schedules a background backend delete of a superseded
// version. Admin deletes bypass the tenant's disable_events flag since they
// are bookkeeping, not notifications.
func (s *Service) enqueueAdminDelete(bucket, name, version string) {
	if s.queue == nil || version == "" {
		return
	}
	s.queue.Publish(events.Event{
		Type:     events.ObjectAdminDelete,
		TenantID: s.tenantID,
		Bucket:   bucket,
		Name:     name,
		Version:  version,
	})
}

// RegisterAdminDeleteHandler wires the background deletion of superseded
// versions onto the queue. One registration per backend is enough.
func RegisterAdminDeleteHandler(queue *events.Queue, backend blob.Backend, logger *slog.Logger) {
	queue.Subscribe(events.ObjectAdminDelete, func(ctx context.Context, ev events.Event) error {
		key := ev.TenantID + "/" + ev.Bucket + "/" + ev.Name
		if err := backend.DeleteObject(ctx, key, ev.Version); err != nil {
			logger.Error("admin delete failed", "key", key, "version", ev.Version, "error", err)
			return err
		}
		return nil
	})
}
