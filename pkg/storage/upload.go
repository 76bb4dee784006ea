package storage

import (
	"context"
	"io"

	"github.com/keelstore/keel/pkg/apperr"
	"github.com/keelstore/keel/pkg/blob"
	"github.com/keelstore/keel/pkg/events"
	"github.com/keelstore/keel/pkg/meta"
)

// UploadRequest carries one streaming object write.
type UploadRequest struct {
	BucketID     string
	Name         string
	Owner        string
	ContentType  string
	CacheControl string
	UserMetadata map[string]string
	Body         io.Reader

	// Upsert allows overwriting an existing object. When false an existing
	// object fails the write with KeyAlreadyExists.
	Upsert bool
}

// UploadObject streams a new object version into the backend and commits the
// metadata row, holding the object's advisory lock for the whole write.
//
// Ordering matters here: the blob lands under a version no reader can see
// until the row commits, and if the row fails after the blob was written a
// compensating backend delete runs as super-user so nothing leaks.
func (s *Service) UploadObject(ctx context.Context, req UploadRequest) (*meta.Object, error) {
	if err := meta.ValidateObjectKey(req.Name); err != nil {
		return nil, err
	}

	bucket, err := s.store.FindBucket(ctx, req.BucketID, meta.LockNone)
	if err != nil {
		return nil, err
	}
	if err := validateMime(req.ContentType, bucket.AllowedMimeTypes); err != nil {
		return nil, err
	}
	limit := s.sizeLimit(bucket)

	version := newVersion()
	key := s.BlobKey(req.BucketID, req.Name)

	var committed *meta.Object
	var prevVersion string

	err = s.store.WithTx(ctx, func(tx meta.Store) error {
		if err := tx.WaitObjectLock(ctx, req.BucketID, req.Name, "", s.lockTimeout); err != nil {
			return err
		}

		existing, err := tx.FindObject(ctx, req.BucketID, req.Name, meta.FindObjectOptions{
			Columns: []string{"version"},
			Lock:    meta.LockForUpdate,
		})
		switch {
		case err == nil:
			if !req.Upsert {
				return apperr.KeyAlreadyExists(req.BucketID + "/" + req.Name)
			}
			prevVersion = existing.Version
		case apperr.IsCode(err, "NoSuchKey"):
			// First write for this name.
		default:
			return err
		}

		body := newLimitedBody(req.Body, limit)
		info, err := s.backend.PutObject(ctx, key, version, body, req.ContentType, req.CacheControl)
		if err != nil {
			// A partial blob may exist; remove it before surfacing the
			// error so the failed version never lingers.
			s.cleanupBlob(ctx, key, version)
			if limit > 0 && body.BytesRead() > limit {
				return apperr.PayloadTooLarge(limit)
			}
			return err
		}

		obj := &meta.Object{
			BucketID: req.BucketID,
			Name:     req.Name,
			Owner:    req.Owner,
			Version:  version,
			Metadata: &meta.ObjectMetadata{
				Size:           info.ContentLength,
				Mimetype:       info.ContentType,
				ETag:           info.ETag,
				CacheControl:   info.CacheControl,
				LastModified:   info.LastModified,
				ContentLength:  info.ContentLength,
				HTTPStatusCode: 200,
			},
			UserMetadata: req.UserMetadata,
		}

		if req.Upsert {
			err = tx.UpsertObject(ctx, obj)
		} else {
			err = tx.CreateObject(ctx, obj)
		}
		if err != nil {
			s.cleanupBlob(ctx, key, version)
			return err
		}

		committed = obj
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emit(events.ObjectCreated, req.BucketID, req.Name, version, committed.Metadata.Size)
	if prevVersion != "" && prevVersion != version {
		s.enqueueAdminDelete(req.BucketID, req.Name, prevVersion)
	}
	return committed, nil
}

// WithTx runs fn with a Service bound to one metadata transaction. Locks
// taken inside fn release when the transaction ends.
func (s *Service) WithTx(ctx context.Context, fn func(txSvc *Service) error) error {
	return s.store.WithTx(ctx, func(tx meta.Store) error {
		txSvc := *s
		txSvc.store = tx
		return fn(&txSvc)
	})
}

// CommitUploadedObject records an already-written blob version as the
// object's current row. The caller must hold the object's advisory lock in
// the current transaction. The superseded version, if any, is returned so
// the caller can schedule its deletion after commit.
func (s *Service) CommitUploadedObject(ctx context.Context, bucketID, name, version, owner string, info *blob.ObjectInfo, userMeta map[string]string, upsert bool) (*meta.Object, string, error) {
	var prevVersion string

	existing, err := s.store.FindObject(ctx, bucketID, name, meta.FindObjectOptions{
		Columns: []string{"version"},
		Lock:    meta.LockForUpdate,
	})
	switch {
	case err == nil:
		if !upsert {
			return nil, "", apperr.KeyAlreadyExists(bucketID + "/" + name)
		}
		prevVersion = existing.Version
	case apperr.IsCode(err, "NoSuchKey"):
	default:
		return nil, "", err
	}

	obj := &meta.Object{
		BucketID: bucketID,
		Name:     name,
		Owner:    owner,
		Version:  version,
		Metadata: &meta.ObjectMetadata{
			Size:           info.ContentLength,
			Mimetype:       info.ContentType,
			ETag:           info.ETag,
			CacheControl:   info.CacheControl,
			LastModified:   info.LastModified,
			ContentLength:  info.ContentLength,
			HTTPStatusCode: 200,
		},
		UserMetadata: userMeta,
	}
	if err := s.store.UpsertObject(ctx, obj); err != nil {
		return nil, "", err
	}
	return obj, prevVersion, nil
}

// EmitObjectCreated publishes the created event; protocol layers that commit
// through CommitUploadedObject call it after their transaction lands.
func (s *Service) EmitObjectCreated(bucket, name, version string, size int64) {
	s.emit(events.ObjectCreated, bucket, name, version, size)
}

// ScheduleAdminDelete queues a background blob delete for a superseded
// version.
func (s *Service) ScheduleAdminDelete(bucket, name, version string) {
	s.enqueueAdminDelete(bucket, name, version)
}

// cleanupBlob is the compensating delete: it runs with its own context so a
// cancelled request still cleans up, and failures fall back to the admin
// delete queue.
func (s *Service) cleanupBlob(ctx context.Context, key, version string) {
	cleanupCtx := context.WithoutCancel(ctx)
	if err := s.backend.DeleteObject(cleanupCtx, key, version); err != nil && !blob.IsNotFound(err) {
		s.logger.Error("compensating blob delete failed", "key", key, "version", version, "error", err)
	}
}
