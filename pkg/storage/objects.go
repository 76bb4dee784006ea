package storage

import (
	"context"
	"time"

	"github.com/keelstore/keel/pkg/apperr"
	"github.com/keelstore/keel/pkg/blob"
	"github.com/keelstore/keel/pkg/events"
	"github.com/keelstore/keel/pkg/meta"
)

func (s *Service) FindObject(ctx context.Context, bucketID, name string, opts meta.FindObjectOptions) (*meta.Object, error) {
	return s.store.FindObject(ctx, bucketID, name, opts)
}

// ReadObject resolves the object row and opens the blob stream, honouring
// range and conditional headers at the backend.
func (s *Service) ReadObject(ctx context.Context, bucketID, name string, rng *blob.Range, cond *blob.Conditions) (*meta.Object, *blob.GetResult, error) {
	obj, err := s.store.FindObject(ctx, bucketID, name, meta.FindObjectOptions{})
	if err != nil {
		return nil, nil, err
	}

	res, err := s.backend.GetObject(ctx, s.BlobKey(bucketID, name), obj.Version, rng, cond)
	if err != nil {
		return obj, nil, err
	}

	if err := s.store.TouchLastAccessed(ctx, bucketID, name); err != nil {
		s.logger.Warn("failed to touch last_accessed_at", "bucket", bucketID, "name", name, "error", err)
	}
	return obj, res, nil
}

func (s *Service) DeleteObject(ctx context.Context, bucketID, name string) error {
	var version string
	err := s.store.WithTx(ctx, func(tx meta.Store) error {
		obj, err := tx.FindObject(ctx, bucketID, name, meta.FindObjectOptions{
			Columns: []string{"version"},
			Lock:    meta.LockForUpdate,
		})
		if err != nil {
			return err
		}
		version = obj.Version
		return tx.DeleteObject(ctx, bucketID, name)
	})
	if err != nil {
		return err
	}

	if err := s.backend.DeleteObject(ctx, s.BlobKey(bucketID, name), version); err != nil && !blob.IsNotFound(err) {
		s.logger.Error("blob delete failed", "bucket", bucketID, "name", name, "error", err)
		s.enqueueAdminDelete(bucketID, name, version)
	}
	s.emit(events.ObjectRemovedDelete, bucketID, name, version, 0)
	return nil
}

// DeleteObjects removes a batch, reporting per-item outcomes instead of
// failing the whole request.
func (s *Service) DeleteObjects(ctx context.Context, bucketID string, names []string) *meta.DeleteObjectsResult {
	result := &meta.DeleteObjectsResult{Errors: make(map[string]error)}

	deleted, err := s.store.DeleteObjects(ctx, bucketID, names)
	if err != nil {
		for _, n := range names {
			result.Errors[n] = err
		}
		return result
	}

	found := make(map[string]bool, len(deleted))
	keys := make([]string, 0, len(deleted))
	for _, o := range deleted {
		found[o.Name] = true
		keys = append(keys, blob.KeyWithVersion(s.BlobKey(bucketID, o.Name), o.Version))
		result.Deleted = append(result.Deleted, o.Name)
		s.emit(events.ObjectRemovedDelete, bucketID, o.Name, o.Version, 0)
	}
	// Names that matched no row still count as deleted, matching S3.
	for _, n := range names {
		if !found[n] {
			result.Deleted = append(result.Deleted, n)
		}
	}

	if len(keys) > 0 {
		if err := s.backend.DeleteObjects(ctx, keys); err != nil {
			s.logger.Error("batch blob delete failed", "bucket", bucketID, "error", err)
			for _, o := range deleted {
				s.enqueueAdminDelete(bucketID, o.Name, o.Version)
			}
		}
	}
	return result
}

// CopyRequest parametrises CopyObject and MoveObject.
type CopyRequest struct {
	SourceBucket      string
	SourceKey         string
	DestinationBucket string
	DestinationKey    string
	Owner             string

	// CopyMetadata carries the source's user metadata forward. Defaults to
	// true at the API boundary.
	CopyMetadata bool

	Conditions *blob.Conditions
	Upsert     bool
}

// CopyObject copies the blob to a fresh version at the destination and
// commits the destination row under the destination lock.
func (s *Service) CopyObject(ctx context.Context, req CopyRequest) (*meta.Object, error) {
	if err := meta.ValidateObjectKey(req.DestinationKey); err != nil {
		return nil, err
	}

	src, err := s.store.FindObject(ctx, req.SourceBucket, req.SourceKey, meta.FindObjectOptions{})
	if err != nil {
		return nil, err
	}
	if _, err := s.store.FindBucket(ctx, req.DestinationBucket, meta.LockNone); err != nil {
		return nil, err
	}

	version := newVersion()
	srcKey := s.BlobKey(req.SourceBucket, req.SourceKey)
	dstKey := s.BlobKey(req.DestinationBucket, req.DestinationKey)

	var committed *meta.Object
	var prevVersion string

	err = s.store.WithTx(ctx, func(tx meta.Store) error {
		if err := tx.WaitObjectLock(ctx, req.DestinationBucket, req.DestinationKey, "", s.lockTimeout); err != nil {
			return err
		}

		existing, err := tx.FindObject(ctx, req.DestinationBucket, req.DestinationKey, meta.FindObjectOptions{
			Columns: []string{"version"},
			Lock:    meta.LockForUpdate,
		})
		switch {
		case err == nil:
			if !req.Upsert {
				return apperr.KeyAlreadyExists(req.DestinationBucket + "/" + req.DestinationKey)
			}
			prevVersion = existing.Version
		case apperr.IsCode(err, "NoSuchKey"):
		default:
			return err
		}

		var userMeta map[string]string
		if req.CopyMetadata {
			userMeta = src.UserMetadata
		}

		info, err := s.backend.CopyObject(ctx, srcKey, src.Version, dstKey, version, userMeta, req.Conditions)
		if err != nil {
			return err
		}

		obj := &meta.Object{
			BucketID: req.DestinationBucket,
			Name:     req.DestinationKey,
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
			UserMetadata: userMeta,
		}
		if err := tx.UpsertObject(ctx, obj); err != nil {
			s.cleanupBlob(ctx, dstKey, version)
			return err
		}
		committed = obj
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emit(events.ObjectCreated, req.DestinationBucket, req.DestinationKey, version, committed.Metadata.Size)
	if prevVersion != "" {
		s.enqueueAdminDelete(req.DestinationBucket, req.DestinationKey, prevVersion)
	}
	return committed, nil
}

// MoveObject is copy plus delete-source.
func (s *Service) MoveObject(ctx context.Context, req CopyRequest) (*meta.Object, error) {
	req.Upsert = true
	obj, err := s.CopyObject(ctx, req)
	if err != nil {
		return nil, err
	}

	var srcVersion string
	err = s.store.WithTx(ctx, func(tx meta.Store) error {
		src, err := tx.FindObject(ctx, req.SourceBucket, req.SourceKey, meta.FindObjectOptions{
			Columns: []string{"version"},
			Lock:    meta.LockForUpdate,
		})
		if err != nil {
			return err
		}
		srcVersion = src.Version
		return tx.DeleteObject(ctx, req.SourceBucket, req.SourceKey)
	})
	if err != nil {
		return nil, err
	}

	if err := s.backend.DeleteObject(ctx, s.BlobKey(req.SourceBucket, req.SourceKey), srcVersion); err != nil && !blob.IsNotFound(err) {
		s.enqueueAdminDelete(req.SourceBucket, req.SourceKey, srcVersion)
	}
	s.emit(events.ObjectRemovedMove, req.SourceBucket, req.SourceKey, srcVersion, 0)
	return obj, nil
}

func (s *Service) ListObjectsV2(ctx context.Context, bucketID string, opts meta.ListObjectsV2Options) (*meta.ListObjectsV2Result, error) {
	if opts.MaxKeys < 0 {
		return nil, apperr.InvalidParameter("max-keys must be non-negative")
	}
	return s.store.ListObjectsV2(ctx, bucketID, opts)
}

func (s *Service) SearchObjects(ctx context.Context, bucketID string, opts meta.SearchOptions) ([]meta.Object, error) {
	return s.store.SearchObjects(ctx, bucketID, opts)
}

// SignedAssetURL returns a short-lived direct-read URL for the object.
func (s *Service) SignedAssetURL(ctx context.Context, bucketID, name string, expiresIn time.Duration) (string, error) {
	obj, err := s.store.FindObject(ctx, bucketID, name, meta.FindObjectOptions{Columns: []string{"version"}})
	if err != nil {
		return "", err
	}
	return s.backend.PrivateAssetURL(ctx, s.BlobKey(bucketID, name), obj.Version, expiresIn)
}
