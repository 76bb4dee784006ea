package storage

import (
	"context"

	"github.com/keelstore/keel/pkg/apperr"
	"github.com/keelstore/keel/pkg/blob"
	"github.com/keelstore/keel/pkg/events"
	"github.com/keelstore/keel/pkg/meta"
)

// emptyBucketBatch is how many objects one EmptyBucket pass removes.
const emptyBucketBatch = 1000

func (s *Service) CreateBucket(ctx context.Context, b *meta.Bucket) error {
	if b.ID == "" {
		b.ID = b.Name
	}
	if b.Name == "" {
		b.Name = b.ID
	}
	if err := meta.ValidateBucketName(b.Name); err != nil {
		return err
	}
	return s.store.CreateBucket(ctx, b)
}

func (s *Service) FindBucket(ctx context.Context, id string) (*meta.Bucket, error) {
	return s.store.FindBucket(ctx, id, meta.LockNone)
}

func (s *Service) UpdateBucket(ctx context.Context, id string, upd meta.BucketUpdate) error {
	return s.store.UpdateBucket(ctx, id, upd)
}

func (s *Service) ListBuckets(ctx context.Context, opts meta.ListBucketsOptions) ([]meta.Bucket, error) {
	return s.store.ListBuckets(ctx, opts)
}

// DeleteBucket removes an empty bucket. The non-empty check short-circuits
// at one object, so it stays cheap on large buckets.
func (s *Service) DeleteBucket(ctx context.Context, id string) error {
	count, err := s.store.CountObjectsInBucket(ctx, id, 1)
	if err != nil {
		return err
	}
	if count > 0 {
		return apperr.InvalidParameter("bucket must be empty before deletion").WithResource(id)
	}
	return s.store.DeleteBucket(ctx, id)
}

// EmptyBucket deletes every object in the bucket, metadata first, then blobs,
// in bounded batches.
func (s *Service) EmptyBucket(ctx context.Context, id string) error {
	for {
		page, err := s.store.ListObjectsV2(ctx, id, meta.ListObjectsV2Options{MaxKeys: emptyBucketBatch})
		if err != nil {
			return err
		}
		if len(page.Objects) == 0 {
			return nil
		}

		names := make([]string, len(page.Objects))
		for i, o := range page.Objects {
			names[i] = o.Name
		}

		deleted, err := s.store.DeleteObjects(ctx, id, names)
		if err != nil {
			return err
		}

		keys := make([]string, 0, len(deleted))
		for _, o := range deleted {
			keys = append(keys, blob.KeyWithVersion(s.BlobKey(id, o.Name), o.Version))
			s.emit(events.ObjectRemovedDelete, id, o.Name, o.Version, 0)
		}
		if err := s.backend.DeleteObjects(ctx, keys); err != nil {
			// Metadata already dropped; the blobs are unreachable and a
			// background admin delete retries them.
			s.logger.Error("bucket empty blob cleanup failed", "bucket", id, "error", err)
			for _, o := range deleted {
				s.enqueueAdminDelete(id, o.Name, o.Version)
			}
		}

		if !page.IsTruncated {
			return nil
		}
	}
}
