package storage

import (
	"context"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/keelstore/keel/pkg/apperr"
	"github.com/keelstore/keel/pkg/blob"
	"github.com/keelstore/keel/pkg/events"
	"github.com/keelstore/keel/pkg/meta"
)

// CreateMultipartRequest starts one S3 multipart upload.
type CreateMultipartRequest struct {
	BucketID     string
	Key          string
	Owner        string
	ContentType  string
	CacheControl string
	UserMetadata map[string]string
}

// CreateMultipartUpload reserves a backend upload and the bookkeeping row.
// The backend's upload id doubles as the row key so the client-visible id
// resolves both sides.
func (s *Service) CreateMultipartUpload(ctx context.Context, req CreateMultipartRequest) (*meta.Upload, error) {
	if err := meta.ValidateObjectKey(req.Key); err != nil {
		return nil, err
	}

	bucket, err := s.store.FindBucket(ctx, req.BucketID, meta.LockNone)
	if err != nil {
		return nil, err
	}
	if err := validateMime(req.ContentType, bucket.AllowedMimeTypes); err != nil {
		return nil, err
	}

	version := newVersion()
	key := s.BlobKey(req.BucketID, req.Key)

	uploadID, err := s.backend.CreateMultipartUpload(ctx, key, version, req.ContentType, req.CacheControl, req.UserMetadata)
	if err != nil {
		return nil, err
	}

	upload := &meta.Upload{
		ID:              uploadID,
		BucketID:        req.BucketID,
		Key:             req.Key,
		Version:         version,
		UploadSignature: uuid.NewString(),
		Owner:           req.Owner,
		UserMetadata:    req.UserMetadata,
	}
	if err := s.store.CreateUpload(ctx, upload); err != nil {
		abortCtx := context.WithoutCancel(ctx)
		if aerr := s.backend.AbortMultipartUpload(abortCtx, key, version, uploadID); aerr != nil {
			s.logger.Error("abort after failed upload row", "uploadId", uploadID, "error", aerr)
		}
		return nil, err
	}
	return upload, nil
}

// UploadPart streams one part, then atomically grows in_progress_size and
// rotates the upload signature.
func (s *Service) UploadPart(ctx context.Context, uploadID string, partNumber int32, body io.Reader, length int64) (*blob.UploadedPart, error) {
	if partNumber < 1 || partNumber > blob.MaxPartNumber {
		return nil, apperr.InvalidPart("part number out of range")
	}

	upload, err := s.store.FindUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	bucket, err := s.store.FindBucket(ctx, upload.BucketID, meta.LockNone)
	if err != nil {
		return nil, err
	}
	limit := s.sizeLimit(bucket)
	if limit > 0 && upload.InProgressSize+length > limit {
		return nil, apperr.PayloadTooLarge(limit)
	}

	key := s.BlobKey(upload.BucketID, upload.Key)
	part, err := s.backend.UploadPart(ctx, key, upload.Version, uploadID, partNumber, body, length)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.RecordPartProgress(ctx, uploadID, part.Size, uuid.NewString()); err != nil {
		return nil, err
	}
	if err := s.store.InsertPart(ctx, &meta.Part{
		UploadID:   uploadID,
		PartNumber: partNumber,
		ETag:       part.ETag,
		Size:       part.Size,
	}); err != nil {
		return nil, err
	}
	return part, nil
}

// UploadPartCopy copies a committed object's bytes into a part.
func (s *Service) UploadPartCopy(ctx context.Context, uploadID string, partNumber int32, srcBucket, srcKey string, rng *blob.Range) (*blob.UploadedPart, error) {
	if partNumber < 1 || partNumber > blob.MaxPartNumber {
		return nil, apperr.InvalidPart("part number out of range")
	}

	upload, err := s.store.FindUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	src, err := s.store.FindObject(ctx, srcBucket, srcKey, meta.FindObjectOptions{Columns: []string{"version"}})
	if err != nil {
		return nil, err
	}

	dstKey := s.BlobKey(upload.BucketID, upload.Key)
	part, err := s.backend.UploadPartCopy(ctx, s.BlobKey(srcBucket, srcKey), src.Version, dstKey, upload.Version, uploadID, partNumber, rng)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.RecordPartProgress(ctx, uploadID, part.Size, uuid.NewString()); err != nil {
		return nil, err
	}
	if err := s.store.InsertPart(ctx, &meta.Part{
		UploadID:   uploadID,
		PartNumber: partNumber,
		ETag:       part.ETag,
		Size:       part.Size,
	}); err != nil {
		return nil, err
	}
	return part, nil
}

// CompleteMultipartUpload finishes the upload: parts must arrive in strictly
// ascending order with matching ETags, the backend assembles the object, and
// the metadata row commits under the object's advisory lock.
func (s *Service) CompleteMultipartUpload(ctx context.Context, uploadID string, parts []blob.UploadedPart) (*meta.Object, error) {
	upload, err := s.store.FindUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, apperr.InvalidPart("at least one part is required")
	}

	recorded, err := s.store.ListUploadParts(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	byNumber := make(map[int32]meta.Part, len(recorded))
	for _, p := range recorded {
		byNumber[p.PartNumber] = p
	}

	prev := int32(0)
	for i := range parts {
		p := &parts[i]
		if p.PartNumber <= prev {
			return nil, apperr.InvalidPartOrder()
		}
		prev = p.PartNumber

		rec, ok := byNumber[p.PartNumber]
		if !ok || !etagEqual(rec.ETag, p.ETag) {
			return nil, apperr.InvalidPart("part etag does not match uploaded part")
		}
		p.Size = rec.Size
	}

	key := s.BlobKey(upload.BucketID, upload.Key)

	var committed *meta.Object
	var prevVersion string
	err = s.store.WithTx(ctx, func(tx meta.Store) error {
		if err := tx.WaitObjectLock(ctx, upload.BucketID, upload.Key, "", s.lockTimeout); err != nil {
			return err
		}

		existing, err := tx.FindObject(ctx, upload.BucketID, upload.Key, meta.FindObjectOptions{
			Columns: []string{"version"},
			Lock:    meta.LockForUpdate,
		})
		switch {
		case err == nil:
			prevVersion = existing.Version
		case apperr.IsCode(err, "NoSuchKey"):
		default:
			return err
		}

		info, err := s.backend.CompleteMultipartUpload(ctx, key, upload.Version, uploadID, parts)
		if err != nil {
			return err
		}

		obj := &meta.Object{
			BucketID: upload.BucketID,
			Name:     upload.Key,
			Owner:    upload.Owner,
			Version:  upload.Version,
			Metadata: &meta.ObjectMetadata{
				Size:           info.ContentLength,
				Mimetype:       info.ContentType,
				ETag:           info.ETag,
				CacheControl:   info.CacheControl,
				LastModified:   info.LastModified,
				ContentLength:  info.ContentLength,
				HTTPStatusCode: 200,
			},
			UserMetadata: upload.UserMetadata,
		}
		if err := tx.UpsertObject(ctx, obj); err != nil {
			s.cleanupBlob(ctx, key, upload.Version)
			return err
		}
		if err := tx.DeleteUpload(ctx, uploadID); err != nil {
			return err
		}
		committed = obj
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emit(events.MultipartUploadComplete, upload.BucketID, upload.Key, upload.Version, committed.Metadata.Size)
	if prevVersion != "" && prevVersion != upload.Version {
		s.enqueueAdminDelete(upload.BucketID, upload.Key, prevVersion)
	}
	return committed, nil
}

// AbortMultipartUpload discards the backend upload and the bookkeeping row.
func (s *Service) AbortMultipartUpload(ctx context.Context, uploadID string) error {
	upload, err := s.store.FindUpload(ctx, uploadID)
	if err != nil {
		return err
	}

	key := s.BlobKey(upload.BucketID, upload.Key)
	return s.store.WithTx(ctx, func(tx meta.Store) error {
		if err := tx.MustLockObject(ctx, upload.BucketID, upload.Key, upload.Version); err != nil {
			return err
		}
		if err := s.backend.AbortMultipartUpload(ctx, key, upload.Version, uploadID); err != nil && !blob.IsNotFound(err) {
			return err
		}
		return tx.DeleteUpload(ctx, uploadID)
	})
}

// ListParts returns the recorded parts for an upload.
func (s *Service) ListParts(ctx context.Context, uploadID string) (*meta.Upload, []meta.Part, error) {
	upload, err := s.store.FindUpload(ctx, uploadID)
	if err != nil {
		return nil, nil, err
	}
	parts, err := s.store.ListUploadParts(ctx, uploadID)
	if err != nil {
		return nil, nil, err
	}
	return upload, parts, nil
}

// ListMultipartUploads lists in-progress uploads in a bucket.
func (s *Service) ListMultipartUploads(ctx context.Context, bucketID, keyPrefix string, limit int) ([]meta.Upload, error) {
	return s.store.ListUploads(ctx, bucketID, keyPrefix, limit)
}

// etagEqual compares ETags ignoring surrounding quotes.
func etagEqual(a, b string) bool {
	return strings.Trim(a, `"`) == strings.Trim(b, `"`)
}
