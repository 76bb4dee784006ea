package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keelstore/keel/pkg/blob"
)

// GetObject streams an object, honouring range and conditional headers.
// A satisfied conditional returns blob.ErrNotModified rather than a body.
func (b *Backend) GetObject(ctx context.Context, key, version string, rng *blob.Range, cond *blob.Conditions) (*blob.GetResult, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key, version)),
	}

	if rng != nil {
		if rng.End < 0 {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-", rng.Start))
		} else {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End))
		}
	}
	if cond != nil {
		if cond.IfMatch != "" {
			input.IfMatch = aws.String(cond.IfMatch)
		}
		if cond.IfNoneMatch != "" {
			input.IfNoneMatch = aws.String(cond.IfNoneMatch)
		}
		input.IfModifiedSince = cond.IfModifiedSince
		input.IfUnmodifiedSince = cond.IfUnmodifiedSince
	}

	out, err := b.client.GetObject(ctx, input)
	if err != nil {
		mapped := mapError(err)
		var be *blob.BackendError
		if errors.As(mapped, &be) && (be.Status == http.StatusNotModified || be.Code == "NotModified") {
			return nil, blob.ErrNotModified
		}
		return nil, mapped
	}

	status := http.StatusOK
	if out.ContentRange != nil {
		status = http.StatusPartialContent
	}

	return &blob.GetResult{
		ObjectInfo: blob.ObjectInfo{
			ContentLength: derefInt64(out.ContentLength),
			ContentType:   derefString(out.ContentType),
			ETag:          derefString(out.ETag),
			CacheControl:  derefString(out.CacheControl),
			LastModified:  derefTime(out.LastModified),
			Metadata:      out.Metadata,
			HTTPStatus:    status,
		},
		ContentRange: derefString(out.ContentRange),
		Body:         out.Body,
	}, nil
}

// PutObject uploads a complete object body. Callers pass a fresh version per
// write, which makes the operation idempotent per (key, version): the same
// version is never written twice with different content.
func (b *Backend) PutObject(ctx context.Context, key, version string, body io.Reader, contentType, cacheControl string) (*blob.ObjectInfo, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key, version)),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if cacheControl != "" {
		input.CacheControl = aws.String(cacheControl)
	}

	out, err := b.client.PutObject(ctx, input)
	if err != nil {
		return nil, mapError(err)
	}

	// PutObject does not echo the stored size; fetch it via Head so the
	// metadata row mirrors backend truth.
	head, err := b.HeadObject(ctx, key, version)
	if err != nil {
		return nil, err
	}
	head.ETag = derefString(out.ETag)
	return head, nil
}

// CopyObject copies a committed version to a new destination version.
func (b *Backend) CopyObject(ctx context.Context, srcKey, srcVersion, dstKey, dstVersion string, metadata map[string]string, cond *blob.Conditions) (*blob.ObjectInfo, error) {
	input := &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		CopySource: aws.String(b.bucket + "/" + b.objectKey(srcKey, srcVersion)),
		Key:        aws.String(b.objectKey(dstKey, dstVersion)),
	}
	if len(metadata) > 0 {
		input.Metadata = metadata
		input.MetadataDirective = types.MetadataDirectiveReplace
	}
	if cond != nil {
		if cond.IfMatch != "" {
			input.CopySourceIfMatch = aws.String(cond.IfMatch)
		}
		if cond.IfNoneMatch != "" {
			input.CopySourceIfNoneMatch = aws.String(cond.IfNoneMatch)
		}
		input.CopySourceIfModifiedSince = cond.IfModifiedSince
		input.CopySourceIfUnmodifiedSince = cond.IfUnmodifiedSince
	}

	out, err := b.client.CopyObject(ctx, input)
	if err != nil {
		return nil, mapError(err)
	}

	info, err := b.HeadObject(ctx, dstKey, dstVersion)
	if err != nil {
		return nil, err
	}
	if out.CopyObjectResult != nil {
		info.ETag = derefString(out.CopyObjectResult.ETag)
	}
	return info, nil
}

// DeleteObject removes one version. Missing keys are not an error.
func (b *Backend) DeleteObject(ctx context.Context, key, version string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key, version)),
	})
	if err != nil && !blob.IsNotFound(mapError(err)) {
		return mapError(err)
	}
	return nil
}

// DeleteObjects batch-deletes up to 1000 full keys per call.
func (b *Backend) DeleteObjects(ctx context.Context, keys []string) error {
	const batchSize = 1000

	for start := 0; start < len(keys); start += batchSize {
		end := start + batchSize
		if end > len(keys) {
			end = len(keys)
		}

		objects := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(k)})
		}

		err := blob.WithRetry(ctx, b.retry, func() error {
			_, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(b.bucket),
				Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
			})
			return mapError(err)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// HeadObject fetches object metadata without the body.
func (b *Backend) HeadObject(ctx context.Context, key, version string) (*blob.ObjectInfo, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key, version)),
	})
	if err != nil {
		return nil, mapError(err)
	}

	return &blob.ObjectInfo{
		ContentLength: derefInt64(out.ContentLength),
		ContentType:   derefString(out.ContentType),
		ETag:          derefString(out.ETag),
		CacheControl:  derefString(out.CacheControl),
		LastModified:  derefTime(out.LastModified),
		Metadata:      out.Metadata,
		HTTPStatus:    http.StatusOK,
	}, nil
}

// PrivateAssetURL presigns a GET for direct asset access.
func (b *Backend) PrivateAssetURL(ctx context.Context, key, version string, expiresIn time.Duration) (string, error) {
	req, err := b.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key, version)),
	}, s3.WithPresignExpires(expiresIn))
	if err != nil {
		return "", mapError(err)
	}
	return req.URL, nil
}

// SetMetadataToCompleted flips the tus_completed marker via a self-copy.
// S3 cannot mutate metadata in place.
func (b *Backend) SetMetadataToCompleted(ctx context.Context, key, version string) (*blob.ObjectInfo, error) {
	head, err := b.HeadObject(ctx, key, version)
	if err != nil {
		return nil, err
	}

	metadata := make(map[string]string, len(head.Metadata)+1)
	for k, v := range head.Metadata {
		metadata[k] = v
	}
	metadata[blob.TusCompletedKey] = "true"

	return b.CopyObject(ctx, key, version, key, version, metadata, nil)
}
