package s3

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keelstore/keel/pkg/blob"
)

// CreateMultipartUpload starts a multipart upload and returns its id. The
// upload is created with tus_completed=false so abandoned uploads can be
// recognised during cleanup.
func (b *Backend) CreateMultipartUpload(ctx context.Context, key, version, contentType, cacheControl string, metadata map[string]string) (string, error) {
	merged := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		merged[k] = v
	}
	merged[blob.TusCompletedKey] = "false"

	input := &s3.CreateMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(b.objectKey(key, version)),
		Metadata: merged,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if cacheControl != "" {
		input.CacheControl = aws.String(cacheControl)
	}

	out, err := b.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", mapError(err)
	}
	return derefString(out.UploadId), nil
}

// UploadPart uploads one part. Parts may be uploaded in parallel; they are
// disambiguated by part number, not serialised.
func (b *Backend) UploadPart(ctx context.Context, key, version, uploadID string, partNumber int32, body io.Reader, length int64) (*blob.UploadedPart, error) {
	if partNumber < 1 || partNumber > blob.MaxPartNumber {
		return nil, fmt.Errorf("part number %d out of range [1, %d]", partNumber, blob.MaxPartNumber)
	}

	out, err := b.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.objectKey(key, version)),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(partNumber),
		Body:          body,
		ContentLength: aws.Int64(length),
	})
	if err != nil {
		return nil, mapError(err)
	}

	return &blob.UploadedPart{
		PartNumber: partNumber,
		ETag:       derefString(out.ETag),
		Size:       length,
	}, nil
}

// UploadPartCopy copies a byte range of an existing object into a part.
func (b *Backend) UploadPartCopy(ctx context.Context, srcKey, srcVersion, dstKey, dstVersion, uploadID string, partNumber int32, rng *blob.Range) (*blob.UploadedPart, error) {
	input := &s3.UploadPartCopyInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(b.objectKey(dstKey, dstVersion)),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
		CopySource: aws.String(b.bucket + "/" + b.objectKey(srcKey, srcVersion)),
	}
	var size int64
	if rng != nil {
		input.CopySourceRange = aws.String(fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End))
		size = rng.End - rng.Start + 1
	}

	out, err := b.client.UploadPartCopy(ctx, input)
	if err != nil {
		return nil, mapError(err)
	}

	part := &blob.UploadedPart{PartNumber: partNumber, Size: size}
	if out.CopyPartResult != nil {
		part.ETag = derefString(out.CopyPartResult.ETag)
	}
	return part, nil
}

// CompleteMultipartUpload concatenates the parts in ascending part-number
// order into the final object.
func (b *Backend) CompleteMultipartUpload(ctx context.Context, key, version, uploadID string, parts []blob.UploadedPart) (*blob.ObjectInfo, error) {
	sorted := make([]blob.UploadedPart, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	completed := make([]types.CompletedPart, 0, len(sorted))
	for _, p := range sorted {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.PartNumber),
		})
	}

	out, err := b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(b.bucket),
		Key:             aws.String(b.objectKey(key, version)),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return nil, mapError(err)
	}

	info, err := b.HeadObject(ctx, key, version)
	if err != nil {
		return nil, err
	}
	info.ETag = derefString(out.ETag)
	return info, nil
}

// AbortMultipartUpload discards an in-progress upload and its parts.
func (b *Backend) AbortMultipartUpload(ctx context.Context, key, version, uploadID string) error {
	_, err := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(b.objectKey(key, version)),
		UploadId: aws.String(uploadID),
	})
	if err != nil && !blob.IsNotFound(mapError(err)) {
		return mapError(err)
	}
	return nil
}

// ListParts returns uploaded parts after partNumberMarker, up to maxParts.
// The second return value is the next marker, empty when the listing is
// complete.
func (b *Backend) ListParts(ctx context.Context, key, version, uploadID, partNumberMarker string, maxParts int32) ([]blob.UploadedPart, string, error) {
	input := &s3.ListPartsInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(b.objectKey(key, version)),
		UploadId: aws.String(uploadID),
	}
	if partNumberMarker != "" {
		input.PartNumberMarker = aws.String(partNumberMarker)
	}
	if maxParts > 0 {
		input.MaxParts = aws.Int32(maxParts)
	}

	out, err := b.client.ListParts(ctx, input)
	if err != nil {
		return nil, "", mapError(err)
	}

	parts := make([]blob.UploadedPart, 0, len(out.Parts))
	for _, p := range out.Parts {
		var num int32
		if p.PartNumber != nil {
			num = *p.PartNumber
		}
		parts = append(parts, blob.UploadedPart{
			PartNumber: num,
			ETag:       derefString(p.ETag),
			Size:       derefInt64(p.Size),
		})
	}

	next := ""
	if out.IsTruncated != nil && *out.IsTruncated {
		next = derefString(out.NextPartNumberMarker)
	}
	return parts, next, nil
}

// ListMultipartUploads lists in-progress uploads under a key prefix.
func (b *Backend) ListMultipartUploads(ctx context.Context, prefix, keyMarker, uploadIDMarker string, maxUploads int32) ([]blob.UploadSummary, error) {
	input := &s3.ListMultipartUploadsInput{
		Bucket: aws.String(b.bucket),
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}
	if keyMarker != "" {
		input.KeyMarker = aws.String(keyMarker)
	}
	if uploadIDMarker != "" {
		input.UploadIdMarker = aws.String(uploadIDMarker)
	}
	if maxUploads > 0 {
		input.MaxUploads = aws.Int32(maxUploads)
	}

	out, err := b.client.ListMultipartUploads(ctx, input)
	if err != nil {
		return nil, mapError(err)
	}

	uploads := make([]blob.UploadSummary, 0, len(out.Uploads))
	for _, u := range out.Uploads {
		uploads = append(uploads, blob.UploadSummary{
			Key:       derefString(u.Key),
			UploadID:  derefString(u.UploadId),
			CreatedAt: derefTime(u.Initiated),
		})
	}
	return uploads, nil
}
