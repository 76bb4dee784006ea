package storage

import (
	"context"
	"io"
	"mime"
	"strings"

	"github.com/keelstore/keel/pkg/apperr"
	"github.com/keelstore/keel/pkg/meta"
)

// SizeLimitFor resolves the effective upload cap for a bucket, for callers
// that validate declared lengths before streaming (TUS).
func (s *Service) SizeLimitFor(ctx context.Context, bucketID string) (int64, error) {
	bucket, err := s.store.FindBucket(ctx, bucketID, meta.LockNone)
	if err != nil {
		return 0, err
	}
	return s.sizeLimit(bucket), nil
}

// sizeLimit resolves the effective upload limit: the smallest of the bucket,
// tenant and global limits that is set. Zero means unlimited.
func (s *Service) sizeLimit(bucket *meta.Bucket) int64 {
	limit := s.globalLimit
	pick := func(v int64) {
		if v > 0 && (limit == 0 || v < limit) {
			limit = v
		}
	}
	pick(s.tenantLimit)
	if bucket.FileSizeLimit != nil {
		pick(*bucket.FileSizeLimit)
	}
	return limit
}

// validateMime checks the content type against the bucket allow-list.
// Entries may be exact ("image/png") or a wildcard subtype ("image/*").
func validateMime(contentType string, allowed []string) error {
	if len(allowed) == 0 {
		return nil
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return apperr.InvalidMimeType(contentType)
	}

	for _, a := range allowed {
		if a == "*/*" || strings.EqualFold(a, mediaType) {
			return nil
		}
		if prefix, ok := strings.CutSuffix(a, "/*"); ok &&
			strings.HasPrefix(strings.ToLower(mediaType), strings.ToLower(prefix)+"/") {
			return nil
		}
	}
	return apperr.InvalidMimeType(contentType)
}

// limitedBody bounds a streaming body. Once more than limit bytes have been
// read it returns PayloadTooLarge from Read, which makes the backend abort
// the in-flight write.
type limitedBody struct {
	r     io.Reader
	limit int64
	read  int64
}

func newLimitedBody(r io.Reader, limit int64) *limitedBody {
	return &limitedBody{r: r, limit: limit}
}

func (l *limitedBody) Read(p []byte) (int, error) {
	if l.limit > 0 && l.read > l.limit {
		return 0, apperr.PayloadTooLarge(l.limit)
	}

	n, err := l.r.Read(p)
	l.read += int64(n)
	if l.limit > 0 && l.read > l.limit {
		return n, apperr.PayloadTooLarge(l.limit)
	}
	return n, err
}

// BytesRead reports how much has been consumed so far.
func (l *limitedBody) BytesRead() int64 {
	return l.read
}
