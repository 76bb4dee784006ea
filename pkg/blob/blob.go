// Package blob defines the uniform object API the gateway uses to talk to
// its backing store. Two implementations exist: an S3-compatible backend
// (pkg/blob/s3) and a local filesystem backend (pkg/blob/file).
//
// Keys are tenant-scoped paths of the form "<tenant>/<bucket>/<object>" and
// every write carries an opaque version suffix, so the physical key is
// "<tenant>/<bucket>/<object>/<version>". Versions are never overwritten:
// callers allocate a fresh version per write and older versions linger until
// asynchronous cleanup removes them.
package blob

import (
	"context"
	"io"
	"time"
)

// TusCompletedKey is the backend metadata key that marks whether a resumable
// upload has been finalised. Uploads are created with the marker set to
// "false" and flipped by SetMetadataToCompleted.
const TusCompletedKey = "tus_completed"

// MaxPartNumber is the highest part number accepted for multipart uploads.
const MaxPartNumber = 10000

// ObjectInfo describes a stored object. It mirrors what the backend reports
// and is the source of truth for the metadata row's size/eTag fields.
type ObjectInfo struct {
	ContentLength int64
	ContentType   string
	ETag          string
	CacheControl  string
	LastModified  time.Time
	Metadata      map[string]string

	// HTTPStatus carries non-error statuses such as 304 Not Modified and
	// 206 Partial Content. Zero means 200.
	HTTPStatus int
}

// GetResult is an ObjectInfo plus the object body. Body is nil when the
// conditional request short-circuited with 304.
type GetResult struct {
	ObjectInfo
	ContentRange string
	Body         io.ReadCloser
}

// Range is a byte range request, inclusive bounds. End < 0 means "to the end".
type Range struct {
	Start int64
	End   int64
}

// Conditions are the HTTP conditional headers translated into backend terms.
type Conditions struct {
	IfMatch           string
	IfNoneMatch       string
	IfModifiedSince   *time.Time
	IfUnmodifiedSince *time.Time
}

// UploadedPart is one completed part of a multipart upload.
type UploadedPart struct {
	PartNumber int32
	ETag       string
	Size       int64
}

// UploadSummary describes one in-progress multipart upload.
type UploadSummary struct {
	Key       string
	UploadID  string
	CreatedAt time.Time
}

// Backend is the uniform capability set every blob backend implements.
//
// All blocking operations take a context and honour cancellation. Methods
// return *BackendError for backend failures so callers can apply the retry
// and not-found policies described in the package errors.
type Backend interface {
	GetObject(ctx context.Context, key, version string, rng *Range, cond *Conditions) (*GetResult, error)
	PutObject(ctx context.Context, key, version string, body io.Reader, contentType, cacheControl string) (*ObjectInfo, error)
	CopyObject(ctx context.Context, srcKey, srcVersion, dstKey, dstVersion string, metadata map[string]string, cond *Conditions) (*ObjectInfo, error)
	DeleteObject(ctx context.Context, key, version string) error
	DeleteObjects(ctx context.Context, keys []string) error
	HeadObject(ctx context.Context, key, version string) (*ObjectInfo, error)

	// PrivateAssetURL returns a short-lived URL that grants direct read
	// access to the stored asset, used by the image transform proxy.
	PrivateAssetURL(ctx context.Context, key, version string, expiresIn time.Duration) (string, error)

	CreateMultipartUpload(ctx context.Context, key, version, contentType, cacheControl string, metadata map[string]string) (string, error)
	UploadPart(ctx context.Context, key, version, uploadID string, partNumber int32, body io.Reader, length int64) (*UploadedPart, error)
	UploadPartCopy(ctx context.Context, srcKey, srcVersion, dstKey, dstVersion, uploadID string, partNumber int32, rng *Range) (*UploadedPart, error)
	CompleteMultipartUpload(ctx context.Context, key, version, uploadID string, parts []UploadedPart) (*ObjectInfo, error)
	AbortMultipartUpload(ctx context.Context, key, version, uploadID string) error
	ListParts(ctx context.Context, key, version, uploadID, partNumberMarker string, maxParts int32) ([]UploadedPart, string, error)
	ListMultipartUploads(ctx context.Context, prefix, keyMarker, uploadIDMarker string, maxUploads int32) ([]UploadSummary, error)

	// SetMetadataToCompleted flips the tus_completed marker to true on the
	// finalised object.
	SetMetadataToCompleted(ctx context.Context, key, version string) (*ObjectInfo, error)

	Close() error
}

// KeyWithVersion joins a tenant-scoped key with its version suffix.
func KeyWithVersion(key, version string) string {
	if version == "" {
		return key
	}
	return key + "/" + version
}
