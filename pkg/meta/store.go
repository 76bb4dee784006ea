package meta

import (
	"context"
	"hash/crc32"
	"time"
)

// Store is the metadata plane contract. Postgres is the production
// implementation; the memory implementation backs tests and single-node
// development.
//
// Advisory lock methods are only meaningful inside WithTx: locks are
// transaction-scoped and auto-release on commit or rollback.
type Store interface {
	// Buckets.
	CreateBucket(ctx context.Context, b *Bucket) error
	FindBucket(ctx context.Context, id string, lock LockMode) (*Bucket, error)
	UpdateBucket(ctx context.Context, id string, upd BucketUpdate) error
	DeleteBucket(ctx context.Context, id string) error
	ListBuckets(ctx context.Context, opts ListBucketsOptions) ([]Bucket, error)

	// CountObjectsInBucket short-circuits at limit: it reports at most
	// limit, enough for the non-empty check before bucket deletion.
	CountObjectsInBucket(ctx context.Context, bucketID string, limit int) (int, error)

	// Objects.
	CreateObject(ctx context.Context, o *Object) error
	UpsertObject(ctx context.Context, o *Object) error
	FindObject(ctx context.Context, bucketID, name string, opts FindObjectOptions) (*Object, error)
	DeleteObject(ctx context.Context, bucketID, name string) error
	DeleteObjects(ctx context.Context, bucketID string, names []string) ([]Object, error)
	UpdateObjectMetadata(ctx context.Context, bucketID, name string, metadata *ObjectMetadata) error
	TouchLastAccessed(ctx context.Context, bucketID, name string) error
	ListObjectsV2(ctx context.Context, bucketID string, opts ListObjectsV2Options) (*ListObjectsV2Result, error)
	SearchObjects(ctx context.Context, bucketID string, opts SearchOptions) ([]Object, error)

	// Multipart uploads.
	CreateUpload(ctx context.Context, u *Upload) error
	FindUpload(ctx context.Context, id string) (*Upload, error)

	// RecordPartProgress atomically grows in_progress_size and rotates the
	// upload signature. The previous signature is returned so concurrent
	// writers can be detected at completion time.
	RecordPartProgress(ctx context.Context, id string, delta int64, newSignature string) (prevSignature string, err error)
	DeleteUpload(ctx context.Context, id string) error
	InsertPart(ctx context.Context, p *Part) error
	ListUploadParts(ctx context.Context, uploadID string) ([]Part, error)
	ListUploads(ctx context.Context, bucketID, keyPrefix string, limit int) ([]Upload, error)

	// Advisory locks, keyed by hash of "<bucket>/<object>[/<version>]".
	MustLockObject(ctx context.Context, bucketID, name, version string) error
	WaitObjectLock(ctx context.Context, bucketID, name, version string, timeout time.Duration) error

	// WithTx runs fn inside a transaction; the Store passed to fn shares
	// the transaction. Nested calls reuse the outer transaction.
	WithTx(ctx context.Context, fn func(Store) error) error

	// AsSuperUser returns a sibling handle scoped to the privileged role.
	// Inside WithTx the sibling reuses the same transaction.
	AsSuperUser() Store
}

// LockKey computes the 32-bit advisory lock key for an object identity.
// The version segment is included only when non-empty, matching the blob
// key layout.
func LockKey(bucketID, name, version string) int64 {
	s := bucketID + "/" + name
	if version != "" {
		s += "/" + version
	}
	// int32 cast keeps the key within the advisory-lock keyspace shared
	// with other nodes.
	return int64(int32(crc32.ChecksumIEEE([]byte(s))))
}
