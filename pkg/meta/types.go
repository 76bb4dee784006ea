// Package meta defines the relational metadata plane: buckets, objects,
// multipart uploads and their parts, plus the store interface the storage
// coordinator drives. Implementations live in meta/postgres (production) and
// meta/memory (tests, single-node development).
package meta

import (
	"time"
)

// BucketType distinguishes general-purpose buckets from analytics buckets.
type BucketType string

const (
	BucketTypeStandard  BucketType = "STANDARD"
	BucketTypeAnalytics BucketType = "ANALYTICS"
)

// Bucket is the bucket metadata row. Id doubles as the bucket name for
// API-created buckets; it is unique per tenant.
type Bucket struct {
	ID               string
	Name             string
	Owner            string
	Public           bool
	FileSizeLimit    *int64
	AllowedMimeTypes []string
	Type             BucketType
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ObjectMetadata mirrors the blob-side truth for one committed version.
type ObjectMetadata struct {
	Size           int64     `json:"size"`
	Mimetype       string    `json:"mimetype"`
	ETag           string    `json:"eTag"`
	CacheControl   string    `json:"cacheControl"`
	LastModified   time.Time `json:"lastModified"`
	ContentLength  int64     `json:"contentLength"`
	HTTPStatusCode int       `json:"httpStatusCode"`
}

// Object is the object metadata row. Logical identity is (BucketID, Name);
// Version is a fresh opaque token per write and selects the blob suffix.
type Object struct {
	ID             string
	BucketID       string
	Name           string
	Owner          string
	Version        string
	Metadata       *ObjectMetadata
	UserMetadata   map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastAccessedAt time.Time
}

// Upload is one in-progress S3 multipart upload.
type Upload struct {
	ID              string
	BucketID        string
	Key             string
	Version         string
	UploadSignature string
	InProgressSize  int64
	Owner           string
	UserMetadata    map[string]string
	CreatedAt       time.Time
}

// Part is one uploaded part of a multipart upload.
type Part struct {
	UploadID   string
	PartNumber int32
	ETag       string
	Size       int64
	CreatedAt  time.Time
}

// LockMode selects a row-lock modifier on find operations.
type LockMode int

const (
	LockNone LockMode = iota
	LockForUpdate
	LockForShare
	LockForKeyShare
	LockForUpdateNoWait
)

// FindObjectOptions controls column projection and row locking.
type FindObjectOptions struct {
	// Columns projects a subset of columns; empty means all.
	Columns []string
	Lock    LockMode
}

// SortColumn selects the timestamp column for sorted listings.
type SortColumn string

const (
	SortByName      SortColumn = ""
	SortByCreatedAt SortColumn = "created_at"
	SortByUpdatedAt SortColumn = "updated_at"
)

// SortOrder is asc or desc.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// ListObjectsV2Options mirrors S3 ListObjectsV2 semantics.
type ListObjectsV2Options struct {
	Prefix     string
	Delimiter  string
	MaxKeys    int
	StartAfter string

	// ContinuationToken is the last returned name (or an encoded
	// (timestamp, name) tuple when SortBy is set).
	ContinuationToken string

	SortBy    SortColumn
	SortOrder SortOrder
}

// ListObjectsV2Result partitions matches into objects and common prefixes.
type ListObjectsV2Result struct {
	Objects        []Object
	CommonPrefixes []string
	IsTruncated    bool
	NextToken      string
}

// SearchOptions is the v1 prefix search.
type SearchOptions struct {
	Prefix    string
	Limit     int
	Offset    int
	SortBy    string
	SortOrder string
	Search    string
}

// BucketUpdate carries the mutable bucket fields. Nil pointers leave the
// column untouched.
type BucketUpdate struct {
	Public           *bool
	FileSizeLimit    *int64
	AllowedMimeTypes *[]string
}

// ListBucketsOptions pages bucket listings.
type ListBucketsOptions struct {
	Limit  int
	Offset int
}

// DeleteObjectsResult reports per-item outcomes for batch deletes.
type DeleteObjectsResult struct {
	Deleted []string
	Errors  map[string]error
}
