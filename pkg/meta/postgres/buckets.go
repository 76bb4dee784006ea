package postgres

import (
	"context"

	"github.com/keelstore/keel/pkg/apperr"
	"github.com/keelstore/keel/pkg/meta"
)

const bucketColumns = "id, name, owner, public, file_size_limit, allowed_mime_types, type, created_at, updated_at"

func (s *Store) CreateBucket(ctx context.Context, b *meta.Bucket) error {
	q, err := s.q(ctx)
	if err != nil {
		return err
	}

	bucketType := b.Type
	if bucketType == "" {
		bucketType = meta.BucketTypeStandard
	}

	row := q.QueryRow(ctx, `
		INSERT INTO buckets (id, name, owner, public, file_size_limit, allowed_mime_types, type)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		b.ID, b.Name, ownerValue(b.Owner), b.Public, b.FileSizeLimit, b.AllowedMimeTypes, string(bucketType),
	)
	if err := row.Scan(&b.CreatedAt, &b.UpdatedAt); err != nil {
		mapped := mapError(err, "create bucket")
		if apperr.IsCode(mapped, "ResourceAlreadyExists") {
			return apperr.BucketAlreadyExists(b.ID)
		}
		return mapped
	}
	b.Type = bucketType
	return nil
}

func (s *Store) FindBucket(ctx context.Context, id string, lock meta.LockMode) (*meta.Bucket, error) {
	q, err := s.q(ctx)
	if err != nil {
		return nil, err
	}

	var b meta.Bucket
	var owner *string
	var limit *int64
	var mimeTypes []string
	var bucketType string

	row := q.QueryRow(ctx, `
		SELECT `+bucketColumns+`
		FROM buckets WHERE id = $1`+lockClause(int(lock)),
		id,
	)
	if err := row.Scan(&b.ID, &b.Name, &owner, &b.Public, &limit, &mimeTypes, &bucketType, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, notFoundAs(mapError(err, "find bucket"), apperr.NoSuchBucket(id))
	}

	if owner != nil {
		b.Owner = *owner
	}
	b.FileSizeLimit = limit
	b.AllowedMimeTypes = mimeTypes
	b.Type = meta.BucketType(bucketType)
	return &b, nil
}

func (s *Store) UpdateBucket(ctx context.Context, id string, upd meta.BucketUpdate) error {
	q, err := s.q(ctx)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, `
		UPDATE buckets SET
			public = COALESCE($2, public),
			file_size_limit = COALESCE($3, file_size_limit),
			allowed_mime_types = COALESCE($4, allowed_mime_types),
			updated_at = now()
		WHERE id = $1`,
		id, upd.Public, upd.FileSizeLimit, mimeTypesValue(upd.AllowedMimeTypes),
	)
	if err != nil {
		return mapError(err, "update bucket")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NoSuchBucket(id)
	}
	return nil
}

func (s *Store) DeleteBucket(ctx context.Context, id string) error {
	q, err := s.q(ctx)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, `DELETE FROM buckets WHERE id = $1`, id)
	if err != nil {
		return mapError(err, "delete bucket")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NoSuchBucket(id)
	}
	return nil
}

func (s *Store) ListBuckets(ctx context.Context, opts meta.ListBucketsOptions) ([]meta.Bucket, error) {
	q, err := s.q(ctx)
	if err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := q.Query(ctx, `
		SELECT `+bucketColumns+`
		FROM buckets
		ORDER BY id COLLATE "C"
		LIMIT $1 OFFSET $2`,
		limit, opts.Offset,
	)
	if err != nil {
		return nil, mapError(err, "list buckets")
	}
	defer rows.Close()

	var out []meta.Bucket
	for rows.Next() {
		var b meta.Bucket
		var owner *string
		var sizeLimit *int64
		var mimeTypes []string
		var bucketType string
		if err := rows.Scan(&b.ID, &b.Name, &owner, &b.Public, &sizeLimit, &mimeTypes, &bucketType, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, mapError(err, "list buckets")
		}
		if owner != nil {
			b.Owner = *owner
		}
		b.FileSizeLimit = sizeLimit
		b.AllowedMimeTypes = mimeTypes
		b.Type = meta.BucketType(bucketType)
		out = append(out, b)
	}
	return out, rows.Err()
}

// CountObjectsInBucket counts up to limit objects via a bounded subquery, so
// the non-empty check before deletion stays cheap on large buckets.
func (s *Store) CountObjectsInBucket(ctx context.Context, bucketID string, limit int) (int, error) {
	q, err := s.q(ctx)
	if err != nil {
		return 0, err
	}
	if limit <= 0 {
		limit = 1
	}

	var count int
	row := q.QueryRow(ctx, `
		SELECT count(*) FROM (
			SELECT 1 FROM objects WHERE bucket_id = $1 LIMIT $2
		) sub`,
		bucketID, limit,
	)
	if err := row.Scan(&count); err != nil {
		return 0, mapError(err, "count objects")
	}
	return count, nil
}

func mimeTypesValue(v *[]string) any {
	if v == nil {
		return nil
	}
	return *v
}
