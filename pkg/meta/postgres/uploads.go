package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/keelstore/keel/pkg/apperr"
	"github.com/keelstore/keel/pkg/meta"
)

func (s *Store) uploadColumns() string {
	cols := "id, bucket_id, key, version, upload_signature, in_progress_size, owner, created_at"
	if s.hasUserMetadata() {
		cols += ", user_metadata"
	}
	return cols
}

func (s *Store) CreateUpload(ctx context.Context, u *meta.Upload) error {
	q, err := s.q(ctx)
	if err != nil {
		return err
	}

	cols := "id, bucket_id, key, version, upload_signature, in_progress_size, owner"
	placeholders := "$1, $2, $3, $4, $5, $6, $7"
	args := []any{u.ID, u.BucketID, u.Key, u.Version, u.UploadSignature, u.InProgressSize, ownerValue(u.Owner)}

	if s.hasUserMetadata() {
		userJSON, err := userMetadataJSON(u.UserMetadata)
		if err != nil {
			return fmt.Errorf("failed to encode user metadata: %w", err)
		}
		cols += ", user_metadata"
		placeholders += ", $8"
		args = append(args, userJSON)
	}

	row := q.QueryRow(ctx,
		`INSERT INTO s3_multipart_uploads (`+cols+`) VALUES (`+placeholders+`) RETURNING created_at`,
		args...,
	)
	if err := row.Scan(&u.CreatedAt); err != nil {
		mapped := mapError(err, "create upload")
		if apperr.IsCode(mapped, "RelatedResourceNotFound") {
			return apperr.NoSuchBucket(u.BucketID)
		}
		return mapped
	}
	return nil
}

func (s *Store) FindUpload(ctx context.Context, id string) (*meta.Upload, error) {
	q, err := s.q(ctx)
	if err != nil {
		return nil, err
	}

	var u meta.Upload
	var owner *string
	var userJSON []byte

	dest := []any{&u.ID, &u.BucketID, &u.Key, &u.Version, &u.UploadSignature, &u.InProgressSize, &owner, &u.CreatedAt}
	if s.hasUserMetadata() {
		dest = append(dest, &userJSON)
	}

	row := q.QueryRow(ctx, `SELECT `+s.uploadColumns()+` FROM s3_multipart_uploads WHERE id = $1`, id)
	if err := row.Scan(dest...); err != nil {
		return nil, notFoundAs(mapError(err, "find upload"), apperr.NoSuchUpload(id))
	}

	if owner != nil {
		u.Owner = *owner
	}
	if len(userJSON) > 0 {
		if err := json.Unmarshal(userJSON, &u.UserMetadata); err != nil {
			return nil, fmt.Errorf("failed to decode user metadata: %w", err)
		}
	}
	return &u, nil
}

// RecordPartProgress grows in_progress_size and rotates the signature in one
// statement, returning the signature it replaced.
func (s *Store) RecordPartProgress(ctx context.Context, id string, delta int64, newSignature string) (string, error) {
	q, err := s.q(ctx)
	if err != nil {
		return "", err
	}

	var prev string
	row := q.QueryRow(ctx, `
		UPDATE s3_multipart_uploads new
		SET in_progress_size = new.in_progress_size + $2,
		    upload_signature = $3
		FROM (SELECT id, upload_signature FROM s3_multipart_uploads WHERE id = $1 FOR UPDATE) old
		WHERE new.id = old.id
		RETURNING old.upload_signature`,
		id, delta, newSignature,
	)
	if err := row.Scan(&prev); err != nil {
		return "", notFoundAs(mapError(err, "record part progress"), apperr.NoSuchUpload(id))
	}
	return prev, nil
}

func (s *Store) DeleteUpload(ctx context.Context, id string) error {
	q, err := s.q(ctx)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, `DELETE FROM s3_multipart_uploads WHERE id = $1`, id)
	if err != nil {
		return mapError(err, "delete upload")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NoSuchUpload(id)
	}
	return nil
}

func (s *Store) InsertPart(ctx context.Context, p *meta.Part) error {
	q, err := s.q(ctx)
	if err != nil {
		return err
	}

	// Re-uploading a part number replaces the previous part, as in S3.
	row := q.QueryRow(ctx, `
		INSERT INTO s3_multipart_uploads_parts (upload_id, part_number, etag, size)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (upload_id, part_number) DO UPDATE SET etag = EXCLUDED.etag, size = EXCLUDED.size, created_at = now()
		RETURNING created_at`,
		p.UploadID, p.PartNumber, p.ETag, p.Size,
	)
	if err := row.Scan(&p.CreatedAt); err != nil {
		mapped := mapError(err, "insert part")
		if apperr.IsCode(mapped, "RelatedResourceNotFound") {
			return apperr.NoSuchUpload(p.UploadID)
		}
		return mapped
	}
	return nil
}

func (s *Store) ListUploadParts(ctx context.Context, uploadID string) ([]meta.Part, error) {
	q, err := s.q(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT upload_id, part_number, etag, size, created_at
		FROM s3_multipart_uploads_parts
		WHERE upload_id = $1
		ORDER BY part_number`,
		uploadID,
	)
	if err != nil {
		return nil, mapError(err, "list upload parts")
	}
	defer rows.Close()

	var parts []meta.Part
	for rows.Next() {
		var p meta.Part
		if err := rows.Scan(&p.UploadID, &p.PartNumber, &p.ETag, &p.Size, &p.CreatedAt); err != nil {
			return nil, mapError(err, "list upload parts")
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

func (s *Store) ListUploads(ctx context.Context, bucketID, keyPrefix string, limit int) ([]meta.Upload, error) {
	q, err := s.q(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}

	rows, err := q.Query(ctx, `
		SELECT `+s.uploadColumns()+`
		FROM s3_multipart_uploads
		WHERE bucket_id = $1 AND key LIKE $2 || '%'
		ORDER BY key COLLATE "C", created_at
		LIMIT $3`,
		bucketID, escapeLike(keyPrefix), limit,
	)
	if err != nil {
		return nil, mapError(err, "list uploads")
	}
	defer rows.Close()

	var uploads []meta.Upload
	for rows.Next() {
		var u meta.Upload
		var owner *string
		var userJSON []byte
		dest := []any{&u.ID, &u.BucketID, &u.Key, &u.Version, &u.UploadSignature, &u.InProgressSize, &owner, &u.CreatedAt}
		if s.hasUserMetadata() {
			dest = append(dest, &userJSON)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, mapError(err, "list uploads")
		}
		if owner != nil {
			u.Owner = *owner
		}
		if len(userJSON) > 0 {
			if err := json.Unmarshal(userJSON, &u.UserMetadata); err != nil {
				return nil, fmt.Errorf("failed to decode user metadata: %w", err)
			}
		}
		uploads = append(uploads, u)
	}
	return uploads, rows.Err()
}
