package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keelstore/keel/pkg/apperr"
	"github.com/keelstore/keel/pkg/meta"
)

// ownerValue normalises the owner for storage: empty becomes NULL, and
// values that are not UUID-shaped are elided rather than rejected, since
// older write paths mixed arbitrary owner ids with UUIDs.
func ownerValue(owner string) any {
	if owner == "" {
		return nil
	}
	if _, err := uuid.Parse(owner); err != nil {
		return nil
	}
	return owner
}

func metadataJSON(m *meta.ObjectMetadata) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func userMetadataJSON(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func (s *Store) CreateObject(ctx context.Context, o *meta.Object) error {
	return s.insertObject(ctx, o, false)
}

func (s *Store) UpsertObject(ctx context.Context, o *meta.Object) error {
	return s.insertObject(ctx, o, true)
}

func (s *Store) insertObject(ctx context.Context, o *meta.Object, upsert bool) error {
	q, err := s.q(ctx)
	if err != nil {
		return err
	}

	metaJSON, err := metadataJSON(o.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	cols := "bucket_id, name, owner, version, metadata"
	placeholders := "$1, $2, $3, $4, $5"
	args := []any{o.BucketID, o.Name, ownerValue(o.Owner), o.Version, metaJSON}

	if s.hasUserMetadata() {
		userJSON, err := userMetadataJSON(o.UserMetadata)
		if err != nil {
			return fmt.Errorf("failed to encode user metadata: %w", err)
		}
		cols += ", user_metadata"
		placeholders += ", $6"
		args = append(args, userJSON)
	}

	query := `INSERT INTO objects (` + cols + `) VALUES (` + placeholders + `)`
	if upsert {
		set := `version = EXCLUDED.version, owner = EXCLUDED.owner, metadata = EXCLUDED.metadata, updated_at = now()`
		if s.hasUserMetadata() {
			set += `, user_metadata = EXCLUDED.user_metadata`
		}
		query += ` ON CONFLICT (bucket_id, name) DO UPDATE SET ` + set
	}
	query += ` RETURNING id, created_at, updated_at`

	row := q.QueryRow(ctx, query, args...)
	if err := row.Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt); err != nil {
		mapped := mapError(err, "insert object")
		if apperr.IsCode(mapped, "ResourceAlreadyExists") {
			return apperr.KeyAlreadyExists(o.BucketID + "/" + o.Name)
		}
		if apperr.IsCode(mapped, "RelatedResourceNotFound") {
			return apperr.NoSuchBucket(o.BucketID)
		}
		return mapped
	}
	return nil
}

func (s *Store) FindObject(ctx context.Context, bucketID, name string, opts meta.FindObjectOptions) (*meta.Object, error) {
	q, err := s.q(ctx)
	if err != nil {
		return nil, err
	}

	cols := s.objectProjection(opts.Columns)
	query := `SELECT ` + strings.Join(cols, ", ") + ` FROM objects WHERE bucket_id = $1 AND name = $2` + lockClause(int(opts.Lock))
	row := q.QueryRow(ctx, query, bucketID, name)

	o, err := s.scanObjectProjection(row, cols)
	if err != nil {
		return nil, notFoundAs(mapError(err, "find object"), apperr.NoSuchKey(bucketID+"/"+name))
	}
	return o, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanObject(row rowScanner) (*meta.Object, error) {
	return s.scanObjectProjection(row, s.objectProjection(nil))
}

// scanObjectProjection scans a row selected with the given column list,
// leaving unselected fields zero.
func (s *Store) scanObjectProjection(row rowScanner, cols []string) (*meta.Object, error) {
	var o meta.Object
	var owner *string
	var metaJSON, userJSON []byte
	var lastAccessed *time.Time

	dest := make([]any, 0, len(cols))
	for _, c := range cols {
		switch c {
		case "id":
			dest = append(dest, &o.ID)
		case "bucket_id":
			dest = append(dest, &o.BucketID)
		case "name":
			dest = append(dest, &o.Name)
		case "owner":
			dest = append(dest, &owner)
		case "version":
			dest = append(dest, &o.Version)
		case "metadata":
			dest = append(dest, &metaJSON)
		case "created_at":
			dest = append(dest, &o.CreatedAt)
		case "updated_at":
			dest = append(dest, &o.UpdatedAt)
		case "last_accessed_at":
			dest = append(dest, &lastAccessed)
		case "user_metadata":
			dest = append(dest, &userJSON)
		}
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	if owner != nil {
		o.Owner = *owner
	}
	if lastAccessed != nil {
		o.LastAccessedAt = *lastAccessed
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &o.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	if len(userJSON) > 0 {
		if err := json.Unmarshal(userJSON, &o.UserMetadata); err != nil {
			return nil, fmt.Errorf("failed to decode user metadata: %w", err)
		}
	}
	return &o, nil
}

func (s *Store) DeleteObject(ctx context.Context, bucketID, name string) error {
	q, err := s.q(ctx)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, `DELETE FROM objects WHERE bucket_id = $1 AND name = $2`, bucketID, name)
	if err != nil {
		return mapError(err, "delete object")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NoSuchKey(bucketID + "/" + name)
	}
	return nil
}

func (s *Store) DeleteObjects(ctx context.Context, bucketID string, names []string) ([]meta.Object, error) {
	q, err := s.q(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		DELETE FROM objects
		WHERE bucket_id = $1 AND name = ANY($2)
		RETURNING `+s.objectColumns(nil),
		bucketID, names,
	)
	if err != nil {
		return nil, mapError(err, "delete objects")
	}
	defer rows.Close()

	var deleted []meta.Object
	for rows.Next() {
		o, err := s.scanObject(rows)
		if err != nil {
			return nil, mapError(err, "delete objects")
		}
		deleted = append(deleted, *o)
	}
	return deleted, rows.Err()
}

func (s *Store) UpdateObjectMetadata(ctx context.Context, bucketID, name string, metadata *meta.ObjectMetadata) error {
	q, err := s.q(ctx)
	if err != nil {
		return err
	}

	metaJSON, err := metadataJSON(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	tag, err := q.Exec(ctx, `
		UPDATE objects SET metadata = $3, updated_at = now()
		WHERE bucket_id = $1 AND name = $2`,
		bucketID, name, metaJSON,
	)
	if err != nil {
		return mapError(err, "update object metadata")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NoSuchKey(bucketID + "/" + name)
	}
	return nil
}

func (s *Store) TouchLastAccessed(ctx context.Context, bucketID, name string) error {
	q, err := s.q(ctx)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `
		UPDATE objects SET last_accessed_at = now()
		WHERE bucket_id = $1 AND name = $2`,
		bucketID, name,
	)
	return mapError(err, "touch object")
}

// ListObjectsV2 pages name-ordered candidates out of the database and folds
// them through the shared delimiter collapse. Ordering uses COLLATE "C" for
// byte-wise determinism; timestamp sorts use a (timestamp, name) tuple token
// with name as tie-break.
func (s *Store) ListObjectsV2(ctx context.Context, bucketID string, opts meta.ListObjectsV2Options) (*meta.ListObjectsV2Result, error) {
	if opts.SortBy != meta.SortByName {
		return s.listObjectsSorted(ctx, bucketID, opts)
	}

	q, err := s.q(ctx)
	if err != nil {
		return nil, err
	}

	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	token := opts.ContinuationToken
	if token == "" {
		token = opts.StartAfter
	}

	state := meta.NewCollapse(opts)
	// Fetch in batches a bit larger than the page so collapsed groups do
	// not force extra round trips for small listings.
	batch := maxKeys + 1
	if batch < 100 {
		batch = 100
	}

	cursor := token
	for {
		rows, err := q.Query(ctx, `
			SELECT `+s.objectColumns(nil)+`
			FROM objects
			WHERE bucket_id = $1
			  AND name COLLATE "C" > $2
			  AND name LIKE $3 || '%'
			ORDER BY name COLLATE "C"
			LIMIT $4`,
			bucketID, cursor, escapeLike(opts.Prefix), batch,
		)
		if err != nil {
			return nil, mapError(err, "list objects")
		}

		fetched := 0
		stop := false
		for rows.Next() {
			o, err := s.scanObject(rows)
			if err != nil {
				rows.Close()
				return nil, mapError(err, "list objects")
			}
			fetched++
			cursor = o.Name
			if !state.Add(*o) {
				stop = true
				break
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, mapError(err, "list objects")
		}
		if stop || fetched < batch {
			break
		}
	}
	return state.Done(), nil
}

// listObjectsSorted lists by (timestamp, name) with tuple continuation
// tokens. Delimiter collapse is not supported in sorted mode.
func (s *Store) listObjectsSorted(ctx context.Context, bucketID string, opts meta.ListObjectsV2Options) (*meta.ListObjectsV2Result, error) {
	q, err := s.q(ctx)
	if err != nil {
		return nil, err
	}

	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	col := "created_at"
	if opts.SortBy == meta.SortByUpdatedAt {
		col = "updated_at"
	}
	op, dir := ">", "ASC"
	if opts.SortOrder == meta.SortDesc {
		op, dir = "<", "DESC"
	}

	where := `bucket_id = $1 AND name LIKE $2 || '%'`
	args := []any{bucketID, escapeLike(opts.Prefix)}

	if opts.ContinuationToken != "" {
		ts, name, err := meta.DecodeSortToken(opts.ContinuationToken)
		if err != nil {
			return nil, apperr.InvalidParameter("invalid continuation token")
		}
		where += fmt.Sprintf(` AND (%s, name COLLATE "C") %s ($3, $4)`, col, op)
		args = append(args, ts, name)
	}

	rows, err := q.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM objects
		WHERE %s
		ORDER BY %s %s, name COLLATE "C" %s
		LIMIT %d`,
		s.objectColumns(nil), where, col, dir, dir, maxKeys+1,
	), args...)
	if err != nil {
		return nil, mapError(err, "list objects sorted")
	}
	defer rows.Close()

	var objects []meta.Object
	for rows.Next() {
		o, err := s.scanObject(rows)
		if err != nil {
			return nil, mapError(err, "list objects sorted")
		}
		objects = append(objects, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "list objects sorted")
	}

	result := &meta.ListObjectsV2Result{}
	if len(objects) > maxKeys {
		objects = objects[:maxKeys]
		last := objects[len(objects)-1]
		ts := last.CreatedAt
		if opts.SortBy == meta.SortByUpdatedAt {
			ts = last.UpdatedAt
		}
		result.IsTruncated = true
		result.NextToken = meta.EncodeSortToken(ts, last.Name)
	}
	result.Objects = objects
	return result, nil
}

// SearchObjects is the v1 prefix search used by the native list endpoint.
func (s *Store) SearchObjects(ctx context.Context, bucketID string, opts meta.SearchOptions) ([]meta.Object, error) {
	q, err := s.q(ctx)
	if err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	sortCol := "name"
	switch opts.SortBy {
	case "created_at", "updated_at", "last_accessed_at":
		sortCol = opts.SortBy
	}
	dir := "ASC"
	if strings.EqualFold(opts.SortOrder, "desc") {
		dir = "DESC"
	}

	rows, err := q.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM objects
		WHERE bucket_id = $1
		  AND name LIKE $2 || '%%'
		  AND ($3 = '' OR name LIKE '%%' || $3 || '%%')
		ORDER BY %s %s
		LIMIT $4 OFFSET $5`,
		s.objectColumns(nil), sortCol, dir,
	), bucketID, escapeLike(opts.Prefix), opts.Search, limit, opts.Offset)
	if err != nil {
		return nil, mapError(err, "search objects")
	}
	defer rows.Close()

	var out []meta.Object
	for rows.Next() {
		o, err := s.scanObject(rows)
		if err != nil {
			return nil, mapError(err, "search objects")
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
