// Package memory implements the metadata store in process memory. It backs
// unit tests and single-node development; the semantics mirror the postgres
// implementation, including transaction-scoped advisory locks.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keelstore/keel/pkg/apperr"
	"github.com/keelstore/keel/pkg/meta"
)

// Store is the in-memory metadata store.
type Store struct {
	state *sharedState

	// tx carries the transaction-scoped lock set; nil outside WithTx.
	tx *txState
}

type sharedState struct {
	mu      sync.RWMutex
	buckets map[string]*meta.Bucket
	objects map[string]map[string]*meta.Object // bucketID -> name -> object
	uploads map[string]*meta.Upload
	parts   map[string][]meta.Part // uploadID -> parts

	lockMu sync.Mutex
	locks  map[int64]*lockEntry
}

type lockEntry struct {
	held bool
	wait chan struct{}
}

type txState struct {
	mu   sync.Mutex
	keys []int64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{state: &sharedState{
		buckets: make(map[string]*meta.Bucket),
		objects: make(map[string]map[string]*meta.Object),
		uploads: make(map[string]*meta.Upload),
		parts:   make(map[string][]meta.Part),
		locks:   make(map[int64]*lockEntry),
	}}
}

// ============================================================================
// Buckets
// ============================================================================

func (s *Store) CreateBucket(ctx context.Context, b *meta.Bucket) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	if _, ok := s.state.buckets[b.ID]; ok {
		return apperr.BucketAlreadyExists(b.ID)
	}
	now := time.Now()
	dup := *b
	dup.CreatedAt = now
	dup.UpdatedAt = now
	if dup.Type == "" {
		dup.Type = meta.BucketTypeStandard
	}
	s.state.buckets[b.ID] = &dup
	s.state.objects[b.ID] = make(map[string]*meta.Object)
	b.CreatedAt = now
	b.UpdatedAt = now
	return nil
}

func (s *Store) FindBucket(ctx context.Context, id string, lock meta.LockMode) (*meta.Bucket, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()

	b, ok := s.state.buckets[id]
	if !ok {
		return nil, apperr.NoSuchBucket(id)
	}
	dup := *b
	return &dup, nil
}

func (s *Store) UpdateBucket(ctx context.Context, id string, upd meta.BucketUpdate) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	b, ok := s.state.buckets[id]
	if !ok {
		return apperr.NoSuchBucket(id)
	}
	if upd.Public != nil {
		b.Public = *upd.Public
	}
	if upd.FileSizeLimit != nil {
		b.FileSizeLimit = upd.FileSizeLimit
	}
	if upd.AllowedMimeTypes != nil {
		b.AllowedMimeTypes = *upd.AllowedMimeTypes
	}
	b.UpdatedAt = time.Now()
	return nil
}

func (s *Store) DeleteBucket(ctx context.Context, id string) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	if _, ok := s.state.buckets[id]; !ok {
		return apperr.NoSuchBucket(id)
	}
	if len(s.state.objects[id]) > 0 {
		return apperr.InvalidParameter("bucket is not empty")
	}
	delete(s.state.buckets, id)
	delete(s.state.objects, id)
	return nil
}

func (s *Store) ListBuckets(ctx context.Context, opts meta.ListBucketsOptions) ([]meta.Bucket, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()

	out := make([]meta.Bucket, 0, len(s.state.buckets))
	for _, b := range s.state.buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *Store) CountObjectsInBucket(ctx context.Context, bucketID string, limit int) (int, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()

	n := len(s.state.objects[bucketID])
	if limit > 0 && n > limit {
		n = limit
	}
	return n, nil
}

// ============================================================================
// Objects
// ============================================================================

func (s *Store) CreateObject(ctx context.Context, o *meta.Object) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	objs, ok := s.state.objects[o.BucketID]
	if !ok {
		return apperr.RelatedResourceNotFound(o.BucketID)
	}
	if _, exists := objs[o.Name]; exists {
		return apperr.ResourceAlreadyExists(o.BucketID + "/" + o.Name)
	}
	s.putObjectLocked(objs, o)
	return nil
}

func (s *Store) UpsertObject(ctx context.Context, o *meta.Object) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	objs, ok := s.state.objects[o.BucketID]
	if !ok {
		return apperr.RelatedResourceNotFound(o.BucketID)
	}
	if prev, exists := objs[o.Name]; exists {
		o.ID = prev.ID
		o.CreatedAt = prev.CreatedAt
	}
	s.putObjectLocked(objs, o)
	return nil
}

func (s *Store) putObjectLocked(objs map[string]*meta.Object, o *meta.Object) {
	now := time.Now()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	dup := *o
	objs[o.Name] = &dup
}

func (s *Store) FindObject(ctx context.Context, bucketID, name string, opts meta.FindObjectOptions) (*meta.Object, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()

	o, ok := s.state.objects[bucketID][name]
	if !ok {
		return nil, apperr.NoSuchKey(bucketID + "/" + name)
	}
	dup := *o
	return &dup, nil
}

func (s *Store) DeleteObject(ctx context.Context, bucketID, name string) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	objs := s.state.objects[bucketID]
	if _, ok := objs[name]; !ok {
		return apperr.NoSuchKey(bucketID + "/" + name)
	}
	delete(objs, name)
	return nil
}

func (s *Store) DeleteObjects(ctx context.Context, bucketID string, names []string) ([]meta.Object, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	objs := s.state.objects[bucketID]
	deleted := make([]meta.Object, 0, len(names))
	for _, name := range names {
		if o, ok := objs[name]; ok {
			deleted = append(deleted, *o)
			delete(objs, name)
		}
	}
	return deleted, nil
}

func (s *Store) UpdateObjectMetadata(ctx context.Context, bucketID, name string, metadata *meta.ObjectMetadata) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	o, ok := s.state.objects[bucketID][name]
	if !ok {
		return apperr.NoSuchKey(bucketID + "/" + name)
	}
	o.Metadata = metadata
	o.UpdatedAt = time.Now()
	return nil
}

func (s *Store) TouchLastAccessed(ctx context.Context, bucketID, name string) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	if o, ok := s.state.objects[bucketID][name]; ok {
		o.LastAccessedAt = time.Now()
	}
	return nil
}

func (s *Store) ListObjectsV2(ctx context.Context, bucketID string, opts meta.ListObjectsV2Options) (*meta.ListObjectsV2Result, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()

	if _, ok := s.state.buckets[bucketID]; !ok {
		return nil, apperr.NoSuchBucket(bucketID)
	}

	candidates := make([]meta.Object, 0)
	for _, o := range s.state.objects[bucketID] {
		if opts.Prefix != "" && !strings.HasPrefix(o.Name, opts.Prefix) {
			continue
		}
		candidates = append(candidates, *o)
	}
	sortObjects(candidates, opts)

	return meta.CollapseObjects(candidates, opts), nil
}

func sortObjects(objs []meta.Object, opts meta.ListObjectsV2Options) {
	desc := opts.SortOrder == meta.SortDesc
	sort.Slice(objs, func(i, j int) bool {
		var less bool
		switch opts.SortBy {
		case meta.SortByCreatedAt:
			if !objs[i].CreatedAt.Equal(objs[j].CreatedAt) {
				less = objs[i].CreatedAt.Before(objs[j].CreatedAt)
				break
			}
			less = objs[i].Name < objs[j].Name
		case meta.SortByUpdatedAt:
			if !objs[i].UpdatedAt.Equal(objs[j].UpdatedAt) {
				less = objs[i].UpdatedAt.Before(objs[j].UpdatedAt)
				break
			}
			less = objs[i].Name < objs[j].Name
		default:
			less = objs[i].Name < objs[j].Name
		}
		if desc {
			return !less
		}
		return less
	})
}

func (s *Store) SearchObjects(ctx context.Context, bucketID string, opts meta.SearchOptions) ([]meta.Object, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()

	var out []meta.Object
	for _, o := range s.state.objects[bucketID] {
		if opts.Prefix != "" && !strings.HasPrefix(o.Name, opts.Prefix) {
			continue
		}
		if opts.Search != "" && !strings.Contains(o.Name, opts.Search) {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// ============================================================================
// Multipart uploads
// ============================================================================

func (s *Store) CreateUpload(ctx context.Context, u *meta.Upload) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	if _, ok := s.state.uploads[u.ID]; ok {
		return apperr.ResourceAlreadyExists(u.ID)
	}
	u.CreatedAt = time.Now()
	dup := *u
	s.state.uploads[u.ID] = &dup
	return nil
}

func (s *Store) FindUpload(ctx context.Context, id string) (*meta.Upload, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()

	u, ok := s.state.uploads[id]
	if !ok {
		return nil, apperr.NoSuchUpload(id)
	}
	dup := *u
	return &dup, nil
}

func (s *Store) RecordPartProgress(ctx context.Context, id string, delta int64, newSignature string) (string, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	u, ok := s.state.uploads[id]
	if !ok {
		return "", apperr.NoSuchUpload(id)
	}
	prev := u.UploadSignature
	u.InProgressSize += delta
	u.UploadSignature = newSignature
	return prev, nil
}

func (s *Store) DeleteUpload(ctx context.Context, id string) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	if _, ok := s.state.uploads[id]; !ok {
		return apperr.NoSuchUpload(id)
	}
	delete(s.state.uploads, id)
	delete(s.state.parts, id)
	return nil
}

func (s *Store) InsertPart(ctx context.Context, p *meta.Part) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	if _, ok := s.state.uploads[p.UploadID]; !ok {
		return apperr.NoSuchUpload(p.UploadID)
	}
	p.CreatedAt = time.Now()

	parts := s.state.parts[p.UploadID]
	for i := range parts {
		if parts[i].PartNumber == p.PartNumber {
			parts[i] = *p
			return nil
		}
	}
	s.state.parts[p.UploadID] = append(parts, *p)
	return nil
}

func (s *Store) ListUploadParts(ctx context.Context, uploadID string) ([]meta.Part, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()

	parts := make([]meta.Part, len(s.state.parts[uploadID]))
	copy(parts, s.state.parts[uploadID])
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

func (s *Store) ListUploads(ctx context.Context, bucketID, keyPrefix string, limit int) ([]meta.Upload, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()

	var out []meta.Upload
	for _, u := range s.state.uploads {
		if u.BucketID != bucketID {
			continue
		}
		if keyPrefix != "" && !strings.HasPrefix(u.Key, keyPrefix) {
			continue
		}
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ============================================================================
// Advisory locks
// ============================================================================

func (s *Store) MustLockObject(ctx context.Context, bucketID, name, version string) error {
	key := meta.LockKey(bucketID, name, version)

	s.state.lockMu.Lock()
	entry, ok := s.state.locks[key]
	if ok && entry.held {
		s.state.lockMu.Unlock()
		return apperr.ResourceLocked(bucketID + "/" + name)
	}
	s.state.locks[key] = &lockEntry{held: true, wait: make(chan struct{})}
	s.state.lockMu.Unlock()

	s.trackLock(key)
	return nil
}

func (s *Store) WaitObjectLock(ctx context.Context, bucketID, name, version string, timeout time.Duration) error {
	key := meta.LockKey(bucketID, name, version)
	deadline := time.Now().Add(timeout)

	for {
		s.state.lockMu.Lock()
		entry, ok := s.state.locks[key]
		if !ok || !entry.held {
			s.state.locks[key] = &lockEntry{held: true, wait: make(chan struct{})}
			s.state.lockMu.Unlock()
			s.trackLock(key)
			return nil
		}
		wait := entry.wait
		s.state.lockMu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return apperr.LockTimeout(bucketID + "/" + name)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		case <-time.After(remaining):
			return apperr.LockTimeout(bucketID + "/" + name)
		}
	}
}

func (s *Store) trackLock(key int64) {
	if s.tx == nil {
		// Outside a transaction the lock releases immediately, matching
		// postgres xact-scoped locks taken without a transaction.
		s.releaseLock(key)
		return
	}
	s.tx.mu.Lock()
	s.tx.keys = append(s.tx.keys, key)
	s.tx.mu.Unlock()
}

func (s *Store) releaseLock(key int64) {
	s.state.lockMu.Lock()
	if entry, ok := s.state.locks[key]; ok && entry.held {
		entry.held = false
		close(entry.wait)
		delete(s.state.locks, key)
	}
	s.state.lockMu.Unlock()
}

// ============================================================================
// Transactions
// ============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(meta.Store) error) error {
	if s.tx != nil {
		// Nested: reuse the outer transaction.
		return fn(s)
	}

	tx := &txState{}
	child := &Store{state: s.state, tx: tx}
	err := fn(child)

	tx.mu.Lock()
	keys := tx.keys
	tx.keys = nil
	tx.mu.Unlock()
	for _, key := range keys {
		s.releaseLock(key)
	}
	return err
}

func (s *Store) AsSuperUser() meta.Store {
	// Memory store has no roles; the sibling shares everything.
	return s
}
