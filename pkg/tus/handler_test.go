package tus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/keelstore/keel/pkg/blob/file"
	"github.com/keelstore/keel/pkg/events"
	"github.com/keelstore/keel/pkg/meta"
	"github.com/keelstore/keel/pkg/meta/memory"
	"github.com/keelstore/keel/pkg/pubsub"
	"github.com/keelstore/keel/pkg/storage"
)

type tusEnv struct {
	router http.Handler
	svc    *storage.Service
}

func newTestTus(t *testing.T, opts storage.Options) *tusEnv {
	t.Helper()
	return newTestTusEnv(t, memory.New(), nil, opts)
}

func newTestTusEnv(t *testing.T, st meta.Store, queue *events.Queue, opts storage.Options) *tusEnv {
	t.Helper()
	backend, err := file.New(t.TempDir())
	if err != nil {
		t.Fatalf("file.New: %v", err)
	}
	logger := slog.New(slog.DiscardHandler)
	if opts.TenantID == "" {
		opts.TenantID = "t1"
	}
	svc := storage.New(st, backend, queue, logger, opts)

	locker, err := NewLocker(pubsub.NewMemory(), time.Second, logger)
	if err != nil {
		t.Fatalf("NewLocker: %v", err)
	}
	t.Cleanup(locker.Close)

	resolve := func(r *http.Request) (*RequestContext, error) {
		return &RequestContext{TenantID: "t1", Service: svc, Owner: "owner-1"}, nil
	}
	h := NewHandler(resolve, locker, Config{PartSize: 8}, logger)
	return &tusEnv{router: h.Routes(), svc: svc}
}

func (e *tusEnv) makeBucket(t *testing.T, name string) {
	t.Helper()
	if err := e.svc.CreateBucket(context.Background(), &meta.Bucket{Name: name}); err != nil {
		t.Fatalf("CreateBucket(%s): %v", name, err)
	}
}

func (e *tusEnv) do(t *testing.T, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Tus-Resumable", tusVersion)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// createUpload starts an upload and returns the Location tail to address it.
func (e *tusEnv) createUpload(t *testing.T, bucket, object string, length string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/", "", map[string]string{
		"Upload-Length": length,
		"Upload-Metadata": FormatUploadMetadata(map[string]string{
			metaBucketName:  bucket,
			metaObjectName:  object,
			metaContentType: "text/plain",
		}),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	loc := rec.Header().Get("Location")
	if !strings.HasPrefix(loc, "/upload/resumable/") {
		t.Fatalf("Location = %q", loc)
	}
	if rec.Header().Get("Upload-Expires") == "" {
		t.Error("missing Upload-Expires")
	}
	return strings.TrimPrefix(loc, "/upload/resumable")
}

func TestOptions(t *testing.T) {
	e := newTestTus(t, storage.Options{})

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if ext := rec.Header().Get("Tus-Extension"); !strings.Contains(ext, "creation") {
		t.Errorf("Tus-Extension = %q", ext)
	}
	if got := rec.Header().Get("Tus-Resumable"); got != tusVersion {
		t.Errorf("Tus-Resumable = %q", got)
	}
}

func TestVersionRequired(t *testing.T) {
	e := newTestTus(t, storage.Options{})

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("status = %d, want 412", rec.Code)
	}
}

func TestCreate_MissingMetadata(t *testing.T) {
	e := newTestTus(t, storage.Options{})
	e.makeBucket(t, "docs")

	rec := e.do(t, http.MethodPost, "/", "", map[string]string{
		"Upload-Length":   "10",
		"Upload-Metadata": FormatUploadMetadata(map[string]string{metaObjectName: "a.txt"}),
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCreate_MissingLength(t *testing.T) {
	e := newTestTus(t, storage.Options{})
	e.makeBucket(t, "docs")

	rec := e.do(t, http.MethodPost, "/", "", map[string]string{
		"Upload-Metadata": FormatUploadMetadata(map[string]string{
			metaBucketName: "docs",
			metaObjectName: "a.txt",
		}),
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCreate_OverSizeLimit(t *testing.T) {
	e := newTestTus(t, storage.Options{GlobalFileSizeLimit: 8})
	e.makeBucket(t, "docs")

	rec := e.do(t, http.MethodPost, "/", "", map[string]string{
		"Upload-Length": "100",
		"Upload-Metadata": FormatUploadMetadata(map[string]string{
			metaBucketName: "docs",
			metaObjectName: "a.txt",
		}),
	})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestUploadFlow(t *testing.T) {
	e := newTestTus(t, storage.Options{})
	e.makeBucket(t, "docs")

	tail := e.createUpload(t, "docs", "notes/report.txt", "11")

	rec := e.do(t, http.MethodHead, tail, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("head status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Upload-Offset"); got != "0" {
		t.Errorf("Upload-Offset = %q, want 0", got)
	}
	if got := rec.Header().Get("Upload-Length"); got != "11" {
		t.Errorf("Upload-Length = %q, want 11", got)
	}

	// The 11-byte body spans two parts at PartSize 8.
	rec = e.do(t, http.MethodPatch, tail, "hello world", map[string]string{
		"Content-Type":  "application/offset+octet-stream",
		"Upload-Offset": "0",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("patch status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Upload-Offset"); got != "11" {
		t.Errorf("Upload-Offset = %q, want 11", got)
	}

	_, res, err := e.svc.ReadObject(context.Background(), "docs", "notes/report.txt", nil, nil)
	if err != nil {
		t.Fatalf("ReadObject: %v", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if string(body) != "hello world" {
		t.Errorf("committed body = %q", body)
	}

	if rec := e.do(t, http.MethodHead, tail, "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("head after completion = %d, want 404", rec.Code)
	}
}

func TestUploadResume(t *testing.T) {
	e := newTestTus(t, storage.Options{})
	e.makeBucket(t, "docs")

	tail := e.createUpload(t, "docs", "big.bin", "11")

	// First PATCH delivers only 6 of the 11 bytes.
	rec := e.do(t, http.MethodPatch, tail, "hello ", map[string]string{
		"Content-Type":  "application/offset+octet-stream",
		"Upload-Offset": "0",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("patch status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Upload-Offset"); got != "6" {
		t.Fatalf("Upload-Offset = %q, want 6", got)
	}

	rec = e.do(t, http.MethodHead, tail, "", nil)
	if got := rec.Header().Get("Upload-Offset"); got != "6" {
		t.Errorf("head Upload-Offset = %q, want 6", got)
	}

	rec = e.do(t, http.MethodPatch, tail, "world", map[string]string{
		"Content-Type":  "application/offset+octet-stream",
		"Upload-Offset": "6",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("second patch status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Upload-Offset"); got != "11" {
		t.Errorf("Upload-Offset = %q, want 11", got)
	}

	_, res, err := e.svc.ReadObject(context.Background(), "docs", "big.bin", nil, nil)
	if err != nil {
		t.Fatalf("ReadObject: %v", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if string(body) != "hello world" {
		t.Errorf("committed body = %q", body)
	}
}

func TestPatch_OffsetMismatch(t *testing.T) {
	e := newTestTus(t, storage.Options{})
	e.makeBucket(t, "docs")

	tail := e.createUpload(t, "docs", "a.txt", "11")

	rec := e.do(t, http.MethodPatch, tail, "hello world", map[string]string{
		"Content-Type":  "application/offset+octet-stream",
		"Upload-Offset": "5",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestPatch_WrongContentType(t *testing.T) {
	e := newTestTus(t, storage.Options{})
	e.makeBucket(t, "docs")

	tail := e.createUpload(t, "docs", "a.txt", "5")

	rec := e.do(t, http.MethodPatch, tail, "hello", map[string]string{
		"Content-Type":  "text/plain",
		"Upload-Offset": "0",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

// commitFailStore runs the transaction body and then reports a commit
// failure, the way a dropped connection surfaces at COMMIT.
type commitFailStore struct {
	meta.Store
	fail bool
}

func (s *commitFailStore) WithTx(ctx context.Context, fn func(meta.Store) error) error {
	err := s.Store.WithTx(ctx, fn)
	if err == nil && s.fail {
		return errors.New("connection reset during commit")
	}
	return err
}

// adminDeleteRecorder collects ObjectAdminDelete events off the queue.
type adminDeleteRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *adminDeleteRecorder) record(ctx context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *adminDeleteRecorder) recorded() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

// seedObject writes an initial version so a completed upload supersedes it.
func seedObject(t *testing.T, e *tusEnv, bucket, name string) string {
	t.Helper()
	obj, err := e.svc.UploadObject(context.Background(), storage.UploadRequest{
		BucketID:    bucket,
		Name:        name,
		ContentType: "text/plain",
		Body:        strings.NewReader("old"),
	})
	if err != nil {
		t.Fatalf("UploadObject: %v", err)
	}
	return obj.Version
}

// createUpsertUpload starts an upload allowed to overwrite the object.
func (e *tusEnv) createUpsertUpload(t *testing.T, bucket, object, length string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/", "", map[string]string{
		"Upload-Length": length,
		"X-Upsert":      "true",
		"Upload-Metadata": FormatUploadMetadata(map[string]string{
			metaBucketName: bucket,
			metaObjectName: object,
		}),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	return strings.TrimPrefix(rec.Header().Get("Location"), "/upload/resumable")
}

func TestPatch_CommitFailureSkipsAdminDelete(t *testing.T) {
	st := &commitFailStore{Store: memory.New()}
	queue := events.NewQueue(events.QueueConfig{}, slog.New(slog.DiscardHandler))
	rec := &adminDeleteRecorder{}
	queue.Subscribe(events.ObjectAdminDelete, rec.record)

	e := newTestTusEnv(t, st, queue, storage.Options{})
	e.makeBucket(t, "docs")
	seedObject(t, e, "docs", "a.txt")

	tail := e.createUpsertUpload(t, "docs", "a.txt", "5")

	st.fail = true
	res := e.do(t, http.MethodPatch, tail, "hello", map[string]string{
		"Content-Type":  "application/offset+octet-stream",
		"Upload-Offset": "0",
	})
	if res.Code != http.StatusInternalServerError {
		t.Fatalf("patch status = %d, want 500", res.Code)
	}

	queue.Close()
	if got := rec.recorded(); len(got) != 0 {
		t.Errorf("admin delete scheduled despite failed commit: %+v", got)
	}
}

func TestPatch_SupersededVersionDeletedAfterCommit(t *testing.T) {
	queue := events.NewQueue(events.QueueConfig{}, slog.New(slog.DiscardHandler))
	rec := &adminDeleteRecorder{}
	queue.Subscribe(events.ObjectAdminDelete, rec.record)

	e := newTestTusEnv(t, memory.New(), queue, storage.Options{})
	e.makeBucket(t, "docs")
	oldVersion := seedObject(t, e, "docs", "a.txt")

	tail := e.createUpsertUpload(t, "docs", "a.txt", "5")

	res := e.do(t, http.MethodPatch, tail, "hello", map[string]string{
		"Content-Type":  "application/offset+octet-stream",
		"Upload-Offset": "0",
	})
	if res.Code != http.StatusNoContent {
		t.Fatalf("patch status = %d, body %s", res.Code, res.Body.String())
	}

	queue.Close()
	got := rec.recorded()
	if len(got) != 1 {
		t.Fatalf("admin deletes = %+v, want exactly one", got)
	}
	if got[0].Bucket != "docs" || got[0].Name != "a.txt" || got[0].Version != oldVersion {
		t.Errorf("admin delete = %+v, want docs/a.txt version %s", got[0], oldVersion)
	}
}

func TestDeleteUpload(t *testing.T) {
	e := newTestTus(t, storage.Options{})
	e.makeBucket(t, "docs")

	tail := e.createUpload(t, "docs", "a.txt", "5")

	if rec := e.do(t, http.MethodDelete, tail, "", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec := e.do(t, http.MethodHead, tail, "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("head after delete = %d, want 404", rec.Code)
	}
}

func TestForeignTenantUpload(t *testing.T) {
	e := newTestTus(t, storage.Options{})
	e.makeBucket(t, "docs")

	id := UploadID{Tenant: "other", Bucket: "docs", Object: "a.txt", Version: "v1"}
	tail := "/" + url.PathEscape(id.Format(false))

	rec := e.do(t, http.MethodHead, tail, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
