package storage

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/keelstore/keel/pkg/apperr"
	"github.com/keelstore/keel/pkg/blob"
	"github.com/keelstore/keel/pkg/blob/file"
	"github.com/keelstore/keel/pkg/meta"
	"github.com/keelstore/keel/pkg/meta/memory"
)

func newTestService(t *testing.T, opts Options) *Service {
	t.Helper()
	backend, err := file.New(t.TempDir())
	if err != nil {
		t.Fatalf("file.New: %v", err)
	}
	if opts.TenantID == "" {
		opts.TenantID = "test-tenant"
	}
	return New(memory.New(), backend, nil, slog.New(slog.DiscardHandler), opts)
}

func makeBucket(t *testing.T, svc *Service, id string, mutate func(*meta.Bucket)) {
	t.Helper()
	b := &meta.Bucket{ID: id, Name: id}
	if mutate != nil {
		mutate(b)
	}
	if err := svc.CreateBucket(context.Background(), b); err != nil {
		t.Fatalf("CreateBucket(%s): %v", id, err)
	}
}

func upload(t *testing.T, svc *Service, bucket, name, content string) *meta.Object {
	t.Helper()
	obj, err := svc.UploadObject(context.Background(), UploadRequest{
		BucketID:    bucket,
		Name:        name,
		Owner:       "user-1",
		ContentType: "text/plain",
		Body:        strings.NewReader(content),
	})
	if err != nil {
		t.Fatalf("UploadObject(%s/%s): %v", bucket, name, err)
	}
	return obj
}

func readBody(t *testing.T, svc *Service, bucket, name string) string {
	t.Helper()
	_, res, err := svc.ReadObject(context.Background(), bucket, name, nil, nil)
	if err != nil {
		t.Fatalf("ReadObject(%s/%s): %v", bucket, name, err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(data)
}

func TestUploadObject_ReadYourWrite(t *testing.T) {
	svc := newTestService(t, Options{})
	makeBucket(t, svc, "docs", nil)

	obj := upload(t, svc, "docs", "dir/report.txt", "hello world")
	if obj.Version == "" {
		t.Error("committed object has no version")
	}
	if obj.Metadata.Size != 11 {
		t.Errorf("Size = %d, want 11", obj.Metadata.Size)
	}

	if got := readBody(t, svc, "docs", "dir/report.txt"); got != "hello world" {
		t.Errorf("read %q, want %q", got, "hello world")
	}
}

func TestUploadObject_NoUpsertConflict(t *testing.T) {
	svc := newTestService(t, Options{})
	makeBucket(t, svc, "docs", nil)
	upload(t, svc, "docs", "k", "one")

	_, err := svc.UploadObject(context.Background(), UploadRequest{
		BucketID: "docs", Name: "k", Body: strings.NewReader("two"),
	})
	if appErr := apperr.As(err); err == nil || appErr.Code != "KeyAlreadyExists" {
		t.Fatalf("got %v, want KeyAlreadyExists", err)
	}

	// The losing write must not clobber the committed content.
	if got := readBody(t, svc, "docs", "k"); got != "one" {
		t.Errorf("read %q, want %q", got, "one")
	}
}

func TestUploadObject_UpsertReplaces(t *testing.T) {
	svc := newTestService(t, Options{})
	makeBucket(t, svc, "docs", nil)
	first := upload(t, svc, "docs", "k", "one")

	second, err := svc.UploadObject(context.Background(), UploadRequest{
		BucketID: "docs", Name: "k", Body: strings.NewReader("two"), Upsert: true,
	})
	if err != nil {
		t.Fatalf("UploadObject: %v", err)
	}
	if second.Version == first.Version {
		t.Error("upsert reused the previous version")
	}
	if got := readBody(t, svc, "docs", "k"); got != "two" {
		t.Errorf("read %q, want %q", got, "two")
	}
}

func TestUploadObject_PayloadTooLarge(t *testing.T) {
	svc := newTestService(t, Options{GlobalFileSizeLimit: 8})
	makeBucket(t, svc, "docs", nil)

	_, err := svc.UploadObject(context.Background(), UploadRequest{
		BucketID: "docs", Name: "big", Body: strings.NewReader(strings.Repeat("x", 64)),
	})
	if appErr := apperr.As(err); err == nil || appErr.Code != "PayloadTooLarge" {
		t.Fatalf("got %v, want PayloadTooLarge", err)
	}

	// The failed write must leave no visible row.
	_, err = svc.FindObject(context.Background(), "docs", "big", meta.FindObjectOptions{})
	if appErr := apperr.As(err); err == nil || appErr.Code != "NoSuchKey" {
		t.Errorf("after failed upload: got %v, want NoSuchKey", err)
	}
}

func TestUploadObject_BucketLimitWins(t *testing.T) {
	limit := int64(4)
	svc := newTestService(t, Options{GlobalFileSizeLimit: 1 << 20})
	makeBucket(t, svc, "small", func(b *meta.Bucket) { b.FileSizeLimit = &limit })

	_, err := svc.UploadObject(context.Background(), UploadRequest{
		BucketID: "small", Name: "k", Body: strings.NewReader("more than four"),
	})
	if appErr := apperr.As(err); err == nil || appErr.Code != "PayloadTooLarge" {
		t.Fatalf("got %v, want PayloadTooLarge", err)
	}
}

func TestUploadObject_MimeAllowList(t *testing.T) {
	svc := newTestService(t, Options{})
	makeBucket(t, svc, "images", func(b *meta.Bucket) {
		b.AllowedMimeTypes = []string{"image/*", "application/pdf"}
	})

	cases := []struct {
		contentType string
		ok          bool
	}{
		{"image/png", true},
		{"image/jpeg; charset=binary", true},
		{"application/pdf", true},
		{"text/html", false},
		{"application/octet-stream", false},
	}
	for _, tc := range cases {
		_, err := svc.UploadObject(context.Background(), UploadRequest{
			BucketID:    "images",
			Name:        "probe-" + tc.contentType,
			ContentType: tc.contentType,
			Body:        strings.NewReader("x"),
			Upsert:      true,
		})
		if tc.ok && err != nil {
			t.Errorf("%s rejected: %v", tc.contentType, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s accepted", tc.contentType)
		}
	}
}

func TestDeleteObject(t *testing.T) {
	svc := newTestService(t, Options{})
	makeBucket(t, svc, "docs", nil)
	upload(t, svc, "docs", "k", "content")

	if err := svc.DeleteObject(context.Background(), "docs", "k"); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if _, _, err := svc.ReadObject(context.Background(), "docs", "k", nil, nil); err == nil {
		t.Error("object readable after delete")
	}
}

func TestDeleteObjects_PartialMatch(t *testing.T) {
	svc := newTestService(t, Options{})
	makeBucket(t, svc, "docs", nil)
	upload(t, svc, "docs", "a", "1")
	upload(t, svc, "docs", "b", "2")

	res := svc.DeleteObjects(context.Background(), "docs", []string{"a", "missing", "b"})
	if len(res.Deleted) != 3 {
		t.Errorf("Deleted = %v, want all three names", res.Deleted)
	}
	if len(res.Errors) != 0 {
		t.Errorf("Errors = %v", res.Errors)
	}
}

func TestDeleteBucket_RequiresEmpty(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()
	makeBucket(t, svc, "docs", nil)
	upload(t, svc, "docs", "k", "content")

	if err := svc.DeleteBucket(ctx, "docs"); err == nil {
		t.Fatal("non-empty bucket deleted")
	}

	if err := svc.EmptyBucket(ctx, "docs"); err != nil {
		t.Fatalf("EmptyBucket: %v", err)
	}
	if err := svc.DeleteBucket(ctx, "docs"); err != nil {
		t.Fatalf("DeleteBucket after emptying: %v", err)
	}
}

func TestCopyObject(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()
	makeBucket(t, svc, "src", nil)
	makeBucket(t, svc, "dst", nil)

	_, err := svc.UploadObject(ctx, UploadRequest{
		BucketID:     "src",
		Name:         "orig",
		ContentType:  "text/plain",
		UserMetadata: map[string]string{"author": "alice"},
		Body:         strings.NewReader("payload"),
	})
	if err != nil {
		t.Fatalf("UploadObject: %v", err)
	}

	copied, err := svc.CopyObject(ctx, CopyRequest{
		SourceBucket:      "src",
		SourceKey:         "orig",
		DestinationBucket: "dst",
		DestinationKey:    "copy",
		Owner:             "user-2",
		CopyMetadata:      true,
	})
	if err != nil {
		t.Fatalf("CopyObject: %v", err)
	}
	if copied.UserMetadata["author"] != "alice" {
		t.Errorf("UserMetadata = %v", copied.UserMetadata)
	}

	if got := readBody(t, svc, "dst", "copy"); got != "payload" {
		t.Errorf("copy read %q", got)
	}
	if got := readBody(t, svc, "src", "orig"); got != "payload" {
		t.Errorf("source read %q after copy", got)
	}
}

func TestCopyObject_DestinationConflict(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()
	makeBucket(t, svc, "bkt", nil)
	upload(t, svc, "bkt", "src", "1")
	upload(t, svc, "bkt", "dst", "2")

	_, err := svc.CopyObject(ctx, CopyRequest{
		SourceBucket:      "bkt",
		SourceKey:         "src",
		DestinationBucket: "bkt",
		DestinationKey:    "dst",
	})
	if appErr := apperr.As(err); err == nil || appErr.Code != "KeyAlreadyExists" {
		t.Fatalf("got %v, want KeyAlreadyExists", err)
	}
}

func TestMoveObject(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()
	makeBucket(t, svc, "bkt", nil)
	upload(t, svc, "bkt", "from", "payload")

	if _, err := svc.MoveObject(ctx, CopyRequest{
		SourceBucket:      "bkt",
		SourceKey:         "from",
		DestinationBucket: "bkt",
		DestinationKey:    "to",
	}); err != nil {
		t.Fatalf("MoveObject: %v", err)
	}

	if got := readBody(t, svc, "bkt", "to"); got != "payload" {
		t.Errorf("destination read %q", got)
	}
	_, err := svc.FindObject(ctx, "bkt", "from", meta.FindObjectOptions{})
	if appErr := apperr.As(err); err == nil || appErr.Code != "NoSuchKey" {
		t.Errorf("source after move: got %v, want NoSuchKey", err)
	}
}

func TestReadObject_Range(t *testing.T) {
	svc := newTestService(t, Options{})
	makeBucket(t, svc, "bkt", nil)
	upload(t, svc, "bkt", "k", "0123456789")

	_, res, err := svc.ReadObject(context.Background(), "bkt", "k", &blob.Range{Start: 2, End: 5}, nil)
	if err != nil {
		t.Fatalf("ReadObject: %v", err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	if string(data) != "2345" {
		t.Errorf("range read %q, want 2345", data)
	}
	if res.ContentRange == "" {
		t.Error("missing Content-Range")
	}
}

func TestMultipartUpload(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()
	makeBucket(t, svc, "bkt", nil)

	up, err := svc.CreateMultipartUpload(ctx, CreateMultipartRequest{
		BucketID:    "bkt",
		Key:         "assembled",
		ContentType: "application/octet-stream",
	})
	if err != nil {
		t.Fatalf("CreateMultipartUpload: %v", err)
	}

	p1, err := svc.UploadPart(ctx, up.ID, 1, strings.NewReader("hello "), 6)
	if err != nil {
		t.Fatalf("UploadPart 1: %v", err)
	}
	p2, err := svc.UploadPart(ctx, up.ID, 2, strings.NewReader("world"), 5)
	if err != nil {
		t.Fatalf("UploadPart 2: %v", err)
	}

	obj, err := svc.CompleteMultipartUpload(ctx, up.ID, []blob.UploadedPart{*p1, *p2})
	if err != nil {
		t.Fatalf("CompleteMultipartUpload: %v", err)
	}
	if obj.Metadata.Size != 11 {
		t.Errorf("Size = %d, want 11", obj.Metadata.Size)
	}
	if got := readBody(t, svc, "bkt", "assembled"); got != "hello world" {
		t.Errorf("read %q, want %q", got, "hello world")
	}

	// The bookkeeping row is gone once committed.
	if _, _, err := svc.ListParts(ctx, up.ID); err == nil {
		t.Error("upload still listable after completion")
	}
}

func TestCompleteMultipartUpload_ETagMismatch(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()
	makeBucket(t, svc, "bkt", nil)

	up, _ := svc.CreateMultipartUpload(ctx, CreateMultipartRequest{BucketID: "bkt", Key: "k"})
	p1, err := svc.UploadPart(ctx, up.ID, 1, strings.NewReader("data"), 4)
	if err != nil {
		t.Fatalf("UploadPart: %v", err)
	}

	bad := *p1
	bad.ETag = `"0000deadbeef"`
	_, err = svc.CompleteMultipartUpload(ctx, up.ID, []blob.UploadedPart{bad})
	if appErr := apperr.As(err); err == nil || appErr.Code != "InvalidPart" {
		t.Fatalf("got %v, want InvalidPart", err)
	}
}

func TestCompleteMultipartUpload_PartOrder(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()
	makeBucket(t, svc, "bkt", nil)

	up, _ := svc.CreateMultipartUpload(ctx, CreateMultipartRequest{BucketID: "bkt", Key: "k"})
	p1, _ := svc.UploadPart(ctx, up.ID, 1, strings.NewReader("a"), 1)
	p2, _ := svc.UploadPart(ctx, up.ID, 2, strings.NewReader("b"), 1)

	_, err := svc.CompleteMultipartUpload(ctx, up.ID, []blob.UploadedPart{*p2, *p1})
	if appErr := apperr.As(err); err == nil || appErr.Code != "InvalidPartOrder" {
		t.Fatalf("got %v, want InvalidPartOrder", err)
	}
}

func TestAbortMultipartUpload(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()
	makeBucket(t, svc, "bkt", nil)

	up, _ := svc.CreateMultipartUpload(ctx, CreateMultipartRequest{BucketID: "bkt", Key: "k"})
	svc.UploadPart(ctx, up.ID, 1, strings.NewReader("a"), 1)

	if err := svc.AbortMultipartUpload(ctx, up.ID); err != nil {
		t.Fatalf("AbortMultipartUpload: %v", err)
	}
	if _, err := svc.ListMultipartUploads(ctx, "bkt", "", 0); err != nil {
		t.Fatalf("ListMultipartUploads: %v", err)
	}
	if _, _, err := svc.ListParts(ctx, up.ID); err == nil {
		t.Error("aborted upload still listable")
	}
}

func TestUploadPart_SizeLimit(t *testing.T) {
	svc := newTestService(t, Options{GlobalFileSizeLimit: 4})
	ctx := context.Background()
	makeBucket(t, svc, "bkt", nil)

	up, err := svc.CreateMultipartUpload(ctx, CreateMultipartRequest{BucketID: "bkt", Key: "k"})
	if err != nil {
		t.Fatalf("CreateMultipartUpload: %v", err)
	}

	_, err = svc.UploadPart(ctx, up.ID, 1, strings.NewReader("too large"), 9)
	if appErr := apperr.As(err); err == nil || appErr.Code != "PayloadTooLarge" {
		t.Fatalf("got %v, want PayloadTooLarge", err)
	}
}

func TestSizeLimitFor(t *testing.T) {
	limit := int64(100)
	svc := newTestService(t, Options{TenantFileSizeLimit: 500, GlobalFileSizeLimit: 1000})
	makeBucket(t, svc, "capped", func(b *meta.Bucket) { b.FileSizeLimit = &limit })
	makeBucket(t, svc, "open", nil)

	got, err := svc.SizeLimitFor(context.Background(), "capped")
	if err != nil || got != 100 {
		t.Errorf("capped limit = %d (%v), want 100", got, err)
	}
	got, err = svc.SizeLimitFor(context.Background(), "open")
	if err != nil || got != 500 {
		t.Errorf("open limit = %d (%v), want 500", got, err)
	}
}
