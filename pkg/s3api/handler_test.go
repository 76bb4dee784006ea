package s3api

import (
	"context"
	"encoding/xml"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/keelstore/keel/pkg/apperr"
	"github.com/keelstore/keel/pkg/blob/file"
	"github.com/keelstore/keel/pkg/meta/memory"
	"github.com/keelstore/keel/pkg/sigv4"
	"github.com/keelstore/keel/pkg/storage"
)

const testBearer = "test-bearer-token"

type stubResolver struct {
	identity *Identity
}

func (s *stubResolver) FromAccessKey(ctx context.Context, accessKeyID string) (*Identity, error) {
	if accessKeyID != "AKIATEST" {
		return nil, apperr.AccessDenied("unknown access key")
	}
	return s.identity, nil
}

func (s *stubResolver) FromBearer(r *http.Request) (*Identity, error) {
	if r.Header.Get("Authorization") != "Bearer "+testBearer {
		return nil, apperr.AccessDenied("invalid token")
	}
	return s.identity, nil
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	backend, err := file.New(t.TempDir())
	if err != nil {
		t.Fatalf("file.New: %v", err)
	}
	logger := slog.New(slog.DiscardHandler)
	svc := storage.New(memory.New(), backend, nil, logger, storage.Options{TenantID: "t1"})

	ids := &stubResolver{identity: &Identity{TenantID: "t1", Owner: "owner-1", Service: svc}}
	keyring := sigv4.KeyringFunc(func(ctx context.Context, id string) (string, error) {
		return "secret", nil
	})
	return New(ids, sigv4.New(keyring), Config{}, logger)
}

func s3Request(t *testing.T, h *Handler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testBearer)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeXML(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := xml.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestMissingCredentials(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	var errDoc errorResponse
	decodeXML(t, rec, &errDoc)
	if errDoc.Code != "AccessDenied" {
		t.Errorf("Code = %q, want AccessDenied", errDoc.Code)
	}
}

func TestBucketLifecycle(t *testing.T) {
	h := newTestHandler(t)

	if rec := s3Request(t, h, http.MethodPut, "/mybucket", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("create bucket status = %d", rec.Code)
	}
	if rec := s3Request(t, h, http.MethodHead, "/mybucket", "", nil); rec.Code != http.StatusOK {
		t.Errorf("head bucket status = %d", rec.Code)
	}

	rec := s3Request(t, h, http.MethodGet, "/", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list buckets status = %d", rec.Code)
	}
	var listed listAllMyBucketsResult
	decodeXML(t, rec, &listed)
	if len(listed.Buckets) != 1 || listed.Buckets[0].Name != "mybucket" {
		t.Errorf("Buckets = %+v", listed.Buckets)
	}

	if rec := s3Request(t, h, http.MethodDelete, "/mybucket", "", nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete bucket status = %d, want 204", rec.Code)
	}
}

func TestHeadBucket_Missing(t *testing.T) {
	h := newTestHandler(t)

	rec := s3Request(t, h, http.MethodHead, "/ghost", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestObjectPutGetDelete(t *testing.T) {
	h := newTestHandler(t)
	s3Request(t, h, http.MethodPut, "/bkt", "", nil)

	rec := s3Request(t, h, http.MethodPut, "/bkt/dir/data.bin", "payload", map[string]string{
		"Content-Type":      "application/octet-stream",
		"x-amz-meta-author": "alice",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d, body %s", rec.Code, rec.Body.String())
	}
	etag := rec.Header().Get("ETag")
	if etag == "" || !strings.HasPrefix(etag, `"`) {
		t.Errorf("ETag = %q", etag)
	}

	rec = s3Request(t, h, http.MethodGet, "/bkt/dir/data.bin", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if rec.Body.String() != "payload" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if got := rec.Header().Get("ETag"); got != etag {
		t.Errorf("get ETag = %q, want %q", got, etag)
	}
	if got := rec.Header().Get("x-amz-meta-author"); got != "alice" {
		t.Errorf("x-amz-meta-author = %q", got)
	}

	rec = s3Request(t, h, http.MethodHead, "/bkt/dir/data.bin", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("head status = %d", rec.Code)
	}
	if cl := rec.Header().Get("Content-Length"); cl != "7" {
		t.Errorf("Content-Length = %q, want 7", cl)
	}

	if rec := s3Request(t, h, http.MethodDelete, "/bkt/dir/data.bin", "", nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rec.Code)
	}
	if rec := s3Request(t, h, http.MethodGet, "/bkt/dir/data.bin", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestGetObject_Range(t *testing.T) {
	h := newTestHandler(t)
	s3Request(t, h, http.MethodPut, "/bkt", "", nil)
	s3Request(t, h, http.MethodPut, "/bkt/k", "0123456789", nil)

	rec := s3Request(t, h, http.MethodGet, "/bkt/k", "", map[string]string{"Range": "bytes=0-3"})
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if rec.Body.String() != "0123" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if cr := rec.Header().Get("Content-Range"); cr != "bytes 0-3/10" {
		t.Errorf("Content-Range = %q", cr)
	}
}

func TestListObjectsV2(t *testing.T) {
	h := newTestHandler(t)
	s3Request(t, h, http.MethodPut, "/bkt", "", nil)
	for _, key := range []string{"a.txt", "dir/one.txt", "dir/two.txt", "z.txt"} {
		s3Request(t, h, http.MethodPut, "/bkt/"+key, "x", nil)
	}

	rec := s3Request(t, h, http.MethodGet, "/bkt?list-type=2&delimiter=/", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var listed listBucketResult
	decodeXML(t, rec, &listed)

	if len(listed.Contents) != 2 {
		t.Errorf("Contents = %+v, want 2 keys", listed.Contents)
	}
	if len(listed.CommonPrefixes) != 1 || listed.CommonPrefixes[0].Prefix != "dir/" {
		t.Errorf("CommonPrefixes = %+v", listed.CommonPrefixes)
	}
	if listed.KeyCount != 3 {
		t.Errorf("KeyCount = %d, want 3", listed.KeyCount)
	}
	if listed.IsTruncated {
		t.Error("short listing marked truncated")
	}
}

func TestListObjectsV2_Pagination(t *testing.T) {
	h := newTestHandler(t)
	s3Request(t, h, http.MethodPut, "/bkt", "", nil)
	for _, key := range []string{"a", "b", "c"} {
		s3Request(t, h, http.MethodPut, "/bkt/"+key, "x", nil)
	}

	rec := s3Request(t, h, http.MethodGet, "/bkt?list-type=2&max-keys=2", "", nil)
	var page listBucketResult
	decodeXML(t, rec, &page)
	if !page.IsTruncated || page.NextContinuationToken == "" {
		t.Fatalf("page 1 = %+v", page)
	}

	rec = s3Request(t, h, http.MethodGet, "/bkt?list-type=2&max-keys=2&continuation-token="+page.NextContinuationToken, "", nil)
	page = listBucketResult{}
	decodeXML(t, rec, &page)
	if page.IsTruncated || len(page.Contents) != 1 || page.Contents[0].Key != "c" {
		t.Errorf("page 2 = %+v", page)
	}
}

func TestDeleteObjects(t *testing.T) {
	h := newTestHandler(t)
	s3Request(t, h, http.MethodPut, "/bkt", "", nil)
	s3Request(t, h, http.MethodPut, "/bkt/one", "1", nil)
	s3Request(t, h, http.MethodPut, "/bkt/two", "2", nil)

	body := `<Delete><Object><Key>one</Key></Object><Object><Key>two</Key></Object><Object><Key>ghost</Key></Object></Delete>`
	rec := s3Request(t, h, http.MethodPost, "/bkt?delete", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var result deleteResult
	decodeXML(t, rec, &result)
	if len(result.Deleted) != 3 {
		t.Errorf("Deleted = %+v, want 3 entries", result.Deleted)
	}

	if rec := s3Request(t, h, http.MethodGet, "/bkt/one", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("deleted object still served: %d", rec.Code)
	}
}

func TestCopyObject(t *testing.T) {
	h := newTestHandler(t)
	s3Request(t, h, http.MethodPut, "/bkt", "", nil)
	s3Request(t, h, http.MethodPut, "/bkt/src", "payload", nil)

	rec := s3Request(t, h, http.MethodPut, "/bkt/dst", "", map[string]string{
		"x-amz-copy-source": "/bkt/src",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("copy status = %d, body %s", rec.Code, rec.Body.String())
	}
	var result copyObjectResult
	decodeXML(t, rec, &result)
	if result.ETag == "" {
		t.Error("copy result has no ETag")
	}

	if rec := s3Request(t, h, http.MethodGet, "/bkt/dst", "", nil); rec.Body.String() != "payload" {
		t.Errorf("copied body = %q", rec.Body.String())
	}
}

func TestMultipartUploadFlow(t *testing.T) {
	h := newTestHandler(t)
	s3Request(t, h, http.MethodPut, "/bkt", "", nil)

	rec := s3Request(t, h, http.MethodPost, "/bkt/assembled?uploads", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("initiate status = %d, body %s", rec.Code, rec.Body.String())
	}
	var initiated initiateMultipartUploadResult
	decodeXML(t, rec, &initiated)
	if initiated.UploadID == "" {
		t.Fatal("empty UploadId")
	}
	uploadID := initiated.UploadID

	putPart := func(n int, content string) string {
		rec := s3Request(t, h, http.MethodPut,
			"/bkt/assembled?uploadId="+uploadID+"&partNumber="+strconv.Itoa(n), content, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("upload part %d status = %d, body %s", n, rec.Code, rec.Body.String())
		}
		etag := rec.Header().Get("ETag")
		if etag == "" {
			t.Fatalf("part %d has no ETag", n)
		}
		return etag
	}
	etag1 := putPart(1, "hello ")
	etag2 := putPart(2, "world")

	rec = s3Request(t, h, http.MethodGet, "/bkt/assembled?uploadId="+uploadID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list parts status = %d", rec.Code)
	}
	var parts listPartsResult
	decodeXML(t, rec, &parts)
	if len(parts.Parts) != 2 {
		t.Fatalf("Parts = %+v", parts.Parts)
	}

	complete := `<CompleteMultipartUpload>` +
		`<Part><PartNumber>1</PartNumber><ETag>` + etag1 + `</ETag></Part>` +
		`<Part><PartNumber>2</PartNumber><ETag>` + etag2 + `</ETag></Part>` +
		`</CompleteMultipartUpload>`
	rec = s3Request(t, h, http.MethodPost, "/bkt/assembled?uploadId="+uploadID, complete, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete status = %d, body %s", rec.Code, rec.Body.String())
	}
	var completed completeMultipartUploadResult
	decodeXML(t, rec, &completed)
	if completed.Key != "assembled" {
		t.Errorf("Key = %q", completed.Key)
	}

	rec = s3Request(t, h, http.MethodGet, "/bkt/assembled", "", nil)
	if rec.Body.String() != "hello world" {
		t.Errorf("assembled body = %q", rec.Body.String())
	}
}

func TestCompleteMultipart_WrongETag(t *testing.T) {
	h := newTestHandler(t)
	s3Request(t, h, http.MethodPut, "/bkt", "", nil)

	rec := s3Request(t, h, http.MethodPost, "/bkt/k?uploads", "", nil)
	var initiated initiateMultipartUploadResult
	decodeXML(t, rec, &initiated)

	rec = s3Request(t, h, http.MethodPut, "/bkt/k?uploadId="+initiated.UploadID+"&partNumber=1", "data", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload part status = %d", rec.Code)
	}

	body := `<CompleteMultipartUpload><Part><PartNumber>1</PartNumber><ETag>"beef"</ETag></Part></CompleteMultipartUpload>`
	rec = s3Request(t, h, http.MethodPost, "/bkt/k?uploadId="+initiated.UploadID, body, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var errDoc errorResponse
	decodeXML(t, rec, &errDoc)
	if errDoc.Code != "InvalidPart" {
		t.Errorf("Code = %q, want InvalidPart", errDoc.Code)
	}
}

func TestAbortMultipart(t *testing.T) {
	h := newTestHandler(t)
	s3Request(t, h, http.MethodPut, "/bkt", "", nil)

	rec := s3Request(t, h, http.MethodPost, "/bkt/k?uploads", "", nil)
	var initiated initiateMultipartUploadResult
	decodeXML(t, rec, &initiated)

	rec = s3Request(t, h, http.MethodDelete, "/bkt/k?uploadId="+initiated.UploadID, "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("abort status = %d, want 204", rec.Code)
	}

	rec = s3Request(t, h, http.MethodGet, "/bkt/k?uploadId="+initiated.UploadID, "", nil)
	if rec.Code == http.StatusOK {
		t.Error("aborted upload still listable")
	}
}

func TestErrorDocument(t *testing.T) {
	h := newTestHandler(t)

	rec := s3Request(t, h, http.MethodGet, "/ghost/key", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var errDoc errorResponse
	decodeXML(t, rec, &errDoc)
	if errDoc.Code != "NoSuchKey" && errDoc.Code != "NoSuchBucket" {
		t.Errorf("Code = %q", errDoc.Code)
	}
	if errDoc.Resource == "" {
		t.Error("missing Resource")
	}
}
