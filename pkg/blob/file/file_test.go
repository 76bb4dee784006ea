package file

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelstore/keel/pkg/blob"
)

func newBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(t.TempDir())
	require.NoError(t, err)
	return b
}

func md5ETag(s string) string {
	sum := md5.Sum([]byte(s))
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func readAll(t *testing.T, res *blob.GetResult) string {
	t.Helper()
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(data)
}

func TestPutGetRoundTrip(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	info, err := b.PutObject(ctx, "t1/docs/report.txt", "v1", strings.NewReader("hello world"), "text/plain", "max-age=60")
	require.NoError(t, err)
	assert.Equal(t, int64(11), info.ContentLength)
	assert.Equal(t, md5ETag("hello world"), info.ETag)

	res, err := b.GetObject(ctx, "t1/docs/report.txt", "v1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello world", readAll(t, res))
	assert.Equal(t, "text/plain", res.ContentType)
	assert.Equal(t, "max-age=60", res.CacheControl)
	assert.Equal(t, info.ETag, res.ETag)
}

func TestGetObject_Missing(t *testing.T) {
	b := newBackend(t)

	_, err := b.GetObject(context.Background(), "t1/docs/nope", "v1", nil, nil)
	require.Error(t, err)
	assert.True(t, blob.IsNotFound(err))
}

func TestGetObject_Range(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	_, err := b.PutObject(ctx, "t1/b/k", "v1", strings.NewReader("0123456789"), "", "")
	require.NoError(t, err)

	res, err := b.GetObject(ctx, "t1/b/k", "v1", &blob.Range{Start: 2, End: 5}, nil)
	require.NoError(t, err)
	assert.Equal(t, "2345", readAll(t, res))
	assert.Equal(t, int64(4), res.ContentLength)
	assert.Equal(t, "bytes 2-5/10", res.ContentRange)
	assert.Equal(t, http.StatusPartialContent, res.HTTPStatus)

	// Open-ended range reads to the end.
	res, err = b.GetObject(ctx, "t1/b/k", "v1", &blob.Range{Start: 7, End: -1}, nil)
	require.NoError(t, err)
	assert.Equal(t, "789", readAll(t, res))

	_, err = b.GetObject(ctx, "t1/b/k", "v1", &blob.Range{Start: 20, End: 30}, nil)
	require.Error(t, err)
	var berr *blob.BackendError
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, berr.Status)
}

func TestGetObject_Conditions(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	info, err := b.PutObject(ctx, "t1/b/k", "v1", strings.NewReader("content"), "", "")
	require.NoError(t, err)

	_, err = b.GetObject(ctx, "t1/b/k", "v1", nil, &blob.Conditions{IfNoneMatch: info.ETag})
	assert.ErrorIs(t, err, blob.ErrNotModified)

	_, err = b.GetObject(ctx, "t1/b/k", "v1", nil, &blob.Conditions{IfMatch: `"deadbeef"`})
	require.Error(t, err)
	var berr *blob.BackendError
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, http.StatusPreconditionFailed, berr.Status)

	res, err := b.GetObject(ctx, "t1/b/k", "v1", nil, &blob.Conditions{IfMatch: info.ETag})
	require.NoError(t, err)
	assert.Equal(t, "content", readAll(t, res))
}

func TestCopyObject(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	_, err := b.PutObject(ctx, "t1/b/src", "v1", strings.NewReader("payload"), "text/plain", "")
	require.NoError(t, err)

	info, err := b.CopyObject(ctx, "t1/b/src", "v1", "t1/b/dst", "v2", map[string]string{"author": "alice"}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"author": "alice"}, info.Metadata)

	res, err := b.GetObject(ctx, "t1/b/dst", "v2", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "payload", readAll(t, res))
	assert.Equal(t, "text/plain", res.ContentType)
	assert.Equal(t, "alice", res.Metadata["author"])
}

func TestDeleteObject(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	_, err := b.PutObject(ctx, "t1/b/k", "v1", strings.NewReader("x"), "", "")
	require.NoError(t, err)

	require.NoError(t, b.DeleteObject(ctx, "t1/b/k", "v1"))
	_, err = b.HeadObject(ctx, "t1/b/k", "v1")
	assert.True(t, blob.IsNotFound(err))

	// Deleting again is not an error.
	assert.NoError(t, b.DeleteObject(ctx, "t1/b/k", "v1"))
}

func TestDeleteObjects(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	_, err := b.PutObject(ctx, "t1/b/one", "v1", strings.NewReader("1"), "", "")
	require.NoError(t, err)
	_, err = b.PutObject(ctx, "t1/b/two", "v1", strings.NewReader("2"), "", "")
	require.NoError(t, err)

	keys := []string{
		blob.KeyWithVersion("t1/b/one", "v1"),
		blob.KeyWithVersion("t1/b/two", "v1"),
	}
	require.NoError(t, b.DeleteObjects(ctx, keys))

	_, err = b.HeadObject(ctx, "t1/b/one", "v1")
	assert.True(t, blob.IsNotFound(err))
	_, err = b.HeadObject(ctx, "t1/b/two", "v1")
	assert.True(t, blob.IsNotFound(err))
}

func TestMultipartLifecycle(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	uploadID, err := b.CreateMultipartUpload(ctx, "t1/b/big", "v1", "application/octet-stream", "", map[string]string{"origin": "test"})
	require.NoError(t, err)
	require.NotEmpty(t, uploadID)

	// Parts land out of order; completion sorts them.
	p2, err := b.UploadPart(ctx, "t1/b/big", "v1", uploadID, 2, strings.NewReader("world"), 5)
	require.NoError(t, err)
	p1, err := b.UploadPart(ctx, "t1/b/big", "v1", uploadID, 1, strings.NewReader("hello "), 6)
	require.NoError(t, err)
	assert.Equal(t, md5ETag("hello "), p1.ETag)

	parts, next, err := b.ListParts(ctx, "t1/b/big", "v1", uploadID, "", 1000)
	require.NoError(t, err)
	assert.Empty(t, next)
	require.Len(t, parts, 2)
	assert.Equal(t, int32(1), parts[0].PartNumber)
	assert.Equal(t, int64(6), parts[0].Size)

	info, err := b.CompleteMultipartUpload(ctx, "t1/b/big", "v1", uploadID, []blob.UploadedPart{*p2, *p1})
	require.NoError(t, err)
	assert.Equal(t, int64(11), info.ContentLength)
	assert.Equal(t, "test", info.Metadata["origin"])
	assert.NotContains(t, info.Metadata, "__key")

	res, err := b.GetObject(ctx, "t1/b/big", "v1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello world", readAll(t, res))
	assert.Equal(t, "application/octet-stream", res.ContentType)

	// The staging directory is gone.
	_, _, err = b.ListParts(ctx, "t1/b/big", "v1", uploadID, "", 1000)
	require.Error(t, err)
}

func TestAbortMultipartUpload(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	uploadID, err := b.CreateMultipartUpload(ctx, "t1/b/k", "v1", "", "", nil)
	require.NoError(t, err)
	_, err = b.UploadPart(ctx, "t1/b/k", "v1", uploadID, 1, strings.NewReader("data"), 4)
	require.NoError(t, err)

	require.NoError(t, b.AbortMultipartUpload(ctx, "t1/b/k", "v1", uploadID))

	_, _, err = b.ListParts(ctx, "t1/b/k", "v1", uploadID, "", 1000)
	require.Error(t, err)
}

func TestUploadPartCopy(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	_, err := b.PutObject(ctx, "t1/b/src", "v1", strings.NewReader("0123456789"), "", "")
	require.NoError(t, err)

	uploadID, err := b.CreateMultipartUpload(ctx, "t1/b/dst", "v2", "", "", nil)
	require.NoError(t, err)

	part, err := b.UploadPartCopy(ctx, "t1/b/src", "v1", "t1/b/dst", "v2", uploadID, 1, &blob.Range{Start: 0, End: 4})
	require.NoError(t, err)
	assert.Equal(t, int64(5), part.Size)

	info, err := b.CompleteMultipartUpload(ctx, "t1/b/dst", "v2", uploadID, []blob.UploadedPart{*part})
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.ContentLength)

	res, err := b.GetObject(ctx, "t1/b/dst", "v2", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "01234", readAll(t, res))
}

func TestListMultipartUploads(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	_, err := b.CreateMultipartUpload(ctx, "t1/docs/a", "v1", "", "", nil)
	require.NoError(t, err)
	_, err = b.CreateMultipartUpload(ctx, "t1/media/b", "v1", "", "", nil)
	require.NoError(t, err)

	uploads, err := b.ListMultipartUploads(ctx, "t1/docs/", "", "", 100)
	require.NoError(t, err)
	require.Len(t, uploads, 1)
	assert.Equal(t, "t1/docs/a", uploads[0].Key)

	all, err := b.ListMultipartUploads(ctx, "", "", "", 100)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSetMetadataToCompleted(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	_, err := b.PutObject(ctx, "t1/b/k", "v1", strings.NewReader("x"), "", "")
	require.NoError(t, err)

	info, err := b.SetMetadataToCompleted(ctx, "t1/b/k", "v1")
	require.NoError(t, err)
	assert.Equal(t, "true", info.Metadata[blob.TusCompletedKey])

	head, err := b.HeadObject(ctx, "t1/b/k", "v1")
	require.NoError(t, err)
	assert.Equal(t, "true", head.Metadata[blob.TusCompletedKey])
}
