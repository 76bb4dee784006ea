// Package file implements the blob.Backend interface on the local
// filesystem. It exists for development and single-node deployments.
//
// Objects live under the configured root at "<key>/<version>", mirroring the
// S3 layout. A JSON sidecar "<key>/<version>.meta" carries content type,
// cache control, user metadata and the computed ETag, since the filesystem
// has no native place for them.
package file

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keelstore/keel/pkg/blob"
)

const uploadsDir = ".uploads"

// Backend is the filesystem implementation of blob.Backend.
type Backend struct {
	root string

	// mu serialises multipart completion per upload id.
	mu sync.Mutex
}

// sidecar is the JSON metadata stored next to each object version.
type sidecar struct {
	ContentType  string            `json:"contentType,omitempty"`
	CacheControl string            `json:"cacheControl,omitempty"`
	ETag         string            `json:"eTag"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// New creates a filesystem backend rooted at dir, creating it if needed.
func New(dir string) (*Backend, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Backend{root: dir}, nil
}

func (b *Backend) Close() error { return nil }

func (b *Backend) objectPath(key, version string) string {
	return filepath.Join(b.root, filepath.FromSlash(blob.KeyWithVersion(key, version)))
}

func (b *Backend) uploadPath(uploadID string) string {
	return filepath.Join(b.root, uploadsDir, uploadID)
}

func notFound(err error) error {
	return &blob.BackendError{Code: "NoSuchKey", Status: http.StatusNotFound, Inner: err}
}

func (b *Backend) readSidecar(path string) (*sidecar, error) {
	data, err := os.ReadFile(path + ".meta")
	if err != nil {
		if os.IsNotExist(err) {
			return &sidecar{}, nil
		}
		return nil, err
	}
	var sc sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (b *Backend) writeSidecar(path string, sc *sidecar) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	return os.WriteFile(path+".meta", data, 0o644)
}

func (b *Backend) stat(key, version string) (os.FileInfo, *sidecar, error) {
	path := b.objectPath(key, version)
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, notFound(err)
		}
		return nil, nil, &blob.BackendError{Code: "InternalError", Status: http.StatusInternalServerError, Inner: err}
	}
	sc, err := b.readSidecar(path)
	if err != nil {
		return nil, nil, &blob.BackendError{Code: "InternalError", Status: http.StatusInternalServerError, Inner: err}
	}
	return fi, sc, nil
}

func infoFrom(fi os.FileInfo, sc *sidecar) blob.ObjectInfo {
	return blob.ObjectInfo{
		ContentLength: fi.Size(),
		ContentType:   sc.ContentType,
		ETag:          sc.ETag,
		CacheControl:  sc.CacheControl,
		LastModified:  fi.ModTime(),
		Metadata:      sc.Metadata,
		HTTPStatus:    http.StatusOK,
	}
}

// GetObject opens the object, applying range and conditional semantics the
// same way the S3 backend does.
func (b *Backend) GetObject(ctx context.Context, key, version string, rng *blob.Range, cond *blob.Conditions) (*blob.GetResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fi, sc, err := b.stat(key, version)
	if err != nil {
		return nil, err
	}

	if cond != nil {
		if cond.IfNoneMatch != "" && etagMatch(cond.IfNoneMatch, sc.ETag) {
			return nil, blob.ErrNotModified
		}
		if cond.IfModifiedSince != nil && !fi.ModTime().Truncate(time.Second).After(*cond.IfModifiedSince) {
			return nil, blob.ErrNotModified
		}
		if cond.IfMatch != "" && !etagMatch(cond.IfMatch, sc.ETag) {
			return nil, &blob.BackendError{Code: "PreconditionFailed", Status: http.StatusPreconditionFailed}
		}
	}

	f, err := os.Open(b.objectPath(key, version))
	if err != nil {
		return nil, notFound(err)
	}

	info := infoFrom(fi, sc)
	result := &blob.GetResult{ObjectInfo: info, Body: f}

	if rng != nil {
		start, end := rng.Start, rng.End
		if end < 0 || end >= fi.Size() {
			end = fi.Size() - 1
		}
		if start < 0 || start > end {
			f.Close()
			return nil, &blob.BackendError{Code: "InvalidRange", Status: http.StatusRequestedRangeNotSatisfiable}
		}
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			f.Close()
			return nil, &blob.BackendError{Code: "InternalError", Status: http.StatusInternalServerError, Inner: err}
		}
		result.Body = &limitedReadCloser{Reader: io.LimitReader(f, end-start+1), Closer: f}
		result.ContentLength = end - start + 1
		result.ContentRange = fmt.Sprintf("bytes %d-%d/%d", start, end, fi.Size())
		result.HTTPStatus = http.StatusPartialContent
	}

	return result, nil
}

type limitedReadCloser struct {
	io.Reader
	io.Closer
}

// PutObject writes the body to a temp file and renames it into place, so a
// version is either fully present or absent.
func (b *Backend) PutObject(ctx context.Context, key, version string, body io.Reader, contentType, cacheControl string) (*blob.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := b.objectPath(key, version)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &blob.BackendError{Code: "InternalError", Status: http.StatusInternalServerError, Inner: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return nil, &blob.BackendError{Code: "InternalError", Status: http.StatusInternalServerError, Inner: err}
	}
	defer os.Remove(tmp.Name())

	hash := md5.New()
	size, err := io.Copy(io.MultiWriter(tmp, hash), body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}

	etag := `"` + hex.EncodeToString(hash.Sum(nil)) + `"`
	sc := &sidecar{ContentType: contentType, CacheControl: cacheControl, ETag: etag}
	if err := b.writeSidecar(path, sc); err != nil {
		return nil, &blob.BackendError{Code: "InternalError", Status: http.StatusInternalServerError, Inner: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, &blob.BackendError{Code: "InternalError", Status: http.StatusInternalServerError, Inner: err}
	}

	return &blob.ObjectInfo{
		ContentLength: size,
		ContentType:   contentType,
		ETag:          etag,
		CacheControl:  cacheControl,
		LastModified:  time.Now(),
		HTTPStatus:    http.StatusOK,
	}, nil
}

// CopyObject duplicates a version under a new key/version.
func (b *Backend) CopyObject(ctx context.Context, srcKey, srcVersion, dstKey, dstVersion string, metadata map[string]string, cond *blob.Conditions) (*blob.ObjectInfo, error) {
	src, err := b.GetObject(ctx, srcKey, srcVersion, nil, cond)
	if err != nil {
		return nil, err
	}
	defer src.Body.Close()

	info, err := b.PutObject(ctx, dstKey, dstVersion, src.Body, src.ContentType, src.CacheControl)
	if err != nil {
		return nil, err
	}

	if len(metadata) > 0 {
		path := b.objectPath(dstKey, dstVersion)
		sc, rerr := b.readSidecar(path)
		if rerr != nil {
			return nil, &blob.BackendError{Code: "InternalError", Status: http.StatusInternalServerError, Inner: rerr}
		}
		sc.Metadata = metadata
		if werr := b.writeSidecar(path, sc); werr != nil {
			return nil, &blob.BackendError{Code: "InternalError", Status: http.StatusInternalServerError, Inner: werr}
		}
		info.Metadata = metadata
	}
	return info, nil
}

// DeleteObject removes a version and its sidecar. Missing keys are ignored.
func (b *Backend) DeleteObject(ctx context.Context, key, version string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := b.objectPath(key, version)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &blob.BackendError{Code: "InternalError", Status: http.StatusInternalServerError, Inner: err}
	}
	os.Remove(path + ".meta")
	return nil
}

// DeleteObjects removes full keys (already version-suffixed).
func (b *Backend) DeleteObjects(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := filepath.Join(b.root, filepath.FromSlash(k))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return &blob.BackendError{Code: "InternalError", Status: http.StatusInternalServerError, Inner: err}
		}
		os.Remove(path + ".meta")
	}
	return nil
}

// HeadObject returns metadata without opening the body.
func (b *Backend) HeadObject(ctx context.Context, key, version string) (*blob.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fi, sc, err := b.stat(key, version)
	if err != nil {
		return nil, err
	}
	info := infoFrom(fi, sc)
	return &info, nil
}

// PrivateAssetURL returns a local file URL. The transform proxy mounts the
// same volume in single-node deployments.
func (b *Backend) PrivateAssetURL(ctx context.Context, key, version string, expiresIn time.Duration) (string, error) {
	if _, _, err := b.stat(key, version); err != nil {
		return "", err
	}
	return "local:///" + blob.KeyWithVersion(key, version), nil
}

// CreateMultipartUpload allocates a staging directory for parts.
func (b *Backend) CreateMultipartUpload(ctx context.Context, key, version, contentType, cacheControl string, metadata map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	uploadID := uuid.NewString()
	dir := b.uploadPath(uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &blob.BackendError{Code: "InternalError", Status: http.StatusInternalServerError, Inner: err}
	}

	merged := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		merged[k] = v
	}
	merged[blob.TusCompletedKey] = "false"

	manifest := &sidecar{ContentType: contentType, CacheControl: cacheControl, Metadata: merged}
	manifest.Metadata["__key"] = key
	manifest.Metadata["__version"] = version
	if err := b.writeSidecar(filepath.Join(dir, "upload"), manifest); err != nil {
		return "", &blob.BackendError{Code: "InternalError", Status: http.StatusInternalServerError, Inner: err}
	}
	return uploadID, nil
}

func (b *Backend) uploadManifest(uploadID string) (*sidecar, error) {
	sc, err := b.readSidecar(filepath.Join(b.uploadPath(uploadID), "upload"))
	if err != nil {
		return nil, &blob.BackendError{Code: "InternalError", Status: http.StatusInternalServerError, Inner: err}
	}
	if sc.Metadata == nil {
		return nil, &blob.BackendError{Code: "NoSuchUpload", Status: http.StatusNotFound}
	}
	return sc, nil
}

// UploadPart stores one part in the staging directory.
func (b *Backend) UploadPart(ctx context.Context, key, version, uploadID string, partNumber int32, body io.Reader, length int64) (*blob.UploadedPart, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if partNumber < 1 || partNumber > blob.MaxPartNumber {
		return nil, fmt.Errorf("part number %d out of range [1, %d]", partNumber, blob.MaxPartNumber)
	}
	if _, err := b.uploadManifest(uploadID); err != nil {
		return nil, err
	}

	path := filepath.Join(b.uploadPath(uploadID), fmt.Sprintf("%05d.part", partNumber))
	f, err := os.Create(path)
	if err != nil {
		return nil, &blob.BackendError{Code: "InternalError", Status: http.StatusInternalServerError, Inner: err}
	}

	hash := md5.New()
	size, err := io.Copy(io.MultiWriter(f, hash), body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	return &blob.UploadedPart{
		PartNumber: partNumber,
		ETag:       `"` + hex.EncodeToString(hash.Sum(nil)) + `"`,
		Size:       size,
	}, nil
}

// UploadPartCopy copies a range of an existing object into a part.
func (b *Backend) UploadPartCopy(ctx context.Context, srcKey, srcVersion, dstKey, dstVersion, uploadID string, partNumber int32, rng *blob.Range) (*blob.UploadedPart, error) {
	src, err := b.GetObject(ctx, srcKey, srcVersion, rng, nil)
	if err != nil {
		return nil, err
	}
	defer src.Body.Close()
	return b.UploadPart(ctx, dstKey, dstVersion, uploadID, partNumber, src.Body, src.ContentLength)
}

// CompleteMultipartUpload concatenates the staged parts in ascending order
// and writes the final object.
func (b *Backend) CompleteMultipartUpload(ctx context.Context, key, version, uploadID string, parts []blob.UploadedPart) (*blob.ObjectInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	manifest, err := b.uploadManifest(uploadID)
	if err != nil {
		return nil, err
	}

	sorted := make([]blob.UploadedPart, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	readers := make([]io.Reader, 0, len(sorted))
	files := make([]*os.File, 0, len(sorted))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for _, p := range sorted {
		f, err := os.Open(filepath.Join(b.uploadPath(uploadID), fmt.Sprintf("%05d.part", p.PartNumber)))
		if err != nil {
			return nil, &blob.BackendError{Code: "InvalidPart", Status: http.StatusBadRequest, Inner: err}
		}
		files = append(files, f)
		readers = append(readers, f)
	}

	info, err := b.PutObject(ctx, key, version, io.MultiReader(readers...), manifest.ContentType, manifest.CacheControl)
	if err != nil {
		return nil, err
	}

	// Carry the upload metadata (minus bookkeeping keys) onto the object.
	meta := make(map[string]string)
	for k, v := range manifest.Metadata {
		if strings.HasPrefix(k, "__") {
			continue
		}
		meta[k] = v
	}
	path := b.objectPath(key, version)
	sc, rerr := b.readSidecar(path)
	if rerr == nil {
		sc.Metadata = meta
		b.writeSidecar(path, sc)
	}
	info.Metadata = meta

	os.RemoveAll(b.uploadPath(uploadID))
	return info, nil
}

// AbortMultipartUpload discards the staging directory.
func (b *Backend) AbortMultipartUpload(ctx context.Context, key, version, uploadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.RemoveAll(b.uploadPath(uploadID))
}

// ListParts lists staged parts in part-number order.
func (b *Backend) ListParts(ctx context.Context, key, version, uploadID, partNumberMarker string, maxParts int32) ([]blob.UploadedPart, string, error) {
	if _, err := b.uploadManifest(uploadID); err != nil {
		return nil, "", err
	}

	entries, err := os.ReadDir(b.uploadPath(uploadID))
	if err != nil {
		return nil, "", &blob.BackendError{Code: "NoSuchUpload", Status: http.StatusNotFound, Inner: err}
	}

	var parts []blob.UploadedPart
	for _, e := range entries {
		var num int32
		if _, err := fmt.Sscanf(e.Name(), "%05d.part", &num); err != nil {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		parts = append(parts, blob.UploadedPart{PartNumber: num, Size: fi.Size()})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, "", nil
}

// ListMultipartUploads lists staged uploads whose target key matches prefix.
func (b *Backend) ListMultipartUploads(ctx context.Context, prefix, keyMarker, uploadIDMarker string, maxUploads int32) ([]blob.UploadSummary, error) {
	entries, err := os.ReadDir(filepath.Join(b.root, uploadsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &blob.BackendError{Code: "InternalError", Status: http.StatusInternalServerError, Inner: err}
	}

	var uploads []blob.UploadSummary
	for _, e := range entries {
		manifest, err := b.uploadManifest(e.Name())
		if err != nil {
			continue
		}
		key := manifest.Metadata["__key"]
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		fi, _ := e.Info()
		var created time.Time
		if fi != nil {
			created = fi.ModTime()
		}
		uploads = append(uploads, blob.UploadSummary{Key: key, UploadID: e.Name(), CreatedAt: created})
	}
	sort.Slice(uploads, func(i, j int) bool { return uploads[i].Key < uploads[j].Key })
	if maxUploads > 0 && int32(len(uploads)) > maxUploads {
		uploads = uploads[:maxUploads]
	}
	return uploads, nil
}

// SetMetadataToCompleted flips the tus_completed marker in the sidecar.
func (b *Backend) SetMetadataToCompleted(ctx context.Context, key, version string) (*blob.ObjectInfo, error) {
	fi, sc, err := b.stat(key, version)
	if err != nil {
		return nil, err
	}
	if sc.Metadata == nil {
		sc.Metadata = make(map[string]string)
	}
	sc.Metadata[blob.TusCompletedKey] = "true"
	if err := b.writeSidecar(b.objectPath(key, version), sc); err != nil {
		return nil, &blob.BackendError{Code: "InternalError", Status: http.StatusInternalServerError, Inner: err}
	}
	info := infoFrom(fi, sc)
	return &info, nil
}

func etagMatch(header, etag string) bool {
	if header == "*" {
		return etag != ""
	}
	for _, candidate := range strings.Split(header, ",") {
		if strings.TrimSpace(candidate) == etag {
			return true
		}
	}
	return false
}
