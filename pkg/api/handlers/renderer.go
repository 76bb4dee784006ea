package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/keelstore/keel/pkg/blob"
	"github.com/keelstore/keel/pkg/meta"
)

// Renderer turns an object read into an HTTP response. The three variants
// cover full downloads, metadata-only HEAD responses and the JSON info
// document.
type Renderer interface {
	// Render writes the response. res is nil for metadata-only renderers.
	Render(w http.ResponseWriter, r *http.Request, obj *meta.Object, res *blob.GetResult) error

	// NeedsBody reports whether the renderer consumes the blob body. When
	// false the caller skips the backend read and passes a nil result.
	NeedsBody() bool
}

// RendererFor returns the renderer for the given tag. Unknown tags fall back
// to the asset renderer.
func RendererFor(tag string) Renderer {
	switch tag {
	case "head":
		return headRenderer{}
	case "info":
		return infoRenderer{}
	default:
		return assetRenderer{}
	}
}

// assetRenderer streams the object bytes with its stored headers.
type assetRenderer struct{}

func (assetRenderer) NeedsBody() bool { return true }

func (assetRenderer) Render(w http.ResponseWriter, r *http.Request, obj *meta.Object, res *blob.GetResult) error {
	writeObjectHeaders(w, obj, &res.ObjectInfo)

	status := res.HTTPStatus
	if status == 0 {
		status = http.StatusOK
	}
	if status == http.StatusNotModified {
		w.WriteHeader(status)
		return nil
	}
	if res.ContentRange != "" {
		w.Header().Set("Content-Range", res.ContentRange)
	}
	w.Header().Set("Content-Length", strconv.FormatInt(res.ContentLength, 10))
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return nil
	}
	_, err := io.Copy(w, res.Body)
	return err
}

// headRenderer writes the stored headers without touching the backend.
type headRenderer struct{}

func (headRenderer) NeedsBody() bool { return false }

func (headRenderer) Render(w http.ResponseWriter, r *http.Request, obj *meta.Object, _ *blob.GetResult) error {
	info := objectInfoFromMetadata(obj)
	writeObjectHeaders(w, obj, info)
	if obj.Metadata != nil {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Metadata.ContentLength, 10))
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

// infoRenderer returns the object row as a JSON document.
type infoRenderer struct{}

func (infoRenderer) NeedsBody() bool { return false }

// ObjectInfoResponse is the body of GET /object/info.
type ObjectInfoResponse struct {
	ID             string               `json:"id"`
	Name           string               `json:"name"`
	BucketID       string               `json:"bucket_id"`
	Owner          string               `json:"owner,omitempty"`
	Version        string               `json:"version"`
	Metadata       *meta.ObjectMetadata `json:"metadata,omitempty"`
	UserMetadata   map[string]string    `json:"user_metadata,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
	LastAccessedAt time.Time            `json:"last_accessed_at"`
}

func (infoRenderer) Render(w http.ResponseWriter, _ *http.Request, obj *meta.Object, _ *blob.GetResult) error {
	writeJSON(w, http.StatusOK, ObjectInfoResponse{
		ID:             obj.ID,
		Name:           obj.Name,
		BucketID:       obj.BucketID,
		Owner:          obj.Owner,
		Version:        obj.Version,
		Metadata:       obj.Metadata,
		UserMetadata:   obj.UserMetadata,
		CreatedAt:      obj.CreatedAt,
		UpdatedAt:      obj.UpdatedAt,
		LastAccessedAt: obj.LastAccessedAt,
	})
	return nil
}

func writeObjectHeaders(w http.ResponseWriter, obj *meta.Object, info *blob.ObjectInfo) {
	if info.ContentType != "" {
		w.Header().Set("Content-Type", info.ContentType)
	}
	if info.CacheControl != "" {
		w.Header().Set("Cache-Control", info.CacheControl)
	} else {
		w.Header().Set("Cache-Control", "no-cache")
	}
	if info.ETag != "" {
		w.Header().Set("ETag", quoteETag(info.ETag))
	}
	if !info.LastModified.IsZero() {
		w.Header().Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	}
	for k, v := range obj.UserMetadata {
		w.Header().Set("x-amz-meta-"+k, v)
	}
	w.Header().Set("Accept-Ranges", "bytes")
}

// objectInfoFromMetadata rebuilds blob headers from the metadata row for
// renderers that never contact the backend.
func objectInfoFromMetadata(obj *meta.Object) *blob.ObjectInfo {
	info := &blob.ObjectInfo{}
	if obj.Metadata != nil {
		info.ContentLength = obj.Metadata.ContentLength
		info.ContentType = obj.Metadata.Mimetype
		info.ETag = obj.Metadata.ETag
		info.CacheControl = obj.Metadata.CacheControl
		info.LastModified = obj.Metadata.LastModified
	}
	return info
}

func quoteETag(etag string) string {
	if len(etag) >= 2 && etag[0] == '"' {
		return etag
	}
	return fmt.Sprintf("%q", etag)
}
