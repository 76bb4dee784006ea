package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keelstore/keel/pkg/apperr"
	"github.com/keelstore/keel/pkg/meta"
	"github.com/keelstore/keel/pkg/storage"
)

// ObjectHandler handles the object endpoints under /object.
type ObjectHandler struct {
	logger *slog.Logger
}

// NewObjectHandler creates a new ObjectHandler.
func NewObjectHandler(logger *slog.Logger) *ObjectHandler {
	return &ObjectHandler{logger: logger}
}

// UploadResponse is the body returned by object writes.
type UploadResponse struct {
	Key string `json:"Key"`
	ID  string `json:"Id,omitempty"`
}

// Upload handles POST and PUT /object/{bucketId}/*. POST creates, PUT
// upserts; POST with the x-upsert header set to true also upserts.
func (h *ObjectHandler) Upload(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())
	bucket := chi.URLParam(r, "bucketId")
	key, err := objectKey(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	upsert := r.Method == http.MethodPut ||
		r.Header.Get("x-upsert") == "true"

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	obj, err := rc.Service.UploadObject(r.Context(), storage.UploadRequest{
		BucketID:     bucket,
		Name:         key,
		Owner:        rc.Owner,
		ContentType:  contentType,
		CacheControl: r.Header.Get("Cache-Control"),
		Body:         r.Body,
		Upsert:       upsert,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, UploadResponse{Key: bucket + "/" + key, ID: obj.ID})
}

// GetAuthenticated handles GET and HEAD /object/authenticated/{bucketId}/*.
func (h *ObjectHandler) GetAuthenticated(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, false)
}

// GetPublic handles GET and HEAD /object/public/{bucketId}/* without
// credentials. A private bucket is indistinguishable from a missing one.
func (h *ObjectHandler) GetPublic(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, true)
}

// Info handles GET /object/info/{bucketId}/*: the metadata row as JSON.
func (h *ObjectHandler) Info(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())
	bucket := chi.URLParam(r, "bucketId")
	key, err := objectKey(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	obj, err := rc.Service.FindObject(r.Context(), bucket, key, meta.FindObjectOptions{})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := RendererFor("info").Render(w, r, obj, nil); err != nil {
		h.logger.Warn("info render aborted", "bucket", bucket, "key", key, "error", err)
	}
}

func (h *ObjectHandler) serve(w http.ResponseWriter, r *http.Request, public bool) {
	rc := FromContext(r.Context())
	bucket := chi.URLParam(r, "bucketId")
	key, err := objectKey(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	if public {
		b, err := rc.Service.FindBucket(r.Context(), bucket)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		if !b.Public {
			notFound := apperr.NoSuchBucket(bucket)
			notFound.Status = http.StatusBadRequest
			writeError(w, h.logger, notFound)
			return
		}
	}

	tag := "asset"
	if r.Method == http.MethodHead {
		tag = "head"
	}
	renderer := RendererFor(tag)

	if !renderer.NeedsBody() {
		obj, err := rc.Service.FindObject(r.Context(), bucket, key, meta.FindObjectOptions{})
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		if err := renderer.Render(w, r, obj, nil); err != nil {
			h.logger.Warn("render aborted", "bucket", bucket, "key", key, "error", err)
		}
		return
	}

	rng, err := parseRangeHeader(r.Header.Get("Range"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	obj, res, err := rc.Service.ReadObject(r.Context(), bucket, key, rng, parseConditionHeaders(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if res.Body != nil {
		defer res.Body.Close()
	}
	if err := renderer.Render(w, r, obj, res); err != nil {
		// Headers are already out; the client most likely went away.
		h.logger.Warn("download aborted", "bucket", bucket, "key", key, "error", err)
	}
}

// Delete handles DELETE /object/{bucketId}/*.
func (h *ObjectHandler) Delete(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())
	bucket := chi.URLParam(r, "bucketId")
	key, err := objectKey(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	if err := rc.Service.DeleteObject(r.Context(), bucket, key); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Successfully deleted"})
}

// DeleteManyRequest is the request body for DELETE /object/{bucketId}.
type DeleteManyRequest struct {
	Prefixes []string `json:"prefixes"`
}

// DeleteMany handles DELETE /object/{bucketId}: batch delete by exact names.
// Outcomes are per item; failures do not abort the batch.
func (h *ObjectHandler) DeleteMany(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())
	bucket := chi.URLParam(r, "bucketId")

	var req DeleteManyRequest
	if !decodeJSONBody(w, r, h.logger, &req) {
		return
	}
	if len(req.Prefixes) == 0 {
		writeError(w, h.logger, apperr.InvalidParameter("prefixes is required"))
		return
	}

	result := rc.Service.DeleteObjects(r.Context(), bucket, req.Prefixes)

	type deleted struct {
		BucketID string `json:"bucket_id"`
		Name     string `json:"name"`
	}
	out := make([]deleted, 0, len(result.Deleted))
	for _, name := range result.Deleted {
		out = append(out, deleted{BucketID: bucket, Name: name})
	}
	writeJSON(w, http.StatusOK, out)
}

// ListRequest is the request body for POST /object/list/{bucketId}.
type ListRequest struct {
	Prefix string `json:"prefix"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
	SortBy *struct {
		Column string `json:"column"`
		Order  string `json:"order"`
	} `json:"sortBy,omitempty"`
	Search string `json:"search,omitempty"`
}

// ObjectResponse is the JSON rendering of an object row in listings.
type ObjectResponse struct {
	ID           string               `json:"id,omitempty"`
	Name         string               `json:"name"`
	BucketID     string               `json:"bucket_id,omitempty"`
	Owner        string               `json:"owner,omitempty"`
	Metadata     *meta.ObjectMetadata `json:"metadata,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
	LastAccessed time.Time            `json:"last_accessed_at"`
}

func objectResponse(o *meta.Object) ObjectResponse {
	return ObjectResponse{
		ID:           o.ID,
		Name:         o.Name,
		BucketID:     o.BucketID,
		Owner:        o.Owner,
		Metadata:     o.Metadata,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
		LastAccessed: o.LastAccessedAt,
	}
}

// List handles POST /object/list/{bucketId}: the v1 folder-style search.
func (h *ObjectHandler) List(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())
	bucket := chi.URLParam(r, "bucketId")

	var req ListRequest
	if !decodeJSONBody(w, r, h.logger, &req) {
		return
	}
	if req.Limit <= 0 {
		req.Limit = 100
	}

	opts := meta.SearchOptions{
		Prefix: req.Prefix,
		Limit:  req.Limit,
		Offset: req.Offset,
		Search: req.Search,
	}
	if req.SortBy != nil {
		opts.SortBy = req.SortBy.Column
		opts.SortOrder = req.SortBy.Order
	}

	objects, err := rc.Service.SearchObjects(r.Context(), bucket, opts)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	out := make([]ObjectResponse, 0, len(objects))
	for i := range objects {
		out = append(out, objectResponse(&objects[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// ListV2Response is the body of GET /object/list-v2/{bucketId}.
type ListV2Response struct {
	Objects    []ObjectResponse `json:"objects"`
	Folders    []string         `json:"folders"`
	HasNext    bool             `json:"hasNext"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// ListV2 handles GET /object/list-v2/{bucketId}: cursor-paged listing with
// optional delimiter collapse.
func (h *ObjectHandler) ListV2(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())
	bucket := chi.URLParam(r, "bucketId")
	q := r.URL.Query()

	opts := meta.ListObjectsV2Options{
		Prefix:            q.Get("prefix"),
		Delimiter:         q.Get("delimiter"),
		MaxKeys:           intQuery(r, "limit", 100),
		StartAfter:        q.Get("startAfter"),
		ContinuationToken: q.Get("cursor"),
		SortBy:            meta.SortColumn(q.Get("sortBy")),
		SortOrder:         meta.SortOrder(q.Get("sortOrder")),
	}

	result, err := rc.Service.ListObjectsV2(r.Context(), bucket, opts)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	resp := ListV2Response{
		Objects:    make([]ObjectResponse, 0, len(result.Objects)),
		Folders:    result.CommonPrefixes,
		HasNext:    result.IsTruncated,
		NextCursor: result.NextToken,
	}
	if resp.Folders == nil {
		resp.Folders = []string{}
	}
	for i := range result.Objects {
		resp.Objects = append(resp.Objects, objectResponse(&result.Objects[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// CopyRequest is the request body for POST /object/copy and /object/move.
type CopyRequest struct {
	BucketID          string `json:"bucketId"`
	SourceKey         string `json:"sourceKey"`
	DestinationBucket string `json:"destinationBucket,omitempty"`
	DestinationKey    string `json:"destinationKey"`
	CopyMetadata      *bool  `json:"copyMetadata,omitempty"`
	Upsert            bool   `json:"upsert,omitempty"`
}

func (req *CopyRequest) toStorage(owner string) (storage.CopyRequest, error) {
	if req.BucketID == "" || req.SourceKey == "" || req.DestinationKey == "" {
		return storage.CopyRequest{}, apperr.InvalidParameter("bucketId, sourceKey and destinationKey are required")
	}
	dstBucket := req.DestinationBucket
	if dstBucket == "" {
		dstBucket = req.BucketID
	}
	copyMeta := true
	if req.CopyMetadata != nil {
		copyMeta = *req.CopyMetadata
	}
	return storage.CopyRequest{
		SourceBucket:      req.BucketID,
		SourceKey:         req.SourceKey,
		DestinationBucket: dstBucket,
		DestinationKey:    req.DestinationKey,
		Owner:             owner,
		CopyMetadata:      copyMeta,
		Upsert:            req.Upsert,
	}, nil
}

// Copy handles POST /object/copy.
func (h *ObjectHandler) Copy(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())

	var req CopyRequest
	if !decodeJSONBody(w, r, h.logger, &req) {
		return
	}
	sreq, err := req.toStorage(rc.Owner)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	obj, err := rc.Service.CopyObject(r.Context(), sreq)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, UploadResponse{
		Key: sreq.DestinationBucket + "/" + sreq.DestinationKey,
		ID:  obj.ID,
	})
}

// Move handles POST /object/move.
func (h *ObjectHandler) Move(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())

	var req CopyRequest
	if !decodeJSONBody(w, r, h.logger, &req) {
		return
	}
	sreq, err := req.toStorage(rc.Owner)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	if _, err := rc.Service.MoveObject(r.Context(), sreq); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Successfully moved"})
}
