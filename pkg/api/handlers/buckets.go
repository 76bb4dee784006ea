package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keelstore/keel/pkg/apperr"
	"github.com/keelstore/keel/pkg/meta"
)

// BucketHandler handles the bucket management endpoints under /bucket.
type BucketHandler struct {
	logger *slog.Logger
}

// NewBucketHandler creates a new BucketHandler.
func NewBucketHandler(logger *slog.Logger) *BucketHandler {
	return &BucketHandler{logger: logger}
}

// CreateBucketRequest is the request body for POST /bucket.
type CreateBucketRequest struct {
	ID               string   `json:"id,omitempty"`
	Name             string   `json:"name"`
	Public           bool     `json:"public,omitempty"`
	FileSizeLimit    *int64   `json:"file_size_limit,omitempty"`
	AllowedMimeTypes []string `json:"allowed_mime_types,omitempty"`
}

// UpdateBucketRequest is the request body for PUT /bucket/{id}.
type UpdateBucketRequest struct {
	Public           *bool     `json:"public,omitempty"`
	FileSizeLimit    *int64    `json:"file_size_limit,omitempty"`
	AllowedMimeTypes *[]string `json:"allowed_mime_types,omitempty"`
}

// BucketResponse is the JSON rendering of a bucket row.
type BucketResponse struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Owner            string    `json:"owner,omitempty"`
	Public           bool      `json:"public"`
	FileSizeLimit    *int64    `json:"file_size_limit,omitempty"`
	AllowedMimeTypes []string  `json:"allowed_mime_types,omitempty"`
	Type             string    `json:"type"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func bucketResponse(b *meta.Bucket) BucketResponse {
	return BucketResponse{
		ID:               b.ID,
		Name:             b.Name,
		Owner:            b.Owner,
		Public:           b.Public,
		FileSizeLimit:    b.FileSizeLimit,
		AllowedMimeTypes: b.AllowedMimeTypes,
		Type:             string(b.Type),
		CreatedAt:        b.CreatedAt,
		UpdatedAt:        b.UpdatedAt,
	}
}

// messageResponse is the generic {message} acknowledgement body.
type messageResponse struct {
	Message string `json:"message"`
}

// Create handles POST /bucket.
func (h *BucketHandler) Create(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())

	var req CreateBucketRequest
	if !decodeJSONBody(w, r, h.logger, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, h.logger, apperr.InvalidParameter("bucket name is required"))
		return
	}
	if req.ID == "" {
		req.ID = req.Name
	}

	bucket := &meta.Bucket{
		ID:               req.ID,
		Name:             req.Name,
		Owner:            rc.Owner,
		Public:           req.Public,
		FileSizeLimit:    req.FileSizeLimit,
		AllowedMimeTypes: req.AllowedMimeTypes,
	}
	if err := rc.Service.CreateBucket(r.Context(), bucket); err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"name": bucket.Name})
}

// List handles GET /bucket.
func (h *BucketHandler) List(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())

	opts := meta.ListBucketsOptions{
		Limit:  intQuery(r, "limit", 100),
		Offset: intQuery(r, "offset", 0),
	}
	buckets, err := rc.Service.ListBuckets(r.Context(), opts)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	out := make([]BucketResponse, 0, len(buckets))
	for i := range buckets {
		out = append(out, bucketResponse(&buckets[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// Get handles GET /bucket/{bucketId}.
func (h *BucketHandler) Get(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())

	bucket, err := rc.Service.FindBucket(r.Context(), chi.URLParam(r, "bucketId"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, bucketResponse(bucket))
}

// Update handles PUT /bucket/{bucketId}.
func (h *BucketHandler) Update(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())

	var req UpdateBucketRequest
	if !decodeJSONBody(w, r, h.logger, &req) {
		return
	}

	id := chi.URLParam(r, "bucketId")
	upd := meta.BucketUpdate{
		Public:           req.Public,
		FileSizeLimit:    req.FileSizeLimit,
		AllowedMimeTypes: req.AllowedMimeTypes,
	}
	if err := rc.Service.UpdateBucket(r.Context(), id, upd); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Successfully updated"})
}

// Delete handles DELETE /bucket/{bucketId}. Deleting a non-empty bucket
// fails; callers empty it first.
func (h *BucketHandler) Delete(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())

	if err := rc.Service.DeleteBucket(r.Context(), chi.URLParam(r, "bucketId")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Successfully deleted"})
}

// Empty handles POST /bucket/{bucketId}/empty.
func (h *BucketHandler) Empty(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())

	if err := rc.Service.EmptyBucket(r.Context(), chi.URLParam(r, "bucketId")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Successfully emptied"})
}
