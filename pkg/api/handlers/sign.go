package handlers

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keelstore/keel/pkg/api/middleware"
	"github.com/keelstore/keel/pkg/meta"
	"github.com/keelstore/keel/pkg/storage"
)

// SignHandler handles signed download and upload URLs under /object/sign and
// /object/upload/sign. Tokens are HMAC JWTs bound to the exact request path,
// minted with the tenant's JWT secret.
type SignHandler struct {
	logger         *slog.Logger
	downloadExpiry time.Duration
	uploadExpiry   time.Duration
	objects        *ObjectHandler
}

// NewSignHandler creates a new SignHandler. downloadExpiry and uploadExpiry
// cap the token lifetimes clients may request.
func NewSignHandler(logger *slog.Logger, downloadExpiry, uploadExpiry time.Duration) *SignHandler {
	return &SignHandler{
		logger:         logger,
		downloadExpiry: downloadExpiry,
		uploadExpiry:   uploadExpiry,
		objects:        NewObjectHandler(logger),
	}
}

// SignRequest is the request body for POST /object/sign/{bucketId}/*.
type SignRequest struct {
	ExpiresIn int `json:"expiresIn"`
}

// SignResponse carries the token-bearing relative URL.
type SignResponse struct {
	SignedURL string `json:"signedURL"`
}

// SignedUploadResponse carries the signed upload location and its token.
type SignedUploadResponse struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// CreateSignedURL handles POST /object/sign/{bucketId}/*: mints a download
// token after checking the object exists.
func (h *SignHandler) CreateSignedURL(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())
	bucket := chi.URLParam(r, "bucketId")
	key, err := objectKey(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var req SignRequest
	if !decodeJSONBody(w, r, h.logger, &req) {
		return
	}

	if _, err := rc.Service.FindObject(r.Context(), bucket, key, meta.FindObjectOptions{
		Columns: []string{"id"},
	}); err != nil {
		writeError(w, h.logger, err)
		return
	}

	path := "/object/sign/" + bucket + "/" + key
	ttl := expirySeconds(req.ExpiresIn, h.downloadExpiry)
	token, err := middleware.SignURLToken(rc.Config.JWTSecret, path, rc.Owner, ttl)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, SignResponse{
		SignedURL: path + "?token=" + url.QueryEscape(token),
	})
}

// ServeSignedObject handles GET /object/sign/{bucketId}/*?token=...: serves
// the object without other credentials when the token checks out.
func (h *SignHandler) ServeSignedObject(w http.ResponseWriter, r *http.Request) {
	bucket := chi.URLParam(r, "bucketId")
	key, err := objectKey(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	rc := FromContext(r.Context())
	path := "/object/sign/" + bucket + "/" + key
	if _, err := middleware.VerifyURLToken(rc.Config.JWTSecret, r.URL.Query().Get("token"), path); err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.objects.serve(w, r, false)
}

// CreateSignedUploadURL handles POST /object/upload/sign/{bucketId}/*.
func (h *SignHandler) CreateSignedUploadURL(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())
	bucket := chi.URLParam(r, "bucketId")
	key, err := objectKey(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	path := "/object/upload/sign/" + bucket + "/" + key
	token, err := middleware.SignURLToken(rc.Config.JWTSecret, path, rc.Owner, h.uploadExpiry)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, SignedUploadResponse{
		URL:   path + "?token=" + url.QueryEscape(token),
		Token: token,
	})
}

// UploadSignedObject handles PUT /object/upload/sign/{bucketId}/*?token=...:
// the token authorizes one write to the exact key, owned by the signer.
func (h *SignHandler) UploadSignedObject(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())
	bucket := chi.URLParam(r, "bucketId")
	key, err := objectKey(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	path := "/object/upload/sign/" + bucket + "/" + key
	claims, err := middleware.VerifyURLToken(rc.Config.JWTSecret, r.URL.Query().Get("token"), path)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	obj, err := rc.Service.UploadObject(r.Context(), storage.UploadRequest{
		BucketID:     bucket,
		Name:         key,
		Owner:        claims.Subject,
		ContentType:  contentType,
		CacheControl: r.Header.Get("Cache-Control"),
		Body:         r.Body,
		Upsert:       r.Header.Get("x-upsert") == "true",
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, UploadResponse{Key: bucket + "/" + key, ID: obj.ID})
}
