package s3api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/keelstore/keel/pkg/apperr"
	"github.com/keelstore/keel/pkg/sigv4"
	"github.com/keelstore/keel/pkg/storage"
)

// Identity is the authenticated principal bound to its tenant service.
type Identity struct {
	TenantID string
	Owner    string
	Service  *storage.Service
}

// IdentityResolver authenticates requests. SigV4 credentials resolve by
// access key id; bearer tokens resolve from the request directly.
type IdentityResolver interface {
	FromAccessKey(ctx context.Context, accessKeyID string) (*Identity, error)
	FromBearer(r *http.Request) (*Identity, error)
}

// requestScope carries the per-request state through a handler.
type requestScope struct {
	*Identity
	Bucket string
	Key    string
}

// Config tunes the protocol surface.
type Config struct {
	// MountPrefix is stripped from error Resource paths ("/s3").
	MountPrefix string

	// MaxMetadataHeaders and MaxMetadataSize cap the x-amz-meta-* map.
	MaxMetadataHeaders int
	MaxMetadataSize    int
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.MountPrefix == "" {
		c.MountPrefix = "/s3"
	}
	if c.MaxMetadataHeaders == 0 {
		c.MaxMetadataHeaders = 32
	}
	if c.MaxMetadataSize == 0 {
		c.MaxMetadataSize = 2048
	}
}

// Handler is the S3 protocol handler.
type Handler struct {
	ids      IdentityResolver
	verifier *sigv4.Verifier
	logger   *slog.Logger

	mountPrefix        string
	maxMetadataHeaders int
	maxMetadataSize    int

	routes []route
}

// New creates the handler with its route table.
func New(ids IdentityResolver, verifier *sigv4.Verifier, config Config, logger *slog.Logger) *Handler {
	config.ApplyDefaults()
	h := &Handler{
		ids:                ids,
		verifier:           verifier,
		logger:             logger,
		mountPrefix:        config.MountPrefix,
		maxMetadataHeaders: config.MaxMetadataHeaders,
		maxMetadataSize:    config.MaxMetadataSize,
	}
	h.routes = h.buildRoutes()
	return h
}

// buildRoutes declares the matcher table. Order matters: within one
// (method, path shape) group the first satisfied route wins, so qualified
// routes precede the bare fallbacks.
func (h *Handler) buildRoutes() []route {
	return []route{
		// Service level.
		{method: http.MethodGet, path: pathService, query: q("*"), operation: "ListBuckets", handler: h.listBuckets},

		// Bucket subresources before the bare bucket routes.
		{method: http.MethodGet, path: pathBucket, query: q("location"), operation: "GetBucketLocation", handler: h.getBucketLocation},
		{method: http.MethodGet, path: pathBucket, query: q("versioning"), operation: "GetBucketVersioning", handler: h.getBucketVersioning},
		{method: http.MethodGet, path: pathBucket, query: q("uploads"), operation: "ListMultipartUploads", handler: h.listMultipartUploads},
		{method: http.MethodGet, path: pathBucket, query: q("list-type=2"), operation: "ListObjectsV2", handler: h.listObjectsV2},
		{method: http.MethodGet, path: pathBucket, query: q("*"), operation: "ListObjectsV2", handler: h.listObjectsV2},
		{method: http.MethodPut, path: pathBucket, query: q("*"), operation: "CreateBucket", handler: h.createBucket},
		{method: http.MethodHead, path: pathBucket, query: q("*"), operation: "HeadBucket", handler: h.headBucket},
		{method: http.MethodDelete, path: pathBucket, query: q("*"), operation: "DeleteBucket", handler: h.deleteBucket},
		{method: http.MethodPost, path: pathBucket, query: q("delete"), operation: "DeleteObjects", handler: h.deleteObjects},
		{method: http.MethodPost, path: pathBucket, query: q("*"), operation: "PostObject", handler: h.postObject, rawBody: true},

		// Multipart object routes before the bare object routes.
		{method: http.MethodPost, path: pathObject, query: q("uploads"), operation: "CreateMultipartUpload", handler: h.createMultipartUpload},
		{method: http.MethodPost, path: pathObject, query: q("uploadId=*"), operation: "CompleteMultipartUpload", handler: h.completeMultipartUpload},
		{method: http.MethodPut, path: pathObject, query: q("uploadId=*", "partNumber=*"), headers: []string{"x-amz-copy-source"}, operation: "UploadPartCopy", handler: h.uploadPartCopy},
		{method: http.MethodPut, path: pathObject, query: q("uploadId=*", "partNumber=*"), operation: "UploadPart", handler: h.uploadPart, rawBody: true},
		{method: http.MethodGet, path: pathObject, query: q("uploadId=*"), operation: "ListParts", handler: h.listParts},
		{method: http.MethodDelete, path: pathObject, query: q("uploadId=*"), operation: "AbortMultipartUpload", handler: h.abortMultipartUpload},

		{method: http.MethodGet, path: pathObject, query: q("tagging"), operation: "GetObjectTagging", handler: h.getObjectTagging},
		{method: http.MethodPut, path: pathObject, query: q("*"), headers: []string{"x-amz-copy-source"}, operation: "CopyObject", handler: h.copyObject},
		{method: http.MethodPut, path: pathObject, query: q("*"), operation: "PutObject", handler: h.putObject, rawBody: true},
		{method: http.MethodGet, path: pathObject, query: q("*"), operation: "GetObject", handler: h.getObject},
		{method: http.MethodHead, path: pathObject, query: q("*"), operation: "HeadObject", handler: h.headObject},
		{method: http.MethodDelete, path: pathObject, query: q("*"), operation: "DeleteObject", handler: h.deleteObject},
	}
}

// ServeHTTP authenticates, matches and dispatches. The mount prefix is
// assumed already stripped by the parent mux.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt := match(h.routes, r)
	if rt == nil {
		h.writeS3Error(w, r, apperr.InvalidParameter("unsupported operation"))
		return
	}

	identity, err := h.authenticate(r)
	if err != nil {
		h.writeS3Error(w, r, err)
		return
	}

	bucket, key := splitPath(r.URL.Path)
	scope := &requestScope{Identity: identity, Bucket: bucket, Key: key}
	rt.handler(w, r, scope)
}

// authenticate verifies SigV4 when an AWS4 Authorization header is present;
// otherwise it falls back to a bearer token. When both are present SigV4
// wins.
func (h *Handler) authenticate(r *http.Request) (*Identity, error) {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "AWS4-HMAC-SHA256 ") {
		result, err := h.verifier.Verify(r.Context(), r)
		if err != nil {
			return nil, err
		}
		identity, err := h.ids.FromAccessKey(r.Context(), result.AccessKeyID)
		if err != nil {
			return nil, err
		}
		if result.Streaming {
			r.Body = newStreamingBody(r.Body, result)
		}
		return identity, nil
	}

	if auth != "" || r.Header.Get("ApiKey") != "" {
		return h.ids.FromBearer(r)
	}
	return nil, apperr.AccessDenied("missing credentials")
}

// newStreamingBody wraps an aws-chunked body with chunk verification.
func newStreamingBody(body io.ReadCloser, result *sigv4.Result) io.ReadCloser {
	return &streamingBody{
		inner:  body,
		reader: sigv4.NewChunkedReader(body, result.SigningKey, result.SeedSignature, result.RequestTime, result.Scope),
	}
}

type streamingBody struct {
	inner  io.ReadCloser
	reader io.Reader
}

func (s *streamingBody) Read(p []byte) (int, error) { return s.reader.Read(p) }
func (s *streamingBody) Close() error               { return s.inner.Close() }

// parseAmzMetadata collects x-amz-meta-* headers into a map, enforcing the
// header count and total size budgets. Keys keep their case-insensitive
// lowered form.
func (h *Handler) parseAmzMetadata(r *http.Request) (map[string]string, error) {
	const prefix = "x-amz-meta-"

	out := make(map[string]string)
	total := 0
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, prefix) {
			continue
		}
		key := strings.TrimPrefix(lower, prefix)
		value := strings.Join(values, ",")

		out[key] = value
		total += len(key) + len(value)

		if len(out) > h.maxMetadataHeaders {
			return nil, apperr.InvalidParameter("too many metadata headers")
		}
		if total > h.maxMetadataSize {
			return nil, apperr.InvalidParameter("metadata exceeds the size limit")
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
