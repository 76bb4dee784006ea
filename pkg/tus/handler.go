package tus

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/keelstore/keel/pkg/apperr"
	"github.com/keelstore/keel/pkg/blob"
	"github.com/keelstore/keel/pkg/storage"
)

const tusVersion = "1.0.0"

// RequestContext is what the server resolves per request before the TUS
// handler runs.
type RequestContext struct {
	TenantID string
	Service  *storage.Service
	Owner    string

	// UseFileVersionSeparator selects the tenant's upload-id encoding.
	UseFileVersionSeparator bool
}

// Resolver binds an incoming request to its tenant.
type Resolver func(r *http.Request) (*RequestContext, error)

// Config tunes the TUS surface.
type Config struct {
	// Prefix is the mount path, used to build Location headers.
	Prefix string

	// PartSize is the multipart part size for buffered appends.
	PartSize int64

	// LockWaitTimeout bounds cross-node lock handover.
	LockWaitTimeout time.Duration

	// URLExpiry bounds how long an unfinished upload stays resumable;
	// surfaced via Upload-Expires.
	URLExpiry time.Duration
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Prefix == "" {
		c.Prefix = "/upload/resumable"
	}
	if c.PartSize == 0 {
		c.PartSize = 50 * 1024 * 1024
	}
	if c.LockWaitTimeout == 0 {
		c.LockWaitTimeout = 10 * time.Second
	}
	if c.URLExpiry == 0 {
		c.URLExpiry = 24 * time.Hour
	}
}

// Handler serves the TUS 1.0 protocol.
type Handler struct {
	resolve Resolver
	locker  *Locker
	config  Config
	logger  *slog.Logger
}

// NewHandler creates the TUS handler.
func NewHandler(resolve Resolver, locker *Locker, config Config, logger *slog.Logger) *Handler {
	config.ApplyDefaults()
	return &Handler{resolve: resolve, locker: locker, config: config, logger: logger}
}

// Routes mounts the TUS endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(tusResumable)
	r.Post("/", h.create)
	r.Head("/*", h.head)
	r.Patch("/*", h.patch)
	r.Delete("/*", h.delete)
	r.Options("/", h.options)
	return r
}

// tusResumable enforces and echoes the protocol version header. OPTIONS is
// exempt per the TUS core protocol.
func tusResumable(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Tus-Resumable", tusVersion)
		if r.Method != http.MethodOptions && r.Header.Get("Tus-Resumable") != tusVersion {
			http.Error(w, "unsupported TUS version", http.StatusPreconditionFailed)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) options(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Tus-Version", tusVersion)
	w.Header().Set("Tus-Extension", "creation,termination,expiration")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	rc, err := h.resolve(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	meta, err := ParseUploadMetadata(r.Header.Get("Upload-Metadata"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	bucket := meta[metaBucketName]
	object := meta[metaObjectName]
	if bucket == "" || object == "" {
		h.writeError(w, apperr.InvalidParameter("bucketName and objectName metadata are required"))
		return
	}

	length, err := strconv.ParseInt(r.Header.Get("Upload-Length"), 10, 64)
	if err != nil || length < 0 {
		h.writeError(w, apperr.InvalidParameter("Upload-Length is required"))
		return
	}

	limit, err := rc.Service.SizeLimitFor(r.Context(), bucket)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if limit > 0 && length > limit {
		h.writeError(w, apperr.PayloadTooLarge(limit))
		return
	}

	id := UploadID{Tenant: rc.TenantID, Bucket: bucket, Object: object, Version: uuid.NewString()}
	if _, err := ParseUploadID(id.Format(rc.UseFileVersionSeparator), rc.UseFileVersionSeparator); err != nil {
		h.writeError(w, err)
		return
	}

	userMeta := make(map[string]string)
	for k, v := range meta {
		switch k {
		case metaBucketName, metaObjectName, metaContentType, metaCacheControl:
		default:
			userMeta[k] = v
		}
	}

	st := &store{backend: rc.Service.Backend(), partSize: h.config.PartSize}
	info := &uploadInfo{
		Size:         length,
		ContentType:  meta[metaContentType],
		CacheControl: meta[metaCacheControl],
		Metadata:     userMeta,
		Upsert:       r.Header.Get("X-Upsert") == "true",
		Owner:        rc.Owner,
	}
	key := rc.Service.BlobKey(bucket, object)
	if err := st.create(r.Context(), key, id.Version, info); err != nil {
		h.writeError(w, err)
		return
	}

	location := h.config.Prefix + "/" + url.PathEscape(id.Format(rc.UseFileVersionSeparator))
	w.Header().Set("Location", location)
	w.Header().Set("Upload-Expires", time.Now().Add(h.config.URLExpiry).UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusCreated)
}

// uploadFromRequest resolves the tenant and parses the upload id from the
// URL tail.
func (h *Handler) uploadFromRequest(r *http.Request) (*RequestContext, UploadID, error) {
	rc, err := h.resolve(r)
	if err != nil {
		return nil, UploadID{}, err
	}

	raw := chi.URLParam(r, "*")
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return nil, UploadID{}, apperr.InvalidParameter("malformed upload id")
	}
	id, err := ParseUploadID(decoded, rc.UseFileVersionSeparator)
	if err != nil {
		return nil, UploadID{}, err
	}
	if id.Tenant != rc.TenantID {
		return nil, UploadID{}, apperr.NoSuchUpload(decoded)
	}
	return rc, id, nil
}

func (h *Handler) head(w http.ResponseWriter, r *http.Request) {
	rc, id, err := h.uploadFromRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	st := &store{backend: rc.Service.Backend(), partSize: h.config.PartSize}
	key := rc.Service.BlobKey(id.Bucket, id.Object)

	info, err := st.readInfo(r.Context(), key, id.Version)
	if err != nil {
		if blob.IsNotFound(err) {
			h.writeError(w, apperr.NoSuchUpload(id.Format(rc.UseFileVersionSeparator)))
			return
		}
		h.writeError(w, err)
		return
	}

	offset, _, err := st.offset(r.Context(), key, id.Version, info.MultipartID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Upload-Offset", strconv.FormatInt(offset, 10))
	w.Header().Set("Upload-Length", strconv.FormatInt(info.Size, 10))
	if len(info.Metadata) > 0 {
		w.Header().Set("Upload-Metadata", FormatUploadMetadata(info.Metadata))
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) patch(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Content-Type") != "application/offset+octet-stream" {
		h.writeError(w, apperr.InvalidParameter("unsupported content type"))
		return
	}

	rc, id, err := h.uploadFromRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	reqOffset, err := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)
	if err != nil || reqOffset < 0 {
		h.writeError(w, apperr.InvalidParameter("Upload-Offset is required"))
		return
	}

	st := &store{backend: rc.Service.Backend(), partSize: h.config.PartSize}
	key := rc.Service.BlobKey(id.Bucket, id.Object)

	info, err := st.readInfo(r.Context(), key, id.Version)
	if err != nil {
		if blob.IsNotFound(err) {
			h.writeError(w, apperr.NoSuchUpload(id.Format(rc.UseFileVersionSeparator)))
			return
		}
		h.writeError(w, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var newOffset int64
	var completedSize int64
	var prevVersion string
	completed := false

	err = rc.Service.WithTx(ctx, func(txSvc *storage.Service) error {
		release, err := h.locker.Acquire(ctx, txSvc.Store(), id, cancel)
		if err != nil {
			return err
		}
		defer release()

		// Re-derive the offset under the lock; a peer may have appended
		// since the pre-lock read.
		offset, parts, err := st.offset(ctx, key, id.Version, info.MultipartID)
		if err != nil {
			return err
		}
		if offset != reqOffset {
			return apperr.UploadOffsetMismatch()
		}

		written, err := st.appendBody(ctx, key, id.Version, info.MultipartID, int32(len(parts))+1, r.Body, info.Size-offset)
		newOffset = offset + written
		if err != nil {
			return err
		}

		if newOffset == info.Size {
			_, parts, err := st.offset(ctx, key, id.Version, info.MultipartID)
			if err != nil {
				return err
			}
			objInfo, err := st.complete(ctx, key, id.Version, info.MultipartID, parts)
			if err != nil {
				return err
			}
			obj, prev, err := txSvc.CommitUploadedObject(ctx, id.Bucket, id.Object, id.Version, info.Owner, objInfo, info.Metadata, info.Upsert)
			if err != nil {
				return err
			}
			completed = true
			completedSize = obj.Metadata.Size
			prevVersion = prev
		}
		return nil
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	if completed {
		rc.Service.EmitObjectCreated(id.Bucket, id.Object, id.Version, completedSize)
		if prevVersion != "" && prevVersion != id.Version {
			rc.Service.ScheduleAdminDelete(id.Bucket, id.Object, prevVersion)
		}
	}

	w.Header().Set("Upload-Offset", strconv.FormatInt(newOffset, 10))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	rc, id, err := h.uploadFromRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	st := &store{backend: rc.Service.Backend(), partSize: h.config.PartSize}
	key := rc.Service.BlobKey(id.Bucket, id.Object)

	info, err := st.readInfo(r.Context(), key, id.Version)
	if err != nil {
		if blob.IsNotFound(err) {
			h.writeError(w, apperr.NoSuchUpload(id.Format(rc.UseFileVersionSeparator)))
			return
		}
		h.writeError(w, err)
		return
	}

	if err := st.abort(r.Context(), key, id.Version, info.MultipartID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	e := apperr.As(err)
	h.logger.Debug("tus request failed", "code", e.Code, "error", err)
	http.Error(w, e.Message, e.Status)
}
