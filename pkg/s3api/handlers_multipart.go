package s3api

import (
	"encoding/xml"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/keelstore/keel/pkg/apperr"
	"github.com/keelstore/keel/pkg/blob"
	"github.com/keelstore/keel/pkg/storage"
)

func (h *Handler) createMultipartUpload(w http.ResponseWriter, r *http.Request, rc *requestScope) {
	userMeta, err := h.parseAmzMetadata(r)
	if err != nil {
		h.writeS3Error(w, r, err)
		return
	}

	upload, err := rc.Service.CreateMultipartUpload(r.Context(), storage.CreateMultipartRequest{
		BucketID:     rc.Bucket,
		Key:          rc.Key,
		Owner:        rc.Owner,
		ContentType:  r.Header.Get("Content-Type"),
		CacheControl: r.Header.Get("Cache-Control"),
		UserMetadata: userMeta,
	})
	if err != nil {
		h.writeS3Error(w, r, err)
		return
	}

	writeXML(w, http.StatusOK, &initiateMultipartUploadResult{
		Bucket:   rc.Bucket,
		Key:      rc.Key,
		UploadID: upload.ID,
	})
}

// partNumberParam parses the partNumber query parameter.
func partNumberParam(r *http.Request) (int32, error) {
	n, err := strconv.ParseInt(r.URL.Query().Get("partNumber"), 10, 32)
	if err != nil || n < 1 || n > blob.MaxPartNumber {
		return 0, apperr.InvalidParameter("partNumber must be between 1 and 10000")
	}
	return int32(n), nil
}

func (h *Handler) uploadPart(w http.ResponseWriter, r *http.Request, rc *requestScope) {
	partNumber, err := partNumberParam(r)
	if err != nil {
		h.writeS3Error(w, r, err)
		return
	}
	uploadID := r.URL.Query().Get("uploadId")

	part, err := rc.Service.UploadPart(r.Context(), uploadID, partNumber, r.Body, r.ContentLength)
	if err != nil {
		h.writeS3Error(w, r, err)
		return
	}
	w.Header().Set("ETag", quoteETag(part.ETag))
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) uploadPartCopy(w http.ResponseWriter, r *http.Request, rc *requestScope) {
	partNumber, err := partNumberParam(r)
	if err != nil {
		h.writeS3Error(w, r, err)
		return
	}
	uploadID := r.URL.Query().Get("uploadId")

	srcBucket, srcKey, err := parseCopySource(r.Header.Get("x-amz-copy-source"))
	if err != nil {
		h.writeS3Error(w, r, err)
		return
	}
	rng, err := parseRange(r.Header.Get("x-amz-copy-source-range"))
	if err != nil {
		h.writeS3Error(w, r, err)
		return
	}

	part, err := rc.Service.UploadPartCopy(r.Context(), uploadID, partNumber, srcBucket, srcKey, rng)
	if err != nil {
		h.writeS3Error(w, r, err)
		return
	}
	writeXML(w, http.StatusOK, &copyPartResult{
		ETag:         quoteETag(part.ETag),
		LastModified: s3Time(time.Now()),
	})
}

func (h *Handler) completeMultipartUpload(w http.ResponseWriter, r *http.Request, rc *requestScope) {
	uploadID := r.URL.Query().Get("uploadId")

	// Read to EOF rather than streaming the decode so the signed payload
	// hash is checked before the upload commits.
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.writeS3Error(w, r, err)
		return
	}
	var req completeMultipartUpload
	if err := xml.Unmarshal(body, &req); err != nil {
		h.writeS3Error(w, r, apperr.InvalidParameter("malformed CompleteMultipartUpload document"))
		return
	}
	if len(req.Parts) == 0 {
		h.writeS3Error(w, r, apperr.InvalidPart("the CompleteMultipartUpload document names no parts"))
		return
	}

	parts := make([]blob.UploadedPart, 0, len(req.Parts))
	for _, p := range req.Parts {
		parts = append(parts, blob.UploadedPart{PartNumber: p.PartNumber, ETag: p.ETag})
	}

	obj, err := rc.Service.CompleteMultipartUpload(r.Context(), uploadID, parts)
	if err != nil {
		h.writeS3Error(w, r, err)
		return
	}

	result := &completeMultipartUploadResult{
		Location: "/" + rc.Bucket + "/" + rc.Key,
		Bucket:   rc.Bucket,
		Key:      rc.Key,
	}
	if obj.Metadata != nil {
		result.ETag = quoteETag(obj.Metadata.ETag)
	}
	writeXML(w, http.StatusOK, result)
}

func (h *Handler) abortMultipartUpload(w http.ResponseWriter, r *http.Request, rc *requestScope) {
	if err := rc.Service.AbortMultipartUpload(r.Context(), r.URL.Query().Get("uploadId")); err != nil {
		h.writeS3Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listParts(w http.ResponseWriter, r *http.Request, rc *requestScope) {
	upload, parts, err := rc.Service.ListParts(r.Context(), r.URL.Query().Get("uploadId"))
	if err != nil {
		h.writeS3Error(w, r, err)
		return
	}

	out := &listPartsResult{
		Bucket:   rc.Bucket,
		Key:      upload.Key,
		UploadID: upload.ID,
		MaxParts: blob.MaxPartNumber,
	}
	for _, p := range parts {
		out.Parts = append(out.Parts, partEntry{
			PartNumber:   p.PartNumber,
			LastModified: s3Time(p.CreatedAt),
			ETag:         quoteETag(p.ETag),
			Size:         p.Size,
		})
	}
	writeXML(w, http.StatusOK, out)
}

func (h *Handler) listMultipartUploads(w http.ResponseWriter, r *http.Request, rc *requestScope) {
	query := r.URL.Query()

	maxUploads := 1000
	if raw := query.Get("max-uploads"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeS3Error(w, r, apperr.InvalidParameter("max-uploads must be a non-negative integer"))
			return
		}
		if n < maxUploads {
			maxUploads = n
		}
	}

	uploads, err := rc.Service.ListMultipartUploads(r.Context(), rc.Bucket, query.Get("prefix"), maxUploads)
	if err != nil {
		h.writeS3Error(w, r, err)
		return
	}

	out := &listMultipartUploadsResult{Bucket: rc.Bucket, MaxUploads: maxUploads}
	for _, u := range uploads {
		out.Uploads = append(out.Uploads, uploadEntry{
			Key:       u.Key,
			UploadID:  u.ID,
			Initiated: s3Time(u.CreatedAt),
		})
	}
	writeXML(w, http.StatusOK, out)
}
