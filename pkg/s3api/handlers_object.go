package s3api

import (
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/keelstore/keel/pkg/apperr"
	"github.com/keelstore/keel/pkg/blob"
	"github.com/keelstore/keel/pkg/meta"
	"github.com/keelstore/keel/pkg/storage"
)

// quoteETag wraps a bare ETag in the double quotes the wire format requires.
func quoteETag(etag string) string {
	if etag == "" || strings.HasPrefix(etag, "\"") {
		return etag
	}
	return "\"" + etag + "\""
}

// parseRange parses a "bytes=start-end" header. Open ends ("bytes=100-")
// are supported; suffix and multi-range requests are not.
func parseRange(header string) (*blob.Range, error) {
	if header == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return nil, apperr.InvalidParameter("unsupported Range header")
	}
	startRaw, endRaw, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, apperr.InvalidParameter("malformed Range header")
	}
	if startRaw == "" {
		return nil, apperr.InvalidParameter("suffix ranges are not supported")
	}

	rng := &blob.Range{Start: 0, End: -1}
	start, err := strconv.ParseInt(startRaw, 10, 64)
	if err != nil || start < 0 {
		return nil, apperr.InvalidParameter("malformed Range header")
	}
	rng.Start = start
	if endRaw != "" {
		end, err := strconv.ParseInt(endRaw, 10, 64)
		if err != nil || end < start {
			return nil, apperr.InvalidParameter("malformed Range header")
		}
		rng.End = end
	}
	return rng, nil
}

// parseConditions lifts the HTTP conditional headers. The prefix selects the
// plain conditionals or the x-amz-copy-source-if-* family.
func parseConditions(header http.Header, copySource bool) *blob.Conditions {
	name := func(s string) string {
		if copySource {
			return "x-amz-copy-source-if-" + strings.ToLower(strings.TrimPrefix(s, "If-"))
		}
		return s
	}

	cond := &blob.Conditions{
		IfMatch:     header.Get(name("If-Match")),
		IfNoneMatch: header.Get(name("If-None-Match")),
	}
	if raw := header.Get(name("If-Modified-Since")); raw != "" {
		if t, err := http.ParseTime(raw); err == nil {
			cond.IfModifiedSince = &t
		}
	}
	if raw := header.Get(name("If-Unmodified-Since")); raw != "" {
		if t, err := http.ParseTime(raw); err == nil {
			cond.IfUnmodifiedSince = &t
		}
	}
	if cond.IfMatch == "" && cond.IfNoneMatch == "" && cond.IfModifiedSince == nil && cond.IfUnmodifiedSince == nil {
		return nil
	}
	return cond
}

// parseCopySource splits an x-amz-copy-source header into bucket and key.
func parseCopySource(header string) (bucket, key string, err error) {
	decoded, err := url.PathUnescape(header)
	if err != nil {
		return "", "", apperr.InvalidParameter("malformed x-amz-copy-source")
	}
	decoded = strings.TrimPrefix(decoded, "/")
	bucket, key, ok := strings.Cut(decoded, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", apperr.InvalidParameter("x-amz-copy-source must be /bucket/key")
	}
	return bucket, key, nil
}

// writeObjectHeaders renders the metadata-derived response headers shared by
// HEAD and GET.
func writeObjectHeaders(w http.ResponseWriter, obj *meta.Object) {
	if obj.Metadata != nil {
		if obj.Metadata.Mimetype != "" {
			w.Header().Set("Content-Type", obj.Metadata.Mimetype)
		}
		if obj.Metadata.CacheControl != "" {
			w.Header().Set("Cache-Control", obj.Metadata.CacheControl)
		}
		w.Header().Set("ETag", quoteETag(obj.Metadata.ETag))
		w.Header().Set("Last-Modified", obj.Metadata.LastModified.UTC().Format(http.TimeFormat))
	}
	for k, v := range obj.UserMetadata {
		w.Header().Set("x-amz-meta-"+k, v)
	}
	w.Header().Set("Accept-Ranges", "bytes")
}

func (h *Handler) headObject(w http.ResponseWriter, r *http.Request, rc *requestScope) {
	obj, err := rc.Service.FindObject(r.Context(), rc.Bucket, rc.Key, meta.FindObjectOptions{})
	if err != nil {
		h.writeS3Error(w, r, err)
		return
	}
	writeObjectHeaders(w, obj)
	if obj.Metadata != nil {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Metadata.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) getObject(w http.ResponseWriter, r *http.Request, rc *requestScope) {
	rng, err := parseRange(r.Header.Get("Range"))
	if err != nil {
		h.writeS3Error(w, r, err)
		return
	}
	cond := parseConditions(r.Header, false)

	obj, result, err := rc.Service.ReadObject(r.Context(), rc.Bucket, rc.Key, rng, cond)
	if err != nil {
		h.writeS3Error(w, r, err)
		return
	}

	writeObjectHeaders(w, obj)

	status := result.HTTPStatus
	if status == 0 {
		status = http.StatusOK
	}
	if status == http.StatusNotModified {
		w.WriteHeader(status)
		return
	}
	defer result.Body.Close()

	if result.ContentRange != "" {
		w.Header().Set("Content-Range", result.ContentRange)
	}
	if result.ContentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(result.ContentLength, 10))
	}
	w.WriteHeader(status)
	if _, err := io.Copy(w, result.Body); err != nil {
		h.logger.Warn("aborted object download", "bucket", rc.Bucket, "key", rc.Key, "error", err)
	}
}

func (h *Handler) putObject(w http.ResponseWriter, r *http.Request, rc *requestScope) {
	userMeta, err := h.parseAmzMetadata(r)
	if err != nil {
		h.writeS3Error(w, r, err)
		return
	}

	obj, err := rc.Service.UploadObject(r.Context(), storage.UploadRequest{
		BucketID:     rc.Bucket,
		Name:         rc.Key,
		Owner:        rc.Owner,
		ContentType:  r.Header.Get("Content-Type"),
		CacheControl: r.Header.Get("Cache-Control"),
		UserMetadata: userMeta,
		Body:         r.Body,
		Upsert:       true,
	})
	if err != nil {
		h.writeS3Error(w, r, err)
		return
	}
	if obj.Metadata != nil {
		w.Header().Set("ETag", quoteETag(obj.Metadata.ETag))
	}
	w.WriteHeader(http.StatusOK)
}

// postObject handles the browser form upload: multipart/form-data with the
// key and policy fields followed by the file part.
func (h *Handler) postObject(w http.ResponseWriter, r *http.Request, rc *requestScope) {
	reader, err := r.MultipartReader()
	if err != nil {
		h.writeS3Error(w, r, apperr.InvalidParameter("expected multipart/form-data"))
		return
	}

	fields := make(map[string]string)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			h.writeS3Error(w, r, apperr.InvalidParameter("missing file field"))
			return
		}
		if err != nil {
			h.writeS3Error(w, r, apperr.InvalidParameter("malformed multipart body"))
			return
		}

		name := part.FormName()
		if name != "file" {
			// Form fields precede the file part; everything after it is
			// ignored, matching S3.
			value, err := io.ReadAll(io.LimitReader(part, 1<<20))
			if err != nil {
				h.writeS3Error(w, r, apperr.InvalidParameter("malformed multipart body"))
				return
			}
			fields[strings.ToLower(name)] = string(value)
			continue
		}

		key := fields["key"]
		if key == "" {
			h.writeS3Error(w, r, apperr.InvalidParameter("the key form field is required"))
			return
		}
		key = strings.ReplaceAll(key, "${filename}", part.FileName())

		userMeta := make(map[string]string)
		for k, v := range fields {
			if metaKey, ok := strings.CutPrefix(k, "x-amz-meta-"); ok {
				userMeta[metaKey] = v
			}
		}
		if len(userMeta) == 0 {
			userMeta = nil
		}

		obj, err := rc.Service.UploadObject(r.Context(), storage.UploadRequest{
			BucketID:     rc.Bucket,
			Name:         key,
			Owner:        rc.Owner,
			ContentType:  fields["content-type"],
			CacheControl: fields["cache-control"],
			UserMetadata: userMeta,
			Body:         part,
			Upsert:       true,
		})
		if err != nil {
			h.writeS3Error(w, r, err)
			return
		}
		if obj.Metadata != nil {
			w.Header().Set("ETag", quoteETag(obj.Metadata.ETag))
		}
		w.Header().Set("Location", "/"+rc.Bucket+"/"+key)

		switch fields["success_action_status"] {
		case "200":
			w.WriteHeader(http.StatusOK)
		case "201":
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
		return
	}
}

func (h *Handler) copyObject(w http.ResponseWriter, r *http.Request, rc *requestScope) {
	srcBucket, srcKey, err := parseCopySource(r.Header.Get("x-amz-copy-source"))
	if err != nil {
		h.writeS3Error(w, r, err)
		return
	}

	copyMetadata := !strings.EqualFold(r.Header.Get("x-amz-metadata-directive"), "REPLACE")

	obj, err := rc.Service.CopyObject(r.Context(), storage.CopyRequest{
		SourceBucket:      srcBucket,
		SourceKey:         srcKey,
		DestinationBucket: rc.Bucket,
		DestinationKey:    rc.Key,
		Owner:             rc.Owner,
		CopyMetadata:      copyMetadata,
		Conditions:        parseConditions(r.Header, true),
		Upsert:            true,
	})
	if err != nil {
		h.writeS3Error(w, r, err)
		return
	}

	result := &copyObjectResult{LastModified: s3Time(time.Now())}
	if obj.Metadata != nil {
		result.ETag = quoteETag(obj.Metadata.ETag)
		result.LastModified = s3Time(obj.Metadata.LastModified)
	}
	writeXML(w, http.StatusOK, result)
}

func (h *Handler) deleteObject(w http.ResponseWriter, r *http.Request, rc *requestScope) {
	err := rc.Service.DeleteObject(r.Context(), rc.Bucket, rc.Key)
	if err != nil && !apperr.IsCode(err, "NoSuchKey") {
		h.writeS3Error(w, r, err)
		return
	}
	// Deleting a missing key succeeds, matching S3.
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteObjects(w http.ResponseWriter, r *http.Request, rc *requestScope) {
	// Read to EOF rather than streaming the decode so the signed payload
	// hash is checked before any delete runs.
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.writeS3Error(w, r, err)
		return
	}
	var req deleteRequest
	if err := xml.Unmarshal(body, &req); err != nil {
		h.writeS3Error(w, r, apperr.InvalidParameter("malformed Delete document"))
		return
	}
	if len(req.Objects) == 0 {
		h.writeS3Error(w, r, apperr.InvalidParameter("the Delete document names no objects"))
		return
	}

	names := make([]string, 0, len(req.Objects))
	for _, o := range req.Objects {
		names = append(names, o.Key)
	}

	result := rc.Service.DeleteObjects(r.Context(), rc.Bucket, names)

	out := &deleteResult{}
	if !req.Quiet {
		for _, name := range result.Deleted {
			out.Deleted = append(out.Deleted, deletedObject{Key: name})
		}
	}
	for name, err := range result.Errors {
		e := apperr.As(err)
		code := e.Code
		if mapped, ok := s3Code[code]; ok {
			code = mapped
		}
		out.Errors = append(out.Errors, deleteError{Key: name, Code: code, Message: e.Message})
	}
	writeXML(w, http.StatusOK, out)
}

func (h *Handler) getObjectTagging(w http.ResponseWriter, r *http.Request, rc *requestScope) {
	if _, err := rc.Service.FindObject(r.Context(), rc.Bucket, rc.Key, meta.FindObjectOptions{}); err != nil {
		h.writeS3Error(w, r, err)
		return
	}
	// Object tags are not stored; existing objects report an empty set.
	writeXML(w, http.StatusOK, &tagging{})
}
