package s3api

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/keelstore/keel/pkg/apperr"
	"github.com/keelstore/keel/pkg/meta"
)

func (h *Handler) createBucket(w http.ResponseWriter, r *http.Request, rc *requestScope) {
	b := &meta.Bucket{ID: rc.Bucket, Name: rc.Bucket, Owner: rc.Owner}
	if err := rc.Service.CreateBucket(r.Context(), b); err != nil {
		h.writeS3Error(w, r, err)
		return
	}
	w.Header().Set("Location", "/"+rc.Bucket)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) headBucket(w http.ResponseWriter, r *http.Request, rc *requestScope) {
	if _, err := rc.Service.FindBucket(r.Context(), rc.Bucket); err != nil {
		h.writeS3Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) deleteBucket(w http.ResponseWriter, r *http.Request, rc *requestScope) {
	if err := rc.Service.DeleteBucket(r.Context(), rc.Bucket); err != nil {
		h.writeS3Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listBuckets(w http.ResponseWriter, r *http.Request, rc *requestScope) {
	buckets, err := rc.Service.ListBuckets(r.Context(), meta.ListBucketsOptions{})
	if err != nil {
		h.writeS3Error(w, r, err)
		return
	}

	entries := make([]bucketEntry, 0, len(buckets))
	for _, b := range buckets {
		entries = append(entries, bucketEntry{Name: b.Name, CreationDate: s3Time(b.CreatedAt)})
	}
	writeXML(w, http.StatusOK, &listAllMyBucketsResult{
		Owner:   owner{ID: rc.Owner, DisplayName: rc.Owner},
		Buckets: entries,
	})
}

func (h *Handler) getBucketLocation(w http.ResponseWriter, r *http.Request, rc *requestScope) {
	if _, err := rc.Service.FindBucket(r.Context(), rc.Bucket); err != nil {
		h.writeS3Error(w, r, err)
		return
	}
	// The empty constraint means the default region, matching S3's
	// us-east-1 convention.
	writeXML(w, http.StatusOK, &locationConstraint{})
}

func (h *Handler) getBucketVersioning(w http.ResponseWriter, r *http.Request, rc *requestScope) {
	if _, err := rc.Service.FindBucket(r.Context(), rc.Bucket); err != nil {
		h.writeS3Error(w, r, err)
		return
	}
	// Buckets are never versioned; an empty Status means "never enabled".
	writeXML(w, http.StatusOK, &versioningConfiguration{})
}

func (h *Handler) listObjectsV2(w http.ResponseWriter, r *http.Request, rc *requestScope) {
	query := r.URL.Query()

	maxKeys := 1000
	if raw := query.Get("max-keys"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeS3Error(w, r, apperr.InvalidParameter("max-keys must be a non-negative integer"))
			return
		}
		if n < maxKeys {
			maxKeys = n
		}
	}

	opts := meta.ListObjectsV2Options{
		Prefix:            query.Get("prefix"),
		Delimiter:         query.Get("delimiter"),
		MaxKeys:           maxKeys,
		StartAfter:        query.Get("start-after"),
		ContinuationToken: query.Get("continuation-token"),
	}

	result, err := rc.Service.ListObjectsV2(r.Context(), rc.Bucket, opts)
	if err != nil {
		h.writeS3Error(w, r, err)
		return
	}

	encode := func(s string) string { return s }
	if query.Get("encoding-type") == "url" {
		encode = url.QueryEscape
	}

	out := &listBucketResult{
		Name:                  rc.Bucket,
		Prefix:                encode(opts.Prefix),
		Delimiter:             encode(opts.Delimiter),
		StartAfter:            encode(opts.StartAfter),
		ContinuationToken:     opts.ContinuationToken,
		NextContinuationToken: result.NextToken,
		KeyCount:              len(result.Objects) + len(result.CommonPrefixes),
		MaxKeys:               maxKeys,
		IsTruncated:           result.IsTruncated,
	}
	for _, obj := range result.Objects {
		entry := objectEntry{Key: encode(obj.Name), StorageClass: "STANDARD"}
		if obj.Metadata != nil {
			entry.LastModified = s3Time(obj.Metadata.LastModified)
			entry.ETag = quoteETag(obj.Metadata.ETag)
			entry.Size = obj.Metadata.Size
		}
		out.Contents = append(out.Contents, entry)
	}
	for _, p := range result.CommonPrefixes {
		out.CommonPrefixes = append(out.CommonPrefixes, commonPrefix{Prefix: encode(p)})
	}
	writeXML(w, http.StatusOK, out)
}
