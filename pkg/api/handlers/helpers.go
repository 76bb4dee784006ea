package handlers

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keelstore/keel/pkg/apperr"
	"github.com/keelstore/keel/pkg/blob"
)

// objectKey extracts the wildcard object key from the route. Keys arrive
// percent-encoded in the path and may contain embedded slashes.
func objectKey(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "*")
	key, err := url.PathUnescape(raw)
	if err != nil {
		return "", apperr.InvalidKey(raw)
	}
	if key == "" || strings.HasPrefix(key, "/") {
		return "", apperr.InvalidKey(key)
	}
	return key, nil
}

func intQuery(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// parseRangeHeader parses a single-range Range header. Suffix ranges are not
// supported by the backends and are rejected.
func parseRangeHeader(header string) (*blob.Range, error) {
	if header == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return nil, apperr.InvalidParameter("invalid Range header")
	}
	start, end, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, apperr.InvalidParameter("invalid Range header")
	}
	if start == "" {
		return nil, apperr.InvalidParameter("suffix ranges are not supported")
	}
	s, err := strconv.ParseInt(start, 10, 64)
	if err != nil || s < 0 {
		return nil, apperr.InvalidParameter("invalid Range header")
	}
	rng := &blob.Range{Start: s, End: -1}
	if end != "" {
		e, err := strconv.ParseInt(end, 10, 64)
		if err != nil || e < s {
			return nil, apperr.InvalidParameter("invalid Range header")
		}
		rng.End = e
	}
	return rng, nil
}

// parseConditionHeaders collects the HTTP conditional headers, nil when none
// are present.
func parseConditionHeaders(r *http.Request) *blob.Conditions {
	cond := &blob.Conditions{
		IfMatch:     r.Header.Get("If-Match"),
		IfNoneMatch: r.Header.Get("If-None-Match"),
	}
	if t, err := http.ParseTime(r.Header.Get("If-Modified-Since")); err == nil {
		cond.IfModifiedSince = &t
	}
	if t, err := http.ParseTime(r.Header.Get("If-Unmodified-Since")); err == nil {
		cond.IfUnmodifiedSince = &t
	}
	if cond.IfMatch == "" && cond.IfNoneMatch == "" &&
		cond.IfModifiedSince == nil && cond.IfUnmodifiedSince == nil {
		return nil
	}
	return cond
}

// expirySeconds reads an expiresIn body field expressed in seconds, clamped
// to the configured maximum.
func expirySeconds(requested int, max time.Duration) time.Duration {
	d := time.Duration(requested) * time.Second
	if d <= 0 || (max > 0 && d > max) {
		return max
	}
	return d
}
