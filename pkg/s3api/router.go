// Package s3api implements the S3-compatible protocol surface: a matcher
// table router over path-style requests, SigV4 verification, XML rendering
// and the bucket/object/multipart operation handlers.
package s3api

import (
	"net/http"
	"strings"
)

// pathKind classifies a route's path shape.
type pathKind int

const (
	pathService pathKind = iota // "/"
	pathBucket                  // "/:Bucket"
	pathObject                  // "/:Bucket/*"
)

// queryMatcher is one query condition: key=value, key=* (present with any
// value), or the bare wildcard "*" which matches anything.
type queryMatcher struct {
	key      string
	value    string
	anyValue bool
	wildcard bool
}

// route is one entry of the matcher table. Multiple routes may share
// (method, path shape); the first whose query and header conditions are all
// satisfied wins.
type route struct {
	method  string
	path    pathKind
	query   []queryMatcher
	headers []string // presence-only

	operation string
	handler   func(w http.ResponseWriter, r *http.Request, rc *requestScope)

	// rawBody routes stream the request body without content-type parsing.
	rawBody bool
}

// q parses compact matcher declarations: "uploads", "uploadId=*", "*",
// "versioning".
func q(specs ...string) []queryMatcher {
	out := make([]queryMatcher, 0, len(specs))
	for _, s := range specs {
		if s == "*" {
			out = append(out, queryMatcher{wildcard: true})
			continue
		}
		key, value, hasValue := strings.Cut(s, "=")
		m := queryMatcher{key: key}
		switch {
		case !hasValue:
			// Bare key: present, value irrelevant (subresource style).
			m.anyValue = true
		case value == "*":
			m.anyValue = true
		default:
			m.value = value
		}
		out = append(out, m)
	}
	return out
}

// matches reports whether the request satisfies every condition of the route.
func (rt *route) matches(r *http.Request) bool {
	query := r.URL.Query()
	for _, m := range rt.query {
		if m.wildcard {
			continue
		}
		values, present := query[m.key]
		if !present {
			return false
		}
		if !m.anyValue {
			if len(values) == 0 || values[0] != m.value {
				return false
			}
		}
	}
	for _, h := range rt.headers {
		if r.Header.Get(h) == "" {
			return false
		}
	}
	return true
}

// splitPath separates "/bucket/key..." into its parts. The object key keeps
// embedded slashes.
func splitPath(path string) (bucket, key string) {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return "", ""
	}
	bucket, key, _ = strings.Cut(path, "/")
	return bucket, key
}

// classify maps the request path onto the table's path shapes.
func classify(path string) pathKind {
	bucket, key := splitPath(path)
	switch {
	case bucket == "":
		return pathService
	case key == "":
		return pathBucket
	default:
		return pathObject
	}
}

// match finds the first route for the request, or nil.
func match(routes []route, r *http.Request) *route {
	kind := classify(r.URL.Path)
	for i := range routes {
		rt := &routes[i]
		if rt.method != r.Method || rt.path != kind {
			continue
		}
		if rt.matches(r) {
			return rt
		}
	}
	return nil
}
