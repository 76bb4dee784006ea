package s3api

import (
	"net/http"
	"strings"

	"github.com/keelstore/keel/pkg/apperr"
)

// s3Code translates internal error codes to the S3 wire vocabulary where they
// differ.
var s3Code = map[string]string{
	"TenantNotFound":          "NoSuchBucket",
	"KeyAlreadyExists":        "PreconditionFailed",
	"ResourceAlreadyExists":   "BucketAlreadyExists",
	"InvalidParameter":        "InvalidArgument",
	"InvalidKey":              "InvalidArgument",
	"ResourceLocked":          "OperationAborted",
	"LockTimeout":             "OperationAborted",
	"DatabaseTimeout":         "SlowDown",
	"DatabaseError":           "InternalError",
	"DatabaseUnavailable":     "InternalError",
	"PayloadTooLarge":         "EntityTooLarge",
	"InternalError":           "InternalError",
	"FeatureNotEnabled":       "NotImplemented",
	"RelatedResourceNotFound": "NoSuchBucket",
	"UploadOffsetMismatch":    "OperationAborted",
}

// writeS3Error renders the error document. Resource is the request path with
// the mount prefix stripped.
func (h *Handler) writeS3Error(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.As(err)

	code := e.Code
	if mapped, ok := s3Code[code]; ok {
		code = mapped
	}
	status := e.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}

	resource := strings.TrimPrefix(r.URL.Path, h.mountPrefix)
	if resource == "" {
		resource = "/"
	}

	h.logger.Debug("s3 request failed", "code", code, "status", status, "path", r.URL.Path, "error", err)
	writeXML(w, status, &errorResponse{
		Code:      code,
		Message:   e.Message,
		Resource:  resource,
		RequestID: r.Header.Get("x-amz-request-id"),
	})
}
