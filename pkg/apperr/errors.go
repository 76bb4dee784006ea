// Package apperr defines the gateway-wide error taxonomy.
//
// Every layer (metadata store, blob backend, storage coordinator, protocol
// handlers) raises *apperr.Error values. The HTTP surfaces translate them at
// a single point: the native API renders JSON, the S3 surface renders XML.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the error category. It determines the HTTP status class and which
// surface-specific code family applies.
type Kind int

const (
	KindNotFound Kind = iota
	KindAlreadyExists
	KindValidation
	KindPermission
	KindResourceLocked
	KindBackpressure
	KindPayloadTooLarge
	KindFeatureDisabled
	KindExternal
)

// Error is a typed gateway error.
type Error struct {
	Kind     Kind
	Code     string // e.g. "NoSuchBucket", "ResourceLocked"
	Message  string
	Resource string // request path or object identity, if known
	Status   int    // HTTP status to surface

	// Err is the wrapped cause, never shown to clients.
	Err error
}

func (e *Error) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Resource)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithResource returns a copy of the error carrying the given resource.
func (e *Error) WithResource(resource string) *Error {
	dup := *e
	dup.Resource = resource
	return &dup
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *Error) WithCause(err error) *Error {
	dup := *e
	dup.Err = err
	return &dup
}

// Is matches errors by code so callers can compare against sentinels built
// with the same constructor.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// As converts any error to an *Error. Unknown errors become InternalError
// without leaking internals into the message.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{
		Kind:    KindExternal,
		Code:    "InternalError",
		Message: "internal error",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// IsCode reports whether err is an *Error with the given code.
func IsCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

func newError(kind Kind, code, message string, status int) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Status: status}
}

// NotFound family (404).

func NoSuchBucket(name string) *Error {
	return newError(KindNotFound, "NoSuchBucket", "bucket not found", http.StatusNotFound).WithResource(name)
}

func NoSuchKey(key string) *Error {
	return newError(KindNotFound, "NoSuchKey", "object not found", http.StatusNotFound).WithResource(key)
}

func NoSuchUpload(id string) *Error {
	return newError(KindNotFound, "NoSuchUpload", "upload not found", http.StatusNotFound).WithResource(id)
}

func TenantNotFound(id string) *Error {
	return newError(KindNotFound, "TenantNotFound", "tenant not found", http.StatusNotFound).WithResource(id)
}

func RelatedResourceNotFound(resource string) *Error {
	return newError(KindNotFound, "RelatedResourceNotFound", "related resource not found", http.StatusNotFound).WithResource(resource)
}

// AlreadyExists family (409).

func BucketAlreadyExists(name string) *Error {
	return newError(KindAlreadyExists, "BucketAlreadyExists", "bucket already exists", http.StatusConflict).WithResource(name)
}

func KeyAlreadyExists(key string) *Error {
	return newError(KindAlreadyExists, "KeyAlreadyExists", "object already exists", http.StatusConflict).WithResource(key)
}

func ResourceAlreadyExists(resource string) *Error {
	return newError(KindAlreadyExists, "ResourceAlreadyExists", "resource already exists", http.StatusConflict).WithResource(resource)
}

// Validation family (400).

func InvalidParameter(message string) *Error {
	return newError(KindValidation, "InvalidParameter", message, http.StatusBadRequest)
}

func InvalidBucketName(name string) *Error {
	return newError(KindValidation, "InvalidBucketName", "invalid bucket name", http.StatusBadRequest).WithResource(name)
}

func InvalidKey(key string) *Error {
	return newError(KindValidation, "InvalidKey", "invalid object key", http.StatusBadRequest).WithResource(key)
}

func InvalidJWT(message string) *Error {
	return newError(KindValidation, "InvalidJWT", message, http.StatusBadRequest)
}

func InvalidSignature(message string) *Error {
	return &Error{Kind: KindValidation, Code: "SignatureDoesNotMatch", Message: message, Status: http.StatusForbidden}
}

func ExpiredSignature() *Error {
	return newError(KindValidation, "ExpiredSignature", "signature has expired", http.StatusBadRequest)
}

func InvalidMimeType(mime string) *Error {
	return newError(KindValidation, "InvalidMimeType", "mime type not allowed", http.StatusBadRequest).WithResource(mime)
}

func MalformedXML() *Error {
	return newError(KindValidation, "MalformedXML", "the XML provided was not well-formed", http.StatusBadRequest)
}

func InvalidPart(message string) *Error {
	return newError(KindValidation, "InvalidPart", message, http.StatusBadRequest)
}

func InvalidPartOrder() *Error {
	return newError(KindValidation, "InvalidPartOrder", "parts must be in ascending part number order", http.StatusBadRequest)
}

func EntityTooSmall() *Error {
	return newError(KindValidation, "EntityTooSmall", "part is smaller than the minimum allowed size", http.StatusBadRequest)
}

// Permission family (403).

func AccessDenied(message string) *Error {
	return newError(KindPermission, "AccessDenied", message, http.StatusForbidden)
}

func Forbidden(message string) *Error {
	return newError(KindPermission, "Forbidden", message, http.StatusForbidden)
}

// Resource family (409/423).

func ResourceLocked(resource string) *Error {
	return newError(KindResourceLocked, "ResourceLocked", "resource is locked by a concurrent writer", http.StatusLocked).WithResource(resource)
}

func UploadOffsetMismatch() *Error {
	return newError(KindResourceLocked, "UploadOffsetMismatch", "upload offset does not match", http.StatusConflict)
}

func LockTimeout(resource string) *Error {
	return newError(KindResourceLocked, "LockTimeout", "timed out waiting for resource lock", http.StatusConflict).WithResource(resource)
}

// Backpressure family (429).

func SlowDown() *Error {
	return newError(KindBackpressure, "SlowDown", "reduce your request rate", http.StatusTooManyRequests)
}

func DatabaseTimeout() *Error {
	return newError(KindBackpressure, "DatabaseTimeout", "database operation timed out", http.StatusTooManyRequests)
}

// Payload family (413).

func PayloadTooLarge(limit int64) *Error {
	return newError(KindPayloadTooLarge, "PayloadTooLarge",
		fmt.Sprintf("the object exceeds the maximum allowed size of %d bytes", limit),
		http.StatusRequestEntityTooLarge)
}

// Feature family (400).

func FeatureNotEnabled(feature string) *Error {
	return newError(KindFeatureDisabled, "FeatureNotEnabled", "feature is not enabled for this tenant", http.StatusBadRequest).WithResource(feature)
}

// External family (5xx).

func DatabaseError(err error) *Error {
	return newError(KindExternal, "DatabaseError", "database error", http.StatusInternalServerError).WithCause(err)
}

func DatabaseUnavailable(err error) *Error {
	return newError(KindExternal, "DatabaseUnavailable", "database unavailable", http.StatusServiceUnavailable).WithCause(err)
}

func S3Error(message string, status int, err error) *Error {
	if status < 400 {
		status = http.StatusInternalServerError
	}
	return newError(KindExternal, "S3Error", message, status).WithCause(err)
}

func Internal(err error) *Error {
	return newError(KindExternal, "InternalError", "internal error", http.StatusInternalServerError).WithCause(err)
}
