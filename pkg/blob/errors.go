package blob

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"time"
)

// BackendError is a typed error returned by blob backends. Code follows the
// S3 error-code vocabulary ("NoSuchKey", "SlowDown", ...) regardless of the
// underlying backend, so caller policy is backend-independent.
type BackendError struct {
	Code    string
	Status  int
	Message string
	Inner   error
}

func (e *BackendError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("backend: %s", e.Code)
}

func (e *BackendError) Unwrap() error { return e.Inner }

// NewBackendError builds a BackendError with the given code and status.
func NewBackendError(code string, status int, err error) *BackendError {
	return &BackendError{Code: code, Status: status, Inner: err}
}

// ErrNotModified is surfaced by GetObject when a conditional request matched.
// It is a non-error status: callers render 304 and stop.
var ErrNotModified = &BackendError{Code: "NotModified", Status: http.StatusNotModified}

// IsNotFound reports whether err is the backend's missing-key error. Callers
// decide whether a missing key is fatal.
func IsNotFound(err error) bool {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Status == http.StatusNotFound || be.Code == "NoSuchKey" || be.Code == "NotFound" || be.Code == "NoSuchUpload"
	}
	return false
}

// IsRetryable reports whether the operation may be retried: throttling,
// 5xx responses and connection-level failures qualify. 4xx semantic errors
// are fatal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var be *BackendError
	if errors.As(err, &be) {
		switch be.Code {
		case "SlowDown", "Throttling", "ThrottlingException", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return true
		}
		return be.Status >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// RetryConfig bounds the retry loop for transient backend errors.
type RetryConfig struct {
	MaxRetries        uint
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// ApplyDefaults fills zero values with conservative defaults.
func (c *RetryConfig) ApplyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 2 * time.Second
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = 2.0
	}
}

// WithRetry runs fn, retrying transient failures with jittered exponential
// backoff. The final error is returned unchanged.
func WithRetry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	cfg.ApplyDefaults()

	backoff := cfg.InitialBackoff
	var err error
	for attempt := uint(0); ; attempt++ {
		err = fn()
		if err == nil || !IsRetryable(err) || attempt >= cfg.MaxRetries {
			return err
		}

		// Full jitter: sleep a random fraction of the current backoff.
		sleep := time.Duration(rand.Int63n(int64(backoff) + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
}
