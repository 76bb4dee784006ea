// Package s3 implements the blob.Backend interface over Amazon S3 or any
// S3-compatible store (MinIO, Ceph RGW, ...).
//
// The backend is bound to a single physical bucket; tenant-scoped keys are
// laid out underneath it as "<tenant>/<bucket>/<object>/<version>".
package s3

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/keelstore/keel/pkg/blob"
)

// Config holds the S3 backend configuration.
type Config struct {
	// Endpoint overrides the AWS endpoint for S3-compatible stores.
	Endpoint string

	// Bucket is the physical backing bucket. It must already exist.
	Bucket string

	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle uses path-style addressing, required by most
	// S3-compatible stores.
	ForcePathStyle bool

	// MaxSockets caps idle connections on the shared HTTP transport.
	MaxSockets int

	// ConnectTimeout and RequestTimeout bound the HTTP client.
	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	Retry blob.RetryConfig
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.MaxSockets == 0 {
		c.MaxSockets = 200
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	c.Retry.ApplyDefaults()
}

// Backend is the S3 implementation of blob.Backend.
type Backend struct {
	client   *s3.Client
	presign  *s3.PresignClient
	bucket   string
	retry    blob.RetryConfig
	httpDone func()
}

// New creates an S3 backend and verifies bucket access.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	cfg.ApplyDefaults()

	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxSockets,
		MaxIdleConnsPerHost: cfg.MaxSockets,
		IdleConnTimeout:     90 * time.Second,
	}
	httpClient := &http.Client{
		Transport: transport,
		Timeout:   cfg.RequestTimeout,
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	return &Backend{
		client:   client,
		presign:  s3.NewPresignClient(client),
		bucket:   cfg.Bucket,
		retry:    cfg.Retry,
		httpDone: transport.CloseIdleConnections,
	}, nil
}

// Close releases idle connections. The S3 client itself is stateless.
func (b *Backend) Close() error {
	if b.httpDone != nil {
		b.httpDone()
	}
	return nil
}

func (b *Backend) objectKey(key, version string) string {
	return blob.KeyWithVersion(key, version)
}

// mapError converts an AWS SDK error into a *blob.BackendError. NoSuchKey
// keeps its code so callers can apply their not-found policy; everything
// else carries the SDK's code and HTTP status.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	status := 0
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if status == 0 {
			switch code {
			case "NoSuchKey", "NoSuchBucket", "NoSuchUpload", "NotFound":
				status = http.StatusNotFound
			case "SlowDown", "Throttling", "ThrottlingException":
				status = http.StatusTooManyRequests
			case "PreconditionFailed":
				status = http.StatusPreconditionFailed
			default:
				status = http.StatusInternalServerError
			}
		}
		return &blob.BackendError{Code: code, Status: status, Message: apiErr.ErrorMessage(), Inner: err}
	}

	return &blob.BackendError{Code: "InternalError", Status: http.StatusInternalServerError, Inner: err}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
