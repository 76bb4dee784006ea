package config

import (
	"strings"
	"time"

	"github.com/keelstore/keel/internal/bytesize"
)

// ApplyDefaults fills in defaults for any unspecified configuration fields.
// Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	applyServerDefaults(&cfg.Server)
	applyMetricsDefaults(&cfg.Metrics)
	applyDatabaseDefaults(&cfg.Database)
	applyStorageDefaults(&cfg.Storage)
	applyUploadDefaults(&cfg.Upload)
	applyTUSDefaults(&cfg.TUS)
	applyS3ProtocolDefaults(&cfg.S3Protocol)
}

// applyLoggingDefaults sets logging defaults and normalizes the level.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Port == 0 {
		cfg.Port = 5000
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

func applyDatabaseDefaults(cfg *DatabaseConfig) {
	if cfg.MaxPoolConnections == 0 {
		cfg.MaxPoolConnections = 20
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.TenantID == "" {
		cfg.TenantID = "keel"
	}
}

func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.Backend == "" {
		cfg.Backend = "file"
	}
	if cfg.File.Root == "" {
		cfg.File.Root = "/var/lib/keel/data"
	}
	if cfg.S3.Region == "" {
		cfg.S3.Region = "us-east-1"
	}
	if cfg.S3.MaxSockets == 0 {
		cfg.S3.MaxSockets = 200
	}
	if cfg.S3.ClientTimeout == 0 {
		cfg.S3.ClientTimeout = 30 * time.Second
	}
}

func applyUploadDefaults(cfg *UploadConfig) {
	if cfg.SignedURLExpiry == 0 {
		cfg.SignedURLExpiry = 2 * time.Hour
	}
	if cfg.UploadSignedURLExpiry == 0 {
		cfg.UploadSignedURLExpiry = 2 * time.Hour
	}
	if cfg.MaxMetadataHeaders == 0 {
		cfg.MaxMetadataHeaders = 32
	}
	if cfg.MaxMetadataSize == 0 {
		cfg.MaxMetadataSize = 2048
	}
}

func applyTUSDefaults(cfg *TUSConfig) {
	if cfg.Prefix == "" {
		cfg.Prefix = "/upload/resumable"
	}
	if cfg.PartSize == 0 {
		cfg.PartSize = 50 * bytesize.MiB
	}
	if cfg.URLExpiry == 0 {
		cfg.URLExpiry = 24 * time.Hour
	}
	if cfg.MaxConcurrentUploads == 0 {
		cfg.MaxConcurrentUploads = 100
	}
	if cfg.LockWaitTimeout == 0 {
		cfg.LockWaitTimeout = 10 * time.Second
	}
}

func applyS3ProtocolDefaults(cfg *S3ProtocolConfig) {
	if cfg.Prefix == "" {
		cfg.Prefix = "/s3"
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
}

// GetDefaultConfig returns a Config with all default values applied.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
