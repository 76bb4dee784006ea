// Package config loads the gateway configuration from file, environment and
// defaults via viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/keelstore/keel/internal/bytesize"
)

// Config is the static gateway configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (KEEL_* plus the flat legacy names)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Server configures the main HTTP listener.
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Metrics configures the Prometheus metrics listener.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Database configures the metadata plane: the per-tenant database in
	// single-tenant mode and the tenant registry in multitenant mode.
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`

	// Storage selects and configures the blob backend.
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Upload bounds object uploads and signed URLs.
	Upload UploadConfig `mapstructure:"upload" yaml:"upload"`

	// TUS configures the resumable upload surface.
	TUS TUSConfig `mapstructure:"tus" yaml:"tus"`

	// S3Protocol configures the S3-compatible surface.
	S3Protocol S3ProtocolConfig `mapstructure:"s3_protocol" yaml:"s3_protocol"`

	// Auth holds the single-tenant JWT material. Multitenant deployments
	// carry these per tenant in the registry.
	Auth AuthConfig `mapstructure:"auth" yaml:"auth"`

	// PGQueue enables the Postgres LISTEN/NOTIFY broker for cross-node
	// lock cooperation.
	PGQueue PGQueueConfig `mapstructure:"pg_queue" yaml:"pg_queue"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is "text" or "json".
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is "stdout", "stderr", or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ServerConfig configures the main HTTP listener.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`

	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// MetricsConfig configures the Prometheus metrics HTTP server. When Enabled
// is false no metrics listener runs.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// DatabaseConfig configures the metadata plane.
type DatabaseConfig struct {
	// URL is the tenant database in single-tenant mode.
	URL string `mapstructure:"url" yaml:"url"`

	// IsMultitenant switches tenant resolution to the registry.
	IsMultitenant bool `mapstructure:"is_multitenant" yaml:"is_multitenant"`

	// MultitenantURL is the tenant registry database. A postgres:// URL
	// selects the Postgres registry; anything else is a SQLite path.
	MultitenantURL string `mapstructure:"multitenant_url" yaml:"multitenant_url"`

	// TenantID identifies this deployment's tenant in single-tenant mode.
	TenantID string `mapstructure:"tenant_id" yaml:"tenant_id"`

	// EncryptionKey seals tenant secrets at rest in the registry.
	EncryptionKey string `mapstructure:"encryption_key" yaml:"encryption_key"`

	// MaxPoolConnections caps every per-tenant pool.
	MaxPoolConnections int `mapstructure:"max_pool_connections" yaml:"max_pool_connections"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// StorageConfig selects the blob backend.
type StorageConfig struct {
	// Backend is "s3" or "file".
	Backend string `mapstructure:"backend" validate:"required,oneof=s3 file" yaml:"backend"`

	File FileStorageConfig `mapstructure:"file" yaml:"file"`
	S3   S3StorageConfig   `mapstructure:"s3" yaml:"s3"`
}

// FileStorageConfig configures the local filesystem backend.
type FileStorageConfig struct {
	// Root is the directory all tenant blobs live under.
	Root string `mapstructure:"root" yaml:"root"`
}

// S3StorageConfig configures the S3 backend.
type S3StorageConfig struct {
	Endpoint       string        `mapstructure:"endpoint" yaml:"endpoint"`
	Bucket         string        `mapstructure:"bucket" yaml:"bucket"`
	Region         string        `mapstructure:"region" yaml:"region"`
	ForcePathStyle bool          `mapstructure:"force_path_style" yaml:"force_path_style"`
	MaxSockets     int           `mapstructure:"max_sockets" yaml:"max_sockets"`
	ClientTimeout  time.Duration `mapstructure:"client_timeout" yaml:"client_timeout"`
}

// UploadConfig bounds uploads and signed URLs.
type UploadConfig struct {
	// FileSizeLimit is the global upload cap; tenant and bucket limits can
	// only lower it. Accepts human-readable sizes like "50MiB".
	FileSizeLimit bytesize.ByteSize `mapstructure:"file_size_limit" yaml:"file_size_limit"`

	// SignedURLExpiry bounds download URLs, UploadSignedURLExpiry upload
	// URLs.
	SignedURLExpiry       time.Duration `mapstructure:"signed_url_expiry" yaml:"signed_url_expiry"`
	UploadSignedURLExpiry time.Duration `mapstructure:"upload_signed_url_expiry" yaml:"upload_signed_url_expiry"`

	// MaxMetadataHeaders and MaxMetadataSize cap x-amz-meta-* maps.
	MaxMetadataHeaders int `mapstructure:"max_metadata_headers" yaml:"max_metadata_headers"`
	MaxMetadataSize    int `mapstructure:"max_metadata_size" yaml:"max_metadata_size"`
}

// TUSConfig configures the resumable upload surface.
type TUSConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Prefix  string `mapstructure:"prefix" yaml:"prefix"`

	// PartSize is the buffered append size; each PATCH body is cut into
	// backend parts of this size.
	PartSize bytesize.ByteSize `mapstructure:"part_size" yaml:"part_size"`

	URLExpiry               time.Duration `mapstructure:"url_expiry" yaml:"url_expiry"`
	MaxConcurrentUploads    int           `mapstructure:"max_concurrent_uploads" yaml:"max_concurrent_uploads"`
	UseFileVersionSeparator bool          `mapstructure:"use_file_version_separator" yaml:"use_file_version_separator"`
	LockWaitTimeout         time.Duration `mapstructure:"lock_wait_timeout" yaml:"lock_wait_timeout"`
}

// S3ProtocolConfig configures the S3-compatible surface.
type S3ProtocolConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Prefix  string `mapstructure:"prefix" yaml:"prefix"`

	// AccessKey and SecretKey are the single-tenant SigV4 credentials.
	// Multitenant deployments resolve credentials from the registry.
	AccessKey string `mapstructure:"access_key" yaml:"access_key,omitempty"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key,omitempty"`

	Region string `mapstructure:"region" yaml:"region"`
}

// AuthConfig holds the single-tenant JWT material and the admin API key.
type AuthConfig struct {
	JWTSecret  string `mapstructure:"jwt_secret" yaml:"jwt_secret,omitempty"`
	ServiceKey string `mapstructure:"service_key" yaml:"service_key,omitempty"`

	// AdminAPIKey guards the /admin tenant API in multitenant mode.
	AdminAPIKey string `mapstructure:"admin_api_key" yaml:"admin_api_key,omitempty"`
}

// PGQueueConfig enables the Postgres notification broker.
type PGQueueConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: path to config file (empty string uses the default
//     location; a missing file falls back to env + defaults)
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// SaveConfig writes the configuration as YAML. The file is written with
// owner-only permissions because it carries secrets.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures environment variable support and config file search.
func setupViper(v *viper.Viper, configPath string) {
	// KEEL_ prefixed names mirror the config tree: KEEL_STORAGE_BACKEND,
	// KEEL_LOGGING_LEVEL, ...
	v.SetEnvPrefix("KEEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindFlatEnv(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// bindFlatEnv binds the flat, unprefixed environment names commonly used in
// container deployments.
func bindFlatEnv(v *viper.Viper) {
	flat := map[string]string{
		"storage.backend":                "STORAGE_BACKEND",
		"storage.s3.endpoint":            "STORAGE_S3_ENDPOINT",
		"storage.s3.bucket":              "STORAGE_S3_BUCKET",
		"storage.s3.region":              "STORAGE_S3_REGION",
		"storage.s3.force_path_style":    "STORAGE_S3_FORCE_PATH_STYLE",
		"storage.s3.max_sockets":         "STORAGE_S3_MAX_SOCKETS",
		"storage.s3.client_timeout":      "STORAGE_S3_CLIENT_TIMEOUT",
		"storage.file.root":              "STORAGE_FILE_ROOT",
		"database.url":                   "DATABASE_URL",
		"database.multitenant_url":       "MULTITENANT_DATABASE_URL",
		"database.is_multitenant":        "IS_MULTITENANT",
		"database.tenant_id":             "TENANT_ID",
		"database.encryption_key":        "DATABASE_ENCRYPTION_KEY",
		"upload.file_size_limit":         "UPLOAD_FILE_SIZE_LIMIT",
		"upload.signed_url_expiry":       "SIGNED_URL_EXPIRATION",
		"tus.part_size":                  "TUS_PART_SIZE",
		"tus.url_expiry":                 "TUS_URL_EXPIRY",
		"tus.max_concurrent_uploads":     "TUS_MAX_CONCURRENT_UPLOADS",
		"tus.use_file_version_separator": "TUS_USE_FILE_VERSION_SEPARATOR",
		"s3_protocol.enabled":            "S3_PROTOCOL_ENABLED",
		"s3_protocol.access_key":         "S3_PROTOCOL_ACCESS_KEY_ID",
		"s3_protocol.secret_key":         "S3_PROTOCOL_ACCESS_KEY_SECRET",
		"auth.jwt_secret":                "JWT_SECRET",
		"auth.service_key":               "SERVICE_KEY",
		"auth.admin_api_key":             "ADMIN_API_KEY",
		"pg_queue.enabled":               "PG_QUEUE_ENABLE",
	}
	for key, env := range flat {
		_ = v.BindEnv(key, "KEEL_"+strings.ToUpper(strings.NewReplacer(".", "_").Replace(key)), env)
	}
}

// readConfigFile reads the configuration file if it exists. A missing file
// is fine; env and defaults still apply.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// configDecodeHooks combines the custom decode hooks for ByteSize and
// time.Duration values.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and numbers to bytesize.ByteSize so
// config files can use "1Gi", "500MB" or plain numbers.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.Parse(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64.
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings to time.Duration so config files can
// use "30s", "5m", "1h".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory: $XDG_CONFIG_HOME/keel,
// ~/.config/keel, or the current directory as a last resort.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "keel")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "keel")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
