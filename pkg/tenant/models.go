// Package tenant implements the tenant runtime: the registry of tenants, a
// process-wide cache of decrypted configs and database pools, and the
// progressive migration runner that walks tenants up to the latest schema.
package tenant

import (
	"encoding/json"
	"time"
)

// MigrationStatus tracks how far a tenant's schema has progressed.
type MigrationStatus string

const (
	MigrationPending    MigrationStatus = "PENDING"
	MigrationInProgress MigrationStatus = "IN_PROGRESS"
	MigrationCompleted  MigrationStatus = "COMPLETED"
	MigrationFailed     MigrationStatus = "FAILED"
)

// TracingMode selects per-tenant log verbosity.
type TracingMode string

const (
	TracingBasic TracingMode = "basic"
	TracingFull  TracingMode = "full"
	TracingDebug TracingMode = "debug"
)

// Tenant is the registry row. Secrets are stored encrypted at rest and
// decrypted once per cache entry.
type Tenant struct {
	ID string `gorm:"primaryKey;size:64" json:"id"`

	// DatabaseURL is the direct connection string, used for migrations and
	// admin work. DatabasePoolURL, when set, points at a pooler (pgbouncer)
	// and serves request traffic.
	DatabaseURL     string `gorm:"column:database_url;not null" json:"-"`
	DatabasePoolURL string `gorm:"column:database_pool_url" json:"-"`

	MaxConnections int `gorm:"default:0" json:"max_connections,omitempty"`

	JWTSecret  string `gorm:"column:jwt_secret" json:"-"`
	JWKS       string `gorm:"column:jwks" json:"-"`
	ServiceKey string `gorm:"column:service_key" json:"-"`

	FileSizeLimit int64  `gorm:"default:0" json:"file_size_limit"`
	FeatureFlags  string `gorm:"column:feature_flags" json:"feature_flags,omitempty"`

	MigrationsVersion uint            `gorm:"column:migrations_version;default:0" json:"migrations_version"`
	MigrationsStatus  MigrationStatus `gorm:"column:migrations_status;default:PENDING" json:"migrations_status"`

	TracingMode   TracingMode `gorm:"column:tracing_mode;default:basic" json:"tracing_mode"`
	DisableEvents bool        `gorm:"default:false" json:"disable_events"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for Tenant.
func (Tenant) TableName() string {
	return "tenants"
}

// Features are the per-tenant feature toggles carried in FeatureFlags.
type Features struct {
	ImageTransformation bool `json:"imageTransformation"`
	S3Protocol          bool `json:"s3Protocol"`
	PurgeCache          bool `json:"purgeCache"`
}

// ParseFeatures decodes FeatureFlags. Missing or malformed flags fall back
// to S3 enabled, everything else off.
func (t *Tenant) ParseFeatures() Features {
	f := Features{S3Protocol: true}
	if t.FeatureFlags == "" {
		return f
	}
	if err := json.Unmarshal([]byte(t.FeatureFlags), &f); err != nil {
		return Features{S3Protocol: true}
	}
	return f
}

// Config is the decrypted, request-serving view of a tenant held by the
// runtime cache.
type Config struct {
	ID              string
	DatabaseURL     string
	DatabasePoolURL string
	MaxConnections  int
	JWTSecret       string
	JWKS            string
	ServiceKey      string
	FileSizeLimit    int64
	Features         Features
	MigrationVersion uint
	TracingMode      TracingMode
	DisableEvents    bool
}

// ConnectionString returns the string requests should connect with: the
// pooler when configured, the direct URL otherwise.
func (c *Config) ConnectionString() string {
	if c.DatabasePoolURL != "" {
		return c.DatabasePoolURL
	}
	return c.DatabaseURL
}
