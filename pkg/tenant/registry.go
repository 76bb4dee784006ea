package tenant

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/keelstore/keel/pkg/apperr"
)

// DatabaseType defines the supported registry backends.
type DatabaseType string

const (
	// DatabaseTypeSQLite uses SQLite (single-node, default).
	DatabaseTypeSQLite DatabaseType = "sqlite"

	// DatabaseTypePostgres uses PostgreSQL (HA-capable).
	DatabaseTypePostgres DatabaseType = "postgres"
)

// SQLiteConfig contains SQLite-specific configuration.
type SQLiteConfig struct {
	// Path is the path to the SQLite database file.
	// Default: $XDG_CONFIG_HOME/keel/registry.db
	Path string
}

// PostgresConfig contains PostgreSQL-specific configuration.
type PostgresConfig struct {
	Host         string
	Port         int
	Database     string
	User         string
	Password     string
	SSLMode      string // disable, require, verify-ca, verify-full
	MaxOpenConns int
	MaxIdleConns int
}

// DSN returns the PostgreSQL connection string.
func (c *PostgresConfig) DSN() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		c.Host, c.Port, c.User, c.Password, c.Database)
	if c.SSLMode != "" {
		dsn += fmt.Sprintf(" sslmode=%s", c.SSLMode)
	}
	return dsn
}

// RegistryConfig contains tenant registry configuration.
type RegistryConfig struct {
	Type     DatabaseType
	SQLite   SQLiteConfig
	Postgres PostgresConfig

	// EncryptionKey protects tenant secrets at rest.
	EncryptionKey string
}

// ApplyDefaults fills in missing configuration with default values.
func (c *RegistryConfig) ApplyDefaults() {
	if c.Type == "" {
		c.Type = DatabaseTypeSQLite
	}

	if c.Type == DatabaseTypeSQLite && c.SQLite.Path == "" {
		configDir := os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			homeDir, _ := os.UserHomeDir()
			configDir = filepath.Join(homeDir, ".config")
		}
		c.SQLite.Path = filepath.Join(configDir, "keel", "registry.db")
	}

	if c.Type == DatabaseTypePostgres {
		if c.Postgres.Port == 0 {
			c.Postgres.Port = 5432
		}
		if c.Postgres.SSLMode == "" {
			c.Postgres.SSLMode = "disable"
		}
		if c.Postgres.MaxOpenConns == 0 {
			c.Postgres.MaxOpenConns = 25
		}
		if c.Postgres.MaxIdleConns == 0 {
			c.Postgres.MaxIdleConns = 5
		}
	}
}

// Validate checks if the configuration is valid.
func (c *RegistryConfig) Validate() error {
	if c.EncryptionKey == "" {
		return fmt.Errorf("encryption key is required")
	}
	switch c.Type {
	case DatabaseTypeSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite path is required")
		}
	case DatabaseTypePostgres:
		if c.Postgres.Host == "" {
			return fmt.Errorf("postgres host is required")
		}
		if c.Postgres.Database == "" {
			return fmt.Errorf("postgres database is required")
		}
		if c.Postgres.User == "" {
			return fmt.Errorf("postgres user is required")
		}
	default:
		return fmt.Errorf("unsupported database type: %s", c.Type)
	}
	return nil
}

// Registry persists tenants via GORM. It supports both SQLite and PostgreSQL
// backends through the same codebase. Secret fields are encrypted before they
// reach the database.
type Registry struct {
	db     *gorm.DB
	cipher *Cipher
	config *RegistryConfig
}

// NewRegistry opens the registry and creates the schema via AutoMigrate.
func NewRegistry(config *RegistryConfig) (*Registry, error) {
	if config == nil {
		config = &RegistryConfig{}
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid registry configuration: %w", err)
	}

	cipher, err := NewCipher(config.EncryptionKey)
	if err != nil {
		return nil, err
	}

	var dialector gorm.Dialector
	switch config.Type {
	case DatabaseTypeSQLite:
		if err := os.MkdirAll(filepath.Dir(config.SQLite.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		// WAL for concurrent readers, busy_timeout so writers wait instead
		// of failing when the database is locked.
		dsn := config.SQLite.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		dialector = sqlite.Open(dsn)

	case DatabaseTypePostgres:
		dialector = postgres.Open(config.Postgres.DSN())

	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if config.Type == DatabaseTypePostgres {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying database: %w", err)
		}
		sqlDB.SetMaxOpenConns(config.Postgres.MaxOpenConns)
		sqlDB.SetMaxIdleConns(config.Postgres.MaxIdleConns)
	}

	if err := db.AutoMigrate(&Tenant{}); err != nil {
		return nil, fmt.Errorf("failed to run registry migration: %w", err)
	}

	return &Registry{db: db, cipher: cipher, config: config}, nil
}

// DB returns the underlying GORM database connection.
func (r *Registry) DB() *gorm.DB {
	return r.db
}

// Close closes the underlying database connection.
func (r *Registry) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// encryptSecrets seals the secret fields in place.
func (r *Registry) encryptSecrets(t *Tenant) error {
	var err error
	if t.DatabaseURL, err = r.cipher.Encrypt(t.DatabaseURL); err != nil {
		return err
	}
	if t.DatabasePoolURL, err = r.cipher.Encrypt(t.DatabasePoolURL); err != nil {
		return err
	}
	if t.JWTSecret, err = r.cipher.Encrypt(t.JWTSecret); err != nil {
		return err
	}
	if t.ServiceKey, err = r.cipher.Encrypt(t.ServiceKey); err != nil {
		return err
	}
	return nil
}

// decryptSecrets opens the secret fields in place.
func (r *Registry) decryptSecrets(t *Tenant) error {
	var err error
	if t.DatabaseURL, err = r.cipher.Decrypt(t.DatabaseURL); err != nil {
		return fmt.Errorf("tenant %s: %w", t.ID, err)
	}
	if t.DatabasePoolURL, err = r.cipher.Decrypt(t.DatabasePoolURL); err != nil {
		return fmt.Errorf("tenant %s: %w", t.ID, err)
	}
	if t.JWTSecret, err = r.cipher.Decrypt(t.JWTSecret); err != nil {
		return fmt.Errorf("tenant %s: %w", t.ID, err)
	}
	if t.ServiceKey, err = r.cipher.Decrypt(t.ServiceKey); err != nil {
		return fmt.Errorf("tenant %s: %w", t.ID, err)
	}
	return nil
}

// Create inserts a new tenant. Secret fields on t must be plaintext; they are
// sealed before the insert and t is left decrypted for the caller.
func (r *Registry) Create(ctx context.Context, t *Tenant) error {
	if t.ID == "" {
		return apperr.InvalidParameter("tenant id is required")
	}
	if t.MigrationsStatus == "" {
		t.MigrationsStatus = MigrationPending
	}
	if t.TracingMode == "" {
		t.TracingMode = TracingBasic
	}

	row := *t
	if err := r.encryptSecrets(&row); err != nil {
		return err
	}

	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueConstraintError(err) {
			return apperr.ResourceAlreadyExists(t.ID)
		}
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	t.CreatedAt = row.CreatedAt
	t.UpdatedAt = row.UpdatedAt
	return nil
}

// Get fetches one tenant with secrets decrypted.
func (r *Registry) Get(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.TenantNotFound(id)
		}
		return nil, fmt.Errorf("failed to load tenant: %w", err)
	}
	if err := r.decryptSecrets(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

// List returns all tenants with secrets still encrypted; callers that need
// credentials should Get individual tenants.
func (r *Registry) List(ctx context.Context) ([]Tenant, error) {
	var tenants []Tenant
	if err := r.db.WithContext(ctx).Order("id").Find(&tenants).Error; err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	return tenants, nil
}

// TenantUpdate carries the mutable tenant fields. Nil pointers leave the
// column untouched; secret pointers are plaintext and sealed on write.
type TenantUpdate struct {
	DatabaseURL     *string
	DatabasePoolURL *string
	MaxConnections  *int
	JWTSecret       *string
	ServiceKey      *string
	JWKS            *string
	FileSizeLimit   *int64
	FeatureFlags    *string
	TracingMode     *TracingMode
	DisableEvents   *bool
}

// Update patches a tenant.
func (r *Registry) Update(ctx context.Context, id string, upd TenantUpdate) error {
	fields := map[string]any{}

	setEncrypted := func(column string, v *string) error {
		if v == nil {
			return nil
		}
		sealed, err := r.cipher.Encrypt(*v)
		if err != nil {
			return err
		}
		fields[column] = sealed
		return nil
	}
	if err := setEncrypted("database_url", upd.DatabaseURL); err != nil {
		return err
	}
	if err := setEncrypted("database_pool_url", upd.DatabasePoolURL); err != nil {
		return err
	}
	if err := setEncrypted("jwt_secret", upd.JWTSecret); err != nil {
		return err
	}
	if err := setEncrypted("service_key", upd.ServiceKey); err != nil {
		return err
	}

	if upd.MaxConnections != nil {
		fields["max_connections"] = *upd.MaxConnections
	}
	if upd.JWKS != nil {
		fields["jwks"] = *upd.JWKS
	}
	if upd.FileSizeLimit != nil {
		fields["file_size_limit"] = *upd.FileSizeLimit
	}
	if upd.FeatureFlags != nil {
		fields["feature_flags"] = *upd.FeatureFlags
	}
	if upd.TracingMode != nil {
		fields["tracing_mode"] = string(*upd.TracingMode)
	}
	if upd.DisableEvents != nil {
		fields["disable_events"] = *upd.DisableEvents
	}
	if len(fields) == 0 {
		return nil
	}

	result := r.db.WithContext(ctx).Model(&Tenant{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to update tenant: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.TenantNotFound(id)
	}
	return nil
}

// Delete removes a tenant from the registry. The tenant database itself is
// untouched.
func (r *Registry) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&Tenant{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete tenant: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.TenantNotFound(id)
	}
	return nil
}

// SetMigrationProgress records the outcome of a migration attempt.
func (r *Registry) SetMigrationProgress(ctx context.Context, id string, version uint, status MigrationStatus) error {
	result := r.db.WithContext(ctx).Model(&Tenant{}).Where("id = ?", id).Updates(map[string]any{
		"migrations_version": version,
		"migrations_status":  string(status),
	})
	if result.Error != nil {
		return fmt.Errorf("failed to update migration progress: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.TenantNotFound(id)
	}
	return nil
}

// ListPendingMigrations returns the ids of tenants whose schema is not yet
// at the latest version.
func (r *Registry) ListPendingMigrations(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&Tenant{}).
		Where("migrations_status <> ?", string(MigrationCompleted)).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending migrations: %w", err)
	}
	return ids, nil
}

// isUniqueConstraintError checks if the error is a unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	// SQLite or PostgreSQL unique constraint errors
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "duplicate key value violates unique constraint")
}
