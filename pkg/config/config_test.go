package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/keelstore/keel/internal/bytesize"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/keel")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Logging.Level = %q, want INFO", cfg.Logging.Level)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Storage.Backend != "file" {
		t.Errorf("Storage.Backend = %q, want file", cfg.Storage.Backend)
	}
	if cfg.TUS.Prefix != "/upload/resumable" {
		t.Errorf("TUS.Prefix = %q", cfg.TUS.Prefix)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
logging:
  level: debug
  format: json
server:
  port: 8000
database:
  url: postgres://localhost/keel
storage:
  backend: file
  file:
    root: /tmp/keel-data
upload:
  file_size_limit: 50MiB
tus:
  part_size: 5Mi
  lock_wait_timeout: 3s
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Logging.Level = %q, want DEBUG (normalized)", cfg.Logging.Level)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.Upload.FileSizeLimit != 50*bytesize.MiB {
		t.Errorf("Upload.FileSizeLimit = %d", cfg.Upload.FileSizeLimit)
	}
	if cfg.TUS.PartSize != 5*bytesize.MiB {
		t.Errorf("TUS.PartSize = %d", cfg.TUS.PartSize)
	}
	if cfg.TUS.LockWaitTimeout != 3*time.Second {
		t.Errorf("TUS.LockWaitTimeout = %v", cfg.TUS.LockWaitTimeout)
	}
}

func TestLoad_FlatEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/keel")
	t.Setenv("STORAGE_BACKEND", "s3")
	t.Setenv("STORAGE_S3_BUCKET", "keel-blobs")
	t.Setenv("TENANT_ID", "acme")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Storage.Backend != "s3" {
		t.Errorf("Storage.Backend = %q, want s3", cfg.Storage.Backend)
	}
	if cfg.Storage.S3.Bucket != "keel-blobs" {
		t.Errorf("Storage.S3.Bucket = %q", cfg.Storage.S3.Bucket)
	}
	if cfg.Database.TenantID != "acme" {
		t.Errorf("Database.TenantID = %q", cfg.Database.TenantID)
	}
}

func TestValidate_MissingDatabaseURL(t *testing.T) {
	cfg := GetDefaultConfig()

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error for missing database.url")
	}
	if !strings.Contains(err.Error(), "database.url") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate_MultitenantRequirements(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Database.IsMultitenant = true
	cfg.Database.MultitenantURL = "postgres://localhost/registry"

	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "encryption_key") {
		t.Errorf("expected encryption_key error, got: %v", err)
	}

	cfg.Database.EncryptionKey = "secret"
	if err := Validate(cfg); err != nil {
		t.Errorf("expected valid multitenant config, got: %v", err)
	}
}

func TestValidate_S3BackendNeedsBucket(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Database.URL = "postgres://localhost/keel"
	cfg.Storage.Backend = "s3"

	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "storage.s3.bucket") {
		t.Errorf("expected bucket error, got: %v", err)
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Database.URL = "postgres://localhost/keel"
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load after save: %v", err)
	}
	if loaded.Database.URL != cfg.Database.URL {
		t.Errorf("Database.URL = %q, want %q", loaded.Database.URL, cfg.Database.URL)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config file mode = %v, want 0600", info.Mode().Perm())
	}
}
