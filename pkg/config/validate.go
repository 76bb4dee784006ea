package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration against its struct tags plus the
// cross-field rules the tags cannot express.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}

	if cfg.Database.IsMultitenant {
		if cfg.Database.MultitenantURL == "" {
			return fmt.Errorf("database.multitenant_url is required when is_multitenant is set")
		}
		if cfg.Database.EncryptionKey == "" {
			return fmt.Errorf("database.encryption_key is required when is_multitenant is set")
		}
	} else if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required in single-tenant mode")
	}

	if cfg.Storage.Backend == "s3" && cfg.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
	}

	if cfg.S3Protocol.Enabled && !cfg.Database.IsMultitenant {
		if cfg.S3Protocol.AccessKey == "" || cfg.S3Protocol.SecretKey == "" {
			return fmt.Errorf("s3_protocol.access_key and secret_key are required when the S3 protocol is enabled in single-tenant mode")
		}
	}
	return nil
}
