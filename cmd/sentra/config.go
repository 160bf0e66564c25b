package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/trustfabric/sentra/notify"
	"github.com/trustfabric/sentra/secrets"
	"github.com/trustfabric/sentra/storage"
)

// Config holds the sentra process configuration.
type Config struct {
	// DevMode enables the in-memory store, a static master secret, and
	// discarded notifications.
	DevMode bool `yaml:"dev_mode"`

	// Store selects the persistence backend: "memory", "sqlite" or "s3".
	Store string `yaml:"store"`

	// SQLitePath is the database path when Store is "sqlite".
	SQLitePath string `yaml:"sqlite_path"`

	// S3 configuration when Store is "s3".
	S3 storage.S3Config `yaml:"s3"`

	// KMS configuration for the master secret provider.
	KMS secrets.KMSConfig `yaml:"kms"`

	// SealedSecretPath is the file holding the KMS-sealed master secret.
	SealedSecretPath string `yaml:"sealed_secret_path"`

	// NATS configuration for outbound notifications.
	NATS notify.NATSConfig `yaml:"nats"`

	// EnvelopeTTLHours overrides the 24h envelope replay window.
	EnvelopeTTLHours int `yaml:"envelope_ttl_hours"`
}

// LoadConfig loads configuration from a YAML file, falling back to
// defaults when the file does not exist.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DevMode:    false,
		Store:      "sqlite",
		SQLitePath: "/var/lib/sentra/sentra.db",
		S3: storage.S3Config{
			Bucket:    "sentra-vault-data",
			Region:    "us-east-1",
			KeyPrefix: "sessions/",
		},
		KMS: secrets.KMSConfig{
			Region: "us-east-1",
		},
		SealedSecretPath: "/etc/sentra/master.sealed",
		NATS: notify.NATSConfig{
			URL:           "nats://localhost:4222",
			ReconnectWait: 2000,
			MaxReconnects: -1, // unlimited
			SubjectPrefix: "sentra.notify",
		},
	}
}
