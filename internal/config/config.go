// Package config provides YAML configuration loading and validation for the
// DocShield scanner.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure shared by the docshield
// CLI and the scand collector daemon.
type Config struct {
	// TempDir is the root under which per-document temp directories are
	// created. Defaults to the OS temp directory when omitted.
	TempDir string `yaml:"temp_dir"`

	// KeepTempFiles leaves decoded embedded objects on disk after each
	// scan for post-mortem inspection. Defaults to false.
	KeepTempFiles bool `yaml:"keep_temp_files"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn",
	// or "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// MaxObjectsPerDocument caps how many embedded objects are extracted
	// from a single document before the remainder is discarded. Zero or
	// an omitted value selects the default of 128; the cap cannot be
	// disabled from the configuration file.
	MaxObjectsPerDocument int `yaml:"max_objects_per_document"`

	// Signatures is the list of custom byte signatures applied to every
	// decoded object, in addition to the built-in set.
	Signatures []Signature `yaml:"signatures"`

	// QueuePath is the local SQLite pending-report database. Defaults to
	// "/var/lib/docshield/queue.db".
	QueuePath string `yaml:"queue_path"`

	// AuditLog is the path of the hash-chained verdict audit trail.
	// Empty disables audit logging.
	AuditLog string `yaml:"audit_log"`

	// Collector configures forwarding of scan reports to a central
	// collector. Forwarding is disabled when URL is empty.
	Collector CollectorConfig `yaml:"collector"`

	// Server configures the scand collector daemon.
	Server ServerConfig `yaml:"server"`
}

// Signature is one hex-encoded byte signature.
type Signature struct {
	// Name identifies the signature in verdicts and reports
	// (e.g. "Win.Test.Downloader"). Required.
	Name string `yaml:"name"`

	// Hex is the byte pattern as an even-length hex string. Required.
	Hex string `yaml:"hex"`
}

// Pattern decodes the signature's hex string. Call only after validation.
func (s Signature) Pattern() []byte {
	b, _ := hex.DecodeString(s.Hex)
	return b
}

// CollectorConfig holds the report-forwarding target.
type CollectorConfig struct {
	// URL is the collector base URL (e.g. "https://collector.example.com").
	// Empty disables forwarding.
	URL string `yaml:"url"`

	// TokenPath is the path to a file containing the bearer token
	// presented to the collector. Optional.
	TokenPath string `yaml:"token_path"`
}

// ServerConfig holds the scand daemon settings.
type ServerConfig struct {
	// Addr is the listen address for the REST API
	// (e.g. "127.0.0.1:8443"). Defaults to "127.0.0.1:8443".
	Addr string `yaml:"addr"`

	// JWTPublicKeyPath is the path to the PEM-encoded RSA public key
	// used to verify RS256 Bearer tokens on /api routes. Empty disables
	// authentication, which is only appropriate for local testing.
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`

	// DatabaseURL is the PostgreSQL connection string for the central
	// report store. Empty selects the local SQLite store at QueuePath.
	DatabaseURL string `yaml:"database_url"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all fields. It returns a typed error describing
// every validation failure encountered.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// ApplyDefaults fills in zero-value optional fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MaxObjectsPerDocument == 0 {
		cfg.MaxObjectsPerDocument = 128
	}
	if cfg.QueuePath == "" {
		cfg.QueuePath = "/var/lib/docshield/queue.db"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:8443"
	}
}

// Validate checks enumerated fields and signature well-formedness.
func Validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	for i, s := range cfg.Signatures {
		prefix := fmt.Sprintf("signatures[%d]", i)
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		}
		if s.Hex == "" {
			errs = append(errs, fmt.Errorf("%s: hex is required", prefix))
		} else if _, err := hex.DecodeString(s.Hex); err != nil {
			errs = append(errs, fmt.Errorf("%s: hex is not a valid even-length hex string: %v", prefix, err))
		}
	}

	if cfg.Collector.URL != "" {
		u, err := url.Parse(cfg.Collector.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("collector.url %q must be an absolute URL", cfg.Collector.URL))
		}
	}

	if cfg.MaxObjectsPerDocument < 0 {
		errs = append(errs, errors.New("max_objects_per_document must not be negative"))
	}

	return errors.Join(errs...)
}
