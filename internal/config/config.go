// Package config provides configuration loading for AkiDB.
//
// Configuration is loaded from a YAML file with environment variable
// overrides layered on top, following the precedence defined in
// LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// Config holds the complete AkiDB configuration (spec §6's key set).
type Config struct {
	Host     string `koanf:"host"`
	RESTPort int    `koanf:"rest_port"`
	GRPCPort int    `koanf:"grpc_port"`
	DBPath   string `koanf:"db_path"`

	ObjectStore    ObjectStoreConfig    `koanf:"object_store"`
	WAL            WALConfig            `koanf:"wal"`
	Tiering        TieringConfig        `koanf:"tiering"`
	CircuitBreaker CircuitBreakerConfig `koanf:"circuit_breaker"`
	Embedding      EmbeddingConfig      `koanf:"embedding"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
}

// ObjectStoreConfig selects and configures the tiered-snapshot backend
// (spec §6: `object_store: {kind: local|s3, ...endpoint-specific...}`).
type ObjectStoreConfig struct {
	Kind       string `koanf:"kind"` // "local" or "s3"
	LocalRoot  string `koanf:"local_root"`
	S3Bucket   string `koanf:"s3_bucket"`
	S3Region   string `koanf:"s3_region"`
	S3Endpoint string `koanf:"s3_endpoint"` // non-empty for S3-compatible (non-AWS) endpoints
}

// WALConfig controls the write-ahead log's group-commit window and
// segment rotation size (spec §6: `wal.group_commit_ms`, `wal.segment_mb`).
type WALConfig struct {
	GroupCommitMS int `koanf:"group_commit_ms"`
	SegmentMB     int `koanf:"segment_mb"`
}

// TieringConfig controls the hot/warm/cold classifier and scan cadence
// (spec §6: `tiering.hot_to_warm_idle_sec`, `tiering.warm_to_cold_idle_sec`,
// `tiering.scan_interval_sec`).
type TieringConfig struct {
	HotToWarmIdleSec  int `koanf:"hot_to_warm_idle_sec"`
	WarmToColdIdleSec int `koanf:"warm_to_cold_idle_sec"`
	ScanIntervalSec   int `koanf:"scan_interval_sec"`
}

// CircuitBreakerConfig controls the breaker guarding object-store calls
// (spec §6: `circuit_breaker.window_sec`, `circuit_breaker.failure_ratio`,
// `circuit_breaker.cooldown_sec`).
type CircuitBreakerConfig struct {
	WindowSec    int     `koanf:"window_sec"`
	FailureRatio float64 `koanf:"failure_ratio"`
	CooldownSec  int     `koanf:"cooldown_sec"`
}

// EmbeddingConfig selects and configures the embedding provider
// (spec §6: `embedding.provider`, `embedding.batch_max`,
// `embedding.batch_timeout_ms`).
type EmbeddingConfig struct {
	Provider       string `koanf:"provider"` // "onnx", "remote_bridge", or "mock"
	BatchMax       int    `koanf:"batch_max"`
	BatchTimeoutMS int    `koanf:"batch_timeout_ms"`
	Model          string `koanf:"model"`
	CacheDir       string `koanf:"cache_dir"`
	BaseURL        string `koanf:"base_url"` // remote_bridge only
	APIKey         Secret `koanf:"api_key"`  // remote_bridge only
}

// NewDefaultConfig returns config with production-ready defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Host:     "0.0.0.0",
		RESTPort: 8080,
		GRPCPort: 9090,
		DBPath:   "~/.config/akidb/metadata.db",
		ObjectStore: ObjectStoreConfig{
			Kind:      "local",
			LocalRoot: "~/.config/akidb/objects",
		},
		WAL: WALConfig{
			GroupCommitMS: 5,
			SegmentMB:     256,
		},
		Tiering: TieringConfig{
			HotToWarmIdleSec:  3600,
			WarmToColdIdleSec: 86400,
			ScanIntervalSec:   300,
		},
		CircuitBreaker: CircuitBreakerConfig{
			WindowSec:    60,
			FailureRatio: 0.5,
			CooldownSec:  30,
		},
		Embedding: EmbeddingConfig{
			Provider:       "onnx",
			BatchMax:       32,
			BatchTimeoutMS: 10,
			Model:          "BAAI/bge-small-en-v1.5",
			CacheDir:       "./local_cache",
		},
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Validate checks config for internally inconsistent or out-of-range values.
func (c *Config) Validate() error {
	if c.RESTPort < 1 || c.RESTPort > 65535 {
		return fmt.Errorf("rest_port must be 1-65535, got %d", c.RESTPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("grpc_port must be 1-65535, got %d", c.GRPCPort)
	}
	if c.RESTPort == c.GRPCPort {
		return fmt.Errorf("rest_port and grpc_port must differ, both %d", c.RESTPort)
	}
	if err := validateHostname(c.Host); err != nil {
		return fmt.Errorf("invalid host: %w", err)
	}
	if c.DBPath == "" {
		return errors.New("db_path cannot be empty")
	}
	if err := validatePath(c.DBPath); err != nil {
		return fmt.Errorf("invalid db_path: %w", err)
	}

	if err := c.ObjectStore.Validate(); err != nil {
		return fmt.Errorf("invalid object_store config: %w", err)
	}
	if err := c.WAL.Validate(); err != nil {
		return fmt.Errorf("invalid wal config: %w", err)
	}
	if err := c.Tiering.Validate(); err != nil {
		return fmt.Errorf("invalid tiering config: %w", err)
	}
	if err := c.CircuitBreaker.Validate(); err != nil {
		return fmt.Errorf("invalid circuit_breaker config: %w", err)
	}
	if err := c.Embedding.Validate(); err != nil {
		return fmt.Errorf("invalid embedding config: %w", err)
	}

	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of trace|debug|info|warn|error, got %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log_format must be 'json' or 'console', got %q", c.LogFormat)
	}

	return nil
}

// Validate checks ObjectStoreConfig for the fields its kind requires.
func (c *ObjectStoreConfig) Validate() error {
	switch c.Kind {
	case "local":
		if c.LocalRoot == "" {
			return errors.New("local_root is required when kind is 'local'")
		}
		return validatePath(c.LocalRoot)
	case "s3":
		if c.S3Bucket == "" {
			return errors.New("s3_bucket is required when kind is 's3'")
		}
		if c.S3Region == "" {
			return errors.New("s3_region is required when kind is 's3'")
		}
		if c.S3Endpoint != "" {
			return validateURL(c.S3Endpoint)
		}
		return nil
	default:
		return fmt.Errorf("kind must be 'local' or 's3', got %q", c.Kind)
	}
}

// Validate checks WALConfig's group-commit window and segment size.
func (c *WALConfig) Validate() error {
	if c.GroupCommitMS < 0 {
		return fmt.Errorf("group_commit_ms must be >= 0, got %d", c.GroupCommitMS)
	}
	if c.SegmentMB <= 0 {
		return fmt.Errorf("segment_mb must be positive, got %d", c.SegmentMB)
	}
	return nil
}

// Validate checks TieringConfig's idle thresholds are ordered and the scan
// interval is positive.
func (c *TieringConfig) Validate() error {
	if c.HotToWarmIdleSec <= 0 {
		return fmt.Errorf("hot_to_warm_idle_sec must be positive, got %d", c.HotToWarmIdleSec)
	}
	if c.WarmToColdIdleSec <= c.HotToWarmIdleSec {
		return fmt.Errorf("warm_to_cold_idle_sec (%d) must exceed hot_to_warm_idle_sec (%d)", c.WarmToColdIdleSec, c.HotToWarmIdleSec)
	}
	if c.ScanIntervalSec <= 0 {
		return fmt.Errorf("scan_interval_sec must be positive, got %d", c.ScanIntervalSec)
	}
	return nil
}

// Validate checks CircuitBreakerConfig's window, ratio, and cooldown.
func (c *CircuitBreakerConfig) Validate() error {
	if c.WindowSec <= 0 {
		return fmt.Errorf("window_sec must be positive, got %d", c.WindowSec)
	}
	if c.FailureRatio <= 0 || c.FailureRatio > 1 {
		return fmt.Errorf("failure_ratio must be in (0,1], got %v", c.FailureRatio)
	}
	if c.CooldownSec <= 0 {
		return fmt.Errorf("cooldown_sec must be positive, got %d", c.CooldownSec)
	}
	return nil
}

// Validate checks EmbeddingConfig's provider kind and batching parameters.
func (c *EmbeddingConfig) Validate() error {
	switch c.Provider {
	case "onnx", "remote_bridge", "mock":
	default:
		return fmt.Errorf("provider must be one of onnx|remote_bridge|mock, got %q", c.Provider)
	}
	if c.BatchMax <= 0 {
		return fmt.Errorf("batch_max must be positive, got %d", c.BatchMax)
	}
	if c.BatchTimeoutMS <= 0 {
		return fmt.Errorf("batch_timeout_ms must be positive, got %d", c.BatchTimeoutMS)
	}
	if c.Provider == "remote_bridge" && c.BaseURL == "" {
		return errors.New("base_url is required when provider is 'remote_bridge'")
	}
	if c.BaseURL != "" {
		if err := validateURL(c.BaseURL); err != nil {
			return fmt.Errorf("invalid base_url: %w", err)
		}
	}
	return nil
}

// validateHostname checks if a hostname is safe (no command injection attempts).
// Uses positive validation with net.ParseIP for IP addresses and regexp for hostnames.
func validateHostname(host string) error {
	if host == "" {
		return nil
	}
	if net.ParseIP(host) != nil {
		return nil
	}

	hostnameRegex := regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)
	if !hostnameRegex.MatchString(host) {
		return fmt.Errorf("invalid hostname format: %s", host)
	}

	invalidChars := []string{";", "\n", "\r", "$", "`", "|", "&", "<", ">", "(", ")"}
	for _, char := range invalidChars {
		if strings.Contains(host, char) {
			return fmt.Errorf("invalid hostname: contains forbidden character %q", char)
		}
	}
	return nil
}

// validatePath checks if a path is safe (no path traversal).
func validatePath(path string) error {
	if strings.Contains(path, "..") {
		return fmt.Errorf("path contains traversal sequence: %s", path)
	}
	return nil
}

// validateURL checks if a URL uses allowed schemes (http/https only).
func validateURL(urlStr string) error {
	if !strings.HasPrefix(urlStr, "http://") && !strings.HasPrefix(urlStr, "https://") {
		return fmt.Errorf("URL must use http:// or https:// scheme, got: %s", urlStr)
	}
	return nil
}
