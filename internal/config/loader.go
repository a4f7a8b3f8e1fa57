// internal/config/loader.go
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB
	envPrefix         = "AKIDB_"
)

// envKeyMap maps AKIDB_* environment variable names to koanf dotted keys.
// A static table instead of a generic splitter, since several of AkiDB's
// top-level keys (rest_port, db_path) and group keys (object_store,
// circuit_breaker) are themselves multi-word.
var envKeyMap = map[string]string{
	"HOST":       "host",
	"REST_PORT":  "rest_port",
	"GRPC_PORT":  "grpc_port",
	"DB_PATH":    "db_path",
	"LOG_LEVEL":  "log_level",
	"LOG_FORMAT": "log_format",

	"OBJECT_STORE_KIND":        "object_store.kind",
	"OBJECT_STORE_LOCAL_ROOT":  "object_store.local_root",
	"OBJECT_STORE_S3_BUCKET":   "object_store.s3_bucket",
	"OBJECT_STORE_S3_REGION":   "object_store.s3_region",
	"OBJECT_STORE_S3_ENDPOINT": "object_store.s3_endpoint",

	"WAL_GROUP_COMMIT_MS": "wal.group_commit_ms",
	"WAL_SEGMENT_MB":      "wal.segment_mb",

	"TIERING_HOT_TO_WARM_IDLE_SEC":  "tiering.hot_to_warm_idle_sec",
	"TIERING_WARM_TO_COLD_IDLE_SEC": "tiering.warm_to_cold_idle_sec",
	"TIERING_SCAN_INTERVAL_SEC":     "tiering.scan_interval_sec",

	"CIRCUIT_BREAKER_WINDOW_SEC":    "circuit_breaker.window_sec",
	"CIRCUIT_BREAKER_FAILURE_RATIO": "circuit_breaker.failure_ratio",
	"CIRCUIT_BREAKER_COOLDOWN_SEC":  "circuit_breaker.cooldown_sec",

	"EMBEDDING_PROVIDER":         "embedding.provider",
	"EMBEDDING_BATCH_MAX":        "embedding.batch_max",
	"EMBEDDING_BATCH_TIMEOUT_MS": "embedding.batch_timeout_ms",
	"EMBEDDING_MODEL":            "embedding.model",
	"EMBEDDING_CACHE_DIR":        "embedding.cache_dir",
	"EMBEDDING_BASE_URL":         "embedding.base_url",
	"EMBEDDING_API_KEY":          "embedding.api_key",
}

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (AKIDB_REST_PORT, AKIDB_EMBEDDING_PROVIDER, etc.)
//  2. YAML config file (~/.config/akidb/config.yaml)
//  3. Hardcoded defaults (NewDefaultConfig)
//
// The configPath parameter specifies the YAML file to load. If empty, uses
// the default path: ~/.config/akidb/config.yaml
//
// # Security Considerations
//
// File Permissions: Configuration file MUST have 0600 (owner read/write)
// or 0400 (owner read-only) permissions. Files with any other permissions
// (e.g., 0644 world-readable) are rejected.
//
// Path Validation: Only configuration files in allowed directories can be
// loaded:
//   - ~/.config/akidb/ (user's config directory)
//   - /etc/akidb/ (system-wide config directory)
//
// Absolute paths outside these directories are rejected to prevent path
// traversal attacks.
//
// File Size Limit: Configuration files larger than 1MB are rejected to
// prevent resource exhaustion attacks.
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	cfg := NewDefaultConfig()
	if err := k.Load(structDefaults(cfg), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "akidb", "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		// Open file once and validate using the file descriptor to avoid a
		// TOCTOU race between the permission check and the read.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransformer), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var out Config
	if err := k.Unmarshal("", &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &out, nil
}

// envTransformer maps an AKIDB_-prefixed environment variable name to its
// koanf dotted key, or "" for variables this config doesn't recognize
// (the env provider skips keys an empty string is returned for).
func envTransformer(s string) string {
	trimmed := strings.TrimPrefix(s, envPrefix)
	if key, ok := envKeyMap[trimmed]; ok {
		return key
	}
	return ""
}

// structDefaults adapts *Config into a koanf provider so defaults load
// through the same Load/Unmarshal path as the YAML file and environment
// overrides, instead of being applied as a separate post-unmarshal pass.
func structDefaults(cfg *Config) koanf.Provider {
	return structProvider{cfg}
}

type structProvider struct {
	cfg *Config
}

func (p structProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("structProvider does not support ReadBytes")
}

func (p structProvider) Read() (map[string]interface{}, error) {
	return map[string]interface{}{
		"host":      p.cfg.Host,
		"rest_port": p.cfg.RESTPort,
		"grpc_port": p.cfg.GRPCPort,
		"db_path":   p.cfg.DBPath,
		"object_store": map[string]interface{}{
			"kind":        p.cfg.ObjectStore.Kind,
			"local_root":  p.cfg.ObjectStore.LocalRoot,
			"s3_bucket":   p.cfg.ObjectStore.S3Bucket,
			"s3_region":   p.cfg.ObjectStore.S3Region,
			"s3_endpoint": p.cfg.ObjectStore.S3Endpoint,
		},
		"wal": map[string]interface{}{
			"group_commit_ms": p.cfg.WAL.GroupCommitMS,
			"segment_mb":      p.cfg.WAL.SegmentMB,
		},
		"tiering": map[string]interface{}{
			"hot_to_warm_idle_sec":  p.cfg.Tiering.HotToWarmIdleSec,
			"warm_to_cold_idle_sec": p.cfg.Tiering.WarmToColdIdleSec,
			"scan_interval_sec":     p.cfg.Tiering.ScanIntervalSec,
		},
		"circuit_breaker": map[string]interface{}{
			"window_sec":    p.cfg.CircuitBreaker.WindowSec,
			"failure_ratio": p.cfg.CircuitBreaker.FailureRatio,
			"cooldown_sec":  p.cfg.CircuitBreaker.CooldownSec,
		},
		"embedding": map[string]interface{}{
			"provider":         p.cfg.Embedding.Provider,
			"batch_max":        p.cfg.Embedding.BatchMax,
			"batch_timeout_ms": p.cfg.Embedding.BatchTimeoutMS,
			"model":            p.cfg.Embedding.Model,
			"cache_dir":        p.cfg.Embedding.CacheDir,
			"base_url":         p.cfg.Embedding.BaseURL,
			"api_key":          p.cfg.Embedding.APIKey.Value(),
		},
		"log_level":  p.cfg.LogLevel,
		"log_format": p.cfg.LogFormat,
	}, nil
}

// EnsureConfigDir creates the AkiDB config directory if it doesn't exist.
// The directory is created with 0700 permissions (owner read/write/execute
// only).
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(home, ".config", "akidb")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	return nil
}

// validateConfigPath checks if path is in allowed directories.
// This validation runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Resolve symlinks to prevent attackers from using symlinks to escape
	// allowed directories.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		// Symlink evaluation fails for paths that don't exist yet; continue
		// with the absolute path so not-yet-created configs still validate.
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "akidb"),
		"/etc/akidb",
	}

	for _, dir := range allowedDirs {
		if resolvedPath == dir || strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) {
			return nil
		}
	}

	return fmt.Errorf("config file must be in ~/.config/akidb/ or /etc/akidb/")
}

// validateConfigFileProperties checks file permissions and size.
// This validation only runs if the file exists. Takes FileInfo from an
// already-opened file descriptor to avoid a TOCTOU race.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	return nil
}
