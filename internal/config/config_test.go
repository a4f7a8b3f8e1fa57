package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.RESTPort)
	assert.Equal(t, 9090, cfg.GRPCPort)
	assert.NotEmpty(t, cfg.DBPath)
	assert.Equal(t, "local", cfg.ObjectStore.Kind)
	assert.Equal(t, 5, cfg.WAL.GroupCommitMS)
	assert.Equal(t, 256, cfg.WAL.SegmentMB)
	assert.Equal(t, 3600, cfg.Tiering.HotToWarmIdleSec)
	assert.Equal(t, 86400, cfg.Tiering.WarmToColdIdleSec)
	assert.Equal(t, 60, cfg.CircuitBreaker.WindowSec)
	assert.Equal(t, 0.5, cfg.CircuitBreaker.FailureRatio)
	assert.Equal(t, "onnx", cfg.Embedding.Provider)
	assert.Equal(t, 32, cfg.Embedding.BatchMax)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)

	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid default config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "rest port out of range",
			mutate:  func(c *Config) { c.RESTPort = 0 },
			wantErr: "rest_port must be 1-65535",
		},
		{
			name:    "grpc port out of range",
			mutate:  func(c *Config) { c.GRPCPort = 70000 },
			wantErr: "grpc_port must be 1-65535",
		},
		{
			name:    "rest and grpc ports collide",
			mutate:  func(c *Config) { c.GRPCPort = c.RESTPort },
			wantErr: "must differ",
		},
		{
			name:    "empty db path",
			mutate:  func(c *Config) { c.DBPath = "" },
			wantErr: "db_path cannot be empty",
		},
		{
			name:    "path traversal in db path",
			mutate:  func(c *Config) { c.DBPath = "../../etc/passwd" },
			wantErr: "invalid db_path",
		},
		{
			name:    "unknown object store kind",
			mutate:  func(c *Config) { c.ObjectStore.Kind = "azure" },
			wantErr: "kind must be 'local' or 's3'",
		},
		{
			name:    "local object store missing root",
			mutate:  func(c *Config) { c.ObjectStore.Kind = "local"; c.ObjectStore.LocalRoot = "" },
			wantErr: "local_root is required",
		},
		{
			name: "s3 object store missing bucket",
			mutate: func(c *Config) {
				c.ObjectStore.Kind = "s3"
				c.ObjectStore.S3Bucket = ""
				c.ObjectStore.S3Region = "us-east-1"
			},
			wantErr: "s3_bucket is required",
		},
		{
			name: "s3 object store missing region",
			mutate: func(c *Config) {
				c.ObjectStore.Kind = "s3"
				c.ObjectStore.S3Bucket = "bucket"
				c.ObjectStore.S3Region = ""
			},
			wantErr: "s3_region is required",
		},
		{
			name:    "negative group commit window",
			mutate:  func(c *Config) { c.WAL.GroupCommitMS = -1 },
			wantErr: "group_commit_ms must be >= 0",
		},
		{
			name:    "zero segment size",
			mutate:  func(c *Config) { c.WAL.SegmentMB = 0 },
			wantErr: "segment_mb must be positive",
		},
		{
			name:    "cold threshold not after warm threshold",
			mutate:  func(c *Config) { c.Tiering.WarmToColdIdleSec = c.Tiering.HotToWarmIdleSec },
			wantErr: "must exceed",
		},
		{
			name:    "zero scan interval",
			mutate:  func(c *Config) { c.Tiering.ScanIntervalSec = 0 },
			wantErr: "scan_interval_sec must be positive",
		},
		{
			name:    "failure ratio out of range",
			mutate:  func(c *Config) { c.CircuitBreaker.FailureRatio = 1.5 },
			wantErr: "failure_ratio must be in (0,1]",
		},
		{
			name:    "zero breaker window",
			mutate:  func(c *Config) { c.CircuitBreaker.WindowSec = 0 },
			wantErr: "window_sec must be positive",
		},
		{
			name:    "unknown embedding provider",
			mutate:  func(c *Config) { c.Embedding.Provider = "openai" },
			wantErr: "provider must be one of",
		},
		{
			name:    "remote_bridge without base url",
			mutate:  func(c *Config) { c.Embedding.Provider = "remote_bridge"; c.Embedding.BaseURL = "" },
			wantErr: "base_url is required",
		},
		{
			name:    "invalid base url scheme",
			mutate:  func(c *Config) { c.Embedding.BaseURL = "ftp://example.com" },
			wantErr: "invalid base_url",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.LogLevel = "verbose" },
			wantErr: "log_level must be one of",
		},
		{
			name:    "unknown log format",
			mutate:  func(c *Config) { c.LogFormat = "xml" },
			wantErr: "log_format must be",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateHostname(t *testing.T) {
	tests := []struct {
		name    string
		host    string
		wantErr bool
	}{
		{"empty is allowed", "", false},
		{"ipv4", "127.0.0.1", false},
		{"hostname", "akidb.internal", false},
		{"command injection semicolon", "localhost; rm -rf /", true},
		{"command injection newline", "localhost\nmalicious", true},
		{"command injection subshell", "localhost$(whoami)", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateHostname(tt.host)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateURL(t *testing.T) {
	assert.NoError(t, validateURL("http://localhost:8080"))
	assert.NoError(t, validateURL("https://example.com/embed"))
	assert.Error(t, validateURL("javascript:alert(1)"))
	assert.Error(t, validateURL("ftp://malicious.com"))
	assert.Error(t, validateURL("file:///etc/passwd"))
}
