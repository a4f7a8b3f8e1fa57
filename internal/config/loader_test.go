package config

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// setupTestHome creates a temporary home directory for testing.
// Returns the home dir path and a cleanup function.
func setupTestHome(t *testing.T) (string, func()) {
	t.Helper()

	tmpHome := t.TempDir()
	originalHome := os.Getenv("HOME")
	os.Setenv("HOME", tmpHome)

	cleanup := func() {
		if originalHome != "" {
			os.Setenv("HOME", originalHome)
		} else {
			os.Unsetenv("HOME")
		}
	}

	return tmpHome, cleanup
}

// TestLoadWithFile_ValidYAML tests loading configuration from a valid YAML file.
func TestLoadWithFile_ValidYAML(t *testing.T) {
	home, cleanup := setupTestHome(t)
	defer cleanup()

	configDir := filepath.Join(home, ".config", "akidb")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")

	yamlContent := `rest_port: 8081
host: 127.0.0.1

embedding:
  provider: mock
  model: test-model
`

	if err := os.WriteFile(configPath, []byte(yamlContent), 0600); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	if cfg.RESTPort != 8081 {
		t.Errorf("RESTPort = %d, want 8081", cfg.RESTPort)
	}
	if cfg.Host != "127.0.0.1" {
		t.Errorf("Host = %q, want %q", cfg.Host, "127.0.0.1")
	}
	if cfg.Embedding.Model != "test-model" {
		t.Errorf("Embedding.Model = %q, want %q", cfg.Embedding.Model, "test-model")
	}
	if cfg.Embedding.Provider != "mock" {
		t.Errorf("Embedding.Provider = %q, want %q", cfg.Embedding.Provider, "mock")
	}
}

// TestLoadWithFile_EnvironmentOverride tests that environment variables override YAML.
func TestLoadWithFile_EnvironmentOverride(t *testing.T) {
	home, cleanup := setupTestHome(t)
	defer cleanup()

	configDir := filepath.Join(home, ".config", "akidb")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")

	yamlContent := `rest_port: 9090
embedding:
  provider: mock
  model: yaml-model
`

	if err := os.WriteFile(configPath, []byte(yamlContent), 0600); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	os.Setenv("AKIDB_REST_PORT", "7777")
	os.Setenv("AKIDB_EMBEDDING_MODEL", "env-model")
	defer os.Unsetenv("AKIDB_REST_PORT")
	defer os.Unsetenv("AKIDB_EMBEDDING_MODEL")

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	if cfg.RESTPort != 7777 {
		t.Errorf("RESTPort = %d, want 7777 (from env override)", cfg.RESTPort)
	}
	if cfg.Embedding.Model != "env-model" {
		t.Errorf("Embedding.Model = %q, want %q (from env override)", cfg.Embedding.Model, "env-model")
	}
}

// TestLoadWithFile_DefaultPath tests using default config path.
func TestLoadWithFile_DefaultPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("Cannot get home directory")
	}

	configDir := filepath.Join(home, ".config", "akidb")
	configPath := filepath.Join(configDir, "config.yaml")

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Skip("No config file at default path")
	}

	cfg, err := LoadWithFile("")
	if err != nil {
		t.Fatalf("LoadWithFile(\"\") error = %v, want nil", err)
	}

	if cfg.RESTPort < 1 || cfg.RESTPort > 65535 {
		t.Errorf("RESTPort = %d, want valid port (1-65535)", cfg.RESTPort)
	}
}

// TestLoadWithFile_MissingFile tests handling of missing config file.
func TestLoadWithFile_MissingFile(t *testing.T) {
	home, cleanup := setupTestHome(t)
	defer cleanup()

	configPath := filepath.Join(home, ".config", "akidb", "config.yaml")

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile() should not error on missing file, got: %v", err)
	}

	if cfg == nil {
		t.Error("LoadWithFile() returned nil config for missing file")
	}
	if cfg.Embedding.Provider != "onnx" {
		t.Errorf("Embedding.Provider = %q, want default %q", cfg.Embedding.Provider, "onnx")
	}
}

// TestLoadWithFile_InvalidYAML tests handling of malformed YAML.
func TestLoadWithFile_InvalidYAML(t *testing.T) {
	home, cleanup := setupTestHome(t)
	defer cleanup()

	configDir := filepath.Join(home, ".config", "akidb")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	configPath := filepath.Join(configDir, "config.yaml")

	invalidYAML := `rest_port: not-a-number
  invalid syntax here
`

	if err := os.WriteFile(configPath, []byte(invalidYAML), 0600); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadWithFile(configPath)
	if err == nil {
		t.Error("LoadWithFile() should error on invalid YAML, got nil")
	}
}

// TestLoadWithFile_Validation tests configuration validation.
func TestLoadWithFile_Validation(t *testing.T) {
	home, cleanup := setupTestHome(t)
	defer cleanup()

	configDir := filepath.Join(home, ".config", "akidb")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	configPath := filepath.Join(configDir, "config.yaml")

	yamlContent := `rest_port: 99999
`

	if err := os.WriteFile(configPath, []byte(yamlContent), 0600); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadWithFile(configPath)
	if err == nil {
		t.Error("LoadWithFile() should error on invalid port, got nil")
	}
}

// TestLoadWithFile_PathTraversal tests path traversal attack prevention.
func TestLoadWithFile_PathTraversal(t *testing.T) {
	_, cleanup := setupTestHome(t)
	defer cleanup()

	_, err := LoadWithFile("../../../../etc/passwd")
	if err == nil {
		t.Error("Expected error for path traversal, got nil")
	}
	if !strings.Contains(err.Error(), "must be in ~/.config/akidb/ or /etc/akidb/") {
		t.Errorf("Expected path validation error, got: %v", err)
	}
}

// TestLoadWithFile_InsecurePermissions tests file permission enforcement.
func TestLoadWithFile_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping permission test on Windows")
	}

	home, cleanup := setupTestHome(t)
	defer cleanup()

	configDir := filepath.Join(home, ".config", "akidb")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")

	yamlContent := `rest_port: 9090
`

	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadWithFile(configPath)
	if err == nil {
		t.Error("Expected error for insecure permissions, got nil")
	}
	if !strings.Contains(err.Error(), "insecure") && !strings.Contains(err.Error(), "permissions") {
		t.Errorf("Expected 'insecure permissions' error, got: %v", err)
	}
}

// TestLoadWithFile_SecurePermissions tests that 0600 permissions are accepted.
func TestLoadWithFile_SecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping permission test on Windows")
	}

	home, cleanup := setupTestHome(t)
	defer cleanup()

	configDir := filepath.Join(home, ".config", "akidb")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")

	yamlContent := `rest_port: 8081
`

	if err := os.WriteFile(configPath, []byte(yamlContent), 0600); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile() should succeed with 0600 permissions, got error: %v", err)
	}

	if cfg.RESTPort != 8081 {
		t.Errorf("RESTPort = %d, want 8081", cfg.RESTPort)
	}
}

// TestLoadWithFile_FileTooLarge tests file size limit enforcement.
func TestLoadWithFile_FileTooLarge(t *testing.T) {
	home, cleanup := setupTestHome(t)
	defer cleanup()

	configDir := filepath.Join(home, ".config", "akidb")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")

	largeContent := bytes.Repeat([]byte("# comment line\n"), 150000)
	if err := os.WriteFile(configPath, largeContent, 0600); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadWithFile(configPath)
	if err == nil {
		t.Error("Expected error for large file, got nil")
	}
	if !strings.Contains(err.Error(), "too large") {
		t.Errorf("Expected 'too large' error, got: %v", err)
	}
}
