package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveConfigPathPrefersParentConfigs(t *testing.T) {
	root := t.TempDir()
	configsDir := filepath.Join(root, "configs")
	if err := os.MkdirAll(configsDir, 0755); err != nil {
		t.Fatalf("failed to create configs dir: %v", err)
	}
	configPath := filepath.Join(configsDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("server:\n  host: 0.0.0.0\n"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	workDir := filepath.Join(root, "daemon")
	if err := os.MkdirAll(workDir, 0755); err != nil {
		t.Fatalf("failed to create work dir: %v", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get cwd: %v", err)
	}
	defer func() {
		_ = os.Chdir(cwd)
	}()

	if err := os.Chdir(workDir); err != nil {
		t.Fatalf("failed to chdir: %v", err)
	}

	resolved := resolveConfigPath()
	if resolved != "../configs/config.yaml" {
		t.Fatalf("expected ../configs/config.yaml, got %s", resolved)
	}
}

func TestResolveConfigPathUsesLocalConfigs(t *testing.T) {
	root := t.TempDir()
	configsDir := filepath.Join(root, "configs")
	if err := os.MkdirAll(configsDir, 0755); err != nil {
		t.Fatalf("failed to create configs dir: %v", err)
	}
	configPath := filepath.Join(configsDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("server:\n  host: 0.0.0.0\n"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get cwd: %v", err)
	}
	defer func() {
		_ = os.Chdir(cwd)
	}()

	if err := os.Chdir(root); err != nil {
		t.Fatalf("failed to chdir: %v", err)
	}

	resolved := resolveConfigPath()
	if resolved != "./configs/config.yaml" {
		t.Fatalf("expected ./configs/config.yaml, got %s", resolved)
	}
}

func TestNormalizeStoragePathsDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.normalizeStoragePaths("configs/config.yaml")

	if cfg.Storage.ConfigDir == "" {
		t.Fatalf("expected ConfigDir to be set")
	}
	if cfg.Storage.DataDir == "" {
		t.Fatalf("expected DataDir to be set")
	}
	if cfg.Storage.BackupDir == "" {
		t.Fatalf("expected BackupDir to be set")
	}
	if cfg.Storage.LogDir == "" {
		t.Fatalf("expected LogDir to be set")
	}
	if cfg.Security.SSH.KnownHostsPath == "" {
		t.Fatalf("expected KnownHostsPath to be set")
	}
}

func TestValidateRejectsDefaultToken(t *testing.T) {
	cfg := &Config{
		Auth:      AuthConfig{APIToken: "change-me-in-production"},
		Lifecycle: LifecycleConfig{StartGraceSeconds: 10, StopGraceSeconds: 30},
		Rcon:      RconConfig{DialTimeoutSeconds: 5, ReadTimeoutSeconds: 10},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for default API token")
	}
}

func TestValidateRejectsUnexpandedToken(t *testing.T) {
	cfg := &Config{
		Auth:      AuthConfig{APIToken: "${API_TOKEN}"},
		Lifecycle: LifecycleConfig{StartGraceSeconds: 10, StopGraceSeconds: 30},
		Rcon:      RconConfig{DialTimeoutSeconds: 5, ReadTimeoutSeconds: 10},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unexpanded env var")
	}
}

func TestValidateRejectsNonPositiveWindows(t *testing.T) {
	cfg := &Config{
		Auth:      AuthConfig{APIToken: "secret-token"},
		Lifecycle: LifecycleConfig{StartGraceSeconds: 0, StopGraceSeconds: 30},
		Rcon:      RconConfig{DialTimeoutSeconds: 5, ReadTimeoutSeconds: 10},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for zero start grace")
	}

	cfg.Lifecycle.StartGraceSeconds = 10
	cfg.Rcon.ReadTimeoutSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for zero rcon read timeout")
	}
}

func TestValidateAcceptsSaneConfig(t *testing.T) {
	cfg := &Config{
		Auth:      AuthConfig{APIToken: "secret-token"},
		Lifecycle: LifecycleConfig{StartGraceSeconds: 10, StopGraceSeconds: 30},
		Rcon:      RconConfig{DialTimeoutSeconds: 5, ReadTimeoutSeconds: 10},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}
