package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

func writeTempManifest(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "precache.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时清单失败: %v", err)
	}
	return path
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			StoragePath:     "./data",
			StatePath:       "./state",
			Upstream:        "https://catalog.internal:8443",
			UpstreamTimeout: Duration(1000000000),
			HandoffTimeout:  Duration(4000000000),
			BuildID:         "20260901a",
			CachePrefix:     "appshell-",
			ManifestPath:    "precache.yaml",
			APIPrefixes:     []string{"/api/"},
		},
		Push: PushConfig{
			SubscribeCooldown: Duration(30000000000),
			DefaultTitle:      "Update",
		},
	}
}
