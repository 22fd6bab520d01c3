package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// useBufferWriters swaps stdOut/stdErr with in-memory buffers for the duration
// of a test, allowing assertions on CLI output without polluting test logs.
func useBufferWriters(t *testing.T) {
	t.Helper()

	outBuf := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}

	prevOut := stdOut
	prevErr := stdErr

	stdOut = outBuf
	stdErr = errBuf

	t.Cleanup(func() {
		stdOut = prevOut
		stdErr = prevErr
	})
}

// stdOutBuffer returns the in-use stdout buffer when useBufferWriters is active.
func stdOutBuffer() *bytes.Buffer {
	buf, _ := stdOut.(*bytes.Buffer)
	return buf
}

// configFixture 写出一份可通过校验的配置与配套预缓存清单，返回配置路径。
func configFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	manifestPath := filepath.Join(dir, "precache.yaml")
	manifest := "precache:\n  - \"/\"\n  - \"/static/app.js\"\n"
	if err := os.WriteFile(manifestPath, []byte(manifest), 0o600); err != nil {
		t.Fatalf("写入清单失败: %v", err)
	}

	configPath := filepath.Join(dir, "config.toml")
	content := fmt.Sprintf(`ListenPort = 5000
PublicHost = "catalog.example.com"
StoragePath = %q
StatePath = %q
Upstream = "https://catalog.internal:8443"
BuildID = "20260901a"
CachePrefix = "appshell-"
ManifestPath = %q
APIPrefixes = ["/api/"]
`, filepath.Join(dir, "data"), filepath.Join(dir, "state"), manifestPath)
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return configPath
}
