package config

import "testing"

func TestLoadManifestKeepsOrder(t *testing.T) {
	path := writeTempManifest(t, `
precache:
  - /
  - /manifest.json
  - /icons/icon-192.png
  - /offline-placeholder.png
`)
	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest 返回错误: %v", err)
	}
	want := []string{"/", "/manifest.json", "/icons/icon-192.png", "/offline-placeholder.png"}
	if len(m.Precache) != len(want) {
		t.Fatalf("条目数不符: %d", len(m.Precache))
	}
	for i, entry := range want {
		if m.Precache[i] != entry {
			t.Fatalf("第 %d 项顺序错误: got %s want %s", i, m.Precache[i], entry)
		}
	}
}

func TestLoadManifestRequiresRoot(t *testing.T) {
	path := writeTempManifest(t, `
precache:
  - /manifest.json
`)
	if _, err := LoadManifest(path); err == nil {
		t.Fatalf("缺少根文档的清单应返回错误")
	}
}

func TestLoadManifestRejectsRelativePaths(t *testing.T) {
	path := writeTempManifest(t, `
precache:
  - /
  - manifest.json
`)
	if _, err := LoadManifest(path); err == nil {
		t.Fatalf("非根相对路径应返回错误")
	}
}

func TestLoadManifestRejectsDuplicates(t *testing.T) {
	path := writeTempManifest(t, `
precache:
  - /
  - /manifest.json
  - /manifest.json
`)
	if _, err := LoadManifest(path); err == nil {
		t.Fatalf("重复条目应返回错误")
	}
}
