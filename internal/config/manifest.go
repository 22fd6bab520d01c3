package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest 是安装期必须写入当前缓存版本的固定路径清单。顺序敏感，
// 因此独立于 viper 用 YAML 直接解析（map 会丢失顺序）。
type Manifest struct {
	Precache []string `yaml:"precache"`
}

// RootDocument 是导航请求的离线兜底目标，约定为清单中的站点根路径。
const RootDocument = "/"

// LoadManifest 读取并校验预缓存清单文件。
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取预缓存清单失败: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("解析预缓存清单失败: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate 要求所有条目为根相对路径，且根文档必须在列（离线导航依赖它）。
func (m *Manifest) Validate() error {
	if m == nil || len(m.Precache) == 0 {
		return newFieldError("precache", "清单不能为空")
	}

	hasRoot := false
	seen := map[string]struct{}{}
	for i, entry := range m.Precache {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" || !strings.HasPrefix(trimmed, "/") {
			return newFieldError(fmt.Sprintf("precache[%d]", i), "必须是根相对路径")
		}
		if _, dup := seen[trimmed]; dup {
			return newFieldError(fmt.Sprintf("precache[%d]", i), "重复条目: "+trimmed)
		}
		seen[trimmed] = struct{}{}
		m.Precache[i] = trimmed
		if trimmed == RootDocument {
			hasRoot = true
		}
	}
	if !hasRoot {
		return newFieldError("precache", "必须包含站点根路径 /")
	}
	return nil
}
