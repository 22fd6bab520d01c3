package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.StatePath == "" {
		return newFieldError("Global.StatePath", "不能为空")
	}
	if g.BuildID == "" {
		return newFieldError("Global.BuildID", "不能为空，由部署流程注入")
	}
	if strings.ContainsAny(g.BuildID, "/\\ ") {
		return newFieldError("Global.BuildID", "不允许包含路径分隔符或空格")
	}
	if g.CachePrefix == "" {
		return newFieldError("Global.CachePrefix", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.HandoffTimeout.DurationValue() <= 0 {
		return newFieldError("Global.HandoffTimeout", "必须大于 0")
	}
	if err := validateUpstream(g.Upstream); err != nil {
		return fmt.Errorf("Global.Upstream: %w", err)
	}
	if g.ManifestPath == "" {
		return newFieldError("Global.ManifestPath", "不能为空")
	}

	for i, prefix := range g.APIPrefixes {
		if !strings.HasPrefix(prefix, "/") {
			return newFieldError(fmt.Sprintf("Global.APIPrefixes[%d]", i), "必须以 / 开头")
		}
	}
	for i, prefix := range g.DevPaths {
		if !strings.HasPrefix(prefix, "/") {
			return newFieldError(fmt.Sprintf("Global.DevPaths[%d]", i), "必须以 / 开头")
		}
	}

	if c.Push.ServiceURL != "" {
		if err := validateUpstream(c.Push.ServiceURL); err != nil {
			return fmt.Errorf("Push.ServiceURL: %w", err)
		}
	}
	if c.Push.SubscribeCooldown.DurationValue() <= 0 {
		return newFieldError("Push.SubscribeCooldown", "必须大于 0")
	}

	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
