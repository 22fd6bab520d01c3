package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述代理进程的全局运行时行为。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	PublicHost    string `mapstructure:"PublicHost"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	// StoragePath 是分版本缓存的根目录，StatePath 是持久状态库目录。
	StoragePath string `mapstructure:"StoragePath"`
	StatePath   string `mapstructure:"StatePath"`

	// Upstream 是被代理的目录应用源站地址。
	Upstream        string   `mapstructure:"Upstream"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`

	// BuildID 由部署流程注入，决定本次运行拥有的缓存版本。
	BuildID     string `mapstructure:"BuildID"`
	CachePrefix string `mapstructure:"CachePrefix"`

	// ManifestPath 指向预缓存清单（YAML，顺序敏感）。
	ManifestPath string `mapstructure:"ManifestPath"`

	// APIPrefixes 下的 GET 永远直连源站，不读写缓存。
	APIPrefixes []string `mapstructure:"APIPrefixes"`
	// DevPaths 仅在回环 Host 下直连（热更新通道等开发内建路径）。
	DevPaths []string `mapstructure:"DevPaths"`

	// HandoffTimeout 是版本交接的保底定时器时长。
	HandoffTimeout Duration `mapstructure:"HandoffTimeout"`
}

// PushConfig 控制推送订阅与通知兜底字段。
type PushConfig struct {
	ServiceURL        string   `mapstructure:"ServiceURL"`
	SubscribeCooldown Duration `mapstructure:"SubscribeCooldown"`
	DefaultTitle      string   `mapstructure:"DefaultTitle"`
	DefaultIcon       string   `mapstructure:"DefaultIcon"`
	DefaultBadge      string   `mapstructure:"DefaultBadge"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Push   PushConfig   `mapstructure:"Push"`
}

// CacheName 返回当前构建的缓存存储键，即前缀与 BuildID 的拼接。
func (g GlobalConfig) CacheName() string {
	return g.CachePrefix + g.BuildID
}

// IsAPIPath 判断路径是否命中 API 前缀（永远直连）。
func (g GlobalConfig) IsAPIPath(path string) bool {
	for _, prefix := range g.APIPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// IsDevPath 判断路径是否属于开发内建通道。
func (g GlobalConfig) IsDevPath(path string) bool {
	for _, prefix := range g.DevPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
