package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyPushDefaults(&cfg.Push)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	absState, err := filepath.Abs(cfg.Global.StatePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析状态目录: %w", err)
	}
	cfg.Global.StatePath = absState

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("PublicHost", "localhost")
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StatePath", "./state")
	v.SetDefault("CachePrefix", "appshell-")
	v.SetDefault("ManifestPath", "precache.yaml")
	v.SetDefault("APIPrefixes", []string{"/api/"})
	v.SetDefault("DevPaths", []string{"/browser-sync/", "/__vite", "/sockjs-node/"})
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("HandoffTimeout", "4s")
	v.SetDefault("Push.SubscribeCooldown", "30s")
	v.SetDefault("Push.DefaultTitle", "Update")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.CachePrefix == "" {
		g.CachePrefix = "appshell-"
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.HandoffTimeout.DurationValue() == 0 {
		g.HandoffTimeout = Duration(4 * time.Second)
	}
	g.BuildID = strings.TrimSpace(g.BuildID)
	for i := range g.APIPrefixes {
		g.APIPrefixes[i] = strings.TrimSpace(g.APIPrefixes[i])
	}
}

func applyPushDefaults(p *PushConfig) {
	if p.SubscribeCooldown.DurationValue() == 0 {
		p.SubscribeCooldown = Duration(30 * time.Second)
	}
	if strings.TrimSpace(p.DefaultTitle) == "" {
		p.DefaultTitle = "Update"
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
