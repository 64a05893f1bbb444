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

	"github.com/site-cache/site-cache/internal/cache/backend"
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

	if err := rejectSiteLevelPorts(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applySiteDefaults(&cfg.Site, filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StoreBackend", backend.DefaultKey())
	v.SetDefault("RedisDB", 0)
	v.SetDefault("RedisNamespace", "site-cache")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("PersistTimeout", "30s")
	v.SetDefault("Site.SkipWaiting", true)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if strings.TrimSpace(g.StoreBackend) == "" {
		g.StoreBackend = backend.DefaultKey()
	}
	g.StoreBackend = strings.ToLower(strings.TrimSpace(g.StoreBackend))
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.PersistTimeout.DurationValue() == 0 {
		g.PersistTimeout = Duration(30 * time.Second)
	}
}

// applySiteDefaults 规整站点字段；相对路径的清单文件以配置文件所在目录为基准。
func applySiteDefaults(s *SiteConfig, baseDir string) {
	s.Origin = strings.TrimRight(strings.TrimSpace(s.Origin), "/")
	s.Domain = strings.ToLower(strings.TrimSpace(s.Domain))
	s.Generation = strings.TrimSpace(s.Generation)
	if file := strings.TrimSpace(s.ManifestFile); file != "" && !filepath.IsAbs(file) {
		s.ManifestFile = filepath.Join(baseDir, file)
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

// rejectSiteLevelPorts 拒绝在 [Site] 中声明端口，监听端口只能全局配置。
func rejectSiteLevelPorts(v *viper.Viper) error {
	site, ok := v.Get("Site").(map[string]interface{})
	if !ok {
		return nil
	}
	for key := range site {
		if strings.EqualFold(key, "Port") || strings.EqualFold(key, "ListenPort") {
			return newFieldError(siteField("Port"), "字段不受支持，请使用全局 ListenPort")
		}
	}
	return nil
}
