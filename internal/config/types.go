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

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
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

// GlobalConfig 描述进程级运行参数：监听端口、日志、缓存后端与超时。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StoreBackend    string   `mapstructure:"StoreBackend"`
	RedisAddr       string   `mapstructure:"RedisAddr"`
	RedisPassword   string   `mapstructure:"RedisPassword"`
	RedisDB         int      `mapstructure:"RedisDB"`
	RedisNamespace  string   `mapstructure:"RedisNamespace"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	PersistTimeout  Duration `mapstructure:"PersistTimeout"`
}

// SiteConfig 描述被代理的站点以及需要预缓存的资源。
type SiteConfig struct {
	// Origin 是源站地址，例如 https://www.example.com。
	Origin string `mapstructure:"Origin"`
	// Domain 是代理对外服务的 Host，留空表示接受任意 Host。
	Domain string `mapstructure:"Domain"`
	// Generation 是缓存代名称，修改它即触发整站缓存失效。
	Generation   string   `mapstructure:"Generation"`
	Manifest     []string `mapstructure:"Manifest"`
	ManifestFile string   `mapstructure:"ManifestFile"`
	SkipWaiting  bool     `mapstructure:"SkipWaiting"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Site   SiteConfig   `mapstructure:"Site"`
}

// UsesRedis 表示当前后端是否需要 Redis 连接参数。
func (g GlobalConfig) UsesRedis() bool {
	return strings.EqualFold(strings.TrimSpace(g.StoreBackend), "redis")
}
