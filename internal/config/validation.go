package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/site-cache/site-cache/internal/cache"
	"github.com/site-cache/site-cache/internal/cache/backend"
	"github.com/site-cache/site-cache/internal/manifest"
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
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", fmt.Sprintf("无法识别的日志级别: %s", g.LogLevel))
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.PersistTimeout.DurationValue() <= 0 {
		return newFieldError("Global.PersistTimeout", "必须大于 0")
	}

	backendKey := strings.ToLower(strings.TrimSpace(g.StoreBackend))
	if backendKey == "" {
		backendKey = backend.DefaultKey()
	}
	if _, ok := backend.Resolve(backendKey); !ok {
		return newFieldError("Global.StoreBackend", fmt.Sprintf("未注册的后端: %s，可选: %s", g.StoreBackend, strings.Join(backend.Keys(), "|")))
	}
	switch backendKey {
	case backend.DefaultKey():
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "不能为空")
		}
	case "redis":
		if strings.TrimSpace(g.RedisAddr) == "" {
			return newFieldError("Global.RedisAddr", "使用 redis 后端时不能为空")
		}
		if g.RedisDB < 0 {
			return newFieldError("Global.RedisDB", "不能为负数")
		}
	}

	s := c.Site
	if err := validateOrigin(s.Origin); err != nil {
		return fmt.Errorf("%s: %w", siteField("Origin"), err)
	}
	if s.Domain != "" {
		if err := validateDomain(s.Domain); err != nil {
			return fmt.Errorf("%s: %w", siteField("Domain"), err)
		}
	}
	if s.Generation != "" {
		if err := cache.ValidateGeneration(s.Generation); err != nil {
			return newFieldError(siteField("Generation"), "仅允许字母、数字、点、下划线与连字符")
		}
	}
	if len(s.Manifest) > 0 && s.ManifestFile != "" {
		return newFieldError(siteField("Manifest/ManifestFile"), "只能二选一")
	}
	if len(s.Manifest) > 0 {
		if err := manifest.Manifest(s.Manifest).Validate(); err != nil {
			return fmt.Errorf("%s: %w", siteField("Manifest"), err)
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("源站不应包含路径: %s", raw)
	}
	return nil
}
