package config

import (
	"fmt"
	"net/url"

	"github.com/site-cache/site-cache/internal/cache"
	"github.com/site-cache/site-cache/internal/cache/backend"
	"github.com/site-cache/site-cache/internal/manifest"
)

// OriginURL 返回解析后的源站地址（假定 Validate 已经通过）。
func (c *Config) OriginURL() (*url.URL, error) {
	parsed, err := url.Parse(c.Site.Origin)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", siteField("Origin"), err)
	}
	parsed.Path = ""
	parsed.RawPath = ""
	return parsed, nil
}

// ResolveManifest 依次使用内联清单、清单文件，最后回退到内置清单。
func (c *Config) ResolveManifest() (manifest.Manifest, error) {
	if len(c.Site.Manifest) > 0 {
		out := make(manifest.Manifest, len(c.Site.Manifest))
		copy(out, c.Site.Manifest)
		return out, nil
	}
	if c.Site.ManifestFile != "" {
		return manifest.LoadFile(c.Site.ManifestFile)
	}
	return manifest.Default(), nil
}

// BackendOptions 把全局配置转换为存储后端构造参数。
func (c *Config) BackendOptions(fetcher cache.Fetcher) backend.Options {
	g := c.Global
	return backend.Options{
		StoragePath:    g.StoragePath,
		RedisAddr:      g.RedisAddr,
		RedisPassword:  g.RedisPassword,
		RedisDB:        g.RedisDB,
		RedisNamespace: g.RedisNamespace,
		DialTimeout:    g.UpstreamTimeout.DurationValue(),
		Fetcher:        fetcher,
	}
}
