// Package manifest 描述安装阶段需要预缓存的资源列表。
package manifest

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/site-cache/site-cache/internal/cache"
)

// Manifest 是站点相对路径的有序列表，每一项都以 "/" 开头。
type Manifest []string

// document 是清单文件的 YAML 结构。
type document struct {
	Assets []string `yaml:"assets"`
}

var defaultAssets = Manifest{
	"/",
	"/index.html",
	"/about.html",
	"/contact.html",
	"/portfolio.html",
	"/service.html",
	"/bootstrap.css",
	"/font-awesome.min.css",
	"/responsive.css",
	"/style.css",
	"/style.css.map",
	"/style.scss",
	"/js/app.js",
	"/images/about-img.webp",
	"/images/client.webp",
	"/images/hero-bg.webp",
	"/images/p1.webp",
	"/images/p2.webp",
	"/images/p3.webp",
	"/images/s1.webp",
	"/images/s2.webp",
	"/images/s3.webp",
	"/images/s4.webp",
	"/images/s5.webp",
	"/images/s6.webp",
	"/images/slider-bg.webp",
	"/fonts/fontawesome-webfont.ttf",
	"/fonts/fontawesome-webfont.woff",
	"/fonts/fontawesome-webfont.woff2",
}

// Default 返回内置的站点资源清单副本。
func Default() Manifest {
	out := make(Manifest, len(defaultAssets))
	copy(out, defaultAssets)
	return out
}

// Validate 检查每个路径以单个 "/" 开头且互不重复。
func (m Manifest) Validate() error {
	if len(m) == 0 {
		return errors.New("manifest is empty")
	}
	seen := make(map[string]struct{}, len(m))
	for i, path := range m {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("manifest[%d] %q: must start with /", i, path)
		}
		if strings.HasPrefix(path, "//") {
			return fmt.Errorf("manifest[%d] %q: protocol-relative path not allowed", i, path)
		}
		if strings.ContainsAny(path, "#") {
			return fmt.Errorf("manifest[%d] %q: fragment not allowed", i, path)
		}
		if _, ok := seen[path]; ok {
			return fmt.Errorf("manifest[%d] %q: duplicate entry", i, path)
		}
		seen[path] = struct{}{}
	}
	return nil
}

// Requests 将清单解析为相对 origin 的 GET 请求，顺序与清单一致。
func (m Manifest) Requests(origin *url.URL) ([]*cache.Request, error) {
	if origin == nil || origin.Scheme == "" || origin.Host == "" {
		return nil, errors.New("origin must be an absolute url")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	reqs := make([]*cache.Request, 0, len(m))
	for _, path := range m {
		ref, err := url.Parse(path)
		if err != nil {
			return nil, fmt.Errorf("parse manifest path %q: %w", path, err)
		}
		req, err := cache.NewRequest("GET", origin.ResolveReference(ref).String())
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// LoadFile 从 YAML 文件读取清单，文件格式：
//
//	assets:
//	  - /
//	  - /index.html
func LoadFile(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	m := Manifest(doc.Assets)
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}
