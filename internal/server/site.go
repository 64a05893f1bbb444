package server

import (
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/site-cache/site-cache/internal/config"
)

// SiteRoute 将站点配置与派生属性（解析后的源站 URL、监听端口）聚合在一起，
// 供路由/代理层直接复用，避免重复解析配置。
type SiteRoute struct {
	// Config 是 [Site] 段的副本，避免外部修改。
	Config config.SiteConfig
	// ListenPort 记录当前 CLI 监听端口，方便日志/转发头输出。
	ListenPort int
	OriginURL  *url.URL
	// Generation 是配置中的缓存代名称，留空时由 lifecycle 使用默认值。
	Generation string
}

// NewSiteRoute 根据配置构建站点路由。调用方应在启动阶段创建一次并复用。
func NewSiteRoute(cfg *config.Config) (*SiteRoute, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	origin, err := cfg.OriginURL()
	if err != nil {
		return nil, err
	}
	return &SiteRoute{
		Config:     cfg.Site,
		ListenPort: cfg.Global.ListenPort,
		OriginURL:  origin,
		Generation: cfg.Site.Generation,
	}, nil
}

// Matches 判断 Host 或 Host:port 是否属于本站点；未配置 Domain 时接受任意 Host。
func (r *SiteRoute) Matches(host string) bool {
	if r == nil {
		return false
	}
	want := normalizeDomain(r.Config.Domain)
	if want == "" {
		return true
	}
	got, _ := normalizeHost(host)
	return got != "" && got == want
}

// Name 返回用于日志的站点标识（源站 Host）。
func (r *SiteRoute) Name() string {
	if r == nil || r.OriginURL == nil {
		return ""
	}
	return r.OriginURL.Host
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
