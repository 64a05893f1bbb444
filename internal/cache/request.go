package cache

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Request 描述一次被拦截的请求：方法 + 绝对 URL，外加需要透传给上游的请求头。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
}

// NewRequest 解析绝对 URL 并构造 Request，method 为空时视为 GET。
func NewRequest(method, rawURL string) (*Request, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse request url: %w", err)
	}
	if !parsed.IsAbs() {
		return nil, fmt.Errorf("request url must be absolute: %s", rawURL)
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: method,
		URL:    parsed,
		Header: http.Header{},
	}, nil
}

// Key 返回请求标识（方法 + 规范化 URL），作为缓存条目的主键。
func (r *Request) Key() string {
	return r.Method + " " + NormalizeURL(r.URL)
}

// IsHTTP 判断请求是否为 http/https 协议，其它协议（扩展页、data: 等）不参与拦截。
func (r *Request) IsHTTP() bool {
	if r == nil || r.URL == nil {
		return false
	}
	scheme := strings.ToLower(r.URL.Scheme)
	return scheme == "http" || scheme == "https"
}

// Origin 返回请求所属的 origin。
func (r *Request) Origin() string {
	return Origin(r.URL)
}

func (r *Request) String() string {
	if r == nil {
		return ""
	}
	return r.Key()
}

// NormalizeURL 小写 scheme/host，去掉 fragment，并把空路径补成 "/"。
func NormalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	clone := *u
	clone.Scheme = strings.ToLower(clone.Scheme)
	clone.Host = strings.ToLower(clone.Host)
	clone.Fragment = ""
	clone.RawFragment = ""
	if clone.Path == "" && clone.Opaque == "" {
		clone.Path = "/"
		clone.RawPath = ""
	}
	return clone.String()
}

// Origin 按 scheme://host[:port] 计算 origin，默认端口会被省略。
func Origin(u *url.URL) string {
	if u == nil || u.Host == "" {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return scheme + "://" + host
}

// SameOrigin reports whether both URLs share scheme, host and port.
func SameOrigin(a, b *url.URL) bool {
	oa, ob := Origin(a), Origin(b)
	return oa != "" && oa == ob
}
