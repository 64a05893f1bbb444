// Package fetch 把 cache.Request 转换为真实的上游 HTTP 请求。
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/site-cache/site-cache/internal/cache"
	"github.com/site-cache/site-cache/internal/server"
)

// Client 实现 cache.Fetcher；与 origin 同源的响应标记为 basic，其余为 opaque。
type Client struct {
	http   *http.Client
	origin *url.URL
}

var _ cache.Fetcher = (*Client)(nil)

// New 构建回源客户端；httpClient 为空时使用 http.DefaultClient。
func New(httpClient *http.Client, origin *url.URL) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{http: httpClient, origin: origin}
}

// Fetch 执行一次网络请求并完整读取响应体。任何传输层错误都包装为 *cache.FetchError。
func (c *Client) Fetch(ctx context.Context, req *cache.Request) (*cache.Response, error) {
	if req == nil || req.URL == nil {
		return nil, &cache.FetchError{Err: errors.New("nil request")}
	}
	target := req.URL.String()
	if !req.IsHTTP() {
		return nil, &cache.FetchError{URL: target, Err: fmt.Errorf("unsupported scheme %q", req.URL.Scheme)}
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, req.Method, target, nil)
	if err != nil {
		return nil, &cache.FetchError{URL: target, Err: err}
	}
	if req.Header != nil {
		server.CopyHeaders(upstreamReq.Header, req.Header)
	}
	// 由 Transport 自行协商压缩，保证缓存内容为解压后的原文。
	upstreamReq.Header.Del("Accept-Encoding")
	cache.StripCredentials(upstreamReq.Header)

	resp, err := c.http.Do(upstreamReq)
	if err != nil {
		return nil, &cache.FetchError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &cache.FetchError{URL: target, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	header := make(http.Header, len(resp.Header))
	server.CopyHeaders(header, resp.Header)
	if resp.Uncompressed {
		header.Del("Content-Encoding")
		header.Del("Content-Length")
	}

	finalURL := target
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &cache.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
		Type:   c.classify(req.URL),
		URL:    finalURL,
	}, nil
}

func (c *Client) classify(u *url.URL) cache.ResponseType {
	if c.origin != nil && cache.SameOrigin(u, c.origin) {
		return cache.ResponseTypeBasic
	}
	return cache.ResponseTypeOpaque
}
