package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/site-cache/site-cache/internal/cache"
	"github.com/site-cache/site-cache/internal/intercept"
	"github.com/site-cache/site-cache/internal/server"
)

// forward 把未被拦截的请求（非 GET、尚无缓存代等）原样转发到源站并流式写回，不经过缓存。
func (h *Handler) forward(
	ctx context.Context,
	c fiber.Ctx,
	route *server.SiteRoute,
	req *cache.Request,
	requestID string,
	started time.Time,
) error {
	passthrough := intercept.Outcome{}
	if !req.IsHTTP() {
		h.logResult(route, req, requestID, 0, passthrough, started, fmt.Errorf("unsupported scheme %q", req.URL.Scheme))
		setRequestIDHeader(c, requestID)
		return h.writeError(c, fiber.StatusBadRequest, "unsupported_scheme")
	}

	upstreamReq, err := h.buildUpstreamRequest(ctx, c, route, req)
	if err != nil {
		h.logResult(route, req, requestID, 0, passthrough, started, err)
		setRequestIDHeader(c, requestID)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	resp, err := h.client.Do(upstreamReq)
	if err != nil {
		h.logResult(route, req, requestID, 0, passthrough, started, err)
		setRequestIDHeader(c, requestID)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(headerCacheHit, "false")
	setRequestIDHeader(c, requestID)
	c.Status(resp.StatusCode)

	if req.Method == http.MethodHead {
		h.logResult(route, req, requestID, resp.StatusCode, passthrough, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(route, req, requestID, resp.StatusCode, passthrough, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) buildUpstreamRequest(ctx context.Context, c fiber.Ctx, route *server.SiteRoute, req *cache.Request) (*http.Request, error) {
	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(upstreamReq.Header, req.Header)
	upstreamReq.Header.Del("Accept-Encoding")
	upstreamReq.Host = req.URL.Host
	upstreamReq.Header.Set("Host", req.URL.Host)
	upstreamReq.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := upstreamReq.Header.Get("X-Forwarded-For"); prior != "" {
			upstreamReq.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			upstreamReq.Header.Set("X-Forwarded-For", ip)
		}
	}
	upstreamReq.Header.Set("X-Forwarded-Proto", c.Scheme())
	upstreamReq.Header.Set("X-Forwarded-Port", routePort(route))
	return upstreamReq, nil
}

func routePort(route *server.SiteRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return fmt.Sprintf("%d", route.ListenPort)
}
