package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/site-cache/site-cache/internal/cache"
	"github.com/site-cache/site-cache/internal/intercept"
	"github.com/site-cache/site-cache/internal/logging"
	"github.com/site-cache/site-cache/internal/server"
)

const (
	headerCacheHit        = "X-Site-Cache-Hit"
	headerCacheGeneration = "X-Site-Cache-Generation"
)

// Interceptor 是 Handler 依赖的拦截入口，lifecycle.Controller 实现了它。
type Interceptor interface {
	OnRequest(ctx context.Context, req *cache.Request) intercept.Outcome
}

// Handler 把 Fiber 请求转换为 cache.Request 交给拦截器；未被拦截的请求原样转发到源站。
type Handler struct {
	worker Interceptor
	client *http.Client
	logger *logrus.Logger
}

var _ server.ProxyHandler = (*Handler)(nil)

// NewHandler constructs a proxy handler with shared interceptor/HTTP client/logger.
func NewHandler(worker Interceptor, client *http.Client, logger *logrus.Logger) *Handler {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		worker: worker,
		client: client,
		logger: logger,
	}
}

// Handle 执行拦截策略并写回响应，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, route *server.SiteRoute) (err error) {
	started := time.Now()
	requestID := server.RequestID(c)
	defer func() {
		if r := recover(); r != nil {
			err = h.respondHandlerPanic(c, route, r, requestID, started)
		}
	}()

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req := &cache.Request{
		Method: c.Method(),
		URL:    resolveTargetURL(route.OriginURL, c),
		Header: fiberHeadersAsHTTP(c),
	}

	outcome := h.worker.OnRequest(ctx, req)
	if !outcome.Intercepted {
		return h.forward(ctx, c, route, req, requestID, started)
	}
	if outcome.Err != nil {
		h.logResult(route, req, requestID, 0, outcome, started, outcome.Err)
		setRequestIDHeader(c, requestID)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	return h.writeOutcome(c, route, req, outcome, requestID, started)
}

func (h *Handler) writeOutcome(
	c fiber.Ctx,
	route *server.SiteRoute,
	req *cache.Request,
	outcome intercept.Outcome,
	requestID string,
	started time.Time,
) error {
	resp := outcome.Response
	copyResponseHeaders(c, resp.Header)
	c.Set(headerCacheHit, strconv.FormatBool(outcome.Source == intercept.SourceCache))
	if outcome.Generation != "" {
		c.Set(headerCacheGeneration, outcome.Generation)
	}
	setRequestIDHeader(c, requestID)
	c.Status(resp.Status)

	err := c.Send(resp.Body)
	h.logResult(route, req, requestID, resp.Status, outcome, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("write response failed: %v", err))
	}
	return nil
}

func (h *Handler) respondHandlerPanic(c fiber.Ctx, route *server.SiteRoute, recovered interface{}, requestID string, started time.Time) error {
	fields := logrus.Fields{
		"action":     "proxy",
		"site":       route.Name(),
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	h.logger.WithFields(fields).WithError(fmt.Errorf("panic: %v", recovered)).Error("handler_panic")
	setRequestIDHeader(c, requestID)
	return h.writeError(c, fiber.StatusInternalServerError, "handler_panic")
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.SiteRoute,
	req *cache.Request,
	requestID string,
	status int,
	outcome intercept.Outcome,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(
		route.Name(),
		route.Config.Domain,
		outcome.Generation,
		string(outcome.Source),
		outcome.Source == intercept.SourceCache,
	)
	fields["action"] = "proxy"
	fields["method"] = req.Method
	fields["url"] = req.URL.String()
	fields["intercepted"] = outcome.Intercepted
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if outcome.Persisting {
		fields["persisting"] = true
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// resolveTargetURL 以源站为基准拼出请求的绝对 URL，保留原始 path 与 query。
func resolveTargetURL(base *url.URL, c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	pathVal := string(uri.Path())
	if pathVal == "" || pathVal[0] != '/' {
		pathVal = "/" + pathVal
	}
	target := *base
	target.Path = pathVal
	target.RawPath = ""
	target.RawQuery = string(uri.QueryString())
	target.Fragment = ""
	return &target
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 写入允许透传的头；Content-Length 由 Fiber 根据正文重新计算。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}
