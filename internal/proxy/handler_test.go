package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/site-cache/site-cache/internal/cache"
	"github.com/site-cache/site-cache/internal/cache/memory"
	"github.com/site-cache/site-cache/internal/config"
	"github.com/site-cache/site-cache/internal/fetch"
	"github.com/site-cache/site-cache/internal/intercept"
	"github.com/site-cache/site-cache/internal/lifecycle"
	"github.com/site-cache/site-cache/internal/manifest"
	"github.com/site-cache/site-cache/internal/server"
)

const requestIDKey = "_sitecache_request_id"

func TestHandlerServesManifestFromCache(t *testing.T) {
	env := newProxyEnv(t, true)

	resp := env.get(t, "/style.css")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Site-Cache-Hit") != "true" {
		t.Fatalf("manifest entry should be served from cache")
	}
	if resp.Header.Get("X-Site-Cache-Generation") != "v1" {
		t.Fatalf("unexpected generation header %q", resp.Header.Get("X-Site-Cache-Generation"))
	}
	if body := readBody(t, resp); body != "body{}" {
		t.Fatalf("unexpected body %q", body)
	}
	if resp.Header.Get("Content-Type") != "text/css" {
		t.Fatalf("content type should be replayed, got %q", resp.Header.Get("Content-Type"))
	}
	if hits := env.upstream.hits("/style.css"); hits != 1 {
		t.Fatalf("expected only the install fetch, got %d", hits)
	}
}

func TestHandlerCachesRuntimeResponses(t *testing.T) {
	env := newProxyEnv(t, true)

	first := env.get(t, "/images/p1.webp")
	if first.Header.Get("X-Site-Cache-Hit") != "false" {
		t.Fatalf("first request should come from network")
	}
	firstBody := readBody(t, first)
	env.ctrl.Wait()

	second := env.get(t, "/images/p1.webp")
	if second.Header.Get("X-Site-Cache-Hit") != "true" {
		t.Fatalf("second request should be a cache hit")
	}
	if readBody(t, second) != firstBody {
		t.Fatalf("cached body should match network body")
	}
	if hits := env.upstream.hits("/images/p1.webp"); hits != 1 {
		t.Fatalf("expected a single upstream fetch, got %d", hits)
	}
}

func TestHandlerDoesNotCacheErrors(t *testing.T) {
	env := newProxyEnv(t, true)

	for i := 0; i < 2; i++ {
		resp := env.get(t, "/missing")
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404 to pass through, got %d", resp.StatusCode)
		}
		env.ctrl.Wait()
	}
	if hits := env.upstream.hits("/missing"); hits != 2 {
		t.Fatalf("404 must not be cached, upstream hits=%d", hits)
	}
}

func TestHandlerNeverSharesPerVisitorResponses(t *testing.T) {
	env := newProxyEnv(t, true)

	alice := env.getWithHeader(t, "/account", "Cookie", "session=alice")
	if body := readBody(t, alice); body != "hello alice" {
		t.Fatalf("credentialed request should reach the origin with its cookie, got %q", body)
	}
	if alice.Header.Get("X-Site-Cache-Hit") != "false" {
		t.Fatalf("credentialed request must not be served from cache")
	}
	env.ctrl.Wait()

	for i := 0; i < 2; i++ {
		anon := env.get(t, "/account")
		if body := readBody(t, anon); body != "hello anonymous" {
			t.Fatalf("anonymous visitor got another visitor's page: %q", body)
		}
		if anon.Header.Get("X-Site-Cache-Hit") != "false" {
			t.Fatalf("response with Set-Cookie must not be cached")
		}
		if cookie := anon.Header.Get("Set-Cookie"); strings.Contains(cookie, "alice") {
			t.Fatalf("anonymous visitor received alice's cookie: %q", cookie)
		}
		env.ctrl.Wait()
	}

	bearer := env.getWithHeader(t, "/style.css", "Authorization", "Bearer token")
	if bearer.Header.Get("X-Site-Cache-Hit") != "false" {
		t.Fatalf("authorized request must bypass the cache")
	}
	if hits := env.upstream.hits("/account"); hits != 3 {
		t.Fatalf("every /account request should reach the origin, got %d", hits)
	}
	for _, req := range generationKeys(t, env.storage, "v1") {
		if req.URL.Path == "/account" {
			t.Fatalf("per-visitor page must not be stored")
		}
	}
}

func TestHandlerForwardsNonGetRequests(t *testing.T) {
	env := newProxyEnv(t, true)

	req := httptest.NewRequest(http.MethodPost, "http://site.local/submit?x=1", strings.NewReader("payload"))
	req.Host = "site.local"
	resp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected upstream status 201, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); body != "echo:payload" {
		t.Fatalf("request body should be forwarded, got %q", body)
	}
	if resp.Header.Get("X-Site-Cache-Hit") != "false" {
		t.Fatalf("forwarded requests are never cache hits")
	}
	if got := env.upstream.lastForwardedHost(); got != "site.local" {
		t.Fatalf("expected X-Forwarded-Host site.local, got %q", got)
	}
	env.ctrl.Wait()
	if keys := generationKeys(t, env.storage, "v1"); len(keys) != 2 {
		t.Fatalf("POST must not add cache entries, got %v", keys)
	}
}

func TestHandlerPassesThroughBeforeActivation(t *testing.T) {
	env := newProxyEnv(t, false)

	resp := env.get(t, "/style.css")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Site-Cache-Hit") != "false" {
		t.Fatalf("nothing should be served from cache before start")
	}
	if resp.Header.Get("X-Site-Cache-Generation") != "" {
		t.Fatalf("pass-through response should not carry a generation")
	}
}

func TestHandlerReturns502OnFetchFailure(t *testing.T) {
	worker := interceptorFunc(func(context.Context, *cache.Request) intercept.Outcome {
		return intercept.Outcome{Intercepted: true, Generation: "v1", Err: errors.New("connection refused")}
	})
	logBuf := &bytes.Buffer{}
	handler := NewHandler(worker, nil, newBufferLogger(logBuf))

	app := fiber.New()
	defer app.Shutdown()
	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Locals(requestIDKey, "fail-req")

	if err := handler.Handle(ctx, testRoute(t, "https://site.test")); err != nil {
		t.Fatalf("handler returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusBadGateway {
		t.Fatalf("expected 502, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "upstream_failed") {
		t.Fatalf("expected upstream_failed body, got %s", body)
	}
	if !strings.Contains(logBuf.String(), "proxy_failed") {
		t.Fatalf("expected proxy_failed log, got %s", logBuf.String())
	}
}

func TestHandlerRecoversFromPanic(t *testing.T) {
	worker := interceptorFunc(func(context.Context, *cache.Request) intercept.Outcome {
		panic("boom")
	})
	logBuf := &bytes.Buffer{}
	handler := NewHandler(worker, nil, newBufferLogger(logBuf))

	app := fiber.New()
	defer app.Shutdown()
	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Locals(requestIDKey, "panic-req")

	if err := handler.Handle(ctx, testRoute(t, "https://site.test")); err != nil {
		t.Fatalf("handler returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 after panic, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "handler_panic") {
		t.Fatalf("expected handler_panic body, got %s", body)
	}
	if got := string(ctx.Response().Header.Peek("X-Request-ID")); got != "panic-req" {
		t.Fatalf("expected request id header panic-req, got %s", got)
	}
	if !strings.Contains(logBuf.String(), "panic-req") {
		t.Fatalf("expected log to include request id, got %s", logBuf.String())
	}
}

func TestResolveTargetURLKeepsPathAndQuery(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()
	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Request().SetRequestURI("/docs/?page=2")

	base, _ := url.Parse("https://site.test")
	got := resolveTargetURL(base, ctx)
	if got.String() != "https://site.test/docs/?page=2" {
		t.Fatalf("unexpected target %s", got)
	}
}

type interceptorFunc func(context.Context, *cache.Request) intercept.Outcome

func (f interceptorFunc) OnRequest(ctx context.Context, req *cache.Request) intercept.Outcome {
	return f(ctx, req)
}

type proxyEnv struct {
	app      *fiber.App
	ctrl     *lifecycle.Controller
	storage  *memory.Storage
	upstream *upstreamSite
}

func newProxyEnv(t *testing.T, start bool) *proxyEnv {
	t.Helper()
	site := newUpstreamSite()
	srv := httptest.NewServer(site)
	t.Cleanup(srv.Close)

	route := testRoute(t, srv.URL)
	fetcher := fetch.New(srv.Client(), route.OriginURL)
	storage := memory.New(fetcher)
	logger := newBufferLogger(io.Discard)

	ctrl, err := lifecycle.NewController(lifecycle.Options{
		Config: lifecycle.Config{
			Generation:  "v1",
			Origin:      route.OriginURL,
			Manifest:    manifest.Manifest{"/", "/style.css"},
			SkipWaiting: true,
		},
		Storage: storage,
		Fetcher: fetcher,
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	if start {
		if err := ctrl.Start(context.Background()); err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	t.Cleanup(ctrl.Wait)

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Route:      route,
		Proxy:      NewHandler(ctrl, srv.Client(), logger),
		ListenPort: route.ListenPort,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return &proxyEnv{app: app, ctrl: ctrl, storage: storage, upstream: site}
}

func (e *proxyEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	return e.getWithHeader(t, path, "", "")
}

func (e *proxyEnv) getWithHeader(t *testing.T, path, key, value string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "http://site.local"+path, nil)
	req.Host = "site.local"
	if key != "" {
		req.Header.Set(key, value)
	}
	resp, err := e.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

func testRoute(t *testing.T, origin string) *server.SiteRoute {
	t.Helper()
	originURL, err := url.Parse(origin)
	if err != nil {
		t.Fatalf("parse origin: %v", err)
	}
	return &server.SiteRoute{
		Config:     config.SiteConfig{Origin: origin},
		ListenPort: 5000,
		OriginURL:  originURL,
	}
}

func newBufferLogger(w io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)
	return logger
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func generationKeys(t *testing.T, storage cache.Storage, name string) []*cache.Request {
	t.Helper()
	handle, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	keys, err := handle.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys %s: %v", name, err)
	}
	return keys
}

// upstreamSite 模拟源站：记录每个路径的访问次数与最后一次转发头。
type upstreamSite struct {
	mu            sync.Mutex
	counts        map[string]int
	forwardedHost string
}

func newUpstreamSite() *upstreamSite {
	return &upstreamSite{counts: make(map[string]int)}
}

func (s *upstreamSite) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.counts[r.URL.Path]++
	s.forwardedHost = r.Header.Get("X-Forwarded-Host")
	s.mu.Unlock()

	switch r.URL.Path {
	case "/":
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html>home</html>")
	case "/style.css":
		w.Header().Set("Content-Type", "text/css")
		_, _ = io.WriteString(w, "body{}")
	case "/images/p1.webp":
		w.Header().Set("Content-Type", "image/webp")
		_, _ = io.WriteString(w, "webp-bytes")
	case "/account":
		if session, err := r.Cookie("session"); err == nil {
			http.SetCookie(w, &http.Cookie{Name: "session", Value: session.Value + "-renewed"})
			_, _ = io.WriteString(w, "hello "+session.Value)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "guest"})
		_, _ = io.WriteString(w, "hello anonymous")
	case "/submit":
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(append([]byte("echo:"), body...))
	default:
		http.NotFound(w, r)
	}
}

func (s *upstreamSite) hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[path]
}

func (s *upstreamSite) lastForwardedHost() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forwardedHost
}
