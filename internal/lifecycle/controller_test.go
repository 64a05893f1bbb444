package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/site-cache/site-cache/internal/cache"
	"github.com/site-cache/site-cache/internal/cache/disk"
	"github.com/site-cache/site-cache/internal/cache/memory"
	"github.com/site-cache/site-cache/internal/intercept"
	"github.com/site-cache/site-cache/internal/manifest"
)

const origin = "https://site.test"

func TestScenarioFreshInstall(t *testing.T) {
	fetcher := newSiteFetcher()
	storage := newDiskStorage(t, fetcher)
	ctrl := newController(t, storage, fetcher, "v1", manifest.Manifest{"/", "/style.css"})

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if ctrl.State() != StateActive || ctrl.Serving() != "v1" {
		t.Fatalf("unexpected status %+v", ctrl.Status())
	}
	assertEntries(t, storage, "v1", "GET https://site.test/", "GET https://site.test/style.css")
	assertGenerations(t, storage, "v1")
}

func TestScenarioGenerationBump(t *testing.T) {
	fetcher := newSiteFetcher()
	storage := newDiskStorage(t, fetcher)
	ctx := context.Background()
	files := manifest.Manifest{"/", "/style.css"}

	if err := newController(t, storage, fetcher, "v1", files).Start(ctx); err != nil {
		t.Fatalf("start v1: %v", err)
	}

	next := newController(t, storage, fetcher, "v2", files)
	if err := next.Start(ctx); err != nil {
		t.Fatalf("start v2: %v", err)
	}
	assertGenerations(t, storage, "v2")
	assertEntries(t, storage, "v2", "GET https://site.test/", "GET https://site.test/style.css")
	if next.Serving() != "v2" || next.Adopted() != "" {
		t.Fatalf("v2 should be serving after activation: %+v", next.Status())
	}
}

func TestScenarioRuntimeCaching(t *testing.T) {
	fetcher := newSiteFetcher()
	storage := newDiskStorage(t, fetcher)
	ctx := context.Background()
	ctrl := newController(t, storage, fetcher, "v1", manifest.Manifest{"/"})
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	before := fetcher.calls.Load()

	req := mustRequest(t, origin+"/images/p1.webp")
	first := ctrl.OnRequest(ctx, req)
	ctrl.Wait()
	if first.Source != intercept.SourceNetwork || first.Response.Status != http.StatusOK {
		t.Fatalf("first request should come from network: %+v", first)
	}

	second := ctrl.OnRequest(ctx, req)
	if second.Source != intercept.SourceCache {
		t.Fatalf("second request should be a cache hit: %+v", second)
	}
	if string(second.Response.Body) != string(first.Response.Body) {
		t.Fatalf("cached body differs from network body")
	}
	if got := fetcher.calls.Load() - before; got != 1 {
		t.Fatalf("expected a single network fetch, got %d", got)
	}
	assertEntries(t, storage, "v1", "GET https://site.test/", "GET https://site.test/images/p1.webp")
}

func TestInstallFailureKeepsPreviousGeneration(t *testing.T) {
	fetcher := newSiteFetcher()
	storage := memory.New(fetcher)
	ctx := context.Background()

	if err := newController(t, storage, fetcher, "v1", manifest.Manifest{"/"}).Start(ctx); err != nil {
		t.Fatalf("start v1: %v", err)
	}

	fetcher.fail("/missing.css")
	next := newController(t, storage, fetcher, "v2", manifest.Manifest{"/", "/missing.css"})
	err := next.Start(ctx)

	var installErr *InstallError
	if !errors.As(err, &installErr) {
		t.Fatalf("expected InstallError, got %v", err)
	}
	var fetchErr *cache.FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("install error should wrap FetchError, got %v", err)
	}
	if next.State() != StateRedundant || next.Serving() != "v1" {
		t.Fatalf("previous generation must stay authoritative: %+v", next.Status())
	}
	assertGenerations(t, storage, "v1")

	outcome := next.OnRequest(ctx, mustRequest(t, origin+"/"))
	if outcome.Source != intercept.SourceCache {
		t.Fatalf("old generation should keep serving: %+v", outcome)
	}
}

func TestInstallFailureWithoutPreviousGenerationPassesThrough(t *testing.T) {
	fetcher := newSiteFetcher()
	fetcher.fail("/")
	storage := memory.New(fetcher)
	ctrl := newController(t, storage, fetcher, "v1", manifest.Manifest{"/"})

	if err := ctrl.Start(context.Background()); err == nil {
		t.Fatalf("expected install failure")
	}
	assertGenerations(t, storage)
	if outcome := ctrl.OnRequest(context.Background(), mustRequest(t, origin+"/about.html")); outcome.Intercepted {
		t.Fatalf("without a serving generation requests pass through")
	}
}

func TestWaitingUntilActivated(t *testing.T) {
	fetcher := newSiteFetcher()
	storage := memory.New(fetcher)
	ctx := context.Background()
	files := manifest.Manifest{"/"}
	if err := newController(t, storage, fetcher, "v1", files).Start(ctx); err != nil {
		t.Fatalf("start v1: %v", err)
	}

	next, err := NewController(Options{
		Config: Config{
			Generation: "v2",
			Origin:     mustURL(t, origin),
			Manifest:   files,
		},
		Storage: storage,
		Fetcher: fetcher,
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	if err := next.Start(ctx); err != nil {
		t.Fatalf("start v2: %v", err)
	}
	if next.State() != StateInstalled || next.Serving() != "v1" {
		t.Fatalf("v2 should be waiting: %+v", next.Status())
	}
	assertGenerations(t, storage, "v1", "v2")

	if err := next.OnActivate(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if next.Serving() != "v2" {
		t.Fatalf("activation should claim requests")
	}
	assertGenerations(t, storage, "v2")
}

func TestActivateRequiresInstall(t *testing.T) {
	fetcher := newSiteFetcher()
	ctrl := newController(t, memory.New(fetcher), fetcher, "v1", manifest.Manifest{"/"})
	if err := ctrl.OnActivate(context.Background()); !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("expected ErrNotInstalled, got %v", err)
	}
}

func TestActivateToleratesDeleteFailures(t *testing.T) {
	fetcher := newSiteFetcher()
	mem := memory.New(fetcher)
	ctx := context.Background()
	for _, name := range []string{"v0", "v1", "legacy"} {
		if _, err := mem.Open(ctx, name); err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
	}
	storage := &flakyDeleteStorage{Storage: mem, failing: "v0"}
	ctrl := newController(t, storage, fetcher, "v2", manifest.Manifest{"/"})

	if err := ctrl.OnInstall(ctx); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := ctrl.OnActivate(ctx); err != nil {
		t.Fatalf("activate must not fail on delete errors: %v", err)
	}
	if ctrl.State() != StateActive {
		t.Fatalf("expected active state, got %s", ctrl.State())
	}
	assertGenerations(t, mem, "v0", "v2")
}

func TestInstallIsIdempotent(t *testing.T) {
	fetcher := newSiteFetcher()
	storage := newDiskStorage(t, fetcher)
	ctx := context.Background()
	ctrl := newController(t, storage, fetcher, "v1", manifest.Manifest{"/", "/index.html", "/js/app.js"})

	if err := ctrl.OnInstall(ctx); err != nil {
		t.Fatalf("first install: %v", err)
	}
	first := entryKeys(t, storage, "v1")
	if err := ctrl.OnInstall(ctx); err != nil {
		t.Fatalf("second install: %v", err)
	}
	second := entryKeys(t, storage, "v1")
	if strings.Join(first, ",") != strings.Join(second, ",") || len(second) != 3 {
		t.Fatalf("key set changed: %v vs %v", first, second)
	}
}

func TestRestartAdoptsCurrentGeneration(t *testing.T) {
	fetcher := newSiteFetcher()
	storage := newDiskStorage(t, fetcher)
	ctx := context.Background()
	files := manifest.Manifest{"/"}
	if err := newController(t, storage, fetcher, "v1", files).Start(ctx); err != nil {
		t.Fatalf("first start: %v", err)
	}

	fetcher.fail("/")
	restarted := newController(t, storage, fetcher, "v1", files)
	if err := restarted.Start(ctx); err == nil {
		t.Fatalf("expected refresh failure")
	}
	if restarted.Serving() != "v1" {
		t.Fatalf("existing generation should keep serving after a failed refresh")
	}
	assertGenerations(t, storage, "v1")
}

func TestNewControllerDefaults(t *testing.T) {
	ctrl, err := NewController(Options{
		Config:  Config{Origin: mustURL(t, origin)},
		Storage: memory.New(nil),
		Fetcher: newSiteFetcher(),
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	status := ctrl.Status()
	if status.Generation != DefaultGeneration || status.ManifestSize != len(manifest.Default()) {
		t.Fatalf("unexpected defaults: %+v", status)
	}
	if status.State != "uninstalled" {
		t.Fatalf("unexpected initial state %s", status.State)
	}
}

func newController(t *testing.T, storage cache.Storage, fetcher cache.Fetcher, generation string, files manifest.Manifest) *Controller {
	t.Helper()
	ctrl, err := NewController(Options{
		Config: Config{
			Generation:  generation,
			Origin:      mustURL(t, origin),
			Manifest:    files,
			SkipWaiting: true,
		},
		Storage: storage,
		Fetcher: fetcher,
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return ctrl
}

func newDiskStorage(t *testing.T, fetcher cache.Fetcher) *disk.Storage {
	t.Helper()
	storage, err := disk.New(t.TempDir(), fetcher)
	if err != nil {
		t.Fatalf("disk storage: %v", err)
	}
	return storage
}

func assertGenerations(t *testing.T, storage cache.Storage, want ...string) {
	t.Helper()
	names, err := storage.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	sort.Strings(names)
	sort.Strings(want)
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("generations = %v, want %v", names, want)
	}
}

func assertEntries(t *testing.T, storage cache.Storage, generation string, want ...string) {
	t.Helper()
	got := entryKeys(t, storage, generation)
	sort.Strings(want)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("entries of %s = %v, want %v", generation, got, want)
	}
}

func entryKeys(t *testing.T, storage cache.Storage, generation string) []string {
	t.Helper()
	handle, err := storage.Open(context.Background(), generation)
	if err != nil {
		t.Fatalf("open %s: %v", generation, err)
	}
	reqs, err := handle.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys of %s: %v", generation, err)
	}
	keys := make([]string, len(reqs))
	for i, req := range reqs {
		keys[i] = req.Key()
	}
	sort.Strings(keys)
	return keys
}

func mustRequest(t *testing.T, raw string) *cache.Request {
	t.Helper()
	req, err := cache.NewRequest(http.MethodGet, raw)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return req
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return u
}

// siteFetcher 模拟源站：默认所有路径返回 200，fail 标记的路径返回 404。
type siteFetcher struct {
	mu      sync.Mutex
	missing map[string]bool
	calls   atomic.Int32
}

func newSiteFetcher() *siteFetcher {
	return &siteFetcher{missing: map[string]bool{}}
}

func (f *siteFetcher) fail(path string) {
	f.mu.Lock()
	f.missing[path] = true
	f.mu.Unlock()
}

func (f *siteFetcher) Fetch(_ context.Context, req *cache.Request) (*cache.Response, error) {
	f.calls.Add(1)
	f.mu.Lock()
	missing := f.missing[req.URL.Path]
	f.mu.Unlock()
	status := http.StatusOK
	if missing {
		status = http.StatusNotFound
	}
	return &cache.Response{
		Status: status,
		Header: http.Header{},
		Body:   []byte("content of " + req.URL.Path),
		Type:   cache.ResponseTypeBasic,
		URL:    req.URL.String(),
	}, nil
}

type flakyDeleteStorage struct {
	*memory.Storage
	failing string
}

func (s *flakyDeleteStorage) Delete(ctx context.Context, name string) (bool, error) {
	if name == s.failing {
		return false, errors.New("permission denied")
	}
	return s.Storage.Delete(ctx, name)
}
