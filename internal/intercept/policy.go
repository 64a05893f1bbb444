// Package intercept 实现请求拦截策略：非 GET 与非 http(s) 请求直接放行，
// 其余请求先查缓存，未命中时回源一次，并在满足条件时异步写回缓存。
package intercept

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/site-cache/site-cache/internal/cache"
	"github.com/site-cache/site-cache/internal/logging"
)

// Source 标记响应来自缓存还是网络。
type Source string

const (
	SourceNone    Source = ""
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
)

// Outcome 是一次拦截决策的结果。Intercepted 为 false 时调用方应原样放行请求。
type Outcome struct {
	Intercepted bool
	Response    *cache.Response
	Source      Source
	Generation  string
	// Persisting 表示响应副本已交给后台写入。
	Persisting bool
	Err        error
}

// Options 描述 Policy 依赖。
type Options struct {
	Storage        cache.Storage
	Fetcher        cache.Fetcher
	Origin         *url.URL
	Logger         *logrus.Logger
	PersistTimeout time.Duration
	// Current 返回当前对外服务的缓存代；非空时写回前会再次确认，避免复活已删除的缓存代。
	Current func() string
}

// Policy 对单个请求执行四道判定。可被多个 goroutine 并发调用。
type Policy struct {
	storage   cache.Storage
	fetcher   cache.Fetcher
	origin    *url.URL
	logger    *logrus.Logger
	persister *persister
}

// DefaultPersistTimeout 限制单次后台写回的耗时。
const DefaultPersistTimeout = 30 * time.Second

// New 校验依赖并构建 Policy。
func New(opts Options) (*Policy, error) {
	if opts.Storage == nil {
		return nil, errors.New("intercept: storage required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("intercept: fetcher required")
	}
	if opts.Origin == nil || opts.Origin.Host == "" {
		return nil, errors.New("intercept: origin required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	timeout := opts.PersistTimeout
	if timeout <= 0 {
		timeout = DefaultPersistTimeout
	}
	return &Policy{
		storage:   opts.Storage,
		fetcher:   opts.Fetcher,
		origin:    opts.Origin,
		logger:    logger,
		persister: newPersister(opts.Storage, logger, timeout, opts.Current),
	}, nil
}

// Handle 决定请求如何处理。generation 为请求开始时的服务缓存代，空字符串表示尚无可用缓存代，
// 此时不拦截。
func (p *Policy) Handle(ctx context.Context, generation string, req *cache.Request) Outcome {
	if generation == "" || req == nil || req.Method != "GET" {
		return Outcome{}
	}
	if !req.IsHTTP() {
		return Outcome{}
	}
	// 缓存按 URL 共享给所有访客，带身份凭据的请求直接透传给源站。
	if cache.HasCredentials(req.Header) {
		return Outcome{}
	}

	cached, err := p.storage.Match(ctx, req)
	switch {
	case err == nil:
		return Outcome{
			Intercepted: true,
			Response:    cached,
			Source:      SourceCache,
			Generation:  generation,
		}
	case errors.Is(err, cache.ErrNotFound):
	default:
		p.logger.WithError(err).
			WithFields(logging.CacheFields("match", generation, req.Key())).
			Warn("cache_match_failed")
	}

	resp, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		var fetchErr *cache.FetchError
		if !errors.As(err, &fetchErr) {
			fetchErr = &cache.FetchError{URL: req.URL.String(), Err: err}
		}
		p.logger.WithError(err).
			WithFields(logging.CacheFields("fetch", generation, req.Key())).
			Warn("fetch_failed")
		return Outcome{
			Intercepted: true,
			Source:      SourceNetwork,
			Generation:  generation,
			Err:         fetchErr,
		}
	}

	outcome := Outcome{
		Intercepted: true,
		Response:    resp,
		Source:      SourceNetwork,
		Generation:  generation,
	}
	if !resp.Cacheable() {
		return outcome
	}
	if !cache.SameOrigin(req.URL, p.origin) {
		return outcome
	}
	if resp.SetsCookie() {
		return outcome
	}
	p.persister.Enqueue(ctx, generation, req, resp.Clone())
	outcome.Persisting = true
	return outcome
}

// Exclusive 在没有后台写回进行时执行 fn；fn 返回前新的写回会等待。
// 激活流程借此保证删除旧缓存代与切换服务缓存代之间不会有写回把旧缓存代重新建出来。
func (p *Policy) Exclusive(fn func()) {
	p.persister.gate.Lock()
	defer p.persister.gate.Unlock()
	fn()
}

// Wait 阻塞直到所有后台写回结束。
func (p *Policy) Wait() {
	p.persister.Wait()
}
