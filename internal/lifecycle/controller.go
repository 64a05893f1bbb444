// Package lifecycle 管理缓存代的安装、激活与切换，并把请求交给拦截策略处理。
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/site-cache/site-cache/internal/cache"
	"github.com/site-cache/site-cache/internal/intercept"
	"github.com/site-cache/site-cache/internal/logging"
	"github.com/site-cache/site-cache/internal/manifest"
)

// DefaultGeneration 是未配置时使用的缓存代名称。
const DefaultGeneration = "my-cache-v1"

// Worker 是宿主驱动控制器的三个入口。
type Worker interface {
	OnInstall(ctx context.Context) error
	OnActivate(ctx context.Context) error
	OnRequest(ctx context.Context, req *cache.Request) intercept.Outcome
}

// Config 在构建后不可变。
type Config struct {
	Generation  string
	Origin      *url.URL
	Manifest    manifest.Manifest
	SkipWaiting bool
}

type Options struct {
	Config         Config
	Storage        cache.Storage
	Fetcher        cache.Fetcher
	Logger         *logrus.Logger
	PersistTimeout time.Duration
}

// Status 是控制器状态快照，供诊断接口输出。
type Status struct {
	State        string `json:"state"`
	Generation   string `json:"generation"`
	Serving      string `json:"serving"`
	Adopted      string `json:"adopted,omitempty"`
	ManifestSize int    `json:"manifestSize"`
	SkipWaiting  bool   `json:"skipWaiting"`
}

// Controller 实现 Worker。请求路径只读取 serving，安装与激活由 transition 串行化。
type Controller struct {
	cfg      Config
	storage  cache.Storage
	policy   *intercept.Policy
	logger   *logrus.Logger
	requests []*cache.Request

	transition sync.Mutex

	mu      sync.RWMutex
	state   State
	serving string
	adopted string
}

var _ Worker = (*Controller)(nil)

// NewController 解析清单并构建控制器，清单无法解析时返回错误。
func NewController(opts Options) (*Controller, error) {
	cfg := opts.Config
	if cfg.Generation == "" {
		cfg.Generation = DefaultGeneration
	}
	if err := cache.ValidateGeneration(cfg.Generation); err != nil {
		return nil, err
	}
	if cfg.Manifest == nil {
		cfg.Manifest = manifest.Default()
	}
	if opts.Storage == nil {
		return nil, errors.New("lifecycle: storage required")
	}
	requests, err := cfg.Manifest.Requests(cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	c := &Controller{
		cfg:      cfg,
		storage:  opts.Storage,
		logger:   logger,
		requests: requests,
		state:    StateUninstalled,
	}
	policy, err := intercept.New(intercept.Options{
		Storage:        opts.Storage,
		Fetcher:        opts.Fetcher,
		Origin:         cfg.Origin,
		Logger:         logger,
		PersistTimeout: opts.PersistTimeout,
		Current:        c.Serving,
	})
	if err != nil {
		return nil, err
	}
	c.policy = policy
	return c, nil
}

// Start 模拟一次部署：接管已存在的最新缓存代继续服务，然后安装新缓存代；
// 允许跳过等待或此前没有缓存代时立即激活。
func (c *Controller) Start(ctx context.Context) error {
	if err := c.adopt(ctx); err != nil {
		c.logger.WithError(err).WithFields(c.fields("adopt")).Warn("generation_adopt_failed")
	}

	if err := c.OnInstall(ctx); err != nil {
		return err
	}

	adopted := c.Adopted()
	if c.cfg.SkipWaiting || adopted == "" || adopted == c.cfg.Generation {
		return c.OnActivate(ctx)
	}
	c.logger.WithFields(c.fields("install")).
		WithField("serving", adopted).
		Info("generation_waiting")
	return nil
}

// adopt 把存储中最新的缓存代作为服务中的旧版本，新缓存代安装期间继续由它响应。
func (c *Controller) adopt(ctx context.Context) error {
	names, err := c.storage.Keys(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}
	newest := names[len(names)-1]
	for _, name := range names {
		if name == c.cfg.Generation {
			newest = name
		}
	}

	c.mu.Lock()
	if c.serving == "" {
		c.serving = newest
		c.adopted = newest
	}
	c.mu.Unlock()

	c.logger.WithFields(c.fields("adopt")).WithField("serving", newest).Info("generation_adopted")
	return nil
}

// OnInstall 打开当前缓存代并预缓存全部清单资源，任意资源失败则整体失败。
func (c *Controller) OnInstall(ctx context.Context) error {
	if !c.transition.TryLock() {
		return ErrTransitionInProgress
	}
	defer c.transition.Unlock()

	started := time.Now()
	c.setState(StateInstalling)
	existed, err := c.generationExists(ctx)
	if err != nil {
		return c.failInstall(ctx, false, err)
	}

	handle, err := c.storage.Open(ctx, c.cfg.Generation)
	if err != nil {
		return c.failInstall(ctx, existed, err)
	}
	if err := handle.AddAll(ctx, c.requests); err != nil {
		return c.failInstall(ctx, existed, err)
	}

	c.mu.Lock()
	if c.serving == c.cfg.Generation && c.adopted == "" {
		c.state = StateActive
	} else {
		c.state = StateInstalled
	}
	c.mu.Unlock()

	c.logger.WithFields(c.fields("install")).WithFields(logrus.Fields{
		"entries":    len(c.requests),
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Info("install_complete")
	return nil
}

func (c *Controller) failInstall(ctx context.Context, existed bool, cause error) error {
	// 安装前并不存在的缓存代在失败后清除，避免残留半成品参与全局查找。
	if !existed {
		if _, err := c.storage.Delete(context.WithoutCancel(ctx), c.cfg.Generation); err != nil {
			c.logger.WithError(err).WithFields(c.fields("install")).Warn("generation_delete_failed")
		}
	}

	c.mu.Lock()
	if c.serving == c.cfg.Generation && c.adopted == "" {
		c.state = StateActive
	} else {
		c.state = StateRedundant
	}
	serving := c.serving
	c.mu.Unlock()

	c.logger.WithError(cause).WithFields(c.fields("install")).
		WithField("serving", serving).
		Error("install_failed")
	return &InstallError{Generation: c.cfg.Generation, Err: cause}
}

func (c *Controller) generationExists(ctx context.Context) (bool, error) {
	names, err := c.storage.Keys(ctx)
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if name == c.cfg.Generation {
			return true, nil
		}
	}
	return false, nil
}

// OnActivate 删除所有非当前缓存代后原子切换服务中的缓存代。删除失败只记录日志。
func (c *Controller) OnActivate(ctx context.Context) error {
	if !c.transition.TryLock() {
		return ErrTransitionInProgress
	}
	defer c.transition.Unlock()

	c.mu.Lock()
	if c.state != StateInstalled && c.state != StateActive {
		c.mu.Unlock()
		return ErrNotInstalled
	}
	c.state = StateActivating
	c.mu.Unlock()

	started := time.Now()
	var deleted []string
	c.policy.Exclusive(func() {
		deleted = c.deleteStale(ctx)

		c.mu.Lock()
		c.serving = c.cfg.Generation
		c.adopted = ""
		c.state = StateActive
		c.mu.Unlock()
	})

	c.logger.WithFields(c.fields("activate")).WithFields(logrus.Fields{
		"deleted":    deleted,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Info("activate_complete")
	return nil
}

func (c *Controller) deleteStale(ctx context.Context) []string {
	names, err := c.storage.Keys(ctx)
	if err != nil {
		c.logger.WithError(err).WithFields(c.fields("activate")).Warn("generation_list_failed")
		return nil
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		deleted []string
	)
	for _, name := range names {
		if name == c.cfg.Generation {
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			existed, err := c.storage.Delete(ctx, name)
			if err != nil {
				c.logger.WithError(err).
					WithFields(logging.CacheFields("activate", name, "")).
					Warn("generation_delete_failed")
				return
			}
			if existed {
				mu.Lock()
				deleted = append(deleted, name)
				mu.Unlock()
			}
		}(name)
	}
	wg.Wait()
	return deleted
}

// OnRequest 以请求开始时的服务缓存代执行拦截策略。
func (c *Controller) OnRequest(ctx context.Context, req *cache.Request) intercept.Outcome {
	return c.policy.Handle(ctx, c.Serving(), req)
}

// Serving 返回当前对外服务的缓存代，尚无可用缓存代时为空。
func (c *Controller) Serving() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serving
}

// Adopted 返回启动时接管的旧缓存代，激活后清空。
func (c *Controller) Adopted() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.adopted
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) Generation() string {
	return c.cfg.Generation
}

func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		State:        c.state.String(),
		Generation:   c.cfg.Generation,
		Serving:      c.serving,
		Adopted:      c.adopted,
		ManifestSize: len(c.requests),
		SkipWaiting:  c.cfg.SkipWaiting,
	}
}

// Wait 阻塞直到后台写回全部完成，用于优雅退出。
func (c *Controller) Wait() {
	c.policy.Wait()
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Controller) fields(action string) logrus.Fields {
	return logging.CacheFields(action, c.cfg.Generation, "")
}
