package intercept

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/site-cache/site-cache/internal/cache"
	"github.com/site-cache/site-cache/internal/logging"
)

// persister 负责把网络响应的副本异步写入缓存，写入失败只记录日志。
type persister struct {
	storage cache.Storage
	logger  *logrus.Logger
	timeout time.Duration
	current func() string

	// gate 读锁覆盖“确认缓存代 → Open → Put”，写锁由 Policy.Exclusive 持有。
	gate sync.RWMutex
	wg   sync.WaitGroup
}

func newPersister(storage cache.Storage, logger *logrus.Logger, timeout time.Duration, current func() string) *persister {
	return &persister{
		storage: storage,
		logger:  logger,
		timeout: timeout,
		current: current,
	}
}

// Enqueue 启动后台写入。写入脱离请求 ctx 的取消，只受 timeout 约束。
func (p *persister) Enqueue(ctx context.Context, generation string, req *cache.Request, resp *cache.Response) {
	p.wg.Add(1)
	detached := context.WithoutCancel(ctx)
	go func() {
		defer p.wg.Done()
		persistCtx, cancel := context.WithTimeout(detached, p.timeout)
		defer cancel()
		p.persist(persistCtx, generation, req, resp)
	}()
}

func (p *persister) persist(ctx context.Context, generation string, req *cache.Request, resp *cache.Response) {
	fields := logging.CacheFields("persist", generation, req.Key())
	p.gate.RLock()
	defer p.gate.RUnlock()
	if p.current != nil && p.current() != generation {
		p.logger.WithFields(fields).Debug("persist_skipped")
		return
	}
	handle, err := p.storage.Open(ctx, generation)
	if err != nil {
		p.logger.WithError(err).WithFields(fields).Warn("persist_failed")
		return
	}
	if err := handle.Put(ctx, req, resp); err != nil {
		p.logger.WithError(err).WithFields(fields).Warn("persist_failed")
		return
	}
	p.logger.WithFields(fields).Debug("persist_complete")
}

// Wait 阻塞直到已提交的写入全部完成。
func (p *persister) Wait() {
	p.wg.Wait()
}
