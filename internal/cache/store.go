package cache

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Storage 管理全部缓存代（generation），磁盘布局或 Redis key 由具体后端决定。
// 所有实现都必须可并发使用：多个请求会同时 Match/Put，同一时刻只有激活流程会 Delete。
type Storage interface {
	// Open 打开（必要时创建）指定名称的缓存代，重复调用是幂等的。
	Open(ctx context.Context, generation string) (Cache, error)

	// Match 按创建顺序遍历所有缓存代，返回第一条命中的响应；未命中返回 ErrNotFound。
	Match(ctx context.Context, req *Request) (*Response, error)

	// Delete 删除整个缓存代，返回该缓存代此前是否存在。
	Delete(ctx context.Context, generation string) (bool, error)

	// Keys 按创建顺序列出所有缓存代名称，供激活阶段做垃圾回收。
	Keys(ctx context.Context) ([]string, error)

	// Close 释放后端持有的资源。
	Close() error
}

// Cache 是单个缓存代的句柄。
type Cache interface {
	// Name 返回缓存代名称。
	Name() string

	// AddAll 拉取并写入全部请求：任一请求失败（网络错误或非 2xx）时返回 *FetchError，
	// 且本次调用不会留下任何部分写入。
	AddAll(ctx context.Context, reqs []*Request) error

	// Put 插入或覆盖一条缓存。只接受 GET 请求。
	Put(ctx context.Context, req *Request, resp *Response) error

	// Match 仅在当前缓存代内查找，未命中返回 ErrNotFound。
	Match(ctx context.Context, req *Request) (*Response, error)

	// Keys 返回当前缓存代内所有条目的请求标识，按写入时间排序。
	Keys(ctx context.Context) ([]*Request, error)

	// Delete 删除单条缓存，返回条目此前是否存在。
	Delete(ctx context.Context, req *Request) (bool, error)
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrMethodNotCacheable 表示尝试为非 GET 请求写入缓存。
	ErrMethodNotCacheable = errors.New("only GET requests can be cached")
	// ErrDuplicateRequest 表示 AddAll 收到重复的请求标识。
	ErrDuplicateRequest = errors.New("duplicate request in batch")
	// ErrInvalidGeneration 表示缓存代名称不合法。
	ErrInvalidGeneration = errors.New("invalid cache generation name")
)

var generationPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateGeneration 校验缓存代名称，保证其可以安全地作为目录名或 Redis key 片段。
func ValidateGeneration(name string) error {
	if !generationPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidGeneration, name)
	}
	return nil
}
