// Package backend 聚合可用的缓存存储后端，并提供统一的注册入口。
//
// 后端作者需要：
//  1. 在 internal/cache/<backend>/ 目录下实现 cache.Storage；
//  2. 在 init() 中调用 MustRegister 注册元数据与 Opener；
//  3. 在 internal/config/backends.go 中以空导入方式引入该包，使配置校验能够识别它。
package backend

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/site-cache/site-cache/internal/cache"
)

const defaultBackendKey = "disk"

// Options 汇总后端构造所需的全部参数，各后端只读取自己关心的字段。
type Options struct {
	StoragePath    string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisNamespace string
	DialTimeout    time.Duration
	Fetcher        cache.Fetcher
}

// Opener 根据 Options 构造存储实例。
type Opener func(Options) (cache.Storage, error)

// Metadata 记录一个后端的静态信息，供配置校验和诊断端使用。
type Metadata struct {
	Key         string
	Description string
	Shared      bool
	Open        Opener
}

var globalRegistry = newRegistry()

type registry struct {
	mu       sync.RWMutex
	backends map[string]Metadata
}

func newRegistry() *registry {
	return &registry{backends: make(map[string]Metadata)}
}

// DefaultKey 返回默认使用的磁盘后端键值。
func DefaultKey() string {
	return defaultBackendKey
}

// Register 将后端加入全局注册表，重复键会返回错误。
func Register(meta Metadata) error {
	return globalRegistry.register(meta)
}

// MustRegister 在注册失败时 panic，适合后端 init() 中调用。
func MustRegister(meta Metadata) {
	if err := Register(meta); err != nil {
		panic(err)
	}
}

// Resolve 返回指定键的后端元数据。
func Resolve(key string) (Metadata, bool) {
	return globalRegistry.resolve(key)
}

// List 返回按键排序的后端列表。
func List() []Metadata {
	return globalRegistry.list()
}

// Keys 返回所有已注册后端的键值。
func Keys() []string {
	items := List()
	result := make([]string, len(items))
	for i, meta := range items {
		result[i] = meta.Key
	}
	return result
}

// Open 解析 key 并构造对应的存储实例，空 key 回退到默认后端。
func Open(key string, opts Options) (cache.Storage, error) {
	if strings.TrimSpace(key) == "" {
		key = defaultBackendKey
	}
	meta, ok := Resolve(key)
	if !ok {
		return nil, fmt.Errorf("storage backend %s is not registered", key)
	}
	storage, err := meta.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", meta.Key, err)
	}
	return storage, nil
}

func (r *registry) normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func (r *registry) register(meta Metadata) error {
	key := r.normalizeKey(meta.Key)
	if key == "" {
		return fmt.Errorf("backend key is required")
	}
	if meta.Open == nil {
		return fmt.Errorf("backend %s has no opener", key)
	}
	meta.Key = key

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[key]; exists {
		return fmt.Errorf("backend %s already registered", key)
	}
	r.backends[key] = meta
	return nil
}

func (r *registry) resolve(key string) (Metadata, bool) {
	normalized := r.normalizeKey(key)
	if normalized == "" {
		return Metadata{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	meta, ok := r.backends[normalized]
	return meta, ok
}

func (r *registry) list() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.backends) == 0 {
		return nil
	}

	keys := make([]string, 0, len(r.backends))
	for key := range r.backends {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]Metadata, 0, len(keys))
	for _, key := range keys {
		result = append(result, r.backends[key])
	}
	return result
}
