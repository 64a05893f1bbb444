// Package disk 实现基于本地文件系统的缓存后端，磁盘布局：
//
//	<StoragePath>/<generation>/.generation          # 创建时间（UnixNano），决定 Keys 顺序
//	<StoragePath>/<generation>/<sha1(key)>.entry    # msgpack 编码的条目
//
// 写入统一走临时文件 + rename，保证读者永远看不到半截条目。
package disk

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/site-cache/site-cache/internal/cache"
)

const (
	markerName  = ".generation"
	entrySuffix = ".entry"
	tempPattern = ".cache-*"
)

// Storage 通过 entryLock 避免同一条目并发写入，整站复用一份实例。
type Storage struct {
	basePath string
	fetcher  cache.Fetcher
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

var _ cache.Storage = (*Storage)(nil)

// New 以 basePath 为根目录构建磁盘缓存；fetcher 供 AddAll 回源使用。
func New(basePath string, fetcher cache.Fetcher) (*Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &Storage{
		basePath: abs,
		fetcher:  fetcher,
		now:      time.Now,
		locks:    make(map[string]*entryLock),
	}, nil
}

func (s *Storage) Open(ctx context.Context, name string) (cache.Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cache.ValidateGeneration(name); err != nil {
		return nil, err
	}
	if err := s.ensureGeneration(name); err != nil {
		return nil, err
	}
	return &generation{storage: s, name: name}, nil
}

func (s *Storage) Match(ctx context.Context, req *cache.Request) (*cache.Response, error) {
	if !matchable(req) {
		return nil, cache.ErrNotFound
	}
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		resp, err := s.readEntry(ctx, name, req)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			return nil, err
		}
	}
	return nil, cache.ErrNotFound
}

func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := cache.ValidateGeneration(name); err != nil {
		return false, err
	}
	dir := s.generationDir(name)
	if _, err := os.Stat(filepath.Join(dir, markerName)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	// 先移除标记文件，Keys/Match 立即不再看到该缓存代，再清理目录。
	if err := os.Remove(filepath.Join(dir, markerName)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return true, err
	}
	return true, nil
}

func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dirs, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}

	type named struct {
		name    string
		created int64
	}
	found := make([]named, 0, len(dirs))
	for _, dir := range dirs {
		if !dir.IsDir() || cache.ValidateGeneration(dir.Name()) != nil {
			continue
		}
		created, err := readMarker(filepath.Join(s.basePath, dir.Name(), markerName))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		found = append(found, named{name: dir.Name(), created: created})
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].created != found[j].created {
			return found[i].created < found[j].created
		}
		return found[i].name < found[j].name
	})

	names := make([]string, len(found))
	for i, item := range found {
		names[i] = item.name
	}
	return names, nil
}

// Close 对磁盘后端无资源可释放。
func (s *Storage) Close() error {
	return nil
}

func (s *Storage) generationDir(name string) string {
	return filepath.Join(s.basePath, name)
}

func (s *Storage) entryPath(name string, req *cache.Request) string {
	sum := sha1.Sum([]byte(req.Key()))
	return filepath.Join(s.generationDir(name), hex.EncodeToString(sum[:])+entrySuffix)
}

// ensureGeneration 创建缓存代目录与标记文件；标记已存在时保持原创建时间不变。
func (s *Storage) ensureGeneration(name string) error {
	dir := s.generationDir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create generation %s: %w", name, err)
	}
	marker := filepath.Join(dir, markerName)
	f, err := os.OpenFile(marker, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		return fmt.Errorf("create generation marker %s: %w", name, err)
	}
	_, err = f.WriteString(strconv.FormatInt(s.now().UnixNano(), 10))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return err
}

func (s *Storage) readEntry(ctx context.Context, name string, req *cache.Request) (*cache.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.entryPath(name, req))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, cache.ErrNotFound
		}
		return nil, err
	}
	stored, resp, err := cache.DecodeEntry(data)
	if err != nil {
		return nil, err
	}
	// sha1 冲突几乎不可能，但仍以完整 key 为准。
	if stored.Key() != req.Key() {
		return nil, cache.ErrNotFound
	}
	return resp, nil
}

func (s *Storage) writeEntry(ctx context.Context, name string, req *cache.Request, data []byte) error {
	unlock := s.lockEntry(name, req)
	defer unlock()

	filePath := s.entryPath(name, req)
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), tempPattern)
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, bytes.NewReader(data))
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (s *Storage) removeEntry(name string, req *cache.Request) (bool, error) {
	unlock := s.lockEntry(name, req)
	defer unlock()

	if err := os.Remove(s.entryPath(name, req)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Storage) lockEntry(name string, req *cache.Request) func() {
	key := name + "::" + req.Key()
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func readMarker(path string) (int64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	created, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse generation marker %s: %w", path, err)
	}
	return created, nil
}

func matchable(req *cache.Request) bool {
	return req != nil && req.URL != nil && req.Method == "GET"
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
