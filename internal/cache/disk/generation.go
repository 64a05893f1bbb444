package disk

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/site-cache/site-cache/internal/cache"
)

// generation 是单个缓存代的句柄，所有 I/O 都委托给 Storage。
type generation struct {
	storage *Storage
	name    string
}

func (g *generation) Name() string {
	return g.name
}

// AddAll 先完成全部回源，再逐条提交；提交中途失败时把本次写过的条目恢复原状。
func (g *generation) AddAll(ctx context.Context, reqs []*cache.Request) error {
	resps, err := cache.FetchAll(ctx, g.storage.fetcher, reqs)
	if err != nil {
		return err
	}
	if err := g.storage.ensureGeneration(g.name); err != nil {
		return err
	}

	type undo struct {
		req      *cache.Request
		previous []byte
	}
	var journal []undo

	for i, req := range reqs {
		data, err := cache.EncodeEntry(req, resps[i])
		if err == nil {
			var previous []byte
			previous, err = g.snapshot(req)
			if err == nil {
				err = g.storage.writeEntry(ctx, g.name, req, data)
			}
			if err == nil {
				journal = append(journal, undo{req: req, previous: previous})
				continue
			}
		}
		for j := len(journal) - 1; j >= 0; j-- {
			g.restore(journal[j].req, journal[j].previous)
		}
		return fmt.Errorf("commit %s: %w", req.Key(), err)
	}
	return nil
}

func (g *generation) Put(ctx context.Context, req *cache.Request, resp *cache.Response) error {
	if !matchable(req) {
		return cache.ErrMethodNotCacheable
	}
	data, err := cache.EncodeEntry(req, resp)
	if err != nil {
		return err
	}
	if err := g.storage.ensureGeneration(g.name); err != nil {
		return err
	}
	return g.storage.writeEntry(ctx, g.name, req, data)
}

func (g *generation) Match(ctx context.Context, req *cache.Request) (*cache.Response, error) {
	if !matchable(req) {
		return nil, cache.ErrNotFound
	}
	return g.storage.readEntry(ctx, g.name, req)
}

func (g *generation) Keys(ctx context.Context) ([]*cache.Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	files, err := os.ReadDir(g.storage.generationDir(g.name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	type keyed struct {
		req  *cache.Request
		resp *cache.Response
	}
	entries := make([]keyed, 0, len(files))
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), entrySuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(g.storage.generationDir(g.name), file.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		req, resp, err := cache.DecodeEntry(data)
		if err != nil {
			return nil, err
		}
		entries = append(entries, keyed{req: req, resp: resp})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		ti, tj := entries[i].resp.StoredAt, entries[j].resp.StoredAt
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return entries[i].req.Key() < entries[j].req.Key()
	})

	result := make([]*cache.Request, len(entries))
	for i, entry := range entries {
		result[i] = entry.req
	}
	return result, nil
}

func (g *generation) Delete(ctx context.Context, req *cache.Request) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !matchable(req) {
		return false, nil
	}
	return g.storage.removeEntry(g.name, req)
}

func (g *generation) snapshot(req *cache.Request) ([]byte, error) {
	data, err := os.ReadFile(g.storage.entryPath(g.name, req))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// restore 尽力回滚单条写入：原先不存在则删除，否则写回旧内容。
func (g *generation) restore(req *cache.Request, previous []byte) {
	if previous == nil {
		_, _ = g.storage.removeEntry(g.name, req)
		return
	}
	_ = g.storage.writeEntry(context.Background(), g.name, req, previous)
}
