// Package memory keeps cache generations in process memory. Entries are held
// as encoded records, so callers never share bytes with the store. Nothing is
// evicted; a generation lives until Delete or process exit.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/site-cache/site-cache/internal/cache"
)

type Storage struct {
	fetcher cache.Fetcher

	mu          sync.RWMutex
	generations map[string]*bucket
	seq         uint64
}

type bucket struct {
	seq     uint64
	entries map[string][]byte
}

var _ cache.Storage = (*Storage)(nil)

func New(fetcher cache.Fetcher) *Storage {
	return &Storage{
		fetcher:     fetcher,
		generations: make(map[string]*bucket),
	}
}

func (s *Storage) Open(ctx context.Context, name string) (cache.Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cache.ValidateGeneration(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.ensureLocked(name)
	s.mu.Unlock()
	return &generation{storage: s, name: name}, nil
}

func (s *Storage) Match(ctx context.Context, req *cache.Request) (*cache.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !matchable(req) {
		return nil, cache.ErrNotFound
	}
	key := req.Key()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, name := range s.orderedLocked() {
		if data, ok := s.generations[name].entries[key]; ok {
			_, resp, err := cache.DecodeEntry(data)
			return resp, err
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
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.generations[name]
	delete(s.generations, name)
	return ok, nil
}

func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orderedLocked(), nil
}

func (s *Storage) Close() error {
	return nil
}

func (s *Storage) ensureLocked(name string) *bucket {
	b, ok := s.generations[name]
	if !ok {
		s.seq++
		b = &bucket{seq: s.seq, entries: make(map[string][]byte)}
		s.generations[name] = b
	}
	return b
}

func (s *Storage) orderedLocked() []string {
	names := make([]string, 0, len(s.generations))
	for name := range s.generations {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return s.generations[names[i]].seq < s.generations[names[j]].seq
	})
	return names
}

type generation struct {
	storage *Storage
	name    string
}

func (g *generation) Name() string { return g.name }

// AddAll swaps the whole batch in under one lock once every fetch succeeded.
func (g *generation) AddAll(ctx context.Context, reqs []*cache.Request) error {
	resps, err := cache.FetchAll(ctx, g.storage.fetcher, reqs)
	if err != nil {
		return err
	}
	encoded := make(map[string][]byte, len(reqs))
	for i, req := range reqs {
		data, err := cache.EncodeEntry(req, resps[i])
		if err != nil {
			return err
		}
		encoded[req.Key()] = data
	}
	g.storage.mu.Lock()
	defer g.storage.mu.Unlock()
	b := g.storage.ensureLocked(g.name)
	for key, data := range encoded {
		b.entries[key] = data
	}
	return nil
}

func (g *generation) Put(ctx context.Context, req *cache.Request, resp *cache.Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !matchable(req) {
		return cache.ErrMethodNotCacheable
	}
	data, err := cache.EncodeEntry(req, resp)
	if err != nil {
		return err
	}
	g.storage.mu.Lock()
	defer g.storage.mu.Unlock()
	g.storage.ensureLocked(g.name).entries[req.Key()] = data
	return nil
}

func (g *generation) Match(ctx context.Context, req *cache.Request) (*cache.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !matchable(req) {
		return nil, cache.ErrNotFound
	}
	g.storage.mu.RLock()
	b, ok := g.storage.generations[g.name]
	var data []byte
	if ok {
		data, ok = b.entries[req.Key()]
	}
	g.storage.mu.RUnlock()
	if !ok {
		return nil, cache.ErrNotFound
	}
	_, resp, err := cache.DecodeEntry(data)
	return resp, err
}

func (g *generation) Keys(ctx context.Context) ([]*cache.Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.storage.mu.RLock()
	var raw [][]byte
	if b, ok := g.storage.generations[g.name]; ok {
		raw = make([][]byte, 0, len(b.entries))
		for _, data := range b.entries {
			raw = append(raw, data)
		}
	}
	g.storage.mu.RUnlock()

	type keyed struct {
		req    *cache.Request
		stored time.Time
	}
	entries := make([]keyed, 0, len(raw))
	for _, data := range raw {
		req, resp, err := cache.DecodeEntry(data)
		if err != nil {
			return nil, err
		}
		entries = append(entries, keyed{req: req, stored: resp.StoredAt})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].stored.Equal(entries[j].stored) {
			return entries[i].stored.Before(entries[j].stored)
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
	g.storage.mu.Lock()
	defer g.storage.mu.Unlock()
	b, ok := g.storage.generations[g.name]
	if !ok {
		return false, nil
	}
	key := req.Key()
	_, existed := b.entries[key]
	delete(b.entries, key)
	return existed, nil
}

func matchable(req *cache.Request) bool {
	return req != nil && req.URL != nil && req.Method == "GET"
}
