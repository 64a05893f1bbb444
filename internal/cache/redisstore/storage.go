// Package redisstore keeps cache generations in Redis so several proxy
// instances can share one durable store.
//
// Key layout (ns = namespace):
//
//	<ns>:generations      ZSET  member=generation, score=creation time (µs)
//	<ns>:gen:<name>       HASH  field=request key, value=msgpack entry
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/site-cache/site-cache/internal/cache"
)

// DefaultNamespace prefixes every key when Config.Namespace is empty.
const DefaultNamespace = "site-cache"

var ErrNilClient = errors.New("redisstore: nil client")

type Config struct {
	Client      goredis.UniversalClient
	Namespace   string
	Fetcher     cache.Fetcher
	CloseClient bool // set true only if this storage exclusively owns the client
}

type Storage struct {
	rdb         goredis.UniversalClient
	ns          string
	fetcher     cache.Fetcher
	closeClient bool
	now         func() time.Time
}

var _ cache.Storage = (*Storage)(nil)

func New(cfg Config) (*Storage, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	return &Storage{
		rdb:         cfg.Client,
		ns:          ns,
		fetcher:     cfg.Fetcher,
		closeClient: cfg.CloseClient,
		now:         time.Now,
	}, nil
}

func (s *Storage) generationsKey() string { return s.ns + ":generations" }

func (s *Storage) generationKey(name string) string { return s.ns + ":gen:" + name }

func (s *Storage) Open(ctx context.Context, name string) (cache.Cache, error) {
	if err := cache.ValidateGeneration(name); err != nil {
		return nil, err
	}
	if err := s.rdb.ZAddNX(ctx, s.generationsKey(), s.member(name)).Err(); err != nil {
		return nil, fmt.Errorf("open generation %s: %w", name, err)
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
		resp, err := s.get(ctx, name, req)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			return nil, err
		}
	}
	return nil, cache.ErrNotFound
}

// Delete drops the generation hash and its registry member in one MULTI/EXEC.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	if err := cache.ValidateGeneration(name); err != nil {
		return false, err
	}
	var removed, dropped *goredis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		removed = pipe.ZRem(ctx, s.generationsKey(), name)
		dropped = pipe.Del(ctx, s.generationKey(name))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete generation %s: %w", name, err)
	}
	return removed.Val() > 0 || dropped.Val() > 0, nil
}

func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	names, err := s.rdb.ZRange(ctx, s.generationsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	return names, nil
}

// Close releases the underlying redis client only when this storage owns it.
func (s *Storage) Close() error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

func (s *Storage) member(name string) goredis.Z {
	return goredis.Z{Score: float64(s.now().UnixMicro()), Member: name}
}

func (s *Storage) get(ctx context.Context, name string, req *cache.Request) (*cache.Response, error) {
	data, err := s.rdb.HGet(ctx, s.generationKey(name), req.Key()).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_, resp, err := cache.DecodeEntry(data)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// generation is the handle of one named generation.
type generation struct {
	storage *Storage
	name    string
}

func (g *generation) Name() string { return g.name }

// AddAll writes the whole batch in a single transaction, so a failure leaves
// nothing behind.
func (g *generation) AddAll(ctx context.Context, reqs []*cache.Request) error {
	resps, err := cache.FetchAll(ctx, g.storage.fetcher, reqs)
	if err != nil {
		return err
	}
	if len(reqs) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(reqs)*2)
	for i, req := range reqs {
		data, err := cache.EncodeEntry(req, resps[i])
		if err != nil {
			return err
		}
		values = append(values, req.Key(), data)
	}
	s := g.storage
	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZAddNX(ctx, s.generationsKey(), s.member(g.name))
		pipe.HSet(ctx, s.generationKey(g.name), values...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit generation %s: %w", g.name, err)
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
	s := g.storage
	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZAddNX(ctx, s.generationsKey(), s.member(g.name))
		pipe.HSet(ctx, s.generationKey(g.name), req.Key(), data)
		return nil
	})
	return err
}

func (g *generation) Match(ctx context.Context, req *cache.Request) (*cache.Response, error) {
	if !matchable(req) {
		return nil, cache.ErrNotFound
	}
	return g.storage.get(ctx, g.name, req)
}

func (g *generation) Keys(ctx context.Context) ([]*cache.Request, error) {
	raw, err := g.storage.rdb.HGetAll(ctx, g.storage.generationKey(g.name)).Result()
	if err != nil {
		return nil, err
	}
	type keyed struct {
		req    *cache.Request
		stored time.Time
	}
	entries := make([]keyed, 0, len(raw))
	for _, value := range raw {
		req, resp, err := cache.DecodeEntry([]byte(value))
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
	if !matchable(req) {
		return false, nil
	}
	n, err := g.storage.rdb.HDel(ctx, g.storage.generationKey(g.name), req.Key()).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func matchable(req *cache.Request) bool {
	return req != nil && req.URL != nil && req.Method == "GET"
}
