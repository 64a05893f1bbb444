package redisstore

import (
	"errors"

	goredis "github.com/redis/go-redis/v9"

	"github.com/site-cache/site-cache/internal/cache"
	"github.com/site-cache/site-cache/internal/cache/backend"
)

func init() {
	backend.MustRegister(backend.Metadata{
		Key:         "redis",
		Description: "Redis storage shared by every proxy instance pointing at the same namespace",
		Shared:      true,
		Open:        open,
	})
}

func open(opts backend.Options) (cache.Storage, error) {
	if opts.RedisAddr == "" {
		return nil, errors.New("redis address required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:        opts.RedisAddr,
		Password:    opts.RedisPassword,
		DB:          opts.RedisDB,
		DialTimeout: opts.DialTimeout,
	})
	return New(Config{
		Client:      client,
		Namespace:   opts.RedisNamespace,
		Fetcher:     opts.Fetcher,
		CloseClient: true,
	})
}
