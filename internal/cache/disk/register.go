package disk

import (
	"github.com/site-cache/site-cache/internal/cache"
	"github.com/site-cache/site-cache/internal/cache/backend"
)

// 磁盘后端是默认后端：每个缓存代一个目录，进程重启后缓存依然可用。
func init() {
	backend.MustRegister(backend.Metadata{
		Key:         backend.DefaultKey(),
		Description: "Local filesystem storage, one directory per cache generation",
		Open: func(opts backend.Options) (cache.Storage, error) {
			return New(opts.StoragePath, opts.Fetcher)
		},
	})
}
