package memory

import (
	"github.com/site-cache/site-cache/internal/cache"
	"github.com/site-cache/site-cache/internal/cache/backend"
)

func init() {
	backend.MustRegister(backend.Metadata{
		Key:         "memory",
		Description: "Process-local storage, lost on restart; meant for previews and tests",
		Open: func(opts backend.Options) (cache.Storage, error) {
			return New(opts.Fetcher), nil
		},
	})
}
