package config

import (
	_ "github.com/site-cache/site-cache/internal/cache/disk"
	_ "github.com/site-cache/site-cache/internal/cache/memory"
	_ "github.com/site-cache/site-cache/internal/cache/redisstore"
)
