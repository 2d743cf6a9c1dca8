package cache

import (
	"context"
	"errors"
	"time"

	"github.com/kasuganosora/ephemera/cache/local"
	cacheredis "github.com/kasuganosora/ephemera/cache/redis"
)

// ErrNotFound is returned by Get for a missing or expired key, whichever
// backend is in use.
var ErrNotFound = errors.New("cache: key not found")

// Cache is the key/value store shared with the auth layer (session keys)
// and used for derived moderation state (block sets).
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// CacheConfig holds configuration for both Redis and LocalCache.
type CacheConfig struct {
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	LocalGCInterval time.Duration `mapstructure:"local_gc_interval"`
}

// NewCache returns a Cache backed by Redis if RedisAddr is set,
// otherwise returns an in-process LocalCache.
func NewCache(cfg CacheConfig) (Cache, error) {
	if cfg.RedisAddr != "" {
		rc, err := cacheredis.NewCache(cacheredis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		return &notFoundAdapter{Cache: rc, notFound: cacheredis.ErrNotFound}, nil
	}
	lc, err := local.NewCache(local.Config{GCInterval: cfg.LocalGCInterval})
	if err != nil {
		return nil, err
	}
	return &notFoundAdapter{Cache: lc, notFound: local.ErrNotFound}, nil
}

// notFoundAdapter maps a backend's not-found sentinel to ErrNotFound.
type notFoundAdapter struct {
	Cache
	notFound error
}

func (a *notFoundAdapter) Get(ctx context.Context, key string) (string, error) {
	v, err := a.Cache.Get(ctx, key)
	if errors.Is(err, a.notFound) {
		return "", ErrNotFound
	}
	return v, err
}
