package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"memo-sync/domain"
)

// Cache wraps a folder source with a Redis-backed read-through cache.
type Cache struct {
	base  folderLister
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a folder cache using the provided Redis client and TTL.
func NewCache(base folderLister, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) ListFolders(ctx context.Context, owner string) ([]domain.Folder, error) {
	if folders, ok := c.load(ctx, owner); ok {
		return folders, nil
	}
	folders, err := c.base.ListFolders(ctx, owner)
	if err != nil {
		return nil, err
	}
	c.store(ctx, owner, folders)
	return folders, nil
}

// Evict drops the owner's cached list.
func (c *Cache) Evict(ctx context.Context, owner string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, foldersCacheKey(owner)).Err()
}

func (c *Cache) load(ctx context.Context, owner string) ([]domain.Folder, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, foldersCacheKey(owner)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, foldersCacheKey(owner)).Err()
		}
		return nil, false
	}
	var folders []domain.Folder
	if err := json.Unmarshal(data, &folders); err != nil {
		_ = c.redis.Del(ctx, foldersCacheKey(owner)).Err()
		return nil, false
	}
	return folders, true
}

func (c *Cache) store(ctx context.Context, owner string, folders []domain.Folder) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(folders)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, foldersCacheKey(owner), data, c.ttl).Err()
}

func foldersCacheKey(owner string) string {
	return "folders:" + owner
}
