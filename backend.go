package main

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"memo-sync/api"
	"memo-sync/config"
	"memo-sync/storage"
	"memo-sync/upsert"
)

// backend is the store selected by MEMO_STORE plus its background workers.
type backend struct {
	store   api.Store
	feed    *storage.Feed
	repairs *storage.RepairQueue
	redis   *redis.Client
	ttl     time.Duration
	closers []func() error
}

func openBackend(ctx context.Context, cfg config.Config, logger *log.Logger) (*backend, error) {
	if err := cfg.ValidateStore(); err != nil {
		return nil, err
	}
	b := &backend{ttl: cfg.IdempotencyTTL}

	var rc *redis.Client
	if opts := cfg.RedisOptions(); opts != nil {
		rc = redis.NewClient(opts)
		b.redis = rc
		b.closers = append(b.closers, rc.Close)
	}

	switch cfg.Store {
	case config.StoreMemory:
		b.store = storage.NewMemory()
	case config.StoreFirestore:
		fs, err := storage.NewFirestore(ctx, cfg.FirestoreProject, logger)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.store = fs
		b.closers = append(b.closers, fs.Close)
	default:
		b.feed = storage.NewFeed(rc, logger)
		st, err := storage.New(cfg.ConnectionString, cfg.MemosTable, cfg.FoldersTable, b.feed, logger)
		if err != nil {
			b.Close()
			return nil, err
		}
		if rc != nil && cfg.FolderCacheTTL > 0 {
			st.UseFolderCache(storage.NewCache(st, rc, cfg.FolderCacheTTL))
		}
		b.store = st
	}

	if cfg.ConnectionString != "" && cfg.Store != config.StoreMemory {
		q, err := storage.NewRepairQueue(cfg.ConnectionString, cfg.RepairQueue, logger)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.repairs = q
	}
	return b, nil
}

// start runs the change feed and the id repair worker until ctx is done.
func (b *backend) start(ctx context.Context) {
	if b.feed != nil {
		go b.feed.Run(ctx)
	}
	if b.repairs != nil {
		go b.repairs.Run(ctx, b.store)
	}
}

// repairer returns the repair queue, or nil when none is configured.
func (b *backend) repairer() upsert.IDRepairer {
	if b.repairs == nil {
		return nil
	}
	return b.repairs
}

// deduper returns the submit deduper, or nil without Redis.
func (b *backend) deduper() *api.RedisDeduper {
	if b.redis == nil || b.ttl <= 0 {
		return nil
	}
	return api.NewRedisDeduper(b.redis, b.ttl)
}

func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
