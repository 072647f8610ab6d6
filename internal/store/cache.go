package store

import (
	"context"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/ssd-technologies/nondominium/internal/model"
)

const (
	defaultTimeout    = 1 * time.Minute
	defaultExpiration = 2 * time.Minute
)

// Cached puts a read-through cache in front of point lookups. Entries are
// content addressed so a cached record only goes stale when it is deleted,
// and deletes go through the cache.
type Cached struct {
	Store
	cache *cache.Cache
}

// NewCached wraps s.
func NewCached(s Store) *Cached {
	return &Cached{
		Store: s,
		cache: cache.New(defaultTimeout, defaultExpiration),
	}
}

func (c *Cached) Get(ctx context.Context, h model.Hash) (model.Record, bool, error) {
	if obj, found := c.cache.Get(h.String()); found {
		return obj.(model.Record), true, nil
	}
	rec, found, err := c.Store.Get(ctx, h)
	if err != nil || !found {
		return rec, found, err
	}
	c.cache.Set(h.String(), rec, defaultExpiration)
	return rec, true, nil
}

func (c *Cached) MustGet(ctx context.Context, h model.Hash) (model.Record, error) {
	if obj, found := c.cache.Get(h.String()); found {
		return obj.(model.Record), nil
	}
	rec, err := c.Store.MustGet(ctx, h)
	if err != nil {
		return rec, err
	}
	c.cache.Set(h.String(), rec, defaultExpiration)
	return rec, nil
}

func (c *Cached) Delete(ctx context.Context, h model.Hash) error {
	err := c.Store.Delete(ctx, h)
	c.cache.Delete(h.String())
	return err
}

// Flush drops every cached record.
func (c *Cached) Flush() {
	c.cache.Flush()
}
