// Package catalog is the inventory adapter the order side consumes: read a
// product's authoritative price and stock, and adjust stock (negative delta
// reserves, positive delta restores).
package catalog

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"commerce/internal/cache"
	"commerce/internal/domain"
)

type Catalog interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	AdjustStock(ctx context.Context, id string, delta int) error
}

// Invalidator is implemented by catalogs that cache product reads. Callers
// that mutate stock outside the adapter, such as the order submission and
// cancellation transactions, evict the affected entries after commit.
type Invalidator interface {
	InvalidateProduct(ctx context.Context, id string)
}

type cachedCatalog struct {
	next   Catalog
	cache  cache.Cache
	ttl    time.Duration
	logger *zap.Logger
}

// WithCache wraps a catalog with a read-through cache on GetProduct. Stock
// adjustments invalidate the cached entry. Cache failures degrade to the
// underlying catalog and are only logged.
func WithCache(next Catalog, c cache.Cache, ttl time.Duration, logger *zap.Logger) Catalog {
	return &cachedCatalog{next: next, cache: c, ttl: ttl, logger: logger}
}

func (c *cachedCatalog) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	key := c.cache.GenerateKey("product", id)

	if raw, err := c.cache.Get(ctx, key); err != nil {
		c.logger.Warn("Product cache read failed", zap.String("product_id", id), zap.Error(err))
	} else if raw != "" {
		var p domain.Product
		if err := json.Unmarshal([]byte(raw), &p); err == nil {
			return &p, nil
		}
		c.logger.Warn("Discarding unreadable product cache entry", zap.String("product_id", id))
	}

	p, err := c.next.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(p); err == nil {
		if err := c.cache.Set(ctx, key, data, c.ttl); err != nil {
			c.logger.Warn("Product cache write failed", zap.String("product_id", id), zap.Error(err))
		}
	}
	return p, nil
}

func (c *cachedCatalog) AdjustStock(ctx context.Context, id string, delta int) error {
	if err := c.next.AdjustStock(ctx, id, delta); err != nil {
		return err
	}
	c.InvalidateProduct(ctx, id)
	return nil
}

// InvalidateProduct evicts a product's cache entry. A failed eviction is
// logged, not propagated: the entry still expires with its TTL.
func (c *cachedCatalog) InvalidateProduct(ctx context.Context, id string) {
	if err := c.cache.Delete(ctx, c.cache.GenerateKey("product", id)); err != nil {
		c.logger.Warn("Product cache invalidation failed", zap.String("product_id", id), zap.Error(err))
	}
}
