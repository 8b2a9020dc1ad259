package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sokokicks/checkout/internal/domain"
)

const variantKeyPrefix = "variant:"

// VariantCache is a Redis read-through cache for variant lookups on the
// storefront read path. Stock-mutating paths always go to Postgres; the
// cache is only a staleness-bounded view for product pages, so mutations
// just invalidate.
type VariantCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewVariantCache(rdb *redis.Client, ttl time.Duration) *VariantCache {
	return &VariantCache{rdb: rdb, ttl: ttl}
}

func (c *VariantCache) Get(ctx context.Context, sku string) (*domain.ShoeVariant, error) {
	data, err := c.rdb.Get(ctx, variantKeyPrefix+sku).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var v domain.ShoeVariant
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *VariantCache) Set(ctx context.Context, v *domain.ShoeVariant) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, variantKeyPrefix+v.SKU, data, c.ttl).Err()
}

func (c *VariantCache) Invalidate(ctx context.Context, skus ...string) error {
	keys := make([]string, len(skus))
	for i, sku := range skus {
		keys[i] = variantKeyPrefix + sku
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// VariantStore is the stock ledger contract InvalidatingStock decorates.
type VariantStore interface {
	GetVariant(ctx context.Context, sku string) (*domain.ShoeVariant, error)
	Reserve(ctx context.Context, sku string, quantity int) error
	Release(ctx context.Context, sku string, quantity int) error
	Commit(ctx context.Context, sku string, quantity int) error
	Restock(ctx context.Context, sku string, quantity int) error
}

// Invalidator drops cached entries for the given SKUs.
type Invalidator interface {
	Invalidate(ctx context.Context, skus ...string) error
}

// InvalidatingStock pairs every stock mutation with a cache invalidation,
// so the read-through cache never serves a counter older than the last
// mutation plus one in-flight fill.
type InvalidatingStock struct {
	VariantStore
	cache Invalidator
}

func NewInvalidatingStock(store VariantStore, cache Invalidator) *InvalidatingStock {
	return &InvalidatingStock{VariantStore: store, cache: cache}
}

func (s *InvalidatingStock) Reserve(ctx context.Context, sku string, quantity int) error {
	if err := s.VariantStore.Reserve(ctx, sku, quantity); err != nil {
		return err
	}
	s.drop(ctx, sku)
	return nil
}

func (s *InvalidatingStock) Release(ctx context.Context, sku string, quantity int) error {
	if err := s.VariantStore.Release(ctx, sku, quantity); err != nil {
		return err
	}
	s.drop(ctx, sku)
	return nil
}

func (s *InvalidatingStock) Commit(ctx context.Context, sku string, quantity int) error {
	if err := s.VariantStore.Commit(ctx, sku, quantity); err != nil {
		return err
	}
	s.drop(ctx, sku)
	return nil
}

func (s *InvalidatingStock) Restock(ctx context.Context, sku string, quantity int) error {
	if err := s.VariantStore.Restock(ctx, sku, quantity); err != nil {
		return err
	}
	s.drop(ctx, sku)
	return nil
}

// drop is best effort: a failed invalidation only extends staleness until
// the TTL, it does not affect the ledger.
func (s *InvalidatingStock) drop(ctx context.Context, sku string) {
	_ = s.cache.Invalidate(ctx, sku)
}
