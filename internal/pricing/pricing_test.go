package pricing

import (
	"context"
	"testing"
	"time"

	"cuestablanca/pos/internal/domain"
	"cuestablanca/pos/internal/store"
)

type stubSource struct {
	entries map[string]int64
	calls   int
}

func (s *stubSource) GetCategoryPrice(_ context.Context, category string) (*domain.PriceListEntry, error) {
	s.calls++
	price, ok := s.entries[category]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &domain.PriceListEntry{Category: category, PriceCents: price, UpdatedAt: time.Now().UTC()}, nil
}

type mapCache struct {
	values map[string]int64
}

func newMapCache() *mapCache {
	return &mapCache{values: make(map[string]int64)}
}

func (c *mapCache) Get(_ context.Context, category string) (int64, bool, error) {
	price, ok := c.values[category]
	return price, ok, nil
}

func (c *mapCache) Set(_ context.Context, category string, priceCents int64, _ time.Duration) error {
	c.values[category] = priceCents
	return nil
}

func (c *mapCache) Invalidate(_ context.Context, category string) error {
	delete(c.values, category)
	return nil
}

func TestResolveOverrideWinsOverCategory(t *testing.T) {
	source := &stubSource{entries: map[string]int64{"poleras": 599000}}
	resolver := NewResolver(source, nil, time.Minute)

	override := int64(450000)
	resolution, err := resolver.Resolve(context.Background(), &domain.Product{Code: "X", Category: "poleras"}, &override)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolution.Kind != Fixed || resolution.PriceCents != 450000 {
		t.Fatalf("expected fixed 450000, got %+v", resolution)
	}
	if source.calls != 0 {
		t.Fatalf("override must not hit the price list")
	}
}

func TestResolveNegativeOverrideRejected(t *testing.T) {
	resolver := NewResolver(&stubSource{}, nil, time.Minute)

	override := int64(-1)
	if _, err := resolver.Resolve(context.Background(), &domain.Product{Code: "X"}, &override); err == nil {
		t.Fatalf("expected negative override to be rejected")
	}
}

func TestResolveCategoryHitFillsCache(t *testing.T) {
	source := &stubSource{entries: map[string]int64{"chaquetas": 1990000}}
	cache := newMapCache()
	resolver := NewResolver(source, cache, time.Minute)

	product := &domain.Product{Code: "X", Category: "chaquetas"}
	ctx := context.Background()

	first, err := resolver.Resolve(ctx, product, nil)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if first.Kind != FromCategory || first.PriceCents != 1990000 {
		t.Fatalf("expected category price, got %+v", first)
	}

	second, err := resolver.Resolve(ctx, product, nil)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if second.PriceCents != first.PriceCents {
		t.Fatalf("resolution must be deterministic, got %d then %d", first.PriceCents, second.PriceCents)
	}
	if source.calls != 1 {
		t.Fatalf("second resolve should come from cache, source hit %d times", source.calls)
	}
}

func TestResolveUnknownCategoryNeedsManualEntry(t *testing.T) {
	resolver := NewResolver(&stubSource{}, nil, time.Minute)

	resolution, err := resolver.Resolve(context.Background(), &domain.Product{Code: "X", Category: "zapatos"}, nil)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolution.Kind != NeedsManualEntry {
		t.Fatalf("expected manual entry, got %+v", resolution)
	}
}

func TestResolveUncategorizedProductNeedsManualEntry(t *testing.T) {
	source := &stubSource{entries: map[string]int64{"poleras": 599000}}
	resolver := NewResolver(source, nil, time.Minute)

	resolution, err := resolver.Resolve(context.Background(), &domain.Product{Code: "X"}, nil)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolution.Kind != NeedsManualEntry {
		t.Fatalf("expected manual entry for empty category, got %+v", resolution)
	}
	if source.calls != 0 {
		t.Fatalf("empty category must not hit the price list")
	}
}

func TestInvalidateDropsCachedPrice(t *testing.T) {
	source := &stubSource{entries: map[string]int64{"poleras": 599000}}
	cache := newMapCache()
	resolver := NewResolver(source, cache, time.Minute)

	product := &domain.Product{Code: "X", Category: "poleras"}
	ctx := context.Background()

	if _, err := resolver.Resolve(ctx, product, nil); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	source.entries["poleras"] = 549000
	resolver.Invalidate(ctx, "poleras")

	resolution, err := resolver.Resolve(ctx, product, nil)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolution.PriceCents != 549000 {
		t.Fatalf("expected fresh price 549000 after invalidate, got %d", resolution.PriceCents)
	}
}
