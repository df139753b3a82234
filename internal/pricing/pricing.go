// Package pricing decides which unit price applies when a product is added
// to a cart. The answer is one of three outcomes: the caller supplied a
// price, the category price list supplied one, or nobody did and the
// cashier has to type one in.
package pricing

import (
	"context"
	"errors"
	"log"
	"time"

	"cuestablanca/pos/internal/domain"
	"cuestablanca/pos/internal/store"
)

type ResolutionKind string

const (
	// Fixed means the caller passed an explicit unit price.
	Fixed ResolutionKind = "fixed"
	// FromCategory means the price list for the product's category supplied
	// the price. It is advisory and the cashier may still override it.
	FromCategory ResolutionKind = "from_category"
	// NeedsManualEntry means no price could be determined.
	NeedsManualEntry ResolutionKind = "needs_manual_entry"
)

// Resolution is the outcome of a price lookup. PriceCents is meaningful only
// when Kind is Fixed or FromCategory.
type Resolution struct {
	Kind       ResolutionKind `json:"kind"`
	PriceCents int64          `json:"price_cents"`
	Category   string         `json:"category,omitempty"`
}

type PriceSource interface {
	GetCategoryPrice(ctx context.Context, category string) (*domain.PriceListEntry, error)
}

type Resolver struct {
	source PriceSource
	cache  PriceCache
	ttl    time.Duration
}

func NewResolver(source PriceSource, cache PriceCache, ttl time.Duration) *Resolver {
	if cache == nil {
		cache = NoopPriceCache{}
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Resolver{source: source, cache: cache, ttl: ttl}
}

// Resolve picks the unit price for a product. An explicit override always
// wins; otherwise the category price list is consulted, cache first.
func (r *Resolver) Resolve(ctx context.Context, product *domain.Product, override *int64) (Resolution, error) {
	if override != nil {
		if *override < 0 {
			return Resolution{}, store.ErrInvalidInput
		}
		return Resolution{Kind: Fixed, PriceCents: *override}, nil
	}

	if product.Category == "" {
		return Resolution{Kind: NeedsManualEntry}, nil
	}

	if price, ok, err := r.cache.Get(ctx, product.Category); err != nil {
		log.Printf("[pricing] cache lookup failed for %q: %v", product.Category, err)
	} else if ok {
		return Resolution{Kind: FromCategory, PriceCents: price, Category: product.Category}, nil
	}

	entry, err := r.source.GetCategoryPrice(ctx, product.Category)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Resolution{Kind: NeedsManualEntry, Category: product.Category}, nil
		}
		return Resolution{}, err
	}

	if err := r.cache.Set(ctx, entry.Category, entry.PriceCents, r.ttl); err != nil {
		log.Printf("[pricing] cache store failed for %q: %v", entry.Category, err)
	}

	return Resolution{Kind: FromCategory, PriceCents: entry.PriceCents, Category: entry.Category}, nil
}

// Invalidate drops a cached category price, used after the price list
// changes. Cache misses after this are refilled lazily.
func (r *Resolver) Invalidate(ctx context.Context, category string) {
	if err := r.cache.Invalidate(ctx, category); err != nil {
		log.Printf("[pricing] cache invalidate failed for %q: %v", category, err)
	}
}
