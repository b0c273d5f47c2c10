// Package reconcile decides what freshly scraped products mean for
// storage: brand new rows, price changes, or nothing. The bulk path does
// one existence fetch, one insert-or-skip and one transaction for price
// changes; any bulk failure degrades to a slower per-product path with
// per-row error isolation.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/promohub/scraper-engine/pkg/affiliate"
	"github.com/promohub/scraper-engine/pkg/db/models"
	"github.com/promohub/scraper-engine/pkg/scrapers"
	"github.com/promohub/scraper-engine/pkg/storage"
)

// priceEpsilon guards against float noise being read as a price change.
const priceEpsilon = 0.009

// Reconciler upserts scraped products against storage.
type Reconciler struct {
	products storage.ProductStore
	resolver *affiliate.Resolver
	cache    *DedupCache
	logger   *logrus.Logger
}

// NewReconciler creates a Reconciler. The cache is injected by the wiring
// layer so multiple orchestrator instances can share or isolate it.
func NewReconciler(products storage.ProductStore, resolver *affiliate.Resolver, cache *DedupCache, logger *logrus.Logger) *Reconciler {
	if logger == nil {
		logger = logrus.New()
	}
	if cache == nil {
		cache = NewDedupCache(DefaultCacheLimit)
	}
	return &Reconciler{
		products: products,
		resolver: resolver,
		cache:    cache,
		logger:   logger,
	}
}

// Save persists the batch and returns how many products were genuinely
// new. The bulk transaction for changed rows either commits in full or
// the whole batch degrades to the per-product fallback.
func (r *Reconciler) Save(ctx context.Context, scraped []scrapers.ScrapedProduct, marketplace models.Marketplace, userID *string) (int, error) {
	if len(scraped) == 0 {
		return 0, nil
	}

	added, err := r.saveBulk(ctx, scraped, marketplace, userID)
	if err == nil {
		return added, nil
	}

	r.logger.WithError(err).WithFields(logrus.Fields{
		"marketplace": marketplace,
		"batch_size":  len(scraped),
	}).Warn("Bulk save failed, falling back to per-product path")

	return r.saveIndividually(ctx, scraped, marketplace, userID), nil
}

func (r *Reconciler) saveBulk(ctx context.Context, scraped []scrapers.ScrapedProduct, marketplace models.Marketplace, userID *string) (int, error) {
	urls := make([]string, 0, len(scraped))
	for _, p := range scraped {
		urls = append(urls, p.ProductURL)
	}

	existing, err := r.products.ExistingByURLs(ctx, marketplace, urls)
	if err != nil {
		return 0, err
	}
	existingByURL := make(map[string]*models.Product, len(existing))
	for i := range existing {
		existingByURL[existing[i].ProductURL] = &existing[i]
	}

	var (
		inserts []models.Product
		changes []storage.PriceChange
		batched = make(map[string]struct{}, len(scraped))
	)
	for _, p := range scraped {
		if _, dup := batched[p.ProductURL]; dup {
			continue
		}
		batched[p.ProductURL] = struct{}{}

		if current, ok := existingByURL[p.ProductURL]; ok {
			if priceChanged(current.Price, p.Price) {
				changes = append(changes, storage.PriceChange{
					ProductID:     current.ID,
					Price:         p.Price,
					OriginalPrice: p.OriginalPrice,
					Discount:      p.Discount,
					ScrapedAt:     p.ScrapedAt,
				})
			}
			r.cache.Mark(marketplace, p.ProductURL)
			continue
		}

		// Seen this lifetime but absent from the fetch result: it was
		// inserted by an earlier batch, nothing to do.
		if r.cache.Seen(marketplace, p.ProductURL) {
			continue
		}

		inserts = append(inserts, r.toModel(ctx, p, marketplace, userID))
	}

	added, err := r.products.BulkInsertSkipConflicts(ctx, inserts)
	if err != nil {
		return 0, err
	}
	for _, p := range inserts {
		r.cache.Mark(marketplace, p.ProductURL)
	}

	if err := r.products.ApplyPriceChanges(ctx, changes); err != nil {
		return 0, err
	}

	r.logger.WithFields(logrus.Fields{
		"marketplace": marketplace,
		"scraped":     len(scraped),
		"added":       added,
		"changed":     len(changes),
	}).Info("Reconciled product batch")

	return added, nil
}

// saveIndividually processes each product on its own, logging and
// skipping per-item failures so one bad row never aborts its batch-mates.
func (r *Reconciler) saveIndividually(ctx context.Context, scraped []scrapers.ScrapedProduct, marketplace models.Marketplace, userID *string) int {
	added := 0
	for _, p := range scraped {
		if r.cache.Seen(marketplace, p.ProductURL) {
			continue
		}

		exists, err := r.products.Exists(ctx, marketplace, p.ProductURL)
		if err != nil {
			r.logger.WithError(err).WithField("product_url", p.ProductURL).
				Error("Existence check failed, skipping product")
			continue
		}
		if exists {
			r.cache.Mark(marketplace, p.ProductURL)
			continue
		}

		product := r.toModel(ctx, p, marketplace, userID)
		if err := r.products.Insert(ctx, &product); err != nil {
			if !errors.Is(err, storage.ErrDuplicate) {
				r.logger.WithError(err).WithField("product_url", p.ProductURL).
					Error("Insert failed, skipping product")
			}
			r.cache.Mark(marketplace, p.ProductURL)
			continue
		}

		r.cache.Mark(marketplace, p.ProductURL)
		added++
	}
	return added
}

func (r *Reconciler) toModel(ctx context.Context, p scrapers.ScrapedProduct, marketplace models.Marketplace, userID *string) models.Product {
	scrapedAt := p.ScrapedAt
	if scrapedAt.IsZero() {
		scrapedAt = time.Now()
	}
	return models.Product{
		ID:            uuid.New().String(),
		Title:         p.Title,
		Price:         p.Price,
		OriginalPrice: p.OriginalPrice,
		Discount:      p.Discount,
		ImageURL:      p.ImageURL,
		ProductURL:    p.ProductURL,
		AffiliateURL:  r.resolver.Resolve(ctx, p.ProductURL, marketplace, userID),
		Marketplace:   marketplace,
		Category:      p.Category,
		Status:        models.ProductPending,
		Rating:        p.Rating,
		ReviewCount:   p.ReviewCount,
		SalesCount:    p.SalesCount,
		Metadata:      p.Metadata,
		ScrapedAt:     scrapedAt,
	}
}

func priceChanged(previous, incoming float64) bool {
	diff := previous - incoming
	if diff < 0 {
		diff = -diff
	}
	return diff > priceEpsilon
}
