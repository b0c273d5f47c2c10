// Package scrapers holds the strategy boundary between the orchestration
// core and per-marketplace scraping logic, plus the site implementations.
// Strategies are swappable: the orchestrator only ever sees the Strategy
// interface and a registry keyed by marketplace.
package scrapers

import (
	"context"
	"time"

	"github.com/promohub/scraper-engine/pkg/db/models"
)

// ScrapedProduct is one discovered listing as returned by a strategy,
// before reconciliation against storage.
type ScrapedProduct struct {
	Title         string
	Price         float64
	OriginalPrice *float64
	Discount      string
	ImageURL      string
	ProductURL    string
	Marketplace   models.Marketplace
	Category      string
	ScrapedAt     time.Time

	Rating      *float64
	ReviewCount *int
	SalesCount  *int
	Metadata    map[string]string
}

// Strategy is the single capability every marketplace scraper implements.
// An empty result slice is a successful run with zero findings; an error
// fails the whole execution. Strategies self-truncate to the config's
// MaxProducts.
type Strategy interface {
	Marketplace() models.Marketplace
	Scrape(ctx context.Context, config models.ScraperConfig) ([]ScrapedProduct, error)
}

// Registry maps marketplaces to their strategy. The orchestrator never
// switches on marketplace itself.
type Registry struct {
	strategies map[models.Marketplace]Strategy
}

// NewRegistry builds a registry from the given strategies.
func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{strategies: make(map[models.Marketplace]Strategy, len(strategies))}
	for _, s := range strategies {
		r.strategies[s.Marketplace()] = s
	}
	return r
}

// Register adds or replaces the strategy for its marketplace.
func (r *Registry) Register(s Strategy) {
	r.strategies[s.Marketplace()] = s
}

// ForMarketplace returns the strategy for m, nil when none is registered.
func (r *Registry) ForMarketplace(m models.Marketplace) Strategy {
	return r.strategies[m]
}
