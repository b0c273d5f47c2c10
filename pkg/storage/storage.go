// Package storage defines the persistence boundary of the orchestration
// core and its Postgres-backed implementation. All durable state lives
// behind these interfaces; the in-memory dedup cache is advisory only.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/promohub/scraper-engine/pkg/db/models"
)

// ErrDuplicate is returned by single-row inserts that hit the
// (marketplace, product_url) uniqueness invariant.
var ErrDuplicate = errors.New("product already exists")

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// PriceChange describes one detected price change to be applied as a
// PriceHistory append plus a Product update.
type PriceChange struct {
	ProductID     string
	Price         float64
	OriginalPrice *float64
	Discount      string
	ScrapedAt     time.Time
}

// ScraperConfigStore persists scraper job definitions.
type ScraperConfigStore interface {
	ByID(ctx context.Context, id string) (*models.ScraperConfig, error)
	// Due returns active configs whose next_run is unset or at/before now,
	// oldest next_run first, capped at limit.
	Due(ctx context.Context, now time.Time, limit int) ([]models.ScraperConfig, error)
	TouchLastRun(ctx context.Context, id string, t time.Time) error
	SetNextRun(ctx context.Context, id string, t time.Time) error
}

// ExecutionStore persists execution lifecycle state. UpdateWhereStatus is
// the atomic primitive behind every state machine transition: the update
// applies only when the row's current status is one of from, and the
// return value reports whether the guard matched.
type ExecutionStore interface {
	Create(ctx context.Context, exec *models.Execution) error
	ByID(ctx context.Context, id string) (*models.Execution, error)
	UpdateWhereStatus(ctx context.Context, id string, from []models.ExecutionStatus, updates map[string]interface{}) (bool, error)
	// OldestPending returns PENDING executions, oldest startedAt first.
	OldestPending(ctx context.Context, limit int) ([]models.Execution, error)
	// Stale returns non-terminal executions started before the cutoff.
	Stale(ctx context.Context, cutoff time.Time) ([]models.Execution, error)
}

// ProductStore persists discovered products and their price history.
type ProductStore interface {
	// ExistingByURLs bulk-fetches products matching the dedup key.
	ExistingByURLs(ctx context.Context, marketplace models.Marketplace, urls []string) ([]models.Product, error)
	// BulkInsertSkipConflicts inserts rows, silently skipping any that
	// violate the uniqueness invariant, and returns how many landed.
	BulkInsertSkipConflicts(ctx context.Context, products []models.Product) (int, error)
	// ApplyPriceChanges appends one PriceHistory row and updates the
	// product row for every change, inside a single transaction.
	ApplyPriceChanges(ctx context.Context, changes []PriceChange) error
	Exists(ctx context.Context, marketplace models.Marketplace, productURL string) (bool, error)
	// Insert adds a single product, returning ErrDuplicate on conflict.
	Insert(ctx context.Context, product *models.Product) error
}

// AffiliateConfigStore reads user affiliate settings. ResetDailyQuotas is
// the hourly counter-reset cadence's write path.
type AffiliateConfigStore interface {
	ByUserID(ctx context.Context, userID string) (*models.AffiliateConfig, error)
	ResetDailyQuotas(ctx context.Context, now time.Time) (int64, error)
}
