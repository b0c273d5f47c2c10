package models

import (
	"time"

	"github.com/lib/pq"
)

// Marketplace identifies a supported e-commerce platform.
type Marketplace string

const (
	MarketplaceMercadoLivre Marketplace = "mercadolivre"
	MarketplaceShopee       Marketplace = "shopee"
	MarketplaceAmazon       Marketplace = "amazon"
)

// ExecutionStatus represents the lifecycle state of one scraper run.
type ExecutionStatus string

const (
	ExecutionPending ExecutionStatus = "PENDING"
	ExecutionRunning ExecutionStatus = "RUNNING"
	ExecutionSuccess ExecutionStatus = "SUCCESS"
	ExecutionFailed  ExecutionStatus = "FAILED"
)

// IsTerminal reports whether the status admits no further transitions.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionSuccess || s == ExecutionFailed
}

// ProductStatus represents the downstream approval state of a product.
type ProductStatus string

const (
	ProductPending  ProductStatus = "PENDING"
	ProductApproved ProductStatus = "APPROVED"
	ProductRejected ProductStatus = "REJECTED"
	ProductSent     ProductStatus = "SENT"
)

// ScraperConfig is one user-defined scraping job definition.
type ScraperConfig struct {
	ID          string      `gorm:"primaryKey;column:id"`
	Marketplace Marketplace `gorm:"column:marketplace;type:marketplace;not null"`
	Name        string      `gorm:"column:name;not null"`

	Keywords   pq.StringArray `gorm:"column:keywords;type:text[]"`
	Categories pq.StringArray `gorm:"column:categories;type:text[]"`

	MinPrice    float64 `gorm:"column:min_price"`
	MaxPrice    float64 `gorm:"column:max_price"`
	MinDiscount float64 `gorm:"column:min_discount"`
	MaxProducts int     `gorm:"column:max_products;default:50"`

	// Frequency is a restricted 5-field cron expression.
	Frequency string `gorm:"column:frequency;not null"`
	Active    bool   `gorm:"column:active;default:true"`

	LastRun *time.Time `gorm:"column:last_run"`
	NextRun *time.Time `gorm:"column:next_run"`

	UserID *string `gorm:"column:user_id"`

	CreatedAt time.Time `gorm:"column:created_at;not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:CURRENT_TIMESTAMP"`
}

func (ScraperConfig) TableName() string {
	return "scraper_configs"
}

// Execution is one concrete run of a ScraperConfig.
type Execution struct {
	ID              string          `gorm:"primaryKey;column:id"`
	ScraperConfigID string          `gorm:"column:scraper_config_id;not null;index"`
	Status          ExecutionStatus `gorm:"column:status;type:execution_status;not null"`

	StartedAt  time.Time  `gorm:"column:started_at;not null"`
	FinishedAt *time.Time `gorm:"column:finished_at"`

	ProductsFound int    `gorm:"column:products_found;default:0"`
	ProductsAdded int    `gorm:"column:products_added;default:0"`
	Error         string `gorm:"column:error"`
}

func (Execution) TableName() string {
	return "executions"
}

// Product is one discovered listing. (marketplace, product_url) is the
// dedup key and carries a unique index.
type Product struct {
	ID    string  `gorm:"primaryKey;column:id"`
	Title string  `gorm:"column:title;not null"`
	Price float64 `gorm:"column:price;not null"`

	OriginalPrice *float64 `gorm:"column:original_price"`
	Discount      string   `gorm:"column:discount"`

	ImageURL     string `gorm:"column:image_url"`
	ProductURL   string `gorm:"column:product_url;not null;uniqueIndex:idx_marketplace_url,priority:2"`
	AffiliateURL string `gorm:"column:affiliate_url"`

	Marketplace Marketplace   `gorm:"column:marketplace;type:marketplace;not null;uniqueIndex:idx_marketplace_url,priority:1"`
	Category    string        `gorm:"column:category"`
	Status      ProductStatus `gorm:"column:status;type:product_status;not null;default:PENDING"`

	Rating      *float64 `gorm:"column:rating"`
	ReviewCount *int     `gorm:"column:review_count"`
	SalesCount  *int     `gorm:"column:sales_count"`

	Metadata interface{} `gorm:"column:metadata;type:jsonb"`

	ScrapedAt time.Time `gorm:"column:scraped_at;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null;default:CURRENT_TIMESTAMP"`
}

func (Product) TableName() string {
	return "products"
}

// PriceHistory is an append-only snapshot of a product's price at the
// moment a change was detected.
type PriceHistory struct {
	ID            string      `gorm:"primaryKey;column:id"`
	ProductID     string      `gorm:"column:product_id;not null;index"`
	Price         float64     `gorm:"column:price;not null"`
	OriginalPrice *float64    `gorm:"column:original_price"`
	Discount      string      `gorm:"column:discount"`
	RecordedAt    time.Time   `gorm:"column:recorded_at;not null"`
}

func (PriceHistory) TableName() string {
	return "price_history"
}

// AffiliateConfig holds a user's per-marketplace tracking identifiers.
// Read-only from the orchestration core; the hourly counter-reset cadence
// is the one exception, which zeroes the daily quota.
type AffiliateConfig struct {
	ID     string `gorm:"primaryKey;column:id"`
	UserID string `gorm:"column:user_id;not null;uniqueIndex"`

	MercadoLivreID string `gorm:"column:mercadolivre_id"`
	ShopeeID       string `gorm:"column:shopee_id"`
	AmazonTag      string `gorm:"column:amazon_tag"`

	CustomUTM   bool   `gorm:"column:custom_utm;default:false"`
	UTMSource   string `gorm:"column:utm_source"`
	UTMMedium   string `gorm:"column:utm_medium"`
	UTMCampaign string `gorm:"column:utm_campaign"`

	DailyQuotaUsed int       `gorm:"column:daily_quota_used;default:0"`
	QuotaResetAt   time.Time `gorm:"column:quota_reset_at"`
}

func (AffiliateConfig) TableName() string {
	return "affiliate_configs"
}

// TrackingID returns the user's identifier for the given marketplace,
// empty when none is configured.
func (a *AffiliateConfig) TrackingID(m Marketplace) string {
	switch m {
	case MarketplaceMercadoLivre:
		return a.MercadoLivreID
	case MarketplaceShopee:
		return a.ShopeeID
	case MarketplaceAmazon:
		return a.AmazonTag
	}
	return ""
}
