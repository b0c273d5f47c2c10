package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/promohub/scraper-engine/pkg/db/models"
)

// GormStores bundles the Postgres-backed implementations of every store
// interface over one shared gorm connection.
type GormStores struct {
	ScraperConfigs *GormScraperConfigStore
	Executions     *GormExecutionStore
	Products       *GormProductStore
	Affiliates     *GormAffiliateConfigStore
}

// NewGormStores wires all stores over db.
func NewGormStores(db *gorm.DB, logger *logrus.Logger) *GormStores {
	return &GormStores{
		ScraperConfigs: &GormScraperConfigStore{db: db},
		Executions:     &GormExecutionStore{db: db},
		Products:       &GormProductStore{db: db, logger: logger},
		Affiliates:     &GormAffiliateConfigStore{db: db},
	}
}

// GormScraperConfigStore implements ScraperConfigStore.
type GormScraperConfigStore struct {
	db *gorm.DB
}

func (s *GormScraperConfigStore) ByID(ctx context.Context, id string) (*models.ScraperConfig, error) {
	var config models.ScraperConfig
	err := s.db.WithContext(ctx).First(&config, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load scraper config %s: %w", id, err)
	}
	return &config, nil
}

func (s *GormScraperConfigStore) Due(ctx context.Context, now time.Time, limit int) ([]models.ScraperConfig, error) {
	var configs []models.ScraperConfig
	err := s.db.WithContext(ctx).
		Where("active = ? AND (next_run IS NULL OR next_run <= ?)", true, now).
		Order("next_run ASC NULLS FIRST").
		Limit(limit).
		Find(&configs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list due configs: %w", err)
	}
	return configs, nil
}

func (s *GormScraperConfigStore) TouchLastRun(ctx context.Context, id string, t time.Time) error {
	return s.db.WithContext(ctx).Model(&models.ScraperConfig{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"last_run": t, "updated_at": t}).Error
}

func (s *GormScraperConfigStore) SetNextRun(ctx context.Context, id string, t time.Time) error {
	return s.db.WithContext(ctx).Model(&models.ScraperConfig{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"next_run": t, "updated_at": time.Now()}).Error
}

// GormExecutionStore implements ExecutionStore.
type GormExecutionStore struct {
	db *gorm.DB
}

func (s *GormExecutionStore) Create(ctx context.Context, exec *models.Execution) error {
	if err := s.db.WithContext(ctx).Create(exec).Error; err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

func (s *GormExecutionStore) ByID(ctx context.Context, id string) (*models.Execution, error) {
	var exec models.Execution
	err := s.db.WithContext(ctx).First(&exec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution %s: %w", id, err)
	}
	return &exec, nil
}

func (s *GormExecutionStore) UpdateWhereStatus(ctx context.Context, id string, from []models.ExecutionStatus, updates map[string]interface{}) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.Execution{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("failed to update execution %s: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *GormExecutionStore) OldestPending(ctx context.Context, limit int) ([]models.Execution, error) {
	var execs []models.Execution
	err := s.db.WithContext(ctx).
		Where("status = ?", models.ExecutionPending).
		Order("started_at ASC").
		Limit(limit).
		Find(&execs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending executions: %w", err)
	}
	return execs, nil
}

func (s *GormExecutionStore) Stale(ctx context.Context, cutoff time.Time) ([]models.Execution, error) {
	var execs []models.Execution
	err := s.db.WithContext(ctx).
		Where("status IN ? AND started_at < ?",
			[]models.ExecutionStatus{models.ExecutionPending, models.ExecutionRunning}, cutoff).
		Find(&execs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale executions: %w", err)
	}
	return execs, nil
}

// GormProductStore implements ProductStore.
type GormProductStore struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func (s *GormProductStore) ExistingByURLs(ctx context.Context, marketplace models.Marketplace, urls []string) ([]models.Product, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	var products []models.Product
	err := s.db.WithContext(ctx).
		Where("marketplace = ? AND product_url IN ?", marketplace, urls).
		Find(&products).Error
	if err != nil {
		return nil, fmt.Errorf("failed to bulk-fetch existing products: %w", err)
	}
	return products, nil
}

func (s *GormProductStore) BulkInsertSkipConflicts(ctx context.Context, products []models.Product) (int, error) {
	if len(products) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "marketplace"}, {Name: "product_url"}},
			DoNothing: true,
		}).
		Create(&products)
	if result.Error != nil {
		return 0, fmt.Errorf("bulk insert failed: %w", result.Error)
	}
	if skipped := len(products) - int(result.RowsAffected); skipped > 0 {
		s.logger.WithFields(logrus.Fields{
			"inserted": result.RowsAffected,
			"skipped":  skipped,
		}).Debug("Bulk insert skipped conflicting rows")
	}
	return int(result.RowsAffected), nil
}

func (s *GormProductStore) ApplyPriceChanges(ctx context.Context, changes []PriceChange) error {
	if len(changes) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, change := range changes {
			history := models.PriceHistory{
				ID:            newID(),
				ProductID:     change.ProductID,
				Price:         change.Price,
				OriginalPrice: change.OriginalPrice,
				Discount:      change.Discount,
				RecordedAt:    change.ScrapedAt,
			}
			if err := tx.Create(&history).Error; err != nil {
				return fmt.Errorf("failed to append price history for %s: %w", change.ProductID, err)
			}

			err := tx.Model(&models.Product{}).
				Where("id = ?", change.ProductID).
				Updates(map[string]interface{}{
					"price":          change.Price,
					"original_price": change.OriginalPrice,
					"discount":       change.Discount,
					"scraped_at":     change.ScrapedAt,
				}).Error
			if err != nil {
				return fmt.Errorf("failed to update product %s: %w", change.ProductID, err)
			}
		}
		return nil
	})
}

func (s *GormProductStore) Exists(ctx context.Context, marketplace models.Marketplace, productURL string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Product{}).
		Where("marketplace = ? AND product_url = ?", marketplace, productURL).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("existence check failed: %w", err)
	}
	return count > 0, nil
}

func (s *GormProductStore) Insert(ctx context.Context, product *models.Product) error {
	err := s.db.WithContext(ctx).Create(product).Error
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert product: %w", err)
	}
	return nil
}

// GormAffiliateConfigStore implements AffiliateConfigStore.
type GormAffiliateConfigStore struct {
	db *gorm.DB
}

func (s *GormAffiliateConfigStore) ByUserID(ctx context.Context, userID string) (*models.AffiliateConfig, error) {
	var config models.AffiliateConfig
	err := s.db.WithContext(ctx).First(&config, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load affiliate config for user %s: %w", userID, err)
	}
	return &config, nil
}

func (s *GormAffiliateConfigStore) ResetDailyQuotas(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Model(&models.AffiliateConfig{}).
		Where("quota_reset_at <= ?", now.Add(-24*time.Hour)).
		Updates(map[string]interface{}{
			"daily_quota_used": 0,
			"quota_reset_at":   now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to reset daily quotas: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// isUniqueViolation reports whether err is Postgres error 23505.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	// gorm with pgx surfaces duplicates as ErrDuplicatedKey.
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func newID() string {
	return uuid.New().String()
}
