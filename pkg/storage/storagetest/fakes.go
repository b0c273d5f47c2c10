// Package storagetest provides in-memory store implementations for
// testing the orchestration core without a database. The fakes honor the
// same invariants as the Postgres stores: (marketplace, product_url)
// uniqueness, conditional status updates, transactional price changes.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/promohub/scraper-engine/pkg/db/models"
	"github.com/promohub/scraper-engine/pkg/storage"
)

// FakeProductStore implements storage.ProductStore in memory.
type FakeProductStore struct {
	mu       sync.Mutex
	byKey    map[string]*models.Product
	History  []models.PriceHistory
	// FailBulk forces every bulk operation to error, driving callers into
	// their per-product fallback path.
	FailBulk bool
	// UpdateCalls counts ApplyPriceChanges change rows actually applied.
	UpdateCalls int
}

// NewFakeProductStore creates an empty product store.
func NewFakeProductStore() *FakeProductStore {
	return &FakeProductStore{byKey: make(map[string]*models.Product)}
}

func key(m models.Marketplace, url string) string {
	return fmt.Sprintf("%s:%s", m, url)
}

func (s *FakeProductStore) ExistingByURLs(_ context.Context, marketplace models.Marketplace, urls []string) ([]models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailBulk {
		return nil, errors.New("simulated bulk failure")
	}
	var out []models.Product
	for _, u := range urls {
		if p, ok := s.byKey[key(marketplace, u)]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *FakeProductStore) BulkInsertSkipConflicts(_ context.Context, products []models.Product) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailBulk {
		return 0, errors.New("simulated bulk failure")
	}
	added := 0
	for i := range products {
		k := key(products[i].Marketplace, products[i].ProductURL)
		if _, ok := s.byKey[k]; ok {
			continue
		}
		p := products[i]
		s.byKey[k] = &p
		added++
	}
	return added, nil
}

func (s *FakeProductStore) ApplyPriceChanges(_ context.Context, changes []storage.PriceChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailBulk {
		return errors.New("simulated bulk failure")
	}
	for _, change := range changes {
		var target *models.Product
		for _, p := range s.byKey {
			if p.ID == change.ProductID {
				target = p
				break
			}
		}
		if target == nil {
			return fmt.Errorf("product %s not found", change.ProductID)
		}
		s.History = append(s.History, models.PriceHistory{
			ProductID:     change.ProductID,
			Price:         change.Price,
			OriginalPrice: change.OriginalPrice,
			Discount:      change.Discount,
			RecordedAt:    change.ScrapedAt,
		})
		target.Price = change.Price
		target.OriginalPrice = change.OriginalPrice
		target.Discount = change.Discount
		target.ScrapedAt = change.ScrapedAt
		s.UpdateCalls++
	}
	return nil
}

func (s *FakeProductStore) Exists(_ context.Context, marketplace models.Marketplace, productURL string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byKey[key(marketplace, productURL)]
	return ok, nil
}

func (s *FakeProductStore) Insert(_ context.Context, product *models.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(product.Marketplace, product.ProductURL)
	if _, ok := s.byKey[k]; ok {
		return storage.ErrDuplicate
	}
	p := *product
	s.byKey[k] = &p
	return nil
}

// Count returns the number of stored products.
func (s *FakeProductStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

// Get returns the stored product for the dedup key, nil when absent.
func (s *FakeProductStore) Get(marketplace models.Marketplace, productURL string) *models.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.byKey[key(marketplace, productURL)]; ok {
		copied := *p
		return &copied
	}
	return nil
}

// FakeExecutionStore implements storage.ExecutionStore in memory.
type FakeExecutionStore struct {
	mu    sync.Mutex
	execs map[string]*models.Execution
}

// NewFakeExecutionStore creates an empty execution store.
func NewFakeExecutionStore() *FakeExecutionStore {
	return &FakeExecutionStore{execs: make(map[string]*models.Execution)}
}

func (s *FakeExecutionStore) Create(_ context.Context, exec *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *exec
	s.execs[exec.ID] = &copied
	return nil
}

func (s *FakeExecutionStore) ByID(_ context.Context, id string) (*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *exec
	return &copied, nil
}

func (s *FakeExecutionStore) UpdateWhereStatus(_ context.Context, id string, from []models.ExecutionStatus, updates map[string]interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, status := range from {
		if exec.Status == status {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}

	if v, ok := updates["status"]; ok {
		exec.Status = v.(models.ExecutionStatus)
	}
	if v, ok := updates["started_at"]; ok {
		exec.StartedAt = v.(time.Time)
	}
	if v, ok := updates["finished_at"]; ok {
		t := v.(time.Time)
		exec.FinishedAt = &t
	}
	if v, ok := updates["products_found"]; ok {
		exec.ProductsFound = v.(int)
	}
	if v, ok := updates["products_added"]; ok {
		exec.ProductsAdded = v.(int)
	}
	if v, ok := updates["error"]; ok {
		exec.Error = v.(string)
	}
	return true, nil
}

func (s *FakeExecutionStore) OldestPending(_ context.Context, limit int) ([]models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Execution
	for _, exec := range s.execs {
		if exec.Status == models.ExecutionPending {
			out = append(out, *exec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *FakeExecutionStore) Stale(_ context.Context, cutoff time.Time) ([]models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Execution
	for _, exec := range s.execs {
		if !exec.Status.IsTerminal() && exec.StartedAt.Before(cutoff) {
			out = append(out, *exec)
		}
	}
	return out, nil
}

// All returns every stored execution.
func (s *FakeExecutionStore) All() []models.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Execution
	for _, exec := range s.execs {
		out = append(out, *exec)
	}
	return out
}

// FakeScraperConfigStore implements storage.ScraperConfigStore in memory.
type FakeScraperConfigStore struct {
	mu      sync.Mutex
	configs map[string]*models.ScraperConfig
}

// NewFakeScraperConfigStore creates a store seeded with configs.
func NewFakeScraperConfigStore(configs ...models.ScraperConfig) *FakeScraperConfigStore {
	s := &FakeScraperConfigStore{configs: make(map[string]*models.ScraperConfig)}
	for i := range configs {
		c := configs[i]
		s.configs[c.ID] = &c
	}
	return s
}

func (s *FakeScraperConfigStore) ByID(_ context.Context, id string) (*models.ScraperConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	config, ok := s.configs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *config
	return &copied, nil
}

func (s *FakeScraperConfigStore) Due(_ context.Context, now time.Time, limit int) ([]models.ScraperConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ScraperConfig
	for _, config := range s.configs {
		if !config.Active {
			continue
		}
		if config.NextRun == nil || !config.NextRun.After(now) {
			out = append(out, *config)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *FakeScraperConfigStore) TouchLastRun(_ context.Context, id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if config, ok := s.configs[id]; ok {
		config.LastRun = &t
	}
	return nil
}

func (s *FakeScraperConfigStore) SetNextRun(_ context.Context, id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if config, ok := s.configs[id]; ok {
		config.NextRun = &t
	}
	return nil
}

// NextRunOf returns the stored nextRun for the config, nil when unset.
func (s *FakeScraperConfigStore) NextRunOf(id string) *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if config, ok := s.configs[id]; ok {
		return config.NextRun
	}
	return nil
}

// FakeAffiliateConfigStore implements storage.AffiliateConfigStore.
type FakeAffiliateConfigStore struct {
	mu     sync.Mutex
	byUser map[string]*models.AffiliateConfig
	Resets int
}

// NewFakeAffiliateConfigStore creates a store seeded with configs.
func NewFakeAffiliateConfigStore(configs ...models.AffiliateConfig) *FakeAffiliateConfigStore {
	s := &FakeAffiliateConfigStore{byUser: make(map[string]*models.AffiliateConfig)}
	for i := range configs {
		c := configs[i]
		s.byUser[c.UserID] = &c
	}
	return s
}

func (s *FakeAffiliateConfigStore) ByUserID(_ context.Context, userID string) (*models.AffiliateConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	config, ok := s.byUser[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *config
	return &copied, nil
}

func (s *FakeAffiliateConfigStore) ResetDailyQuotas(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var reset int64
	for _, config := range s.byUser {
		if config.QuotaResetAt.Before(now.Add(-24 * time.Hour)) {
			config.DailyQuotaUsed = 0
			config.QuotaResetAt = now
			reset++
		}
	}
	s.Resets++
	return reset, nil
}
