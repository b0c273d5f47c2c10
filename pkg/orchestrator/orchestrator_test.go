package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/promohub/scraper-engine/pkg/affiliate"
	"github.com/promohub/scraper-engine/pkg/db/models"
	"github.com/promohub/scraper-engine/pkg/executions"
	"github.com/promohub/scraper-engine/pkg/orchestrator"
	"github.com/promohub/scraper-engine/pkg/reconcile"
	"github.com/promohub/scraper-engine/pkg/scrapers"
	"github.com/promohub/scraper-engine/pkg/storage/storagetest"
)

// stubStrategy lets each spec script what a scrape returns.
type stubStrategy struct {
	marketplace models.Marketplace
	scrape      func(ctx context.Context, config models.ScraperConfig) ([]scrapers.ScrapedProduct, error)
}

func (s *stubStrategy) Marketplace() models.Marketplace { return s.marketplace }

func (s *stubStrategy) Scrape(ctx context.Context, config models.ScraperConfig) ([]scrapers.ScrapedProduct, error) {
	return s.scrape(ctx, config)
}

func fixedProducts(n int) []scrapers.ScrapedProduct {
	var out []scrapers.ScrapedProduct
	for i := 0; i < n; i++ {
		out = append(out, scrapers.ScrapedProduct{
			Title:       fmt.Sprintf("Produto %d", i),
			Price:       float64(50 + i),
			ProductURL:  fmt.Sprintf("https://ml.com/p/%d", i),
			Marketplace: models.MarketplaceMercadoLivre,
			ScrapedAt:   time.Now(),
		})
	}
	return out
}

var _ = Describe("Orchestrator", func() {
	var (
		ctx      context.Context
		logger   *logrus.Logger
		execs    *storagetest.FakeExecutionStore
		products *storagetest.FakeProductStore
		configs  *storagetest.FakeScraperConfigStore
		registry *scrapers.Registry
		states   *executions.StateMachine
		config   models.ScraperConfig
	)

	build := func(concurrency int) *orchestrator.Orchestrator {
		resolver := affiliate.NewResolver(
			storagetest.NewFakeAffiliateConfigStore(),
			map[models.Marketplace]string{models.MarketplaceMercadoLivre: "ml-global"},
			logger,
		)
		reconciler := reconcile.NewReconciler(products, resolver,
			reconcile.NewDedupCache(reconcile.DefaultCacheLimit), logger)

		orch, err := orchestrator.New(orchestrator.Config{
			Registry:    registry,
			Reconciler:  reconciler,
			States:      states,
			Configs:     configs,
			Concurrency: concurrency,
			Logger:      logger,
		})
		Expect(err).NotTo(HaveOccurred())
		return orch
	}

	BeforeEach(func() {
		ctx = context.Background()
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)

		execs = storagetest.NewFakeExecutionStore()
		products = storagetest.NewFakeProductStore()
		states = executions.NewStateMachine(execs, logger)
		registry = scrapers.NewRegistry()

		config = models.ScraperConfig{
			ID:          "config-1",
			Name:        "ml-ofertas",
			Marketplace: models.MarketplaceMercadoLivre,
			Frequency:   "*/15 * * * *",
			Active:      true,
		}
		configs = storagetest.NewFakeScraperConfigStore(config)
	})

	Describe("a successful run", func() {
		BeforeEach(func() {
			registry.Register(&stubStrategy{
				marketplace: models.MarketplaceMercadoLivre,
				scrape: func(context.Context, models.ScraperConfig) ([]scrapers.ScrapedProduct, error) {
					return fixedProducts(3), nil
				},
			})
		})

		It("persists a SUCCESS execution with found and added counts", func() {
			Expect(build(0).RunScraper(ctx, config, nil)).To(Succeed())

			all := execs.All()
			Expect(all).To(HaveLen(1))
			Expect(all[0].Status).To(Equal(models.ExecutionSuccess))
			Expect(all[0].ProductsFound).To(Equal(3))
			Expect(all[0].ProductsAdded).To(Equal(3))
			Expect(all[0].FinishedAt).NotTo(BeNil())
		})

		It("counts only genuinely new products as added", func() {
			pre := fixedProducts(1)[0]
			Expect(products.Insert(ctx, &models.Product{
				ID:          "existing",
				Title:       pre.Title,
				Price:       pre.Price,
				ProductURL:  pre.ProductURL,
				Marketplace: pre.Marketplace,
				Status:      models.ProductPending,
				ScrapedAt:   pre.ScrapedAt,
			})).To(Succeed())

			Expect(build(0).RunScraper(ctx, config, nil)).To(Succeed())

			all := execs.All()
			Expect(all[0].ProductsFound).To(Equal(3))
			Expect(all[0].ProductsAdded).To(Equal(2))
		})

		It("touches lastRun and schedules the next cadence slot", func() {
			Expect(build(0).RunScraper(ctx, config, nil)).To(Succeed())

			loaded, err := configs.ByID(ctx, config.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.LastRun).NotTo(BeNil())

			next := configs.NextRunOf(config.ID)
			Expect(next).NotTo(BeNil())
			Expect(next.After(time.Now())).To(BeTrue())
			Expect(next.Minute() % 15).To(BeZero())
		})
	})

	Describe("a failed run", func() {
		BeforeEach(func() {
			registry.Register(&stubStrategy{
				marketplace: models.MarketplaceMercadoLivre,
				scrape: func(context.Context, models.ScraperConfig) ([]scrapers.ScrapedProduct, error) {
					return nil, errors.New("captcha challenge detected")
				},
			})
		})

		It("absorbs the scrape error into a FAILED execution", func() {
			Expect(build(0).RunScraper(ctx, config, nil)).To(Succeed())

			all := execs.All()
			Expect(all).To(HaveLen(1))
			Expect(all[0].Status).To(Equal(models.ExecutionFailed))
			Expect(all[0].Error).To(ContainSubstring("captcha"))
		})

		It("reschedules with the fixed retry delay instead of the cadence", func() {
			Expect(build(0).RunScraper(ctx, config, nil)).To(Succeed())

			next := configs.NextRunOf(config.ID)
			Expect(next).NotTo(BeNil())
			Expect(*next).To(BeTemporally("~", time.Now().Add(30*time.Minute), 5*time.Second))
		})
	})

	It("fails the run when no strategy covers the marketplace", func() {
		config.Marketplace = models.MarketplaceAmazon
		Expect(build(0).RunScraper(ctx, config, nil)).To(Succeed())

		all := execs.All()
		Expect(all).To(HaveLen(1))
		Expect(all[0].Status).To(Equal(models.ExecutionFailed))
		Expect(all[0].Error).To(ContainSubstring("no strategy registered"))
	})

	Describe("manual trigger promotion", func() {
		BeforeEach(func() {
			registry.Register(&stubStrategy{
				marketplace: models.MarketplaceMercadoLivre,
				scrape: func(context.Context, models.ScraperConfig) ([]scrapers.ScrapedProduct, error) {
					return fixedProducts(2), nil
				},
			})
		})

		It("promotes the queued execution instead of creating a new one", func() {
			exec, err := states.CreatePending(ctx, config.ID)
			Expect(err).NotTo(HaveOccurred())

			Expect(build(0).RunScraper(ctx, config, &exec.ID)).To(Succeed())

			all := execs.All()
			Expect(all).To(HaveLen(1))
			Expect(all[0].ID).To(Equal(exec.ID))
			Expect(all[0].Status).To(Equal(models.ExecutionSuccess))
		})

		It("surfaces a wiring error when the execution cannot be promoted", func() {
			missing := "no-such-execution"
			err := build(0).RunScraper(ctx, config, &missing)
			Expect(err).To(HaveOccurred())
			Expect(execs.All()).To(BeEmpty())
		})
	})

	Describe("concurrency ceiling", func() {
		It("never runs more scrapes at once than the configured limit", func() {
			var inFlight, peak int32
			release := make(chan struct{})

			registry.Register(&stubStrategy{
				marketplace: models.MarketplaceMercadoLivre,
				scrape: func(ctx context.Context, _ models.ScraperConfig) ([]scrapers.ScrapedProduct, error) {
					current := atomic.AddInt32(&inFlight, 1)
					for {
						observed := atomic.LoadInt32(&peak)
						if current <= observed || atomic.CompareAndSwapInt32(&peak, observed, current) {
							break
						}
					}
					<-release
					atomic.AddInt32(&inFlight, -1)
					return fixedProducts(1), nil
				},
			})

			orch := build(2)
			var wg sync.WaitGroup
			for i := 0; i < 6; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					Expect(orch.RunScraper(ctx, config, nil)).To(Succeed())
				}()
			}

			// Let the pool saturate, then let everyone through.
			Eventually(func() int32 { return atomic.LoadInt32(&inFlight) }).Should(Equal(int32(2)))
			Consistently(func() int32 { return atomic.LoadInt32(&inFlight) }, 100*time.Millisecond).Should(
				BeNumerically("<=", 2))
			close(release)
			wg.Wait()

			Expect(atomic.LoadInt32(&peak)).To(BeNumerically("<=", 2))
			Expect(execs.All()).To(HaveLen(6))
		})
	})
})
