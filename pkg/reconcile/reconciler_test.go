package reconcile_test

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/promohub/scraper-engine/pkg/affiliate"
	"github.com/promohub/scraper-engine/pkg/db/models"
	"github.com/promohub/scraper-engine/pkg/reconcile"
	"github.com/promohub/scraper-engine/pkg/scrapers"
	"github.com/promohub/scraper-engine/pkg/storage/storagetest"
)

func scrapedProduct(url string, price float64) scrapers.ScrapedProduct {
	return scrapers.ScrapedProduct{
		Title:       "Produto " + url,
		Price:       price,
		ProductURL:  url,
		Marketplace: models.MarketplaceMercadoLivre,
		ScrapedAt:   time.Now(),
	}
}

var _ = Describe("Reconciler", func() {
	var (
		ctx        context.Context
		logger     *logrus.Logger
		products   *storagetest.FakeProductStore
		cache      *reconcile.DedupCache
		reconciler *reconcile.Reconciler
	)

	BeforeEach(func() {
		ctx = context.Background()
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
		products = storagetest.NewFakeProductStore()
		cache = reconcile.NewDedupCache(reconcile.DefaultCacheLimit)

		resolver := affiliate.NewResolver(
			storagetest.NewFakeAffiliateConfigStore(),
			map[models.Marketplace]string{models.MarketplaceMercadoLivre: "ml-global"},
			logger,
		)
		reconciler = reconcile.NewReconciler(products, resolver, cache, logger)
	})

	Describe("dedup idempotence", func() {
		It("adds every product once and none the second time", func() {
			batch := []scrapers.ScrapedProduct{
				scrapedProduct("https://ml.com/p/1", 100),
				scrapedProduct("https://ml.com/p/2", 200),
				scrapedProduct("https://ml.com/p/3", 300),
			}

			added, err := reconciler.Save(ctx, batch, models.MarketplaceMercadoLivre, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(added).To(Equal(3))

			added, err = reconciler.Save(ctx, batch, models.MarketplaceMercadoLivre, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(added).To(Equal(0))
			Expect(products.Count()).To(Equal(3))
		})
	})

	Describe("price-change detection", func() {
		It("writes nothing when the price is unchanged", func() {
			batch := []scrapers.ScrapedProduct{scrapedProduct("https://ml.com/p/1", 100)}

			_, err := reconciler.Save(ctx, batch, models.MarketplaceMercadoLivre, nil)
			Expect(err).NotTo(HaveOccurred())

			_, err = reconciler.Save(ctx, batch, models.MarketplaceMercadoLivre, nil)
			Expect(err).NotTo(HaveOccurred())

			Expect(products.History).To(BeEmpty())
			Expect(products.UpdateCalls).To(Equal(0))
		})

		It("records exactly one history row and one update per change", func() {
			_, err := reconciler.Save(ctx,
				[]scrapers.ScrapedProduct{scrapedProduct("https://ml.com/p/1", 100)},
				models.MarketplaceMercadoLivre, nil)
			Expect(err).NotTo(HaveOccurred())

			_, err = reconciler.Save(ctx,
				[]scrapers.ScrapedProduct{scrapedProduct("https://ml.com/p/1", 79.9)},
				models.MarketplaceMercadoLivre, nil)
			Expect(err).NotTo(HaveOccurred())

			Expect(products.History).To(HaveLen(1))
			Expect(products.History[0].Price).To(Equal(79.9))
			Expect(products.UpdateCalls).To(Equal(1))

			stored := products.Get(models.MarketplaceMercadoLivre, "https://ml.com/p/1")
			Expect(stored).NotTo(BeNil())
			Expect(stored.Price).To(Equal(79.9))
		})
	})

	Describe("new products", func() {
		It("resolves affiliate URLs and sets status PENDING", func() {
			_, err := reconciler.Save(ctx,
				[]scrapers.ScrapedProduct{scrapedProduct("https://ml.com/p/1", 100)},
				models.MarketplaceMercadoLivre, nil)
			Expect(err).NotTo(HaveOccurred())

			stored := products.Get(models.MarketplaceMercadoLivre, "https://ml.com/p/1")
			Expect(stored).NotTo(BeNil())
			Expect(stored.Status).To(Equal(models.ProductPending))
			Expect(stored.AffiliateURL).To(ContainSubstring("tracking_id=ml-global"))
		})

		It("persists however many products the strategy returned", func() {
			var batch []scrapers.ScrapedProduct
			for i := 0; i < 8; i++ {
				batch = append(batch, scrapedProduct(fmt.Sprintf("https://ml.com/p/%d", i), float64(10+i)))
			}

			added, err := reconciler.Save(ctx, batch, models.MarketplaceMercadoLivre, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(added).To(Equal(8))
			Expect(products.Count()).To(Equal(8))
		})
	})

	Describe("fallback path", func() {
		It("degrades to per-product saves when the bulk path fails", func() {
			products.FailBulk = true

			batch := []scrapers.ScrapedProduct{
				scrapedProduct("https://ml.com/p/1", 100),
				scrapedProduct("https://ml.com/p/2", 200),
			}

			added, err := reconciler.Save(ctx, batch, models.MarketplaceMercadoLivre, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(added).To(Equal(2))
			Expect(products.Count()).To(Equal(2))
		})

		It("stays idempotent across bulk and fallback paths", func() {
			batch := []scrapers.ScrapedProduct{scrapedProduct("https://ml.com/p/1", 100)}

			added, err := reconciler.Save(ctx, batch, models.MarketplaceMercadoLivre, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(added).To(Equal(1))

			products.FailBulk = true
			added, err = reconciler.Save(ctx, batch, models.MarketplaceMercadoLivre, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(added).To(Equal(0))
			Expect(products.Count()).To(Equal(1))
		})
	})

	Describe("dedup cache", func() {
		It("clears entirely when the bound is exceeded", func() {
			small := reconcile.NewDedupCache(3)
			for i := 0; i < 4; i++ {
				small.Mark(models.MarketplaceMercadoLivre, fmt.Sprintf("u%d", i))
			}
			// The clear happens on the insert that finds the cache full.
			Expect(small.Len()).To(Equal(1))
			Expect(small.Seen(models.MarketplaceMercadoLivre, "u3")).To(BeTrue())
			Expect(small.Seen(models.MarketplaceMercadoLivre, "u0")).To(BeFalse())
		})
	})
})
