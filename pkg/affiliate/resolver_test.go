package affiliate_test

import (
	"context"
	"net/url"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/promohub/scraper-engine/pkg/affiliate"
	"github.com/promohub/scraper-engine/pkg/db/models"
	"github.com/promohub/scraper-engine/pkg/storage/storagetest"
)

var _ = Describe("Resolver", func() {
	var (
		ctx      context.Context
		logger   *logrus.Logger
		lookup   *storagetest.FakeAffiliateConfigStore
		resolver *affiliate.Resolver
	)

	fallbacks := map[models.Marketplace]string{
		models.MarketplaceMercadoLivre: "global-ml",
		models.MarketplaceAmazon:       "global-amzn-20",
	}

	BeforeEach(func() {
		ctx = context.Background()
		logger = logrus.New()
		lookup = storagetest.NewFakeAffiliateConfigStore(models.AffiliateConfig{
			ID:             "aff-1",
			UserID:         "user-1",
			MercadoLivreID: "user-ml-id",
			CustomUTM:      true,
			UTMSource:      "promohub",
			UTMCampaign:    "daily-deals",
		})
		resolver = affiliate.NewResolver(lookup, fallbacks, logger)
	})

	query := func(raw string) url.Values {
		u, err := url.Parse(raw)
		Expect(err).NotTo(HaveOccurred())
		return u.Query()
	}

	It("uses the user's marketplace identifier when configured", func() {
		userID := "user-1"
		resolved := resolver.Resolve(ctx, "https://produto.mercadolivre.com.br/MLB-123", models.MarketplaceMercadoLivre, &userID)

		q := query(resolved)
		Expect(q.Get("tracking_id")).To(Equal("user-ml-id"))
		Expect(q.Get("utm_source")).To(Equal("promohub"))
		Expect(q.Get("utm_campaign")).To(Equal("daily-deals"))
	})

	It("falls back to the global identifier for users without config", func() {
		userID := "user-unknown"
		resolved := resolver.Resolve(ctx, "https://produto.mercadolivre.com.br/MLB-123", models.MarketplaceMercadoLivre, &userID)

		Expect(query(resolved).Get("tracking_id")).To(Equal("global-ml"))
	})

	It("falls back to the global identifier when no user is set", func() {
		resolved := resolver.Resolve(ctx, "https://www.amazon.com.br/dp/B0TEST", models.MarketplaceAmazon, nil)

		Expect(query(resolved).Get("tag")).To(Equal("global-amzn-20"))
	})

	It("returns the URL unchanged when no identifier exists anywhere", func() {
		raw := "https://shopee.com.br/produto-i.123.456"
		Expect(resolver.Resolve(ctx, raw, models.MarketplaceShopee, nil)).To(Equal(raw))
	})

	It("is idempotent on its own output", func() {
		userID := "user-1"
		raw := "https://produto.mercadolivre.com.br/MLB-123?foo=bar"

		once := resolver.Resolve(ctx, raw, models.MarketplaceMercadoLivre, &userID)
		twice := resolver.Resolve(ctx, once, models.MarketplaceMercadoLivre, &userID)

		Expect(twice).To(Equal(once))
		Expect(query(twice)["tracking_id"]).To(HaveLen(1))
		Expect(query(twice).Get("foo")).To(Equal("bar"))
	})

	It("overwrites a stale tracking parameter instead of appending", func() {
		resolved := resolver.Resolve(ctx, "https://www.amazon.com.br/dp/B0TEST?tag=old-tag", models.MarketplaceAmazon, nil)

		q := query(resolved)
		Expect(q["tag"]).To(HaveLen(1))
		Expect(q.Get("tag")).To(Equal("global-amzn-20"))
	})
})
