package scrapers

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/promohub/scraper-engine/pkg/db/models"
	"github.com/promohub/scraper-engine/pkg/httpfetch"
)

const shopeeSearchURL = "https://shopee.com.br/search?keyword="

// ShopeeScraper scrapes Shopee search result pages. Shopee renders most
// content client-side; when the server-rendered shell carries no items
// the run fails rather than fabricating data.
type ShopeeScraper struct {
	fetcher *httpfetch.Fetcher
	logger  *logrus.Logger
}

// NewShopeeScraper creates the Shopee strategy.
func NewShopeeScraper(fetcher *httpfetch.Fetcher, logger *logrus.Logger) *ShopeeScraper {
	return &ShopeeScraper{fetcher: fetcher, logger: logger}
}

func (s *ShopeeScraper) Marketplace() models.Marketplace {
	return models.MarketplaceShopee
}

func (s *ShopeeScraper) Scrape(ctx context.Context, config models.ScraperConfig) ([]ScrapedProduct, error) {
	var results []ScrapedProduct

	for i, keyword := range config.Keywords {
		if len(results) >= config.MaxProducts {
			break
		}
		if i > 0 {
			if err := antiBotDelay(ctx); err != nil {
				return nil, err
			}
		}

		html, err := s.fetcher.FetchHTML(ctx, shopeeSearchURL+url.QueryEscape(keyword), nil)
		if err != nil {
			return nil, fmt.Errorf("shopee search %q: %w", keyword, err)
		}

		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		if err != nil {
			return nil, fmt.Errorf("shopee parse %q: %w", keyword, err)
		}

		if isBlockedPage(doc) {
			return nil, fmt.Errorf("shopee search %q: anti-bot verification page", keyword)
		}

		doc.Find("div[data-sqe='item'] a, li.shopee-search-item-result__item a").Each(func(_ int, sel *goquery.Selection) {
			link, _ := sel.Attr("href")
			title := strings.TrimSpace(sel.Find("div[data-sqe='name']").Text())
			price := parsePrice(sel.Find("span.font-medium, div.truncate span").Last().Text())
			image, _ := sel.Find("img").First().Attr("src")

			if title == "" || link == "" || price <= 0 {
				return
			}
			if !withinBounds(price, "", config) {
				return
			}

			if !strings.HasPrefix(link, "http") {
				link = "https://shopee.com.br" + link
			}
			results = append(results, ScrapedProduct{
				Title:       title,
				Price:       price,
				ImageURL:    image,
				ProductURL:  stripQuery(link),
				Marketplace: models.MarketplaceShopee,
				Category:    firstOrEmpty(config.Categories),
				ScrapedAt:   time.Now(),
			})
		})
	}

	s.logger.WithFields(logrus.Fields{
		"marketplace": models.MarketplaceShopee,
		"found":       len(results),
	}).Debug("Shopee scrape finished")

	return truncate(results, config.MaxProducts), nil
}

func isBlockedPage(doc *goquery.Document) bool {
	title := strings.ToLower(doc.Find("title").Text())
	return strings.Contains(title, "verify") || strings.Contains(title, "captcha")
}
