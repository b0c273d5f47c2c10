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

const amazonSearchURL = "https://www.amazon.com.br/s?k="

// AmazonScraper scrapes Amazon search result pages.
type AmazonScraper struct {
	fetcher *httpfetch.Fetcher
	logger  *logrus.Logger
}

// NewAmazonScraper creates the Amazon strategy.
func NewAmazonScraper(fetcher *httpfetch.Fetcher, logger *logrus.Logger) *AmazonScraper {
	return &AmazonScraper{fetcher: fetcher, logger: logger}
}

func (s *AmazonScraper) Marketplace() models.Marketplace {
	return models.MarketplaceAmazon
}

func (s *AmazonScraper) Scrape(ctx context.Context, config models.ScraperConfig) ([]ScrapedProduct, error) {
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

		html, err := s.fetcher.FetchHTML(ctx, amazonSearchURL+url.QueryEscape(keyword), nil)
		if err != nil {
			return nil, fmt.Errorf("amazon search %q: %w", keyword, err)
		}

		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		if err != nil {
			return nil, fmt.Errorf("amazon parse %q: %w", keyword, err)
		}

		if doc.Find("form[action='/errors/validateCaptcha']").Length() > 0 {
			return nil, fmt.Errorf("amazon search %q: captcha challenge", keyword)
		}

		doc.Find("div[data-component-type='s-search-result']").Each(func(_ int, sel *goquery.Selection) {
			title := strings.TrimSpace(sel.Find("h2 a span, h2 span").First().Text())
			link, _ := sel.Find("h2 a, a.a-link-normal").First().Attr("href")
			image, _ := sel.Find("img.s-image").First().Attr("src")

			whole := sel.Find("span.a-price:not(.a-text-price) span.a-price-whole").First().Text()
			fraction := sel.Find("span.a-price:not(.a-text-price) span.a-price-fraction").First().Text()
			price := parsePrice(whole)
			if f := parsePrice(fraction); f > 0 {
				price += f / 100
			}

			var original *float64
			if prev := parsePrice(sel.Find("span.a-text-price span.a-offscreen").First().Text()); prev > 0 {
				original = &prev
			}

			if title == "" || link == "" || price <= 0 {
				return
			}
			if !withinBounds(price, "", config) {
				return
			}

			if !strings.HasPrefix(link, "http") {
				link = "https://www.amazon.com.br" + link
			}

			discount := ""
			if original != nil && *original > price {
				discount = fmt.Sprintf("%.0f%% OFF", (*original-price) / *original*100)
			}

			results = append(results, ScrapedProduct{
				Title:         title,
				Price:         price,
				OriginalPrice: original,
				Discount:      discount,
				ImageURL:      image,
				ProductURL:    stripQuery(link),
				Marketplace:   models.MarketplaceAmazon,
				Category:      firstOrEmpty(config.Categories),
				ScrapedAt:     time.Now(),
			})
		})
	}

	s.logger.WithFields(logrus.Fields{
		"marketplace": models.MarketplaceAmazon,
		"found":       len(results),
	}).Debug("Amazon scrape finished")

	return truncate(results, config.MaxProducts), nil
}
