package scrapers

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/promohub/scraper-engine/pkg/db/models"
	"github.com/promohub/scraper-engine/pkg/httpfetch"
)

const mercadoLivreSearchURL = "https://lista.mercadolivre.com.br/"

// MercadoLivreScraper scrapes Mercado Livre search result pages.
type MercadoLivreScraper struct {
	fetcher *httpfetch.Fetcher
	logger  *logrus.Logger
}

// NewMercadoLivreScraper creates the Mercado Livre strategy.
func NewMercadoLivreScraper(fetcher *httpfetch.Fetcher, logger *logrus.Logger) *MercadoLivreScraper {
	return &MercadoLivreScraper{fetcher: fetcher, logger: logger}
}

func (s *MercadoLivreScraper) Marketplace() models.Marketplace {
	return models.MarketplaceMercadoLivre
}

func (s *MercadoLivreScraper) Scrape(ctx context.Context, config models.ScraperConfig) ([]ScrapedProduct, error) {
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

		searchURL := mercadoLivreSearchURL + url.PathEscape(keyword)
		html, err := s.fetcher.FetchHTML(ctx, searchURL, nil)
		if err != nil {
			return nil, fmt.Errorf("mercadolivre search %q: %w", keyword, err)
		}

		products, err := s.parseSearchPage(html, config)
		if err != nil {
			return nil, fmt.Errorf("mercadolivre parse %q: %w", keyword, err)
		}
		results = append(results, products...)
	}

	return truncate(results, config.MaxProducts), nil
}

func (s *MercadoLivreScraper) parseSearchPage(html string, config models.ScraperConfig) ([]ScrapedProduct, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	var products []ScrapedProduct
	doc.Find("li.ui-search-layout__item").Each(func(_ int, sel *goquery.Selection) {
		title := strings.TrimSpace(sel.Find("h2.ui-search-item__title, a.poly-component__title").First().Text())
		link, _ := sel.Find("a.ui-search-link, a.poly-component__title").First().Attr("href")
		image, _ := sel.Find("img").First().Attr("data-src")
		if image == "" {
			image, _ = sel.Find("img").First().Attr("src")
		}

		// The struck-through previous price uses the same fraction class;
		// exclude it so the current price wins regardless of markup order.
		price := parsePrice(sel.Find("span.andes-money-amount__fraction").Not("s span").First().Text())
		var original *float64
		if prev := parsePrice(sel.Find("s.andes-money-amount--previous .andes-money-amount__fraction").First().Text()); prev > 0 {
			original = &prev
		}
		discount := strings.TrimSpace(sel.Find("span.ui-search-price__discount, span.andes-money-amount__discount").First().Text())

		if title == "" || link == "" || price <= 0 {
			return
		}
		if !withinBounds(price, discount, config) {
			return
		}

		products = append(products, ScrapedProduct{
			Title:         title,
			Price:         price,
			OriginalPrice: original,
			Discount:      discount,
			ImageURL:      image,
			ProductURL:    stripQuery(link),
			Marketplace:   models.MarketplaceMercadoLivre,
			Category:      firstOrEmpty(config.Categories),
			ScrapedAt:     time.Now(),
		})
	})

	s.logger.WithFields(logrus.Fields{
		"marketplace": models.MarketplaceMercadoLivre,
		"found":       len(products),
	}).Debug("Parsed search page")

	return products, nil
}

// antiBotDelay sleeps a randomized interval between searches so request
// timing does not look mechanical.
func antiBotDelay(ctx context.Context) error {
	delay := time.Duration(1500+rand.Intn(2500)) * time.Millisecond
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(products []ScrapedProduct, max int) []ScrapedProduct {
	if max > 0 && len(products) > max {
		return products[:max]
	}
	return products
}

func firstOrEmpty(values []string) string {
	if len(values) > 0 {
		return values[0]
	}
	return ""
}

// stripQuery removes query parameters so the product URL is a stable
// dedup key across sightings.
func stripQuery(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// parsePrice converts a Brazilian-formatted price fragment ("1.234") to a
// float. Returns 0 when the text is not a price.
func parsePrice(text string) float64 {
	text = strings.TrimSpace(text)
	text = strings.ReplaceAll(text, ".", "")
	text = strings.ReplaceAll(text, ",", ".")
	var value float64
	if _, err := fmt.Sscanf(text, "%f", &value); err != nil {
		return 0
	}
	return value
}

// withinBounds applies the config's price and discount filters.
func withinBounds(price float64, discount string, config models.ScraperConfig) bool {
	if config.MinPrice > 0 && price < config.MinPrice {
		return false
	}
	if config.MaxPrice > 0 && price > config.MaxPrice {
		return false
	}
	if config.MinDiscount > 0 {
		var pct float64
		if _, err := fmt.Sscanf(strings.TrimSpace(discount), "%f", &pct); err != nil {
			return false
		}
		if pct < config.MinDiscount {
			return false
		}
	}
	return true
}
