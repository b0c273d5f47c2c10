// Package affiliate rewrites raw product URLs with tracking parameters
// attributing traffic either to the owning user's affiliate accounts or
// to the process-wide fallback identifiers.
package affiliate

import (
	"context"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/promohub/scraper-engine/pkg/db/models"
)

// ConfigLookup is the read-only view of affiliate configs the resolver
// needs. Implemented by storage.AffiliateConfigStore.
type ConfigLookup interface {
	ByUserID(ctx context.Context, userID string) (*models.AffiliateConfig, error)
}

// trackingParam maps each marketplace to its tracking query parameter.
var trackingParam = map[models.Marketplace]string{
	models.MarketplaceMercadoLivre: "tracking_id",
	models.MarketplaceShopee:       "af_id",
	models.MarketplaceAmazon:       "tag",
}

// Resolver rewrites product URLs. It performs no writes and no network
// calls; resolution is idempotent because parameters are set by key.
type Resolver struct {
	lookup      ConfigLookup
	fallbackIDs map[models.Marketplace]string
	logger      *logrus.Logger
}

// NewResolver creates a Resolver. fallbackIDs carries the per-marketplace
// identifiers from process configuration; missing entries mean URLs for
// that marketplace pass through unchanged when no user config applies.
func NewResolver(lookup ConfigLookup, fallbackIDs map[models.Marketplace]string, logger *logrus.Logger) *Resolver {
	if logger == nil {
		logger = logrus.New()
	}
	return &Resolver{
		lookup:      lookup,
		fallbackIDs: fallbackIDs,
		logger:      logger,
	}
}

// Resolve returns productURL rewritten with tracking parameters. A nil
// userID (or a user without a marketplace identifier) falls back to the
// global identifier; with neither, the URL is returned unchanged.
func (r *Resolver) Resolve(ctx context.Context, productURL string, marketplace models.Marketplace, userID *string) string {
	param, ok := trackingParam[marketplace]
	if !ok {
		return productURL
	}

	if userID != nil {
		cfg, err := r.lookup.ByUserID(ctx, *userID)
		if err != nil {
			r.logger.WithError(err).WithField("user_id", *userID).
				Debug("No affiliate config for user, using fallback")
		} else if cfg != nil {
			if id := cfg.TrackingID(marketplace); id != "" {
				return rewrite(productURL, param, id, utmParams(cfg))
			}
		}
	}

	if id := r.fallbackIDs[marketplace]; id != "" {
		return rewrite(productURL, param, id, nil)
	}
	return productURL
}

func utmParams(cfg *models.AffiliateConfig) map[string]string {
	if !cfg.CustomUTM {
		return nil
	}
	utm := make(map[string]string, 3)
	if cfg.UTMSource != "" {
		utm["utm_source"] = cfg.UTMSource
	}
	if cfg.UTMMedium != "" {
		utm["utm_medium"] = cfg.UTMMedium
	}
	if cfg.UTMCampaign != "" {
		utm["utm_campaign"] = cfg.UTMCampaign
	}
	return utm
}

// rewrite sets (never appends) the tracking parameter and any UTM
// overrides, so resolving an already-resolved URL is a no-op apart from
// overwriting the same keys.
func rewrite(raw, param, id string, utm map[string]string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	q := u.Query()
	q.Set(param, id)
	for k, v := range utm {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
