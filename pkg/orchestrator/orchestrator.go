// Package orchestrator coordinates one scraper run end to end: strategy
// dispatch through a bounded slot pool, reconciliation, execution state
// transitions and rescheduling. It is the error boundary for a run;
// every failure mode becomes a persisted FAILED execution and nothing
// escapes to the scheduler loop.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/promohub/scraper-engine/pkg/cronexpr"
	"github.com/promohub/scraper-engine/pkg/db/models"
	"github.com/promohub/scraper-engine/pkg/executions"
	"github.com/promohub/scraper-engine/pkg/reconcile"
	"github.com/promohub/scraper-engine/pkg/scrapers"
	"github.com/promohub/scraper-engine/pkg/storage"
)

// DefaultConcurrency is the shared ceiling on simultaneous scrape calls.
const DefaultConcurrency = 10

// Orchestrator owns the strategy registry, the execution slot pool and
// the per-run control flow.
type Orchestrator struct {
	registry   *scrapers.Registry
	reconciler *reconcile.Reconciler
	states     *executions.StateMachine
	configs    storage.ScraperConfigStore
	logger     *logrus.Logger

	// slots is a counting semaphore bounding concurrent scrape calls.
	slots chan struct{}

	now func() time.Time
}

// Config wires an Orchestrator.
type Config struct {
	Registry    *scrapers.Registry
	Reconciler  *reconcile.Reconciler
	States      *executions.StateMachine
	Configs     storage.ScraperConfigStore
	Concurrency int
	Logger      *logrus.Logger
}

// New creates an Orchestrator with the configured concurrency ceiling.
func New(config Config) (*Orchestrator, error) {
	if config.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if config.Reconciler == nil {
		return nil, fmt.Errorf("reconciler is required")
	}
	if config.States == nil {
		return nil, fmt.Errorf("state machine is required")
	}
	if config.Configs == nil {
		return nil, fmt.Errorf("config store is required")
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	return &Orchestrator{
		registry:   config.Registry,
		reconciler: config.Reconciler,
		states:     config.States,
		configs:    config.Configs,
		logger:     config.Logger,
		slots:      make(chan struct{}, config.Concurrency),
		now:        time.Now,
	}, nil
}

// RunScraper executes one run of config. When executionID is non-nil the
// referenced PENDING execution is promoted to RUNNING; otherwise a new
// RUNNING execution is created. The returned error reports wiring-level
// problems only; scrape and reconcile failures are absorbed into the
// execution's FAILED state.
func (o *Orchestrator) RunScraper(ctx context.Context, config models.ScraperConfig, executionID *string) error {
	log := o.logger.WithFields(logrus.Fields{
		"scraper_config_id": config.ID,
		"marketplace":       config.Marketplace,
		"name":              config.Name,
	})

	var execID string
	if executionID != nil {
		if err := o.states.Promote(ctx, *executionID); err != nil {
			return fmt.Errorf("failed to promote execution: %w", err)
		}
		execID = *executionID
	} else {
		exec, err := o.states.CreateRunning(ctx, config.ID)
		if err != nil {
			return fmt.Errorf("failed to create execution: %w", err)
		}
		execID = exec.ID
	}
	log = log.WithField("execution_id", execID)

	if err := o.configs.TouchLastRun(ctx, config.ID, o.now()); err != nil {
		// Not fatal for the run; lastRun is informational.
		log.WithError(err).Warn("Failed to touch lastRun")
	}

	strategy := o.registry.ForMarketplace(config.Marketplace)
	if strategy == nil {
		o.finishFailed(ctx, log, config, execID,
			fmt.Sprintf("no strategy registered for marketplace %s", config.Marketplace))
		return nil
	}

	scraped, err := o.scrapeWithSlot(ctx, strategy, config)
	if err != nil {
		o.finishFailed(ctx, log, config, execID, err.Error())
		return nil
	}

	added, err := o.reconciler.Save(ctx, scraped, config.Marketplace, config.UserID)
	if err != nil {
		o.finishFailed(ctx, log, config, execID, fmt.Sprintf("reconciliation failed: %v", err))
		return nil
	}

	if _, err := o.states.MarkSuccess(ctx, execID, len(scraped), added); err != nil {
		log.WithError(err).Error("Failed to persist success transition")
	}
	o.reschedule(ctx, log, config, false)

	log.WithFields(logrus.Fields{
		"products_found": len(scraped),
		"products_added": added,
	}).Info("Scraper run succeeded")
	return nil
}

// scrapeWithSlot runs the strategy under the shared concurrency ceiling.
func (o *Orchestrator) scrapeWithSlot(ctx context.Context, strategy scrapers.Strategy, config models.ScraperConfig) ([]scrapers.ScrapedProduct, error) {
	select {
	case o.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-o.slots }()

	return strategy.Scrape(ctx, config)
}

func (o *Orchestrator) finishFailed(ctx context.Context, log *logrus.Entry, config models.ScraperConfig, execID, message string) {
	if _, err := o.states.MarkFailed(ctx, execID, message); err != nil {
		log.WithError(err).Error("Failed to persist failure transition")
	}
	o.reschedule(ctx, log, config, true)
	log.WithField("error", message).Warn("Scraper run failed")
}

// reschedule computes and persists the config's next run; failures push
// the run out by the fixed retry interval regardless of the cron cadence.
func (o *Orchestrator) reschedule(ctx context.Context, log *logrus.Entry, config models.ScraperConfig, isRetry bool) {
	next := cronexpr.NextRun(config.Frequency, o.now(), isRetry)
	if err := o.configs.SetNextRun(ctx, config.ID, next); err != nil {
		log.WithError(err).Error("Failed to persist nextRun")
		return
	}
	log.WithFields(logrus.Fields{
		"next_run": next,
		"is_retry": isRetry,
	}).Debug("Rescheduled scraper config")
}
