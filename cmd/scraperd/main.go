package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/promohub/scraper-engine/internal/appconfig"
	"github.com/promohub/scraper-engine/pkg/affiliate"
	"github.com/promohub/scraper-engine/pkg/db"
	"github.com/promohub/scraper-engine/pkg/executions"
	"github.com/promohub/scraper-engine/pkg/httpfetch"
	"github.com/promohub/scraper-engine/pkg/logging"
	"github.com/promohub/scraper-engine/pkg/orchestrator"
	"github.com/promohub/scraper-engine/pkg/reconcile"
	"github.com/promohub/scraper-engine/pkg/scheduler"
	"github.com/promohub/scraper-engine/pkg/scrapers"
	"github.com/promohub/scraper-engine/pkg/storage"
)

func main() {
	config, err := appconfig.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	log := appconfig.NewLogger()
	log.SetFormatter(logging.NewColoredJSONFormatter())

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gormDB, err := db.SetupDatabase(log)
	if err != nil {
		log.WithError(err).Fatal("Failed to set up database")
	}

	stores := storage.NewGormStores(gormDB, log)

	fetcher := httpfetch.New(httpfetch.Config{
		MaxAttempts:    config.FetchMaxAttempts,
		BaseDelay:      config.FetchBaseDelay,
		RequestTimeout: config.FetchTimeout,
		Logger:         log,
	})

	registry := scrapers.NewRegistry(
		scrapers.NewMercadoLivreScraper(fetcher, log),
		scrapers.NewShopeeScraper(fetcher, log),
		scrapers.NewAmazonScraper(fetcher, log),
	)

	resolver := affiliate.NewResolver(stores.Affiliates, config.AffiliateFallbacks, log)
	cache := reconcile.NewDedupCache(reconcile.DefaultCacheLimit)
	reconciler := reconcile.NewReconciler(stores.Products, resolver, cache, log)
	states := executions.NewStateMachine(stores.Executions, log)

	orch, err := orchestrator.New(orchestrator.Config{
		Registry:    registry,
		Reconciler:  reconciler,
		States:      states,
		Configs:     stores.ScraperConfigs,
		Concurrency: config.ScrapeConcurrency,
		Logger:      log,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to create orchestrator")
	}

	sched := scheduler.New(log)
	tasks := []scheduler.Task{
		scheduler.NewPendingExecutionsTask(orch, stores.Executions, stores.ScraperConfigs, states, log, config.PendingInterval, config.PendingLimit),
		scheduler.NewDueConfigsTask(orch, stores.ScraperConfigs, log, config.DueConfigsInterval, config.DueBatchSize),
		scheduler.NewReaperTask(states, log, config.ReaperInterval, config.StalenessThreshold),
		scheduler.NewCounterResetTask(stores.Affiliates, log, config.CounterResetInterval),
	}
	for _, task := range tasks {
		if err := sched.AddTask(task); err != nil {
			log.WithError(err).Fatal("Failed to register scheduler task")
		}
	}

	// Handle graceful shutdown; in-flight executions finish or fail and
	// anything orphaned by a hard kill is reaped on the next start.
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Info("Received shutdown signal")
		cancel()
	}()

	log.Info("Starting scraper scheduler")

	if err := sched.Run(ctx); err != nil && err != context.Canceled {
		log.WithError(err).Fatal("Scheduler stopped with error")
	}

	log.Info("Scheduler shutdown complete")
}
