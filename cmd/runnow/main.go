// Command runnow enqueues a PENDING execution for a scraper config so
// the next scheduler sweep picks it up. It is the "run now" trigger the
// dashboard calls out to.
package main

import (
	"context"
	"flag"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/promohub/scraper-engine/internal/appconfig"
	"github.com/promohub/scraper-engine/pkg/db"
	"github.com/promohub/scraper-engine/pkg/executions"
	"github.com/promohub/scraper-engine/pkg/logging"
	"github.com/promohub/scraper-engine/pkg/storage"
)

func main() {
	configID := flag.String("config", "", "scraper config ID to run")
	flag.Parse()

	log := appconfig.NewLogger()
	log.SetFormatter(logging.NewColoredJSONFormatter())

	if *configID == "" {
		log.Fatal("-config is required")
	}

	if _, err := appconfig.Load(); err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	gormDB, err := db.SetupDatabase(log)
	if err != nil {
		log.WithError(err).Fatal("Failed to set up database")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stores := storage.NewGormStores(gormDB, log)

	config, err := stores.ScraperConfigs.ByID(ctx, *configID)
	if err != nil {
		log.WithError(err).WithField("scraper_config_id", *configID).
			Fatal("Scraper config not found")
	}

	states := executions.NewStateMachine(stores.Executions, log)
	exec, err := states.CreatePending(ctx, config.ID)
	if err != nil {
		log.WithError(err).Fatal("Failed to enqueue execution")
	}

	log.WithFields(logrus.Fields{
		"execution_id":      exec.ID,
		"scraper_config_id": config.ID,
		"marketplace":       config.Marketplace,
	}).Info("Execution queued, the scheduler will pick it up within a minute")
}
