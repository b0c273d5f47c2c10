package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/promohub/scraper-engine/pkg/db/models"
	"github.com/promohub/scraper-engine/pkg/executions"
	"github.com/promohub/scraper-engine/pkg/storage"
)

// Runner executes one scraper run. Implemented by the orchestrator.
type Runner interface {
	RunScraper(ctx context.Context, config models.ScraperConfig, executionID *string) error
}

// Reference cadences and limits; all overridable via process config.
const (
	DefaultPendingInterval      = time.Minute
	DefaultDueConfigsInterval   = 15 * time.Minute
	DefaultReaperInterval       = 10 * time.Minute
	DefaultCounterResetInterval = time.Hour

	DefaultBatchSize          = 3
	DefaultPendingLimit       = 20
	DefaultStalenessThreshold = 30 * time.Minute

	// maxBatchesPerTick bounds the due-config drain loop within one tick
	// so a store that never advances nextRun cannot spin forever.
	maxBatchesPerTick = 20
)

// runTicker is the shared cadence loop: tick until the context is
// canceled or the stop channel closes. Tick errors are logged, never
// returned, so one bad sweep cannot kill the cadence.
func runTicker(ctx context.Context, ticker *time.Ticker, stopped <-chan struct{}, log *logrus.Entry, tick func(context.Context) error) error {
	for {
		select {
		case <-ctx.Done():
			log.Info("Context canceled, stopping task")
			return ctx.Err()
		case <-stopped:
			log.Info("Task stopped")
			return nil
		case <-ticker.C:
			if err := tick(ctx); err != nil {
				log.WithError(err).Error("Tick failed")
			}
		}
	}
}

// PendingExecutionsTask promotes manually queued executions, oldest
// first, and runs them through the orchestrator.
type PendingExecutionsTask struct {
	orch     Runner
	execs    storage.ExecutionStore
	configs  storage.ScraperConfigStore
	states   *executions.StateMachine
	logger   *logrus.Logger
	limit    int
	ticker   *time.Ticker
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewPendingExecutionsTask creates the pending-executions cadence.
func NewPendingExecutionsTask(orch Runner, execs storage.ExecutionStore, configs storage.ScraperConfigStore, states *executions.StateMachine, logger *logrus.Logger, interval time.Duration, limit int) *PendingExecutionsTask {
	if interval <= 0 {
		interval = DefaultPendingInterval
	}
	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	return &PendingExecutionsTask{
		orch:    orch,
		execs:   execs,
		configs: configs,
		states:  states,
		logger:  logger,
		limit:   limit,
		ticker:  time.NewTicker(interval),
		stopped: make(chan struct{}),
	}
}

func (t *PendingExecutionsTask) Run(ctx context.Context) error {
	log := t.logger.WithField("task", t.Type())
	return runTicker(ctx, t.ticker, t.stopped, log, t.tick)
}

func (t *PendingExecutionsTask) Stop() {
	t.stopOnce.Do(func() {
		t.ticker.Stop()
		close(t.stopped)
	})
}

func (t *PendingExecutionsTask) Type() TaskType {
	return TaskPendingExecutions
}

func (t *PendingExecutionsTask) tick(ctx context.Context) error {
	pending, err := t.execs.OldestPending(ctx, t.limit)
	if err != nil {
		return fmt.Errorf("failed to list pending executions: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	log := t.logger.WithField("task", t.Type())
	log.WithField("count", len(pending)).Info("Processing pending executions")

	for _, exec := range pending {
		config, err := t.configs.ByID(ctx, exec.ScraperConfigID)
		if err != nil {
			// The execution references a config we cannot load; fail it so
			// it does not sit PENDING until the reaper finds it.
			msg := fmt.Sprintf("scraper config %s unavailable: %v", exec.ScraperConfigID, err)
			if _, ferr := t.states.MarkFailed(ctx, exec.ID, msg); ferr != nil {
				log.WithError(ferr).WithField("execution_id", exec.ID).
					Error("Failed to fail orphaned execution")
			}
			continue
		}

		execID := exec.ID
		if err := t.orch.RunScraper(ctx, *config, &execID); err != nil {
			log.WithError(err).WithField("execution_id", execID).
				Error("Failed to run pending execution")
		}
	}
	return nil
}

// DueConfigsTask discovers scraper configs whose nextRun has arrived and
// submits them in bounded batches, waiting for each batch to fully settle
// before the next. Per-scraper failures are isolated inside RunScraper.
type DueConfigsTask struct {
	orch      Runner
	configs   storage.ScraperConfigStore
	logger    *logrus.Logger
	batchSize int
	ticker    *time.Ticker
	stopped   chan struct{}
	stopOnce  sync.Once
}

// NewDueConfigsTask creates the due-configs cadence.
func NewDueConfigsTask(orch Runner, configs storage.ScraperConfigStore, logger *logrus.Logger, interval time.Duration, batchSize int) *DueConfigsTask {
	if interval <= 0 {
		interval = DefaultDueConfigsInterval
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &DueConfigsTask{
		orch:      orch,
		configs:   configs,
		logger:    logger,
		batchSize: batchSize,
		ticker:    time.NewTicker(interval),
		stopped:   make(chan struct{}),
	}
}

func (t *DueConfigsTask) Run(ctx context.Context) error {
	log := t.logger.WithField("task", t.Type())
	return runTicker(ctx, t.ticker, t.stopped, log, t.tick)
}

func (t *DueConfigsTask) Stop() {
	t.stopOnce.Do(func() {
		t.ticker.Stop()
		close(t.stopped)
	})
}

func (t *DueConfigsTask) Type() TaskType {
	return TaskDueConfigs
}

func (t *DueConfigsTask) tick(ctx context.Context) error {
	log := t.logger.WithField("task", t.Type())

	for batch := 0; batch < maxBatchesPerTick; batch++ {
		due, err := t.configs.Due(ctx, time.Now(), t.batchSize)
		if err != nil {
			return fmt.Errorf("failed to list due configs: %w", err)
		}
		if len(due) == 0 {
			return nil
		}

		log.WithFields(logrus.Fields{
			"batch": batch,
			"count": len(due),
		}).Info("Submitting due scraper configs")

		// All-settled join: every slot runs to success or failure before
		// the next batch is admitted.
		var wg sync.WaitGroup
		for _, config := range due {
			wg.Add(1)
			go func(c models.ScraperConfig) {
				defer wg.Done()
				if err := t.orch.RunScraper(ctx, c, nil); err != nil {
					log.WithError(err).WithField("scraper_config_id", c.ID).
						Error("Failed to run due config")
				}
			}(config)
		}
		wg.Wait()

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

// ReaperTask fails executions stuck past the staleness threshold.
type ReaperTask struct {
	states    *executions.StateMachine
	logger    *logrus.Logger
	staleness time.Duration
	ticker    *time.Ticker
	stopped   chan struct{}
	stopOnce  sync.Once
}

// NewReaperTask creates the stale-execution reaper cadence.
func NewReaperTask(states *executions.StateMachine, logger *logrus.Logger, interval, staleness time.Duration) *ReaperTask {
	if interval <= 0 {
		interval = DefaultReaperInterval
	}
	if staleness <= 0 {
		staleness = DefaultStalenessThreshold
	}
	return &ReaperTask{
		states:    states,
		logger:    logger,
		staleness: staleness,
		ticker:    time.NewTicker(interval),
		stopped:   make(chan struct{}),
	}
}

func (t *ReaperTask) Run(ctx context.Context) error {
	log := t.logger.WithField("task", t.Type())
	return runTicker(ctx, t.ticker, t.stopped, log, t.tick)
}

func (t *ReaperTask) Stop() {
	t.stopOnce.Do(func() {
		t.ticker.Stop()
		close(t.stopped)
	})
}

func (t *ReaperTask) Type() TaskType {
	return TaskReaper
}

func (t *ReaperTask) tick(ctx context.Context) error {
	reaped, err := t.states.ReapStale(ctx, t.staleness)
	if err != nil {
		return fmt.Errorf("reaper sweep failed: %w", err)
	}
	if reaped > 0 {
		t.logger.WithFields(logrus.Fields{
			"task":   t.Type(),
			"reaped": reaped,
		}).Warn("Reaped stuck executions")
	}
	return nil
}

// CounterResetTask zeroes per-account daily quota counters once their
// reset window has elapsed.
type CounterResetTask struct {
	affiliates storage.AffiliateConfigStore
	logger     *logrus.Logger
	ticker     *time.Ticker
	stopped    chan struct{}
	stopOnce   sync.Once
}

// NewCounterResetTask creates the hourly counter-reset cadence.
func NewCounterResetTask(affiliates storage.AffiliateConfigStore, logger *logrus.Logger, interval time.Duration) *CounterResetTask {
	if interval <= 0 {
		interval = DefaultCounterResetInterval
	}
	return &CounterResetTask{
		affiliates: affiliates,
		logger:     logger,
		ticker:     time.NewTicker(interval),
		stopped:    make(chan struct{}),
	}
}

func (t *CounterResetTask) Run(ctx context.Context) error {
	log := t.logger.WithField("task", t.Type())
	return runTicker(ctx, t.ticker, t.stopped, log, t.tick)
}

func (t *CounterResetTask) Stop() {
	t.stopOnce.Do(func() {
		t.ticker.Stop()
		close(t.stopped)
	})
}

func (t *CounterResetTask) Type() TaskType {
	return TaskCounterReset
}

func (t *CounterResetTask) tick(ctx context.Context) error {
	reset, err := t.affiliates.ResetDailyQuotas(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("failed to reset daily counters: %w", err)
	}
	if reset > 0 {
		t.logger.WithFields(logrus.Fields{
			"task":  t.Type(),
			"reset": reset,
		}).Info("Reset daily counters")
	}
	return nil
}
