// Package executions models the lifecycle of one scraper run:
// PENDING -> RUNNING -> SUCCESS | FAILED. Every transition is a single
// conditional UPDATE guarded on the source status, so concurrent writers
// (a finishing run and the stale-execution reaper) race safely: whoever
// lands the terminal transition first wins and the loser's write is a
// no-op.
package executions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/promohub/scraper-engine/pkg/db/models"
	"github.com/promohub/scraper-engine/pkg/storage"
)

// TimeoutMessage is the synthetic error recorded by the reaper.
const TimeoutMessage = "execution timed out: exceeded staleness threshold"

// StateMachine exposes execution transitions as atomic, idempotent
// operations against persisted state.
type StateMachine struct {
	store  storage.ExecutionStore
	logger *logrus.Logger
	now    func() time.Time
}

// NewStateMachine creates a StateMachine over the given store.
func NewStateMachine(store storage.ExecutionStore, logger *logrus.Logger) *StateMachine {
	if logger == nil {
		logger = logrus.New()
	}
	return &StateMachine{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// CreateRunning creates a new execution that starts RUNNING immediately,
// the initial state for cron-triggered autonomous runs.
func (m *StateMachine) CreateRunning(ctx context.Context, configID string) (*models.Execution, error) {
	exec := &models.Execution{
		ID:              uuid.New().String(),
		ScraperConfigID: configID,
		Status:          models.ExecutionRunning,
		StartedAt:       m.now(),
	}
	if err := m.store.Create(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// CreatePending creates a new execution in the PENDING state, the initial
// state for externally queued manual runs.
func (m *StateMachine) CreatePending(ctx context.Context, configID string) (*models.Execution, error) {
	exec := &models.Execution{
		ID:              uuid.New().String(),
		ScraperConfigID: configID,
		Status:          models.ExecutionPending,
		StartedAt:       m.now(),
	}
	if err := m.store.Create(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// Promote moves a PENDING execution to RUNNING, recording a fresh
// startedAt. It fails when the execution is missing or no longer PENDING.
func (m *StateMachine) Promote(ctx context.Context, executionID string) error {
	ok, err := m.store.UpdateWhereStatus(ctx, executionID,
		[]models.ExecutionStatus{models.ExecutionPending},
		map[string]interface{}{
			"status":     models.ExecutionRunning,
			"started_at": m.now(),
		})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("execution %s is not pending", executionID)
	}
	return nil
}

// MarkSuccess lands the SUCCESS terminal transition with the run counts.
// Returns false without error when the execution already reached a
// terminal state (the reaper beat us to it).
func (m *StateMachine) MarkSuccess(ctx context.Context, executionID string, productsFound, productsAdded int) (bool, error) {
	if productsAdded > productsFound {
		productsAdded = productsFound
	}
	ok, err := m.store.UpdateWhereStatus(ctx, executionID,
		[]models.ExecutionStatus{models.ExecutionRunning},
		map[string]interface{}{
			"status":         models.ExecutionSuccess,
			"finished_at":    m.now(),
			"products_found": productsFound,
			"products_added": productsAdded,
		})
	if err != nil {
		return false, err
	}
	if !ok {
		m.logger.WithField("execution_id", executionID).
			Warn("Success transition skipped, execution already terminal")
	}
	return ok, nil
}

// MarkFailed lands the FAILED terminal transition with a human-readable
// error message. Same no-op semantics as MarkSuccess on terminal rows.
func (m *StateMachine) MarkFailed(ctx context.Context, executionID, message string) (bool, error) {
	ok, err := m.store.UpdateWhereStatus(ctx, executionID,
		[]models.ExecutionStatus{models.ExecutionPending, models.ExecutionRunning},
		map[string]interface{}{
			"status":      models.ExecutionFailed,
			"finished_at": m.now(),
			"error":       message,
		})
	if err != nil {
		return false, err
	}
	if !ok {
		m.logger.WithField("execution_id", executionID).
			Warn("Failure transition skipped, execution already terminal")
	}
	return ok, nil
}

// ReapStale fails every non-terminal execution started before the
// staleness cutoff. Terminal rows are untouched, so a run that completed
// just before the sweep keeps its real outcome.
func (m *StateMachine) ReapStale(ctx context.Context, staleness time.Duration) (int, error) {
	cutoff := m.now().Add(-staleness)
	stale, err := m.store.Stale(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, exec := range stale {
		ok, err := m.MarkFailed(ctx, exec.ID, TimeoutMessage)
		if err != nil {
			m.logger.WithError(err).WithField("execution_id", exec.ID).
				Error("Failed to reap stale execution")
			continue
		}
		if ok {
			reaped++
			m.logger.WithFields(logrus.Fields{
				"execution_id":      exec.ID,
				"scraper_config_id": exec.ScraperConfigID,
				"started_at":        exec.StartedAt,
			}).Warn("Reaped stale execution")
		}
	}
	return reaped, nil
}
