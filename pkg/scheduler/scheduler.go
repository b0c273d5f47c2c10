// Package scheduler is the top-level periodic driver. Independent ticker
// tasks discover due configs, promote manually queued executions, reap
// stuck runs and reset daily counters. Cadences never block one another
// and a single task's failure never halts the loop.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// TaskType identifies one scheduler cadence.
type TaskType string

const (
	TaskPendingExecutions TaskType = "pending_executions"
	TaskDueConfigs        TaskType = "due_configs"
	TaskReaper            TaskType = "reaper"
	TaskCounterReset      TaskType = "counter_reset"
)

// Task is one independently ticking cadence.
type Task interface {
	// Run blocks until the context is canceled or Stop is called.
	Run(ctx context.Context) error
	// Stop cleanly stops the task.
	Stop()
	// Type returns the task's identifier.
	Type() TaskType
}

// Scheduler fans the registered tasks out as goroutines and joins them
// on shutdown.
type Scheduler struct {
	tasks   map[TaskType]Task
	tasksMu sync.RWMutex
	logger  *logrus.Logger
}

// New creates an empty Scheduler.
func New(logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scheduler{
		tasks:  make(map[TaskType]Task),
		logger: logger,
	}
}

// AddTask registers a task; duplicate types are rejected.
func (s *Scheduler) AddTask(task Task) error {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	if _, exists := s.tasks[task.Type()]; exists {
		return fmt.Errorf("task %s already exists", task.Type())
	}
	s.tasks[task.Type()] = task
	return nil
}

// Run starts all tasks and blocks until the context is canceled, a task
// fails, or every task finishes. On cancellation it stops all tasks and
// waits for in-flight work to drain.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Starting scheduler with all registered tasks")

	var wg sync.WaitGroup
	errChan := make(chan error, len(s.tasks))

	s.tasksMu.RLock()
	for taskType, task := range s.tasks {
		wg.Add(1)
		go func(t Task, tt TaskType) {
			defer wg.Done()
			s.logger.WithField("task", tt).Info("Starting task")

			if err := t.Run(ctx); err != nil && err != context.Canceled {
				s.logger.WithError(err).WithField("task", tt).Error("Task failed")
				errChan <- fmt.Errorf("task %s failed: %w", tt, err)
			}
		}(task, taskType)
	}
	s.tasksMu.RUnlock()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Context canceled, initiating shutdown")
		s.Stop()
		<-done
		return ctx.Err()
	case err := <-errChan:
		s.logger.WithError(err).Error("Task error occurred")
		s.Stop()
		<-done
		return err
	case <-done:
		s.logger.Info("All tasks completed normally")
		return nil
	}
}

// Stop stops all running tasks.
func (s *Scheduler) Stop() {
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()

	for taskType, task := range s.tasks {
		s.logger.WithField("task", taskType).Info("Stopping task")
		task.Stop()
	}
}
