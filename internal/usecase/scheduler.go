package usecase

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"PenaltyScanner/internal/logging"
	"PenaltyScanner/internal/ports"
)

// Scheduler wires the ticker driver with the incremental pipeline.
type Scheduler struct {
	driver   ports.Scheduler
	pipeline *Pipeline
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewScheduler returns a helper to start/stop recurring runs.
func NewScheduler(driver ports.Scheduler, pipeline *Pipeline, logger *slog.Logger) *Scheduler {
	return &Scheduler{driver: driver, pipeline: pipeline, logger: logging.OrDiscard(logger)}
}

// Start registers the pipeline with the driver. A tick that arrives while a run is still going
// is skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.pipeline == nil {
		return nil
	}

	job := func(trigger time.Time) {
		if !s.begin() {
			s.logger.Warn("previous run still in progress, tick skipped", "trigger", trigger)
			return
		}
		defer s.end()
		if _, err := s.pipeline.RunIncremental(ctx, nil); err != nil {
			s.logger.Warn("scheduled run aborted", "trigger", trigger, "error", err)
		}
	}

	return s.driver.Start(ctx, job)
}

// Stop gracefully tears down the underlying scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	return s.driver.Stop(ctx)
}

func (s *Scheduler) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Scheduler) end() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}
