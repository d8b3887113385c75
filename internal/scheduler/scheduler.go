package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Refresher pulls remote state into the local cache.
type Refresher interface {
	RefreshData(ctx context.Context) error
}

// Scheduler runs periodic refreshes. A tick is skipped while the previous
// refresh is still running.
type Scheduler struct {
	cron      *cron.Cron
	refresher Refresher
	timeout   time.Duration
	logger    *zap.Logger

	running sync.Mutex
}

func New(refresher Refresher, timeout time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Scheduler{
		cron:      cron.New(),
		refresher: refresher,
		timeout:   timeout,
		logger:    logger,
	}
}

// Start registers the refresh job on schedule (standard cron or "@every 1m")
// and starts the cron loop.
func (s *Scheduler) Start(schedule string) error {
	if _, err := s.cron.AddFunc(schedule, s.refresh); err != nil {
		return fmt.Errorf("schedule refresh %q: %w", schedule, err)
	}
	s.logger.Info("starting scheduler", zap.String("schedule", schedule))
	s.cron.Start()
	return nil
}

// Stop stops the cron loop and waits for a running refresh to finish.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler")
	<-s.cron.Stop().Done()
}

func (s *Scheduler) refresh() {
	if !s.running.TryLock() {
		s.logger.Debug("refresh still running, skipping tick")
		return
	}
	defer s.running.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	started := time.Now()
	if err := s.refresher.RefreshData(ctx); err != nil {
		s.logger.Warn("scheduled refresh failed", zap.Error(err))
		return
	}
	s.logger.Info("scheduled refresh done", zap.Duration("took", time.Since(started)))
}
