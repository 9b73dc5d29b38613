package checkpoint

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the sweep once an hour.
const DefaultSweepSchedule = "@hourly"

// Sweeper runs Manager.Sweep on a cron schedule.
type Sweeper struct {
	manager  *Manager
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger
	cancel   context.CancelFunc
}

// NewSweeper creates a sweeper. An empty schedule uses DefaultSweepSchedule.
func NewSweeper(m *Manager, schedule string, logger *slog.Logger) *Sweeper {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		manager:  m,
		schedule: schedule,
		cron:     cron.New(),
		logger:   logger.With("component", "checkpoint-sweeper"),
	}
}

// Start registers the sweep and starts the scheduler.
func (s *Sweeper) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	_, err := s.cron.AddFunc(s.schedule, func() {
		n, err := s.manager.Sweep(ctx)
		if err != nil {
			s.logger.Warn("checkpoint sweep failed", "error", err)
			return
		}
		s.logger.Debug("checkpoint sweep finished", "removed", n)
	})
	if err != nil {
		s.cancel()
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.logger.Debug("checkpoint sweeper started", "schedule", s.schedule)
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
}
