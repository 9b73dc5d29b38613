package jobs

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Progress is one progress report for a run.
type Progress struct {
	RunID     string  `json:"run_id"`
	BookID    int64   `json:"book_id"`
	ChapterID int64   `json:"chapter_id"`
	StepIndex int     `json:"step_index"`
	StepName  string  `json:"step_name"`
	Percent   float64 `json:"percent"`
}

// ProgressSink delivers progress reports to a callback on its own goroutine.
// Send never blocks: reports are dropped when the buffer is full.
type ProgressSink struct {
	fn     func(Progress)
	logger *slog.Logger

	mu     sync.RWMutex
	queue  chan Progress
	closed bool

	dropped   atomic.Int64
	delivered atomic.Int64

	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewProgressSink creates a sink delivering to fn. buffer defaults to 64.
func NewProgressSink(fn func(Progress), buffer int, logger *slog.Logger) *ProgressSink {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressSink{
		fn:     fn,
		logger: logger,
		queue:  make(chan Progress, buffer),
	}
}

// Start begins delivery. Delivery ends when ctx is cancelled or Stop is
// called.
func (s *ProgressSink) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run(ctx)
	})
}

func (s *ProgressSink) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-s.queue:
			if !ok {
				return
			}
			s.deliver(p)
		}
	}
}

func (s *ProgressSink) deliver(p Progress) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("progress callback panicked", "run_id", p.RunID, "panic", r)
		}
	}()
	if s.fn != nil {
		s.fn(p)
	}
	s.delivered.Add(1)
}

// Send queues a report (fire-and-forget).
func (s *ProgressSink) Send(p Progress) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.queue <- p:
	default:
		s.dropped.Add(1)
	}
}

// Stop stops accepting reports and waits for queued ones to be delivered.
func (s *ProgressSink) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
		s.wg.Wait()
	})
}

// Dropped returns how many reports were discarded.
func (s *ProgressSink) Dropped() int64 {
	return s.dropped.Load()
}

// Delivered returns how many reports reached the callback.
func (s *ProgressSink) Delivered() int64 {
	return s.delivered.Load()
}
