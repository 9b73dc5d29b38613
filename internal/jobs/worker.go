package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrWorkerQueueFull is returned by Submit when the queue is full.
	ErrWorkerQueueFull = errors.New("worker queue full")

	// ErrWorkerStopped is returned by Submit after the worker has stopped.
	ErrWorkerStopped = errors.New("worker stopped")
)

// Worker runs jobs one at a time from its own queue on a single goroutine.
// One worker serves one model handle.
type Worker struct {
	name   string
	logger *slog.Logger

	mu      sync.RWMutex
	queue   chan Job
	stopped bool
	running bool

	done chan struct{}
}

// WorkerConfig configures a new worker.
type WorkerConfig struct {
	Name   string
	Logger *slog.Logger

	// Queue size for this worker (default 16)
	QueueSize int
}

// NewWorker creates a worker. Call Start to begin processing.
func NewWorker(cfg WorkerConfig) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 16
	}
	return &Worker{
		name:   cfg.Name,
		logger: logger.With("worker", cfg.Name),
		queue:  make(chan Job, queueSize),
		done:   make(chan struct{}),
	}
}

// Name returns the worker name.
func (w *Worker) Name() string {
	return w.name
}

// Start runs the worker's processing loop in a goroutine until ctx is
// cancelled or Stop is called. Queued jobs still run after Stop so their
// callers are answered.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running || w.stopped {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	go func() {
		defer close(w.done)
		w.logger.Debug("worker started")
		for {
			select {
			case <-ctx.Done():
				w.logger.Debug("worker stopping")
				w.drain(ctx)
				return
			case job, ok := <-w.queue:
				if !ok {
					w.logger.Debug("worker queue closed")
					return
				}
				w.process(ctx, job)
			}
		}
	}()
}

// drain runs the jobs still queued with an already cancelled context so
// they finish promptly.
func (w *Worker) drain(ctx context.Context) {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.queue)
	}
	w.mu.Unlock()
	for job := range w.queue {
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job panicked", "type", job.Type(), "panic", r)
		}
	}()
	if err := job.Execute(ctx); err != nil {
		w.logger.Debug("job finished with error", "type", job.Type(), "error", err)
	}
}

// Submit adds a job to this worker's queue.
// Returns an error if the queue is full or the worker has stopped.
func (w *Worker) Submit(job Job) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return fmt.Errorf("%w: %s", ErrWorkerStopped, w.name)
	}
	select {
	case w.queue <- job:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrWorkerQueueFull, w.name)
	}
}

// QueueDepth returns the number of jobs waiting in the queue.
func (w *Worker) QueueDepth() int {
	return len(w.queue)
}

// Stop closes the queue and waits for queued jobs to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.queue)
	}
	running := w.running
	w.mu.Unlock()
	if running {
		<-w.done
	}
}
