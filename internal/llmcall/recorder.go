package llmcall

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// RecorderConfig configures the recorder.
type RecorderConfig struct {
	Writer        Writer
	BatchSize     int           // Flush after N calls (default: 50)
	FlushInterval time.Duration // Or after duration (default: 2s)
	QueueSize     int           // Buffer size (default: 256)
	Logger        *slog.Logger
}

// Recorder handles fire-and-forget LLM call recording. Calls are queued and
// written in batches; a full queue drops the call.
type Recorder struct {
	writer Writer
	logger *slog.Logger

	batchSize     int
	flushInterval time.Duration

	queue   chan *Call
	flushCh chan chan struct{}
	dropped atomic.Int64
	written atomic.Int64

	// Lifecycle
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.RWMutex
	stopped  bool
	stopOnce sync.Once
}

// NewRecorder creates a new LLM call recorder.
func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Recorder{
		writer:        cfg.Writer,
		logger:        cfg.Logger.With("component", "llmcall_recorder"),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		queue:         make(chan *Call, cfg.QueueSize),
		flushCh:       make(chan chan struct{}),
	}
}

// Start begins processing queued calls.
func (r *Recorder) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	r.wg.Add(1)
	go r.run()
}

// Stop flushes queued calls and shuts the recorder down.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		close(r.queue)
		r.mu.Unlock()

		r.wg.Wait()
		if r.cancel != nil {
			r.cancel()
		}
		r.logger.Debug("recorder stopped",
			"written", r.written.Load(),
			"dropped", r.dropped.Load())
	})
}

// RecordCall queues a call (fire-and-forget).
func (r *Recorder) RecordCall(call *Call) {
	if r == nil || r.writer == nil || call == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		r.dropped.Add(1)
		return
	}

	select {
	case r.queue <- call:
	default:
		r.dropped.Add(1)
		r.logger.Warn("recorder queue full, dropping call", "prompt_key", call.PromptKey)
	}
}

// Flush writes everything queued so far and waits for the write to finish.
func (r *Recorder) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case r.flushCh <- done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns the number of calls that were not recorded.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Written returns the number of calls persisted.
func (r *Recorder) Written() int64 {
	return r.written.Load()
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]*Call, 0, r.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.writer.InsertCalls(r.ctx, batch); err != nil {
			r.dropped.Add(int64(len(batch)))
			r.logger.Error("failed to write llm calls", "count", len(batch), "error", err)
		} else {
			r.written.Add(int64(len(batch)))
		}
		batch = make([]*Call, 0, r.batchSize)
	}

	for {
		select {
		case call, ok := <-r.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, call)
			if len(batch) >= r.batchSize {
				flush()
			}

		case done := <-r.flushCh:
			// Drain what is already queued so Flush sees it persisted.
			for drained := false; !drained; {
				select {
				case call, ok := <-r.queue:
					if !ok {
						drained = true
						break
					}
					batch = append(batch, call)
				default:
					drained = true
				}
			}
			flush()
			close(done)

		case <-ticker.C:
			flush()
		}
	}
}
