package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/narrate/internal/llm"
	"github.com/jackzampolin/narrate/internal/task"
)

// AnalysisJobType identifies analysis runs on the worker.
const AnalysisJobType = "analysis"

// Persister stores a successful payload and returns how many records it
// wrote. It must be idempotent: the same payload may be delivered twice.
type Persister interface {
	Persist(ctx context.Context, payload *task.Payload) (int, error)
}

// ExecutorConfig holds the cost model and queue sizes.
type ExecutorConfig struct {
	SecondsPerPage       time.Duration `mapstructure:"seconds_per_page" yaml:"seconds_per_page" json:"seconds_per_page"`
	MinEstimate          time.Duration `mapstructure:"min_estimate" yaml:"min_estimate" json:"min_estimate"`
	LongRunningThreshold time.Duration `mapstructure:"long_running_threshold" yaml:"long_running_threshold" json:"long_running_threshold"`
	QueueSize            int           `mapstructure:"queue_size" yaml:"queue_size" json:"queue_size"`
	ProgressBuffer       int           `mapstructure:"progress_buffer" yaml:"progress_buffer" json:"progress_buffer"`
}

// DefaultExecutorConfig returns the standard cost model. With these values
// every task that is not forced short runs on the worker.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		SecondsPerPage:       30 * time.Second,
		MinEstimate:          120 * time.Second,
		LongRunningThreshold: 60 * time.Second,
		QueueSize:            16,
		ProgressBuffer:       64,
	}
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	d := DefaultExecutorConfig()
	if c.SecondsPerPage <= 0 {
		c.SecondsPerPage = d.SecondsPerPage
	}
	if c.MinEstimate < 0 {
		c.MinEstimate = 0
	}
	if c.LongRunningThreshold <= 0 {
		c.LongRunningThreshold = d.LongRunningThreshold
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.ProgressBuffer <= 0 {
		c.ProgressBuffer = d.ProgressBuffer
	}
	return c
}

// EstimateCost estimates run time with the default cost model.
func EstimateCost(pages int) time.Duration {
	return DefaultExecutorConfig().EstimateCost(pages)
}

// EstimateCost returns max(pages*SecondsPerPage, MinEstimate).
func (c ExecutorConfig) EstimateCost(pages int) time.Duration {
	return max(time.Duration(pages)*c.SecondsPerPage, c.MinEstimate)
}

// Options control a single Execute call.
type Options struct {
	ForceLongRunning  bool
	ForceShortRunning bool
	// AutoPersist defaults to true when nil.
	AutoPersist *bool
	// OnComplete is called once the run finishes, including runs the
	// caller detached from.
	OnComplete func(ExecutionResult)
	// OnStepCompleted receives the characters after every completed step.
	OnStepCompleted task.StepCompletedFunc
}

func (o Options) autoPersist() bool {
	return o.AutoPersist == nil || *o.AutoPersist
}

// Bool returns a pointer to b, for Options.AutoPersist.
func Bool(b bool) *bool {
	return &b
}

// ExecutionResult reports how a run ended.
type ExecutionResult struct {
	RunID          string
	Mode           Mode
	Success        bool
	Cancelled      bool
	Detached       bool
	PersistedCount int
	Error          string
	Duration       time.Duration
	Payload        *task.Payload
}

// Executor runs analysis tasks against one model handle. Long runs go to a
// single background worker and survive the caller's context; short runs
// execute inline.
type Executor struct {
	handle    *llm.Handle
	cfg       ExecutorConfig
	persister Persister
	onReport  func(Progress)
	sink      *ProgressSink
	logger    *slog.Logger
	worker    *Worker

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once

	mu      sync.Mutex
	runs    map[string]*Record
	cancels map[string]context.CancelFunc
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithPersister sets where successful payloads are stored.
func WithPersister(p Persister) ExecutorOption {
	return func(e *Executor) { e.persister = p }
}

// WithProgress delivers progress reports to fn through a ProgressSink.
func WithProgress(fn func(Progress)) ExecutorOption {
	return func(e *Executor) { e.onReport = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// NewExecutor creates an executor over handle.
func NewExecutor(handle *llm.Handle, cfg ExecutorConfig, opts ...ExecutorOption) *Executor {
	e := &Executor{
		handle:  handle,
		cfg:     cfg.withDefaults(),
		logger:  slog.Default(),
		runs:    make(map[string]*Record),
		cancels: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "executor", "handle", handle.Name())
	if e.onReport != nil {
		e.sink = NewProgressSink(e.onReport, e.cfg.ProgressBuffer, e.logger)
	}
	e.worker = NewWorker(WorkerConfig{
		Name:      handle.Name(),
		Logger:    e.logger,
		QueueSize: e.cfg.QueueSize,
	})
	return e
}

// Start starts the worker and progress delivery. Execute starts the
// executor on first use if Start was not called.
func (e *Executor) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
		e.worker.Start(e.ctx)
		if e.sink != nil {
			e.sink.Start(e.ctx)
		}
	})
}

// Stop cancels every run, waits for the worker to drain and flushes
// progress.
func (e *Executor) Stop() {
	e.Start(context.Background())
	e.stopOnce.Do(func() {
		e.mu.Lock()
		for _, cancel := range e.cancels {
			cancel()
		}
		e.mu.Unlock()

		e.worker.Stop()
		if e.sink != nil {
			e.sink.Stop()
		}
		e.cancel()
	})
}

// Mode decides where a task with pages pages runs. ForceShortRunning wins
// when both overrides are set.
func (e *Executor) Mode(pages int, opts Options) Mode {
	switch {
	case opts.ForceShortRunning:
		return ModeShort
	case opts.ForceLongRunning:
		return ModeLong
	case e.cfg.EstimateCost(pages) > e.cfg.LongRunningThreshold:
		return ModeLong
	default:
		return ModeShort
	}
}

// Execute runs t and reports the outcome. A long run returns Detached when
// ctx ends first; the run continues and finishes through OnComplete and
// Status. Failed runs are never retried.
func (e *Executor) Execute(ctx context.Context, t *task.Task, opts Options, onProgress task.ProgressFunc) ExecutionResult {
	e.Start(context.Background())

	runID := uuid.NewString()
	mode := e.Mode(len(t.Pages), opts)
	rec := NewRecord(runID, t.BookID, t.ChapterID, mode)
	e.mu.Lock()
	e.runs[runID] = rec
	e.mu.Unlock()

	logger := e.logger.With("run_id", runID, "book_id", t.BookID, "chapter_id", t.ChapterID, "mode", mode)
	logger.Info("run submitted", "pages", len(t.Pages), "estimate", e.cfg.EstimateCost(len(t.Pages)))

	r := &analysisRun{
		exec:       e,
		task:       t,
		opts:       opts,
		record:     rec,
		logger:     logger,
		onProgress: onProgress,
	}

	if mode == ModeShort {
		res := r.run(ctx)
		e.finish(r, res)
		return res
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Lock()
	e.cancels[runID] = cancel
	e.mu.Unlock()

	r.ctx = runCtx
	r.cancel = cancel
	r.done = make(chan ExecutionResult, 1)
	if err := e.worker.Submit(r); err != nil {
		cancel()
		res := ExecutionResult{RunID: runID, Mode: mode, Error: err.Error()}
		e.finish(r, res)
		return res
	}

	select {
	case res := <-r.done:
		return res
	case <-ctx.Done():
		logger.Info("caller detached, run continues in background")
		return ExecutionResult{RunID: runID, Mode: mode, Detached: true}
	}
}

// Cancel stops a long run. It reports whether the run was found and still
// active.
func (e *Executor) Cancel(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cancel, ok := e.cancels[runID]
	if !ok {
		return false
	}
	cancel()
	return true
}

// Status returns a copy of the run's record.
func (e *Executor) Status(runID string) (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.runs[runID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Runs returns copies of every record, oldest first.
func (e *Executor) Runs() []Record {
	e.mu.Lock()
	out := make([]Record, 0, len(e.runs))
	for _, rec := range e.runs {
		out = append(out, *rec)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (e *Executor) update(rec *Record, fn func(*Record)) {
	e.mu.Lock()
	fn(rec)
	e.mu.Unlock()
}

func (e *Executor) finish(r *analysisRun, res ExecutionResult) {
	now := time.Now().UTC()
	e.mu.Lock()
	rec := r.record
	rec.CompletedAt = &now
	rec.Error = res.Error
	switch {
	case res.Success:
		rec.Status = StatusCompleted
	case res.Cancelled:
		rec.Status = StatusCancelled
	default:
		rec.Status = StatusFailed
	}
	delete(e.cancels, rec.RunID)
	e.mu.Unlock()

	r.logger.Info("run finished",
		"status", rec.Status,
		"persisted", res.PersistedCount,
		"duration", res.Duration.Round(time.Millisecond),
		"error", res.Error)

	if r.opts.OnComplete != nil {
		r.opts.OnComplete(res)
	}
}

// analysisRun adapts a task to the worker's Job interface.
type analysisRun struct {
	exec       *Executor
	task       *task.Task
	opts       Options
	record     *Record
	logger     *slog.Logger
	onProgress task.ProgressFunc

	ctx    context.Context
	cancel context.CancelFunc
	done   chan ExecutionResult
}

func (r *analysisRun) Type() string { return AnalysisJobType }

// Execute runs on the worker. The worker's context only stops the run when
// the worker itself shuts down.
func (r *analysisRun) Execute(workerCtx context.Context) error {
	stop := context.AfterFunc(workerCtx, r.cancel)
	defer stop()
	defer r.cancel()

	res := ExecutionResult{RunID: r.record.RunID, Mode: r.record.Mode, Error: "run aborted"}
	defer func() { r.done <- res }()

	res = r.run(r.ctx)
	r.exec.finish(r, res)
	if !res.Success && !res.Cancelled {
		return errors.New(res.Error)
	}
	return nil
}

func (r *analysisRun) Status(ctx context.Context) (map[string]string, error) {
	rec, ok := r.exec.Status(r.record.RunID)
	if !ok {
		return nil, nil
	}
	return map[string]string{
		"status":  string(rec.Status),
		"step":    rec.StepName,
		"percent": fmt.Sprintf("%.0f", rec.Percent),
	}, nil
}

// run never panics; a panic anywhere in the run becomes a failed result.
func (r *analysisRun) run(ctx context.Context) (res ExecutionResult) {
	e := r.exec
	started := time.Now()
	res = ExecutionResult{RunID: r.record.RunID, Mode: r.record.Mode}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("run panicked", "panic", p, "stack", string(debug.Stack()))
			res.Success = false
			res.PersistedCount = 0
			res.Error = fmt.Sprintf("panic: %v", p)
			res.Duration = time.Since(started)
		}
	}()
	ctx = llm.WithLabels(ctx, llm.Labels{
		BookID:    r.task.BookID,
		ChapterID: r.task.ChapterID,
		RunID:     r.record.RunID,
	})

	model, err := e.handle.Acquire(ctx)
	if err != nil {
		res.Duration = time.Since(started)
		if ctx.Err() != nil {
			res.Cancelled = true
		}
		res.Error = fmt.Sprintf("acquire model: %v", err)
		return res
	}
	defer e.handle.Release()

	startedAt := time.Now().UTC()
	e.update(r.record, func(rec *Record) {
		rec.Status = StatusRunning
		rec.StartedAt = &startedAt
	})

	out := r.task.Execute(ctx, model, r.progress, r.opts.OnStepCompleted)
	res.Payload = out.Payload
	res.Cancelled = out.Cancelled
	res.Error = out.Error
	if !out.Success {
		res.Duration = time.Since(started)
		return res
	}

	if r.opts.autoPersist() && e.persister != nil {
		n, err := e.persister.Persist(ctx, out.Payload)
		if err != nil {
			res.Error = fmt.Sprintf("persist results: %v", err)
			res.Duration = time.Since(started)
			return res
		}
		res.PersistedCount = n
	}
	res.Success = true
	res.Duration = time.Since(started)
	return res
}

func (r *analysisRun) progress(stepIndex int, stepName string, percent float64) {
	e := r.exec
	e.update(r.record, func(rec *Record) {
		rec.StepName = stepName
		rec.Percent = percent
	})
	if e.sink != nil {
		e.sink.Send(Progress{
			RunID:     r.record.RunID,
			BookID:    r.task.BookID,
			ChapterID: r.task.ChapterID,
			StepIndex: stepIndex,
			StepName:  stepName,
			Percent:   percent,
		})
	}
	if r.onProgress != nil {
		r.onProgress(stepIndex, stepName, percent)
	}
}
