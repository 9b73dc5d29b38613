// Package task runs the analysis steps for one chapter, resuming from a
// checkpoint when a usable one exists.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackzampolin/narrate/internal/checkpoint"
	"github.com/jackzampolin/narrate/internal/llm"
	"github.com/jackzampolin/narrate/internal/pipeline"
)

var (
	// ErrFatal wraps an error or panic that escaped a step.
	ErrFatal = errors.New("analysis failed")

	// ErrCancelled is reported when the run was cancelled between pages or
	// steps.
	ErrCancelled = errors.New("analysis cancelled")
)

// ProgressFunc receives progress within a step as a percentage.
type ProgressFunc func(stepIndex int, stepName string, percent float64)

// StepCompletedFunc is called after every completed step with the current
// characters. The map must not be retained.
type StepCompletedFunc func(stepIndex int, stepName string, characters map[string]*pipeline.CharacterData)

// Task analyzes one chapter.
type Task struct {
	BookID    int64
	ChapterID int64
	Pages     []string
	// Language is a prompt hint; it is not part of the checkpoint.
	Language    string
	Checkpoints *checkpoint.Manager
	Steps       *pipeline.Registry
	Logger      *slog.Logger
}

// Payload is the result of a successful run.
type Payload struct {
	BookID         int64                     `json:"book_id"`
	ChapterID      int64                     `json:"chapter_id"`
	Characters     []*pipeline.CharacterData `json:"characters"`
	CharacterCount int                       `json:"character_count"`
	DialogCount    int                       `json:"dialog_count"`
	PagesProcessed int                       `json:"pages_processed"`
}

// JSON serializes the payload.
func (p *Payload) JSON() ([]byte, error) {
	return json.Marshal(p)
}

// Result reports how a run ended. Cancellation is not a failure.
type Result struct {
	Success     bool
	Cancelled   bool
	DurationMs  int64
	Payload     *Payload
	Error       string
	Err         error
	ResumedFrom pipeline.StepID
}

// Execute runs the remaining steps. It never panics and never returns model
// failures as errors; those are absorbed by the passes.
func (t *Task) Execute(ctx context.Context, model llm.Model, onProgress ProgressFunc, onStepCompleted StepCompletedFunc) Result {
	started := time.Now()
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("book_id", t.BookID, "chapter_id", t.ChapterID)

	r := &run{task: t, logger: logger}
	res := r.execute(ctx, model, onProgress, onStepCompleted)
	res.DurationMs = time.Since(started).Milliseconds()
	return res
}

type run struct {
	task   *Task
	logger *slog.Logger

	lastGood      *checkpoint.Checkpoint
	lastGoodSaved bool
}

func (r *run) execute(ctx context.Context, model llm.Model, onProgress ProgressFunc, onStepCompleted StepCompletedFunc) Result {
	t := r.task
	if t.Steps == nil {
		return r.failed(fmt.Errorf("%w: no steps configured", ErrFatal))
	}
	final, err := t.Steps.Last()
	if err != nil {
		return r.failed(fmt.Errorf("%w: %w", ErrFatal, err))
	}

	actx, start := r.resume(ctx, final.ID())
	actx.Language = t.Language

	steps, err := t.Steps.From(start)
	if err != nil {
		return r.failed(fmt.Errorf("%w: %w", ErrFatal, err))
	}

	for _, step := range steps {
		if ctx.Err() != nil {
			return r.cancelled(ctx.Err())
		}

		r.logger.Info("step started", "step", step.Name(), "pages", len(actx.Pages), "characters", len(actx.Characters))
		stepStarted := time.Now()
		if err := r.apply(ctx, step, model, actx, onProgress); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return r.cancelled(err)
			}
			return r.failed(err)
		}
		r.logger.Info("step completed",
			"step", step.Name(),
			"characters", len(actx.Characters),
			"dialog_lines", actx.TotalDialogLines,
			"duration", time.Since(stepStarted).Round(time.Millisecond))

		if step.ID() != final.ID() {
			r.lastGood = checkpoint.Snapshot(actx, step.ID())
			r.lastGoodSaved = false
			r.save(ctx)
		}
		if onStepCompleted != nil {
			onStepCompleted(int(step.ID()), step.Name(), actx.Characters)
		}
	}

	if t.Checkpoints != nil {
		if err := t.Checkpoints.Delete(context.WithoutCancel(ctx), t.BookID, t.ChapterID); err != nil {
			r.logger.Warn("failed to delete checkpoint", "error", err)
		}
	}
	return Result{Success: true, Payload: buildPayload(actx), ResumedFrom: start}
}

// resume restores the context from a checkpoint, or starts fresh. A
// checkpoint that already covers the final step is treated as a restart.
func (r *run) resume(ctx context.Context, final pipeline.StepID) (*pipeline.AnalysisContext, pipeline.StepID) {
	t := r.task
	fresh := func() (*pipeline.AnalysisContext, pipeline.StepID) {
		return pipeline.NewAnalysisContext(t.BookID, t.ChapterID, t.Pages), pipeline.StepCharacters
	}
	if t.Checkpoints == nil {
		return fresh()
	}

	cp, ok := t.Checkpoints.Load(ctx, t.BookID, t.ChapterID, pipeline.ContentHash(t.Pages))
	if !ok {
		return fresh()
	}
	if cp.LastCompletedStep >= final || cp.LastCompletedStep == pipeline.StepNone {
		r.logger.Info("checkpoint has nothing to resume, restarting", "step", cp.LastCompletedStep.String())
		return fresh()
	}

	r.lastGood = cp
	r.lastGoodSaved = true
	start := cp.LastCompletedStep + 1
	r.logger.Info("resuming from checkpoint", "completed", cp.LastCompletedStep.String(), "next", start.String())
	return cp.Restore(t.Pages), start
}

// apply runs one step, converting a panic into ErrFatal.
func (r *run) apply(ctx context.Context, step pipeline.Step, model llm.Model, actx *pipeline.AnalysisContext, onProgress ProgressFunc) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("step panicked", "step", step.Name(), "panic", p)
			err = fmt.Errorf("%w: step %s panicked: %v", ErrFatal, step.Name(), p)
		}
	}()

	index := int(step.ID())
	progress := func(done, total int) {
		if onProgress == nil {
			return
		}
		percent := 100.0
		if total > 0 {
			percent = float64(done) / float64(total) * 100
		}
		onProgress(index, step.Name(), percent)
	}

	if err := step.Apply(ctx, model, actx, progress); err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return err
		}
		return fmt.Errorf("%w: step %s: %w", ErrFatal, step.Name(), err)
	}
	return nil
}

// save writes the last good snapshot. A failed save is logged and retried
// when the run ends early.
func (r *run) save(ctx context.Context) {
	if r.task.Checkpoints == nil || r.lastGood == nil || r.lastGoodSaved {
		return
	}
	if err := r.task.Checkpoints.Save(context.WithoutCancel(ctx), r.lastGood); err != nil {
		r.logger.Warn("failed to save checkpoint", "step", r.lastGood.LastCompletedStep.String(), "error", err)
		return
	}
	r.lastGoodSaved = true
}

func (r *run) cancelled(cause error) Result {
	r.save(context.Background())
	r.logger.Info("analysis cancelled", "checkpoint_saved", r.lastGoodSaved)
	err := fmt.Errorf("%w: %w", ErrCancelled, cause)
	return Result{Cancelled: true, Error: err.Error(), Err: err}
}

func (r *run) failed(err error) Result {
	r.save(context.Background())
	r.logger.Error("analysis failed", "error", err, "checkpoint_saved", r.lastGoodSaved)
	return Result{Error: err.Error(), Err: err}
}

func buildPayload(actx *pipeline.AnalysisContext) *Payload {
	keys := actx.Keys()
	chars := make([]*pipeline.CharacterData, 0, len(keys))
	for _, k := range keys {
		chars = append(chars, actx.Characters[k])
	}
	return &Payload{
		BookID:         actx.BookID,
		ChapterID:      actx.ChapterID,
		Characters:     chars,
		CharacterCount: len(chars),
		DialogCount:    actx.TotalDialogLines,
		PagesProcessed: actx.PagesProcessed,
	}
}
