package jobs

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackzampolin/narrate/internal/llm"
	"github.com/jackzampolin/narrate/internal/llm/llmtest"
	"github.com/jackzampolin/narrate/internal/pipeline"
	"github.com/jackzampolin/narrate/internal/task"
	"github.com/jackzampolin/narrate/internal/voices"
)

type countingPersister struct {
	calls atomic.Int32
	err   error
}

func (p *countingPersister) Persist(ctx context.Context, payload *task.Payload) (int, error) {
	p.calls.Add(1)
	if p.err != nil {
		return 0, p.err
	}
	return payload.CharacterCount, nil
}

type panickingPersister struct{}

func (panickingPersister) Persist(ctx context.Context, payload *task.Payload) (int, error) {
	panic("db driver exploded")
}

func scriptedModel() *llmtest.Model {
	return llmtest.New().
		Text(pipeline.PassCharacters, `{"characters": ["Jax"]}`).
		Text(pipeline.PassDialogs, `{"dialogs": [{"speaker": "Jax", "text": "Hello"}]}`).
		Text(pipeline.PassVoices, `{"characters": [{"character": "Jax", "voice": "male,adult,neutral,1.0,1.0"}]}`)
}

func newAnalysisTask(t *testing.T) *task.Task {
	t.Helper()
	steps, err := pipeline.DefaultRegistry(pipeline.DefaultConfig(), voices.NewMatcher(), nil)
	require.NoError(t, err)
	return &task.Task{
		BookID:    1,
		ChapterID: 2,
		Pages:     []string{`Jax said "Hello".`},
		Steps:     steps,
	}
}

func newTestExecutor(t *testing.T, model llm.Model, opts ...ExecutorOption) *Executor {
	t.Helper()
	e := NewExecutor(llm.NewHandle("test", llm.Static(model)), DefaultExecutorConfig(), opts...)
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return e
}

func TestEstimateCost(t *testing.T) {
	assert.Equal(t, 120*time.Second, EstimateCost(0))
	assert.Equal(t, 120*time.Second, EstimateCost(4))
	assert.Equal(t, 300*time.Second, EstimateCost(10))
}

func TestExecutor_Mode(t *testing.T) {
	e := NewExecutor(llm.NewHandle("test", llm.Static(llmtest.New())), ExecutorConfig{
		SecondsPerPage:       30 * time.Second,
		LongRunningThreshold: 60 * time.Second,
	})

	tests := []struct {
		name  string
		pages int
		opts  Options
		want  Mode
	}{
		{"one page is short", 1, Options{}, ModeShort},
		{"at threshold is short", 2, Options{}, ModeShort},
		{"over threshold is long", 3, Options{}, ModeLong},
		{"force long", 1, Options{ForceLongRunning: true}, ModeLong},
		{"force short", 10, Options{ForceShortRunning: true}, ModeShort},
		{"force short wins", 1, Options{ForceShortRunning: true, ForceLongRunning: true}, ModeShort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Mode(tt.pages, tt.opts))
		})
	}

	// The minimum estimate alone exceeds the threshold.
	d := NewExecutor(llm.NewHandle("test", llm.Static(llmtest.New())), DefaultExecutorConfig())
	assert.Equal(t, ModeLong, d.Mode(1, Options{}))
}

func TestExecutor_ShortRun(t *testing.T) {
	persister := &countingPersister{}
	e := newTestExecutor(t, scriptedModel(), WithPersister(persister))

	var percents []float64
	res := e.Execute(context.Background(), newAnalysisTask(t), Options{ForceShortRunning: true},
		func(stepIndex int, stepName string, percent float64) { percents = append(percents, percent) })

	require.True(t, res.Success, res.Error)
	assert.Equal(t, ModeShort, res.Mode)
	assert.Equal(t, 1, res.PersistedCount)
	assert.Equal(t, int32(1), persister.calls.Load())
	require.NotNil(t, res.Payload)
	assert.Equal(t, 1, res.Payload.DialogCount)
	assert.NotEmpty(t, percents)

	rec, ok := e.Status(res.RunID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.NotNil(t, rec.StartedAt)
	assert.NotNil(t, rec.CompletedAt)
}

func TestExecutor_LongRun(t *testing.T) {
	e := newTestExecutor(t, scriptedModel(), WithPersister(&countingPersister{}))

	var completed ExecutionResult
	res := e.Execute(context.Background(), newAnalysisTask(t), Options{
		OnComplete: func(r ExecutionResult) { completed = r },
	}, nil)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, ModeLong, res.Mode)
	assert.False(t, res.Detached)
	assert.Equal(t, res.RunID, completed.RunID)
	assert.True(t, completed.Success)
}

func TestExecutor_DetachedRunFinishes(t *testing.T) {
	model := scriptedModel()
	model.Block = make(chan struct{})
	persister := &countingPersister{}
	e := newTestExecutor(t, model, WithPersister(persister))

	done := make(chan ExecutionResult, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res := e.Execute(ctx, newAnalysisTask(t), Options{
		OnComplete: func(r ExecutionResult) { done <- r },
	}, nil)
	require.True(t, res.Detached)
	require.NotEmpty(t, res.RunID)

	rec, ok := e.Status(res.RunID)
	require.True(t, ok)
	assert.False(t, rec.Status.Terminal())

	close(model.Block)
	select {
	case final := <-done:
		assert.True(t, final.Success, final.Error)
		assert.Equal(t, 1, final.PersistedCount)
	case <-time.After(5 * time.Second):
		t.Fatal("detached run never completed")
	}

	rec, _ = e.Status(res.RunID)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, int32(1), persister.calls.Load())
}

func TestExecutor_Cancel(t *testing.T) {
	model := scriptedModel()
	model.Block = make(chan struct{})
	defer close(model.Block)
	persister := &countingPersister{}
	e := newTestExecutor(t, model, WithPersister(persister))

	done := make(chan ExecutionResult, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := e.Execute(ctx, newAnalysisTask(t), Options{
		OnComplete: func(r ExecutionResult) { done <- r },
	}, nil)
	require.True(t, res.Detached)

	require.True(t, e.Cancel(res.RunID))
	select {
	case final := <-done:
		assert.True(t, final.Cancelled)
		assert.False(t, final.Success)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled run never completed")
	}

	assert.False(t, e.Cancel(res.RunID), "finished runs cannot be cancelled")
	assert.False(t, e.Cancel("unknown"))
	assert.Zero(t, persister.calls.Load())

	rec, _ := e.Status(res.RunID)
	assert.Equal(t, StatusCancelled, rec.Status)
}

func TestExecutor_PersistFailure(t *testing.T) {
	e := newTestExecutor(t, scriptedModel(), WithPersister(&countingPersister{err: errors.New("disk full")}))

	res := e.Execute(context.Background(), newAnalysisTask(t), Options{ForceShortRunning: true}, nil)

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "disk full")
	require.NotNil(t, res.Payload)

	rec, _ := e.Status(res.RunID)
	assert.Equal(t, StatusFailed, rec.Status)
}

func TestExecutor_AutoPersistDisabled(t *testing.T) {
	persister := &countingPersister{}
	e := newTestExecutor(t, scriptedModel(), WithPersister(persister))

	res := e.Execute(context.Background(), newAnalysisTask(t), Options{
		ForceShortRunning: true,
		AutoPersist:       Bool(false),
	}, nil)

	require.True(t, res.Success, res.Error)
	assert.Zero(t, res.PersistedCount)
	assert.Zero(t, persister.calls.Load())
}

func TestExecutor_PersisterPanic(t *testing.T) {
	for _, mode := range []Mode{ModeShort, ModeLong} {
		t.Run(string(mode), func(t *testing.T) {
			e := newTestExecutor(t, scriptedModel(), WithPersister(panickingPersister{}))

			completed := make(chan ExecutionResult, 1)
			opts := Options{
				ForceShortRunning: mode == ModeShort,
				ForceLongRunning:  mode == ModeLong,
				OnComplete:        func(r ExecutionResult) { completed <- r },
			}
			results := make(chan ExecutionResult, 1)
			go func() { results <- e.Execute(context.Background(), newAnalysisTask(t), opts, nil) }()

			var res ExecutionResult
			select {
			case res = <-results:
			case <-time.After(5 * time.Second):
				t.Fatal("Execute did not return after the persister panicked")
			}
			assert.False(t, res.Success)
			assert.Equal(t, mode, res.Mode)
			assert.Contains(t, res.Error, "panic: db driver exploded")
			assert.Zero(t, res.PersistedCount)

			select {
			case r := <-completed:
				assert.Equal(t, res.RunID, r.RunID)
			case <-time.After(5 * time.Second):
				t.Fatal("OnComplete was not called")
			}

			rec, ok := e.Status(res.RunID)
			require.True(t, ok)
			assert.Equal(t, StatusFailed, rec.Status)
			assert.NotNil(t, rec.CompletedAt)
			assert.False(t, e.Cancel(res.RunID), "finished run should not be cancellable")
		})
	}
}

func TestExecutor_StepCompleted(t *testing.T) {
	e := newTestExecutor(t, scriptedModel())

	var mu sync.Mutex
	var steps []string
	var last map[string]*pipeline.CharacterData
	res := e.Execute(context.Background(), newAnalysisTask(t), Options{
		ForceLongRunning: true,
		OnStepCompleted: func(stepIndex int, stepName string, characters map[string]*pipeline.CharacterData) {
			mu.Lock()
			defer mu.Unlock()
			steps = append(steps, stepName)
			last = characters
		},
	}, nil)
	require.True(t, res.Success, res.Error)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{pipeline.PassCharacters, pipeline.PassDialogs, pipeline.PassVoices}, steps)
	assert.Len(t, last, 1)
}

func TestExecutor_SerializesModelAccess(t *testing.T) {
	var active, peak atomic.Int32
	model := llm.ModelFunc(func(ctx context.Context, req llm.Request) (string, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return `{}`, nil
	})
	e := newTestExecutor(t, model)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := e.Execute(context.Background(), newAnalysisTask(t), Options{ForceShortRunning: true}, nil)
			assert.True(t, res.Success, res.Error)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
	assert.Len(t, e.Runs(), 4)
}

func TestExecutor_ProgressReports(t *testing.T) {
	var mu sync.Mutex
	var reports []Progress
	e := NewExecutor(llm.NewHandle("test", llm.Static(scriptedModel())), DefaultExecutorConfig(),
		WithProgress(func(p Progress) {
			mu.Lock()
			reports = append(reports, p)
			mu.Unlock()
		}))
	e.Start(context.Background())

	res := e.Execute(context.Background(), newAnalysisTask(t), Options{ForceShortRunning: true}, nil)
	require.True(t, res.Success, res.Error)
	e.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, reports)
	for _, p := range reports {
		assert.Equal(t, res.RunID, p.RunID)
		assert.Equal(t, int64(1), p.BookID)
	}
}

func TestExecutor_ProgressSinkUsesExecutorLogger(t *testing.T) {
	var buf syncBuffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	e := NewExecutor(llm.NewHandle("test", llm.Static(scriptedModel())), DefaultExecutorConfig(),
		WithProgress(func(Progress) { panic("callback failed") }),
		WithLogger(logger))
	e.Start(context.Background())

	res := e.Execute(context.Background(), newAnalysisTask(t), Options{ForceShortRunning: true}, nil)
	require.True(t, res.Success, res.Error)
	e.Stop()

	out := buf.String()
	assert.Contains(t, out, "progress callback panicked")
	assert.Contains(t, out, "component=executor")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestExecutor_StoppedRejectsLongRuns(t *testing.T) {
	e := NewExecutor(llm.NewHandle("test", llm.Static(scriptedModel())), DefaultExecutorConfig())
	e.Start(context.Background())
	e.Stop()

	res := e.Execute(context.Background(), newAnalysisTask(t), Options{}, nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, ErrWorkerStopped.Error())
}

func TestProgressSink_DropsWhenFull(t *testing.T) {
	var delivered atomic.Int32
	sink := NewProgressSink(func(Progress) { delivered.Add(1) }, 1, nil)

	sink.Send(Progress{Percent: 10})
	sink.Send(Progress{Percent: 20})
	sink.Send(Progress{Percent: 30})
	assert.Equal(t, int64(2), sink.Dropped())

	sink.Start(context.Background())
	sink.Stop()
	assert.Equal(t, int32(1), delivered.Load())
	assert.Equal(t, int64(1), sink.Delivered())

	sink.Send(Progress{Percent: 40})
	assert.Equal(t, int64(3), sink.Dropped())
}

func TestProgressSink_RecoversCallbackPanic(t *testing.T) {
	sink := NewProgressSink(func(p Progress) {
		if p.Percent < 50 {
			panic("boom")
		}
	}, 4, nil)
	sink.Start(context.Background())
	sink.Send(Progress{Percent: 10})
	sink.Send(Progress{Percent: 90})
	sink.Stop()

	assert.Equal(t, int64(1), sink.Delivered())
}

type funcJob struct {
	fn func(ctx context.Context) error
}

func (j funcJob) Type() string                                          { return "func" }
func (j funcJob) Execute(ctx context.Context) error                     { return j.fn(ctx) }
func (j funcJob) Status(ctx context.Context) (map[string]string, error) { return nil, nil }

func TestWorker_QueueFullAndStopped(t *testing.T) {
	w := NewWorker(WorkerConfig{Name: "w", QueueSize: 1})
	noop := funcJob{fn: func(context.Context) error { return nil }}

	require.NoError(t, w.Submit(noop))
	assert.ErrorIs(t, w.Submit(noop), ErrWorkerQueueFull)
	assert.Equal(t, 1, w.QueueDepth())

	w.Stop()
	assert.ErrorIs(t, w.Submit(noop), ErrWorkerStopped)
}

func TestWorker_RunsJobsInOrder(t *testing.T) {
	w := NewWorker(WorkerConfig{Name: "w"})
	w.Start(context.Background())

	var mu sync.Mutex
	var order []int
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Submit(funcJob{fn: func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}}))
	}
	require.NoError(t, w.Submit(funcJob{fn: func(context.Context) error { panic("bad job") }}))
	w.Stop()

	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestWorker_DrainsWithCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(WorkerConfig{Name: "w"})

	var sawCancelled atomic.Bool
	require.NoError(t, w.Submit(funcJob{fn: func(ctx context.Context) error {
		sawCancelled.Store(ctx.Err() != nil)
		return nil
	}}))
	cancel()
	w.Start(ctx)
	w.Stop()

	assert.True(t, sawCancelled.Load())
}
