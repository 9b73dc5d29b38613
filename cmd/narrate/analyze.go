package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/narrate/internal/checkpoint"
	"github.com/jackzampolin/narrate/internal/config"
	"github.com/jackzampolin/narrate/internal/ingest"
	"github.com/jackzampolin/narrate/internal/jobs"
	"github.com/jackzampolin/narrate/internal/llm"
	"github.com/jackzampolin/narrate/internal/pipeline"
	"github.com/jackzampolin/narrate/internal/prompts"
	"github.com/jackzampolin/narrate/internal/task"
	"github.com/jackzampolin/narrate/internal/voices"
)

var analyzeFlags struct {
	bookID    int64
	chapterID int64
	chapters  bool
	pageChars int
	provider  string
	short     bool
	long      bool
	noPersist bool
	parallel  int
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze FILE...",
	Short: "Analyze a book's characters, dialog and voices",
	Long: `Analyze splits the given text files into pages and runs every chapter
through character extraction, dialog attribution and voice assignment.

Files are read in numeric-suffix order (book-1.txt, book-2.txt, ...). Form
feeds start a new page. With --chapters the text is split on "Chapter N"
headings and each chapter is analyzed separately.

Interrupting with Ctrl-C cancels cleanly; checkpoints are kept and the next
run resumes from the last completed step.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAnalyze,
}

func init() {
	f := analyzeCmd.Flags()
	f.Int64Var(&analyzeFlags.bookID, "book-id", 0, "book identifier (required)")
	f.Int64Var(&analyzeFlags.chapterID, "chapter-id", 1, "chapter identifier when not splitting chapters")
	f.BoolVar(&analyzeFlags.chapters, "chapters", false, "split the text on chapter headings")
	f.IntVar(&analyzeFlags.pageChars, "page-chars", ingest.DefaultPageChars, "maximum characters per page")
	f.StringVar(&analyzeFlags.provider, "provider", "", "LLM provider name (default: defaults.llm_provider)")
	f.BoolVar(&analyzeFlags.short, "short", false, "run inline on this process's context")
	f.BoolVar(&analyzeFlags.long, "long", false, "run on the background worker")
	f.BoolVar(&analyzeFlags.noPersist, "no-persist", false, "do not write results to the database")
	f.IntVar(&analyzeFlags.parallel, "parallel", 2, "chapters prepared concurrently")
	_ = analyzeCmd.MarkFlagRequired("book-id")
}

// chapterReport is one analyzed chapter in command output.
type chapterReport struct {
	ChapterID  int64         `json:"chapter_id" yaml:"chapter_id"`
	Title      string        `json:"title,omitempty" yaml:"title,omitempty"`
	Pages      int           `json:"pages" yaml:"pages"`
	RunID      string        `json:"run_id" yaml:"run_id"`
	Mode       jobs.Mode     `json:"mode" yaml:"mode"`
	Status     string        `json:"status" yaml:"status"`
	Characters int           `json:"characters" yaml:"characters"`
	Dialogs    int           `json:"dialogs" yaml:"dialogs"`
	Persisted  int           `json:"persisted" yaml:"persisted"`
	Duration   time.Duration `json:"duration" yaml:"duration"`
	Error      string        `json:"error,omitempty" yaml:"error,omitempty"`
	Payload    *task.Payload `json:"payload,omitempty" yaml:"payload,omitempty"`
}

type analyzeReport struct {
	BookID   int64           `json:"book_id" yaml:"book_id"`
	Title    string          `json:"title" yaml:"title"`
	Language string          `json:"language,omitempty" yaml:"language,omitempty"`
	Chapters []chapterReport `json:"chapters" yaml:"chapters"`
}

func (r analyzeReport) Headers() []string {
	return []string{"CHAPTER", "PAGES", "MODE", "STATUS", "CHARACTERS", "DIALOGS", "PERSISTED", "DURATION"}
}

func (r analyzeReport) Rows() [][]string {
	rows := make([][]string, 0, len(r.Chapters))
	for _, c := range r.Chapters {
		status := c.Status
		if c.Error != "" {
			status += ": " + c.Error
		}
		rows = append(rows, []string{
			strconv.FormatInt(c.ChapterID, 10),
			strconv.Itoa(c.Pages),
			string(c.Mode),
			status,
			strconv.Itoa(c.Characters),
			strconv.Itoa(c.Dialogs),
			strconv.Itoa(c.Persisted),
			c.Duration.Round(time.Millisecond).String(),
		})
	}
	return rows
}

func (r analyzeReport) RightAligned() []int { return []int{0, 1, 4, 5, 6, 7} }

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, err := services(ctx)
	if err != nil {
		return err
	}
	if analyzeFlags.short && analyzeFlags.long {
		svc.Logger.Warn("both --short and --long given, running short")
	}
	cfg := svc.Config.Get()
	logger := svc.Logger

	book, err := ingest.Ingest(ctx, ingest.Request{
		Paths:     args,
		PageChars: analyzeFlags.pageChars,
		Chapters:  analyzeFlags.chapters,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if !analyzeFlags.chapters && len(book.Chapters) == 1 {
		book.Chapters[0].Number = int(analyzeFlags.chapterID)
	}

	providerName := analyzeFlags.provider
	if providerName == "" {
		providerName = cfg.Defaults.LLMProvider
	}
	if _, err := svc.Registry.GetLLM(providerName); err != nil {
		return fmt.Errorf("provider %q is not available (check its api_key and enabled flag): %w", providerName, err)
	}
	// The live client picks up provider changes from config reloads.
	model := llm.NewProviderModel(svc.Registry.Live(providerName), llm.WithRecorder(svc.Recorder))
	handle := llm.NewHandle(providerName, llm.Static(model),
		llm.WithUnloadWhenIdle(cfg.Executor.UnloadWhenIdle),
		llm.WithHandleLogger(logger))
	defer handle.Close()

	resolver := pipeline.NewResolver(prompts.NewStore(svc.Home.PromptsPath(), logger), logger)
	if err := resolver.Validate(ctx); err != nil {
		return fmt.Errorf("invalid prompt override: %w", err)
	}
	steps, err := pipeline.DefaultRegistry(cfg.Pipeline, voices.NewMatcher(voices.WithLogger(logger)), logger,
		pipeline.WithResolver(resolver))
	if err != nil {
		return err
	}

	execOpts := []jobs.ExecutorOption{
		jobs.WithLogger(logger),
		jobs.WithProgress(func(p jobs.Progress) {
			logger.Info("progress",
				"chapter_id", p.ChapterID,
				"step", p.StepName,
				"percent", fmt.Sprintf("%.0f", p.Percent))
		}),
	}
	if !analyzeFlags.noPersist {
		execOpts = append(execOpts, jobs.WithPersister(svc.Store))
	}
	executor := jobs.NewExecutor(handle, cfg.Executor.ExecutorConfig, execOpts...)
	executor.Start(ctx)
	defer executor.Stop()

	sweeper := checkpoint.NewSweeper(svc.Checkpoints, cfg.Checkpoint.SweepSchedule, logger)
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	svc.Config.OnChange(func(c *config.Config) {
		svc.Registry.Reload(c.ToProviderRegistryConfig())
	})
	svc.Config.WatchConfig()

	report := analyzeReport{
		BookID:   analyzeFlags.bookID,
		Title:    book.Title,
		Language: book.Language,
		Chapters: make([]chapterReport, len(book.Chapters)),
	}
	opts := jobs.Options{
		ForceShortRunning: analyzeFlags.short,
		ForceLongRunning:  analyzeFlags.long,
		AutoPersist:       jobs.Bool(!analyzeFlags.noPersist),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(analyzeFlags.parallel, 1))
	for i, ch := range book.Chapters {
		g.Go(func() error {
			t := &task.Task{
				BookID:      analyzeFlags.bookID,
				ChapterID:   int64(ch.Number),
				Pages:       ch.Pages,
				Language:    book.Language,
				Checkpoints: svc.Checkpoints,
				Steps:       steps,
				Logger:      logger,
			}
			res := executor.Execute(gctx, t, opts, nil)
			report.Chapters[i] = newChapterReport(ch, t, res)
			return nil
		})
	}
	_ = g.Wait()

	// Detached runs are cancelled here; their checkpoints stay on disk.
	executor.Stop()
	if err := svc.Recorder.Flush(context.WithoutCancel(ctx)); err != nil {
		logger.Debug("failed to flush call log", "error", err)
	}

	if err := write(cmd, report); err != nil {
		return err
	}
	return reportError(ctx, report)
}

func newChapterReport(ch ingest.Chapter, t *task.Task, res jobs.ExecutionResult) chapterReport {
	r := chapterReport{
		ChapterID: t.ChapterID,
		Title:     ch.Title,
		Pages:     len(ch.Pages),
		RunID:     res.RunID,
		Mode:      res.Mode,
		Persisted: res.PersistedCount,
		Duration:  res.Duration,
		Error:     res.Error,
		Payload:   res.Payload,
	}
	switch {
	case res.Success:
		r.Status = string(jobs.StatusCompleted)
	case res.Cancelled, res.Detached:
		r.Status = string(jobs.StatusCancelled)
	default:
		r.Status = string(jobs.StatusFailed)
	}
	if res.Payload != nil {
		r.Characters = res.Payload.CharacterCount
		r.Dialogs = res.Payload.DialogCount
	}
	return r
}

func reportError(ctx context.Context, report analyzeReport) error {
	var failed, cancelled int
	for _, c := range report.Chapters {
		switch c.Status {
		case string(jobs.StatusFailed):
			failed++
		case string(jobs.StatusCancelled):
			cancelled++
		}
	}
	switch {
	case failed > 0:
		return fmt.Errorf("%d of %d chapters failed", failed, len(report.Chapters))
	case cancelled > 0 && ctx.Err() != nil:
		return errors.Join(ctx.Err(), fmt.Errorf("%d chapters interrupted; rerun to resume", cancelled))
	}
	return nil
}
