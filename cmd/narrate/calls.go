package main

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/narrate/internal/llmcall"
	"github.com/jackzampolin/narrate/internal/output"
)

var callsFlags struct {
	filter   llmcall.QueryFilter
	since    time.Duration
	failed   bool
	provider string
}

var callsCmd = &cobra.Command{
	Use:   "calls",
	Short: "List recorded LLM calls",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := services(ctx)
		if err != nil {
			return err
		}
		filter := callsFlags.filter
		if callsFlags.since > 0 {
			after := time.Now().Add(-callsFlags.since)
			filter.After = &after
		}
		if callsFlags.failed {
			filter.Success = new(bool)
		}
		calls, err := svc.Store.ListCalls(ctx, filter)
		if err != nil {
			return err
		}
		if output.Format(outputFormat) != output.FormatTable {
			return write(cmd, calls)
		}
		return write(cmd, callTable(calls))
	},
}

func init() {
	f := callsCmd.Flags()
	f.Int64Var(&callsFlags.filter.BookID, "book-id", 0, "only calls for this book")
	f.Int64Var(&callsFlags.filter.ChapterID, "chapter-id", 0, "only calls for this chapter")
	f.StringVar(&callsFlags.filter.RunID, "run-id", "", "only calls from this run")
	f.StringVar(&callsFlags.filter.PromptKey, "prompt", "", "only calls using this prompt key")
	f.StringVar(&callsFlags.filter.Provider, "provider", "", "only calls to this provider")
	f.IntVar(&callsFlags.filter.Limit, "limit", llmcall.DefaultLimit, "maximum calls to list")
	f.IntVar(&callsFlags.filter.Offset, "offset", 0, "calls to skip")
	f.DurationVar(&callsFlags.since, "since", 0, "only calls newer than this (e.g. 1h)")
	f.BoolVar(&callsFlags.failed, "failed", false, "only failed calls")
}

func callTable(calls []*llmcall.Call) output.Table {
	t := output.Table{
		Head:  []string{"TIME", "BOOK", "CHAPTER", "PROMPT", "MODEL", "IN", "OUT", "LATENCY", "STATUS"},
		Right: []int{1, 2, 5, 6, 7},
	}
	for _, c := range calls {
		status := "ok"
		if !c.Success {
			status = "error"
			if c.Error != "" {
				status += ": " + truncate(c.Error, 40)
			}
		}
		t.Body = append(t.Body, []string{
			c.Timestamp.Local().Format(time.DateTime),
			strconv.FormatInt(c.BookID, 10),
			strconv.FormatInt(c.ChapterID, 10),
			c.PromptKey,
			c.Model,
			strconv.Itoa(c.InputTokens),
			strconv.Itoa(c.OutputTokens),
			(time.Duration(c.LatencyMs) * time.Millisecond).String(),
			status,
		})
	}
	return t
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
