package llmcall

import (
	"context"
	"time"
)

// Writer persists batches of calls.
type Writer interface {
	InsertCalls(ctx context.Context, calls []*Call) error
}

// Reader lists recorded calls.
type Reader interface {
	ListCalls(ctx context.Context, filter QueryFilter) ([]*Call, error)
}

// QueryFilter specifies filters for listing LLM calls.
type QueryFilter struct {
	BookID    int64
	ChapterID int64
	RunID     string
	PromptKey string
	Provider  string
	After     *time.Time
	Success   *bool
	Limit     int
	Offset    int
}

// DefaultLimit is applied when a filter has no limit.
const DefaultLimit = 50
