// Package jobs executes analysis tasks against a single model handle,
// either inline or on a background worker.
package jobs

import (
	"context"
	"time"
)

// Job is a unit of work run by a Worker.
type Job interface {
	// Type returns the job type identifier.
	Type() string

	// Execute runs the job. It should respect context cancellation.
	Execute(ctx context.Context) error

	// Status returns the current status of the job as key-value pairs.
	// Returns nil map if no status to report.
	Status(ctx context.Context) (map[string]string, error)
}

// Status represents the current state of a run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Mode says where a run executes.
type Mode string

const (
	// ModeShort runs inline on the caller's goroutine and context.
	ModeShort Mode = "short"
	// ModeLong runs on the background worker, detached from the caller.
	ModeLong Mode = "long"
)

// Record tracks one executor run.
type Record struct {
	RunID       string     `json:"run_id"`
	BookID      int64      `json:"book_id"`
	ChapterID   int64      `json:"chapter_id"`
	Mode        Mode       `json:"mode"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	StepName    string     `json:"step,omitempty"`
	Percent     float64    `json:"percent"`
	Error       string     `json:"error,omitempty"`
}

// NewRecord creates a queued record.
func NewRecord(runID string, bookID, chapterID int64, mode Mode) *Record {
	return &Record{
		RunID:     runID,
		BookID:    bookID,
		ChapterID: chapterID,
		Mode:      mode,
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
}
