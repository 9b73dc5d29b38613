// Package checkpoint persists per-chapter analysis state so an interrupted
// run resumes after its last completed step.
package checkpoint

import (
	"errors"
	"time"

	"github.com/jackzampolin/narrate/internal/pipeline"
)

// Version is the checkpoint file format version.
const Version = 1

// ErrCorrupt is returned internally when a checkpoint file cannot be read.
// Callers of Load only ever see a missing checkpoint.
var ErrCorrupt = errors.New("corrupt checkpoint")

// Checkpoint is the persisted state after a completed step.
type Checkpoint struct {
	Version           int                                `json:"version"`
	BookID            int64                              `json:"book_id"`
	ChapterID         int64                              `json:"chapter_id"`
	Timestamp         time.Time                          `json:"timestamp"`
	ContentHash       int64                              `json:"content_hash"`
	LastCompletedStep pipeline.StepID                    `json:"last_completed_step"`
	Characters        map[string]*pipeline.CharacterData `json:"characters"`
	TotalDialogLines  int                                `json:"total_dialog_lines"`
	PagesProcessed    int                                `json:"pages_processed"`
}

// Snapshot captures actx after step completed. The characters are deep
// copied so later mutation of actx does not leak into the snapshot.
func Snapshot(actx *pipeline.AnalysisContext, step pipeline.StepID) *Checkpoint {
	return &Checkpoint{
		Version:           Version,
		BookID:            actx.BookID,
		ChapterID:         actx.ChapterID,
		ContentHash:       actx.ContentHash,
		LastCompletedStep: step,
		Characters:        actx.CloneCharacters(),
		TotalDialogLines:  actx.TotalDialogLines,
		PagesProcessed:    actx.PagesProcessed,
	}
}

// Restore rebuilds an analysis context for pages from the checkpoint.
func (c *Checkpoint) Restore(pages []string) *pipeline.AnalysisContext {
	actx := pipeline.NewAnalysisContext(c.BookID, c.ChapterID, pages)
	for k, ch := range c.Characters {
		if ch == nil {
			continue
		}
		clone := ch.Clone()
		if clone.PagesAppearing == nil {
			clone.PagesAppearing = pipeline.PageSet{}
		}
		actx.Characters[k] = clone
	}
	actx.TotalDialogLines = c.TotalDialogLines
	actx.PagesProcessed = c.PagesProcessed
	return actx
}

// Info describes a checkpoint file on disk.
type Info struct {
	Key       string          `json:"key"`
	BookID    int64           `json:"book_id"`
	ChapterID int64           `json:"chapter_id"`
	Step      pipeline.StepID `json:"step"`
	Timestamp time.Time       `json:"timestamp"`
	Size      int64           `json:"size"`
	Expired   bool            `json:"expired"`
	Corrupt   bool            `json:"corrupt"`
}
