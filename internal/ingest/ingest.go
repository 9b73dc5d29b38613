// Package ingest turns plain-text books into chapters of pages ready for
// analysis.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ErrNoInput is returned when a request names no files.
var ErrNoInput = errors.New("ingest: no input files")

// Request contains the parameters for ingesting a book.
type Request struct {
	Paths []string // Text file paths (sorted by numeric suffix)
	Title string   // Book title (optional, derived from filename if empty)
	// PageChars bounds the size of a page. Zero uses DefaultPageChars.
	PageChars int
	// Chapters splits the text on chapter headings. Without it the whole
	// book is one chapter.
	Chapters bool
	Logger   *slog.Logger
}

// Result is an ingested book.
type Result struct {
	Title     string
	Language  string
	Chapters  []Chapter
	PageCount int
}

// Ingest reads the request's files in order and splits them into chapters
// and pages. Each file starts on a new page.
func Ingest(ctx context.Context, req Request) (*Result, error) {
	log := req.Logger
	if log == nil {
		log = slog.Default()
	}
	if len(req.Paths) == 0 {
		return nil, ErrNoInput
	}

	sortedPaths := sortByNumber(req.Paths)
	texts := make([]string, 0, len(sortedPaths))
	for _, p := range sortedPaths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", p, err)
		}
		texts = append(texts, string(data))
	}
	text := strings.Join(texts, "\f")

	title := req.Title
	if title == "" {
		title = deriveTitle(sortedPaths[0])
	}

	var chapters []Chapter
	if req.Chapters {
		chapters = SplitChapters(text)
	} else {
		chapters = []Chapter{{Number: 1, Text: text}}
	}

	res := &Result{
		Title:    title,
		Language: DetectLanguage(text),
	}
	for _, ch := range chapters {
		ch.Pages = SplitPages(ch.Text, req.PageChars)
		if len(ch.Pages) == 0 {
			continue
		}
		res.PageCount += len(ch.Pages)
		res.Chapters = append(res.Chapters, ch)
	}

	log.Info("ingested book",
		"title", title,
		"files", len(sortedPaths),
		"chapters", len(res.Chapters),
		"pages", res.PageCount,
		"language", res.Language)
	return res, nil
}

var numberSuffix = regexp.MustCompile(`-(\d+)\.[^.]+$`)

// sortByNumber sorts paths by their numeric suffix.
// e.g., ["book-2.txt", "book-1.txt", "book-10.txt"] -> ["book-1.txt", "book-2.txt", "book-10.txt"]
func sortByNumber(paths []string) []string {
	sorted := make([]string, len(paths))
	copy(sorted, paths)

	sort.SliceStable(sorted, func(i, j int) bool {
		mi := numberSuffix.FindStringSubmatch(sorted[i])
		mj := numberSuffix.FindStringSubmatch(sorted[j])

		if len(mi) > 1 && len(mj) > 1 {
			ni, _ := strconv.Atoi(mi[1])
			nj, _ := strconv.Atoi(mj[1])
			return ni < nj
		}

		// Files without numbers come first
		if len(mi) > 1 {
			return false
		}
		if len(mj) > 1 {
			return true
		}
		return sorted[i] < sorted[j]
	})
	return sorted
}

var trailingNumber = regexp.MustCompile(`-\d+$`)

// deriveTitle extracts a title from a filename.
// e.g., "my-book-1.txt" -> "my-book"
func deriveTitle(path string) string {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return trailingNumber.ReplaceAllString(name, "")
}
