package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSortByNumber(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{
			name:     "already sorted",
			input:    []string{"book-1.txt", "book-2.txt", "book-3.txt"},
			expected: []string{"book-1.txt", "book-2.txt", "book-3.txt"},
		},
		{
			name:     "reverse order",
			input:    []string{"book-3.txt", "book-2.txt", "book-1.txt"},
			expected: []string{"book-1.txt", "book-2.txt", "book-3.txt"},
		},
		{
			name:     "mixed with double digits",
			input:    []string{"book-10.txt", "book-2.txt", "book-1.txt"},
			expected: []string{"book-1.txt", "book-2.txt", "book-10.txt"},
		},
		{
			name:     "numbered and unnumbered",
			input:    []string{"book-2.txt", "book.txt", "book-1.txt"},
			expected: []string{"book.txt", "book-1.txt", "book-2.txt"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := sortByNumber(tt.input)
			if strings.Join(result, ",") != strings.Join(tt.expected, ",") {
				t.Errorf("got %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"crusade-europe.txt", "crusade-europe"},
		{"my-book-1.txt", "my-book"},
		{"/path/to/novel-12.md", "novel"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := deriveTitle(tt.input); got != tt.expected {
			t.Errorf("deriveTitle(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestSplitPages_FormFeeds(t *testing.T) {
	pages := SplitPages("first page\fsecond page\f\f  \fthird", 1000)
	want := []string{"first page", "second page", "third"}
	if strings.Join(pages, "|") != strings.Join(want, "|") {
		t.Errorf("got %q, want %q", pages, want)
	}
}

func TestSplitPages_PacksParagraphs(t *testing.T) {
	text := "aaaa aaaa\n\nbbbb bbbb\n\ncccc cccc\r\n\r\ndddd"
	pages := SplitPages(text, 22)
	want := []string{"aaaa aaaa\n\nbbbb bbbb", "cccc cccc\n\ndddd"}
	if strings.Join(pages, "|") != strings.Join(want, "|") {
		t.Errorf("got %q, want %q", pages, want)
	}
}

func TestSplitPages_LongParagraph(t *testing.T) {
	text := strings.Repeat("word ", 50)
	pages := SplitPages(text, 24)
	if len(pages) < 2 {
		t.Fatalf("expected several pages, got %d", len(pages))
	}
	for i, p := range pages {
		if utf8.RuneCountInString(p) > 24 {
			t.Errorf("page %d has %d chars", i, utf8.RuneCountInString(p))
		}
		if strings.HasPrefix(p, " ") || strings.HasSuffix(p, " ") {
			t.Errorf("page %d not cut at a word boundary: %q", i, p)
		}
	}
	if got := strings.Join(pages, " "); got != strings.TrimSpace(text) {
		t.Error("splitting lost or reordered words")
	}
}

func TestSplitPages_OversizedWord(t *testing.T) {
	pages := SplitPages("tiny "+strings.Repeat("x", 30)+" end", 10)
	want := []string{"tiny", strings.Repeat("x", 30), "end"}
	if strings.Join(pages, "|") != strings.Join(want, "|") {
		t.Errorf("got %q, want %q", pages, want)
	}
}

func TestSplitPages_Empty(t *testing.T) {
	if pages := SplitPages("  \n\n \f ", 100); len(pages) != 0 {
		t.Errorf("expected no pages, got %q", pages)
	}
}

func TestSplitChapters(t *testing.T) {
	text := `Title Page

Chapter 1
It began.

CHAPTER IV: The Return
Jax came back.
chapter 12
Done.`

	chapters := SplitChapters(text)
	if len(chapters) != 4 {
		t.Fatalf("got %d chapters, want 4: %+v", len(chapters), chapters)
	}
	tests := []struct {
		number int
		title  string
		text   string
	}{
		{0, "", "Title Page"},
		{1, "Chapter 1", "It began."},
		{4, "CHAPTER IV: The Return", "Jax came back."},
		{12, "chapter 12", "Done."},
	}
	for i, tt := range tests {
		ch := chapters[i]
		if ch.Number != tt.number || ch.Title != tt.title || ch.Text != tt.text {
			t.Errorf("chapter %d = %+v, want %+v", i, ch, tt)
		}
	}
}

func TestSplitChapters_NoHeadings(t *testing.T) {
	chapters := SplitChapters("  Just a story about Chapterhouse.  ")
	if len(chapters) != 1 || chapters[0].Number != 1 || chapters[0].Text != "Just a story about Chapterhouse." {
		t.Errorf("unexpected chapters: %+v", chapters)
	}
}

func TestRomanToInt(t *testing.T) {
	tests := map[string]int{"I": 1, "IV": 4, "IX": 9, "XIV": 14, "XL": 40, "XC": 90, "C": 100, "A": 0}
	for in, want := range tests {
		if got := romanToInt(in); got != want {
			t.Errorf("romanToInt(%q) = %d, want %d", in, got, want)
		}
	}
}

const englishSample = `It was a bright cold day in April, and the clocks were striking thirteen.
Winston Smith, his chin nuzzled into his breast in an effort to escape the vile wind,
slipped quickly through the glass doors of Victory Mansions, though not quickly enough
to prevent a swirl of gritty dust from entering along with him.`

func TestDetectLanguage(t *testing.T) {
	if got := DetectLanguage(englishSample); got != "en" {
		t.Errorf("DetectLanguage(english) = %q, want en", got)
	}
	if got := DetectLanguage("   "); got != "" {
		t.Errorf("DetectLanguage(blank) = %q, want empty", got)
	}
}

func TestIngest(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}
	second := write("story-2.txt", "Chapter 2\nZane answered.")
	first := write("story-1.txt", "Chapter 1\n"+englishSample)

	res, err := Ingest(context.Background(), Request{
		Paths:     []string{second, first},
		PageChars: 200,
		Chapters:  true,
	})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if res.Title != "story" {
		t.Errorf("title = %q, want story", res.Title)
	}
	if res.Language != "en" {
		t.Errorf("language = %q, want en", res.Language)
	}
	if len(res.Chapters) != 2 || res.Chapters[0].Number != 1 || res.Chapters[1].Number != 2 {
		t.Fatalf("unexpected chapters: %+v", res.Chapters)
	}
	if got := res.Chapters[1].Pages; len(got) != 1 || got[0] != "Zane answered." {
		t.Errorf("chapter 2 pages = %q", got)
	}
	total := 0
	for _, ch := range res.Chapters {
		total += len(ch.Pages)
	}
	if res.PageCount != total || total < 3 {
		t.Errorf("page count %d, summed %d", res.PageCount, total)
	}
}

func TestIngest_Errors(t *testing.T) {
	if _, err := Ingest(context.Background(), Request{}); !errors.Is(err, ErrNoInput) {
		t.Errorf("expected ErrNoInput, got %v", err)
	}
	if _, err := Ingest(context.Background(), Request{Paths: []string{filepath.Join(t.TempDir(), "missing.txt")}}); err == nil {
		t.Error("expected an error for a missing file")
	}
}
