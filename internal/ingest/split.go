package ingest

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// DefaultPageChars is the page size used when none is given.
const DefaultPageChars = 2000

// Chapter is one chapter of a book.
type Chapter struct {
	Number int      `json:"number"`
	Title  string   `json:"title,omitempty"`
	Text   string   `json:"-"`
	Pages  []string `json:"-"`
}

var paragraphBreak = regexp.MustCompile(`\n[ \t]*\n`)

// SplitPages splits text into pages of at most maxChars characters. Form
// feeds always start a new page. Otherwise paragraphs are packed onto a page
// until the next one does not fit; a paragraph larger than a page is broken
// at word boundaries. Blank pages are dropped.
func SplitPages(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = DefaultPageChars
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var pages []string
	for _, section := range strings.Split(text, "\f") {
		pages = append(pages, packParagraphs(section, maxChars)...)
	}
	return pages
}

func packParagraphs(section string, maxChars int) []string {
	var (
		pages   []string
		current strings.Builder
	)
	flush := func() {
		if current.Len() > 0 {
			pages = append(pages, current.String())
			current.Reset()
		}
	}

	for _, para := range paragraphBreak.Split(section, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		n := utf8.RuneCountInString(para)
		if n > maxChars {
			flush()
			pages = append(pages, splitWords(para, maxChars)...)
			continue
		}
		if current.Len() > 0 && utf8.RuneCountInString(current.String())+2+n > maxChars {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()
	return pages
}

// splitWords breaks a paragraph at word boundaries. A single word longer
// than maxChars gets a page of its own.
func splitWords(para string, maxChars int) []string {
	var (
		pages   []string
		current strings.Builder
		size    int
	)
	for _, word := range strings.Fields(para) {
		n := utf8.RuneCountInString(word)
		if size > 0 && size+1+n > maxChars {
			pages = append(pages, current.String())
			current.Reset()
			size = 0
		}
		if size > 0 {
			current.WriteByte(' ')
			size++
		}
		current.WriteString(word)
		size += n
	}
	if size > 0 {
		pages = append(pages, current.String())
	}
	return pages
}

var chapterHeading = regexp.MustCompile(`(?m)^[ \t]*(?:chapter|CHAPTER|Chapter)\s+(\d+|[IVXLC]+)\b.*$`)

// SplitChapters splits text on chapter headings such as "Chapter 3" or
// "CHAPTER IV". Text before the first heading becomes chapter 0 when it is
// not blank. Text without headings is a single chapter 1.
func SplitChapters(text string) []Chapter {
	matches := chapterHeading.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return []Chapter{{Number: 1, Text: strings.TrimSpace(text)}}
	}

	var chapters []Chapter
	if front := strings.TrimSpace(text[:matches[0][0]]); front != "" {
		chapters = append(chapters, Chapter{Number: 0, Text: front})
	}
	for i, m := range matches {
		end := len(text)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		number := chapterNumber(text[m[2]:m[3]])
		if number == 0 {
			number = len(chapters) + 1
		}
		chapters = append(chapters, Chapter{
			Number: number,
			Title:  strings.TrimSpace(text[m[0]:m[1]]),
			Text:   strings.TrimSpace(text[m[1]:end]),
		})
	}
	return chapters
}

func chapterNumber(s string) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return romanToInt(s)
}

var romanValues = map[byte]int{'I': 1, 'V': 5, 'X': 10, 'L': 50, 'C': 100}

// romanToInt parses an upper-case roman numeral. Invalid input yields 0.
func romanToInt(s string) int {
	total := 0
	for i := 0; i < len(s); i++ {
		v, ok := romanValues[s[i]]
		if !ok {
			return 0
		}
		if i+1 < len(s) && romanValues[s[i+1]] > v {
			total -= v
		} else {
			total += v
		}
	}
	return total
}
