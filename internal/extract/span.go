package extract

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/hurttlocker/capmap/internal/model"
)

// Span is a half-open character range [Start, End) within a text.
// Offsets count characters (runes), not bytes.
type Span struct {
	Start int
	End   int
}

// FindAll returns every non-overlapping match of re in text.
func FindAll(text string, re *regexp.Regexp) []Span {
	locs := re.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}
	spans := make([]Span, 0, len(locs))
	for _, loc := range locs {
		spans = append(spans, byteSpan(text, loc[0], loc[1]))
	}
	return spans
}

// FindLiteral returns the first verbatim occurrence of needle in text.
func FindLiteral(text, needle string) (Span, bool) {
	if needle == "" {
		return Span{}, false
	}
	idx := strings.Index(text, needle)
	if idx < 0 {
		return Span{}, false
	}
	return byteSpan(text, idx, idx+len(needle)), true
}

// Slice returns the characters of text covered by s.
func Slice(text string, s Span) string {
	runes := []rune(text)
	if s.Start < 0 || s.End > len(runes) || s.Start > s.End {
		return ""
	}
	return string(runes[s.Start:s.End])
}

func byteSpan(text string, from, to int) Span {
	start := utf8.RuneCountInString(text[:from])
	return Span{Start: start, End: start + utf8.RuneCountInString(text[from:to])}
}

// anchorEvidence fills offsets for the first occurrence of the quote in the
// combined text. Quotes that cannot be found stay unanchored.
func anchorEvidence(ev *model.EvidenceItem, combined string) {
	ev.StartChar, ev.EndChar = nil, nil
	span, ok := FindLiteral(combined, ev.Quote)
	if !ok {
		return
	}
	start, end := span.Start, span.End
	ev.StartChar = &start
	ev.EndChar = &end
}
