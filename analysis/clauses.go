package analysis

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// clausePattern matches the start of a regulatory unit at the beginning
// of a line: hierarchical numbers ("4.2", "12.3.1") and headings such as
// "Article 9", "Section 3", "Chapter IV" or "Annex I".
var clausePattern = regexp.MustCompile(`^(?:\d+(?:\.\d+)+\s|(?i:article|section|chapter|title|annex)\s+[0-9IVXLC]+\b)`)

// clauseBoundaries returns the byte offsets of lines that start a clause.
func clauseBoundaries(text string) []int {
	var out []int
	offset := 0
	for _, line := range strings.Split(text, "\n") {
		if clausePattern.MatchString(strings.TrimLeft(line, " \t")) {
			out = append(out, offset)
		}
		offset += len(line) + 1
	}
	return out
}

// cutPoint picks where to cut text to at most n bytes. It prefers the last
// clause start, then the last blank line, as long as that keeps more than
// half of n. A plain cut at n backs up to a rune boundary.
func cutPoint(text string, n int) int {
	if len(text) <= n {
		return len(text)
	}
	best := -1
	for _, b := range clauseBoundaries(text) {
		if b > n {
			break
		}
		best = b
	}
	if best > n/2 {
		return best
	}
	if i := strings.LastIndex(text[:n], "\n\n"); i > n/2 {
		return i
	}
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return n
}
