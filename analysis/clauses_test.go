package analysis

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestClauseBoundaries(t *testing.T) {
	text := "Preamble\nArticle 1\nScope\n  4.2 Reporting\nsee 4.2 above\nANNEX II\nChapter IV Final"
	got := clauseBoundaries(text)

	var starts []string
	for _, b := range got {
		line := text[b:]
		if i := strings.IndexByte(line, '\n'); i >= 0 {
			line = line[:i]
		}
		starts = append(starts, strings.TrimSpace(line))
	}
	assert.Equal(t, []string{"Article 1", "4.2 Reporting", "ANNEX II", "Chapter IV Final"}, starts)
}

func TestCutPoint(t *testing.T) {
	early := strings.Repeat("x", 40) + "\nArticle 2\n" + strings.Repeat("y", 40)
	assert.Equal(t, 41, cutPoint(early, 80))

	// A clause start wins over a later blank line.
	both := strings.Repeat("x", 60) + "\nArticle 2\n" + strings.Repeat("y", 10) + "\n\n" + strings.Repeat("z", 40)
	assert.Equal(t, 61, cutPoint(both, 100))

	// Too early to keep half: fall back to the blank line.
	withBlank := strings.Repeat("x", 10) + "\nArticle 2\n" + strings.Repeat("y", 60) + "\n\n" + strings.Repeat("z", 40)
	assert.Equal(t, 81, cutPoint(withBlank, 100))

	assert.Equal(t, 30, cutPoint(strings.Repeat("q", 100), 30))
	assert.Equal(t, 5, cutPoint("short", 10))
}

func TestCutPointKeepsRunesWhole(t *testing.T) {
	tests := []struct {
		name string
		text string
		n    int
		want int
	}{
		{name: "two byte runes", text: strings.Repeat("é", 50), n: 31, want: 30},
		{name: "on a boundary", text: strings.Repeat("é", 50), n: 30, want: 30},
		{name: "three byte runes", text: strings.Repeat("€", 20), n: 10, want: 9},
		{name: "four byte runes", text: strings.Repeat("𝔸", 10), n: 7, want: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cut := cutPoint(tt.text, tt.n)
			assert.Equal(t, tt.want, cut)
			assert.True(t, utf8.ValidString(tt.text[:cut]))
		})
	}
}
