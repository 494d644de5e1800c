// Package parser extracts plain text from regulation documents.
package parser

import (
	"context"
	"errors"
)

// ErrNoText is returned when a document yields no extractable text.
var ErrNoText = errors.New("parser: no text extracted")

// Parser extracts the plain-text contents of a document file.
type Parser interface {
	Extract(ctx context.Context, path string) (string, error)
	SupportedFormats() []string
}
