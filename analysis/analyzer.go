// Package analysis turns regulation text into summaries, entity graphs and
// KOP drafts through an LLM provider.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/brunobiangulo/kopgen/llm"
)

// maxInputChars bounds the document text sent in one request. Longer
// documents are truncated at a paragraph boundary.
const maxInputChars = 180_000

// ErrEmptyResponse is returned when the LLM answers with no content.
var ErrEmptyResponse = errors.New("analysis: empty LLM response")

// Analyzer issues the summary, relationship and KOP calls.
type Analyzer struct {
	chat   llm.Provider
	schema *jsonschema.Schema
}

// New creates an Analyzer on top of a chat provider.
func New(chat llm.Provider) (*Analyzer, error) {
	schema, err := compileExtractionSchema()
	if err != nil {
		return nil, err
	}
	return &Analyzer{chat: chat, schema: schema}, nil
}

// Summarize returns a Markdown summary of text. When prior is non-empty it
// is the previous version's summary and the result highlights changes.
func (a *Analyzer) Summarize(ctx context.Context, text, prior string) (string, error) {
	text = truncate(text, maxInputChars)

	prompt := fmt.Sprintf(summaryPrompt, text)
	if prior != "" {
		prompt = fmt.Sprintf(summaryWithContextPrompt, prior, text)
	}

	out, err := a.call(ctx, "summary", llm.ChatRequest{
		System:   summarySystem,
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return stripFence(out, "markdown"), nil
}

// ExtractRelationships returns the entity/relationship JSON for a summary.
// When prior is non-empty it is the previous version's JSON. The result is
// validated against the extraction schema.
func (a *Analyzer) ExtractRelationships(ctx context.Context, summary, prior string) (string, error) {
	prompt := fmt.Sprintf(relationshipPrompt, typeVocabulary, summary)
	if prior != "" {
		prompt = fmt.Sprintf(relationshipWithContextPrompt, typeVocabulary, prior, summary)
	}

	out, err := a.call(ctx, "relationships", llm.ChatRequest{
		System:         relationshipSystem,
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		ResponseFormat: "json_object",
	})
	if err != nil {
		return "", err
	}

	raw, err := extractJSON(out)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidExtraction, err)
	}
	if err := a.validate([]byte(raw)); err != nil {
		return "", err
	}
	return raw, nil
}

// DraftKOP returns a Markdown KOP for the latest summary and entity graph.
func (a *Analyzer) DraftKOP(ctx context.Context, summary, graphJSON string) (string, error) {
	out, err := a.call(ctx, "kop", llm.ChatRequest{
		System:   kopSystem,
		Messages: []llm.Message{{Role: "user", Content: fmt.Sprintf(kopPrompt, summary, graphJSON)}},
	})
	if err != nil {
		return "", err
	}
	return stripFence(out, "markdown"), nil
}

func (a *Analyzer) call(ctx context.Context, step string, req llm.ChatRequest) (string, error) {
	start := time.Now()
	resp, err := a.chat.Chat(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%s llm chat: %w", step, err)
	}
	slog.Info("analysis: llm call complete",
		"step", step,
		"model", resp.Model,
		"prompt_tokens", resp.PromptTokens,
		"completion_tokens", resp.CompletionTokens,
		"elapsed", time.Since(start).Round(time.Millisecond))

	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return "", fmt.Errorf("%s: %w", step, ErrEmptyResponse)
	}
	return content, nil
}

// truncate cuts s to at most n bytes at a clause start or paragraph break.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := strings.TrimRight(s[:cutPoint(s, n)], " \t\n")
	slog.Warn("analysis: document text truncated", "original_chars", len(s), "kept_chars", len(cut))
	return cut
}
