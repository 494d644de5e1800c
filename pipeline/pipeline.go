// Package pipeline runs text extraction, LLM analysis and graph building for
// an upload and persists the results.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/brunobiangulo/kopgen/analysis"
	"github.com/brunobiangulo/kopgen/graph"
	"github.com/brunobiangulo/kopgen/llm"
	"github.com/brunobiangulo/kopgen/store"
)

// Extractor returns the plain text of a document.
type Extractor interface {
	Extract(ctx context.Context, path string) (string, error)
}

// Analyzer produces summaries and relationship JSON.
type Analyzer interface {
	Summarize(ctx context.Context, text, prior string) (string, error)
	ExtractRelationships(ctx context.Context, summary, prior string) (string, error)
}

// Store is the persistence the pipeline needs.
type Store interface {
	GetUpload(ctx context.Context, id int64) (*store.Upload, error)
	SaveResults(ctx context.Context, r store.Results) error
}

// RetryConfig controls per-call retries of LLM steps.
type RetryConfig struct {
	MaxRetries uint64        `json:"max_retries"`
	Base       time.Duration `json:"base"`
	Max        time.Duration `json:"max"`
}

// DefaultRetryConfig retries three times starting at two seconds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, Base: 2 * time.Second, Max: 30 * time.Second}
}

// Processor runs the first-time and comparison paths.
type Processor struct {
	extractor Extractor
	analyzer  Analyzer
	store     Store
	retry     RetryConfig
}

// New creates a Processor.
func New(ex Extractor, an Analyzer, st Store, rc RetryConfig) *Processor {
	if rc.Base <= 0 {
		rc = DefaultRetryConfig()
	}
	return &Processor{extractor: ex, analyzer: an, store: st, retry: rc}
}

// side is the analysis of one document version.
type side struct {
	summary string
	rawJSON string
	graph   string
}

// Process analyses the documents of an upload and replaces its stored
// results. Nothing is written unless every step succeeds.
func (p *Processor) Process(ctx context.Context, uploadID int64) error {
	start := time.Now()

	up, err := p.store.GetUpload(ctx, uploadID)
	if err != nil {
		return fmt.Errorf("loading upload %d: %w", uploadID, err)
	}

	res := store.Results{UploadID: uploadID}

	if up.IsComparison() {
		oldSide, newSide, err := p.compare(ctx, *up.OldPath, up.NewPath)
		if err != nil {
			return err
		}
		res.OldSummary = &oldSide.summary
		res.OldJSON = &oldSide.rawJSON
		res.GraphOld = &oldSide.graph
		res.NewSummary, res.NewJSON, res.GraphNew = newSide.summary, newSide.rawJSON, newSide.graph
	} else {
		newSide, err := p.analyze(ctx, up.NewPath)
		if err != nil {
			return err
		}
		res.NewSummary, res.NewJSON, res.GraphNew = newSide.summary, newSide.rawJSON, newSide.graph
	}

	if err := p.store.SaveResults(ctx, res); err != nil {
		return fmt.Errorf("saving results for upload %d: %w", uploadID, err)
	}

	slog.Info("pipeline: upload processed",
		"upload_id", uploadID,
		"regulation", up.RegulationName,
		"comparison", up.IsComparison(),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// compare runs the old document without context, then the new document
// with the old summary and JSON as context.
func (p *Processor) compare(ctx context.Context, oldPath, newPath string) (*side, *side, error) {
	oldText, err := p.extract(ctx, oldPath)
	if err != nil {
		return nil, nil, err
	}
	newText, err := p.extract(ctx, newPath)
	if err != nil {
		return nil, nil, err
	}

	oldSummary, err := p.summarize(ctx, oldText, "")
	if err != nil {
		return nil, nil, fmt.Errorf("old document: %w", err)
	}
	newSummary, err := p.summarize(ctx, newText, oldSummary)
	if err != nil {
		return nil, nil, fmt.Errorf("new document: %w", err)
	}

	oldJSON, err := p.relationships(ctx, oldSummary, "")
	if err != nil {
		return nil, nil, fmt.Errorf("old document: %w", err)
	}
	newJSON, err := p.relationships(ctx, newSummary, oldJSON)
	if err != nil {
		return nil, nil, fmt.Errorf("new document: %w", err)
	}

	oldSide, err := buildSide(oldSummary, oldJSON)
	if err != nil {
		return nil, nil, fmt.Errorf("old document: %w", err)
	}
	newSide, err := buildSide(newSummary, newJSON)
	if err != nil {
		return nil, nil, fmt.Errorf("new document: %w", err)
	}
	return oldSide, newSide, nil
}

// analyze runs a single document without prior context.
func (p *Processor) analyze(ctx context.Context, path string) (*side, error) {
	text, err := p.extract(ctx, path)
	if err != nil {
		return nil, err
	}

	summary, err := p.summarize(ctx, text, "")
	if err != nil {
		return nil, err
	}
	raw, err := p.relationships(ctx, summary, "")
	if err != nil {
		return nil, err
	}
	return buildSide(summary, raw)
}

func (p *Processor) extract(ctx context.Context, path string) (string, error) {
	text, err := p.extractor.Extract(ctx, path)
	if err != nil {
		return "", fmt.Errorf("extracting %s: %w", path, err)
	}
	return text, nil
}

func (p *Processor) summarize(ctx context.Context, text, prior string) (string, error) {
	var out string
	err := p.withRetry(ctx, "summarize", func(ctx context.Context) error {
		var err error
		out, err = p.analyzer.Summarize(ctx, text, prior)
		return err
	})
	return out, err
}

func (p *Processor) relationships(ctx context.Context, summary, prior string) (string, error) {
	var out string
	err := p.withRetry(ctx, "relationships", func(ctx context.Context) error {
		var err error
		out, err = p.analyzer.ExtractRelationships(ctx, summary, prior)
		return err
	})
	return out, err
}

func (p *Processor) withRetry(ctx context.Context, step string, fn func(context.Context) error) error {
	return Retry(ctx, p.retry, step, fn)
}

// Retry runs fn with exponential backoff while it fails with a Retryable
// error, up to rc.MaxRetries extra attempts.
func Retry(ctx context.Context, rc RetryConfig, step string, fn func(context.Context) error) error {
	if rc.Base <= 0 {
		rc = DefaultRetryConfig()
	}
	backoff := retry.NewExponential(rc.Base)
	if rc.Max > 0 {
		backoff = retry.WithCappedDuration(rc.Max, backoff)
	}
	backoff = retry.WithMaxRetries(rc.MaxRetries, retry.WithJitterPercent(10, backoff))

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if Retryable(err) {
			slog.Warn("pipeline: retrying step", "step", step, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

// Retryable reports whether a step error may succeed on another attempt.
func Retryable(err error) bool {
	return llm.IsTransient(err) ||
		errors.Is(err, analysis.ErrInvalidExtraction) ||
		errors.Is(err, analysis.ErrEmptyResponse)
}

func buildSide(summary, raw string) (*side, error) {
	g, err := graph.Parse([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("building graph: %w", err)
	}
	flat, err := g.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("serializing graph: %w", err)
	}
	return &side{summary: summary, rawJSON: raw, graph: string(flat)}, nil
}
