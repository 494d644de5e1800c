// Package kopgen summarizes and compares regulatory documents, builds
// entity graphs from them and exports Key Operating Procedures.
package kopgen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/brunobiangulo/kopgen/analysis"
	"github.com/brunobiangulo/kopgen/export"
	"github.com/brunobiangulo/kopgen/jobs"
	"github.com/brunobiangulo/kopgen/llm"
	"github.com/brunobiangulo/kopgen/parser"
	"github.com/brunobiangulo/kopgen/pipeline"
	"github.com/brunobiangulo/kopgen/rag"
	"github.com/brunobiangulo/kopgen/store"
)

// Upload modes accepted by SubmitUpload.
const (
	ModeFirstTime = "first_time"
	ModeCompare   = "compare"
)

// Engine is the main entry point used by the web layer.
type Engine interface {
	// Regulations lists the selectable regulations.
	Regulations(ctx context.Context) ([]store.Regulation, error)

	// SubmitUpload records an upload and schedules its processing.
	SubmitUpload(ctx context.Context, sub Submission) (*store.Upload, *store.Job, error)

	// Regenerate re-runs processing for an existing upload.
	Regenerate(ctx context.Context, uploadID int64) (*store.Job, error)

	// JobStatus returns the latest job of an upload.
	JobStatus(ctx context.Context, uploadID int64) (*store.Job, error)

	// Compare returns the upload with its rendered summaries, if any.
	Compare(ctx context.Context, uploadID int64) (*Comparison, error)

	// GraphData returns the flat graph JSON of the "old" or "new" side.
	GraphData(ctx context.Context, uploadID int64, version string) (json.RawMessage, error)

	// Approve drafts the KOP for an upload and renders it as DOCX.
	Approve(ctx context.Context, uploadID int64) (*KOP, error)

	// History lists uploads newest first.
	History(ctx context.Context) ([]store.Upload, error)

	// HistoryXLSX renders History as a workbook.
	HistoryXLSX(ctx context.Context) ([]byte, error)

	// Ask answers a question from the knowledge base.
	Ask(ctx context.Context, question string) (*rag.Answer, error)

	// Resume schedules jobs left unfinished by a previous process.
	Resume(ctx context.Context) (int, error)

	// QAOnly reports whether document operations are disabled.
	QAOnly() bool

	// Ping checks the database.
	Ping(ctx context.Context) error

	// Shutdown drains the job queue and closes the store.
	Shutdown(ctx context.Context) error

	// Close is Shutdown with a 30 second deadline.
	Close() error
}

// Submission is a validated upload form.
type Submission struct {
	RegulationID  int64
	Mode          string
	FirstTimePath string
	OldPath       string
	NewPath       string
}

// Comparison is the data behind the compare page.
type Comparison struct {
	Upload  *store.Upload
	Summary *store.Summary
	Job     *store.Job
	OldHTML template.HTML
	NewHTML template.HTML
}

// HasResults reports whether a summary row exists.
func (c *Comparison) HasResults() bool {
	return c.Summary != nil
}

// KOP is a rendered Key Operating Procedure.
type KOP struct {
	Filename    string
	ContentType string
	Markdown    string
	Data        []byte
}

// Asker answers knowledge-base questions.
type Asker interface {
	Ask(ctx context.Context, question string) (*rag.Answer, error)
}

// Option customizes New. Options mainly exist to substitute
// collaborators in tests.
type Option func(*options)

type options struct {
	chat      llm.Provider
	asker     Asker
	extractor pipeline.Extractor
	registry  prometheus.Registerer
}

// WithChatProvider overrides the provider built from cfg.Chat.
func WithChatProvider(p llm.Provider) Option {
	return func(o *options) { o.chat = p }
}

// WithAsker overrides the Bedrock knowledge-base client.
func WithAsker(a Asker) Option {
	return func(o *options) { o.asker = a }
}

// WithExtractor overrides the document text extractor.
func WithExtractor(ex pipeline.Extractor) Option {
	return func(o *options) { o.extractor = ex }
}

// WithRegisterer registers job metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg      Config
	store    *store.Store
	analyzer *analysis.Analyzer
	queue    *jobs.Queue
	asker    Asker
	retry    pipeline.RetryConfig
}

// New creates an engine. In QA-only mode no database is opened and only
// Ask is available.
func New(cfg Config, opts ...Option) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	e := &engine{
		cfg: cfg,
		retry: pipeline.RetryConfig{
			MaxRetries: cfg.Retry.MaxRetries,
			Base:       time.Duration(cfg.Retry.Base),
			Max:        time.Duration(cfg.Retry.Max),
		},
	}

	e.asker = o.asker
	if e.asker == nil {
		client, err := rag.New(context.Background(), rag.Config{
			Region:          cfg.AWSRegion,
			KnowledgeBaseID: cfg.KnowledgeBase.ID,
			ModelARN:        cfg.KnowledgeBase.ModelARN,
		})
		if err != nil {
			return nil, fmt.Errorf("creating knowledge base client: %w", err)
		}
		e.asker = client
	}

	if cfg.QAOnly {
		slog.Info("engine started in QA-only mode")
		return e, nil
	}

	chat := o.chat
	if chat == nil {
		var err error
		chat, err = llm.NewProvider(llm.Config{
			Provider: cfg.Chat.Provider,
			Model:    cfg.Chat.Model,
			BaseURL:  cfg.Chat.BaseURL,
			APIKey:   cfg.Chat.APIKey,
			Region:   cfg.AWSRegion,
		})
		if err != nil {
			return nil, fmt.Errorf("creating chat provider: %w", err)
		}
	}

	an, err := analysis.New(chat)
	if err != nil {
		return nil, fmt.Errorf("creating analyzer: %w", err)
	}
	e.analyzer = an

	s, err := store.New(cfg.resolveDBPath())
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	e.store = s

	extractor := o.extractor
	if extractor == nil {
		extractor = parser.NewRegistry()
	}
	proc := pipeline.New(extractor, an, s, e.retry)

	e.queue = jobs.NewQueue(proc, s,
		jobs.WithWorkers(cfg.Jobs.Workers),
		jobs.WithQueueSize(cfg.Jobs.QueueSize),
		jobs.WithJobTimeout(time.Duration(cfg.Jobs.Timeout)),
		jobs.WithMetrics(jobs.NewMetrics(o.registry)),
		jobs.WithLogger(slog.Default().With("component", "jobs")),
	)

	return e, nil
}

func (e *engine) QAOnly() bool { return e.store == nil }

func (e *engine) requireStore() error {
	if e.store == nil {
		return ErrQAOnly
	}
	return nil
}

func (e *engine) Regulations(ctx context.Context) ([]store.Regulation, error) {
	if err := e.requireStore(); err != nil {
		return nil, err
	}
	return e.store.ListRegulations(ctx)
}

// SubmitUpload validates the document paths, creates the upload row and
// enqueues a process job.
func (e *engine) SubmitUpload(ctx context.Context, sub Submission) (*store.Upload, *store.Job, error) {
	if err := e.requireStore(); err != nil {
		return nil, nil, err
	}

	if _, err := e.store.GetRegulation(ctx, sub.RegulationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %d", ErrInvalidRegulation, sub.RegulationID)
		}
		return nil, nil, err
	}

	var oldPath *string
	newPath := sub.NewPath
	if sub.Mode == ModeFirstTime {
		newPath = strings.TrimSpace(sub.FirstTimePath)
		if !fileExists(newPath) {
			return nil, nil, &pathError{msg: "New Regulation PDF path is invalid."}
		}
	} else {
		old := strings.TrimSpace(sub.OldPath)
		newPath = strings.TrimSpace(newPath)
		if !fileExists(old) || !fileExists(newPath) {
			return nil, nil, &pathError{msg: "Old or New PDF path is invalid."}
		}
		oldPath = &old
	}

	id, err := e.store.CreateUpload(ctx, sub.RegulationID, oldPath, newPath)
	if err != nil {
		return nil, nil, err
	}
	up, err := e.store.GetUpload(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	job, err := e.queue.Enqueue(ctx, id, store.JobProcess)
	if err != nil {
		return up, nil, fmt.Errorf("scheduling upload %d: %w", id, err)
	}

	slog.Info("upload submitted",
		"upload_id", id, "regulation", up.RegulationName,
		"comparison", up.IsComparison(), "job_id", job.ID)
	return up, job, nil
}

func (e *engine) Regenerate(ctx context.Context, uploadID int64) (*store.Job, error) {
	if _, err := e.upload(ctx, uploadID); err != nil {
		return nil, err
	}
	return e.queue.Enqueue(ctx, uploadID, store.JobRegenerate)
}

func (e *engine) JobStatus(ctx context.Context, uploadID int64) (*store.Job, error) {
	if err := e.requireStore(); err != nil {
		return nil, err
	}
	job, err := e.queue.Status(ctx, uploadID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no job for upload %d", ErrUploadNotFound, uploadID)
	}
	return job, err
}

func (e *engine) Compare(ctx context.Context, uploadID int64) (*Comparison, error) {
	up, err := e.upload(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	c := &Comparison{Upload: up}

	sm, err := e.store.GetSummary(ctx, uploadID)
	switch {
	case err == nil:
		c.Summary = sm
		c.NewHTML = export.MarkdownHTML(sm.NewSummary)
		if sm.OldSummary != nil {
			c.OldHTML = export.MarkdownHTML(*sm.OldSummary)
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	job, err := e.queue.Status(ctx, uploadID)
	switch {
	case err == nil:
		c.Job = job
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	return c, nil
}

var (
	emptyGraph = json.RawMessage(`{"nodes":[],"edges":[]}`)
	nullSide   = json.RawMessage(`{}`)
)

func (e *engine) GraphData(ctx context.Context, uploadID int64, version string) (json.RawMessage, error) {
	if err := e.requireStore(); err != nil {
		return nil, err
	}
	if version != "old" && version != "new" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidVersion, version)
	}

	eg, err := e.store.GetEntityGraph(ctx, uploadID)
	if errors.Is(err, store.ErrNotFound) {
		return emptyGraph, nil
	}
	if err != nil {
		return nil, err
	}

	side := &eg.GraphNew
	if version == "old" {
		side = eg.GraphOld
	}
	if side == nil || *side == "" {
		return nullSide, nil
	}
	return json.RawMessage(*side), nil
}

func (e *engine) Approve(ctx context.Context, uploadID int64) (*KOP, error) {
	if err := e.requireStore(); err != nil {
		return nil, err
	}

	sm, err := e.store.GetSummary(ctx, uploadID)
	if err != nil {
		return nil, e.resultsErr(uploadID, err)
	}
	eg, err := e.store.GetEntityGraph(ctx, uploadID)
	if err != nil {
		return nil, e.resultsErr(uploadID, err)
	}
	if strings.TrimSpace(sm.NewSummary) == "" || strings.TrimSpace(eg.NewJSON) == "" {
		return nil, ErrNewSideMissing
	}

	var md string
	err = pipeline.Retry(ctx, e.retry, "kop", func(ctx context.Context) error {
		var err error
		md, err = e.analyzer.DraftKOP(ctx, sm.NewSummary, eg.NewJSON)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("drafting KOP for upload %d: %w", uploadID, err)
	}

	subtitle := fmt.Sprintf("Upload %d", uploadID)
	if up, err := e.store.GetUpload(ctx, uploadID); err == nil {
		subtitle = fmt.Sprintf("%s (upload %d)", up.RegulationName, uploadID)
	}

	data, err := export.DOCX(export.Document{
		Title:    export.KOPTitle,
		Subtitle: subtitle,
		Markdown: md,
	})
	if err != nil {
		return nil, fmt.Errorf("rendering KOP: %w", err)
	}

	slog.Info("kop exported", "upload_id", uploadID, "bytes", len(data))
	return &KOP{
		Filename:    export.KOPFilename(uploadID),
		ContentType: export.DOCXContentType,
		Markdown:    md,
		Data:        data,
	}, nil
}

func (e *engine) resultsErr(uploadID int64, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: upload %d", ErrResultsNotFound, uploadID)
	}
	return err
}

func (e *engine) History(ctx context.Context) ([]store.Upload, error) {
	if err := e.requireStore(); err != nil {
		return nil, err
	}
	return e.store.ListUploads(ctx)
}

func (e *engine) HistoryXLSX(ctx context.Context) ([]byte, error) {
	uploads, err := e.History(ctx)
	if err != nil {
		return nil, err
	}
	return export.HistoryXLSX(uploads)
}

func (e *engine) Ask(ctx context.Context, question string) (*rag.Answer, error) {
	if strings.TrimSpace(question) == "" {
		return nil, ErrMissingQuestion
	}
	ans, err := e.asker.Ask(ctx, question)
	if errors.Is(err, rag.ErrEmptyQuestion) {
		return nil, ErrMissingQuestion
	}
	return ans, err
}

func (e *engine) Resume(ctx context.Context) (int, error) {
	if e.queue == nil {
		return 0, nil
	}
	return e.queue.Resume(ctx)
}

func (e *engine) Ping(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	return e.store.Ping(ctx)
}

func (e *engine) Shutdown(ctx context.Context) error {
	if e.queue != nil {
		e.queue.Shutdown(ctx)
	}
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}

func (e *engine) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return e.Shutdown(ctx)
}

func (e *engine) upload(ctx context.Context, uploadID int64) (*store.Upload, error) {
	if err := e.requireStore(); err != nil {
		return nil, err
	}
	up, err := e.store.GetUpload(ctx, uploadID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrUploadNotFound, uploadID)
	}
	return up, err
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
