//go:build cgo

package kopgen

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/kopgen/llm"
	"github.com/brunobiangulo/kopgen/rag"
	"github.com/brunobiangulo/kopgen/store"
)

const extractionReply = `{
  "entities": [
    {"id": "counterparty", "name": "Counterparty", "type": "actor"},
    {"id": "trade_report", "name": "Trade report", "type": "obligation"}
  ],
  "relationships": [
    {"source": "counterparty", "target": "trade_report", "type": "submits"}
  ]
}`

type scriptedChat struct {
	mu    sync.Mutex
	calls []llm.ChatRequest
	fail  error
}

func (c *scriptedChat) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	c.mu.Unlock()
	if c.fail != nil {
		return nil, c.fail
	}
	switch {
	case req.ResponseFormat == "json_object":
		return &llm.ChatResponse{Content: extractionReply}, nil
	case strings.Contains(req.System, "Key Operating"), strings.Contains(req.System, "(KOP)"):
		return &llm.ChatResponse{Content: "# KOP\n\n1. Report every trade.\n2. Reconcile daily."}, nil
	default:
		return &llm.ChatResponse{Content: "## Summary\n\nCounterparties report trades."}, nil
	}
}

type fakeAsker struct {
	answer *rag.Answer
	err    error
	got    string
}

func (a *fakeAsker) Ask(_ context.Context, q string) (*rag.Answer, error) {
	a.got = q
	return a.answer, a.err
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "test.db")
	cfg.Jobs.Workers = 0
	cfg.Retry.Base = Duration(1)
	cfg.Retry.Max = Duration(1)
	return cfg
}

func newTestEngine(t *testing.T, chat llm.Provider) Engine {
	t.Helper()
	return newTestEngineWith(t, testConfig(t), chat)
}

func newTestEngineWith(t *testing.T, cfg Config, chat llm.Provider) Engine {
	t.Helper()
	e, err := New(cfg,
		WithChatProvider(chat),
		WithAsker(&fakeAsker{answer: &rag.Answer{Text: "ok"}}),
		WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func writeDoc(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func firstRegulation(t *testing.T, e Engine) store.Regulation {
	t.Helper()
	regs, err := e.Regulations(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, regs)
	return regs[0]
}

func TestSubmitFirstTime(t *testing.T) {
	ctx := context.Background()
	chat := &scriptedChat{}
	e := newTestEngine(t, chat)
	reg := firstRegulation(t, e)

	up, job, err := e.SubmitUpload(ctx, Submission{
		RegulationID:  reg.ID,
		Mode:          ModeFirstTime,
		FirstTimePath: writeDoc(t, "emir.txt", "Counterparties shall report trades."),
	})
	require.NoError(t, err)
	assert.False(t, up.IsComparison())
	assert.Equal(t, reg.Name, up.RegulationName)
	assert.Equal(t, store.JobSucceeded, job.Status)
	assert.Len(t, chat.calls, 2)

	cmp, err := e.Compare(ctx, up.ID)
	require.NoError(t, err)
	require.True(t, cmp.HasResults())
	assert.Nil(t, cmp.Summary.OldSummary)
	assert.Empty(t, cmp.OldHTML)
	assert.Contains(t, string(cmp.NewHTML), "<h2")

	newGraph, err := e.GraphData(ctx, up.ID, "new")
	require.NoError(t, err)
	var flat map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(newGraph, &flat))
	assert.Contains(t, flat, "nodes")
	assert.Contains(t, flat, "edges")

	oldGraph, err := e.GraphData(ctx, up.ID, "old")
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(oldGraph))
}

func TestSubmitCompare(t *testing.T) {
	ctx := context.Background()
	chat := &scriptedChat{}
	e := newTestEngine(t, chat)
	reg := firstRegulation(t, e)

	up, job, err := e.SubmitUpload(ctx, Submission{
		RegulationID: reg.ID,
		Mode:         ModeCompare,
		OldPath:      writeDoc(t, "old.txt", "Old rules."),
		NewPath:      writeDoc(t, "new.txt", "New rules."),
	})
	require.NoError(t, err)
	assert.True(t, up.IsComparison())
	assert.Equal(t, store.JobSucceeded, job.Status)
	assert.Len(t, chat.calls, 4)

	cmp, err := e.Compare(ctx, up.ID)
	require.NoError(t, err)
	require.NotNil(t, cmp.Summary.OldSummary)
	assert.NotEmpty(t, cmp.OldHTML)

	oldGraph, err := e.GraphData(ctx, up.ID, "old")
	require.NoError(t, err)
	assert.Contains(t, string(oldGraph), "nodes")
}

func TestSubmitInvalidPaths(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, &scriptedChat{})
	reg := firstRegulation(t, e)

	_, _, err := e.SubmitUpload(ctx, Submission{RegulationID: reg.ID, Mode: ModeFirstTime, FirstTimePath: "/nope.pdf"})
	require.ErrorIs(t, err, ErrInvalidPath)
	assert.Equal(t, "New Regulation PDF path is invalid.", err.Error())

	_, _, err = e.SubmitUpload(ctx, Submission{
		RegulationID: reg.ID,
		Mode:         ModeCompare,
		OldPath:      writeDoc(t, "old.txt", "x"),
		NewPath:      t.TempDir(),
	})
	require.ErrorIs(t, err, ErrInvalidPath)
	assert.Equal(t, "Old or New PDF path is invalid.", err.Error())

	hist, err := e.History(ctx)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestSubmitUnknownRegulation(t *testing.T) {
	e := newTestEngine(t, &scriptedChat{})
	_, _, err := e.SubmitUpload(context.Background(), Submission{
		RegulationID:  999,
		Mode:          ModeFirstTime,
		FirstTimePath: writeDoc(t, "a.txt", "x"),
	})
	assert.ErrorIs(t, err, ErrInvalidRegulation)
}

func TestSubmitProcessingFailure(t *testing.T) {
	ctx := context.Background()
	chat := &scriptedChat{fail: errors.New("model unavailable")}
	e := newTestEngine(t, chat)
	reg := firstRegulation(t, e)

	up, job, err := e.SubmitUpload(ctx, Submission{
		RegulationID:  reg.ID,
		Mode:          ModeFirstTime,
		FirstTimePath: writeDoc(t, "a.txt", "x"),
	})
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, job.Status)
	assert.Contains(t, job.Error, "model unavailable")

	cmp, err := e.Compare(ctx, up.ID)
	require.NoError(t, err)
	assert.False(t, cmp.HasResults())
	require.NotNil(t, cmp.Job)
	assert.Equal(t, store.JobFailed, cmp.Job.Status)

	_, err = e.Approve(ctx, up.ID)
	assert.ErrorIs(t, err, ErrResultsNotFound)
}

func TestGraphData(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, &scriptedChat{})

	_, err := e.GraphData(ctx, 1, "middle")
	assert.ErrorIs(t, err, ErrInvalidVersion)

	data, err := e.GraphData(ctx, 42, "new")
	require.NoError(t, err)
	assert.JSONEq(t, `{"nodes":[],"edges":[]}`, string(data))
}

func TestApprove(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, &scriptedChat{})
	reg := firstRegulation(t, e)

	up, _, err := e.SubmitUpload(ctx, Submission{
		RegulationID:  reg.ID,
		Mode:          ModeFirstTime,
		FirstTimePath: writeDoc(t, "a.txt", "Counterparties shall report trades."),
	})
	require.NoError(t, err)

	kop, err := e.Approve(ctx, up.ID)
	require.NoError(t, err)
	assert.Equal(t, "kop_upload_1.docx", kop.Filename)
	assert.Contains(t, kop.Markdown, "Report every trade")
	require.True(t, len(kop.Data) > 4)
	assert.Equal(t, "PK", string(kop.Data[:2]))
}

// resultRows counts the stored summary and entity graph rows of an upload.
func resultRows(t *testing.T, dbPath string, uploadID int64) (summaries, graphs int) {
	t.Helper()
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=30000")
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM summaries WHERE upload_id = ?),
			(SELECT COUNT(*) FROM entity_graphs WHERE upload_id = ?)
	`, uploadID, uploadID).Scan(&summaries, &graphs))
	return summaries, graphs
}

func TestRegenerateAndStatus(t *testing.T) {
	ctx := context.Background()
	chat := &scriptedChat{}
	cfg := testConfig(t)
	e := newTestEngineWith(t, cfg, chat)
	reg := firstRegulation(t, e)

	_, err := e.JobStatus(ctx, 7)
	assert.ErrorIs(t, err, ErrUploadNotFound)
	_, err = e.Regenerate(ctx, 7)
	assert.ErrorIs(t, err, ErrUploadNotFound)

	up, first, err := e.SubmitUpload(ctx, Submission{
		RegulationID:  reg.ID,
		Mode:          ModeFirstTime,
		FirstTimePath: writeDoc(t, "a.txt", "x"),
	})
	require.NoError(t, err)

	var job *store.Job
	for i := 0; i < 2; i++ {
		job, err = e.Regenerate(ctx, up.ID)
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, job.ID)
		assert.Equal(t, store.JobRegenerate, job.Kind)
		assert.Equal(t, store.JobSucceeded, job.Status)
	}

	latest, err := e.JobStatus(ctx, up.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, latest.ID)
	assert.Len(t, chat.calls, 6)

	// Regeneration replaces results in place.
	summaries, graphs := resultRows(t, cfg.DBPath, up.ID)
	assert.Equal(t, 1, summaries)
	assert.Equal(t, 1, graphs)
}

func TestHistoryXLSX(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, &scriptedChat{})
	reg := firstRegulation(t, e)

	for i := 0; i < 2; i++ {
		_, _, err := e.SubmitUpload(ctx, Submission{
			RegulationID:  reg.ID,
			Mode:          ModeFirstTime,
			FirstTimePath: writeDoc(t, "a.txt", "x"),
		})
		require.NoError(t, err)
	}

	hist, err := e.History(ctx)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Greater(t, hist[0].ID, hist[1].ID)

	data, err := e.HistoryXLSX(ctx)
	require.NoError(t, err)
	assert.Equal(t, "PK", string(data[:2]))
}

func TestAsk(t *testing.T) {
	asker := &fakeAsker{answer: &rag.Answer{Text: "T+1"}}
	e, err := New(testConfig(t), WithChatProvider(&scriptedChat{}), WithAsker(asker))
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Ask(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrMissingQuestion)

	ans, err := e.Ask(context.Background(), "When?")
	require.NoError(t, err)
	assert.Equal(t, "T+1", ans.Text)
	assert.Equal(t, "When?", asker.got)

	asker.err = rag.ErrEmptyQuestion
	_, err = e.Ask(context.Background(), "x")
	assert.ErrorIs(t, err, ErrMissingQuestion)
}

func TestQAOnly(t *testing.T) {
	cfg := testConfig(t)
	cfg.QAOnly = true
	cfg.Chat.Provider = ""
	e, err := New(cfg, WithAsker(&fakeAsker{answer: &rag.Answer{Text: "yes"}}))
	require.NoError(t, err)
	defer e.Close()

	assert.True(t, e.QAOnly())
	assert.NoError(t, e.Ping(context.Background()))

	ans, err := e.Ask(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "yes", ans.Text)

	_, err = e.History(context.Background())
	assert.ErrorIs(t, err, ErrQAOnly)
	_, _, err = e.SubmitUpload(context.Background(), Submission{})
	assert.ErrorIs(t, err, ErrQAOnly)
	_, err = e.GraphData(context.Background(), 1, "new")
	assert.ErrorIs(t, err, ErrQAOnly)

	n, err := e.Resume(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = os.Stat(cfg.DBPath)
	assert.True(t, os.IsNotExist(err))
}
