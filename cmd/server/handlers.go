package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/brunobiangulo/kopgen"
	"github.com/brunobiangulo/kopgen/jobs"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type handler struct {
	engine   kopgen.Engine
	pages    *pages
	validate *validator.Validate
}

func newHandler(e kopgen.Engine) (*handler, error) {
	p, err := loadPages()
	if err != nil {
		return nil, err
	}
	return &handler{engine: e, pages: p, validate: validator.New()}, nil
}

// routes registers every endpoint. QA-only engines get the chat surface
// and the health check, with the chat page served at /.
func (h *handler) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /chat", h.handleChat)
	mux.HandleFunc("POST /ask", h.handleAsk)

	if h.engine.QAOnly() {
		mux.HandleFunc("GET /{$}", h.handleChat)
		return mux
	}

	mux.HandleFunc("GET /{$}", h.handleIndex)
	mux.HandleFunc("POST /{$}", h.handleSubmit)
	mux.HandleFunc("GET /compare/{id}", h.handleCompare)
	mux.HandleFunc("GET /graph_data/{id}/{version}", h.handleGraphData)
	mux.HandleFunc("GET /status/{id}", h.handleStatus)
	mux.HandleFunc("POST /regenerate/{id}", h.handleRegenerate)
	mux.HandleFunc("POST /approve/{id}", h.handleApprove)
	mux.HandleFunc("GET /history", h.handleHistory)
	mux.HandleFunc("GET /history.xlsx", h.handleHistoryXLSX)
	return mux
}

// uploadForm is the POST / form.
type uploadForm struct {
	Regulation    int64  `validate:"gt=0"`
	Mode          string `validate:"oneof=first_time compare"`
	FirstTimePath string `validate:"required_if=Mode first_time"`
	OldPath       string `validate:"required_if=Mode compare"`
	NewPath       string `validate:"required_if=Mode compare"`
}

func parseUploadForm(r *http.Request) uploadForm {
	f := uploadForm{
		Mode:          r.PostFormValue("upload_mode"),
		FirstTimePath: strings.TrimSpace(r.PostFormValue("first_time_path")),
		OldPath:       strings.TrimSpace(r.PostFormValue("old_path")),
		NewPath:       strings.TrimSpace(r.PostFormValue("new_path")),
	}
	// Anything other than a first-time upload is a comparison.
	if f.Mode != kopgen.ModeFirstTime {
		f.Mode = kopgen.ModeCompare
	}
	f.Regulation, _ = strconv.ParseInt(strings.TrimSpace(r.PostFormValue("regulation")), 10, 64)
	return f
}

// formMessage turns the first failed field into the page's error text.
func formMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Invalid form."
	}
	switch verrs[0].Field() {
	case "FirstTimePath":
		return "New Regulation PDF path is invalid."
	case "OldPath", "NewPath":
		return "Old or New PDF path is invalid."
	case "Regulation":
		return "Invalid regulation."
	default:
		return "Invalid upload mode."
	}
}

// GET /
func (h *handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	regs, err := h.engine.Regulations(r.Context())
	if err != nil {
		writeText(w, http.StatusInternalServerError, "failed to load regulations")
		slog.Error("list regulations error", "error", err)
		return
	}
	h.render(w, "index", map[string]any{"Regulations": regs})
}

// POST /
func (h *handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	if err := r.ParseForm(); err != nil {
		writeText(w, http.StatusBadRequest, "Invalid form.")
		return
	}
	form := parseUploadForm(r)
	if err := h.validate.Struct(form); err != nil {
		writeText(w, http.StatusBadRequest, formMessage(err))
		return
	}

	up, _, err := h.engine.SubmitUpload(ctx, kopgen.Submission{
		RegulationID:  form.Regulation,
		Mode:          form.Mode,
		FirstTimePath: form.FirstTimePath,
		OldPath:       form.OldPath,
		NewPath:       form.NewPath,
	})
	switch {
	case err == nil:
	case errors.Is(err, kopgen.ErrInvalidPath):
		writeText(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, kopgen.ErrInvalidRegulation):
		writeText(w, http.StatusBadRequest, "Invalid regulation.")
		return
	case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrQueueClosed):
		writeText(w, http.StatusServiceUnavailable, "Processing is busy, please regenerate later.")
		slog.Warn("upload not scheduled", "error", err)
		return
	default:
		writeText(w, http.StatusInternalServerError, "upload failed")
		slog.Error("submit upload error", "error", err)
		return
	}

	http.Redirect(w, r, fmt.Sprintf("/compare/%d", up.ID), http.StatusSeeOther)
}

// GET /compare/{id}
func (h *handler) handleCompare(w http.ResponseWriter, r *http.Request) {
	id, ok := uploadID(w, r)
	if !ok {
		return
	}
	cmp, err := h.engine.Compare(r.Context(), id)
	if errors.Is(err, kopgen.ErrUploadNotFound) {
		writeText(w, http.StatusNotFound, "Upload not found")
		return
	}
	if err != nil {
		writeText(w, http.StatusInternalServerError, "failed to load comparison")
		slog.Error("compare error", "upload_id", id, "error", err)
		return
	}
	h.render(w, "compare", cmp)
}

// GET /graph_data/{id}/{version}
func (h *handler) handleGraphData(w http.ResponseWriter, r *http.Request) {
	id, ok := uploadID(w, r)
	if !ok {
		return
	}
	data, err := h.engine.GraphData(r.Context(), id, r.PathValue("version"))
	if errors.Is(err, kopgen.ErrInvalidVersion) {
		writeError(w, http.StatusBadRequest, "Invalid version")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load graph")
		slog.Error("graph data error", "upload_id", id, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// GET /status/{id}
func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := uploadID(w, r)
	if !ok {
		return
	}
	job, err := h.engine.JobStatus(r.Context(), id)
	if errors.Is(err, kopgen.ErrUploadNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load job")
		slog.Error("job status error", "upload_id", id, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// POST /regenerate/{id}
func (h *handler) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	id, ok := uploadID(w, r)
	if !ok {
		return
	}
	_, err := h.engine.Regenerate(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, kopgen.ErrUploadNotFound):
		writeText(w, http.StatusNotFound, "Upload not found")
		return
	case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrQueueClosed):
		writeText(w, http.StatusServiceUnavailable, "Processing is busy, please try again later.")
		return
	default:
		writeText(w, http.StatusInternalServerError, "regeneration failed")
		slog.Error("regenerate error", "upload_id", id, "error", err)
		return
	}
	http.Redirect(w, r, fmt.Sprintf("/compare/%d", id), http.StatusSeeOther)
}

// POST /approve/{id}
func (h *handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Minute)
	defer cancel()

	id, ok := uploadID(w, r)
	if !ok {
		return
	}
	kop, err := h.engine.Approve(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, kopgen.ErrResultsNotFound):
		writeText(w, http.StatusNotFound, "Data not found")
		return
	case errors.Is(err, kopgen.ErrNewSideMissing):
		writeText(w, http.StatusBadRequest, "New data missing. Please upload new regulation first.")
		return
	default:
		writeText(w, http.StatusInternalServerError, "KOP generation failed")
		slog.Error("approve error", "upload_id", id, "error", err)
		return
	}
	writeAttachment(w, kop.ContentType, kop.Filename, kop.Data)
}

// GET /history
func (h *handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	uploads, err := h.engine.History(r.Context())
	if err != nil {
		writeText(w, http.StatusInternalServerError, "failed to load history")
		slog.Error("history error", "error", err)
		return
	}
	h.render(w, "history", map[string]any{"Uploads": uploads})
}

// GET /history.xlsx
func (h *handler) handleHistoryXLSX(w http.ResponseWriter, r *http.Request) {
	data, err := h.engine.HistoryXLSX(r.Context())
	if err != nil {
		writeText(w, http.StatusInternalServerError, "failed to export history")
		slog.Error("history export error", "error", err)
		return
	}
	writeAttachment(w, xlsxContentType, "upload_history.xlsx", data)
}

// GET /chat
func (h *handler) handleChat(w http.ResponseWriter, r *http.Request) {
	h.render(w, "chat", nil)
}

// POST /ask
func (h *handler) handleAsk(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	var req struct {
		Question string `json:"question"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "Missing question")
		return
	}

	answer, err := h.engine.Ask(ctx, req.Question)
	if errors.Is(err, kopgen.ErrMissingQuestion) {
		writeError(w, http.StatusBadRequest, "Missing question")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		slog.Error("ask error", "question", req.Question, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Ping(r.Context()); err != nil {
		slog.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) render(w http.ResponseWriter, page string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.pages.execute(w, page, data); err != nil {
		slog.Error("render error", "page", page, "error", err)
	}
}

// uploadID parses the {id} path value, answering 404 when it is not a
// positive integer.
func uploadID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeText(w, http.StatusNotFound, "Not found")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprint(w, msg)
}

func writeAttachment(w http.ResponseWriter, contentType, filename string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
