package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/michaelbrown/fixloop/internal/launch"
	"github.com/michaelbrown/fixloop/internal/repair"
	"github.com/michaelbrown/fixloop/internal/sandbox"
	"github.com/michaelbrown/fixloop/internal/storage"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, storage.ErrAmbiguousID):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "active_runs": s.runs.Len()})
}

// --- Run handlers ---

type runResponse struct {
	*storage.Run
	Active bool `json:"active"`
}

type runDetail struct {
	runResponse
	Attempts []repair.Attempt `json:"attempts"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	opts := storage.RunListOptions{}

	if status := r.URL.Query().Get("status"); status != "" {
		opts.Status = storage.RunStatus(status)
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	runs, err := s.store.ListRuns(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]runResponse, 0, len(runs))
	for i := range runs {
		_, active := s.runs.Get(runs[i].ID)
		out = append(out, runResponse{Run: &runs[i], Active: active})
	}
	writeJSON(w, http.StatusOK, out)
}

type createRunRequest struct {
	Task        string `json:"task"`
	Language    string `json:"language"`
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	Profile     string `json:"profile"`
	MaxAttempts int    `json:"max_attempts"`
	Timeout     string `json:"timeout"`
}

// handleCreateRun starts a run in the background and answers 202. With
// ?wait=true it answers once the run has finished.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	task := strings.TrimSpace(req.Task)
	if task == "" {
		writeError(w, http.StatusBadRequest, "task is required")
		return
	}
	if req.MaxAttempts < 0 {
		writeError(w, http.StatusBadRequest, "max_attempts must not be negative")
		return
	}

	lreq := launch.Request{
		Language:    req.Language,
		Provider:    req.Provider,
		Model:       req.Model,
		Profile:     req.Profile,
		MaxAttempts: req.MaxAttempts,
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid timeout: "+req.Timeout)
			return
		}
		lreq.Timeout = d
	}

	ar := newActiveRun(uuid.New().String())
	c, meta, err := s.builder.Build(lreq, ar.delta)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run := &storage.Run{
		ID:       ar.ID,
		Task:     task,
		Status:   storage.StatusRunning,
		Language: meta.Options.Language.Name,
		Provider: meta.Provider,
		Model:    meta.Model,
		Profile:  meta.Profile,
	}
	if err := s.store.CreateRun(r.Context(), run); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.runs.Start(ar, c, repair.Task(task))
	s.logger.Info("run started", "run", ar.ID, "language", run.Language, "model", run.Model)

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); !wait {
		writeJSON(w, http.StatusAccepted, runResponse{Run: run, Active: true})
		return
	}

	select {
	case <-ar.Done():
	case <-r.Context().Done():
		return
	}
	s.writeRunDetail(r.Context(), w, ar.ID)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	_, active := s.runs.Get(run.ID)
	writeJSON(w, http.StatusOK, runResponse{Run: run, Active: active})
}

func (s *Server) writeRunDetail(ctx context.Context, w http.ResponseWriter, id string) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	attempts, err := s.attempts(ctx, run.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_, active := s.runs.Get(run.ID)
	writeJSON(w, http.StatusOK, runDetail{runResponse: runResponse{Run: run, Active: active}, Attempts: attempts})
}

// attempts prefers the live view of an active run; stored attempts are only
// written once a run finishes.
func (s *Server) attempts(ctx context.Context, id string) ([]repair.Attempt, error) {
	if ar, ok := s.runs.Get(id); ok {
		if live := ar.Attempts(); live != nil {
			return live, nil
		}
		return []repair.Attempt{}, nil
	}
	attempts, err := s.store.LoadAttempts(ctx, id)
	if err != nil {
		return nil, err
	}
	if attempts == nil {
		attempts = []repair.Attempt{}
	}
	return attempts, nil
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	// Stop it first so the final record does not resurrect the row.
	s.runs.Remove(run.ID)

	if err := s.store.DeleteRun(r.Context(), run.ID); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetAttempts(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	attempts, err := s.attempts(r.Context(), run.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

// --- Provider/language handlers ---

type providerInfo struct {
	Name     string            `json:"name"`
	Models   map[string]string `json:"models"`
	IsOllama bool              `json:"is_ollama"`
	Default  bool              `json:"default"`
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers := make([]providerInfo, 0, len(s.cfg.Providers))
	for name, p := range s.cfg.Providers {
		providers = append(providers, providerInfo{
			Name:     name,
			Models:   p.Models,
			IsOllama: p.IsOllama(),
			Default:  name == s.cfg.DefaultProvider,
		})
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i].Name < providers[j].Name })
	writeJSON(w, http.StatusOK, providers)
}

type languageInfo struct {
	Name    string `json:"name"`
	Display string `json:"display"`
	Image   string `json:"image"`
}

func (s *Server) handleListLanguages(w http.ResponseWriter, r *http.Request) {
	var langs []languageInfo
	for _, name := range sandbox.LanguageNames() {
		l, err := sandbox.LookupLanguage(name)
		if err != nil {
			continue
		}
		langs = append(langs, languageInfo{Name: l.Name, Display: l.Display, Image: l.Image})
	}
	writeJSON(w, http.StatusOK, langs)
}
