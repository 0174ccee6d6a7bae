package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/msageha/launchanalyzer/internal/analyzer"
	"github.com/msageha/launchanalyzer/internal/autoanalysis"
	"github.com/msageha/launchanalyzer/internal/model"
	"github.com/msageha/launchanalyzer/internal/worker"
)

// Handler returns the ops HTTP router. Every JSON reply uses the
// success/error envelope of the analyzer protocol.
func (d *Daemon) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", d.handleHealth)
	r.Method(http.MethodGet, "/metrics", d.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/analyzers", d.handleAnalyzers)
		r.Get("/status", d.handleStatus)

		r.Post("/launches", d.handleIngest)
		r.Route("/launches/{launchID}", func(r chi.Router) {
			r.Post("/finished", d.handleFinished)
			r.Post("/analyze", d.handleAnalyze)
			r.Post("/patterns", d.handlePatterns)
			r.Get("/matches", d.handleMatches)
		})

		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Get("/templates", d.handleListTemplates)
			r.Post("/templates", d.handleCreateTemplate)
			r.Put("/templates/{templateID}/enabled", d.handleSetTemplateEnabled)
			r.Delete("/templates/{templateID}", d.handleDeleteTemplate)

			r.Post("/index", d.handleIndex)
			r.Delete("/index", d.handleDeleteIndex)
			r.Post("/search", d.handleSearch)
			r.Post("/suggest", d.handleSuggest)
		})
	})
	return r
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := d.store.Ping(r.Context()); err != nil {
		writeError(w, fmt.Errorf("store: %w", err))
		return
	}
	if !d.nc.IsConnected() {
		writeError(w, fmt.Errorf("broker %s: %w", d.nc.Status(), model.ErrAnalyzersUnavailable))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d *Daemon) handleAnalyzers(w http.ResponseWriter, r *http.Request) {
	chs := d.client.Channels(r.Context())
	if chs == nil {
		chs = []model.AnalyzerChannel{}
	}
	writeJSON(w, http.StatusOK, chs)
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	entries := d.cache.Snapshot()
	if entries == nil {
		entries = []model.StatusEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// ingestRequest carries a reported launch with its items and logs.
type ingestRequest struct {
	Launch model.Launch     `json:"launch"`
	Items  []model.TestItem `json:"items"`
	Logs   []model.LogEntry `json:"logs"`
}

func (d *Daemon) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Launch.ID == 0 || req.Launch.ProjectID == 0 {
		writeError(w, fmt.Errorf("%w: launch id and projectId are required", model.ErrValidation))
		return
	}
	for i := range req.Items {
		req.Items[i].LaunchID = req.Launch.ID
	}

	ctx := r.Context()
	l, err := d.store.SaveLaunch(ctx, req.Launch)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := d.store.SaveItems(ctx, req.Items); err != nil {
		writeError(w, err)
		return
	}
	if err := d.store.SaveLogs(ctx, req.Logs); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

type finishedRequest struct {
	UserID int64 `json:"userId"`
}

func (d *Daemon) handleFinished(w http.ResponseWriter, r *http.Request) {
	launchID, ok := pathID(w, r, "launchID")
	if !ok {
		return
	}
	var req finishedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	handles, err := d.dispatcher.Dispatch(d.ctx, model.LaunchFinishedEvent{LaunchID: launchID, UserID: req.UserID})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, scheduled(handles...))
}

type analyzeRequest struct {
	Modes   []string `json:"modes"`
	ItemIDs []int64  `json:"itemIds"`
	UserID  int64    `json:"userId"`
}

func (d *Daemon) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	l, req, ok := d.launchRequest(w, r)
	if !ok {
		return
	}
	modes, err := parseModes(req.Modes)
	if err != nil {
		writeError(w, err)
		return
	}
	h, err := d.auto.RunAsync(d.ctx, autoanalysis.Request{
		Launch:  l,
		Modes:   modes,
		ItemIDs: req.ItemIDs,
		Config:  d.projects.AnalyzerSettings(l.ProjectID),
		UserID:  req.UserID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, scheduled(h))
}

func (d *Daemon) handlePatterns(w http.ResponseWriter, r *http.Request) {
	l, req, ok := d.launchRequest(w, r)
	if !ok {
		return
	}
	modes, err := parseModes(req.Modes)
	if err != nil {
		writeError(w, err)
		return
	}
	h, err := d.patterns.AnalyzeTestItems(d.ctx, l, modes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, scheduled(h))
}

func (d *Daemon) handleMatches(w http.ResponseWriter, r *http.Request) {
	launchID, ok := pathID(w, r, "launchID")
	if !ok {
		return
	}
	rows, err := d.store.Matches(r.Context(), launchID)
	if err != nil {
		writeError(w, err)
		return
	}
	if rows == nil {
		rows = []model.PatternTemplateTestItem{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (d *Daemon) launchRequest(w http.ResponseWriter, r *http.Request) (model.Launch, analyzeRequest, bool) {
	var req analyzeRequest
	launchID, ok := pathID(w, r, "launchID")
	if !ok {
		return model.Launch{}, req, false
	}
	if !decodeBody(w, r, &req) {
		return model.Launch{}, req, false
	}
	l, err := d.store.GetLaunch(r.Context(), launchID)
	if err != nil {
		writeError(w, err)
		return model.Launch{}, req, false
	}
	return l, req, true
}

func (d *Daemon) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	list, err := d.templates.List(r.Context(), projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []model.PatternTemplate{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (d *Daemon) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	var tmpl model.PatternTemplate
	if !decodeBody(w, r, &tmpl) {
		return
	}
	created, err := d.templates.Create(r.Context(), projectID, tmpl)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (d *Daemon) handleSetTemplateEnabled(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	templateID, ok := pathID(w, r, "templateID")
	if !ok {
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := d.templates.SetEnabled(r.Context(), projectID, templateID, req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (d *Daemon) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	templateID, ok := pathID(w, r, "templateID")
	if !ok {
		return
	}
	if err := d.templates.Delete(r.Context(), projectID, templateID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": templateID})
}

func (d *Daemon) handleIndex(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	var req struct {
		LaunchIDs []int64 `json:"launchIds"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	n, err := d.indexer.IndexLaunches(r.Context(), projectID, req.LaunchIDs, d.projects.AnalyzerSettings(projectID))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"took": n})
}

func (d *Daemon) handleDeleteIndex(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	d.indexer.DeleteIndex(r.Context(), projectID)
	writeJSON(w, http.StatusOK, map[string]int64{"project": projectID})
}

func (d *Daemon) handleSearch(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	var rq model.SearchLogsRq
	if !decodeBody(w, r, &rq) {
		return
	}
	rq.ProjectID = projectID
	rq.AnalyzerConfig = d.projects.AnalyzerSettings(projectID)
	hits, err := d.client.SearchLogs(r.Context(), rq)
	if err != nil {
		writeError(w, err)
		return
	}
	if hits == nil {
		hits = []model.SearchLogsRs{}
	}
	writeJSON(w, http.StatusOK, hits)
}

func (d *Daemon) handleSuggest(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	var rq model.SuggestRq
	if !decodeBody(w, r, &rq) {
		return
	}
	rq.ProjectID = projectID
	rq.AnalyzerConfig = d.projects.AnalyzerSettings(projectID)
	out, err := d.client.Suggest(r.Context(), rq)
	if err != nil {
		writeError(w, err)
		return
	}
	if out == nil {
		out = []model.SuggestInfo{}
	}
	writeJSON(w, http.StatusOK, out)
}

func scheduled(handles ...*worker.Handle) map[string]any {
	names := make([]string, 0, len(handles))
	for _, h := range handles {
		if h != nil {
			names = append(names, h.Name())
		}
	}
	return map[string]any{"scheduled": names}
}

func parseModes(raw []string) ([]model.AnalyzeMode, error) {
	modes := make([]model.AnalyzeMode, 0, len(raw))
	for _, s := range raw {
		m, err := model.ParseAnalyzeMode(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrValidation, err)
		}
		modes = append(modes, m)
	}
	if len(modes) == 0 {
		modes = append(modes, model.ModeToInvestigate)
	}
	return modes, nil
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, fmt.Errorf("%w: invalid %s %q", model.ErrValidation, name, chi.URLParam(r, name)))
		return 0, false
	}
	return id, true
}

// decodeBody accepts an empty body as the zero value.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, fmt.Errorf("%w: invalid request body: %v", model.ErrValidation, err))
	return false
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(analyzer.SuccessResponse(data))
}

func writeError(w http.ResponseWriter, err error) {
	code := model.ErrorCode(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(code))
	json.NewEncoder(w).Encode(analyzer.ErrorResponse(code, err.Error()))
}

func httpStatus(code string) int {
	switch code {
	case model.ErrCodeInProgress, model.ErrCodeDuplicate:
		return http.StatusConflict
	case model.ErrCodeConfiguration:
		return http.StatusUnprocessableEntity
	case model.ErrCodeValidation:
		return http.StatusBadRequest
	case model.ErrCodeUnavailable, model.ErrCodeCapacity:
		return http.StatusServiceUnavailable
	case model.ErrCodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
