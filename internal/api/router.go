// Package api serves the ops HTTP surface: health, metrics, job listings
// and manual job triggers.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/middleware"
)

// JobRunner submits and cancels jobs.
type JobRunner interface {
	Submit(ctx context.Context, j *domain.Job) (*domain.Job, error)
	Cancel(ctx context.Context, id string) error
}

// Mappings edits the mapping state of data tables.
type Mappings interface {
	Approve(ctx context.Context, dataTableID int64) error
	OverrideType(ctx context.Context, dataTableID int64, column string, t domain.RawType) error
}

// Config holds the collaborators of the router.
type Config struct {
	Role   string
	Jobs   domain.JobRepository
	Tables domain.DataTableRepository
	Runner JobRunner

	// Mappings is nil on servers that do not own mappings.
	Mappings Mappings
	Metrics  http.Handler
	// Ready reports whether the stores are reachable; nil means always ready.
	Ready    func(ctx context.Context) error
	Triggers middleware.TriggerLimit
	Logger   *slog.Logger
	Started  time.Time

	// CORSOrigins lists the browser origins allowed to call the API.
	CORSOrigins []string
}

type handler struct {
	cfg    Config
	logger *slog.Logger
}

// NewRouter builds the ops router.
func NewRouter(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Started.IsZero() {
		cfg.Started = time.Now()
	}
	if cfg.Triggers.PerSecond <= 0 {
		cfg.Triggers = middleware.TriggerLimit{PerSecond: 2, Burst: 10}
	}
	h := &handler{cfg: cfg, logger: cfg.Logger.With("component", "api")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(cfg.Logger))
	r.Use(chimw.Recoverer)
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", middleware.RequestIDHeader},
			ExposedHeaders: []string{middleware.RequestIDHeader, "Retry-After"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", h.health)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/jobs", h.listJobs)
		r.Get("/jobs/{id}", h.getJob)
		r.Get("/data-tables", h.listDataTables)

		r.Group(func(r chi.Router) {
			r.Use(middleware.TriggerLimiter(cfg.Triggers))
			r.Post("/jobs/{id}/cancel", h.cancelJob)
			r.Post("/data-tables/{id}/scan", h.triggerScan)
			r.Post("/data-tables/{id}/pull", h.triggerPull)
			r.Post("/autolink", h.triggerAutoLink)
		})

		if cfg.Mappings != nil {
			r.Post("/data-tables/{id}/approve", h.approve)
			r.Put("/data-tables/{id}/columns/{column}/type", h.overrideType)
		}
	})
	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":         "ok",
		"role":           h.cfg.Role,
		"uptime_seconds": int(time.Since(h.cfg.Started).Seconds()),
	}
	if h.cfg.Ready != nil {
		if err := h.cfg.Ready(r.Context()); err != nil {
			body["status"] = "unavailable"
			body["error"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// jobJSON is the wire shape of a job.
type jobJSON struct {
	ID                  string     `json:"id"`
	Kind                string     `json:"kind"`
	DataTableID         int64      `json:"data_table_id,omitempty"`
	ProcessID           int64      `json:"process_id,omitempty"`
	Status              string     `json:"status"`
	Percent             float64    `json:"percent"`
	ForceCategoryChange bool       `json:"force_category_change,omitempty"`
	Error               string     `json:"error,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	FinishedAt          *time.Time `json:"finished_at,omitempty"`
}

func toJobJSON(j *domain.Job) jobJSON {
	return jobJSON{
		ID:                  j.ID,
		Kind:                string(j.Kind),
		DataTableID:         j.DataTableID,
		ProcessID:           j.ProcessID,
		Status:              string(j.Status),
		Percent:             j.Percent,
		ForceCategoryChange: j.ForceCategoryChange,
		Error:               j.Error,
		CreatedAt:           j.CreatedAt,
		StartedAt:           j.StartedAt,
		FinishedAt:          j.FinishedAt,
	}
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.JobFilter{
		Kind:   domain.JobKind(strings.ToUpper(q.Get("kind"))),
		Status: domain.JobStatus(strings.ToUpper(q.Get("status"))),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, h.logger, domain.ErrValidation("limit must be a positive integer"))
			return
		}
		f.Limit = n
	}
	jobs, err := h.cfg.Jobs.List(r.Context(), f)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	out := make([]jobJSON, len(jobs))
	for i := range jobs {
		out[i] = toJobJSON(&jobs[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.cfg.Jobs.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobJSON(j))
}

func (h *handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.cfg.Runner.Cancel(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancel requested"})
}

type dataTableJSON struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Approved   bool   `json:"approved"`
	RemoteOnly bool   `json:"remote_only,omitempty"`
	Columns    int    `json:"columns"`
}

func (h *handler) listDataTables(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Tables == nil {
		writeJSON(w, http.StatusOK, map[string]any{"data_tables": []dataTableJSON{}})
		return
	}
	tables, err := h.cfg.Tables.List(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	out := make([]dataTableJSON, len(tables))
	for i, dt := range tables {
		out[i] = dataTableJSON{
			ID: dt.ID, Name: dt.Name, Kind: string(dt.Kind),
			Approved: dt.Approved, RemoteOnly: dt.RemoteOnly, Columns: len(dt.Columns),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data_tables": out})
}

// dataTable resolves the {id} path parameter to a known data table.
func (h *handler) dataTable(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.ErrValidation("data table id must be a positive integer")
	}
	if h.cfg.Tables != nil {
		if _, err := h.cfg.Tables.GetByID(r.Context(), id); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request, j *domain.Job) {
	created, err := h.cfg.Runner.Submit(r.Context(), j)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.logger.Info("job triggered", "job_id", created.ID, "kind", string(created.Kind), "data_table_id", created.DataTableID)
	writeJSON(w, http.StatusAccepted, toJobJSON(created))
}

func (h *handler) triggerScan(w http.ResponseWriter, r *http.Request) {
	id, err := h.dataTable(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.submit(w, r, &domain.Job{Kind: domain.JobKindScan, DataTableID: id})
}

func (h *handler) triggerPull(w http.ResponseWriter, r *http.Request) {
	id, err := h.dataTable(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	q := r.URL.Query()
	kind := domain.JobKindPullFuture
	switch domain.Direction(strings.ToLower(q.Get("direction"))) {
	case "", domain.DirectionFuture:
	case domain.DirectionPast:
		kind = domain.JobKindPullPast
	default:
		writeError(w, h.logger, domain.ErrValidation("direction must be %q or %q", domain.DirectionFuture, domain.DirectionPast))
		return
	}
	force, _ := strconv.ParseBool(q.Get("force"))
	h.submit(w, r, &domain.Job{Kind: kind, DataTableID: id, ForceCategoryChange: force})
}

func (h *handler) triggerAutoLink(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, &domain.Job{Kind: domain.JobKindAutoLink})
}

func (h *handler) approve(w http.ResponseWriter, r *http.Request) {
	id, err := h.dataTable(r)
	if err == nil {
		err = h.cfg.Mappings.Approve(r.Context(), id)
	}
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "approved": true})
}

type overrideTypeRequest struct {
	DataType string `json:"data_type"`
}

func (h *handler) overrideType(w http.ResponseWriter, r *http.Request) {
	id, err := h.dataTable(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var req overrideTypeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, domain.ErrValidation("invalid body: %v", err))
		return
	}
	t := domain.RawType(strings.ToUpper(req.DataType))
	if !t.Valid() {
		writeError(w, h.logger, domain.ErrValidation("unknown data type %q", req.DataType))
		return
	}
	column := chi.URLParam(r, "column")
	if err := h.cfg.Mappings.OverrideType(r.Context(), id, column, t); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "column": column, "data_type": string(t)})
}
