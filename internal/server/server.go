// Package server exposes the HTTP API.
//
// Ingestion endpoints are asynchronous: they register a job, kick off the
// work in the background and return 202 with the job id immediately. Query
// endpoints are synchronous and read-only.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/vitalstore/vitalstore/internal/aggregate"
	"github.com/vitalstore/vitalstore/internal/analytics"
	"github.com/vitalstore/vitalstore/internal/config"
	"github.com/vitalstore/vitalstore/internal/errors"
	"github.com/vitalstore/vitalstore/internal/export"
	"github.com/vitalstore/vitalstore/internal/ingest"
	"github.com/vitalstore/vitalstore/internal/jobs"
	"github.com/vitalstore/vitalstore/internal/logging"
	"github.com/vitalstore/vitalstore/internal/manifest"
	"github.com/vitalstore/vitalstore/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	cfg       config.ServerConfig
	schema    *manifest.Schema
	store     *store.Store
	pipeline  *ingest.Pipeline
	importer  *ingest.Importer
	registry  *jobs.Registry
	engine    *aggregate.Engine
	analytics *analytics.Engine
	exporter  *export.Exporter
	importDir string

	httpServer *http.Server
	log        *slog.Logger
}

// Options carries the dependencies the server dispatches to.
type Options struct {
	Config    config.ServerConfig
	Schema    *manifest.Schema
	Store     *store.Store
	Pipeline  *ingest.Pipeline
	Importer  *ingest.Importer
	Registry  *jobs.Registry
	Engine    *aggregate.Engine
	Analytics *analytics.Engine
	Exporter  *export.Exporter
	ImportDir string
}

// New creates a Server.
func New(opts Options) *Server {
	s := &Server{
		cfg:       opts.Config,
		schema:    opts.Schema,
		store:     opts.Store,
		pipeline:  opts.Pipeline,
		importer:  opts.Importer,
		registry:  opts.Registry,
		engine:    opts.Engine,
		analytics: opts.Analytics,
		exporter:  opts.Exporter,
		importDir: opts.ImportDir,
		log:       logging.Component("server"),
	}

	s.httpServer = &http.Server{
		Addr:         opts.Config.Listen,
		Handler:      s.Router(),
		ReadTimeout:  opts.Config.ReadTimeout,
		WriteTimeout: opts.Config.WriteTimeout,
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ingest", s.handleIngest).Methods(http.MethodPost)
	r.HandleFunc("/api/ingest/status/{id}", s.handleJobStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs", s.handleJobs).Methods(http.MethodGet)
	r.HandleFunc("/api/import/external", s.handleExternalImport).Methods(http.MethodPost)
	r.HandleFunc("/api/summary", s.handleSummary).Methods(http.MethodGet)
	r.HandleFunc("/api/trends", s.handleTrends).Methods(http.MethodGet)
	r.HandleFunc("/api/analysis/recovery", s.handleRecovery).Methods(http.MethodGet)
	r.HandleFunc("/api/analysis/sleep", s.handleSleepAnalysis).Methods(http.MethodGet)
	r.HandleFunc("/api/workouts/{id}", s.handleWorkoutDetails).Methods(http.MethodGet)
	r.HandleFunc("/api/workouts/{id}/intensity", s.handleWorkoutIntensity).Methods(http.MethodGet)
	r.HandleFunc("/api/ecg/{id}", s.handleECG).Methods(http.MethodGet)
	r.HandleFunc("/api/data/{table}", s.handleData).Methods(http.MethodGet)
	r.HandleFunc("/api/aggregate/{table}", s.handleAggregate).Methods(http.MethodGet)
	r.HandleFunc("/api/export/{table}", s.handleExport).Methods(http.MethodGet)
	return r
}

// Start begins serving. It blocks until the listener fails or the server is
// shut down.
func (s *Server) Start() error {
	s.log.Info("http server listening", "addr", s.cfg.Listen)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := s.store.Health(r.Context()); err != nil {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type ingestRequest struct {
	FilePath string `json:"file_path"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FilePath == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("body must be {\"file_path\": ...}: %w", errors.ErrInvalidRequest))
		return
	}

	f, err := os.Open(req.FilePath)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("file not found: %s", req.FilePath))
		return
	}

	jobID := s.registry.Create("ingest")
	go func() {
		defer f.Close()
		s.pipeline.Run(context.Background(), jobID, f)
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"message": "ingestion started",
		"job_id":  jobID,
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := s.registry.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleExternalImport(w http.ResponseWriter, r *http.Request) {
	jobID := s.registry.Create("import")
	go s.importer.Run(context.Background(), jobID, s.importDir)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"message": "external import started",
		"job_id":  jobID,
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.analytics.Summary(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleTrends(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, end := q.Get("start"), q.Get("end")
	if start == "" || end == "" {
		writeError(w, http.StatusBadRequest,
			fmt.Errorf("start and end are required: %w", errors.ErrInvalidRequest))
		return
	}

	trends, err := s.analytics.Trends(r.Context(), start, end)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, trends)
}

func (s *Server) handleRecovery(w http.ResponseWriter, r *http.Request) {
	report, err := s.analytics.Recovery(r.Context(), time.Now())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSleepAnalysis(w http.ResponseWriter, r *http.Request) {
	summary, err := s.analytics.SleepSummary(r.Context(), r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleWorkoutDetails(w http.ResponseWriter, r *http.Request) {
	details, err := s.analytics.WorkoutDetails(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleWorkoutIntensity(w http.ResponseWriter, r *http.Request) {
	report, err := s.analytics.WorkoutIntensity(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleECG(w http.ResponseWriter, r *http.Request) {
	downsample := 0
	if raw := r.URL.Query().Get("downsample"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest,
				fmt.Errorf("downsample %q: %w", raw, errors.ErrInvalidRequest))
			return
		}
		downsample = n
	}

	recording, err := s.analytics.ECGRecording(r.Context(), mux.Vars(r)["id"], downsample)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, recording)
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]
	if !s.schema.HasTable(table) {
		writeError(w, http.StatusNotFound, errors.NewTableNotFound(table))
		return
	}

	q := r.URL.Query()
	params := store.QueryParams{
		SortColumn: q.Get("sort"),
		Start:      q.Get("start"),
		End:        q.Get("end"),
	}
	if params.SortColumn == "" {
		params.SortColumn = s.schema.TimestampColumn(table)
	}
	if raw := q.Get("limit"); raw != "" {
		var limit int
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("limit %q: %w", raw, errors.ErrInvalidRequest))
			return
		}
		params.Limit = limit
	}

	rows, err := s.store.QueryTable(r.Context(), table, params)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]
	q := r.URL.Query()

	buckets, err := s.engine.Aggregate(r.Context(), aggregate.Request{
		Table:  table,
		Bucket: q.Get("bucket"),
		Start:  q.Get("start"),
		End:    q.Get("end"),
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	out := make([]map[string]any, 0, len(buckets))
	for _, b := range buckets {
		entry := make(map[string]any, len(b.Values)+1)
		entry["time_bucket"] = b.Key
		for col, v := range b.Values {
			entry[col] = v
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]

	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !s.schema.HasTable(table) {
		writeError(w, http.StatusNotFound, errors.NewTableNotFound(table))
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%s.%s", table, format))

	if err := s.exporter.Export(r.Context(), table, format, w); err != nil {
		// Headers are out; all we can do is log and cut the stream short.
		s.log.Error("export failed", "table", table, "format", format, "error", err)
	}
}

func statusFor(err error) int {
	switch {
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrInvalidBucket), errors.Is(err, errors.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
