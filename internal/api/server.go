package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/wandiskill/internal/analysis"
	"github.com/lox/wandiskill/internal/store"
	"github.com/lox/wandiskill/internal/verify"
)

// maxBodyBytes caps ingest and ad-hoc metric request bodies.
const maxBodyBytes = 10 << 20

type Server struct {
	store  *store.Store
	runner *analysis.Runner
	port   string
}

func NewServer(store *store.Store, runner *analysis.Runner, port string) *Server {
	return &Server{
		store:  store,
		runner: runner,
		port:   port,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/series", s.handleListSeries)
	mux.HandleFunc("GET /api/anomaly", s.handleAnomaly)
	mux.HandleFunc("DELETE /api/series/{site}/{variable}", s.handleDeleteSeries)
	mux.HandleFunc("POST /api/series/{site}/{variable}/records", s.handleIngestRecords)
	mux.HandleFunc("GET /api/series/{site}/{variable}/report", s.handleReport)
	mux.HandleFunc("GET /api/series/{site}/{variable}/reports", s.handleReportHistory)
	mux.HandleFunc("GET /api/series/{site}/{variable}/contingency", s.handleContingency)
	mux.HandleFunc("GET /api/series/{site}/{variable}/gaps", s.handleGaps)
	mux.HandleFunc("GET /api/payloads/{id}", s.handleRawPayload)
	mux.HandleFunc("POST /api/metrics/errors", s.handleErrorMetrics)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("api: listening on :%s", s.port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

type HealthStatus struct {
	Status           string     `json:"status"`
	MigrationVersion int        `json:"migration_version"`
	Series           int        `json:"series"`
	LastAnalysis     *time.Time `json:"last_analysis,omitempty"`
	LastAnalysisOK   *bool      `json:"last_analysis_ok,omitempty"`
	RecentFailures   []RunError `json:"recent_failures,omitempty"`
	Errors           []string   `json:"errors,omitempty"`
}

// RunError is a failed analysis run shown on the health endpoint.
type RunError struct {
	RunID     int64     `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	Trigger   string    `json:"trigger"`
	Error     string    `json:"error"`
}

const recentFailuresLimit = 5

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthStatus{Status: "ok"}

	if err := s.store.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthStatus{Status: "error", Errors: []string{err.Error()}})
		return
	}

	version, err := s.store.MigrationVersion()
	if err != nil {
		health.Errors = append(health.Errors, "migrations: "+err.Error())
	}
	health.MigrationVersion = version

	series, err := s.store.ListSeries()
	if err != nil {
		health.Errors = append(health.Errors, "series: "+err.Error())
	}
	health.Series = len(series)

	run, err := s.store.GetLastAnalysisRun()
	if err != nil {
		health.Errors = append(health.Errors, "analysis runs: "+err.Error())
	}
	if run != nil {
		started := run.StartedAt
		ok := run.Success
		health.LastAnalysis = &started
		health.LastAnalysisOK = &ok
	}

	failed, err := s.store.GetRecentAnalysisErrors(recentFailuresLimit)
	if err != nil {
		health.Errors = append(health.Errors, "analysis errors: "+err.Error())
	}
	for _, f := range failed {
		health.RecentFailures = append(health.RecentFailures, RunError{
			RunID:     f.ID,
			StartedAt: f.StartedAt,
			Trigger:   f.Trigger,
			Error:     f.ErrorMessage.String,
		})
	}

	if len(health.Errors) > 0 || (health.LastAnalysisOK != nil && !*health.LastAnalysisOK) {
		health.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, health)
}

// writeJSON encodes v before writing any header so an unencodable value
// becomes a 500 instead of a truncated 200.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(errorResponse{Error: "encode response: " + err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

type errorResponse struct {
	Error  string         `json:"error"`
	Report *verify.Report `json:"report,omitempty"`
}

// badRequest marks an error caused by the caller's input.
type badRequest struct {
	msg string
}

func (e *badRequest) Error() string { return e.msg }

func invalid(msg string) error {
	return &badRequest{msg: msg}
}

func errorStatus(err error) int {
	var br *badRequest
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest
	case errors.Is(err, analysis.ErrSeriesNotFound):
		return http.StatusNotFound
	case errors.Is(err, verify.ErrMissingData):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		log.Printf("api: %v", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
