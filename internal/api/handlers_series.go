package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/lox/wandiskill/internal/analysis"
	"github.com/lox/wandiskill/internal/ingest"
	"github.com/lox/wandiskill/internal/metrics"
	"github.com/lox/wandiskill/internal/models"
	"github.com/lox/wandiskill/internal/store"
	"github.com/lox/wandiskill/internal/verify"
)

type SeriesSummary struct {
	Site        string `json:"site"`
	Variable    string `json:"variable"`
	Description string `json:"description,omitempty"`
	Records     int    `json:"records"`
	FirstTime   *int64 `json:"first_time,omitempty"`
	LastTime    *int64 `json:"last_time,omitempty"`
}

func (s *Server) handleListSeries(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListSeries()
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]SeriesSummary, 0, len(list))
	for _, info := range list {
		sum := SeriesSummary{
			Site:        info.Site,
			Variable:    info.Variable,
			Description: info.Description,
			Records:     info.RecordCount,
		}
		if info.FirstTime.Valid {
			sum.FirstTime = &info.FirstTime.Int64
		}
		if info.LastTime.Valid {
			sum.LastTime = &info.LastTime.Int64
		}
		out = append(out, sum)
	}
	writeJSON(w, http.StatusOK, out)
}

// RecordJSON is the wire form of a record. Null or absent values are missing.
type RecordJSON struct {
	Timestamp   int64      `json:"timestamp"`
	Observation *float64   `json:"observation"`
	Climatology *float64   `json:"climatology"`
	Forecasts   []*float64 `json:"forecasts"`
}

type IngestRequest struct {
	Description string       `json:"description,omitempty"`
	Records     []RecordJSON `json:"records"`
}

type IngestResponse struct {
	Received    int            `json:"received"`
	Stored      int            `json:"stored"`
	IngestRunID int64          `json:"ingest_run_id"`
	PayloadID   int64          `json:"payload_id,omitempty"`
	DuplicateOf int64          `json:"duplicate_of,omitempty"`
	Flagged     int            `json:"flagged"`
	Flags       map[string]int `json:"flags,omitempty"`
}

func nullable(v *float64) sql.NullFloat64 {
	if v == nil {
		return models.Missing
	}
	return models.Value(*v)
}

func (rj RecordJSON) toRecord() (models.Record, error) {
	if len(rj.Forecasts) > models.MaxLead {
		return models.Record{}, invalid(fmt.Sprintf("timestamp %d: %d forecasts, at most %d leads", rj.Timestamp, len(rj.Forecasts), models.MaxLead))
	}
	rec := models.Record{
		Timestamp:   rj.Timestamp,
		Observation: nullable(rj.Observation),
		Climatology: nullable(rj.Climatology),
	}
	for i, f := range rj.Forecasts {
		rec.Forecasts[i] = nullable(f)
	}
	return rec, nil
}

func decodeIngest(body []byte) (*IngestRequest, []models.Record, error) {
	var req IngestRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, nil, invalid("decode records: " + err.Error())
	}
	if len(req.Records) == 0 {
		return nil, nil, invalid("no records")
	}

	records := make([]models.Record, 0, len(req.Records))
	for _, rj := range req.Records {
		rec, err := rj.toRecord()
		if err != nil {
			return nil, nil, err
		}
		records = append(records, rec)
	}
	return &req, records, nil
}

func (s *Server) handleIngestRecords(w http.ResponseWriter, r *http.Request) {
	site, variable := r.PathValue("site"), r.PathValue("variable")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		metrics.IngestRequestsTotal.WithLabelValues("rejected").Inc()
		writeError(w, invalid("read body: "+err.Error()))
		return
	}

	run, err := s.store.StartIngestRun(site, variable)
	if err != nil {
		writeError(w, fmt.Errorf("start ingest run: %w", err))
		return
	}

	resp, err := s.ingest(r.Context(), run.ID, site, variable, body)
	if err != nil {
		run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
	} else {
		run.Success = true
		run.RecordsReceived = sql.NullInt64{Int64: int64(resp.Received), Valid: true}
		run.RecordsStored = sql.NullInt64{Int64: int64(resp.Stored), Valid: true}
	}
	if cerr := s.store.CompleteIngestRun(run); cerr != nil {
		log.Printf("api: complete ingest run %d: %v", run.ID, cerr)
	}

	if err != nil {
		metrics.IngestRequestsTotal.WithLabelValues("error").Inc()
		writeError(w, err)
		return
	}
	metrics.IngestRequestsTotal.WithLabelValues("ok").Inc()
	metrics.RecordsIngested.WithLabelValues(site, variable).Add(float64(resp.Stored))

	resp.IngestRunID = run.ID
	log.Printf("api: ingested %d records for %s/%s", resp.Stored, site, variable)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) ingest(ctx context.Context, runID int64, site, variable string, body []byte) (*IngestResponse, error) {
	payloadID, err := s.store.StoreRawPayload(&runID, site, variable, body)
	if err != nil {
		log.Printf("api: store raw payload %s/%s: %v", site, variable, err)
	}
	var duplicateOf int64
	if err == nil && payloadID == 0 {
		if prev, err := s.store.GetRawPayloadByHash(store.PayloadHash(body)); err != nil {
			log.Printf("api: look up duplicate payload %s/%s: %v", site, variable, err)
		} else if prev != nil {
			duplicateOf = prev.ID
		}
	}

	req, records, err := decodeIngest(body)
	if err != nil {
		return nil, err
	}

	resp := &IngestResponse{Received: len(records), PayloadID: payloadID, DuplicateOf: duplicateOf}
	kind := ingest.KindOf(variable)
	for _, rec := range records {
		flags := ingest.ValidateRecord(rec, kind)
		if len(flags) == 0 {
			continue
		}
		resp.Flagged++
		if resp.Flags == nil {
			resp.Flags = make(map[string]int)
		}
		for _, f := range flags {
			resp.Flags[f]++
		}
		log.Printf("api: %s/%s record %d flagged: %s", site, variable, rec.Timestamp, ingest.QualityFlagsToJSON(flags))
	}

	stored, err := s.store.UpsertRecords(site, variable, records)
	if err != nil {
		return nil, fmt.Errorf("store records: %w", err)
	}
	if req.Description != "" {
		if err := s.store.UpsertSeries(site, variable, req.Description); err != nil {
			return nil, fmt.Errorf("update series: %w", err)
		}
	}

	if c := s.runner.Cache(); c != nil {
		if err := c.Delete(ctx, site, variable); err != nil {
			log.Printf("api: invalidate cached report %s/%s: %v", site, variable, err)
		}
	}

	resp.Stored = stored
	return resp, nil
}

func parseOffset(r *http.Request, def float64) (float64, bool, error) {
	raw := r.URL.Query().Get("offset")
	if raw == "" {
		return def, false, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false, invalid("invalid offset: " + raw)
	}
	return v, true, nil
}

func parseLead(raw string) (int, error) {
	lead, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || !models.ValidLead(lead) {
		return 0, invalid(fmt.Sprintf("invalid lead %q: must be 1..%d", raw, models.MaxLead))
	}
	return lead, nil
}

func parseLeads(raw string) ([]int, error) {
	if raw == "" {
		return nil, nil
	}
	var leads []int
	for _, part := range strings.Split(raw, ",") {
		lead, err := parseLead(part)
		if err != nil {
			return nil, err
		}
		leads = append(leads, lead)
	}
	return leads, nil
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	site, variable := r.PathValue("site"), r.PathValue("variable")
	defaults := s.runner.Options()

	offset, custom, err := parseOffset(r, defaults.Offset)
	if err != nil {
		writeError(w, err)
		return
	}
	leads, err := parseLeads(r.URL.Query().Get("leads"))
	if err != nil {
		writeError(w, err)
		return
	}

	if !custom && leads == nil {
		latest, source, err := s.runner.LatestReport(r.Context(), site, variable)
		if err != nil {
			writeError(w, err)
			return
		}
		if latest != nil {
			w.Header().Set("X-Report-Source", source)
			writeJSON(w, http.StatusOK, latest)
			return
		}
	}

	opts := verify.Options{Offset: offset, Leads: leads}
	if opts.Leads == nil {
		opts.Leads = defaults.Leads
	}
	report, err := s.runner.AnalyzeSeries(r.Context(), site, variable, opts)
	if err == nil {
		w.Header().Set("X-Report-Source", "computed")
	}
	if err != nil {
		if errors.Is(err, verify.ErrMissingData) && report != nil {
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Report: report})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReportHistory(w http.ResponseWriter, r *http.Request) {
	site, variable := r.PathValue("site"), r.PathValue("variable")

	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, invalid("invalid limit: "+raw))
			return
		}
		limit = min(n, 100)
	}

	reports, err := s.store.GetReportHistory(site, variable, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if reports == nil {
		reports = []verify.Report{}
	}
	writeJSON(w, http.StatusOK, reports)
}

type ContingencyResponse struct {
	Site     string                   `json:"site"`
	Variable string                   `json:"variable"`
	Lead     int                      `json:"lead"`
	Offset   float64                  `json:"offset"`
	N        int                      `json:"n"`
	Table    verify.ContingencyTable  `json:"table"`
	Scores   verify.ContingencyScores `json:"scores"`
}

func (s *Server) handleContingency(w http.ResponseWriter, r *http.Request) {
	site, variable := r.PathValue("site"), r.PathValue("variable")

	lead := 1
	if raw := r.URL.Query().Get("lead"); raw != "" {
		var err error
		if lead, err = parseLead(raw); err != nil {
			writeError(w, err)
			return
		}
	}
	offset, _, err := parseOffset(r, s.runner.Options().Offset)
	if err != nil {
		writeError(w, err)
		return
	}

	series, err := s.store.GetSeries(site, variable)
	if err != nil {
		writeError(w, err)
		return
	}
	if series == nil {
		writeError(w, fmt.Errorf("%s/%s: %w", site, variable, analysis.ErrSeriesNotFound))
		return
	}

	keys := verify.FilterComplete(series, lead)
	table, err := verify.Contingency(
		verify.Column(series, keys, verify.LeadField(lead)),
		verify.Column(series, keys, verify.FieldObservation),
		verify.Column(series, keys, verify.FieldClimatology),
		offset,
	)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ContingencyResponse{
		Site:     site,
		Variable: variable,
		Lead:     lead,
		Offset:   offset,
		N:        len(keys),
		Table:    table,
		Scores:   table.Scores(),
	})
}

type GapsResponse struct {
	Step    int64                `json:"step"`
	Total   int                  `json:"total"`
	Missing verify.MissingCounts `json:"missing"`
	Gaps    []verify.Gap         `json:"gaps"`
}

func (s *Server) handleGaps(w http.ResponseWriter, r *http.Request) {
	site, variable := r.PathValue("site"), r.PathValue("variable")

	step := verify.DefaultStep
	if raw := r.URL.Query().Get("step"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, invalid("invalid step: "+raw))
			return
		}
		step = n
	}

	series, err := s.store.GetSeries(site, variable)
	if err != nil {
		writeError(w, err)
		return
	}
	if series == nil {
		writeError(w, fmt.Errorf("%s/%s: %w", site, variable, analysis.ErrSeriesNotFound))
		return
	}

	gaps := verify.DetectGaps(series, step)
	if gaps == nil {
		gaps = []verify.Gap{}
	}
	writeJSON(w, http.StatusOK, GapsResponse{
		Step:    step,
		Total:   series.Len(),
		Missing: verify.MissingByLead(series),
		Gaps:    gaps,
	})
}

type AnomalyResponse struct {
	Series  map[string]verify.Anomaly `json:"series"`
	Average *float64                  `json:"average"`
}

// handleAnomaly reports the mean observed anomaly of every series with the
// variable given in the query, and their equally weighted average.
func (s *Server) handleAnomaly(w http.ResponseWriter, r *http.Request) {
	variable := r.URL.Query().Get("variable")
	if variable == "" {
		writeError(w, invalid("variable is required"))
		return
	}

	list, err := s.store.ListSeries()
	if err != nil {
		writeError(w, err)
		return
	}

	resp := AnomalyResponse{Series: make(map[string]verify.Anomaly)}
	var anomalies []verify.Anomaly
	for _, info := range list {
		if info.Variable != variable {
			continue
		}
		series, err := s.store.GetSeries(info.Site, info.Variable)
		if err != nil {
			writeError(w, err)
			return
		}
		a := verify.MeanAnomaly(series)
		resp.Series[info.Site] = a
		anomalies = append(anomalies, a)
	}

	if avg, err := verify.AverageAnomaly(anomalies); err == nil {
		resp.Average = &avg
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteSeries(w http.ResponseWriter, r *http.Request) {
	site, variable := r.PathValue("site"), r.PathValue("variable")

	series, err := s.store.GetSeries(site, variable)
	if err != nil {
		writeError(w, err)
		return
	}
	if series == nil {
		writeError(w, fmt.Errorf("%s/%s: %w", site, variable, analysis.ErrSeriesNotFound))
		return
	}

	if err := s.store.DeleteSeries(site, variable); err != nil {
		writeError(w, fmt.Errorf("delete series: %w", err))
		return
	}
	if c := s.runner.Cache(); c != nil {
		if err := c.Delete(r.Context(), site, variable); err != nil {
			log.Printf("api: invalidate cached report %s/%s: %v", site, variable, err)
		}
	}

	log.Printf("api: deleted %s/%s (%d records)", site, variable, series.Len())
	w.WriteHeader(http.StatusNoContent)
}

// handleRawPayload returns a stored ingest body exactly as it was received.
func (s *Server) handleRawPayload(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, invalid("invalid payload id: "+r.PathValue("id")))
		return
	}

	payload, err := s.store.GetRawPayload(id)
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("payload %d not found", id)})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}
