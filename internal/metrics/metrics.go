package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lox/wandiskill/internal/verify"
)

var (
	RecordsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wandiskill_records_ingested_total",
			Help: "Total verification records stored",
		},
		[]string{"site", "variable"},
	)

	IngestRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wandiskill_ingest_requests_total",
			Help: "Total record ingest requests",
		},
		[]string{"status"},
	)

	AnalysisRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wandiskill_analysis_runs_total",
			Help: "Total analysis runs",
		},
		[]string{"trigger", "status"},
	)

	AnalysisDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wandiskill_analysis_duration_seconds",
			Help:    "Analysis run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"trigger"},
	)

	ForecastSkill = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wandiskill_forecast_skill",
			Help: "Latest skill score against climatology",
		},
		[]string{"site", "variable", "lead", "metric"},
	)

	ForecastError = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wandiskill_forecast_error",
			Help: "Latest forecast error",
		},
		[]string{"site", "variable", "lead", "metric"},
	)

	ContingencyCells = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wandiskill_contingency_cells",
			Help: "Latest contingency table counts",
		},
		[]string{"site", "variable", "lead", "cell"},
	)

	PublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wandiskill_reports_published_total",
			Help: "Total reports published to the message bus",
		},
		[]string{"status"},
	)
)

// ObserveReport sets the per-lead gauges from a report. Undefined skills
// remove the series rather than reporting a stale value.
func ObserveReport(r *verify.Report) {
	for _, l := range r.Leads {
		lead := strconv.Itoa(l.Lead)

		ForecastError.WithLabelValues(r.Site, r.Variable, lead, "rmse").Set(l.Errors.RMSE)
		ForecastError.WithLabelValues(r.Site, r.Variable, lead, "mae").Set(l.Errors.MAE)

		setOrDelete(ForecastSkill, l.RMSESkill, r.Site, r.Variable, lead, "rmse")
		setOrDelete(ForecastSkill, l.MAESkill, r.Site, r.Variable, lead, "mae")

		c := l.Contingency
		ContingencyCells.WithLabelValues(r.Site, r.Variable, lead, "hit").Set(float64(c.Hit))
		ContingencyCells.WithLabelValues(r.Site, r.Variable, lead, "false_alarm").Set(float64(c.FalseAlarm))
		ContingencyCells.WithLabelValues(r.Site, r.Variable, lead, "miss").Set(float64(c.Miss))
		ContingencyCells.WithLabelValues(r.Site, r.Variable, lead, "correct_negative").Set(float64(c.CorrectNegative))
	}
}

func setOrDelete(g *prometheus.GaugeVec, v *float64, labels ...string) {
	if v == nil {
		g.DeleteLabelValues(labels...)
		return
	}
	g.WithLabelValues(labels...).Set(*v)
}
