package analysis

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/lox/wandiskill/internal/cache"
	"github.com/lox/wandiskill/internal/metrics"
	"github.com/lox/wandiskill/internal/models"
	"github.com/lox/wandiskill/internal/publish"
	"github.com/lox/wandiskill/internal/store"
	"github.com/lox/wandiskill/internal/verify"
)

// ErrSeriesNotFound is returned when a requested series has never been stored.
var ErrSeriesNotFound = errors.New("analysis: series not found")

// Runner scores stored series and fans the reports out to the store, the
// cache, the metrics gauges and the publisher.
type Runner struct {
	store         *store.Store
	cache         cache.ReportCache
	publisher     publish.Publisher
	clock         clockwork.Clock
	opts          verify.Options
	retentionDays int
}

func NewRunner(store *store.Store) *Runner {
	return &Runner{
		store: store,
		clock: clockwork.NewRealClock(),
		opts:  verify.DefaultOptions(),
	}
}

// SetCache configures where the latest report per series is kept.
func (r *Runner) SetCache(c cache.ReportCache) {
	r.cache = c
}

// SetPublisher configures where finished reports are sent.
func (r *Runner) SetPublisher(p publish.Publisher) {
	r.publisher = p
}

func (r *Runner) SetClock(c clockwork.Clock) {
	r.clock = c
}

func (r *Runner) SetOptions(opts verify.Options) {
	r.opts = opts
}

// SetPayloadRetention enables pruning of raw ingest payloads older than
// days at the end of each run. Zero disables pruning.
func (r *Runner) SetPayloadRetention(days int) {
	r.retentionDays = days
}

// Options returns the analysis options used by RunAll.
func (r *Runner) Options() verify.Options {
	return r.opts
}

// Cache returns the configured report cache, or nil.
func (r *Runner) Cache() cache.ReportCache {
	return r.cache
}

// AnalyzeSeries scores one series with opts. Reports made with the runner's
// own options are saved, cached and exported as gauges; reports made with any
// other offset or lead set are returned only. A series without any complete
// timestamp returns the partial report along with an error wrapping
// verify.ErrMissingData; nothing is saved then.
func (r *Runner) AnalyzeSeries(ctx context.Context, site, variable string, opts verify.Options) (*verify.Report, error) {
	rev, err := r.store.SeriesRevision(site, variable)
	if err != nil {
		return nil, fmt.Errorf("series revision: %w", err)
	}
	series, err := r.store.GetSeries(site, variable)
	if err != nil {
		return nil, fmt.Errorf("load series: %w", err)
	}
	if series == nil {
		return nil, fmt.Errorf("%s/%s: %w", site, variable, ErrSeriesNotFound)
	}

	report, err := verify.Analyze(series, opts)
	if err != nil {
		return report, err
	}
	report.Revision = rev
	report.CreatedAt = r.clock.Now().UTC()

	if !sameOptions(opts, r.opts) {
		return report, nil
	}

	if err := r.store.SaveReport(report); err != nil {
		return nil, fmt.Errorf("save report: %w", err)
	}
	metrics.ObserveReport(report)
	r.cacheReport(ctx, report)
	return report, nil
}

func (r *Runner) cacheReport(ctx context.Context, report *verify.Report) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Set(ctx, report); err != nil {
		log.Printf("analysis: cache %s/%s: %v", report.Site, report.Variable, err)
	}
}

// Report sources returned by LatestReport.
const (
	SourceCache = "cache"
	SourceStore = "store"
)

// LatestReport returns the newest report made with the runner's options,
// from the cache or else from the store, together with where it came from.
// A stored report made before the series' last record write is stale and
// ignored. It returns nil when no usable report exists.
func (r *Runner) LatestReport(ctx context.Context, site, variable string) (*verify.Report, string, error) {
	if r.cache != nil {
		cached, err := r.cache.Get(ctx, site, variable)
		if err != nil {
			log.Printf("analysis: cached report %s/%s: %v", site, variable, err)
		}
		if cached != nil {
			return cached, SourceCache, nil
		}
	}

	stored, err := r.store.GetLatestReport(site, variable)
	if err != nil {
		return nil, "", fmt.Errorf("load latest report: %w", err)
	}
	if stored == nil || !reportMatches(stored, r.opts) {
		return nil, "", nil
	}

	rev, err := r.store.SeriesRevision(site, variable)
	if err != nil {
		return nil, "", fmt.Errorf("series revision: %w", err)
	}
	if stored.Revision != rev {
		return nil, "", nil
	}

	r.cacheReport(ctx, stored)
	return stored, SourceStore, nil
}

// reportMatches reports whether rep was made with opts.
func reportMatches(rep *verify.Report, opts verify.Options) bool {
	leads := make([]int, 0, len(rep.Leads))
	for _, l := range rep.Leads {
		leads = append(leads, l.Lead)
	}
	return sameOptions(verify.Options{Offset: rep.Offset, Leads: leads}, opts)
}

// sameOptions reports whether a and b score the same leads at the same offset.
func sameOptions(a, b verify.Options) bool {
	if a.Offset != b.Offset {
		return false
	}
	leadsA, leadsB := a.Leads, b.Leads
	if len(leadsA) == 0 {
		leadsA = models.Leads()
	}
	if len(leadsB) == 0 {
		leadsB = models.Leads()
	}
	return slices.Equal(leadsA, leadsB)
}

// RunAll analyses every stored series with the runner's options and records
// the pass as an analysis run. Series without complete data are skipped and
// noted on the run; the run only fails when a report could not be produced
// or saved for some other reason.
func (r *Runner) RunAll(ctx context.Context, trigger string) (*store.AnalysisRun, error) {
	start := r.clock.Now()
	run, err := r.store.StartAnalysisRun(trigger)
	if err != nil {
		return nil, fmt.Errorf("start analysis run: %w", err)
	}

	var (
		reports  []*verify.Report
		problems []string
		failed   bool
	)

	list, err := r.store.ListSeries()
	if err != nil {
		failed = true
		problems = append(problems, fmt.Sprintf("list series: %v", err))
	}
	run.SeriesCount = sql.NullInt64{Int64: int64(len(list)), Valid: true}

	for _, info := range list {
		if ctx.Err() != nil {
			failed = true
			problems = append(problems, ctx.Err().Error())
			break
		}

		report, err := r.AnalyzeSeries(ctx, info.Site, info.Variable, r.opts)
		switch {
		case err == nil:
			reports = append(reports, report)
		case errors.Is(err, verify.ErrMissingData):
			log.Printf("analysis: skipping %s/%s: %v", info.Site, info.Variable, err)
			problems = append(problems, err.Error())
		default:
			log.Printf("analysis: %s/%s: %v", info.Site, info.Variable, err)
			failed = true
			problems = append(problems, fmt.Sprintf("%s/%s: %v", info.Site, info.Variable, err))
		}
	}
	run.ReportsSaved = sql.NullInt64{Int64: int64(len(reports)), Valid: true}

	if r.publisher != nil && len(reports) > 0 {
		if err := r.publisher.Publish(ctx, reports...); err != nil {
			log.Printf("analysis: publish: %v", err)
			metrics.PublishTotal.WithLabelValues("error").Inc()
		} else {
			metrics.PublishTotal.WithLabelValues("ok").Add(float64(len(reports)))
		}
	}

	if r.retentionDays > 0 {
		if n, err := r.store.CleanupOldRawPayloads(r.retentionDays); err != nil {
			log.Printf("analysis: cleanup raw payloads: %v", err)
		} else if n > 0 {
			log.Printf("analysis: removed %d raw payloads older than %d days", n, r.retentionDays)
		}
	}

	run.Success = !failed
	if len(problems) > 0 {
		run.ErrorMessage = sql.NullString{String: strings.Join(problems, "; "), Valid: true}
	}
	if err := r.store.CompleteAnalysisRun(run); err != nil {
		log.Printf("analysis: complete run %d: %v", run.ID, err)
	}

	status := "ok"
	if failed {
		status = "error"
	}
	metrics.AnalysisRunsTotal.WithLabelValues(trigger, status).Inc()
	metrics.AnalysisDuration.WithLabelValues(trigger).Observe(r.clock.Since(start).Seconds())

	log.Printf("analysis: %s run analysed %d series, saved %d reports", trigger, len(list), len(reports))
	return run, nil
}
