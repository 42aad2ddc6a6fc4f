package verify

import (
	"errors"
	"fmt"
	"time"

	"github.com/lox/wandiskill/internal/models"
)

// Options controls an analysis run.
type Options struct {
	Offset float64 // event threshold above climatology
	Leads  []int   // leads to score; empty means all
}

// DefaultOptions scores every lead with the default event offset.
func DefaultOptions() Options {
	return Options{Offset: DefaultOffset, Leads: models.Leads()}
}

// Report is the result of one analysis run over a series.
type Report struct {
	ID          string        `json:"id,omitempty"`
	Site        string        `json:"site"`
	Variable    string        `json:"variable"`
	Offset      float64       `json:"offset"`
	Total       int           `json:"total"`
	Complete    int           `json:"complete"`
	FirstTime   int64         `json:"first_time"`
	LastTime    int64         `json:"last_time"`
	Climatology Errors        `json:"climatology"`
	Missing     MissingCounts `json:"missing"`
	Anomaly     Anomaly       `json:"anomaly"`
	Leads       []LeadResult  `json:"leads"`
	Revision    int64         `json:"revision"`
	CreatedAt   time.Time     `json:"created_at"`
}

// LeadResult holds the scores for one forecast lead.
type LeadResult struct {
	Lead        int               `json:"lead"`
	Errors      Errors            `json:"errors"`
	RMSESkill   *float64          `json:"rmse_skill"`
	MAESkill    *float64          `json:"mae_skill"`
	Contingency ContingencyTable  `json:"contingency"`
	Scores      ContingencyScores `json:"scores"`
	Fit         *Fit              `json:"fit,omitempty"`
	Diagnostics *FitDiagnostics   `json:"diagnostics,omitempty"`
}

// Lead returns the result for lead, or nil when it was not scored.
func (r *Report) Lead(lead int) *LeadResult {
	for i := range r.Leads {
		if r.Leads[i].Lead == lead {
			return &r.Leads[i]
		}
	}
	return nil
}

// Analyze scores every requested lead of series against the climatology
// baseline over the timestamps where all of those leads are present.
// When no timestamp qualifies it returns ErrMissingData together with the
// partially filled report (totals, missing counts and anomaly).
func Analyze(series *models.Series, opts Options) (*Report, error) {
	if series == nil {
		return nil, fmt.Errorf("nil series: %w", ErrMissingData)
	}
	leads := opts.Leads
	if len(leads) == 0 {
		leads = models.Leads()
	}
	for _, lead := range leads {
		if !models.ValidLead(lead) {
			return nil, fmt.Errorf("lead %d out of range 1..%d", lead, models.MaxLead)
		}
	}

	report := &Report{
		Site:     series.Site,
		Variable: series.Variable,
		Offset:   opts.Offset,
		Total:    series.Len(),
		Missing:  MissingByLead(series),
		Anomaly:  MeanAnomaly(series),
	}

	keys := FilterComplete(series, leads...)
	report.Complete = len(keys)
	if len(keys) == 0 {
		return report, fmt.Errorf("%s/%s: no complete timestamps: %w", series.Site, series.Variable, ErrMissingData)
	}
	report.FirstTime = keys[0]
	report.LastTime = keys[len(keys)-1]

	observed := Column(series, keys, FieldObservation)
	climate := Column(series, keys, FieldClimatology)

	baseline, err := ErrorMetrics(observed, climate)
	if err != nil {
		return report, fmt.Errorf("climatology errors: %w", err)
	}
	report.Climatology = baseline

	for _, lead := range leads {
		predicted := Column(series, keys, LeadField(lead))
		result, err := scoreLead(lead, observed, climate, predicted, baseline, opts.Offset)
		if err != nil {
			return report, fmt.Errorf("lead %d: %w", lead, err)
		}
		report.Leads = append(report.Leads, result)
	}

	return report, nil
}

func scoreLead(lead int, observed, climate, predicted []float64, baseline Errors, offset float64) (LeadResult, error) {
	result := LeadResult{Lead: lead}

	errs, err := ErrorMetrics(observed, predicted)
	if err != nil {
		return result, err
	}
	result.Errors = errs
	result.RMSESkill = skillOrNil(errs.RMSE, baseline.RMSE)
	result.MAESkill = skillOrNil(errs.MAE, baseline.MAE)

	table, err := Contingency(predicted, observed, climate, offset)
	if err != nil {
		return result, err
	}
	result.Contingency = table
	result.Scores = table.Scores()

	fit, err := LinearBiasFit(observed, predicted)
	switch {
	case err == nil:
		result.Fit = &fit
		if d, err := Diagnose(observed, predicted, fit); err == nil {
			result.Diagnostics = &d
		}
	case errors.Is(err, ErrDegenerateFit), errors.Is(err, ErrMissingData):
		// a single sample or a constant forecast has no fit
	default:
		return result, err
	}

	return result, nil
}

func skillOrNil(forecast, baseline float64) *float64 {
	s, err := SkillScore(forecast, baseline)
	if err != nil {
		return nil
	}
	return &s
}
