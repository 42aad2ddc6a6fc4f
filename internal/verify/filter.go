package verify

import (
	"github.com/lox/wandiskill/internal/models"
)

// Field selects a column of a record.
type Field int

const (
	FieldObservation Field = -1
	FieldClimatology Field = -2
	// Lead fields are the lead index itself, 1..models.MaxLead. Any other
	// value reads as missing.
)

// LeadField returns the field for forecast lead.
func LeadField(lead int) Field {
	return Field(lead)
}

func (f Field) value(r models.Record) (float64, bool) {
	switch {
	case f == FieldObservation:
		return r.Observation.Float64, r.Observation.Valid
	case f == FieldClimatology:
		return r.Climatology.Float64, r.Climatology.Valid
	default:
		v := r.Forecast(int(f))
		return v.Float64, v.Valid
	}
}

// FilterComplete returns, in order, the timestamps whose observation,
// climatology and forecasts at every lead in leads are present. With no leads
// given, all leads are required. No qualifying timestamp yields an empty set.
func FilterComplete(series *models.Series, leads ...int) []int64 {
	if len(leads) == 0 {
		leads = models.Leads()
	}
	good := []int64{}
	if series == nil {
		return good
	}
	for _, r := range series.Records() {
		if r.Complete(leads) {
			good = append(good, r.Timestamp)
		}
	}
	return good
}

// Column extracts field for each key. Keys must come from FilterComplete so
// every value is present; a key with a missing or absent value is skipped.
func Column(series *models.Series, keys []int64, field Field) []float64 {
	out := make([]float64, 0, len(keys))
	for _, k := range keys {
		r, ok := series.Get(k)
		if !ok {
			continue
		}
		if v, ok := field.value(r); ok {
			out = append(out, v)
		}
	}
	return out
}

// MissingCounts tallies missing values across a whole series.
type MissingCounts struct {
	Observation int                 `json:"observation"`
	Climatology int                 `json:"climatology"`
	Forecasts   [models.MaxLead]int `json:"forecasts"`
}

// MissingByLead counts the missing values in every column of series.
func MissingByLead(series *models.Series) MissingCounts {
	var m MissingCounts
	for _, r := range series.Records() {
		if !r.Observation.Valid {
			m.Observation++
		}
		if !r.Climatology.Valid {
			m.Climatology++
		}
		for i, f := range r.Forecasts {
			if !f.Valid {
				m.Forecasts[i]++
			}
		}
	}
	return m
}

// DefaultStep is the expected spacing between daily records.
const DefaultStep int64 = 86400

// Gap is a break between consecutive timestamps wider than the expected step.
type Gap struct {
	After   int64 `json:"after"`
	Before  int64 `json:"before"`
	Missing int64 `json:"missing"` // whole steps absent between After and Before
}

// DetectGaps returns the places where consecutive timestamps are more than
// step seconds apart.
func DetectGaps(series *models.Series, step int64) []Gap {
	if step <= 0 {
		step = DefaultStep
	}
	keys := series.Timestamps()
	var gaps []Gap
	for i := 1; i < len(keys); i++ {
		delta := keys[i] - keys[i-1]
		if delta > step {
			gaps = append(gaps, Gap{After: keys[i-1], Before: keys[i], Missing: delta/step - 1})
		}
	}
	return gaps
}
