package models

import (
	"database/sql"
	"sort"
)

// MaxLead is the longest forecast lead time carried by a record, in days.
const MaxLead = 7

// Leads returns every lead index from 1 to MaxLead.
func Leads() []int {
	leads := make([]int, MaxLead)
	for i := range leads {
		leads[i] = i + 1
	}
	return leads
}

// ValidLead reports whether lead is within 1..MaxLead.
func ValidLead(lead int) bool {
	return lead >= 1 && lead <= MaxLead
}

// Value returns a present value.
func Value(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: true}
}

// Missing is the absent value.
var Missing = sql.NullFloat64{}

// Record is one verification row: the observation, the climatological
// expectation and the forecasts issued at each lead for the same valid time.
type Record struct {
	Timestamp   int64 // epoch seconds
	Observation sql.NullFloat64
	Climatology sql.NullFloat64
	Forecasts   [MaxLead]sql.NullFloat64
}

// Forecast returns the forecast for lead (1-based). Out of range leads are missing.
func (r Record) Forecast(lead int) sql.NullFloat64 {
	if !ValidLead(lead) {
		return Missing
	}
	return r.Forecasts[lead-1]
}

// Complete reports whether the observation, climatology and every listed lead are present.
func (r Record) Complete(leads []int) bool {
	if !r.Observation.Valid || !r.Climatology.Valid {
		return false
	}
	for _, lead := range leads {
		if !r.Forecast(lead).Valid {
			return false
		}
	}
	return true
}

// Series is the ordered, immutable set of records for one site and variable.
type Series struct {
	Site     string
	Variable string
	records  []Record
	index    map[int64]int
}

// NewSeries copies records, sorts them by timestamp and drops duplicate
// timestamps, keeping the last one given.
func NewSeries(site, variable string, records []Record) *Series {
	latest := make(map[int64]Record, len(records))
	for _, r := range records {
		latest[r.Timestamp] = r
	}

	sorted := make([]Record, 0, len(latest))
	for _, r := range latest {
		sorted = append(sorted, r)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })

	index := make(map[int64]int, len(sorted))
	for i, r := range sorted {
		index[r.Timestamp] = i
	}

	return &Series{Site: site, Variable: variable, records: sorted, index: index}
}

// Len returns the number of timestamps in the series.
func (s *Series) Len() int {
	return len(s.records)
}

// Records returns a copy of the ordered records.
func (s *Series) Records() []Record {
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Timestamps returns every timestamp in order.
func (s *Series) Timestamps() []int64 {
	keys := make([]int64, len(s.records))
	for i, r := range s.records {
		keys[i] = r.Timestamp
	}
	return keys
}

// Get returns the record at timestamp ts.
func (s *Series) Get(ts int64) (Record, bool) {
	i, ok := s.index[ts]
	if !ok {
		return Record{}, false
	}
	return s.records[i], true
}

// SeriesInfo describes a stored series without its records.
type SeriesInfo struct {
	Site        string
	Variable    string
	Description string
	RecordCount int
	FirstTime   sql.NullInt64
	LastTime    sql.NullInt64
}
