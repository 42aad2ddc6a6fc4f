package verify

import "github.com/lox/wandiskill/internal/models"

// Anomaly is the mean of observation minus climatology.
type Anomaly struct {
	N    int     `json:"n"`
	Mean float64 `json:"mean"`
}

// MeanAnomaly averages observation minus climatology over every timestamp
// where both are present, regardless of forecast availability. N is zero and
// Mean is zero when no timestamp qualifies.
func MeanAnomaly(series *models.Series) Anomaly {
	var a Anomaly
	var total float64
	for _, r := range series.Records() {
		if !r.Observation.Valid || !r.Climatology.Valid {
			continue
		}
		total += r.Observation.Float64 - r.Climatology.Float64
		a.N++
	}
	if a.N > 0 {
		a.Mean = total / float64(a.N)
	}
	return a
}

// AverageAnomaly averages the per-series means, weighting each series equally.
// Series with no samples are ignored.
func AverageAnomaly(anomalies []Anomaly) (float64, error) {
	var means []float64
	for _, a := range anomalies {
		if a.N > 0 {
			means = append(means, a.Mean)
		}
	}
	return mean(means)
}
