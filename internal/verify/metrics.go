package verify

import (
	"fmt"
	"math"
)

// Errors holds the error statistics of a prediction against observations.
type Errors struct {
	RMSE float64 `json:"rmse"`
	MAE  float64 `json:"mae"`
}

// ErrorMetrics returns the root mean square error and the mean absolute error
// of predicted against observed.
func ErrorMetrics(observed, predicted []float64) (Errors, error) {
	if err := aligned(observed, predicted); err != nil {
		return Errors{}, err
	}

	var sumSq, sumAbs float64
	for i := range observed {
		d := observed[i] - predicted[i]
		sumSq += d * d
		sumAbs += math.Abs(d)
	}
	n := float64(len(observed))
	return Errors{RMSE: math.Sqrt(sumSq / n), MAE: sumAbs / n}, nil
}

// SkillScore returns 1 - forecast/baseline. A perfect forecast scores 1, a
// forecast no better than the baseline scores 0.
func SkillScore(forecast, baseline float64) (float64, error) {
	if baseline == 0 {
		return 0, ErrUndefinedSkill
	}
	return 1 - forecast/baseline, nil
}

func mean(a []float64) (float64, error) {
	if len(a) == 0 {
		return 0, fmt.Errorf("mean of empty sequence: %w", ErrMissingData)
	}
	var total float64
	for _, v := range a {
		total += v
	}
	return total / float64(len(a)), nil
}

func aligned(a, b []float64) error {
	if len(a) == 0 || len(b) == 0 {
		return fmt.Errorf("empty sequence: %w", ErrMissingData)
	}
	if len(a) != len(b) {
		return fmt.Errorf("length mismatch %d != %d: %w", len(a), len(b), ErrMissingData)
	}
	return nil
}
