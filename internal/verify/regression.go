package verify

import "fmt"

// Fit is a least-squares line observed = Intercept + Slope*predicted.
type Fit struct {
	Intercept float64 `json:"intercept"`
	Slope     float64 `json:"slope"`
}

// Apply returns the fitted observation for a predicted value.
func (f Fit) Apply(predicted float64) float64 {
	return f.Intercept + f.Slope*predicted
}

// LinearBiasFit regresses observed on predicted using the sample covariance
// and sample variance. The fit is a diagnostic; callers never rewrite
// forecasts with it.
func LinearBiasFit(observed, predicted []float64) (Fit, error) {
	if err := aligned(observed, predicted); err != nil {
		return Fit{}, err
	}
	if len(observed) < 2 {
		return Fit{}, fmt.Errorf("need at least 2 samples, got %d: %w", len(observed), ErrMissingData)
	}

	varP, err := covariance(predicted, predicted)
	if err != nil {
		return Fit{}, err
	}
	if varP == 0 {
		return Fit{}, ErrDegenerateFit
	}
	cov, err := covariance(observed, predicted)
	if err != nil {
		return Fit{}, err
	}

	meanO, _ := mean(observed)
	meanP, _ := mean(predicted)
	slope := cov / varP
	return Fit{Intercept: meanO - slope*meanP, Slope: slope}, nil
}

// covariance is the sample covariance with an n-1 denominator.
func covariance(a, b []float64) (float64, error) {
	if err := aligned(a, b); err != nil {
		return 0, err
	}
	if len(a) < 2 {
		return 0, fmt.Errorf("covariance of %d samples: %w", len(a), ErrMissingData)
	}
	am, _ := mean(a)
	bm, _ := mean(b)
	var total float64
	for i := range a {
		total += (a[i] - am) * (b[i] - bm)
	}
	return total / float64(len(a)-1), nil
}

// FitDiagnostics compares the raw predictions with the fitted line.
// Errors are prediction minus observation.
type FitDiagnostics struct {
	RawMeanError float64 `json:"raw_mean_error"`
	RawMSE       float64 `json:"raw_mse"`
	FitMeanError float64 `json:"fit_mean_error"`
	FitMSE       float64 `json:"fit_mse"`
}

// Diagnose computes mean error and mean squared error before and after fit.
func Diagnose(observed, predicted []float64, fit Fit) (FitDiagnostics, error) {
	if err := aligned(observed, predicted); err != nil {
		return FitDiagnostics{}, err
	}
	var d FitDiagnostics
	for i := range observed {
		raw := predicted[i] - observed[i]
		fitted := fit.Apply(predicted[i]) - observed[i]
		d.RawMeanError += raw
		d.RawMSE += raw * raw
		d.FitMeanError += fitted
		d.FitMSE += fitted * fitted
	}
	n := float64(len(observed))
	d.RawMeanError /= n
	d.RawMSE /= n
	d.FitMeanError /= n
	d.FitMSE /= n
	return d, nil
}
