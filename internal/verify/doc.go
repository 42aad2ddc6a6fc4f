// Package verify scores forecasts against observations and climatology.
//
// Every function here is pure: inputs are explicit slices or an immutable
// models.Series and results are returned as new values. Missing data is
// filtered out before any arithmetic happens; the arithmetic functions
// themselves require aligned, non-empty inputs.
package verify

import "errors"

var (
	// ErrMissingData is returned for empty inputs or inputs of unequal length.
	ErrMissingData = errors.New("verify: missing data")

	// ErrUndefinedSkill is returned when the baseline metric is zero.
	ErrUndefinedSkill = errors.New("verify: skill undefined for zero baseline")

	// ErrDegenerateFit is returned when the predictor has zero variance.
	ErrDegenerateFit = errors.New("verify: predictor has zero variance")
)
