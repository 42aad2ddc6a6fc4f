// Package ingest checks incoming verification records for implausible values
// before they are stored.
package ingest

import (
	"database/sql"
	"encoding/json"
	"math"
	"strings"

	"github.com/lox/wandiskill/internal/models"
)

const (
	FlagTimestampNegative   = "timestamp_negative"
	FlagTempOutOfRange      = "temp_out_of_range"
	FlagPrecipNegative      = "precip_negative"
	FlagPrecipUnlikely      = "precip_unlikely"
	FlagNotFinite           = "not_finite"
	FlagForecastFarFromClim = "forecast_far_from_climatology"
)

// Kind groups variables that share plausibility limits.
type Kind int

const (
	KindOther Kind = iota
	KindTemperature
	KindPrecipitation
)

// KindOf infers the kind from a variable name such as AIR_TEMP_MAX or PRECIP.
func KindOf(variable string) Kind {
	v := strings.ToUpper(variable)
	switch {
	case strings.Contains(v, "TEMP"):
		return KindTemperature
	case strings.Contains(v, "PRECIP"), strings.Contains(v, "RAIN"):
		return KindPrecipitation
	default:
		return KindOther
	}
}

// maxForecastDeparture is how far a temperature forecast may sit from
// climatology before it is flagged.
const maxForecastDeparture = 40.0

// ValidateRecord returns quality flags for r. Missing values are never flagged.
// Flags are advisory; flagged records are still stored.
func ValidateRecord(r models.Record, kind Kind) []string {
	var flags []string
	add := func(flag string) {
		for _, f := range flags {
			if f == flag {
				return
			}
		}
		flags = append(flags, flag)
	}

	if r.Timestamp < 0 {
		add(FlagTimestampNegative)
	}

	values := append([]sql.NullFloat64{r.Observation, r.Climatology}, r.Forecasts[:]...)
	for _, v := range values {
		if !v.Valid {
			continue
		}
		if math.IsNaN(v.Float64) || math.IsInf(v.Float64, 0) {
			add(FlagNotFinite)
			continue
		}
		switch kind {
		case KindTemperature:
			if v.Float64 < -60 || v.Float64 > 60 {
				add(FlagTempOutOfRange)
			}
		case KindPrecipitation:
			if v.Float64 < 0 {
				add(FlagPrecipNegative)
			}
			if v.Float64 > 1000 {
				add(FlagPrecipUnlikely)
			}
		}
	}

	if kind == KindTemperature && r.Climatology.Valid {
		for _, f := range r.Forecasts {
			if f.Valid && math.Abs(f.Float64-r.Climatology.Float64) > maxForecastDeparture {
				add(FlagForecastFarFromClim)
			}
		}
	}

	return flags
}

// QualityFlagsToJSON encodes flags for storage or logging. No flags encode as "".
func QualityFlagsToJSON(flags []string) string {
	if len(flags) == 0 {
		return ""
	}
	b, _ := json.Marshal(flags)
	return string(b)
}
