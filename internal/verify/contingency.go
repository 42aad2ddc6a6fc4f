package verify

import "fmt"

// DefaultOffset is the event threshold above climatology, in the series' units.
const DefaultOffset = 5.0

// ContingencyTable counts forecast/observation agreement for a binary event.
type ContingencyTable struct {
	Hit             int `json:"hit"`
	FalseAlarm      int `json:"false_alarm"`
	Miss            int `json:"miss"`
	CorrectNegative int `json:"correct_negative"`
}

// Total returns the number of classified timestamps.
func (t ContingencyTable) Total() int {
	return t.Hit + t.FalseAlarm + t.Miss + t.CorrectNegative
}

// Contingency classifies each timestamp by whether the forecast and the
// observation exceed climatology+offset at that timestamp.
func Contingency(forecasts, observations, climatology []float64, offset float64) (ContingencyTable, error) {
	if err := aligned(forecasts, observations); err != nil {
		return ContingencyTable{}, err
	}
	if len(climatology) != len(forecasts) {
		return ContingencyTable{}, fmt.Errorf("climatology length %d != %d: %w", len(climatology), len(forecasts), ErrMissingData)
	}

	var t ContingencyTable
	for i := range forecasts {
		threshold := climatology[i] + offset
		forecastEvent := forecasts[i] > threshold
		observedEvent := observations[i] > threshold

		switch {
		case forecastEvent && observedEvent:
			t.Hit++
		case forecastEvent:
			t.FalseAlarm++
		case observedEvent:
			t.Miss++
		default:
			t.CorrectNegative++
		}
	}
	return t, nil
}

// Accuracy is the fraction of timestamps classified correctly.
func (t ContingencyTable) Accuracy() (float64, bool) {
	return ratio(t.Hit+t.CorrectNegative, t.Total())
}

// BiasScore is forecast events over observed events. Above 1 over-forecasts.
func (t ContingencyTable) BiasScore() (float64, bool) {
	return ratio(t.Hit+t.FalseAlarm, t.Hit+t.Miss)
}

// FalseAlarmRatio is the fraction of forecast events that did not occur.
func (t ContingencyTable) FalseAlarmRatio() (float64, bool) {
	return ratio(t.FalseAlarm, t.Hit+t.FalseAlarm)
}

// FalseDetectionRate is the fraction of non-events that were forecast as events.
func (t ContingencyTable) FalseDetectionRate() (float64, bool) {
	return ratio(t.FalseAlarm, t.FalseAlarm+t.CorrectNegative)
}

// ContingencyScores holds the derived scores of a table; nil means undefined.
type ContingencyScores struct {
	Accuracy           *float64 `json:"accuracy"`
	BiasScore          *float64 `json:"bias_score"`
	FalseAlarmRatio    *float64 `json:"false_alarm_ratio"`
	FalseDetectionRate *float64 `json:"false_detection_rate"`
}

// Scores computes every derived score of t.
func (t ContingencyTable) Scores() ContingencyScores {
	return ContingencyScores{
		Accuracy:           optional(t.Accuracy()),
		BiasScore:          optional(t.BiasScore()),
		FalseAlarmRatio:    optional(t.FalseAlarmRatio()),
		FalseDetectionRate: optional(t.FalseDetectionRate()),
	}
}

func ratio(num, den int) (float64, bool) {
	if den == 0 {
		return 0, false
	}
	return float64(num) / float64(den), true
}

func optional(v float64, ok bool) *float64 {
	if !ok {
		return nil
	}
	return &v
}
