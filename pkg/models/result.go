package models

import "time"

// StepResult is one row of a funnel report.
type StepResult struct {
	Step                    int      `json:"step"`
	Label                   string   `json:"label"`
	EventName               string   `json:"event_name"`
	Count                   int64    `json:"count"`
	ConversionRate          float64  `json:"conversion_rate"`
	DropOff                 int64    `json:"drop_off"`
	DropOffRate             float64  `json:"drop_off_rate"`
	AvgTimeToConvertSeconds *float64 `json:"avg_time_to_convert_seconds"`
	BreakdownValue          *string  `json:"breakdown_value,omitempty"`
}

// BreakdownGroup holds the step rows of one breakdown value or population.
type BreakdownGroup struct {
	Value string `json:"value"`
	// IsNone marks the group of entities with an empty or missing value.
	IsNone bool         `json:"is_none,omitempty"`
	Steps  []StepResult `json:"steps"`
}

// FunnelResult is the output of a funnel run.
type FunnelResult struct {
	RunID          string           `json:"run_id,omitempty"`
	GeneratedAt    time.Time        `json:"generated_at"`
	Steps          []StepResult     `json:"steps"`
	BreakdownSteps []BreakdownGroup `json:"breakdown_steps,omitempty"`
	AggregateSteps []StepResult     `json:"aggregate_steps,omitempty"`
	Truncated      *bool            `json:"truncated,omitempty"`
}

// Bin is one histogram bucket of conversion durations, in seconds.
type Bin struct {
	From  float64 `json:"from"`
	To    float64 `json:"to"`
	Count int64   `json:"count"`
}

// TimeToConvertResult describes the distribution of conversion durations.
type TimeToConvertResult struct {
	RunID          string `json:"run_id,omitempty"`
	FromStep       int    `json:"from_step"`
	ToStep         int    `json:"to_step"`
	AverageSeconds *int64 `json:"average_seconds"`
	MedianSeconds  *int64 `json:"median_seconds"`
	SampleSize     int    `json:"sample_size"`
	Bins           []Bin  `json:"bins"`
}

// Report kinds.
const (
	ReportFunnel        = "funnel"
	ReportTimeToConvert = "time_to_convert"
)

// Report wraps one run for the output writers.
type Report struct {
	Kind          string               `json:"kind"`
	Name          string               `json:"name,omitempty"`
	Range         DateRange            `json:"range"`
	Funnel        *FunnelResult        `json:"funnel,omitempty"`
	TimeToConvert *TimeToConvertResult `json:"time_to_convert,omitempty"`
}

// RunID returns the run id of whichever result the report carries.
func (r *Report) RunID() string {
	switch {
	case r.Funnel != nil:
		return r.Funnel.RunID
	case r.TimeToConvert != nil:
		return r.TimeToConvert.RunID
	}
	return ""
}
