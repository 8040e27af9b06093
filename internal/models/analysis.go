package models

import "time"

// AnalysisMethod selects which analyzers contribute to a verdict.
type AnalysisMethod string

const (
	MethodZScore      AnalysisMethod = "z_score"
	MethodCUSUM       AnalysisMethod = "cusum"
	MethodCombination AnalysisMethod = "combination"
	MethodMLModel     AnalysisMethod = "ml_model"
	MethodEnsemble    AnalysisMethod = "ensemble"
)

// AnomalyType classifies a verdict.
type AnomalyType string

const (
	AnomalyNone        AnomalyType = ""
	AnomalyOutlier     AnomalyType = "outlier"
	AnomalyTrendShift  AnomalyType = "trend_shift"
	AnomalyLevelChange AnomalyType = "level_change"
	AnomalySeasonal    AnomalyType = "seasonal"
	AnomalyMultiple    AnomalyType = "multiple"
)

// ShiftDirection is the side on which CUSUM signalled.
type ShiftDirection string

const (
	ShiftNone     ShiftDirection = "none"
	ShiftUpward   ShiftDirection = "upward"
	ShiftDownward ShiftDirection = "downward"
	ShiftBoth     ShiftDirection = "both"
)

// AnalysisStatus records how a run ended.
type AnalysisStatus string

const (
	AnalysisCompleted AnalysisStatus = "completed"
)

// FlaggedPoint is one sample called out by an analyzer.
type FlaggedPoint struct {
	Value       float64   `json:"value"`
	Date        time.Time `json:"date"`
	Description string    `json:"description"`
}

// AnalysisResult is the immutable output of one analysis run for a (property, metric, date).
// Reruns append new results; old ones are kept for trend auditing.
type AnalysisResult struct {
	ID           string
	PropertyID   string
	MetricName   string
	AnalysisDate time.Time
	Status       AnalysisStatus

	WindowStart    time.Time
	WindowEnd      time.Time
	LookbackMonths int
	SamplesCount   int

	ZScoreThreshold float64
	ZScores         []float64
	ZScoreFlagged   int

	CUSUMThreshold float64
	CUSUMDirection ShiftDirection
	CUSUMFlagged   int
	CUSUMMax       float64

	AnomaliesFound bool
	Confidence     float64
	AnomalyType    AnomalyType
	Flagged        []FlaggedPoint

	RequiresReview bool
	RequiresAlert  bool

	Method   AnalysisMethod
	Duration time.Duration

	CreatedAt time.Time
}

// Descriptions returns the flagged descriptions in window order.
func (r AnalysisResult) Descriptions() []string {
	out := make([]string, 0, len(r.Flagged))
	for _, f := range r.Flagged {
		if f.Description != "" {
			out = append(out, f.Description)
		}
	}
	return out
}

// AnomalyTrend aggregates retained analysis results for one series.
type AnomalyTrend struct {
	PropertyID      string
	MetricName      string
	Runs            int
	AnomalousRuns   int
	AnomalyRate     float64
	MeanConfidence  float64
	TypeCounts      map[AnomalyType]int
	LastRunAt       time.Time
	LastAnomalyAt   time.Time
	LastAnomalyType AnomalyType
}
