package postgres

import (
	"time"

	"github.com/miradorstack/mirador-governance/internal/models"
)

type analysisResultRow struct {
	ID           string    `gorm:"primaryKey;type:varchar(64)"`
	PropertyID   string    `gorm:"type:varchar(128);not null;index:idx_results_series,priority:1"`
	MetricName   string    `gorm:"type:varchar(64);not null;index:idx_results_series,priority:2"`
	AnalysisDate time.Time `gorm:"not null;index:idx_results_series,priority:3"`
	Status       string    `gorm:"type:varchar(20);not null"`

	WindowStart    time.Time
	WindowEnd      time.Time
	LookbackMonths int
	SamplesCount   int

	ZScoreThreshold float64
	ZScores         []float64 `gorm:"serializer:json;type:jsonb"`
	ZScoreFlagged   int

	CUSUMThreshold float64 `gorm:"column:cusum_threshold"`
	CUSUMDirection string  `gorm:"column:cusum_direction;type:varchar(20)"`
	CUSUMFlagged   int     `gorm:"column:cusum_flagged"`
	CUSUMMax       float64 `gorm:"column:cusum_max"`

	AnomaliesFound bool
	Confidence     float64
	AnomalyType    string                `gorm:"type:varchar(32)"`
	Flagged        []models.FlaggedPoint `gorm:"serializer:json;type:jsonb"`

	RequiresReview bool
	RequiresAlert  bool

	Method     string `gorm:"type:varchar(32)"`
	DurationMs int64

	CreatedAt time.Time `gorm:"not null"`
}

func (analysisResultRow) TableName() string {
	return "governance_analysis_results"
}

type alertRow struct {
	ID          string `gorm:"primaryKey;type:varchar(64)"`
	PropertyID  string `gorm:"type:varchar(128);not null;index"`
	Type        string `gorm:"type:varchar(64);not null"`
	Title       string `gorm:"type:varchar(255)"`
	Description string `gorm:"type:text"`
	Severity    string `gorm:"type:varchar(20);not null"`

	MetricName     string `gorm:"type:varchar(64);not null"`
	MetricValue    float64
	ThresholdValue float64
	VariancePct    float64
	Condition      string `gorm:"column:alert_condition;type:varchar(64);not null"`

	ResponsibleCommittee string `gorm:"type:varchar(64);index"`
	RequiredApproverRole string `gorm:"type:varchar(32)"`
	RequiresAction       bool
	AnalysisResultID     string `gorm:"type:varchar(64)"`

	Status          string    `gorm:"type:varchar(20);not null;index"`
	CreatedAt       time.Time `gorm:"not null"`
	CreatedBy       string    `gorm:"type:varchar(128)"`
	ExpiresAt       time.Time `gorm:"not null;index"`
	ResolvedAt      *time.Time
	ResolvedBy      string `gorm:"type:varchar(128)"`
	Decision        string `gorm:"type:varchar(20)"`
	ResolutionNotes string `gorm:"type:text"`

	Locks []lockRow `gorm:"foreignKey:AlertID;constraint:OnDelete:CASCADE"`
}

func (alertRow) TableName() string {
	return "governance_alerts"
}

type lockRow struct {
	ID             string    `gorm:"primaryKey;type:varchar(64)"`
	PropertyID     string    `gorm:"type:varchar(128);not null;index"`
	AlertID        string    `gorm:"type:varchar(64);not null;index"`
	LockType       string    `gorm:"type:varchar(32);not null"`
	Severity       string    `gorm:"type:varchar(20);not null"`
	BlockedActions []string  `gorm:"serializer:json;type:jsonb"`
	Status         string    `gorm:"type:varchar(20);not null;index"`
	LockedAt       time.Time `gorm:"not null;index"`
	LockedBy       string    `gorm:"type:varchar(128)"`
	UnlockedAt     *time.Time
	UnlockedBy     string `gorm:"type:varchar(128)"`
	UnlockReason   string `gorm:"type:text"`
	LockDurationMs int64
}

func (lockRow) TableName() string {
	return "governance_workflow_locks"
}

type propertyStateRow struct {
	PropertyID           string `gorm:"primaryKey;type:varchar(128)"`
	HasActiveRestriction bool
	ActiveLockCount      int
	BlockedActions       []string `gorm:"serializer:json;type:jsonb"`
	Version              int64    `gorm:"not null"`
	UpdatedAt            time.Time
}

func (propertyStateRow) TableName() string {
	return "governance_property_states"
}

func resultToRow(r models.AnalysisResult) analysisResultRow {
	return analysisResultRow{
		ID:              r.ID,
		PropertyID:      r.PropertyID,
		MetricName:      r.MetricName,
		AnalysisDate:    r.AnalysisDate,
		Status:          string(r.Status),
		WindowStart:     r.WindowStart,
		WindowEnd:       r.WindowEnd,
		LookbackMonths:  r.LookbackMonths,
		SamplesCount:    r.SamplesCount,
		ZScoreThreshold: r.ZScoreThreshold,
		ZScores:         r.ZScores,
		ZScoreFlagged:   r.ZScoreFlagged,
		CUSUMThreshold:  r.CUSUMThreshold,
		CUSUMDirection:  string(r.CUSUMDirection),
		CUSUMFlagged:    r.CUSUMFlagged,
		CUSUMMax:        r.CUSUMMax,
		AnomaliesFound:  r.AnomaliesFound,
		Confidence:      r.Confidence,
		AnomalyType:     string(r.AnomalyType),
		Flagged:         r.Flagged,
		RequiresReview:  r.RequiresReview,
		RequiresAlert:   r.RequiresAlert,
		Method:          string(r.Method),
		DurationMs:      r.Duration.Milliseconds(),
		CreatedAt:       r.CreatedAt,
	}
}

func (row analysisResultRow) model() models.AnalysisResult {
	return models.AnalysisResult{
		ID:              row.ID,
		PropertyID:      row.PropertyID,
		MetricName:      row.MetricName,
		AnalysisDate:    row.AnalysisDate,
		Status:          models.AnalysisStatus(row.Status),
		WindowStart:     row.WindowStart,
		WindowEnd:       row.WindowEnd,
		LookbackMonths:  row.LookbackMonths,
		SamplesCount:    row.SamplesCount,
		ZScoreThreshold: row.ZScoreThreshold,
		ZScores:         row.ZScores,
		ZScoreFlagged:   row.ZScoreFlagged,
		CUSUMThreshold:  row.CUSUMThreshold,
		CUSUMDirection:  models.ShiftDirection(row.CUSUMDirection),
		CUSUMFlagged:    row.CUSUMFlagged,
		CUSUMMax:        row.CUSUMMax,
		AnomaliesFound:  row.AnomaliesFound,
		Confidence:      row.Confidence,
		AnomalyType:     models.AnomalyType(row.AnomalyType),
		Flagged:         row.Flagged,
		RequiresReview:  row.RequiresReview,
		RequiresAlert:   row.RequiresAlert,
		Method:          models.AnalysisMethod(row.Method),
		Duration:        time.Duration(row.DurationMs) * time.Millisecond,
		CreatedAt:       row.CreatedAt,
	}
}

func alertToRow(a models.Alert) alertRow {
	return alertRow{
		ID:                   a.ID,
		PropertyID:           a.PropertyID,
		Type:                 a.Type,
		Title:                a.Title,
		Description:          a.Description,
		Severity:             string(a.Severity),
		MetricName:           a.MetricName,
		MetricValue:          a.MetricValue,
		ThresholdValue:       a.ThresholdValue,
		VariancePct:          a.VariancePct,
		Condition:            a.Condition,
		ResponsibleCommittee: a.ResponsibleCommittee,
		RequiredApproverRole: a.RequiredApproverRole,
		RequiresAction:       a.RequiresAction,
		AnalysisResultID:     a.AnalysisResultID,
		Status:               string(a.Status),
		CreatedAt:            a.CreatedAt,
		CreatedBy:            a.CreatedBy,
		ExpiresAt:            a.ExpiresAt,
		ResolvedAt:           a.ResolvedAt,
		ResolvedBy:           a.ResolvedBy,
		Decision:             string(a.Decision),
		ResolutionNotes:      a.ResolutionNotes,
	}
}

func (row alertRow) model() models.Alert {
	return models.Alert{
		ID:                   row.ID,
		PropertyID:           row.PropertyID,
		Type:                 row.Type,
		Title:                row.Title,
		Description:          row.Description,
		Severity:             models.Severity(row.Severity),
		MetricName:           row.MetricName,
		MetricValue:          row.MetricValue,
		ThresholdValue:       row.ThresholdValue,
		VariancePct:          row.VariancePct,
		Condition:            row.Condition,
		ResponsibleCommittee: row.ResponsibleCommittee,
		RequiredApproverRole: row.RequiredApproverRole,
		RequiresAction:       row.RequiresAction,
		AnalysisResultID:     row.AnalysisResultID,
		Status:               models.AlertStatus(row.Status),
		CreatedAt:            row.CreatedAt,
		CreatedBy:            row.CreatedBy,
		ExpiresAt:            row.ExpiresAt,
		ResolvedAt:           row.ResolvedAt,
		ResolvedBy:           row.ResolvedBy,
		Decision:             models.Decision(row.Decision),
		ResolutionNotes:      row.ResolutionNotes,
	}
}

func lockToRow(l models.WorkflowLock) lockRow {
	return lockRow{
		ID:             l.ID,
		PropertyID:     l.PropertyID,
		AlertID:        l.AlertID,
		LockType:       string(l.LockType),
		Severity:       string(l.Severity),
		BlockedActions: actionStrings(l.BlockedActions),
		Status:         string(l.Status),
		LockedAt:       l.LockedAt,
		LockedBy:       l.LockedBy,
		UnlockedAt:     l.UnlockedAt,
		UnlockedBy:     l.UnlockedBy,
		UnlockReason:   l.UnlockReason,
		LockDurationMs: l.LockDuration.Milliseconds(),
	}
}

func (row lockRow) model() models.WorkflowLock {
	return models.WorkflowLock{
		ID:             row.ID,
		PropertyID:     row.PropertyID,
		AlertID:        row.AlertID,
		LockType:       models.LockType(row.LockType),
		Severity:       models.Severity(row.Severity),
		BlockedActions: parseActions(row.BlockedActions),
		Status:         models.LockStatus(row.Status),
		LockedAt:       row.LockedAt,
		LockedBy:       row.LockedBy,
		UnlockedAt:     row.UnlockedAt,
		UnlockedBy:     row.UnlockedBy,
		UnlockReason:   row.UnlockReason,
		LockDuration:   time.Duration(row.LockDurationMs) * time.Millisecond,
	}
}

func stateToRow(st models.PropertyState) propertyStateRow {
	return propertyStateRow{
		PropertyID:           st.PropertyID,
		HasActiveRestriction: st.HasActiveRestriction,
		ActiveLockCount:      st.ActiveLockCount,
		BlockedActions:       actionStrings(st.BlockedActions),
		Version:              st.Version,
		UpdatedAt:            st.UpdatedAt,
	}
}

func (row propertyStateRow) model() models.PropertyState {
	return models.PropertyState{
		PropertyID:           row.PropertyID,
		HasActiveRestriction: row.HasActiveRestriction,
		ActiveLockCount:      row.ActiveLockCount,
		BlockedActions:       parseActions(row.BlockedActions),
		Version:              row.Version,
		UpdatedAt:            row.UpdatedAt,
	}
}

func actionStrings(actions []models.Action) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = string(a)
	}
	return out
}

func parseActions(values []string) []models.Action {
	out := make([]models.Action, 0, len(values))
	for _, v := range values {
		out = append(out, models.Action(v))
	}
	return out
}
