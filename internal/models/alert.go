package models

import "time"

// Severity captures impact levels of an alert or lock.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Rank orders severities, most severe first.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityWarning:
		return 1
	case SeverityInfo:
		return 2
	default:
		return 3
	}
}

// AlertStatus is the alert lifecycle state. Only pending is non-terminal.
type AlertStatus string

const (
	AlertPending  AlertStatus = "pending"
	AlertApproved AlertStatus = "approved"
	AlertRejected AlertStatus = "rejected"
	AlertExpired  AlertStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s AlertStatus) Terminal() bool {
	return s != AlertPending
}

// Decision is a committee resolution of a pending alert.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Condition values used in the dedupe key.
const (
	ConditionAnomaly = "anomaly"
)

// Alert is a committee-routed governance alert.
type Alert struct {
	ID          string
	PropertyID  string
	Type        string
	Title       string
	Description string
	Severity    Severity

	MetricName     string
	MetricValue    float64
	ThresholdValue float64
	VariancePct    float64
	Condition      string

	ResponsibleCommittee string
	RequiredApproverRole string
	RequiresAction       bool
	AnalysisResultID     string

	Status          AlertStatus
	CreatedAt       time.Time
	CreatedBy       string
	ExpiresAt       time.Time
	ResolvedAt      *time.Time
	ResolvedBy      string
	Decision        Decision
	ResolutionNotes string
}

// DedupeKey identifies the condition an alert covers.
func (a Alert) DedupeKey() AlertKey {
	return AlertKey{PropertyID: a.PropertyID, MetricName: a.MetricName, Condition: a.Condition}
}

// AlertKey is the (property, metric, condition) suppression key.
type AlertKey struct {
	PropertyID string
	MetricName string
	Condition  string
}

// AlertFilter narrows alert listings; zero fields match everything.
type AlertFilter struct {
	PropertyID string
	Committee  string
	Status     AlertStatus
}
