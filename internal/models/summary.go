package models

import "time"

// LockSummary aggregates a property's locks for reporting.
type LockSummary struct {
	PropertyID       string
	Total            int
	ByStatus         map[LockStatus]int
	BySeverity       map[Severity]int
	ActiveLocks      int
	MeanLockDuration time.Duration
}

// AlertSummary aggregates a property's alerts for reporting.
type AlertSummary struct {
	Total      int
	ByStatus   map[AlertStatus]int
	BySeverity map[Severity]int
	Pending    int
}

// PropertySummary is the dashboard view of a property's governance state.
type PropertySummary struct {
	PropertyID           string
	HasActiveRestriction bool
	BlockedActions       []Action
	Alerts               AlertSummary
	Locks                LockSummary
}

// ActionDecision answers "may this action proceed on this property".
type ActionDecision struct {
	PropertyID      string
	Action          Action
	Allowed         bool
	BlockingLockIDs []string
	Reasons         []string
}
