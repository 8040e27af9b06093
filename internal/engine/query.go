package engine

import (
	"sort"

	"github.com/miradorstack/mirador-governance/internal/models"
)

// SortAlertsForReview orders alerts critical first, then warning, then info; oldest first within
// a severity.
func SortAlertsForReview(alerts []models.Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		ri, rj := alerts[i].Severity.Rank(), alerts[j].Severity.Rank()
		if ri != rj {
			return ri < rj
		}
		if !alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].CreatedAt.Before(alerts[j].CreatedAt)
		}
		return alerts[i].ID < alerts[j].ID
	})
}

// SummariseAlerts counts alerts by status and severity.
func SummariseAlerts(alerts []models.Alert) models.AlertSummary {
	summary := models.AlertSummary{
		Total:      len(alerts),
		ByStatus:   make(map[models.AlertStatus]int),
		BySeverity: make(map[models.Severity]int),
	}
	for _, a := range alerts {
		summary.ByStatus[a.Status]++
		summary.BySeverity[a.Severity]++
		if a.Status == models.AlertPending {
			summary.Pending++
		}
	}
	return summary
}

// SummariseLocks is GetLockSummary over an already loaded set.
func SummariseLocks(propertyID string, locks []models.WorkflowLock) models.LockSummary {
	return summariseLocks(propertyID, locks)
}
