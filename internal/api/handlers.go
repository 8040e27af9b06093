package api

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-governance/internal/engine"
	"github.com/miradorstack/mirador-governance/internal/models"
	"github.com/miradorstack/mirador-governance/internal/utils"
)

// stringField reads a string member; missing or non-string members read as "".
func stringField(req *structpb.Struct, name string) string {
	if req == nil {
		return ""
	}
	return req.GetFields()[name].GetStringValue()
}

func intField(req *structpb.Struct, name string) (int, error) {
	if req == nil {
		return 0, nil
	}
	v, ok := req.GetFields()[name]
	if !ok {
		return 0, nil
	}
	n, isNumber := v.GetKind().(*structpb.Value_NumberValue)
	if !isNumber {
		return 0, fmt.Errorf("%s must be a number", name)
	}
	if n.NumberValue != math.Trunc(n.NumberValue) {
		return 0, fmt.Errorf("%s must be a whole number", name)
	}
	return int(n.NumberValue), nil
}

// FromStructAnalysisRequest maps a RunAnalysis payload into the engine request.
func FromStructAnalysisRequest(req *structpb.Struct) (engine.AnalysisRequest, error) {
	if req == nil {
		return engine.AnalysisRequest{}, fmt.Errorf("request is nil")
	}
	out := engine.AnalysisRequest{
		PropertyID: stringField(req, "property_id"),
		MetricName: stringField(req, "metric_name"),
		Method:     models.AnalysisMethod(stringField(req, "method")),
	}
	if out.PropertyID == "" || out.MetricName == "" {
		return engine.AnalysisRequest{}, fmt.Errorf("property_id and metric_name are required")
	}
	if raw := stringField(req, "analysis_date"); raw != "" {
		date, err := utils.ParseDate(raw)
		if err != nil {
			return engine.AnalysisRequest{}, fmt.Errorf("analysis_date: %w", err)
		}
		out.AnalysisDate = date
	}
	return out, nil
}

// FromStructResolveRequest maps a ResolveAlert payload into the engine request.
func FromStructResolveRequest(req *structpb.Struct) (engine.ResolveRequest, error) {
	if req == nil {
		return engine.ResolveRequest{}, fmt.Errorf("request is nil")
	}
	role, ok := engine.ParseRole(stringField(req, "role"))
	if !ok {
		return engine.ResolveRequest{}, fmt.Errorf("unknown role %q", stringField(req, "role"))
	}
	return engine.ResolveRequest{
		AlertID:  stringField(req, "alert_id"),
		Actor:    stringField(req, "actor"),
		Role:     role,
		Decision: models.Decision(stringField(req, "decision")),
		Notes:    stringField(req, "notes"),
	}, nil
}

func timeValue(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func timePtrValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeValue(*t)
}

func stringList[T ~string](values []T) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

func countMap[K ~string](counts map[K]int) map[string]any {
	out := make(map[string]any, len(counts))
	for k, v := range counts {
		out[string(k)] = v
	}
	return out
}

func alertView(a models.Alert) map[string]any {
	return map[string]any{
		"id":                     a.ID,
		"property_id":            a.PropertyID,
		"alert_type":             a.Type,
		"title":                  a.Title,
		"description":            a.Description,
		"severity":               string(a.Severity),
		"metric_name":            a.MetricName,
		"metric_value":           a.MetricValue,
		"threshold_value":        a.ThresholdValue,
		"variance_pct":           a.VariancePct,
		"condition":              a.Condition,
		"responsible_committee":  a.ResponsibleCommittee,
		"required_approver_role": a.RequiredApproverRole,
		"requires_action":        a.RequiresAction,
		"analysis_result_id":     a.AnalysisResultID,
		"status":                 string(a.Status),
		"created_at":             timeValue(a.CreatedAt),
		"created_by":             a.CreatedBy,
		"expires_at":             timeValue(a.ExpiresAt),
		"resolved_at":            timePtrValue(a.ResolvedAt),
		"resolved_by":            a.ResolvedBy,
		"decision":               string(a.Decision),
		"resolution_notes":       a.ResolutionNotes,
	}
}

func lockView(l models.WorkflowLock) map[string]any {
	return map[string]any{
		"id":                    l.ID,
		"property_id":           l.PropertyID,
		"alert_id":              l.AlertID,
		"lock_type":             string(l.LockType),
		"severity":              string(l.Severity),
		"blocked_actions":       stringList(l.BlockedActions),
		"status":                string(l.Status),
		"locked_at":             timeValue(l.LockedAt),
		"locked_by":             l.LockedBy,
		"unlocked_at":           timePtrValue(l.UnlockedAt),
		"unlocked_by":           l.UnlockedBy,
		"unlock_reason":         l.UnlockReason,
		"lock_duration_seconds": l.LockDuration.Seconds(),
	}
}

func resultView(r models.AnalysisResult) map[string]any {
	flagged := make([]any, len(r.Flagged))
	for i, f := range r.Flagged {
		flagged[i] = map[string]any{"value": f.Value, "date": timeValue(f.Date), "description": f.Description}
	}
	return map[string]any{
		"id":                r.ID,
		"property_id":       r.PropertyID,
		"metric_name":       r.MetricName,
		"analysis_date":     timeValue(r.AnalysisDate),
		"status":            string(r.Status),
		"method":            string(r.Method),
		"window_start":      timeValue(r.WindowStart),
		"window_end":        timeValue(r.WindowEnd),
		"lookback_months":   r.LookbackMonths,
		"samples_count":     r.SamplesCount,
		"z_score_threshold": r.ZScoreThreshold,
		"z_score_flagged":   r.ZScoreFlagged,
		"cusum_threshold":   r.CUSUMThreshold,
		"cusum_direction":   string(r.CUSUMDirection),
		"cusum_flagged":     r.CUSUMFlagged,
		"cusum_max":         r.CUSUMMax,
		"anomalies_found":   r.AnomaliesFound,
		"confidence":        r.Confidence,
		"anomaly_type":      string(r.AnomalyType),
		"flagged":           flagged,
		"requires_review":   r.RequiresReview,
		"requires_alert":    r.RequiresAlert,
		"duration_ms":       r.Duration.Milliseconds(),
	}
}

func outcomeView(o engine.AlertOutcome) map[string]any {
	view := map[string]any{
		"created":    o.Created,
		"suppressed": o.Suppressed,
		"escalated":  o.Escalated,
		"alert":      alertView(o.Alert),
	}
	if o.Lock != nil {
		view["lock"] = lockView(*o.Lock)
	}
	return view
}

func sweepView(r engine.SweepReport) map[string]any {
	failures := make([]any, len(r.Failures))
	for i, err := range r.Failures {
		failures[i] = err.Error()
	}
	return map[string]any{
		"examined": r.Examined,
		"affected": r.Affected,
		"ids":      stringList(r.IDs),
		"failures": failures,
	}
}

func trendView(t models.AnomalyTrend) map[string]any {
	return map[string]any{
		"property_id":       t.PropertyID,
		"metric_name":       t.MetricName,
		"runs":              t.Runs,
		"anomalous_runs":    t.AnomalousRuns,
		"anomaly_rate":      t.AnomalyRate,
		"mean_confidence":   t.MeanConfidence,
		"type_counts":       countMap(t.TypeCounts),
		"last_run_at":       timeValue(t.LastRunAt),
		"last_anomaly_at":   timeValue(t.LastAnomalyAt),
		"last_anomaly_type": string(t.LastAnomalyType),
	}
}

// ToStructDecision converts a CanProceed answer.
func ToStructDecision(d models.ActionDecision) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"property_id":       d.PropertyID,
		"action":            string(d.Action),
		"allowed":           d.Allowed,
		"blocking_lock_ids": stringList(d.BlockingLockIDs),
		"reasons":           stringList(d.Reasons),
	})
}

// ToStructAlerts converts an alert listing.
func ToStructAlerts(alerts []models.Alert) (*structpb.Struct, error) {
	items := make([]any, len(alerts))
	for i, a := range alerts {
		items[i] = alertView(a)
	}
	return structpb.NewStruct(map[string]any{"alerts": items, "count": len(alerts)})
}

// ToStructPropertySummary converts the dashboard view of a property.
func ToStructPropertySummary(s models.PropertySummary) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"property_id":            s.PropertyID,
		"has_active_restriction": s.HasActiveRestriction,
		"blocked_actions":        stringList(s.BlockedActions),
		"alerts": map[string]any{
			"total":       s.Alerts.Total,
			"pending":     s.Alerts.Pending,
			"by_status":   countMap(s.Alerts.ByStatus),
			"by_severity": countMap(s.Alerts.BySeverity),
		},
		"locks": map[string]any{
			"total":                      s.Locks.Total,
			"active_locks":               s.Locks.ActiveLocks,
			"by_status":                  countMap(s.Locks.ByStatus),
			"by_severity":                countMap(s.Locks.BySeverity),
			"mean_lock_duration_seconds": s.Locks.MeanLockDuration.Seconds(),
		},
	})
}

// ToStructAnalysisOutcome converts a RunAnalysis answer.
func ToStructAnalysisOutcome(o engine.AnalysisOutcome) (*structpb.Struct, error) {
	view := map[string]any{"result": resultView(o.Result)}
	if o.Alert != nil {
		view["alert"] = outcomeView(*o.Alert)
	}
	return structpb.NewStruct(view)
}

// ToStructAlertOutcomes converts threshold check outcomes.
func ToStructAlertOutcomes(outcomes []engine.AlertOutcome) (*structpb.Struct, error) {
	items := make([]any, len(outcomes))
	for i, o := range outcomes {
		items[i] = outcomeView(o)
	}
	return structpb.NewStruct(map[string]any{"outcomes": items})
}

// ToStructResolveOutcome converts a ResolveAlert answer.
func ToStructResolveOutcome(o engine.ResolveOutcome) (*structpb.Struct, error) {
	unlocked := make([]any, len(o.Unlocked))
	for i, l := range o.Unlocked {
		unlocked[i] = lockView(l)
	}
	return structpb.NewStruct(map[string]any{"alert": alertView(o.Alert), "unlocked": unlocked})
}

// ToStructLock converts a single lock.
func ToStructLock(l models.WorkflowLock) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"lock": lockView(l)})
}

// ToStructSweep converts a sweep report.
func ToStructSweep(r engine.SweepReport) (*structpb.Struct, error) {
	return structpb.NewStruct(sweepView(r))
}

// ToStructTrends converts mined anomaly trends.
func ToStructTrends(trends []models.AnomalyTrend) (*structpb.Struct, error) {
	items := make([]any, len(trends))
	for i, t := range trends {
		items[i] = trendView(t)
	}
	return structpb.NewStruct(map[string]any{"trends": items})
}
