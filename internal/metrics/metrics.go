package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels completed analysis runs.
	OutcomeSuccess = "success"
	// OutcomeInsufficientData labels runs skipped for a short window.
	OutcomeInsufficientData = "insufficient_data"
	// OutcomeError labels failed runs (dependency or persistence issues).
	OutcomeError = "error"
)

var (
	analysisRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_governance",
			Name:      "analysis_runs_total",
			Help:      "Total number of analysis runs, partitioned by outcome and anomaly verdict.",
		},
		[]string{"outcome", "anomalous"},
	)

	analysisDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mirador_governance",
			Name:      "analysis_seconds",
			Help:      "Analysis run latency in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_governance",
			Name:      "alerts_total",
			Help:      "Alert generator decisions, partitioned by result and severity.",
		},
		[]string{"result", "severity"},
	)

	lockTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_governance",
			Name:      "lock_transitions_total",
			Help:      "Workflow lock state transitions, partitioned by target state.",
		},
		[]string{"state"},
	)

	sweepAffectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_governance",
			Name:      "sweep_affected_total",
			Help:      "Rows transitioned by expiry sweeps.",
		},
		[]string{"sweep"},
	)

	mutationConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mirador_governance",
			Name:      "mutation_conflicts_total",
			Help:      "Per-property serialization conflicts surfaced or retried.",
		},
	)

	jobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_governance",
			Name:      "scheduler_job_runs_total",
			Help:      "Scheduled job executions, partitioned by job and outcome.",
		},
		[]string{"job", "outcome"},
	)

	activeLocks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mirador_governance",
			Name:      "active_locks",
			Help:      "Workflow locks currently in the locked state, as of the last sweep.",
		},
	)
)

// Register attaches mirador-governance collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		analysisRunsTotal,
		analysisDurationSeconds,
		alertsTotal,
		lockTransitionsTotal,
		sweepAffectedTotal,
		mutationConflictsTotal,
		jobRunsTotal,
		activeLocks,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveAnalysis records an analysis run duration and outcome label.
func ObserveAnalysis(duration time.Duration, outcome string, anomalous bool) {
	switch outcome {
	case OutcomeError, OutcomeInsufficientData:
	default:
		outcome = OutcomeSuccess
	}
	flag := "false"
	if anomalous {
		flag = "true"
	}
	analysisRunsTotal.WithLabelValues(outcome, flag).Inc()
	if duration < 0 {
		duration = 0
	}
	analysisDurationSeconds.Observe(duration.Seconds())
}

// ObserveAlert records an alert generator decision ("created", "escalated" or "suppressed").
func ObserveAlert(result, severity string) {
	alertsTotal.WithLabelValues(result, severity).Inc()
}

// ObserveLockTransition records a lock moving into state.
func ObserveLockTransition(state string) {
	lockTransitionsTotal.WithLabelValues(state).Inc()
}

// ObserveSweep records how many rows a sweep transitioned.
func ObserveSweep(sweep string, affected int) {
	if affected <= 0 {
		return
	}
	sweepAffectedTotal.WithLabelValues(sweep).Add(float64(affected))
}

// ObserveConflict records a serialization conflict.
func ObserveConflict() {
	mutationConflictsTotal.Inc()
}

// ObserveJob records one scheduled job execution.
func ObserveJob(job string, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	jobRunsTotal.WithLabelValues(job, outcome).Inc()
}

// SetActiveLocks publishes the locked-lock gauge.
func SetActiveLocks(n int) {
	activeLocks.Set(float64(n))
}
