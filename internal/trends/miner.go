// Package trends aggregates retained analysis results into per-series anomaly trends.
package trends

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/miradorstack/mirador-governance/internal/cache"
	"github.com/miradorstack/mirador-governance/internal/models"
)

// Sink receives mined trends.
type Sink interface {
	RecordTrends(ctx context.Context, trends []models.AnomalyTrend) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, trends []models.AnomalyTrend) error

// RecordTrends implements Sink.
func (f SinkFunc) RecordTrends(ctx context.Context, trends []models.AnomalyTrend) error {
	return f(ctx, trends)
}

// Miner folds analysis history into trends.
type Miner struct {
	sink   Sink
	logger *slog.Logger
}

// NewMiner constructs a Miner; sink may be nil for dry runs.
func NewMiner(logger *slog.Logger, sink Sink) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Miner{sink: sink, logger: logger}
}

// Mine groups results by series and returns one trend each, highest anomaly rate first.
func (m *Miner) Mine(ctx context.Context, results []models.AnalysisResult) ([]models.AnomalyTrend, error) {
	if len(results) == 0 {
		return nil, nil
	}

	bySeries := make(map[models.SeriesKey]*seriesAggregate)
	for _, r := range results {
		key := models.SeriesKey{PropertyID: r.PropertyID, MetricName: r.MetricName}
		agg := ensureAggregate(bySeries, key)
		agg.runs++
		runAt := runTime(r)
		if runAt.After(agg.lastRun) {
			agg.lastRun = runAt
		}
		if !r.AnomaliesFound {
			continue
		}
		agg.anomalous++
		agg.confidence += r.Confidence
		agg.types[r.AnomalyType]++
		if !runAt.Before(agg.lastAnomaly) {
			agg.lastAnomaly = runAt
			agg.lastType = r.AnomalyType
		}
	}

	trends := make([]models.AnomalyTrend, 0, len(bySeries))
	for key, agg := range bySeries {
		trend := models.AnomalyTrend{
			PropertyID:      key.PropertyID,
			MetricName:      key.MetricName,
			Runs:            agg.runs,
			AnomalousRuns:   agg.anomalous,
			AnomalyRate:     float64(agg.anomalous) / float64(agg.runs),
			TypeCounts:      agg.types,
			LastRunAt:       agg.lastRun,
			LastAnomalyAt:   agg.lastAnomaly,
			LastAnomalyType: agg.lastType,
		}
		if agg.anomalous > 0 {
			trend.MeanConfidence = agg.confidence / float64(agg.anomalous)
		}
		trends = append(trends, trend)
	}

	sort.Slice(trends, func(i, j int) bool {
		if trends[i].AnomalyRate != trends[j].AnomalyRate {
			return trends[i].AnomalyRate > trends[j].AnomalyRate
		}
		ki := trends[i].PropertyID + "/" + trends[i].MetricName
		kj := trends[j].PropertyID + "/" + trends[j].MetricName
		return ki < kj
	})

	if m.sink != nil {
		if err := m.sink.RecordTrends(ctx, trends); err != nil {
			m.logger.Warn("trend sink failed", slog.Any("error", err))
		}
	}
	return trends, nil
}

type seriesAggregate struct {
	runs        int
	anomalous   int
	confidence  float64
	types       map[models.AnomalyType]int
	lastRun     time.Time
	lastAnomaly time.Time
	lastType    models.AnomalyType
}

func ensureAggregate(m map[models.SeriesKey]*seriesAggregate, key models.SeriesKey) *seriesAggregate {
	agg, ok := m[key]
	if !ok {
		agg = &seriesAggregate{types: make(map[models.AnomalyType]int)}
		m[key] = agg
	}
	return agg
}

func runTime(r models.AnalysisResult) time.Time {
	if !r.AnalysisDate.IsZero() {
		return r.AnalysisDate
	}
	return r.CreatedAt
}

// CacheSink writes each trend as a JSON snapshot under governance:trend:<property>:<metric>.
type CacheSink struct {
	provider cache.Provider
	ttl      time.Duration
}

// NewCacheSink wraps provider; ttl <= 0 keeps snapshots for a day.
func NewCacheSink(provider cache.Provider, ttl time.Duration) *CacheSink {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CacheSink{provider: provider, ttl: ttl}
}

// Key returns the snapshot key of a series.
func Key(propertyID, metricName string) string {
	return fmt.Sprintf("governance:trend:%s:%s", propertyID, metricName)
}

// RecordTrends implements Sink.
func (s *CacheSink) RecordTrends(ctx context.Context, trends []models.AnomalyTrend) error {
	for _, t := range trends {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if err := s.provider.Set(ctx, Key(t.PropertyID, t.MetricName), data, s.ttl); err != nil {
			return fmt.Errorf("store trend %s/%s: %w", t.PropertyID, t.MetricName, err)
		}
	}
	return nil
}
