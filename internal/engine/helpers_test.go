package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/miradorstack/mirador-governance/internal/audit"
	"github.com/miradorstack/mirador-governance/internal/models"
	"github.com/miradorstack/mirador-governance/internal/store/memory"
)

var baseTime = time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type sequentialIDs struct {
	mu sync.Mutex
	n  int
}

func (s *sequentialIDs) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%03d", s.n)
}

type fakeHistory struct {
	mu      sync.Mutex
	series  map[models.SeriesKey][]models.MetricSample
	failFor map[models.SeriesKey]error
	calls   int
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		series:  make(map[models.SeriesKey][]models.MetricSample),
		failFor: make(map[models.SeriesKey]error),
	}
}

// put stores values as weekly samples ending at end.
func (f *fakeHistory) put(propertyID, metric string, end time.Time, values ...float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := models.SeriesKey{PropertyID: propertyID, MetricName: metric}
	samples := make([]models.MetricSample, len(values))
	for i, v := range values {
		samples[i] = models.MetricSample{
			PropertyID: propertyID,
			MetricName: metric,
			Value:      v,
			AsOf:       end.AddDate(0, 0, -7*(len(values)-1-i)),
		}
	}
	f.series[key] = samples
}

func (f *fakeHistory) FetchMetricHistory(_ context.Context, propertyID, metric string, start, end time.Time) ([]models.MetricSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	key := models.SeriesKey{PropertyID: propertyID, MetricName: metric}
	if err := f.failFor[key]; err != nil {
		return nil, err
	}
	out := make([]models.MetricSample, 0)
	for _, s := range f.series[key] {
		if s.AsOf.Before(start) || s.AsOf.After(end) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

type harness struct {
	clock    *testClock
	store    *memory.Store
	audit    *audit.MemorySink
	history  *fakeHistory
	locks    *LockEngine
	alerts   *AlertGenerator
	analyzer *Analyzer
}

func newHarness(t *testing.T, lockCfg LockConfig) *harness {
	t.Helper()
	clock := &testClock{now: baseTime}
	ids := &sequentialIDs{}
	h := &harness{
		clock:   clock,
		store:   memory.New(),
		audit:   &audit.MemorySink{},
		history: newFakeHistory(),
	}
	deps := Deps{
		Store: h.store,
		Audit: h.audit,
		Now:   clock.Now,
		NewID: ids.Next,
	}
	rules := DefaultRuleTable()

	var err error
	h.locks, err = NewLockEngine(deps, rules, lockCfg)
	if err != nil {
		t.Fatalf("new lock engine: %v", err)
	}
	h.alerts, err = NewAlertGenerator(deps, rules, h.locks, h.history, DefaultAlertConfig())
	if err != nil {
		t.Fatalf("new alert generator: %v", err)
	}
	classifier, err := NewClassifier(DefaultClassifierConfig())
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	h.analyzer, err = NewAnalyzer(deps, h.history, classifier, h.alerts, 3)
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}
	return h
}

func mustBlocked(t *testing.T, h *harness, propertyID string, action models.Action, want bool) {
	t.Helper()
	blocked, err := h.locks.IsActionBlocked(context.Background(), propertyID, action)
	if err != nil {
		t.Fatalf("is action blocked: %v", err)
	}
	if blocked != want {
		t.Fatalf("IsActionBlocked(%s, %s) = %v, want %v", propertyID, action, blocked, want)
	}
}

// shiftedSeries is 35 stable points followed by one sharp drop. The window is long enough for
// the drop alone to carry CUSUM past h, so both analyzers fire on it.
func shiftedSeries() []float64 {
	values := make([]float64, 0, 36)
	for i := 0; i < 35; i++ {
		values = append(values, 1.40+0.01*float64(i%3))
	}
	return append(values, 0.95)
}
