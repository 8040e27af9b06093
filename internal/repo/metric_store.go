package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/miradorstack/mirador-governance/internal/cache"
	"github.com/miradorstack/mirador-governance/internal/models"
)

const historyCachePrefix = "governance:history:"

// MetricStoreClient reads extracted property metrics from the metric store service. The engine
// never writes through it.
type MetricStoreClient struct {
	baseURL        string
	historyPath    string
	propertiesPath string
	httpClient     *http.Client
	cache          cache.Provider
	cacheTTL       time.Duration
	logger         *slog.Logger
}

// NewMetricStoreClient constructs a client. provider may be nil to disable history caching.
func NewMetricStoreClient(baseURL, historyPath, propertiesPath string, timeout time.Duration, provider cache.Provider, cacheTTL time.Duration, logger *slog.Logger) *MetricStoreClient {
	if logger == nil {
		logger = slog.Default()
	}
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	return &MetricStoreClient{
		baseURL:        strings.TrimRight(baseURL, "/"),
		historyPath:    historyPath,
		propertiesPath: propertiesPath,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		cache:    provider,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

// FetchMetricHistory returns the samples of one property metric in [start, end], oldest first.
// An empty history is not an error.
func (c *MetricStoreClient) FetchMetricHistory(ctx context.Context, propertyID, metricName string, start, end time.Time) ([]models.MetricSample, error) {
	if c == nil {
		return nil, fmt.Errorf("metric store client not initialised")
	}
	if c.baseURL == "" {
		return nil, fmt.Errorf("metric store base URL not configured")
	}

	key := fmt.Sprintf("%s%s:%s:%d:%d", historyCachePrefix, propertyID, metricName, start.Unix(), end.Unix())
	if cached, ok := c.cachedHistory(ctx, key); ok {
		return cached, nil
	}

	payload := map[string]interface{}{
		"property_id": propertyID,
		"metric_name": metricName,
		"start":       start.Format(time.RFC3339),
		"end":         end.Format(time.RFC3339),
	}

	var response struct {
		Samples []struct {
			AsOf  time.Time `json:"as_of"`
			Value float64   `json:"value"`
		} `json:"samples"`
	}

	if err := c.postJSON(ctx, c.historyURL(), payload, &response); err != nil {
		return nil, fmt.Errorf("metric store history request failed: %w", err)
	}

	samples := make([]models.MetricSample, 0, len(response.Samples))
	for _, s := range response.Samples {
		samples = append(samples, models.MetricSample{
			PropertyID: propertyID,
			MetricName: metricName,
			Value:      s.Value,
			AsOf:       s.AsOf,
		})
	}
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].AsOf.Before(samples[j].AsOf) })

	c.storeHistory(ctx, key, samples)
	return samples, nil
}

// ListPropertyIDs returns every property known to the metric store.
func (c *MetricStoreClient) ListPropertyIDs(ctx context.Context) ([]string, error) {
	if c == nil {
		return nil, fmt.Errorf("metric store client not initialised")
	}
	if c.baseURL == "" {
		return nil, fmt.Errorf("metric store base URL not configured")
	}

	var response struct {
		PropertyIDs []string `json:"property_ids"`
	}
	if err := c.getJSON(ctx, c.propertiesURL(), &response); err != nil {
		return nil, fmt.Errorf("metric store properties request failed: %w", err)
	}
	ids := make([]string, 0, len(response.PropertyIDs))
	for _, id := range response.PropertyIDs {
		if strings.TrimSpace(id) != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (c *MetricStoreClient) cachedHistory(ctx context.Context, key string) ([]models.MetricSample, bool) {
	if c.cacheTTL <= 0 {
		return nil, false
	}
	data, err := c.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn("history cache read failed", slog.String("key", key), slog.Any("error", err))
		}
		return nil, false
	}
	var samples []models.MetricSample
	if err := json.Unmarshal(data, &samples); err != nil {
		c.logger.Warn("history cache entry corrupt", slog.String("key", key), slog.Any("error", err))
		return nil, false
	}
	return samples, true
}

func (c *MetricStoreClient) storeHistory(ctx context.Context, key string, samples []models.MetricSample) {
	if c.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(samples)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, key, data, c.cacheTTL); err != nil {
		c.logger.Warn("history cache write failed", slog.String("key", key), slog.Any("error", err))
	}
}

func (c *MetricStoreClient) historyURL() string    { return c.resolvePath(c.historyPath) }
func (c *MetricStoreClient) propertiesURL() string { return c.resolvePath(c.propertiesPath) }

func (c *MetricStoreClient) resolvePath(p string) string {
	if c.baseURL == "" {
		return ""
	}
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (c *MetricStoreClient) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	if endpoint == "" {
		return fmt.Errorf("empty endpoint")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *MetricStoreClient) getJSON(ctx context.Context, endpoint string, out any) error {
	if endpoint == "" {
		return fmt.Errorf("empty endpoint")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *MetricStoreClient) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("metric store returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
