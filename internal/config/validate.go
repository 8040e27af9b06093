package config

import (
	"fmt"
	"math"

	"github.com/miradorstack/mirador-governance/internal/utils"
)

var knownMethods = map[string]struct{}{
	"z_score":     {},
	"cusum":       {},
	"combination": {},
	"ml_model":    {},
	"ensemble":    {},
}

var knownDrivers = map[string]struct{}{
	"memory":   {},
	"postgres": {},
}

// Validate rejects settings the engine cannot run with. Threshold problems surface as
// *utils.InvalidThresholdError so the process fails before serving.
func (c Config) Validate() error {
	positive := []struct {
		field string
		value float64
	}{
		{"analysis.zScoreThreshold", c.Analysis.ZScoreThreshold},
		{"analysis.cusumThreshold", c.Analysis.CUSUMThreshold},
		{"analysis.alertConfidence", c.Analysis.AlertConfidence},
		{"analysis.criticalConfidence", c.Analysis.CriticalConfidence},
	}
	for _, p := range positive {
		if p.value <= 0 || math.IsNaN(p.value) {
			return &utils.InvalidThresholdError{Field: p.field, Value: p.value}
		}
	}
	if c.Analysis.CUSUMSlack < 0 {
		return &utils.InvalidThresholdError{Field: "analysis.cusumSlack", Value: c.Analysis.CUSUMSlack}
	}
	if c.Analysis.AlertConfidence > 1 {
		return &utils.InvalidThresholdError{Field: "analysis.alertConfidence", Value: c.Analysis.AlertConfidence}
	}
	if c.Analysis.CriticalConfidence > 1 {
		return &utils.InvalidThresholdError{Field: "analysis.criticalConfidence", Value: c.Analysis.CriticalConfidence}
	}
	if c.Analysis.MinSamples < 2 {
		return &utils.InvalidThresholdError{Field: "analysis.minSamples", Value: float64(c.Analysis.MinSamples)}
	}
	if c.Analysis.LookbackMonths <= 0 {
		return &utils.InvalidThresholdError{Field: "analysis.lookbackMonths", Value: float64(c.Analysis.LookbackMonths)}
	}
	if c.Locks.ExpiryAgeDays <= 0 {
		return &utils.InvalidThresholdError{Field: "locks.expiryAgeDays", Value: float64(c.Locks.ExpiryAgeDays)}
	}
	if c.Alerts.DefaultTTL <= 0 {
		return &utils.InvalidThresholdError{Field: "alerts.defaultTTL", Value: c.Alerts.DefaultTTL.Hours()}
	}

	if _, ok := knownMethods[c.Analysis.Method]; !ok {
		return fmt.Errorf("config: unknown analysis method %q", c.Analysis.Method)
	}
	if _, ok := knownDrivers[c.Database.Driver]; !ok {
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("config: database.dsn is required for the postgres driver")
	}
	if c.Cache.Enabled && c.Cache.Addr == "" {
		return fmt.Errorf("config: cache.addr is required when the cache is enabled")
	}
	if c.Analysis.Workers <= 0 {
		return fmt.Errorf("config: analysis.workers must be positive, got %d", c.Analysis.Workers)
	}
	for _, sev := range c.Locks.LockableSeverities {
		switch sev {
		case "critical", "warning", "info":
		default:
			return fmt.Errorf("config: unknown lockable severity %q", sev)
		}
	}
	return nil
}
