package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-governance/internal/models"
	"github.com/miradorstack/mirador-governance/internal/utils"
)

// Direction tells which side of a threshold is a breach.
type Direction string

const (
	Below Direction = "below"
	Above Direction = "above"
)

// Metric families drive lock type selection.
const (
	FamilyDebt        = "debt"
	FamilyOccupancy   = "occupancy"
	FamilyAcquisition = "acquisition"
	FamilyOperations  = "operations"
)

// DefaultCommittee receives alerts for metrics without a rule.
const DefaultCommittee = "risk_committee"

// Role is an approver authority level.
type Role string

const (
	RoleAnalyst    Role = "analyst"
	RoleSupervisor Role = "supervisor"
	RoleDirector   Role = "director"
	RoleExecutive  Role = "executive"
)

var roleRanks = map[Role]int{
	RoleAnalyst:    1,
	RoleSupervisor: 2,
	RoleDirector:   3,
	RoleExecutive:  4,
}

// RoleSatisfies reports whether actor holds at least the required authority.
func RoleSatisfies(actor, required Role) bool {
	have, ok := roleRanks[Role(strings.ToLower(string(actor)))]
	if !ok {
		return false
	}
	return have >= roleRanks[required]
}

// ParseRole validates a textual approver role.
func ParseRole(value string) (Role, bool) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	_, ok := roleRanks[role]
	return role, ok
}

// RequiredRole maps a severity onto the minimum approver role.
func RequiredRole(severity models.Severity) Role {
	if severity == models.SeverityCritical {
		return RoleSupervisor
	}
	return RoleAnalyst
}

// ThresholdRule is one row of the escalation table.
type ThresholdRule struct {
	Metric    string    `yaml:"metric"`
	AlertType string    `yaml:"alert_type"`
	Direction Direction `yaml:"direction"`
	Critical  float64   `yaml:"critical"`
	Warning   float64   `yaml:"warning"`
	Committee string    `yaml:"committee"`
	Family    string    `yaml:"family"`
	Title     string    `yaml:"title"`
}

// Breach is the outcome of evaluating a value against a rule.
type Breach struct {
	Severity  models.Severity
	Threshold float64
}

// Evaluate returns the most severe level breached by value, if any.
func (r ThresholdRule) Evaluate(value float64) (Breach, bool) {
	breached := func(level float64) bool {
		if r.Direction == Above {
			return value > level
		}
		return value < level
	}
	switch {
	case breached(r.Critical):
		return Breach{Severity: models.SeverityCritical, Threshold: r.Critical}, true
	case r.Warning != 0 && breached(r.Warning):
		return Breach{Severity: models.SeverityWarning, Threshold: r.Warning}, true
	default:
		return Breach{}, false
	}
}

func (r ThresholdRule) validate() error {
	if r.Metric == "" {
		return fmt.Errorf("rule without metric")
	}
	if r.Direction != Below && r.Direction != Above {
		return fmt.Errorf("rule %s: unknown direction %q", r.Metric, r.Direction)
	}
	if r.Critical <= 0 || math.IsNaN(r.Critical) || math.IsInf(r.Critical, 0) {
		return &utils.InvalidThresholdError{Field: r.Metric + ".critical", Value: r.Critical}
	}
	// Warning 0 means the rule has no warning tier.
	if r.Warning < 0 || math.IsNaN(r.Warning) || math.IsInf(r.Warning, 0) {
		return &utils.InvalidThresholdError{Field: r.Metric + ".warning", Value: r.Warning}
	}
	if r.Warning != 0 {
		if r.Direction == Below && r.Warning < r.Critical {
			return fmt.Errorf("rule %s: warning %.4f must not be below critical %.4f", r.Metric, r.Warning, r.Critical)
		}
		if r.Direction == Above && r.Warning > r.Critical {
			return fmt.Errorf("rule %s: warning %.4f must not be above critical %.4f", r.Metric, r.Warning, r.Critical)
		}
	}
	return nil
}

// RuleTable is the declarative metric → severity → committee mapping.
type RuleTable struct {
	rules map[string]ThresholdRule
	order []string
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []ThresholdRule `yaml:"rules"`
}

// DefaultRules returns the built-in escalation table.
func DefaultRules() []ThresholdRule {
	return []ThresholdRule{
		{Metric: "dscr", AlertType: "dscr_low", Direction: Below, Critical: 1.10, Warning: 1.25, Committee: "finance_subcommittee", Family: FamilyDebt, Title: "Debt service coverage below covenant"},
		{Metric: "ltv", AlertType: "ltv_high", Direction: Above, Critical: 0.80, Warning: 0.75, Committee: "finance_subcommittee", Family: FamilyDebt, Title: "Loan to value above limit"},
		{Metric: "debt_yield", AlertType: "debt_yield_low", Direction: Below, Critical: 0.08, Warning: 0.10, Committee: "finance_subcommittee", Family: FamilyDebt, Title: "Debt yield below limit"},
		{Metric: "occupancy", AlertType: "occupancy_low", Direction: Below, Critical: 0.80, Warning: 0.90, Committee: "asset_management_committee", Family: FamilyOccupancy, Title: "Occupancy below target"},
		{Metric: "expense_ratio", AlertType: "expense_ratio_high", Direction: Above, Critical: 0.60, Warning: 0.50, Committee: "operations_committee", Family: FamilyOperations, Title: "Expense ratio above budget"},
	}
}

// DefaultRuleTable builds the table from DefaultRules.
func DefaultRuleTable() *RuleTable {
	table, err := NewRuleTable(DefaultRules())
	if err != nil {
		panic(err)
	}
	return table
}

// NewRuleTable validates rules and indexes them by metric. Zero thresholds are rejected.
func NewRuleTable(rules []ThresholdRule) (*RuleTable, error) {
	table := &RuleTable{rules: make(map[string]ThresholdRule, len(rules))}
	for _, rule := range rules {
		rule.Metric = strings.ToLower(strings.TrimSpace(rule.Metric))
		if err := rule.validate(); err != nil {
			return nil, err
		}
		if _, dup := table.rules[rule.Metric]; dup {
			return nil, fmt.Errorf("duplicate rule for metric %s", rule.Metric)
		}
		if rule.AlertType == "" {
			rule.AlertType = rule.Metric + "_" + string(rule.Direction)
		}
		if rule.Committee == "" {
			rule.Committee = DefaultCommittee
		}
		if rule.Title == "" {
			rule.Title = fmt.Sprintf("%s threshold breach", rule.Metric)
		}
		table.rules[rule.Metric] = rule
		table.order = append(table.order, rule.Metric)
	}
	return table, nil
}

// LoadRuleTable reads a YAML rule file. An empty path or missing file yields the built-in table.
func LoadRuleTable(path string, logger *slog.Logger) (*RuleTable, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return DefaultRuleTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("rule file not found, using built-in rules", slog.String("path", path))
			return DefaultRuleTable(), nil
		}
		return nil, err
	}
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	table, err := NewRuleTable(cfg.Rules)
	if err != nil {
		return nil, fmt.Errorf("load rules %s: %w", path, err)
	}
	logger.Info("loaded threshold rules", slog.String("path", path), slog.Int("rules", len(table.order)))
	return table, nil
}

// Lookup returns the rule for a metric.
func (t *RuleTable) Lookup(metric string) (ThresholdRule, bool) {
	rule, ok := t.rules[strings.ToLower(metric)]
	return rule, ok
}

// Metrics lists the whitelisted metrics in declaration order.
func (t *RuleTable) Metrics() []string {
	return append([]string(nil), t.order...)
}

// Committee resolves the responsible committee for a metric.
func (t *RuleTable) Committee(metric string) string {
	if rule, ok := t.Lookup(metric); ok {
		return rule.Committee
	}
	return DefaultCommittee
}

// Family resolves the metric family for a metric, empty when unknown.
func (t *RuleTable) Family(metric string) string {
	if rule, ok := t.Lookup(metric); ok {
		return rule.Family
	}
	return ""
}

// VariancePct is the signed distance from threshold in percent of threshold.
func VariancePct(value, threshold float64) float64 {
	return (value - threshold) / threshold * 100
}
