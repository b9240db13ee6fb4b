package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// MetricKind names the aggregated value a policy watches.
type MetricKind string

const (
	MetricLatencyP95 MetricKind = "latency_p95"
	MetricErrorRate  MetricKind = "error_rate"
	MetricThroughput MetricKind = "throughput"
)

// ParseMetricKind validates a policy metric.
func ParseMetricKind(value string) (MetricKind, error) {
	switch m := MetricKind(strings.TrimSpace(value)); m {
	case MetricLatencyP95, MetricErrorRate, MetricThroughput:
		return m, nil
	default:
		return "", fmt.Errorf("metric must be one of: latency_p95, error_rate, throughput")
	}
}

// Comparison is the operator applied as "observed <op> threshold".
type Comparison string

const (
	GreaterThan Comparison = ">"
	LessThan    Comparison = "<"
)

// ParseComparison accepts the symbols as well as their spelled-out forms.
func ParseComparison(value string) (Comparison, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case ">", "gt", "greater_than", "greater-than":
		return GreaterThan, nil
	case "<", "lt", "less_than", "less-than":
		return LessThan, nil
	default:
		return "", fmt.Errorf("comparison must be > or <")
	}
}

// Holds reports whether observed breaches threshold. Equality never holds.
func (c Comparison) Holds(observed, threshold float64) bool {
	switch c {
	case GreaterThan:
		return observed > threshold
	case LessThan:
		return observed < threshold
	default:
		return false
	}
}

// Severity is propagated from a policy to every alert it raises.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarn     Severity = "warn"
	SeverityInfo     Severity = "info"
)

// ParseSeverity validates a policy severity.
func ParseSeverity(value string) (Severity, error) {
	switch s := Severity(strings.ToLower(strings.TrimSpace(value))); s {
	case SeverityCritical, SeverityWarn, SeverityInfo:
		return s, nil
	default:
		return "", fmt.Errorf("severity must be one of: info, warn, critical")
	}
}

// Policy is an alerting rule scoped to a project.
type Policy struct {
	ID              int64
	ProjectID       string
	Name            string
	Metric          MetricKind
	Comparison      Comparison
	Threshold       float64
	Severity        Severity
	CooldownMinutes int
	IsActive        bool
	LastTriggeredAt *time.Time
	CreatedAt       time.Time
}

// MaxCooldownMinutes caps a policy cooldown at one year.
const MaxCooldownMinutes = 365 * 24 * 60

// Cooldown returns the suppression window as a duration. Values too large for
// time.Duration saturate instead of wrapping negative.
func (p Policy) Cooldown() time.Duration {
	if p.CooldownMinutes <= 0 {
		return 0
	}
	if int64(p.CooldownMinutes) > math.MaxInt64/int64(time.Minute) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(p.CooldownMinutes) * time.Minute
}
