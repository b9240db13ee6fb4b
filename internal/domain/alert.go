package domain

import "time"

// Alert is an immutable record of a policy firing. Threshold, comparison and
// severity are copied from the policy at evaluation time.
type Alert struct {
	ID          int64
	ProjectID   string
	PolicyID    int64
	PolicyName  string
	Metric      MetricKind
	Value       float64
	Threshold   float64
	Comparison  Comparison
	Severity    Severity
	Message     string
	TriggeredAt time.Time
}
