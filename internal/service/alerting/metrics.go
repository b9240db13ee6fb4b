package alerting

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type evaluatorMetrics struct {
	ticks     *prometheus.CounterVec
	outcomes  *prometheus.CounterVec
	fired     *prometheus.CounterVec
	conflicts prometheus.Counter
}

func newEvaluatorMetrics(reg prometheus.Registerer) *evaluatorMetrics {
	m := &evaluatorMetrics{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "evaluator",
			Name:      "ticks_total",
			Help:      "Evaluation ticks by result",
		}, []string{"result"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "evaluator",
			Name:      "policy_evaluations_total",
			Help:      "Per-policy evaluation outcomes",
		}, []string{"outcome"}),
		fired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "evaluator",
			Name:      "alerts_fired_total",
			Help:      "Alerts raised by severity",
		}, []string{"severity"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "evaluator",
			Name:      "trigger_conflicts_total",
			Help:      "Lost last_triggered compare-and-set races",
		}),
	}
	if reg == nil {
		return m
	}
	m.ticks = registerOrExisting(reg, m.ticks)
	m.outcomes = registerOrExisting(reg, m.outcomes)
	m.fired = registerOrExisting(reg, m.fired)
	m.conflicts = registerOrExisting(reg, m.conflicts)
	return m
}

func registerOrExisting[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}
