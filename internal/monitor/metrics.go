package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: длительность исполнения операции под гейтом
	ExecDuration *prometheus.HistogramVec

	// Traffic: исходы по операциям
	ExecTotal *prometheus.CounterVec

	// Errors: классификация отказов по виду
	ErrorTotal *prometheus.CounterVec

	// Переходы машины состояний исполнителя
	StateTransitions *prometheus.CounterVec

	RateLimitRejections *prometheus.CounterVec

	// Текущая оценка угроз [0,100]
	ThreatScore prometheus.Gauge

	Escalations *prometheus.CounterVec

	AlertsTotal   *prometheus.CounterVec
	AlertsDropped *prometheus.CounterVec

	// Saturation: состояние предохранителей каналов алертов (0 - ок, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: записи, ожидающие досылки в спуле
	AuditSpoolDepth prometheus.Gauge
	AuditDegraded   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		ExecDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opgate_exec_duration_seconds",
			Help:    "Histogram of critical operation latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"operation", "outcome"}),

		ExecTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "opgate_exec_total",
			Help: "Total number of critical operation attempts.",
		}, []string{"operation", "outcome"}),

		ErrorTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "opgate_errors_total",
			Help: "Total number of errors by kind and class.",
		}, []string{"kind", "class"}),

		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "opgate_state_transitions_total",
			Help: "Executor state machine transitions.",
		}, []string{"state"}),

		RateLimitRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "opgate_ratelimit_rejections_total",
			Help: "Attempts rejected by the rate limiter.",
		}, []string{"operation"}),

		ThreatScore: f.NewGauge(prometheus.GaugeOpts{
			Name: "opgate_threat_score",
			Help: "Current aggregate threat score.",
		}),

		Escalations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "opgate_escalations_total",
			Help: "Escalations by trigger.",
		}, []string{"reason"}),

		AlertsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "opgate_alerts_total",
			Help: "Alerts raised by metric and severity.",
		}, []string{"metric", "severity"}),

		AlertsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "opgate_alerts_dropped_total",
			Help: "Alerts not delivered to a sink.",
		}, []string{"sink", "reason"}),

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "opgate_circuit_breaker_state",
			Help: "Current state of the alert sink circuit breaker (0=closed, 1=open, 2=half-open).",
		}, []string{"sink"}),

		AuditSpoolDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "opgate_audit_spool_depth",
			Help: "Audit records waiting in the degraded-mode spool.",
		}),

		AuditDegraded: f.NewCounter(prometheus.CounterOpts{
			Name: "opgate_audit_degraded_total",
			Help: "Audit writes that failed synchronously.",
		}),
	}
}
