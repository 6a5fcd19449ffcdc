package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "coop"

var (
	settlementOnce sync.Once
	settlementReg  *SettlementMetrics

	webhookOnce sync.Once
	webhookReg  *WebhookMetrics

	reconOnce sync.Once
	reconReg  *ReconciliationMetrics
)

// SettlementMetrics tracks the onramp state machine and reward mints.
type SettlementMetrics struct {
	mints               *prometheus.CounterVec
	mintLatency         prometheus.Histogram
	refunds             *prometheus.CounterVec
	manualInterventions prometheus.Counter
	rewards             *prometheus.CounterVec
}

// Settlement exposes the lazily registered settlement collectors.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementReg = &SettlementMetrics{
			mints: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "mints_total",
				Help:      "Onramp mint attempts segmented by outcome.",
			}, []string{"outcome"}),
			mintLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "mint_confirmation_seconds",
				Help:      "Time from mint submission to confirmation or failure.",
				Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120},
			}),
			refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "refunds_total",
				Help:      "Compensating refunds segmented by outcome.",
			}, []string{"outcome"}),
			manualInterventions: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "manual_interventions_total",
				Help:      "Failed mints whose refund also failed.",
			}),
			rewards: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "reward_mints_total",
				Help:      "Reward mint attempts segmented by reason and outcome.",
			}, []string{"reason", "outcome"}),
		}
		prometheus.MustRegister(
			settlementReg.mints,
			settlementReg.mintLatency,
			settlementReg.refunds,
			settlementReg.manualInterventions,
			settlementReg.rewards,
		)
	})
	return settlementReg
}

// RecordMint counts a mint attempt and its confirmation latency.
func (m *SettlementMetrics) RecordMint(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.mints.WithLabelValues(label(outcome)).Inc()
	m.mintLatency.Observe(elapsed.Seconds())
}

// RecordRefund counts a compensating refund.
func (m *SettlementMetrics) RecordRefund(outcome string) {
	if m == nil {
		return
	}
	m.refunds.WithLabelValues(label(outcome)).Inc()
}

// RecordManualIntervention counts a failed mint that could not be refunded.
func (m *SettlementMetrics) RecordManualIntervention() {
	if m == nil {
		return
	}
	m.manualInterventions.Inc()
}

// RecordReward counts a reward mint attempt.
func (m *SettlementMetrics) RecordReward(reason, outcome string) {
	if m == nil {
		return
	}
	m.rewards.WithLabelValues(label(reason), label(outcome)).Inc()
}

// WebhookMetrics tracks inbound processor notifications.
type WebhookMetrics struct {
	deliveries *prometheus.CounterVec
	swept      prometheus.Counter
}

// Webhooks exposes the lazily registered webhook ingress collectors.
func Webhooks() *WebhookMetrics {
	webhookOnce.Do(func() {
		webhookReg = &WebhookMetrics{
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "deliveries_total",
				Help:      "Webhook deliveries segmented by processor and result.",
			}, []string{"processor", "result"}),
			swept: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "replay_entries_swept_total",
				Help:      "Expired replay-guard entries removed by the sweeper.",
			}),
		}
		prometheus.MustRegister(webhookReg.deliveries, webhookReg.swept)
	})
	return webhookReg
}

// RecordDelivery counts one webhook delivery.
func (m *WebhookMetrics) RecordDelivery(processor, result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(label(processor), label(result)).Inc()
}

// RecordSwept adds n expired replay entries.
func (m *WebhookMetrics) RecordSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.swept.Add(float64(n))
}

// ReconciliationMetrics tracks reconciliation runs and repairs.
type ReconciliationMetrics struct {
	checkStatus *prometheus.GaugeVec
	checkDrift  *prometheus.GaugeVec
	alerts      *prometheus.CounterVec
	runs        *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	repaired    *prometheus.CounterVec
}

// Reconciliation exposes the lazily registered reconciliation collectors.
func Reconciliation() *ReconciliationMetrics {
	reconOnce.Do(func() {
		reconReg = &ReconciliationMetrics{
			checkStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "recon",
				Name:      "check_status",
				Help:      "Last status per check: 0 pass, 1 warn, 2 fail.",
			}, []string{"check"}),
			checkDrift: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "recon",
				Name:      "check_drift_percent",
				Help:      "Last computed drift percentage per check.",
			}, []string{"check"}),
			alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "recon",
				Name:      "alerts_total",
				Help:      "Alerts raised segmented by severity.",
			}, []string{"severity"}),
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "recon",
				Name:      "runs_total",
				Help:      "Reconciliation runs segmented by kind and completeness.",
			}, []string{"kind", "completeness"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "recon",
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of reconciliation runs.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"kind"}),
			repaired: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "recon",
				Name:      "rows_repaired_total",
				Help:      "Rows corrected by repair passes segmented by table.",
			}, []string{"table"}),
		}
		prometheus.MustRegister(
			reconReg.checkStatus,
			reconReg.checkDrift,
			reconReg.alerts,
			reconReg.runs,
			reconReg.duration,
			reconReg.repaired,
		)
	})
	return reconReg
}

// RecordCheck stores the latest status level and drift for a check.
func (m *ReconciliationMetrics) RecordCheck(check string, level int, drift float64) {
	if m == nil {
		return
	}
	m.checkStatus.WithLabelValues(label(check)).Set(float64(level))
	m.checkDrift.WithLabelValues(label(check)).Set(drift)
}

// RecordAlert counts an alert by severity.
func (m *ReconciliationMetrics) RecordAlert(severity string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(label(severity)).Inc()
}

// RecordRun counts a completed run and its duration.
func (m *ReconciliationMetrics) RecordRun(kind string, partial bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	completeness := "full"
	if partial {
		completeness = "partial"
	}
	m.runs.WithLabelValues(label(kind), completeness).Inc()
	m.duration.WithLabelValues(label(kind)).Observe(elapsed.Seconds())
}

// RecordRepaired adds n corrected rows for table.
func (m *ReconciliationMetrics) RecordRepaired(table string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.repaired.WithLabelValues(label(table)).Add(float64(n))
}

func label(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return "unknown"
	}
	return value
}
