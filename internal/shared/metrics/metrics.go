package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Kernel holds the prometheus collectors for every kernel subsystem.
// Components receive the whole struct and touch only their own series.
type Kernel struct {
	ScansStarted   prometheus.Counter
	ScansFinished  *prometheus.CounterVec
	ScanDuration   prometheus.Histogram
	ScanQueueDepth prometheus.Gauge
	ActiveScans    prometheus.Gauge

	RulesEvaluated     prometheus.Counter
	RulesMisconfigured prometheus.Counter
	FindingsDetected   *prometheus.CounterVec

	EventsPublished *prometheus.CounterVec
	EventsShed      *prometheus.CounterVec

	RemediationAttempts *prometheus.CounterVec
	RemediationDuration prometheus.Histogram
	Rollbacks           prometheus.Counter

	SnapshotOps *prometheus.CounterVec

	ConnectorQueries   *prometheus.CounterVec
	ConnectorThrottled prometheus.Counter
}

// New builds the collector set, registering on reg. A nil registerer
// produces working but unregistered collectors, which tests rely on.
func New(reg prometheus.Registerer) *Kernel {
	factory := promauto.With(reg)

	return &Kernel{
		ScansStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "diagmgr_scans_started_total",
			Help: "Total number of scans that began executing",
		}),
		ScansFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "diagmgr_scans_finished_total",
			Help: "Total number of scans by terminal status",
		}, []string{"status"}),
		ScanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "diagmgr_scan_duration_seconds",
			Help:    "Wall time of scan execution",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		ScanQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "diagmgr_scan_queue_depth",
			Help: "Scans waiting for a worker",
		}),
		ActiveScans: factory.NewGauge(prometheus.GaugeOpts{
			Name: "diagmgr_active_scans",
			Help: "Scans currently executing",
		}),
		RulesEvaluated: factory.NewCounter(prometheus.CounterOpts{
			Name: "diagmgr_rules_evaluated_total",
			Help: "Total rule evaluations across all scans",
		}),
		RulesMisconfigured: factory.NewCounter(prometheus.CounterOpts{
			Name: "diagmgr_rules_misconfigured_total",
			Help: "Rules disabled after failing to evaluate",
		}),
		FindingsDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "diagmgr_findings_detected_total",
			Help: "Findings detected by severity and category",
		}, []string{"severity", "category"}),
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "diagmgr_events_published_total",
			Help: "Events published to the bus by topic",
		}, []string{"topic"}),
		EventsShed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "diagmgr_events_shed_total",
			Help: "Events dropped for slow subscribers by topic",
		}, []string{"topic"}),
		RemediationAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "diagmgr_remediation_attempts_total",
			Help: "Remediation attempts by terminal status",
		}, []string{"status"}),
		RemediationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "diagmgr_remediation_duration_seconds",
			Help:    "Wall time of remediation execution",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		Rollbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "diagmgr_rollbacks_total",
			Help: "Snapshot restores triggered by failed remediations",
		}),
		SnapshotOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "diagmgr_snapshot_operations_total",
			Help: "Snapshot operations by kind and result",
		}, []string{"op", "result"}),
		ConnectorQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "diagmgr_connector_queries_total",
			Help: "Connector queries by result",
		}, []string{"result"}),
		ConnectorThrottled: factory.NewCounter(prometheus.CounterOpts{
			Name: "diagmgr_connector_throttled_total",
			Help: "Connector calls delayed by the rate limiter",
		}),
	}
}

// NewNop returns unregistered collectors for tests and tooling.
func NewNop() *Kernel {
	return New(nil)
}
