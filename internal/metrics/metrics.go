// Package metrics exposes the fleet server's Prometheus gauges/counters for
// the optional /metrics endpoint and textfile-collector export.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MachinesTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_machines_total",
		Help: "Total number of known machines in the fleet.",
	})
	MachinesOnline = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_machines_by_status",
		Help: "Number of machines by derived status.",
	}, []string{"status"})
	ReportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_agent_reports_total",
		Help: "Total number of agent report ingests by outcome.",
	}, []string{"outcome"})
	ReportDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_agent_report_duration_seconds",
		Help:    "Duration of agent report ingest handling.",
		Buckets: prometheus.DefBuckets,
	})
	CommandQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_command_queue_depth",
		Help: "Number of pending or delivered commands across the fleet.",
	})
	ClusterNodesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_cluster_nodes_active",
		Help: "Number of cluster peer nodes currently within the liveness window.",
	})
	LockoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_login_lockouts_total",
		Help: "Total number of login lockouts triggered.",
	})
	CryptoRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_crypto_rejections_total",
		Help: "Total number of signature/replay/decryption rejections by reason.",
	}, []string{"reason"})
)
