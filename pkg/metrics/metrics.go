package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "failover_nodes_total",
			Help: "Total number of nodes known to the FM by status",
		},
		[]string{"status"},
	)

	FailoverUnitsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "failover_units_total",
			Help: "Total number of failover units by reconfiguration state",
		},
		[]string{"state"},
	)

	ApplicationsUpgrading = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "failover_applications_upgrading",
			Help: "Number of applications with an upgrade or rollback in progress",
		},
	)

	// Job queue metrics
	JobQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "failover_job_queue_depth",
			Help: "Pending plus in-flight job items",
		},
		[]string{"queue"},
	)

	JobItemsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failover_job_items_processed_total",
			Help: "Total number of job items processed",
		},
		[]string{"queue"},
	)

	JobQueueFull = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failover_job_queue_full_total",
			Help: "Total number of job items rejected because the queue was full",
		},
		[]string{"queue"},
	)

	JobItemsTimedOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failover_job_items_timed_out_total",
			Help: "Total number of job items that waited longer than their timeout",
		},
		[]string{"queue"},
	)

	// Background work metrics
	BackgroundWorkRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failover_background_work_runs_total",
			Help: "Total number of background work invocations by result",
		},
		[]string{"name", "result"},
	)

	// Store metrics
	StoreCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "failover_store_commit_duration_seconds",
			Help:    "Store transaction commit latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	StoreCommitFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "failover_store_commit_failures_total",
			Help: "Total number of failed store commits",
		},
	)

	// State machine metrics
	ReconfigurationsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failover_reconfigurations_started_total",
			Help: "Total number of reconfigurations started by trigger",
		},
		[]string{"trigger"},
	)

	ReconfigurationsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "failover_reconfigurations_completed_total",
			Help: "Total number of reconfigurations completed",
		},
	)

	StaleReportsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failover_stale_reports_dropped_total",
			Help: "Total number of reports dropped for a stale epoch or instance",
		},
		[]string{"input"},
	)

	// Message metrics
	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failover_messages_sent_total",
			Help: "Total number of messages sent by action",
		},
		[]string{"action"},
	)

	MessagesRetried = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failover_messages_retried_total",
			Help: "Total number of pending entities resent by the retry component",
		},
		[]string{"stage"},
	)

	MessageHandlingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "failover_message_handling_duration_seconds",
			Help:    "Time from receipt to completion of an inbound message",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	// Placement metrics
	PlacementLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "failover_placement_latency_seconds",
			Help:    "Time taken by a placement pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReplicasPlaced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "failover_replicas_placed_total",
			Help: "Total number of replicas placed",
		},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "failover_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "failover_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	// Fabric upgrade metrics
	FabricUpgradeDomainsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "failover_fabric_upgrade_domains_completed_total",
			Help: "Total number of fabric upgrade domains completed",
		},
	)

	FabricUpgradeInProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "failover_fabric_upgrade_in_progress",
			Help: "Whether a fabric upgrade is in progress (1 = yes)",
		},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "failover_raft_is_leader",
			Help: "Whether this node hosts the FM primary (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "failover_raft_peers_total",
			Help: "Total number of Raft peers hosting the FM partition",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "failover_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "failover_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(FailoverUnitsTotal)
	prometheus.MustRegister(ApplicationsUpgrading)
	prometheus.MustRegister(JobQueueDepth)
	prometheus.MustRegister(JobItemsProcessed)
	prometheus.MustRegister(JobQueueFull)
	prometheus.MustRegister(JobItemsTimedOut)
	prometheus.MustRegister(BackgroundWorkRuns)
	prometheus.MustRegister(StoreCommitDuration)
	prometheus.MustRegister(StoreCommitFailures)
	prometheus.MustRegister(ReconfigurationsStarted)
	prometheus.MustRegister(ReconfigurationsCompleted)
	prometheus.MustRegister(StaleReportsDropped)
	prometheus.MustRegister(MessagesSent)
	prometheus.MustRegister(MessagesRetried)
	prometheus.MustRegister(MessageHandlingDuration)
	prometheus.MustRegister(PlacementLatency)
	prometheus.MustRegister(ReplicasPlaced)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(FabricUpgradeDomainsCompleted)
	prometheus.MustRegister(FabricUpgradeInProgress)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
