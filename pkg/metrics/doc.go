/*
Package metrics provides Prometheus metrics and health reporting for the
failover manager and the reconfiguration agent.

All metrics are registered with the Prometheus DefaultRegistry at package
init and exposed in text format by Handler, which the health server mounts
at /metrics.

# Metrics Catalog

Failover manager state, sampled by the Collector:

	failover_nodes_total{status}            known nodes by status
	failover_units_total{state}             failover units by reconfiguration state
	failover_applications_upgrading         applications in an upgrade
	failover_job_queue_depth{queue}         pending items per job queue

Job queues and background work:

	failover_job_items_processed_total{queue}
	failover_job_queue_full_total{queue}
	failover_job_items_timed_out_total{queue}
	failover_background_work_runs_total{name,result}

Store and reconfiguration:

	failover_store_commit_duration_seconds
	failover_store_commit_failures_total
	failover_reconfigurations_started_total{trigger}
	failover_reconfigurations_completed_total
	failover_stale_reports_dropped_total{input}

Transport and message retry:

	failover_messages_sent_total{action}
	failover_messages_retried_total{stage}
	failover_message_handling_duration_seconds{action}

Placement, reconciliation and upgrade:

	failover_placement_latency_seconds
	failover_replicas_placed_total
	failover_reconciliation_duration_seconds
	failover_reconciliation_cycles_total
	failover_fabric_upgrade_domains_completed_total
	failover_fabric_upgrade_in_progress

Raft, for FM service replicas:

	failover_raft_is_leader
	failover_raft_peers_total
	failover_raft_log_index
	failover_raft_applied_index

# Collector

NewCollector samples a Source every 15 seconds. A Source that also
implements RaftSource contributes the raft gauges.

	collector := metrics.NewCollector(svc)
	collector.Start()
	defer collector.Stop()

# Health

Components report a Condition: healthy, degraded or unhealthy.
RegisterComponent and UpdateComponent set healthy or unhealthy;
SetComponentCondition can also degrade. The Collector reports job_queue
as degraded while items are rejected or time out, and nodes while some
node is down. GetHealth is the worst condition of every component and
fails only on unhealthy; GetReadiness fails on the names passed to
SetCriticalComponents that are missing or unhealthy.

	metrics.SetCriticalComponents("transport", "raft", "store")
	metrics.RegisterComponent("transport", true, addr)

# Timing

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PlacementLatency)
*/
package metrics
