/*
Package metrics provides Prometheus metrics collection and exposition for the
keeper dispatch/forwarding core.

Metrics are registered as package-level variables at init() and updated
directly by the components that own the numbers (pkg/keeper's
dispatcher.go, forwarder.go, accumulator.go and responses.go) or polled
periodically by a Collector from a StatsSource. The
/metrics endpoint is exposed with promhttp.Handler.

# Metrics catalog

Queue:

	keeper_queue_depth{lane}             gauge   requests buffered in a lane
	keeper_queue_enqueued_total{lane}    counter accepted at admission
	keeper_queue_rejected_total{lane,reason} counter rejected at admission

Forwarder:

	keeper_forward_in_flight{lane}        gauge   awaiting a response
	keeper_forward_requests_total{lane,result} counter by outcome
	keeper_forward_latency_seconds{lane}  histogram round-trip time
	keeper_forward_connected_peers        gauge   peers with a live connection

Sessions:

	keeper_sessions_total                 gauge
	keeper_session_expirations_total      counter

Raft:

	keeper_raft_is_leader                 gauge   1 = leader
	keeper_raft_peers_total                gauge
	keeper_raft_log_index                  gauge
	keeper_raft_applied_index              gauge
	keeper_raft_apply_duration_seconds     histogram

Accumulator / processor:

	keeper_accumulator_batch_size          histogram requests per Raft apply
	keeper_processor_response_duration_seconds histogram commit-to-delivery

# Usage

	timer := metrics.NewTimer()
	// ... apply a batch ...
	timer.ObserveDuration(metrics.RaftApplyDuration)

	metrics.QueueEnqueuedTotal.WithLabelValues("2").Inc()

	collector := metrics.NewCollector(dispatcher)
	collector.Start()
	defer collector.Stop()

	http.Handle("/metrics", metrics.Handler())
*/
package metrics
