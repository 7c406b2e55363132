package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keeper_queue_depth",
			Help: "Current number of requests buffered in a dispatch lane",
		},
		[]string{"lane"},
	)

	QueueEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_queue_enqueued_total",
			Help: "Total number of requests accepted into a dispatch lane",
		},
		[]string{"lane"},
	)

	QueueRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_queue_rejected_total",
			Help: "Total number of requests rejected at admission by reason",
		},
		[]string{"lane", "reason"},
	)

	// Forwarder metrics
	ForwardInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keeper_forward_in_flight",
			Help: "Number of forwarded requests awaiting a response, per lane",
		},
		[]string{"lane"},
	)

	ForwardRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_forward_requests_total",
			Help: "Total number of requests forwarded to the leader by outcome",
		},
		[]string{"lane", "result"},
	)

	ForwardLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keeper_forward_latency_seconds",
			Help:    "Round-trip time of a forwarded request, from send to response delivery",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"lane"},
	)

	ForwardConnectedPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_forward_connected_peers",
			Help: "Number of peers with at least one live forward connection",
		},
	)

	// Session metrics
	SessionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_sessions_total",
			Help: "Total number of sessions known to this node's session table",
		},
	)

	SessionExpirationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_session_expirations_total",
			Help: "Total number of sessions expired by the dead-session cleaner",
		},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keeper_raft_apply_duration_seconds",
			Help:    "Time taken for the accumulator's RaftNode.ApplyBatch call to commit a batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Accumulator / processor metrics
	AccumulatorBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keeper_accumulator_batch_size",
			Help:    "Number of requests committed together in a single Raft apply",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		},
	)

	ProcessorResponseDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keeper_processor_response_duration_seconds",
			Help:    "Time from commit/error resolution to response delivery by a response worker",
			Buckets: prometheus.DefBuckets,
		},
	)

	ResponseQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_response_queue_depth",
			Help: "Number of resolved responses waiting for a response worker to deliver",
		},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueEnqueuedTotal)
	prometheus.MustRegister(QueueRejectedTotal)

	prometheus.MustRegister(ForwardInFlight)
	prometheus.MustRegister(ForwardRequestsTotal)
	prometheus.MustRegister(ForwardLatency)
	prometheus.MustRegister(ForwardConnectedPeers)

	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(SessionExpirationsTotal)

	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftApplyDuration)

	prometheus.MustRegister(AccumulatorBatchSize)
	prometheus.MustRegister(ProcessorResponseDuration)
	prometheus.MustRegister(ResponseQueueDepth)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
