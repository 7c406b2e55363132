package metrics

import (
	"strconv"
	"time"
)

// LaneStats is a point-in-time snapshot of one dispatch lane, reported by
// whatever owns the lanes (the Dispatcher) to the collector.
type LaneStats struct {
	Lane            int
	QueueDepth      int
	ForwardInFlight int
}

// StatsSource is implemented by the component holding the live queue, forward,
// session, and Raft state that this package has no access to otherwise.
// Kept as an interface, rather than importing pkg/keeper directly, so that
// pkg/keeper can import pkg/metrics to instrument itself without a cycle.
type StatsSource interface {
	IsLeader() bool
	RaftStats() (logIndex uint64, appliedIndex uint64, peers int)
	LaneStats() []LaneStats
	SessionCount() int
	ConnectedPeers() int
	ResponseQueueDepth() int
}

// Collector polls a StatsSource on an interval and republishes its state as
// the gauges in this package.
type Collector struct {
	source StatsSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectLaneMetrics()
	c.collectSessionMetrics()
	c.collectRaftMetrics()
}

func (c *Collector) collectLaneMetrics() {
	for _, lane := range c.source.LaneStats() {
		label := strconv.Itoa(lane.Lane)
		QueueDepth.WithLabelValues(label).Set(float64(lane.QueueDepth))
		ForwardInFlight.WithLabelValues(label).Set(float64(lane.ForwardInFlight))
	}
	ForwardConnectedPeers.Set(float64(c.source.ConnectedPeers()))
	ResponseQueueDepth.Set(float64(c.source.ResponseQueueDepth()))
}

func (c *Collector) collectSessionMetrics() {
	SessionsTotal.Set(float64(c.source.SessionCount()))
}

func (c *Collector) collectRaftMetrics() {
	if c.source.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}

	logIndex, appliedIndex, peers := c.source.RaftStats()
	RaftLogIndex.Set(float64(logIndex))
	RaftAppliedIndex.Set(float64(appliedIndex))
	RaftPeers.Set(float64(peers))
}
