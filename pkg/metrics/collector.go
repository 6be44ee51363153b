package metrics

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cuemby/failover/pkg/types"
)

// Source exposes the state the collector samples
type Source interface {
	QueueCounts() types.QueueCounts
	FailoverUnitCounts() map[types.ReconfigurationState]int
	NodeCounts() map[types.NodeStatus]int
	UpgradingApplications() int
}

// RaftSource is implemented by sources hosted in a raft group
type RaftSource interface {
	IsLeader() bool
	RaftStats() map[string]string
}

// Collector periodically samples gauges from the FM and reports the
// job_queue and nodes components to the health checker
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}

	lastQueue types.QueueCounts
}

// NewCollector creates a new metrics collector
func NewCollector(source Source) *Collector {
	return &Collector{
		source:   source,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
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
	c.collectQueueMetrics()
	c.collectFailoverUnitMetrics()
	c.collectNodeMetrics()
	ApplicationsUpgrading.Set(float64(c.source.UpgradingApplications()))

	if rs, ok := c.source.(RaftSource); ok {
		c.collectRaftMetrics(rs)
	}
}

// collectQueueMetrics degrades job_queue while items are rejected or time
// out between two samples
func (c *Collector) collectQueueMetrics() {
	counts := c.source.QueueCounts()
	JobQueueDepth.WithLabelValues("fm").Set(float64(counts.Size()))

	rejected := counts.QueueFull - c.lastQueue.QueueFull
	timedOut := counts.TimedOut - c.lastQueue.TimedOut
	c.lastQueue = counts
	if rejected > 0 || timedOut > 0 {
		SetComponentCondition("job_queue", ConditionDegraded,
			fmt.Sprintf("%d items rejected and %d timed out since the last sample", rejected, timedOut))
		return
	}
	SetComponentCondition("job_queue", ConditionHealthy, "")
}

func (c *Collector) collectFailoverUnitMetrics() {
	for _, state := range []types.ReconfigurationState{
		types.ReconfigurationStateInitializing,
		types.ReconfigurationStateStable,
		types.ReconfigurationStateReconfiguring,
	} {
		FailoverUnitsTotal.WithLabelValues(string(state)).Set(0)
	}
	for state, count := range c.source.FailoverUnitCounts() {
		FailoverUnitsTotal.WithLabelValues(string(state)).Set(float64(count))
	}
}

func (c *Collector) collectNodeMetrics() {
	NodesTotal.WithLabelValues(string(types.NodeStatusUp)).Set(0)
	NodesTotal.WithLabelValues(string(types.NodeStatusDown)).Set(0)
	total := 0
	counts := c.source.NodeCounts()
	for status, count := range counts {
		NodesTotal.WithLabelValues(string(status)).Set(float64(count))
		total += count
	}
	if down := counts[types.NodeStatusDown]; down > 0 {
		SetComponentCondition("nodes", ConditionDegraded, fmt.Sprintf("%d of %d nodes down", down, total))
		return
	}
	SetComponentCondition("nodes", ConditionHealthy, "")
}

func (c *Collector) collectRaftMetrics(rs RaftSource) {
	if rs.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}

	stats := rs.RaftStats()
	if stats == nil {
		return
	}
	if v, err := strconv.ParseUint(stats["last_log_index"], 10, 64); err == nil {
		RaftLogIndex.Set(float64(v))
	}
	if v, err := strconv.ParseUint(stats["applied_index"], 10, 64); err == nil {
		RaftAppliedIndex.Set(float64(v))
	}
	if v, err := strconv.ParseUint(stats["num_peers"], 10, 64); err == nil {
		// num_peers excludes the local node
		RaftPeers.Set(float64(v + 1))
	}
}
