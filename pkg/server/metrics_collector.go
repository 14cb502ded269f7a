package server

import (
	"time"

	"github.com/nimbusvault/vraft/pkg/vmetrics"
)

// MetricsCollector periodically pushes this node's Raft and state
// machine size into the prometheus gauges exported at /metrics.
// Grounded on cuemby-warren/pkg/manager.MetricsCollector: a ticker
// goroutine with a stop channel, collecting immediately on Start.
type MetricsCollector struct {
	server *Server
	stopCh chan struct{}
}

// NewMetricsCollector builds a collector for s. Call Start to begin
// the periodic collection loop.
func NewMetricsCollector(s *Server) *MetricsCollector {
	return &MetricsCollector{server: s, stopCh: make(chan struct{})}
}

// Start begins collecting every interval until Stop is called.
func (c *MetricsCollector) Start(interval time.Duration) {
	ticker := time.NewTicker(interval)
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

// Stop ends the collection loop.
func (c *MetricsCollector) Stop() {
	close(c.stopCh)
}

func (c *MetricsCollector) collect() {
	stats := c.server.node.Stats()
	vmetrics.CollectRaftStats(c.server.node.IsLeader(), stats.Term, stats.LastIndex, stats.AppliedIndex, stats.NumPeers)

	registered, records := c.server.fsm.Size()
	vmetrics.CollectStateStats(registered, records)
}
