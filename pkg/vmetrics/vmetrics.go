// Package vmetrics exports prometheus gauges and counters for
// cluster, Raft, and auth-protocol health, grounded on
// cuemby-warren/pkg/metrics: package-level collectors registered at
// init time, a Handler() for mounting on the ops HTTP mux, and a
// Timer helper for histogram observations.
package vmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RaftIsLeader is 1 on the node currently holding leadership, 0 otherwise.
	RaftIsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vaultraft_raft_is_leader",
		Help: "Whether this node is the Raft leader (1) or not (0).",
	})

	// RaftTerm is the current Raft term as observed by this node.
	RaftTerm = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vaultraft_raft_term",
		Help: "Current Raft term.",
	})

	// RaftPeers is the number of servers in the current membership.
	RaftPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vaultraft_raft_peers_total",
		Help: "Total number of Raft peers (voters and learners) in the current configuration.",
	})

	// RaftLastIndex is the highest log index this node has appended.
	RaftLastIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vaultraft_raft_last_index",
		Help: "Highest Raft log index appended on this node.",
	})

	// RaftAppliedIndex is the highest log index applied to the state machine.
	RaftAppliedIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vaultraft_raft_applied_index",
		Help: "Highest Raft log index applied to the state machine.",
	})

	// RegisteredUsersTotal is the number of distinct registered auth entries.
	RegisteredUsersTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vaultraft_registered_users_total",
		Help: "Total number of registered users in the applied state machine.",
	})

	// RecordsTotal is the total number of records across every user namespace.
	RecordsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vaultraft_records_total",
		Help: "Total number of records stored across all users.",
	})

	// RequestsTotal counts client RPCs by method and outcome kind.
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultraft_requests_total",
		Help: "Total client RPCs handled, labeled by method and result kind.",
	}, []string{"method", "kind"})

	// RequestDuration observes client RPC latency by method.
	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vaultraft_request_duration_seconds",
		Help:    "Client RPC handling latency in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	// AuthFailuresTotal counts rejected authentication attempts by reason.
	AuthFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultraft_auth_failures_total",
		Help: "Total rejected authentication attempts, labeled by failure kind.",
	}, []string{"kind"})

	// ForwardedRequestsTotal counts requests (reads and writes) forwarded to the leader from a follower.
	ForwardedRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultraft_forwarded_requests_total",
		Help: "Total requests forwarded to the leader, labeled by method and outcome.",
	}, []string{"method", "outcome"})

	// SnapshotsTotal counts snapshots taken or installed, labeled by direction.
	SnapshotsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultraft_snapshots_total",
		Help: "Total snapshots persisted or installed, labeled by direction (persist, restore).",
	}, []string{"direction"})
)

func init() {
	prometheus.MustRegister(
		RaftIsLeader,
		RaftTerm,
		RaftPeers,
		RaftLastIndex,
		RaftAppliedIndex,
		RegisteredUsersTotal,
		RecordsTotal,
		RequestsTotal,
		RequestDuration,
		AuthFailuresTotal,
		ForwardedRequestsTotal,
		SnapshotsTotal,
	)
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewTimer starts a timer that records into RequestDuration for method
// when ObserveDuration is called on the returned *prometheus.Timer.
func NewTimer(method string) *prometheus.Timer {
	return prometheus.NewTimer(RequestDuration.WithLabelValues(method))
}

// CollectRaftStats pushes a raftnode.Stats-shaped snapshot into the
// gauges above. Taking plain fields (not an imported type) keeps this
// package leaf-level and avoids a dependency cycle with pkg/raftnode.
func CollectRaftStats(isLeader bool, term, lastIndex, appliedIndex uint64, peers int) {
	if isLeader {
		RaftIsLeader.Set(1)
	} else {
		RaftIsLeader.Set(0)
	}
	RaftTerm.Set(float64(term))
	RaftLastIndex.Set(float64(lastIndex))
	RaftAppliedIndex.Set(float64(appliedIndex))
	RaftPeers.Set(float64(peers))
}

// CollectStateStats pushes state-machine size gauges.
func CollectStateStats(registeredUsers, records int) {
	RegisteredUsersTotal.Set(float64(registeredUsers))
	RecordsTotal.Set(float64(records))
}
