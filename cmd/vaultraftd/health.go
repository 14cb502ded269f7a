package main

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/nimbusvault/vraft/pkg/raftnode"
)

// healthzHandler reports this node's Raft role and last-applied index,
// the way cuemby-warren's pkg/api.HealthServer exposes /health and
// /ready — collapsed to a single endpoint here since vaultraftd has no
// separate component-readiness model to report.
func healthzHandler(node *raftnode.Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := node.Stats()
		resp := struct {
			Status       string    `json:"status"`
			Timestamp    time.Time `json:"timestamp"`
			State        string    `json:"state"`
			Leader       string    `json:"leader"`
			Term         uint64    `json:"term"`
			LastIndex    uint64    `json:"last_index"`
			AppliedIndex uint64    `json:"applied_index"`
		}{
			Status:       "ok",
			Timestamp:    time.Now(),
			State:        stats.State,
			Leader:       stats.Leader,
			Term:         stats.Term,
			LastIndex:    stats.LastIndex,
			AppliedIndex: stats.AppliedIndex,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func listenTCP(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
