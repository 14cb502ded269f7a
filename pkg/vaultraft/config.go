package vaultraft

import "time"

// Config holds per-node configuration, assembled by cmd/vaultraftd
// from CLI flags.
type Config struct {
	// NodeID is this node's Raft server ID.
	NodeID string
	// BindAddr is the address the Raft transport listens on.
	BindAddr string
	// RPCAddr is the address the client/forwarding gRPC surface listens on.
	RPCAddr string
	// DataDir holds the log store, stable store and snapshot store files.
	DataDir string

	// ApplyTimeout bounds how long a proposed command waits for commit
	// before the RPC is cancelled. The entry may still commit and apply
	// afterward; it is not rolled back.
	ApplyTimeout time.Duration

	// SnapshotInterval and SnapshotThreshold tune how often hashicorp/raft
	// triggers a new snapshot of the state machine.
	SnapshotInterval  time.Duration
	SnapshotThreshold uint64
}

// DefaultConfig returns a Config with the default apply timeout and
// snapshot tuning. Raft heartbeat, election and lease timeouts are not
// part of Config; pkg/raftnode sets them itself.
func DefaultConfig() Config {
	return Config{
		ApplyTimeout:      5 * time.Second,
		SnapshotInterval:  30 * time.Second,
		SnapshotThreshold: 8192,
	}
}
