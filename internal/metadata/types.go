// Package metadata is the typed gateway onto the cluster's own
// metadata: node records, voting rows, the event log, and the
// ephemeral per-node shared state each running daemon publishes. It is
// component C2 of the design: every other component that needs a
// durable, cluster-wide fact goes through here rather than issuing raw
// SQL of its own.
//
// The metadata lives in the monitored Postgres cluster itself (reached
// through the current primary for writes). This package reworks a
// familiar sqlite persistence idiom onto github.com/lib/pq.
package metadata

import "time"

// Role is the node's configured role in the cluster.
type Role string

const (
	RolePrimary Role = "primary"
	RoleStandby Role = "standby"
	RoleWitness Role = "witness"
)

// NodeRecord is the authoritative, persisted description of one
// cluster member.
type NodeRecord struct {
	NodeID     int
	Name       string
	Role       Role
	UpstreamID *int // nullable
	ConnInfo   string
	ReplUser   string
	Priority   int // 0 == never a candidate
	Location   string
	Active     bool
}

// VotingRow is the per-node electoral bookkeeping row.
// VoteInitiatedInTerm is nullable: nil means this node
// has not yet initiated a vote in CurrentTerm.
type VotingRow struct {
	NodeID              int
	CurrentTerm         int64
	VoteInitiatedInTerm *int64
}

// EventKind enumerates the append-only event-log entry kinds.
type EventKind string

const (
	EventStart                   EventKind = "repmgrd_start"
	EventReload                  EventKind = "repmgrd_reload"
	EventShutdown                EventKind = "repmgrd_shutdown"
	EventLocalDisconnect         EventKind = "repmgrd_local_disconnect"
	EventLocalReconnect          EventKind = "repmgrd_local_reconnect"
	EventUpstreamDisconnect      EventKind = "repmgrd_upstream_disconnect"
	EventUpstreamReconnect       EventKind = "repmgrd_upstream_reconnect"
	EventStandbyReconnect        EventKind = "repmgrd_standby_reconnect"
	EventFailoverPromote         EventKind = "repmgrd_failover_promote"
	EventFailoverFollow          EventKind = "repmgrd_failover_follow"
	EventFailoverAbort           EventKind = "repmgrd_failover_abort"
	EventFailoverAborted         EventKind = "repmgrd_failover_aborted"
	EventPromoteError            EventKind = "repmgrd_promote_error"
	EventStandbyFailure          EventKind = "standby_failure"
	EventStandbyRecovery         EventKind = "standby_recovery"
	EventStandbyDisconnectManual EventKind = "standby_disconnect_manual"
	EventChildNodeDisconnect     EventKind = "child_node_disconnect"
	EventChildNodeReconnect      EventKind = "child_node_reconnect"
	EventChildNodeNewConnect     EventKind = "child_node_new_connect"
	EventChildNodesDisconnectCmd EventKind = "child_nodes_disconnect_command"
)

// Event is one append-only event-log entry. Consumed by operators;
// repmgrd never reads events back.
type Event struct {
	NodeID    int
	Kind      EventKind
	Success   bool
	Timestamp time.Time
	Details   string
}

// NewPrimaryNotification values a node's ephemeral "new primary"
// shared-state slot can hold.
type NewPrimaryNotification struct {
	// Exactly one of NodeID/Rerun/None is meaningful; None==true and
	// Rerun==false and NodeID==0 means "no notification pending".
	NodeID int
	Rerun  bool
	None   bool
}

// EphemeralState is the per-node shared state each running daemon
// publishes and peers read.
type EphemeralState struct {
	NodeID                       int
	PID                          int
	LastObservedUpstreamID       int
	UpstreamLastSeenSecondsAgo   float64
	NewPrimaryNotification       NewPrimaryNotification
}

// ChildNode is one entry of the primary's child-node tracker.
// Attached is the last-observed connection state.
type Attached string

const (
	ChildAttached Attached = "attached"
	ChildDetached Attached = "detached"
	ChildUnknown  Attached = "unknown"
)

type ChildNode struct {
	NodeID     int
	Role       Role
	Attached   Attached
	DetachedAt *time.Time
}

// MonitoringHistoryRow is written by a standby's tick to the primary
// when monitoring_history is enabled. The daemon only appends these
// rows; it never reads them back.
type MonitoringHistoryRow struct {
	StandbyNodeID       int
	PrimaryNodeID       int
	LastMonitorTime     time.Time
	LastWALReceiveLSN   string
	ReplicationLagBytes int64
}
