package metadata

import "time"

// Store is the interface internal/election, internal/failover and
// internal/roleloop program against, so tests can substitute
// metadatatest.Fake for a live Postgres-backed Gateway in tests,
// without a toolchain run.
type Store interface {
	GetNode(nodeID int) (*NodeRecord, error)
	GetPrimary() (*NodeRecord, error)
	ActiveSiblings(upstreamID, excludeNodeID int) ([]*NodeRecord, error)
	ChildNodes(primaryID int) ([]*ChildNode, error)
	UpsertChildNode(primaryID int, c *ChildNode) error
	RemoveChildNode(primaryID, nodeID int) error
	SetActive(nodeID int, active bool) error
	SetUpstream(nodeID int, upstreamID int) error
	MarkPrimary(nodeID int) error

	ReadTerm(nodeID int) (int64, error)
	IncrementTerm(nodeID int) (int64, error)
	MarkVoteInitiated(nodeID int, term int64) (bool, error)
	ResetVoting(nodeID int) error

	PublishNotification(nodeID int, n NewPrimaryNotification) error
	ReadNotification(nodeID int) (NewPrimaryNotification, error)
	ClearNotification(nodeID int) error
	RecordPresence(nodeID, pid, observedUpstreamID int, lastSeen time.Time) error
	ReadPresence(nodeID int) (pid int, observedUpstreamID int, lastSeen time.Time, err error)

	AppendEvent(e Event) error
	RecordMonitoringHistory(r MonitoringHistoryRow) error
}

var _ Store = (*Gateway)(nil)
