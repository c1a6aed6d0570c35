// Package metadatatest provides an in-memory metadata.Store for tests,
// so the election engine, failover driver and role loops can be
// exercised against literal end-to-end fixtures without a live
// Postgres connection.
package metadatatest

import (
	"fmt"
	"sync"
	"time"

	"repmgrd/internal/metadata"
)

type presence struct {
	pid                int
	observedUpstreamID int
	lastSeen           time.Time
}

// Fake is a thread-safe, in-memory metadata.Store.
type Fake struct {
	mu            sync.Mutex
	nodes         map[int]*metadata.NodeRecord
	voting        map[int]*metadata.VotingRow
	notifications map[int]metadata.NewPrimaryNotification
	presence      map[int]presence
	children      map[int]map[int]*metadata.ChildNode
	Events        []metadata.Event
	History       []metadata.MonitoringHistoryRow
}

// New creates an empty fake store.
func New() *Fake {
	return &Fake{
		nodes:         make(map[int]*metadata.NodeRecord),
		voting:        make(map[int]*metadata.VotingRow),
		notifications: make(map[int]metadata.NewPrimaryNotification),
		presence:      make(map[int]presence),
		children:      make(map[int]map[int]*metadata.ChildNode),
	}
}

// AddNode seeds a node record, copying n so later mutation by the
// caller doesn't alias store state.
func (f *Fake) AddNode(n metadata.NodeRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := n
	f.nodes[n.NodeID] = &cp
}

func (f *Fake) GetNode(nodeID int) (*metadata.NodeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[nodeID]
	if !ok {
		return nil, nil
	}
	cp := *n
	return &cp, nil
}

func (f *Fake) GetPrimary() (*metadata.NodeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.nodes {
		if n.Role == metadata.RolePrimary && n.Active {
			cp := *n
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *Fake) ActiveSiblings(upstreamID, excludeNodeID int) ([]*metadata.NodeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*metadata.NodeRecord
	for _, n := range f.nodes {
		if n.UpstreamID != nil && *n.UpstreamID == upstreamID && n.NodeID != excludeNodeID && n.Active {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *Fake) ChildNodes(primaryID int) ([]*metadata.ChildNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*metadata.ChildNode
	for _, c := range f.children[primaryID] {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (f *Fake) UpsertChildNode(primaryID int, c *metadata.ChildNode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.children[primaryID] == nil {
		f.children[primaryID] = make(map[int]*metadata.ChildNode)
	}
	cp := *c
	f.children[primaryID][c.NodeID] = &cp
	return nil
}

func (f *Fake) RemoveChildNode(primaryID, nodeID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.children[primaryID], nodeID)
	return nil
}

func (f *Fake) SetActive(nodeID int, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.nodes[nodeID]; ok {
		n.Active = active
	}
	return nil
}

func (f *Fake) SetUpstream(nodeID int, upstreamID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[nodeID]
	if !ok {
		return fmt.Errorf("set upstream (fatal): no such node %d", nodeID)
	}
	n.UpstreamID = &upstreamID
	return nil
}

func (f *Fake) MarkPrimary(nodeID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.nodes[nodeID]; ok {
		n.Role = metadata.RolePrimary
		n.UpstreamID = nil
	}
	return nil
}

func (f *Fake) ReadTerm(nodeID int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.votingLocked(nodeID)
	return v.CurrentTerm, nil
}

func (f *Fake) IncrementTerm(nodeID int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.votingLocked(nodeID)
	v.CurrentTerm++
	v.VoteInitiatedInTerm = nil
	return v.CurrentTerm, nil
}

func (f *Fake) MarkVoteInitiated(nodeID int, term int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.votingLocked(nodeID)
	if v.VoteInitiatedInTerm != nil && *v.VoteInitiatedInTerm == term {
		return false, nil
	}
	v.VoteInitiatedInTerm = &term
	return true, nil
}

func (f *Fake) ResetVoting(nodeID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.votingLocked(nodeID).VoteInitiatedInTerm = nil
	return nil
}

func (f *Fake) votingLocked(nodeID int) *metadata.VotingRow {
	v, ok := f.voting[nodeID]
	if !ok {
		v = &metadata.VotingRow{NodeID: nodeID}
		f.voting[nodeID] = v
	}
	return v
}

func (f *Fake) PublishNotification(nodeID int, n metadata.NewPrimaryNotification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications[nodeID] = n
	return nil
}

func (f *Fake) ReadNotification(nodeID int) (metadata.NewPrimaryNotification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notifications[nodeID]
	if !ok {
		return metadata.NewPrimaryNotification{None: true}, nil
	}
	return n, nil
}

func (f *Fake) ClearNotification(nodeID int) error {
	return f.PublishNotification(nodeID, metadata.NewPrimaryNotification{None: true})
}

func (f *Fake) RecordPresence(nodeID, pid, observedUpstreamID int, lastSeen time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence[nodeID] = presence{pid: pid, observedUpstreamID: observedUpstreamID, lastSeen: lastSeen}
	return nil
}

func (f *Fake) ReadPresence(nodeID int) (int, int, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.presence[nodeID]
	if !ok {
		return 0, 0, time.Time{}, nil
	}
	return p.pid, p.observedUpstreamID, p.lastSeen, nil
}

func (f *Fake) AppendEvent(e metadata.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	f.Events = append(f.Events, e)
	return nil
}

func (f *Fake) RecordMonitoringHistory(r metadata.MonitoringHistoryRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.History = append(f.History, r)
	return nil
}

// CountEvents returns how many events of kind were appended, used by
// invariant-style assertions, such as confirming at most one promotion
// fires per term.
func (f *Fake) CountEvents(kind metadata.EventKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.Events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

var _ metadata.Store = (*Fake)(nil)
