// Package roleloop is component C6: the three top-level role loops
// (primary, standby, witness) and the child-node tracker they share.
// Built on a familiar heartbeatLoop/pingAllPeers
// ticker-plus-stopCh skeleton, generalized from "ping every registered
// peer" into "diff the live replica-status view against the registered
// child set".
package roleloop

import (
	"time"

	"repmgrd/internal/metadata"
)

// ChildTracker implements the primary loop's child-node bookkeeping
// and its disconnect-command threshold logic.
type ChildTracker struct {
	children map[int]*metadata.ChildNode
	executed bool
}

func NewChildTracker() *ChildTracker {
	return &ChildTracker{children: make(map[int]*metadata.ChildNode)}
}

// Diff reconciles the registered child set against the live set of
// attached replica node ids, returning one event per state change.
// The witness exclusion (child_nodes_connected_include_witness) is
// applied by ShouldFireDisconnectCommand, not here.
func (t *ChildTracker) Diff(live map[int]bool, known []*metadata.ChildNode, now time.Time) []metadata.Event {
	var events []metadata.Event

	for _, c := range known {
		if _, ok := t.children[c.NodeID]; !ok {
			cp := *c
			t.children[c.NodeID] = &cp
		}
	}

	for nodeID, c := range t.children {
		wasAttached := c.Attached == metadata.ChildAttached
		isAttached := live[nodeID]
		switch {
		case wasAttached && !isAttached:
			c.Attached = metadata.ChildDetached
			detachedAt := now
			c.DetachedAt = &detachedAt
			events = append(events, metadata.Event{NodeID: nodeID, Kind: metadata.EventChildNodeDisconnect, Success: true, Timestamp: now})
		case !wasAttached && isAttached:
			wasKnown := c.Attached == metadata.ChildDetached
			c.Attached = metadata.ChildAttached
			c.DetachedAt = nil
			kind := metadata.EventChildNodeNewConnect
			if wasKnown {
				kind = metadata.EventChildNodeReconnect
			}
			events = append(events, metadata.Event{NodeID: nodeID, Kind: kind, Success: true, Timestamp: now})
		}
	}

	for nodeID := range live {
		if _, ok := t.children[nodeID]; !ok {
			t.children[nodeID] = &metadata.ChildNode{NodeID: nodeID, Attached: metadata.ChildAttached}
			events = append(events, metadata.Event{NodeID: nodeID, Kind: metadata.EventChildNodeNewConnect, Success: true, Timestamp: now})
		}
	}

	return events
}

// Snapshot returns the tracker's current view, stable-ordered by node id.
func (t *ChildTracker) Snapshot() []*metadata.ChildNode {
	out := make([]*metadata.ChildNode, 0, len(t.children))
	for _, c := range t.children {
		cp := *c
		out = append(out, &cp)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].NodeID < out[j-1].NodeID; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// connectedCount is the number of currently-attached children,
// optionally including the witness.
func (t *ChildTracker) connectedCount(includeWitness bool) int {
	n := 0
	for _, c := range t.children {
		if c.Attached != metadata.ChildAttached {
			continue
		}
		if c.Role == metadata.RoleWitness && !includeWitness {
			continue
		}
		n++
	}
	return n
}

// ShouldFireDisconnectCommand applies the threshold: total registered
// children minus disconnectMinCount plus one. The command
// fires once when the connected count falls below threshold and every
// currently-detached child has been detached for at least timeout; the
// "already executed" flag resets once the connected count recovers to
// the threshold or above.
func (t *ChildTracker) ShouldFireDisconnectCommand(disconnectMinCount int, timeout time.Duration, includeWitness bool, now time.Time) bool {
	total := len(t.children)
	threshold := total - disconnectMinCount + 1
	connected := t.connectedCount(includeWitness)

	if connected >= threshold {
		t.executed = false
		return false
	}
	if t.executed {
		return false
	}

	for _, c := range t.children {
		if c.Attached == metadata.ChildAttached {
			continue
		}
		if c.DetachedAt == nil || now.Sub(*c.DetachedAt) < timeout {
			return false
		}
	}

	t.executed = true
	return true
}
