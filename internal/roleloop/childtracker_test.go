package roleloop

import (
	"testing"
	"time"

	"repmgrd/internal/metadata"
)

// S6, child-node disconnect command. Primary has 3 children; 2
// detach; child_nodes_disconnect_min_count=1 ⇒ threshold = 3; once
// both detached children have been gone longer than the timeout, the
// command fires exactly once, and resets once a child reconnects and
// the connected count recovers to the threshold.
func TestChildTracker_S6_DisconnectCommandThresholdAndReset(t *testing.T) {
	tr := NewChildTracker()
	known := []*metadata.ChildNode{
		{NodeID: 10, Attached: metadata.ChildAttached},
		{NodeID: 11, Attached: metadata.ChildAttached},
		{NodeID: 12, Attached: metadata.ChildAttached},
	}
	t0 := time.Unix(1000, 0)
	tr.Diff(map[int]bool{10: true, 11: true, 12: true}, known, t0)

	// 11 and 12 detach.
	t1 := t0.Add(1 * time.Second)
	events := tr.Diff(map[int]bool{10: true}, nil, t1)
	if len(events) != 2 {
		t.Fatalf("expected 2 disconnect events, got %d", len(events))
	}

	timeout := 10 * time.Second
	// Immediately after detaching, not enough time has passed yet.
	if tr.ShouldFireDisconnectCommand(1, timeout, false, t1) {
		t.Fatal("should not fire before the detach timeout elapses")
	}

	t2 := t1.Add(timeout + time.Second)
	if !tr.ShouldFireDisconnectCommand(1, timeout, false, t2) {
		t.Fatal("expected the disconnect command to fire once the timeout has elapsed")
	}
	// Must not fire a second time while still below threshold.
	if tr.ShouldFireDisconnectCommand(1, timeout, false, t2) {
		t.Fatal("expected the executed flag to suppress a second firing")
	}

	// Node 11 reconnects, bringing the connected count back to 2, still
	// below the threshold of 3, so the flag should stay latched.
	t3 := t2.Add(time.Second)
	tr.Diff(map[int]bool{10: true, 11: true}, nil, t3)
	if tr.ShouldFireDisconnectCommand(1, timeout, false, t3) {
		t.Fatal("should not refire while still below threshold")
	}

	// Node 12 reconnects too, recovering the connected count to 3 and
	// resetting the executed flag.
	t4 := t3.Add(time.Second)
	tr.Diff(map[int]bool{10: true, 11: true, 12: true}, nil, t4)
	if tr.ShouldFireDisconnectCommand(1, timeout, false, t4) {
		t.Fatal("recovered cluster should not fire the disconnect command")
	}
}

func TestChildTracker_NewConnectEmitsOnce(t *testing.T) {
	tr := NewChildTracker()
	events := tr.Diff(map[int]bool{20: true}, nil, time.Unix(0, 0))
	if len(events) != 1 || events[0].Kind != metadata.EventChildNodeNewConnect {
		t.Fatalf("expected a single new-connect event, got %+v", events)
	}
	// A second diff with no change should be silent.
	events = tr.Diff(map[int]bool{20: true}, nil, time.Unix(1, 0))
	if len(events) != 0 {
		t.Fatalf("expected no events on a steady-state diff, got %+v", events)
	}
}
