package replprobe

import "testing"

func TestCanFollow_DifferentSystemID(t *testing.T) {
	c := FollowCheck{
		Local:  SystemIdentity{SystemID: 1, Timeline: 1},
		Target: SystemIdentity{SystemID: 2, Timeline: 1},
	}
	if c.CanFollow() {
		t.Error("expected false for mismatched system identifiers")
	}
}

func TestCanFollow_SameTimeline_LocalBehind(t *testing.T) {
	local, _ := ParseLSN("0/500")
	target, _ := ParseLSN("0/600")
	c := FollowCheck{
		Local:            SystemIdentity{SystemID: 1, Timeline: 1},
		Target:           SystemIdentity{SystemID: 1, Timeline: 1},
		LocalLSN:         local,
		TargetCurrentLSN: target,
	}
	if !c.CanFollow() {
		t.Error("expected true when local LSN is behind target's current LSN on the same timeline")
	}
}

func TestCanFollow_SameTimeline_LocalAhead(t *testing.T) {
	local, _ := ParseLSN("0/700")
	target, _ := ParseLSN("0/600")
	c := FollowCheck{
		Local:            SystemIdentity{SystemID: 1, Timeline: 1},
		Target:           SystemIdentity{SystemID: 1, Timeline: 1},
		LocalLSN:         local,
		TargetCurrentLSN: target,
	}
	if c.CanFollow() {
		t.Error("expected false when local is ahead of target on the same timeline")
	}
}

func TestCanFollow_TargetHigherTimeline_ForkAfterLocal(t *testing.T) {
	local, _ := ParseLSN("0/500")
	fork, _ := ParseLSN("0/600")
	c := FollowCheck{
		Local:     SystemIdentity{SystemID: 1, Timeline: 1},
		Target:    SystemIdentity{SystemID: 1, Timeline: 2},
		LocalLSN:  local,
		ForkPoint: fork,
	}
	if !c.CanFollow() {
		t.Error("expected true when the fork point is at or beyond local LSN")
	}
}

func TestCanFollow_TimelineForkBeforeLocalLSN(t *testing.T) {
	local, _ := ParseLSN("0/700")
	fork, _ := ParseLSN("0/600")
	c := FollowCheck{
		Local:     SystemIdentity{SystemID: 1, Timeline: 1},
		Target:    SystemIdentity{SystemID: 1, Timeline: 2},
		LocalLSN:  local,
		ForkPoint: fork,
	}
	if c.CanFollow() {
		t.Error("expected false when the timeline fork happened before the local LSN")
	}
}

func TestCanFollow_TargetLowerTimeline(t *testing.T) {
	c := FollowCheck{
		Local:  SystemIdentity{SystemID: 1, Timeline: 3},
		Target: SystemIdentity{SystemID: 1, Timeline: 1},
	}
	if c.CanFollow() {
		t.Error("expected false when target's timeline is lower than local's")
	}
}

func TestParseTimelineHistory(t *testing.T) {
	content := []byte("1\t0/5000000\tno recovery target specified\n2\t0/6000000\tswitchover\n")
	entry, err := parseTimelineHistory(content, 1)
	if err != nil {
		t.Fatalf("parseTimelineHistory: %v", err)
	}
	want, _ := ParseLSN("0/5000000")
	if entry.EndLSN != want {
		t.Errorf("got %s, want %s", entry.EndLSN, want)
	}
}

func TestParseTimelineHistory_NotFound(t *testing.T) {
	content := []byte("1\t0/5000000\tno recovery target specified\n")
	if _, err := parseTimelineHistory(content, 99); err == nil {
		t.Error("expected error for missing timeline")
	}
}
