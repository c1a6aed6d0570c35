package election_test

import (
	"testing"
	"time"

	"repmgrd/internal/election"
	"repmgrd/internal/election/electiontest"
	"repmgrd/internal/metadata"
	"repmgrd/internal/metadata/metadatatest"
	"repmgrd/internal/replprobe"
)

func upstream(id int) *int { return &id }

func baseConfig() election.Config {
	return election.Config{
		FailoverMode:               "automatic",
		MonitorIntervalSecs:        2 * time.Second,
		ElectionRerunInterval:      5 * time.Second,
		PrimaryVisibilityConsensus: true,
	}
}

// S1: three-node cluster, primary dies, the one live standby with the
// furthest-advanced LSN wins cleanly.
func TestRun_S1_CleanThreeNodeFailover(t *testing.T) {
	store := metadatatest.New()
	primary := metadata.NodeRecord{NodeID: 1, Role: metadata.RolePrimary, Location: "dc1", Priority: 100, Active: true}
	local := metadata.NodeRecord{NodeID: 2, Role: metadata.RoleStandby, Location: "dc1", Priority: 90, UpstreamID: upstream(1), Active: true}
	sibling := metadata.NodeRecord{NodeID: 3, Role: metadata.RoleStandby, Location: "dc1", Priority: 80, UpstreamID: upstream(1), Active: true}
	store.AddNode(primary)
	store.AddNode(local)
	store.AddNode(sibling)
	store.RecordPresence(3, 4242, 1, time.Now())

	scanner := electiontest.New()
	scanner.Views[3] = election.SiblingView{
		NodeID: 3, Visible: true, Priority: 80, Location: "dc1",
		LastWALReceiveLSN: replprobe.LSN(100), DaemonPIDPresent: true,
		ObservedUpstream: 1, UpstreamLastSeenSeconds: 9999,
	}

	eng := election.New(store, scanner, baseConfig())
	out, err := eng.Run(&local, &primary, replprobe.LSN(200))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Kind != election.Won {
		t.Fatalf("expected local (higher LSN) to win, got %v (reason %q, newprimary %d)", out.Kind, out.Reason, out.NewPrimaryID)
	}
}

// S2: a minority-side node can see nobody in the primary's location;
// the split-brain location guard cancels the election outright.
func TestRun_S2_SplitBrainLocationGuard(t *testing.T) {
	store := metadatatest.New()
	primary := metadata.NodeRecord{NodeID: 1, Role: metadata.RolePrimary, Location: "dc1", Priority: 100, Active: true}
	local := metadata.NodeRecord{NodeID: 2, Role: metadata.RoleStandby, Location: "dc2", Priority: 90, UpstreamID: upstream(1), Active: true}
	store.AddNode(primary)
	store.AddNode(local)

	scanner := electiontest.New()
	eng := election.New(store, scanner, baseConfig())
	out, err := eng.Run(&local, &primary, replprobe.LSN(50))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Kind != election.Cancelled {
		t.Fatalf("expected cancellation on the minority side of a location split, got %v", out.Kind)
	}
}

// S4: the node's own validation command rejects the promotion, so the
// engine schedules a rerun instead of declaring a winner outright.
func TestRun_S4_ValidationHookTriggersRerun(t *testing.T) {
	store := metadatatest.New()
	primary := metadata.NodeRecord{NodeID: 1, Role: metadata.RolePrimary, Location: "dc1", Priority: 100, Active: true}
	local := metadata.NodeRecord{NodeID: 2, Role: metadata.RoleStandby, Location: "dc1", Priority: 90, UpstreamID: upstream(1), Active: true, ConnInfo: "host=localhost"}
	store.AddNode(primary)
	store.AddNode(local)

	cfg := baseConfig()
	cfg.FailoverValidationCommand = "/bin/false"
	eng := election.New(store, electiontest.New(), cfg)
	out, err := eng.Run(&local, &primary, replprobe.LSN(50))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Kind != election.Rerun {
		t.Fatalf("expected a failing validation command to force a rerun, got %v", out.Kind)
	}
	if out.After != cfg.ElectionRerunInterval {
		t.Errorf("expected rerun interval %v, got %v", cfg.ElectionRerunInterval, out.After)
	}
}

func TestRun_ManualModeIsNeverACandidate(t *testing.T) {
	store := metadatatest.New()
	primary := metadata.NodeRecord{NodeID: 1, Role: metadata.RolePrimary, Location: "dc1", Active: true}
	local := metadata.NodeRecord{NodeID: 2, Role: metadata.RoleStandby, Location: "dc1", Priority: 90, UpstreamID: upstream(1), Active: true}
	store.AddNode(primary)
	store.AddNode(local)

	cfg := baseConfig()
	cfg.FailoverMode = "manual"
	eng := election.New(store, electiontest.New(), cfg)
	out, err := eng.Run(&local, &primary, replprobe.LSN(1))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Kind != election.NotCandidate {
		t.Fatalf("expected NOT_CANDIDATE under manual failover mode, got %v", out.Kind)
	}
}

func TestRun_ZeroPriorityNeverWins(t *testing.T) {
	store := metadatatest.New()
	primary := metadata.NodeRecord{NodeID: 1, Role: metadata.RolePrimary, Location: "dc1", Active: true}
	local := metadata.NodeRecord{NodeID: 2, Role: metadata.RoleStandby, Location: "dc1", Priority: 0, UpstreamID: upstream(1), Active: true}
	store.AddNode(primary)
	store.AddNode(local)

	eng := election.New(store, electiontest.New(), baseConfig())
	out, err := eng.Run(&local, &primary, replprobe.LSN(1))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Kind != election.Lost {
		t.Fatalf("expected priority-0 local node to fail fast with LOST, got %v", out.Kind)
	}
}

func TestRun_DuplicateCandidatureInSameTermIsCancelled(t *testing.T) {
	store := metadatatest.New()
	primary := metadata.NodeRecord{NodeID: 1, Role: metadata.RolePrimary, Location: "dc1", Active: true}
	local := metadata.NodeRecord{NodeID: 2, Role: metadata.RoleStandby, Location: "dc1", Priority: 90, UpstreamID: upstream(1), Active: true}
	store.AddNode(primary)
	store.AddNode(local)

	eng := election.New(store, electiontest.New(), baseConfig())
	if _, err := eng.Run(&local, &primary, replprobe.LSN(1)); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	out, err := eng.Run(&local, &primary, replprobe.LSN(1))
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if out.Kind != election.Cancelled {
		t.Fatalf("expected a second candidature in the same term to be cancelled, got %v", out.Kind)
	}
}

func TestRun_NoQuorumCancels(t *testing.T) {
	store := metadatatest.New()
	primary := metadata.NodeRecord{NodeID: 1, Role: metadata.RolePrimary, Location: "dc1", Active: true}
	local := metadata.NodeRecord{NodeID: 2, Role: metadata.RoleStandby, Location: "dc1", Priority: 90, UpstreamID: upstream(1), Active: true}
	sib1 := metadata.NodeRecord{NodeID: 3, Role: metadata.RoleStandby, Location: "dc1", Priority: 80, UpstreamID: upstream(1), Active: true}
	sib2 := metadata.NodeRecord{NodeID: 4, Role: metadata.RoleStandby, Location: "dc1", Priority: 70, UpstreamID: upstream(1), Active: true}
	store.AddNode(primary)
	store.AddNode(local)
	store.AddNode(sib1)
	store.AddNode(sib2)
	// Neither sibling has a recorded presence, so the scanner's default
	// fixture reports DaemonPIDPresent=false and both are skipped,
	// leaving only the local node visible out of three shared-upstream
	// nodes: 1 <= 3/2 fails quorum.
	eng := election.New(store, electiontest.New(), baseConfig())
	out, err := eng.Run(&local, &primary, replprobe.LSN(1))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Kind != election.Cancelled || out.Reason != "no qualified majority" {
		t.Fatalf("expected quorum cancellation, got %v (%q)", out.Kind, out.Reason)
	}
}
