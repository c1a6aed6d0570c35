package failover_test

import (
	"database/sql"
	"testing"
	"time"

	"repmgrd/internal/election"
	"repmgrd/internal/election/electiontest"
	"repmgrd/internal/failover"
	"repmgrd/internal/metadata"
	"repmgrd/internal/metadata/metadatatest"
	"repmgrd/internal/replprobe"
)

func ptr(id int) *int { return &id }

type stubProber struct {
	recoveryType replprobe.RecoveryType
	err          error
}

func (s stubProber) RecoveryType(*sql.DB) (replprobe.RecoveryType, error) { return s.recoveryType, s.err }
func (stubProber) ReplicationInfo(*sql.DB, string) (replprobe.ReplicationInfo, error) {
	return replprobe.ReplicationInfo{}, nil
}
func (stubProber) PrimaryCurrentLSN(*sql.DB) (replprobe.LSN, error)        { return 0, nil }
func (stubProber) WALReceiverPID(*sql.DB) (int, error)                    { return 0, nil }
func (stubProber) IdentifySystem(*sql.DB) (replprobe.SystemIdentity, error) {
	return replprobe.SystemIdentity{}, nil
}
func (stubProber) TimelineHistory(*sql.DB, int) (replprobe.TimelineEntry, error) {
	return replprobe.TimelineEntry{}, nil
}

func baseConfig() (election.Config, failover.Config) {
	ec := election.Config{FailoverMode: "automatic", MonitorIntervalSecs: 2 * time.Second, ElectionRerunInterval: 5 * time.Second}
	fc := failover.Config{
		FailoverMode:                 "automatic",
		PromoteCommand:               "/bin/true",
		FollowCommand:                "/bin/true",
		PrimaryNotificationTimeout:   2 * time.Second,
		RepmgrdStandbyStartupTimeout: 1 * time.Second,
		PollInterval:                 1 * time.Millisecond,
	}
	return ec, fc
}

// S1 (the local-win half): a single standby sees no siblings and wins
// outright, so the driver should promote without ever touching
// waitForNewPrimary.
func TestRun_S1_PromotesWhenElectionWins(t *testing.T) {
	store := metadatatest.New()
	primary := metadata.NodeRecord{NodeID: 1, Role: metadata.RolePrimary, Location: "A", ConnInfo: "host=primary", Active: true}
	local := metadata.NodeRecord{NodeID: 3, Role: metadata.RoleStandby, Location: "A", Priority: 100, UpstreamID: ptr(1), ConnInfo: "host=local", Active: true}
	store.AddNode(primary)
	store.AddNode(local)

	ec, fc := baseConfig()
	eng := election.New(store, electiontest.New(), ec)
	prober := stubProber{recoveryType: replprobe.RecoveryPrimary}
	drv := failover.New(store, eng, prober, fc)
	drv.Sleep = func(time.Duration) {}

	result, err := drv.Run(&local, &primary, replprobe.LSN(600))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Kind != failover.Promoted {
		t.Fatalf("expected PROMOTED, got %v (%s)", result.Kind, result.Reason)
	}
	if store.CountEvents(metadata.EventFailoverPromote) != 1 {
		t.Errorf("expected exactly one repmgrd_failover_promote event")
	}
	got, _ := store.GetNode(3)
	if got.Role != metadata.RolePrimary {
		t.Errorf("expected local node's role to flip to primary, got %v", got.Role)
	}
}

// S3: local wins the election, but the promote_command fails and the
// former primary is still up; the driver must abort gracefully
// instead of forcing promotion.
func TestRun_S3_PrimaryReappearsDuringPromote(t *testing.T) {
	store := metadatatest.New()
	primary := metadata.NodeRecord{NodeID: 1, Role: metadata.RolePrimary, Location: "A", ConnInfo: "host=primary", Active: true}
	local := metadata.NodeRecord{NodeID: 2, Role: metadata.RoleStandby, Location: "A", Priority: 100, UpstreamID: ptr(1), ConnInfo: "host=local", Active: true}
	store.AddNode(primary)
	store.AddNode(local)

	ec, fc := baseConfig()
	fc.PromoteCommand = "/bin/false"
	eng := election.New(store, electiontest.New(), ec)
	prober := stubProber{recoveryType: replprobe.RecoveryPrimary} // former primary still reports PRIMARY
	drv := failover.New(store, eng, prober, fc)
	drv.Sleep = func(time.Duration) {}

	result, err := drv.Run(&local, &primary, replprobe.LSN(500))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Kind != failover.PrimaryReappeared {
		t.Fatalf("expected PRIMARY_REAPPEARED, got %v (%s)", result.Kind, result.Reason)
	}
	if store.CountEvents(metadata.EventFailoverPromote) != 0 {
		t.Errorf("expected no promotion event on an aborted promote")
	}
}

// S5: cascaded standby failover reattaches directly to the cluster
// primary, bypassing the election entirely.
func TestRunCascadedStandby_S5_ReattachesToPrimary(t *testing.T) {
	store := metadatatest.New()
	primary := metadata.NodeRecord{NodeID: 1, Role: metadata.RolePrimary, ConnInfo: "host=primary", Active: true}
	local := metadata.NodeRecord{NodeID: 3, Role: metadata.RoleStandby, UpstreamID: ptr(2), Active: true}
	store.AddNode(primary)
	store.AddNode(local)

	_, fc := baseConfig()
	prober := stubProber{recoveryType: replprobe.RecoveryPrimary}
	drv := failover.New(store, nil, prober, fc)
	drv.Sleep = func(time.Duration) {}

	result, err := drv.RunCascadedStandby(&local, &primary)
	if err != nil {
		t.Fatalf("RunCascadedStandby: %v", err)
	}
	if result.Kind != failover.FollowedNewPrimary {
		t.Fatalf("expected FOLLOWED_NEW_PRIMARY, got %v (%s)", result.Kind, result.Reason)
	}
	got, _ := store.GetNode(3)
	if got.UpstreamID == nil || *got.UpstreamID != 1 {
		t.Errorf("expected upstream_node_id(3) == 1, got %v", got.UpstreamID)
	}
	if store.CountEvents(metadata.EventFailoverFollow) != 1 {
		t.Errorf("expected exactly one repmgrd_failover_follow event")
	}
}

func TestRun_DegradesAfterNotificationTimeout(t *testing.T) {
	store := metadatatest.New()
	primary := metadata.NodeRecord{NodeID: 1, Role: metadata.RolePrimary, Location: "B", ConnInfo: "host=primary", Active: true}
	local := metadata.NodeRecord{NodeID: 2, Role: metadata.RoleStandby, Location: "A", Priority: 100, UpstreamID: ptr(1), Active: true}
	store.AddNode(primary)
	store.AddNode(local)

	ec, fc := baseConfig()
	fc.PrimaryNotificationTimeout = 5 * time.Millisecond
	fc.PollInterval = time.Millisecond
	eng := election.New(store, electiontest.New(), ec)
	drv := failover.New(store, eng, stubProber{}, fc)
	drv.Sleep = func(time.Duration) {}

	result, err := drv.Run(&local, &primary, replprobe.LSN(1))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Kind != failover.NoNewPrimary {
		t.Fatalf("expected NO_NEW_PRIMARY (degraded), got %v", result.Kind)
	}
}
