package roleloop

import (
	"context"
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

type downThenUpProber struct {
	recoveryType replprobe.RecoveryType
}

func (p downThenUpProber) RecoveryType(*sql.DB) (replprobe.RecoveryType, error) { return p.recoveryType, nil }
func (downThenUpProber) ReplicationInfo(*sql.DB, string) (replprobe.ReplicationInfo, error) {
	return replprobe.ReplicationInfo{}, nil
}
func (downThenUpProber) PrimaryCurrentLSN(*sql.DB) (replprobe.LSN, error) { return 0, nil }
func (downThenUpProber) WALReceiverPID(*sql.DB) (int, error)             { return 0, nil }
func (downThenUpProber) IdentifySystem(*sql.DB) (replprobe.SystemIdentity, error) {
	return replprobe.SystemIdentity{}, nil
}
func (downThenUpProber) TimelineHistory(*sql.DB, int) (replprobe.TimelineEntry, error) {
	return replprobe.TimelineEntry{}, nil
}

func ptrInt(n int) *int { return &n }

// Cascaded failover: the standby's upstream is itself a standby
// (never reachable in this test, since its ConnInfo is left empty),
// so the loop must re-attach to the registered primary instead of
// running an election.
func TestStandbyLoop_CascadedFailoverOnUnreachableStandbyUpstream(t *testing.T) {
	store := metadatatest.New()
	primary := metadata.NodeRecord{NodeID: 1, Role: metadata.RolePrimary, ConnInfo: "host=primary", Active: true}
	middleStandby := metadata.NodeRecord{NodeID: 2, Role: metadata.RoleStandby, UpstreamID: ptrInt(1), Active: true} // ConnInfo empty: never reachable
	local := metadata.NodeRecord{NodeID: 3, Role: metadata.RoleStandby, UpstreamID: ptrInt(2), Active: true}
	store.AddNode(primary)
	store.AddNode(middleStandby)
	store.AddNode(local)

	prober := downThenUpProber{recoveryType: replprobe.RecoveryPrimary}
	ec := election.Config{FailoverMode: "automatic"}
	eng := election.New(store, electiontest.New(), ec)
	fc := failover.Config{FollowCommand: "/bin/true", PollInterval: time.Millisecond}
	drv := failover.New(store, eng, prober, fc)
	drv.Sleep = func(time.Duration) {}

	cfg := Config{
		MonitorIntervalSecs: 2 * time.Millisecond,
		ReconnectAttempts:   1,
		ReconnectInterval:   time.Millisecond,
	}
	signals := &LoopSignals{}
	loop := NewStandbyLoop(store, prober, drv, cfg, signals)
	loop.Sleep = func(time.Duration) {}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	localCopy := local
	_ = loop.Run(ctx, &localCopy)

	got, _ := store.GetNode(3)
	if got.UpstreamID == nil || *got.UpstreamID != 1 {
		t.Fatalf("expected node 3 to cascade-reattach to the primary, upstream=%v", got.UpstreamID)
	}
	if store.CountEvents(metadata.EventStandbyFailure) == 0 {
		t.Errorf("expected at least one standby_failure event")
	}
}

func TestStandbyLoop_PauseGuardBlocksFailover(t *testing.T) {
	store := metadatatest.New()
	primary := metadata.NodeRecord{NodeID: 1, Role: metadata.RolePrimary, ConnInfo: "", Active: true} // unreachable
	local := metadata.NodeRecord{NodeID: 2, Role: metadata.RoleStandby, UpstreamID: ptrInt(1), Active: true}
	store.AddNode(primary)
	store.AddNode(local)

	prober := downThenUpProber{}
	ec := election.Config{FailoverMode: "automatic"}
	eng := election.New(store, electiontest.New(), ec)
	drv := failover.New(store, eng, prober, failover.Config{PollInterval: time.Millisecond})
	drv.Sleep = func(time.Duration) {}

	cfg := Config{MonitorIntervalSecs: 2 * time.Millisecond, ReconnectAttempts: 1, ReconnectInterval: time.Millisecond}
	loop := NewStandbyLoop(store, prober, drv, cfg, &LoopSignals{})
	loop.Pause = pausedAlways{}
	loop.Sleep = func(time.Duration) {}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	localCopy := local
	_ = loop.Run(ctx, &localCopy)

	if store.CountEvents(metadata.EventFailoverPromote) != 0 || store.CountEvents(metadata.EventFailoverFollow) != 0 {
		t.Fatal("pause guard must block every failover/follow action")
	}
}

type pausedAlways struct{}

func (pausedAlways) IsPaused() bool { return true }
