package roleloop

import (
	"context"
	"fmt"
	"log"
	"time"

	"repmgrd/internal/cmdutil"
	"repmgrd/internal/eventlog"
	"repmgrd/internal/metadata"
	"repmgrd/internal/replprobe"
)

// ErrBecameStandby is returned by PrimaryLoop.Run when the local node
// is found to be in recovery after reconnecting: an external
// switchover took the primary role away from it, and the caller
// should switch to running the standby loop instead.
var ErrBecameStandby = fmt.Errorf("local node is now in recovery: switch to standby loop")

// LiveChildren reports which registered child node ids currently
// appear attached in the replica-status view.
type LiveChildren func(ctx context.Context) (map[int]bool, error)

// PrimaryLoop is the C6 primary role loop.
type PrimaryLoop struct {
	Store        metadata.Store
	Prober       replprobe.Prober
	Config       Config
	Signals      *LoopSignals
	Pause        PauseChecker
	LiveChildren LiveChildren
	Tracker      *ChildTracker
	Sleep        func(time.Duration)

	// StatusLog emits the periodic log_status_interval keep-alive;
	// nil disables it regardless of Config.LogStatusInterval.
	StatusLog *eventlog.Logger
}

func NewPrimaryLoop(store metadata.Store, prober replprobe.Prober, cfg Config, signals *LoopSignals) *PrimaryLoop {
	return &PrimaryLoop{
		Store: store, Prober: prober, Config: cfg, Signals: signals,
		Pause: alwaysRunning{}, Tracker: NewChildTracker(), Sleep: time.Sleep,
	}
}

// Run blocks until ctx is cancelled, a shutdown signal lands, or the
// node discovers it's become a standby.
func (p *PrimaryLoop) Run(ctx context.Context, local *metadata.NodeRecord) error {
	if local.Role != metadata.RolePrimary {
		return fmt.Errorf("fatal: primary loop invoked on a non-primary record (role=%s)", local.Role)
	}
	if !local.Active {
		if p.Config.FailoverMode == "manual" {
			log.Printf("roleloop: primary %d: node record is not active, continuing to monitor under manual failover mode", local.NodeID)
		} else {
			return fmt.Errorf("fatal: primary record is not active")
		}
	}

	_ = p.Store.AppendEvent(metadata.Event{NodeID: local.NodeID, Kind: metadata.EventStart, Success: true, Timestamp: time.Now()})

	monitorTicker := time.NewTicker(p.Config.MonitorIntervalSecs)
	defer monitorTicker.Stop()
	childInterval := p.Config.ChildNodesCheckInterval
	if childInterval <= 0 {
		childInterval = p.Config.MonitorIntervalSecs
	}
	childTicker := time.NewTicker(childInterval)
	defer childTicker.Stop()

	statusTicker, statusStop := p.startStatusTicker(local)
	defer statusStop()

	localUp := true
	for {
		select {
		case <-ctx.Done():
			p.shutdown(local)
			return nil
		case <-statusTicker:
			p.emitStatus(local)
		case <-monitorTicker.C:
			if p.Signals.ShutdownRequested() {
				p.shutdown(local)
				return nil
			}
			if p.Signals.TakeReload() {
				_ = p.Store.AppendEvent(metadata.Event{NodeID: local.NodeID, Kind: metadata.EventReload, Success: true, Timestamp: time.Now()})
			}

			reachable := pingNode(local.ConnInfo, p.Prober, p.Config.ConnectionCheckType)
			switch {
			case !reachable && localUp:
				localUp = false
				_ = p.Store.AppendEvent(metadata.Event{NodeID: local.NodeID, Kind: metadata.EventLocalDisconnect, Success: false, Timestamp: time.Now()})
			case reachable && !localUp:
				localUp = true
				_ = p.Store.AppendEvent(metadata.Event{NodeID: local.NodeID, Kind: metadata.EventLocalReconnect, Success: true, Timestamp: time.Now()})
				if p.becameStandby(local) {
					return ErrBecameStandby
				}
			}
		case <-childTicker.C:
			p.reconcileChildren(ctx, local)
		}
	}
}

func (p *PrimaryLoop) becameStandby(local *metadata.NodeRecord) bool {
	db, err := dbOpen(local.ConnInfo)
	if err != nil {
		return false
	}
	defer db.Close()
	rt, err := p.Prober.RecoveryType(db)
	return err == nil && rt == replprobe.RecoveryStandby
}

func (p *PrimaryLoop) shutdown(local *metadata.NodeRecord) {
	_ = p.Store.AppendEvent(metadata.Event{NodeID: local.NodeID, Kind: metadata.EventShutdown, Success: true, Timestamp: time.Now()})
}

// startStatusTicker returns a channel that fires every
// Config.LogStatusInterval, or a nil channel (never fires) when
// status logging is disabled. The returned stop func is always safe
// to call.
func (p *PrimaryLoop) startStatusTicker(local *metadata.NodeRecord) (<-chan time.Time, func()) {
	if p.StatusLog == nil || p.Config.LogStatusInterval <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(p.Config.LogStatusInterval)
	return t.C, t.Stop
}

func (p *PrimaryLoop) emitStatus(local *metadata.NodeRecord) {
	if p.StatusLog == nil {
		return
	}
	upstream := 0
	if local.UpstreamID != nil {
		upstream = *local.UpstreamID
	}
	paused := p.Pause != nil && p.Pause.IsPaused()
	_ = p.StatusLog.EmitStatus(eventlog.Status{NodeID: local.NodeID, Role: string(local.Role), Upstream: upstream, Paused: paused})
}

func (p *PrimaryLoop) reconcileChildren(ctx context.Context, local *metadata.NodeRecord) {
	if p.LiveChildren == nil {
		return
	}
	live, err := p.LiveChildren(ctx)
	if err != nil {
		log.Printf("roleloop: primary %d: live children query failed: %v", local.NodeID, err)
		return
	}

	known, err := p.Store.ChildNodes(local.NodeID)
	if err != nil {
		log.Printf("roleloop: primary %d: child nodes read failed: %v", local.NodeID, err)
		return
	}

	now := time.Now()
	events := p.Tracker.Diff(live, known, now)
	for _, e := range events {
		e.Details = fmt.Sprintf("primary=%d", local.NodeID)
		_ = p.Store.AppendEvent(e)
	}
	for _, c := range p.Tracker.Snapshot() {
		_ = p.Store.UpsertChildNode(local.NodeID, c)
	}

	if p.Config.ChildNodesDisconnectCommand == "" {
		return
	}
	if p.Tracker.ShouldFireDisconnectCommand(p.Config.ChildNodesDisconnectMinCount, p.Config.ChildNodesDisconnectTimeout, p.Config.ChildNodesConnectedIncludeWitness, now) {
		cmd := cmdutil.Placeholders(p.Config.ChildNodesDisconnectCommand, map[byte]string{'p': fmt.Sprintf("%d", local.NodeID)})
		res, err := cmdutil.Run(ctx, cmdutil.TimeoutCommand, cmd)
		success := err == nil && res.ExitCode == 0
		_ = p.Store.AppendEvent(metadata.Event{NodeID: local.NodeID, Kind: metadata.EventChildNodesDisconnectCmd, Success: success, Timestamp: now})
	}
}
