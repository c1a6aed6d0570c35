package roleloop

import (
	"context"
	"fmt"
	"time"

	"repmgrd/internal/eventlog"
	"repmgrd/internal/failover"
	"repmgrd/internal/metadata"
	"repmgrd/internal/replprobe"
)

// StandbyLoop is the C6 standby role loop.
type StandbyLoop struct {
	Store   metadata.Store
	Prober  replprobe.Prober
	Driver  *failover.Driver
	Config  Config
	Signals *LoopSignals
	Pause   PauseChecker

	// LocalLSN returns the standby's own current receive LSN, used as
	// input to the election engine if a failover is triggered.
	LocalLSN func(ctx context.Context) (replprobe.LSN, error)
	Sleep    func(time.Duration)

	// StatusLog emits the periodic log_status_interval keep-alive;
	// nil disables it regardless of Config.LogStatusInterval.
	StatusLog *eventlog.Logger
}

func NewStandbyLoop(store metadata.Store, prober replprobe.Prober, driver *failover.Driver, cfg Config, signals *LoopSignals) *StandbyLoop {
	return &StandbyLoop{Store: store, Prober: prober, Driver: driver, Config: cfg, Signals: signals, Pause: alwaysRunning{}, Sleep: time.Sleep}
}

// Run blocks until ctx is cancelled or a shutdown signal lands.
func (s *StandbyLoop) Run(ctx context.Context, local *metadata.NodeRecord) error {
	if local.UpstreamID == nil {
		primary, err := s.Store.GetPrimary()
		if err != nil {
			return fmt.Errorf("standby loop: discover upstream: %w", err)
		}
		if primary == nil {
			return fmt.Errorf("fatal: standby has no upstream_node_id and no primary is registered")
		}
		local.UpstreamID = &primary.NodeID
	}

	_ = s.Store.AppendEvent(metadata.Event{NodeID: local.NodeID, Kind: metadata.EventStart, Success: true, Timestamp: time.Now()})

	ticker := time.NewTicker(s.Config.MonitorIntervalSecs)
	defer ticker.Stop()

	statusTicker, statusStop := s.startStatusTicker()
	defer statusStop()

	upstreamUp := true
	for {
		select {
		case <-ctx.Done():
			_ = s.Store.AppendEvent(metadata.Event{NodeID: local.NodeID, Kind: metadata.EventShutdown, Success: true, Timestamp: time.Now()})
			return nil
		case <-statusTicker:
			s.emitStatus(local)
		case <-ticker.C:
			if s.Signals.ShutdownRequested() {
				_ = s.Store.AppendEvent(metadata.Event{NodeID: local.NodeID, Kind: metadata.EventShutdown, Success: true, Timestamp: time.Now()})
				return nil
			}
			if s.Signals.TakeReload() {
				_ = s.Store.AppendEvent(metadata.Event{NodeID: local.NodeID, Kind: metadata.EventReload, Success: true, Timestamp: time.Now()})
			}

			upstream, err := s.Store.GetNode(*local.UpstreamID)
			if err != nil || upstream == nil {
				continue
			}

			reachable := pingNode(upstream.ConnInfo, s.Prober, s.Config.ConnectionCheckType)
			if reachable {
				if !upstreamUp {
					upstreamUp = true
					_ = s.Store.AppendEvent(metadata.Event{NodeID: local.NodeID, Kind: metadata.EventUpstreamReconnect, Success: true, Timestamp: time.Now()})
				}
				s.recordMonitoringHistory(local, upstream)
				_ = s.Store.SetActive(local.NodeID, true)
				continue
			}

			if upstreamUp {
				upstreamUp = false
				_ = s.Store.AppendEvent(metadata.Event{NodeID: local.NodeID, Kind: metadata.EventUpstreamDisconnect, Success: false, Timestamp: time.Now()})
			}

			reconnected, notification := reconnectWithBackoff(s.Store, local.NodeID, upstream.ConnInfo, s.Prober, s.Config.ConnectionCheckType, s.Config.ReconnectAttempts, func() { s.Sleep(s.Config.ReconnectInterval) })
			if reconnected {
				_ = s.Store.AppendEvent(metadata.Event{NodeID: local.NodeID, Kind: metadata.EventStandbyReconnect, Success: true, Timestamp: time.Now()})
				continue
			}

			if s.Pause != nil && s.Pause.IsPaused() {
				continue // degraded, pause guard: never invoke the failover driver
			}

			_ = s.Store.AppendEvent(metadata.Event{NodeID: local.NodeID, Kind: metadata.EventStandbyFailure, Success: false, Timestamp: time.Now()})

			if !notification.None {
				// A new primary was already elected while we were still
				// backing off on the old one: act on it directly instead
				// of exhausting the rest of the reconnect window or
				// running a redundant election of our own.
				result, err := s.Driver.HandleNotification(local, notification, upstream)
				if err == nil {
					s.applyElectionResult(local, result)
				}
				continue
			}

			if upstream.Role == metadata.RolePrimary {
				s.runElectionFailover(ctx, local, upstream)
			} else {
				s.runCascadedFailover(local, upstream)
			}
		}
	}
}

func (s *StandbyLoop) runElectionFailover(ctx context.Context, local *metadata.NodeRecord, formerPrimary *metadata.NodeRecord) {
	s.fenceBeforeElection(local, formerPrimary)

	var lsn replprobe.LSN
	if s.LocalLSN != nil {
		if v, err := s.LocalLSN(ctx); err == nil {
			lsn = v
		}
	}
	result, err := s.Driver.Run(local, formerPrimary, lsn)
	if err != nil {
		return
	}
	s.applyElectionResult(local, result)
}

// applyElectionResult folds a failover.Result into the standby's local
// view of its own role and upstream, regardless of whether that result
// came from a fresh election or from an early-observed notification.
func (s *StandbyLoop) applyElectionResult(local *metadata.NodeRecord, result failover.Result) {
	switch result.Kind {
	case failover.Promoted:
		local.Role = metadata.RolePrimary
		local.UpstreamID = nil
	case failover.FollowedNewPrimary, failover.FollowingOriginalPrimary:
		if n, err := s.Store.GetNode(local.NodeID); err == nil && n != nil {
			local.UpstreamID = n.UpstreamID
		}
		_ = s.Store.AppendEvent(metadata.Event{NodeID: local.NodeID, Kind: metadata.EventStandbyRecovery, Success: true, Timestamp: time.Now()})
	}
}

// fenceBeforeElection implements standby_disconnect_on_failover: before
// running an election against a dead primary, disable the local WAL
// receiver so this node stops trying to stream from it, then wait up
// to sibling_nodes_disconnect_timeout for every active sibling to
// report its own WAL receiver gone too. A sibling that never clears
// its WAL receiver within the bound is not waited on further; the
// election proceeds regardless; it exists to cut down split-brain
// promotion races, not to guarantee they can't happen.
func (s *StandbyLoop) fenceBeforeElection(local *metadata.NodeRecord, formerPrimary *metadata.NodeRecord) {
	if !s.Config.StandbyDisconnectOnFailover {
		return
	}
	s.disconnectLocalWALReceiver(local)

	if formerPrimary == nil {
		return
	}
	siblings, err := s.Store.ActiveSiblings(formerPrimary.NodeID, local.NodeID)
	if err != nil {
		return
	}
	deadline := time.Now().Add(s.Config.SiblingNodesDisconnectTimeout)
	for _, sib := range siblings {
		for {
			pid, ok := s.siblingWALReceiverPID(sib)
			if !ok || pid == 0 {
				break
			}
			if !time.Now().Before(deadline) {
				break
			}
			s.Sleep(time.Second)
		}
	}
}

func (s *StandbyLoop) disconnectLocalWALReceiver(local *metadata.NodeRecord) {
	db, err := dbOpen(local.ConnInfo)
	if err != nil {
		return
	}
	defer db.Close()
	pid, err := s.Prober.WALReceiverPID(db)
	if err != nil || pid == 0 {
		return
	}
	_, _ = db.Exec(`SELECT pg_terminate_backend($1)`, pid)
}

func (s *StandbyLoop) siblingWALReceiverPID(sib *metadata.NodeRecord) (int, bool) {
	db, err := dbOpen(sib.ConnInfo)
	if err != nil {
		return 0, false
	}
	defer db.Close()
	pid, err := s.Prober.WALReceiverPID(db)
	if err != nil {
		return 0, false
	}
	return pid, true
}

// startStatusTicker returns a channel that fires every
// Config.LogStatusInterval, or a nil channel (never fires) when
// status logging is disabled.
func (s *StandbyLoop) startStatusTicker() (<-chan time.Time, func()) {
	if s.StatusLog == nil || s.Config.LogStatusInterval <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(s.Config.LogStatusInterval)
	return t.C, t.Stop
}

func (s *StandbyLoop) emitStatus(local *metadata.NodeRecord) {
	if s.StatusLog == nil {
		return
	}
	upstream := 0
	if local.UpstreamID != nil {
		upstream = *local.UpstreamID
	}
	paused := s.Pause != nil && s.Pause.IsPaused()
	_ = s.StatusLog.EmitStatus(eventlog.Status{NodeID: local.NodeID, Role: string(local.Role), Upstream: upstream, Paused: paused})
}

func (s *StandbyLoop) runCascadedFailover(local *metadata.NodeRecord, formerUpstream *metadata.NodeRecord) {
	primary, err := s.Store.GetPrimary()
	if err != nil || primary == nil {
		return
	}
	result, err := s.Driver.RunCascadedStandby(local, primary)
	if err != nil {
		return
	}
	if result.Kind == failover.FollowedNewPrimary {
		local.UpstreamID = &primary.NodeID
		_ = s.Store.AppendEvent(metadata.Event{NodeID: local.NodeID, Kind: metadata.EventStandbyRecovery, Success: true, Timestamp: time.Now()})
	}
}

func (s *StandbyLoop) recordMonitoringHistory(local, upstream *metadata.NodeRecord) {
	if !s.Config.MonitoringHistory {
		return
	}
	_ = s.Store.RecordMonitoringHistory(metadata.MonitoringHistoryRow{
		StandbyNodeID:   local.NodeID,
		PrimaryNodeID:   upstream.NodeID,
		LastMonitorTime: time.Now(),
	})
}
