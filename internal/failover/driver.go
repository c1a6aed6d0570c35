// Package failover is component C5: the failover driver, a small state
// machine that turns an election outcome into a promotion, a follow, or
// a graceful abort. Built on the same role-mutation shape as a
// cluster manager's SetPeerRole/HandleHeartbeat methods, generalized
// here from "mutate one field" into "drive a multi-step transition"
// that shells out through internal/cmdutil for promote_command and
// follow_command.
package failover

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"repmgrd/internal/cmdutil"
	"repmgrd/internal/election"
	"repmgrd/internal/metadata"
	"repmgrd/internal/replprobe"
)

// Kind tags the driver's terminal or intermediate result as a tagged
// variant carrying only the data relevant to that outcome.
type Kind string

const (
	FollowingOriginalPrimary Kind = "FOLLOWING_ORIGINAL_PRIMARY"
	Promoted                Kind = "PROMOTED"
	PromotionFailed         Kind = "PROMOTION_FAILED"
	PrimaryReappeared       Kind = "PRIMARY_REAPPEARED"
	LocalNodeFailure        Kind = "LOCAL_NODE_FAILURE"
	FollowedNewPrimary      Kind = "FOLLOWED_NEW_PRIMARY"
	FollowFail              Kind = "FOLLOW_FAIL"
	RequiresManualFailover  Kind = "REQUIRES_MANUAL_FAILOVER"
	NoNewPrimary            Kind = "NO_NEW_PRIMARY" // degraded
	ElectionRerun           Kind = "ELECTION_RERUN"
)

// Result is the driver's tagged outcome.
type Result struct {
	Kind   Kind
	Reason string
	After  time.Duration // valid when Kind == ElectionRerun
}

// Config is the subset of the daemon's configured options the
// failover driver consults.
type Config struct {
	FailoverMode                  string // "automatic" | "manual"
	PromoteCommand                string
	FollowCommand                 string
	AlwaysPromote                 bool
	PromoteDelay                  time.Duration
	PrimaryNotificationTimeout    time.Duration
	RepmgrdStandbyStartupTimeout  time.Duration
	SiblingNodesDisconnectTimeout time.Duration
	PollInterval                  time.Duration
}

// Driver is the C5 failover driver.
type Driver struct {
	Store   metadata.Store
	Elector *election.Engine
	Prober  replprobe.Prober
	Config  Config

	// Sleep is overridden in tests so promote_delay/poll waits don't
	// actually block; promote_delay exists mainly as a testing hook.
	Sleep func(time.Duration)
}

func New(store metadata.Store, elector *election.Engine, prober replprobe.Prober, cfg Config) *Driver {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	return &Driver{Store: store, Elector: elector, Prober: prober, Config: cfg, Sleep: time.Sleep}
}

// Run drives one full UNKNOWN → terminal transition.
func (d *Driver) Run(local *metadata.NodeRecord, formerPrimary *metadata.NodeRecord, localLSN replprobe.LSN) (Result, error) {
	outcome, err := d.Elector.Run(local, formerPrimary, localLSN)
	if err != nil {
		return Result{}, fmt.Errorf("failover: election: %w", err)
	}

	switch outcome.Kind {
	case election.Won:
		return d.promoteSelf(local, formerPrimary)
	case election.Rerun:
		d.emit(local.NodeID, metadata.EventKind(""), true, "") // no event for a bare rerun tick
		return Result{Kind: ElectionRerun, After: outcome.After}, nil
	default:
		// Lost, Cancelled, and NotCandidate all converge on waiting for
		// the shared "new primary" notification: the local guess about
		// who won (if any) is never acted on directly.
		return d.waitForNewPrimary(local, formerPrimary)
	}
}

func (d *Driver) waitForNewPrimary(local *metadata.NodeRecord, formerPrimary *metadata.NodeRecord) (Result, error) {
	deadline := time.Now().Add(d.Config.PrimaryNotificationTimeout)
	for {
		n, err := d.Store.ReadNotification(local.NodeID)
		if err != nil {
			return Result{}, fmt.Errorf("failover: read notification: %w", err)
		}
		if !n.None {
			return d.HandleNotification(local, n, formerPrimary)
		}
		if !time.Now().Before(deadline) {
			return Result{Kind: NoNewPrimary, Reason: "primary_notification_timeout elapsed"}, nil
		}
		d.Sleep(d.Config.PollInterval)
	}
}

// HandleNotification interprets an already-observed "new primary"
// notification and drives the matching terminal action. Shared by
// waitForNewPrimary's poll loop and by callers that discover a
// notification early (e.g. mid reconnect-backoff) and want to act on
// it immediately instead of running a fresh election.
func (d *Driver) HandleNotification(local *metadata.NodeRecord, n metadata.NewPrimaryNotification, formerPrimary *metadata.NodeRecord) (Result, error) {
	switch {
	case n.None:
		return Result{Kind: NoNewPrimary, Reason: "no notification pending"}, nil
	case n.Rerun:
		return Result{Kind: ElectionRerun}, nil
	case formerPrimary != nil && n.NodeID == formerPrimary.NodeID:
		return Result{Kind: FollowingOriginalPrimary}, nil
	case n.NodeID == local.NodeID:
		return d.promoteSelf(local, formerPrimary)
	case d.Config.FailoverMode == "manual":
		return Result{Kind: RequiresManualFailover}, nil
	default:
		return d.followNewPrimary(local, n.NodeID, formerPrimary)
	}
}

// promoteSelf runs the promote_command and, on success, marks the
// local node primary for the new term.
func (d *Driver) promoteSelf(local *metadata.NodeRecord, formerPrimary *metadata.NodeRecord) (Result, error) {
	if local.UpstreamID == nil && !d.Config.AlwaysPromote {
		return Result{Kind: PromotionFailed, Reason: "no upstream recorded and always_promote is false"}, nil
	}
	if d.Config.PromoteDelay > 0 {
		d.Sleep(d.Config.PromoteDelay)
	}

	cmd := cmdutil.Placeholders(d.Config.PromoteCommand, map[byte]string{'n': fmt.Sprintf("%d", local.NodeID)})
	res, err := cmdutil.Run(context.Background(), cmdutil.TimeoutCommand, cmd)
	if err != nil || res.ExitCode != 0 {
		if d.formerPrimaryStillUp(formerPrimary) {
			d.emit(local.NodeID, metadata.EventFailoverAbort, true, "promote_command failed, former primary still reachable")
			return Result{Kind: PrimaryReappeared}, nil
		}
		d.emit(local.NodeID, metadata.EventPromoteError, false, res.Output)
		return Result{Kind: PromotionFailed, Reason: "promote_command exited non-zero"}, nil
	}

	if !d.selfReachable(local) {
		return Result{Kind: LocalNodeFailure, Reason: "cannot reconnect to self after promote_command"}, nil
	}

	term, err := d.Store.IncrementTerm(local.NodeID)
	if err != nil {
		return Result{}, fmt.Errorf("failover: increment term: %w", err)
	}
	if err := d.Store.MarkPrimary(local.NodeID); err != nil {
		return Result{}, fmt.Errorf("failover: mark primary: %w", err)
	}
	d.emit(local.NodeID, metadata.EventFailoverPromote, true, fmt.Sprintf("term=%d", term))

	d.notifyFollowers(local)
	return Result{Kind: Promoted}, nil
}

// followNewPrimary runs the follow_command against the winning node
// and records it as the new upstream once the local node comes back.
func (d *Driver) followNewPrimary(local *metadata.NodeRecord, newPrimaryID int, formerPrimary *metadata.NodeRecord) (Result, error) {
	target, err := d.Store.GetNode(newPrimaryID)
	if err != nil {
		return Result{}, fmt.Errorf("failover: get node %d: %w", newPrimaryID, err)
	}
	if target == nil || !d.isPrimary(target) {
		return Result{Kind: FollowFail, Reason: "target is not reporting as primary"}, nil
	}

	cmd := cmdutil.Placeholders(d.Config.FollowCommand, map[byte]string{'n': fmt.Sprintf("%d", newPrimaryID)})
	res, err := cmdutil.Run(context.Background(), cmdutil.TimeoutCommand, cmd)
	if err != nil || res.ExitCode != 0 {
		if d.formerPrimaryStillUp(formerPrimary) {
			return Result{Kind: PrimaryReappeared}, nil
		}
		return Result{Kind: FollowFail, Reason: "follow_command exited non-zero"}, nil
	}

	if !d.pollLocalBack(local) {
		return Result{Kind: FollowFail, Reason: "local connection did not come back within repmgrd_standby_startup_timeout"}, nil
	}

	if err := d.Store.SetUpstream(local.NodeID, newPrimaryID); err != nil {
		return Result{}, fmt.Errorf("failover: set upstream (fatal): %w", err)
	}
	d.emit(local.NodeID, metadata.EventFailoverFollow, true, fmt.Sprintf("new_primary=%d", newPrimaryID))
	return Result{Kind: FollowedNewPrimary}, nil
}

// RunCascadedStandby implements the upstream-standby failover path
// a standby whose upstream
// is itself a standby (not the primary) that just vanished re-attaches
// directly to the cluster primary instead of running an election.
func (d *Driver) RunCascadedStandby(local *metadata.NodeRecord, primary *metadata.NodeRecord) (Result, error) {
	if !d.isPrimary(primary) {
		return Result{Kind: FollowFail, Reason: "primary is unreachable or not reporting as primary"}, nil
	}
	cmd := cmdutil.Placeholders(d.Config.FollowCommand, map[byte]string{'n': fmt.Sprintf("%d", primary.NodeID)})
	res, err := cmdutil.Run(context.Background(), cmdutil.TimeoutCommand, cmd)
	if err != nil || res.ExitCode != 0 {
		return Result{Kind: FollowFail, Reason: "follow_command exited non-zero"}, nil
	}
	if err := d.Store.SetUpstream(local.NodeID, primary.NodeID); err != nil {
		return Result{}, fmt.Errorf("failover: set upstream (fatal): %w", err)
	}
	d.emit(local.NodeID, metadata.EventFailoverFollow, true, fmt.Sprintf("cascaded, new_upstream=%d", primary.NodeID))
	return Result{Kind: FollowedNewPrimary}, nil
}

// notifyFollowers publishes a new-primary notification to siblings on
// a best-effort basis; individual failures are logged but never change
// the driver's state.
func (d *Driver) notifyFollowers(winner *metadata.NodeRecord) {
	upstreamID := winner.NodeID
	if winner.UpstreamID != nil {
		upstreamID = *winner.UpstreamID
	}
	siblings, err := d.Store.ActiveSiblings(upstreamID, winner.NodeID)
	if err != nil {
		return
	}
	for _, s := range siblings {
		_ = d.Store.PublishNotification(s.NodeID, metadata.NewPrimaryNotification{NodeID: winner.NodeID})
	}
}

func (d *Driver) emit(nodeID int, kind metadata.EventKind, success bool, details string) {
	if kind == "" {
		return
	}
	_ = d.Store.AppendEvent(metadata.Event{NodeID: nodeID, Kind: kind, Success: success, Timestamp: time.Now(), Details: details})
}

func (d *Driver) formerPrimaryStillUp(formerPrimary *metadata.NodeRecord) bool {
	return formerPrimary != nil && d.isPrimary(formerPrimary)
}

func (d *Driver) isPrimary(node *metadata.NodeRecord) bool {
	if node == nil || node.ConnInfo == "" {
		return false
	}
	db, err := sql.Open("postgres", node.ConnInfo)
	if err != nil {
		return false
	}
	defer db.Close()
	rt, err := d.Prober.RecoveryType(db)
	return err == nil && rt == replprobe.RecoveryPrimary
}

func (d *Driver) selfReachable(local *metadata.NodeRecord) bool {
	if local.ConnInfo == "" {
		return false
	}
	db, err := sql.Open("postgres", local.ConnInfo)
	if err != nil {
		return false
	}
	defer db.Close()
	_, err = d.Prober.RecoveryType(db)
	return err == nil
}

func (d *Driver) pollLocalBack(local *metadata.NodeRecord) bool {
	deadline := time.Now().Add(d.Config.RepmgrdStandbyStartupTimeout)
	for {
		if d.selfReachable(local) {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		d.Sleep(d.Config.PollInterval)
	}
}
