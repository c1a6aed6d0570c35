// Package election is component C4: the cluster-wide election that
// picks exactly one surviving standby to promote, guarded against
// split-brain and minority partitions. Grounded on
// a SQL-backed elector's probe-then-guard-chain shape, generalized
// from gRPC health checks to LSN/priority/node-id candidate selection;
// siblings are probed one at a time.
package election

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"repmgrd/internal/cmdutil"
	"repmgrd/internal/metadata"
	"repmgrd/internal/replprobe"
)

// Kind tags the election's outcome (REDESIGN FLAGS §9 "tagged
// variants"), each carrying only the data relevant to that outcome.
type Kind string

const (
	Won          Kind = "WON"
	Lost         Kind = "LOST"
	Cancelled    Kind = "CANCELLED"
	Rerun        Kind = "RERUN"
	NotCandidate Kind = "NOT_CANDIDATE"
)

// Outcome is the engine's tagged result.
type Outcome struct {
	Kind         Kind
	NewPrimaryID int           // valid when Kind == Lost, or Cancelled by an already-promoted sibling
	Reason       string        // valid when Kind == Cancelled
	After        time.Duration // valid when Kind == Rerun
	CorrelationID string       // per-invocation id; carried only here, not written to the voting row or the event log
}

// Config is the subset of the daemon's options the election engine
// consults.
type Config struct {
	FailoverMode               string // "automatic" | "manual"
	MonitorIntervalSecs         time.Duration
	ElectionRerunInterval        time.Duration
	PrimaryVisibilityConsensus   bool
	FailoverValidationCommand    string
}

// Engine is the C4 election engine.
type Engine struct {
	Store   metadata.Store
	Scanner Scanner
	Config  Config
}

func New(store metadata.Store, scanner Scanner, cfg Config) *Engine {
	return &Engine{Store: store, Scanner: scanner, Config: cfg}
}

// Run executes one election attempt for local, given the last-known
// primary record (used for the location/visibility guards even though
// the primary itself is presumed down) and local's own current LSN.
func (e *Engine) Run(local *metadata.NodeRecord, primary *metadata.NodeRecord, localLSN replprobe.LSN) (Outcome, error) {
	correlationID := uuid.New().String()

	if e.Config.FailoverMode == "manual" {
		return Outcome{Kind: NotCandidate, CorrelationID: correlationID}, nil
	}
	if local.Priority == 0 {
		return Outcome{Kind: Lost, CorrelationID: correlationID}, nil
	}

	term, err := e.Store.ReadTerm(local.NodeID)
	if err != nil {
		return Outcome{}, fmt.Errorf("election: read term: %w", err)
	}
	initiated, err := e.Store.MarkVoteInitiated(local.NodeID, term)
	if err != nil {
		return Outcome{}, fmt.Errorf("election: mark vote initiated: %w", err)
	}
	if !initiated {
		return Outcome{Kind: Cancelled, Reason: "vote already initiated in current term", CorrelationID: correlationID}, nil
	}

	upstreamID := local.NodeID
	if local.UpstreamID != nil {
		upstreamID = *local.UpstreamID
	}
	siblings, err := e.Store.ActiveSiblings(upstreamID, local.NodeID)
	if err != nil {
		return Outcome{}, fmt.Errorf("election: active siblings: %w", err)
	}

	type scanned struct {
		node *metadata.NodeRecord
		view SiblingView
	}
	var scans []scanned
	for _, s := range siblings {
		v, err := e.Scanner.Scan(s)
		if err != nil {
			return Outcome{}, fmt.Errorf("election: scan %d: %w", s.NodeID, err)
		}
		if !v.DaemonPIDPresent {
			// No live daemon means this sibling cannot vote or be notified, skip.
			continue
		}
		scans = append(scans, scanned{node: s, view: v})
	}

	sharedUpstreamNodes := len(siblings) + 1 // + self
	visibleNodes := 1                        // self is always visible to itself
	for _, s := range scans {
		if s.view.Visible {
			visibleNodes++
		}
	}

	// Guard 1: primary-location presence (split guard).
	reachableInPrimaryLocation := local.Location == primary.Location
	if !reachableInPrimaryLocation {
		for _, s := range scans {
			if s.view.Visible && s.view.Location == primary.Location {
				reachableInPrimaryLocation = true
				break
			}
		}
	}
	if !reachableInPrimaryLocation {
		return Outcome{Kind: Cancelled, Reason: "no reachable node in primary's location", CorrelationID: correlationID}, nil
	}

	// Guard 2: primary still visible somewhere.
	if e.Config.PrimaryVisibilityConsensus {
		threshold := 2 * e.Config.MonitorIntervalSecs.Seconds()
		for _, s := range scans {
			if s.view.Visible && s.view.ObservedUpstream == primary.NodeID &&
				s.view.UpstreamLastSeenSeconds > 0 && s.view.UpstreamLastSeenSeconds < threshold {
				return Outcome{Kind: Cancelled, Reason: "a sibling still sees the primary", CorrelationID: correlationID}, nil
			}
		}
	}

	// Guard 3: quorum.
	if visibleNodes <= sharedUpstreamNodes/2 {
		return Outcome{Kind: Cancelled, Reason: "no qualified majority", CorrelationID: correlationID}, nil
	}

	// Guard 4: rogue / already-promoted sibling.
	for _, s := range scans {
		if !s.view.Visible || s.view.InRecovery || s.view.IsWitness {
			continue
		}
		ok, err := e.Scanner.CanFollow(localLSN, local, s.node)
		if err != nil {
			continue // log-and-ignore: an unreachable sibling just can't confirm
		}
		if ok {
			return Outcome{Kind: Cancelled, NewPrimaryID: s.node.NodeID, Reason: "sibling already promoted", CorrelationID: correlationID}, nil
		}
	}

	// Candidate selection among eligible siblings (priority > 0,
	// reachable, not the witness) plus self.
	var eligible []scanned
	for _, s := range scans {
		if s.view.Visible && !s.view.IsWitness && s.view.Priority > 0 {
			eligible = append(eligible, s)
		}
	}

	if len(eligible) == 0 {
		if local.Location == primary.Location {
			return e.finishAsWinner(local, correlationID)
		}
		return Outcome{Kind: NotCandidate, CorrelationID: correlationID}, nil
	}

	winnerID := local.NodeID
	winnerLSN := localLSN
	winnerPriority := local.Priority
	for _, s := range eligible {
		switch {
		case s.view.LastWALReceiveLSN > winnerLSN:
			winnerID, winnerLSN, winnerPriority = s.node.NodeID, s.view.LastWALReceiveLSN, s.view.Priority
		case s.view.LastWALReceiveLSN == winnerLSN && s.view.Priority > winnerPriority:
			winnerID, winnerLSN, winnerPriority = s.node.NodeID, s.view.LastWALReceiveLSN, s.view.Priority
		case s.view.LastWALReceiveLSN == winnerLSN && s.view.Priority == winnerPriority && s.node.NodeID < winnerID:
			winnerID, winnerLSN, winnerPriority = s.node.NodeID, s.view.LastWALReceiveLSN, s.view.Priority
		}
	}

	if winnerID != local.NodeID {
		return Outcome{Kind: Lost, NewPrimaryID: winnerID, CorrelationID: correlationID}, nil
	}
	return e.finishAsWinner(local, correlationID)
}

// finishAsWinner runs the validation hook (if configured) before
// committing to WON.
func (e *Engine) finishAsWinner(local *metadata.NodeRecord, correlationID string) (Outcome, error) {
	if e.Config.FailoverValidationCommand == "" {
		return Outcome{Kind: Won, CorrelationID: correlationID}, nil
	}

	upstream := 0
	if local.UpstreamID != nil {
		upstream = *local.UpstreamID
	}
	cmd := cmdutil.Placeholders(e.Config.FailoverValidationCommand, map[byte]string{
		'n': fmt.Sprintf("%d", local.NodeID),
		'a': local.ConnInfo,
		'v': "1",
		'u': fmt.Sprintf("%d", upstream),
		't': fmt.Sprintf("%d", time.Now().Unix()),
	})
	res, err := cmdutil.Run(context.Background(), cmdutil.TimeoutValidate, cmd)
	if err != nil || res.ExitCode != 0 {
		return Outcome{Kind: Rerun, After: e.Config.ElectionRerunInterval, CorrelationID: correlationID}, nil
	}
	return Outcome{Kind: Won, CorrelationID: correlationID}, nil
}
