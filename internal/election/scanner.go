package election

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"repmgrd/internal/metadata"
	"repmgrd/internal/replprobe"
)

// SiblingView is what the election engine records about one reachable
// sibling during the scan.
type SiblingView struct {
	NodeID                  int
	Visible                 bool
	Priority                int
	Location                string
	LastWALReceiveLSN       replprobe.LSN
	ObservedUpstream        int
	UpstreamLastSeenSeconds float64
	InRecovery              bool
	DaemonPIDPresent        bool
	IsWitness               bool
	ReplicationPaused       bool
}

// Scanner is how the election engine inspects a sibling. The
// production implementation opens a short-lived connection per call
// opening a short-lived connection per call; tests use a fixed
// map of fixtures instead.
type Scanner interface {
	Scan(node *metadata.NodeRecord) (SiblingView, error)
	CanFollow(localLSN replprobe.LSN, local, target *metadata.NodeRecord) (bool, error)
}

// PostgresScanner is the production Scanner, grounded on the same
// short-lived-connection contract above and on
// internal/replprobe for the actual queries.
type PostgresScanner struct {
	Store   metadata.Store
	Prober  replprobe.Prober
	Timeout time.Duration
}

func NewPostgresScanner(store metadata.Store) *PostgresScanner {
	return &PostgresScanner{Store: store, Prober: replprobe.Postgres{}, Timeout: 5 * time.Second}
}

func (s *PostgresScanner) Scan(node *metadata.NodeRecord) (SiblingView, error) {
	view := SiblingView{NodeID: node.NodeID, Priority: node.Priority, Location: node.Location, IsWitness: node.Role == metadata.RoleWitness}

	pid, observedUpstream, lastSeen, err := s.Store.ReadPresence(node.NodeID)
	if err != nil {
		return view, fmt.Errorf("scan %d: read presence: %w", node.NodeID, err)
	}
	// Siblings with no live daemon PID are skipped; they
	// cannot vote or be notified.
	if pid == 0 {
		view.DaemonPIDPresent = false
		return view, nil
	}
	view.DaemonPIDPresent = true
	view.ObservedUpstream = observedUpstream
	if !lastSeen.IsZero() {
		view.UpstreamLastSeenSeconds = time.Since(lastSeen).Seconds()
	}

	db, err := sql.Open("postgres", node.ConnInfo)
	if err != nil {
		return view, nil // unreachable, Visible stays false
	}
	defer db.Close()
	db.SetConnMaxLifetime(s.Timeout)

	info, err := s.Prober.ReplicationInfo(db, string(node.Role))
	if err != nil {
		return view, nil // unreachable, not a hard error; caller treats Visible=false as "skip"
	}

	view.Visible = true
	view.LastWALReceiveLSN = info.LastWALReceiveLSN
	view.InRecovery = info.InRecovery
	view.ReplicationPaused = info.WALReplayPaused
	return view, nil
}

func (s *PostgresScanner) CanFollow(localLSN replprobe.LSN, local, target *metadata.NodeRecord) (bool, error) {
	localConn, err := sql.Open("postgres", local.ConnInfo)
	if err != nil {
		return false, err
	}
	defer localConn.Close()
	targetConn, err := sql.Open("postgres", target.ConnInfo)
	if err != nil {
		return false, err
	}
	defer targetConn.Close()

	targetCurrent, err := s.Prober.PrimaryCurrentLSN(targetConn)
	if err != nil {
		return false, err
	}
	return replprobe.CheckNodeCanFollow(s.Prober, localConn, localLSN, targetConn, targetCurrent)
}

var _ Scanner = (*PostgresScanner)(nil)
