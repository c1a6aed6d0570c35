package metadata

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
)

// Gateway is the typed C2 metadata gateway. It wraps a *sql.DB pointed
// at the current primary (the only writer for node records, voting
// rows and the event log), but every statement here targets Postgres
// and is written with $N placeholders.
type Gateway struct {
	db *sql.DB
}

// Open connects to conninfo (a libpq connection string) using lib/pq
// and ensures the repmgrd schema exists.
func Open(conninfo string) (*Gateway, error) {
	db, err := sql.Open("postgres", conninfo)
	if err != nil {
		return nil, fmt.Errorf("open metadata db: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	g := &Gateway{db: db}
	if err := g.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return g, nil
}

// FromDB wraps an already-open handle (used by the supervisor when it
// reconnects the primary handle in place, and by tests).
func FromDB(db *sql.DB) *Gateway { return &Gateway{db: db} }

func (g *Gateway) Close() error { return g.db.Close() }

func (g *Gateway) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS repmgr_nodes (
			node_id        INTEGER PRIMARY KEY,
			name           TEXT NOT NULL,
			role           TEXT NOT NULL,
			upstream_node_id INTEGER,
			conninfo       TEXT NOT NULL,
			repl_user      TEXT NOT NULL DEFAULT '',
			priority       INTEGER NOT NULL DEFAULT 100,
			location       TEXT NOT NULL DEFAULT 'default',
			active         BOOLEAN NOT NULL DEFAULT true
		)`,
		`CREATE TABLE IF NOT EXISTS repmgr_voting (
			node_id                INTEGER PRIMARY KEY,
			current_term           BIGINT NOT NULL DEFAULT 0,
			vote_initiated_in_term BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS repmgr_events (
			id         BIGSERIAL PRIMARY KEY,
			node_id    INTEGER NOT NULL,
			kind       TEXT NOT NULL,
			success    BOOLEAN NOT NULL,
			ts         TIMESTAMPTZ NOT NULL DEFAULT now(),
			details    TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS repmgr_node_state (
			node_id                INTEGER PRIMARY KEY,
			pid                    INTEGER NOT NULL DEFAULT 0,
			last_observed_upstream INTEGER NOT NULL DEFAULT 0,
			upstream_last_seen     TIMESTAMPTZ,
			new_primary_notify     TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS repmgr_child_nodes (
			primary_node_id INTEGER NOT NULL,
			node_id         INTEGER NOT NULL,
			role            TEXT NOT NULL,
			attached        TEXT NOT NULL DEFAULT 'unknown',
			detached_at     TIMESTAMPTZ,
			PRIMARY KEY (primary_node_id, node_id)
		)`,
		`CREATE TABLE IF NOT EXISTS repmgr_monitoring_history (
			standby_node_id  INTEGER NOT NULL,
			primary_node_id  INTEGER NOT NULL,
			last_monitor_time TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_wal_receive_lsn TEXT NOT NULL DEFAULT '0/0',
			replication_lag_bytes BIGINT NOT NULL DEFAULT 0
		)`,
	}
	for _, s := range stmts {
		if _, err := g.db.Exec(s); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// GetNode fetches one node record by id.
func (g *Gateway) GetNode(nodeID int) (*NodeRecord, error) {
	row := g.db.QueryRow(`
		SELECT node_id, name, role, upstream_node_id, conninfo, repl_user, priority, location, active
		FROM repmgr_nodes WHERE node_id = $1`, nodeID)
	return scanNode(row)
}

// GetPrimary fetches the current primary's node record.
func (g *Gateway) GetPrimary() (*NodeRecord, error) {
	row := g.db.QueryRow(`
		SELECT node_id, name, role, upstream_node_id, conninfo, repl_user, priority, location, active
		FROM repmgr_nodes WHERE role = 'primary' AND active = true LIMIT 1`)
	return scanNode(row)
}

// ActiveSiblings lists active nodes sharing upstreamID, excluding
// excludeNodeID (normally the caller's own node_id).
func (g *Gateway) ActiveSiblings(upstreamID, excludeNodeID int) ([]*NodeRecord, error) {
	rows, err := g.db.Query(`
		SELECT node_id, name, role, upstream_node_id, conninfo, repl_user, priority, location, active
		FROM repmgr_nodes
		WHERE upstream_node_id = $1 AND node_id != $2 AND active = true`, upstreamID, excludeNodeID)
	if err != nil {
		return nil, fmt.Errorf("active siblings: %w", err)
	}
	defer rows.Close()
	var out []*NodeRecord
	for rows.Next() {
		n, err := scanNodeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ChildNodes lists the tracked children of primaryID.
func (g *Gateway) ChildNodes(primaryID int) ([]*ChildNode, error) {
	rows, err := g.db.Query(`
		SELECT node_id, role, attached, detached_at FROM repmgr_child_nodes WHERE primary_node_id = $1`, primaryID)
	if err != nil {
		return nil, fmt.Errorf("child nodes: %w", err)
	}
	defer rows.Close()
	var out []*ChildNode
	for rows.Next() {
		c := &ChildNode{}
		var detached sql.NullTime
		if err := rows.Scan(&c.NodeID, &c.Role, &c.Attached, &detached); err != nil {
			return nil, err
		}
		if detached.Valid {
			c.DetachedAt = &detached.Time
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertChildNode records the observed state of one child, used by the
// primary's tracker diff.
func (g *Gateway) UpsertChildNode(primaryID int, c *ChildNode) error {
	_, err := g.db.Exec(`
		INSERT INTO repmgr_child_nodes (primary_node_id, node_id, role, attached, detached_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (primary_node_id, node_id) DO UPDATE SET
			role = excluded.role, attached = excluded.attached, detached_at = excluded.detached_at
	`, primaryID, c.NodeID, c.Role, c.Attached, c.DetachedAt)
	return nonFatal(err, "upsert child node")
}

// RemoveChildNode drops a child that no longer appears in the
// database's replica-status view.
func (g *Gateway) RemoveChildNode(primaryID, nodeID int) error {
	_, err := g.db.Exec(`DELETE FROM repmgr_child_nodes WHERE primary_node_id = $1 AND node_id = $2`, primaryID, nodeID)
	return nonFatal(err, "remove child node")
}

// SetActive sets/unsets a node's active flag.
func (g *Gateway) SetActive(nodeID int, active bool) error {
	_, err := g.db.Exec(`UPDATE repmgr_nodes SET active = $1 WHERE node_id = $2`, active, nodeID)
	return nonFatal(err, "set active")
}

// SetUpstream updates a node's upstream_node_id. A
// failure here after a successful follow is fatal: callers performing
// that specific write should check the error and treat it as fatal
// themselves; this method itself always returns the raw error so the
// caller can decide.
func (g *Gateway) SetUpstream(nodeID int, upstreamID int) error {
	_, err := g.db.Exec(`UPDATE repmgr_nodes SET upstream_node_id = $1 WHERE node_id = $2`, upstreamID, nodeID)
	if err != nil {
		return fmt.Errorf("set upstream (fatal): %w", err)
	}
	return nil
}

// MarkPrimary flips a node's role to PRIMARY (used after a successful
// promotion).
func (g *Gateway) MarkPrimary(nodeID int) error {
	_, err := g.db.Exec(`UPDATE repmgr_nodes SET role = 'primary', upstream_node_id = NULL WHERE node_id = $1`, nodeID)
	return nonFatal(err, "mark primary")
}

// ── Voting row ───────────────────────────────────────────────────────

// ReadTerm returns the node's current electoral term.
func (g *Gateway) ReadTerm(nodeID int) (int64, error) {
	var term int64
	err := g.db.QueryRow(`
		INSERT INTO repmgr_voting (node_id, current_term) VALUES ($1, 0)
		ON CONFLICT (node_id) DO UPDATE SET node_id = excluded.node_id
		RETURNING current_term`, nodeID).Scan(&term)
	if err != nil {
		return 0, fmt.Errorf("read term: %w", err)
	}
	return term, nil
}

// IncrementTerm bumps current_term and returns the new value. Called
// once, by the node that just promoted.
func (g *Gateway) IncrementTerm(nodeID int) (int64, error) {
	var term int64
	err := g.db.QueryRow(`
		UPDATE repmgr_voting SET current_term = current_term + 1, vote_initiated_in_term = NULL
		WHERE node_id = $1 RETURNING current_term`, nodeID).Scan(&term)
	if err != nil {
		return 0, fmt.Errorf("increment term: %w", err)
	}
	return term, nil
}

// MarkVoteInitiated records that nodeID has begun a candidature in
// term, enforcing "a node initiates voting at most once per term"
// at most once per term. Returns false if a vote was already
// initiated in this term.
func (g *Gateway) MarkVoteInitiated(nodeID int, term int64) (bool, error) {
	res, err := g.db.Exec(`
		UPDATE repmgr_voting SET vote_initiated_in_term = $2
		WHERE node_id = $1 AND (vote_initiated_in_term IS NULL OR vote_initiated_in_term != $2)`,
		nodeID, term)
	if err != nil {
		return false, fmt.Errorf("mark vote initiated: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ResetVoting clears vote_initiated_in_term, called after an election
// rerun or on a fresh tick.
func (g *Gateway) ResetVoting(nodeID int) error {
	_, err := g.db.Exec(`UPDATE repmgr_voting SET vote_initiated_in_term = NULL WHERE node_id = $1`, nodeID)
	return nonFatal(err, "reset voting")
}

// ── Ephemeral per-node state ─────────────────────────────────────────

// PublishNotification writes to nodeID's "new primary notification"
// slot. Per-node single-writer: only the publisher (whoever decided the
// outcome) writes it; the owning node polls it.
func (g *Gateway) PublishNotification(nodeID int, n NewPrimaryNotification) error {
	val := encodeNotification(n)
	_, err := g.db.Exec(`
		INSERT INTO repmgr_node_state (node_id, new_primary_notify) VALUES ($1, $2)
		ON CONFLICT (node_id) DO UPDATE SET new_primary_notify = excluded.new_primary_notify
	`, nodeID, val)
	return nonFatal(err, "publish notification")
}

// ReadNotification reads nodeID's own "new primary notification" slot.
func (g *Gateway) ReadNotification(nodeID int) (NewPrimaryNotification, error) {
	var val string
	err := g.db.QueryRow(`SELECT new_primary_notify FROM repmgr_node_state WHERE node_id = $1`, nodeID).Scan(&val)
	if err == sql.ErrNoRows {
		return NewPrimaryNotification{None: true}, nil
	}
	if err != nil {
		return NewPrimaryNotification{}, fmt.Errorf("read notification: %w", err)
	}
	return decodeNotification(val), nil
}

// ClearNotification resets the slot to "none" once consumed.
func (g *Gateway) ClearNotification(nodeID int) error {
	return g.PublishNotification(nodeID, NewPrimaryNotification{None: true})
}

// RecordPresence publishes this node's pid and upstream-last-seen
// ephemeral state.
func (g *Gateway) RecordPresence(nodeID, pid, observedUpstreamID int, lastSeen time.Time) error {
	_, err := g.db.Exec(`
		INSERT INTO repmgr_node_state (node_id, pid, last_observed_upstream, upstream_last_seen)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (node_id) DO UPDATE SET
			pid = excluded.pid, last_observed_upstream = excluded.last_observed_upstream,
			upstream_last_seen = excluded.upstream_last_seen
	`, nodeID, pid, observedUpstreamID, lastSeen)
	return nonFatal(err, "record presence")
}

// ReadPresence reads a peer's last published ephemeral state, used by
// the election engine's sibling scan and by primary_visibility_consensus.
func (g *Gateway) ReadPresence(nodeID int) (pid int, observedUpstreamID int, lastSeen time.Time, err error) {
	var ls sql.NullTime
	row := g.db.QueryRow(`SELECT pid, last_observed_upstream, upstream_last_seen FROM repmgr_node_state WHERE node_id = $1`, nodeID)
	if scanErr := row.Scan(&pid, &observedUpstreamID, &ls); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return 0, 0, time.Time{}, nil
		}
		return 0, 0, time.Time{}, fmt.Errorf("read presence: %w", scanErr)
	}
	if ls.Valid {
		lastSeen = ls.Time
	}
	return pid, observedUpstreamID, lastSeen, nil
}

// ── Event log ────────────────────────────────────────────────────────

// AppendEvent appends one event-log entry. A nil Gateway is valid (the
// caller had no database handle at the time); the entry is simply
// skipped here; internal/eventlog's Sink still writes it to the log
// file and the live event feed in that case.
func (g *Gateway) AppendEvent(e Event) error {
	if g == nil {
		return nil
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := g.db.Exec(`
		INSERT INTO repmgr_events (node_id, kind, success, ts, details) VALUES ($1, $2, $3, $4, $5)
	`, e.NodeID, string(e.Kind), e.Success, e.Timestamp, e.Details)
	return nonFatal(err, "append event")
}

// RecordMonitoringHistory writes one lag row from a standby to the
// primary, gated by the monitoring_history config flag.
func (g *Gateway) RecordMonitoringHistory(r MonitoringHistoryRow) error {
	if r.LastMonitorTime.IsZero() {
		r.LastMonitorTime = time.Now()
	}
	_, err := g.db.Exec(`
		INSERT INTO repmgr_monitoring_history
			(standby_node_id, primary_node_id, last_monitor_time, last_wal_receive_lsn, replication_lag_bytes)
		VALUES ($1, $2, $3, $4, $5)
	`, r.StandbyNodeID, r.PrimaryNodeID, r.LastMonitorTime, r.LastWALReceiveLSN, r.ReplicationLagBytes)
	return nonFatal(err, "record monitoring history")
}

// ── helpers ──────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*NodeRecord, error) {
	n := &NodeRecord{}
	var upstream sql.NullInt64
	err := row.Scan(&n.NodeID, &n.Name, &n.Role, &upstream, &n.ConnInfo, &n.ReplUser, &n.Priority, &n.Location, &n.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan node: %w", err)
	}
	if upstream.Valid {
		v := int(upstream.Int64)
		n.UpstreamID = &v
	}
	return n, nil
}

func scanNodeRows(rows *sql.Rows) (*NodeRecord, error) { return scanNode(rows) }

// nonFatal logs a write failure and returns nil: most event-log and
// presence writes are not fatal unless explicitly marked so. Callers
// that must treat a failure as fatal (SetUpstream) do not go through
// this helper.
func nonFatal(err error, what string) error {
	if err != nil {
		log.Printf("metadata: %s failed (non-fatal): %v", what, err)
	}
	return nil
}

func encodeNotification(n NewPrimaryNotification) string {
	if n.None {
		return ""
	}
	if n.Rerun {
		return "RERUN"
	}
	return fmt.Sprintf("%d", n.NodeID)
}

func decodeNotification(val string) NewPrimaryNotification {
	if val == "" {
		return NewPrimaryNotification{None: true}
	}
	if val == "RERUN" {
		return NewPrimaryNotification{Rerun: true}
	}
	var id int
	if _, err := fmt.Sscanf(val, "%d", &id); err != nil {
		return NewPrimaryNotification{None: true}
	}
	return NewPrimaryNotification{NodeID: id}
}
