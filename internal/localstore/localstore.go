// Package localstore is the daemon's non-authoritative, resumable
// local state cache: the last role and upstream it observed and its
// failover mode (plus a last_term column that cmd/repmgrd leaves at
// zero), persisted so a restart doesn't have to wait for
// a full re-scan before it can answer /status. It is never consulted
// for cluster decisions; metadata.Gateway is the single source of
// truth; this store exists only to resume cheaply.
//
// Built on a familiar sqlite persistence idiom
// (ensureSchema / persistNode / loadPersistedNodes) and
// a WAL-mode connection string, retargeted from
// cluster-peer rows to this daemon's own resumable snapshot.
package localstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"repmgrd/internal/metadata"
)

// Snapshot is what's persisted locally between restarts.
type Snapshot struct {
	NodeID       int               `json:"node_id"`
	Role         metadata.Role     `json:"role"`
	UpstreamID   *int              `json:"upstream_node_id,omitempty"`
	LastTerm     int64             `json:"last_term"`
	FailoverMode string            `json:"failover_mode"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Store is the sqlite-backed local cache.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the local cache at path. WAL mode
// matches the daemon's sqlite connection string: this file is
// written when a role loop starts (and on a witness at every node-table
// sync), read by /status, never under real
// contention, but WAL keeps a concurrent /status read from blocking a
// write.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("localstore: open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshot (
			node_id       INTEGER PRIMARY KEY,
			role          TEXT NOT NULL,
			upstream_id   INTEGER,
			last_term     INTEGER NOT NULL DEFAULT 0,
			failover_mode TEXT NOT NULL DEFAULT '',
			updated_at    TEXT NOT NULL
		)
	`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS node_table_cache (
			owner_node_id INTEGER NOT NULL,
			node_id       INTEGER NOT NULL,
			name          TEXT NOT NULL,
			role          TEXT NOT NULL,
			upstream_id   INTEGER,
			conninfo      TEXT NOT NULL,
			priority      INTEGER NOT NULL DEFAULT 0,
			location      TEXT NOT NULL DEFAULT '',
			active        INTEGER NOT NULL DEFAULT 0,
			updated_at    TEXT NOT NULL,
			PRIMARY KEY (owner_node_id, node_id)
		)
	`)
	return err
}

// SaveNodeTable replaces ownerID's locally cached copy of the
// cluster's node-record set with nodes. A witness calls this after
// every successful sync so its own copy survives a restart even if
// the authoritative source is unreachable at startup.
func (s *Store) SaveNodeTable(ownerID int, nodes []*metadata.NodeRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("localstore: begin node table save: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM node_table_cache WHERE owner_node_id = ?`, ownerID); err != nil {
		tx.Rollback()
		return fmt.Errorf("localstore: clear node table: %w", err)
	}
	now := time.Now().Format(time.RFC3339)
	for _, n := range nodes {
		var upstream sql.NullInt64
		if n.UpstreamID != nil {
			upstream = sql.NullInt64{Int64: int64(*n.UpstreamID), Valid: true}
		}
		active := 0
		if n.Active {
			active = 1
		}
		if _, err := tx.Exec(`
			INSERT INTO node_table_cache (owner_node_id, node_id, name, role, upstream_id, conninfo, priority, location, active, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, ownerID, n.NodeID, n.Name, string(n.Role), upstream, n.ConnInfo, n.Priority, n.Location, active, now); err != nil {
			tx.Rollback()
			return fmt.Errorf("localstore: insert node table row: %w", err)
		}
	}
	return tx.Commit()
}

// LoadNodeTable returns ownerID's locally cached copy of the cluster's
// node-record set, in node_id order.
func (s *Store) LoadNodeTable(ownerID int) ([]*metadata.NodeRecord, error) {
	rows, err := s.db.Query(`
		SELECT node_id, name, role, upstream_id, conninfo, priority, location, active
		FROM node_table_cache WHERE owner_node_id = ? ORDER BY node_id
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("localstore: load node table: %w", err)
	}
	defer rows.Close()

	var out []*metadata.NodeRecord
	for rows.Next() {
		n := &metadata.NodeRecord{}
		var role string
		var upstream sql.NullInt64
		var active int
		if err := rows.Scan(&n.NodeID, &n.Name, &role, &upstream, &n.ConnInfo, &n.Priority, &n.Location, &active); err != nil {
			return nil, fmt.Errorf("localstore: scan node table row: %w", err)
		}
		n.Role = metadata.Role(role)
		if upstream.Valid {
			v := int(upstream.Int64)
			n.UpstreamID = &v
		}
		n.Active = active != 0
		out = append(out, n)
	}
	return out, rows.Err()
}

// Save upserts the single-row resumable snapshot for this daemon.
func (s *Store) Save(snap Snapshot) error {
	snap.UpdatedAt = time.Now()
	_, err := s.db.Exec(`
		INSERT INTO snapshot (node_id, role, upstream_id, last_term, failover_mode, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			role = excluded.role,
			upstream_id = excluded.upstream_id,
			last_term = excluded.last_term,
			failover_mode = excluded.failover_mode,
			updated_at = excluded.updated_at
	`, snap.NodeID, string(snap.Role), snap.UpstreamID, snap.LastTerm, snap.FailoverMode, snap.UpdatedAt.Format(time.RFC3339))
	return err
}

// Load returns the most recently saved snapshot for nodeID, or
// (Snapshot{}, false, nil) if none exists yet.
func (s *Store) Load(nodeID int) (Snapshot, bool, error) {
	row := s.db.QueryRow(`SELECT node_id, role, upstream_id, last_term, failover_mode, updated_at FROM snapshot WHERE node_id = ?`, nodeID)
	var snap Snapshot
	var role string
	var upstream sql.NullInt64
	var updatedAt string
	if err := row.Scan(&snap.NodeID, &role, &upstream, &snap.LastTerm, &snap.FailoverMode, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, err
	}
	snap.Role = metadata.Role(role)
	if upstream.Valid {
		v := int(upstream.Int64)
		snap.UpstreamID = &v
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		snap.UpdatedAt = t
	}
	return snap, true, nil
}

// MarshalStatus renders a snapshot for the admin API's /status handler.
func (snap Snapshot) MarshalStatus() ([]byte, error) {
	return json.Marshal(snap)
}

func (s *Store) Close() error {
	return s.db.Close()
}
