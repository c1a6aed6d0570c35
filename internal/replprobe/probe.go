// Package replprobe is component C3: the replication-state queries the
// election engine and failover driver need (LSN, timeline, recovery
// type, WAL receiver) plus the combined check_node_can_follow guard.
// These are new query-object code in the same typed-method-over-a-
// connection style as internal/metadata, since nothing in the
// retrieval pack queries pg_stat_replication-shaped views directly.
package replprobe

import (
	"database/sql"
	"fmt"
	"time"
)

// RecoveryType is the local server's role as Postgres itself reports
// it via pg_is_in_recovery(), independent of what the repmgr node
// record claims.
type RecoveryType string

const (
	RecoveryPrimary RecoveryType = "primary"
	RecoveryStandby RecoveryType = "standby"
	RecoveryUnknown RecoveryType = "unknown"
)

// ReplicationInfo is the combined reading used by the election engine,
// failover driver, and role loops.
type ReplicationInfo struct {
	InRecovery               bool
	LastWALReceiveLSN        LSN
	LastWALReplayLSN         LSN
	LastReplayTimestamp      time.Time
	ReceivingStreamedWAL     bool
	WALReplayPaused          bool
	UpstreamNodeIDObserved   int
	UpstreamLastSeenSeconds  float64
}

// SystemIdentity is what IDENTIFY_SYSTEM returns on a replication-mode
// connection.
type SystemIdentity struct {
	SystemID uint64
	Timeline int
	LSN      LSN
}

// TimelineEntry is one row of a timeline's history file.
type TimelineEntry struct {
	Timeline int
	EndLSN   LSN
}

// Prober is the interface internal/election and internal/failover
// program against; Postgres is the production implementation and
// tests supply their own stub implementations.
type Prober interface {
	RecoveryType(db *sql.DB) (RecoveryType, error)
	ReplicationInfo(db *sql.DB, role string) (ReplicationInfo, error)
	PrimaryCurrentLSN(db *sql.DB) (LSN, error)
	WALReceiverPID(db *sql.DB) (int, error)
	IdentifySystem(replConn *sql.DB) (SystemIdentity, error)
	TimelineHistory(replConn *sql.DB, targetTLI int) (TimelineEntry, error)
}

// Postgres is the production Prober, issuing the queries repmgr itself
// relies on (pg_is_in_recovery, pg_stat_replication /
// pg_stat_wal_receiver, pg_current_wal_lsn, IDENTIFY_SYSTEM, TIMELINE_HISTORY).
type Postgres struct{}

func (Postgres) RecoveryType(db *sql.DB) (RecoveryType, error) {
	var inRecovery bool
	if err := db.QueryRow(`SELECT pg_is_in_recovery()`).Scan(&inRecovery); err != nil {
		return RecoveryUnknown, fmt.Errorf("recovery_type: %w", err)
	}
	if inRecovery {
		return RecoveryStandby, nil
	}
	return RecoveryPrimary, nil
}

func (p Postgres) ReplicationInfo(db *sql.DB, role string) (ReplicationInfo, error) {
	var info ReplicationInfo
	var recvLSN, replayLSN sql.NullString
	var replayTS sql.NullTime
	var receiving, paused sql.NullBool
	var upstreamID sql.NullInt64
	var lastSeen sql.NullFloat64

	row := db.QueryRow(`
		SELECT
			pg_is_in_recovery(),
			pg_last_wal_receive_lsn(),
			pg_last_wal_replay_lsn(),
			pg_last_xact_replay_timestamp(),
			(SELECT status = 'streaming' FROM pg_stat_wal_receiver),
			pg_is_wal_replay_paused(),
			(SELECT slot_name::int FROM pg_stat_wal_receiver LIMIT 1),
			(SELECT EXTRACT(EPOCH FROM (now() - last_msg_receipt_time)) FROM pg_stat_wal_receiver)
	`)
	if err := row.Scan(&info.InRecovery, &recvLSN, &replayLSN, &replayTS, &receiving, &paused, &upstreamID, &lastSeen); err != nil {
		return info, fmt.Errorf("replication_info: %w", err)
	}
	if recvLSN.Valid {
		if lsn, err := ParseLSN(recvLSN.String); err == nil {
			info.LastWALReceiveLSN = lsn
		}
	}
	if replayLSN.Valid {
		if lsn, err := ParseLSN(replayLSN.String); err == nil {
			info.LastWALReplayLSN = lsn
		}
	}
	if replayTS.Valid {
		info.LastReplayTimestamp = replayTS.Time
	}
	info.ReceivingStreamedWAL = receiving.Valid && receiving.Bool
	info.WALReplayPaused = paused.Valid && paused.Bool
	if upstreamID.Valid {
		info.UpstreamNodeIDObserved = int(upstreamID.Int64)
	}
	if lastSeen.Valid {
		info.UpstreamLastSeenSeconds = lastSeen.Float64
	}
	return info, nil
}

func (Postgres) PrimaryCurrentLSN(db *sql.DB) (LSN, error) {
	var s string
	if err := db.QueryRow(`SELECT pg_current_wal_lsn()`).Scan(&s); err != nil {
		return 0, fmt.Errorf("primary_current_lsn: %w", err)
	}
	return ParseLSN(s)
}

func (Postgres) WALReceiverPID(db *sql.DB) (int, error) {
	var pid sql.NullInt64
	err := db.QueryRow(`SELECT pid FROM pg_stat_wal_receiver LIMIT 1`).Scan(&pid)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("wal_receiver_pid: %w", err)
	}
	if !pid.Valid {
		return 0, nil
	}
	return int(pid.Int64), nil
}

func (Postgres) IdentifySystem(replConn *sql.DB) (SystemIdentity, error) {
	var sid string
	var tli int
	var lsnStr string
	if err := replConn.QueryRow(`IDENTIFY_SYSTEM`).Scan(&sid, &tli, &lsnStr); err != nil {
		return SystemIdentity{}, fmt.Errorf("identify_system: %w", err)
	}
	lsn, err := ParseLSN(lsnStr)
	if err != nil {
		return SystemIdentity{}, err
	}
	var sysID uint64
	fmt.Sscanf(sid, "%d", &sysID)
	return SystemIdentity{SystemID: sysID, Timeline: tli, LSN: lsn}, nil
}

func (Postgres) TimelineHistory(replConn *sql.DB, targetTLI int) (TimelineEntry, error) {
	var fileName string
	var content []byte
	if err := replConn.QueryRow(`TIMELINE_HISTORY $1`, targetTLI).Scan(&fileName, &content); err != nil {
		return TimelineEntry{}, fmt.Errorf("timeline_history: %w", err)
	}
	entry, err := parseTimelineHistory(content, targetTLI)
	if err != nil {
		return TimelineEntry{}, err
	}
	return entry, nil
}

var _ Prober = Postgres{}
