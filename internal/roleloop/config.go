package roleloop

import "time"

// PauseChecker reports repmgrd_is_paused(): any loop checks this
// before invoking the failover driver. The admin
// API is the only thing that flips it.
type PauseChecker interface {
	IsPaused() bool
}

// alwaysRunning never pauses; used when no PauseChecker is wired.
type alwaysRunning struct{}

func (alwaysRunning) IsPaused() bool { return false }

// Config is the subset of the daemon's options the role loops consult
// directly (the election and failover configs are owned by those
// packages and threaded in separately).
type Config struct {
	MonitorIntervalSecs    time.Duration
	ReconnectAttempts      int
	ReconnectInterval      time.Duration
	ConnectionCheckType    string // "ping" | "query"
	MonitoringHistory      bool
	DegradedMonitoringTimeout time.Duration

	ChildNodesCheckInterval            time.Duration
	ChildNodesConnectedMinCount        int
	ChildNodesDisconnectMinCount       int
	ChildNodesConnectedIncludeWitness  bool
	ChildNodesDisconnectTimeout        time.Duration
	ChildNodesDisconnectCommand        string

	WitnessSyncInterval time.Duration

	StandbyDisconnectOnFailover   bool
	SiblingNodesDisconnectTimeout time.Duration

	// FailoverMode mirrors the daemon's top-level failover setting
	// ("automatic" | "manual"); the primary loop's entry sanity check
	// is the only thing that currently branches on it.
	FailoverMode string

	// LogStatusInterval is how often each loop emits a low-volume
	// status keep-alive via StatusLog, independent of event-kind
	// records. Zero disables it.
	LogStatusInterval time.Duration
}
