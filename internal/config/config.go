// Package config loads the daemon's option table: a YAML file layered
// under command-line flag overrides, the same two-stage shape
// many small daemons use (flag.String defaults, then an optional
// config file parsed on top). Grounded on that file's flag block and
// on gopkg.in/yaml.v2, which is already a direct dependency across the
// the Go ecosystem for structured config files.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config mirrors the daemon's recognised option table, field for
// field. Durations are stored as seconds in YAML (matching repmgr's
// own *_secs naming) and converted to time.Duration after parsing.
type Config struct {
	NodeID   int    `yaml:"node_id"`
	NodeName string `yaml:"node_name"`
	Conninfo string `yaml:"conninfo"`

	Failover string `yaml:"failover"` // automatic | manual
	Priority int    `yaml:"priority"`
	Location string `yaml:"location"`

	PromoteCommand               string `yaml:"promote_command"`
	FollowCommand                string `yaml:"follow_command"`
	ServicePromoteCommand        string `yaml:"service_promote_command"`
	FailoverValidationCommand    string `yaml:"failover_validation_command"`
	ChildNodesDisconnectCommand  string `yaml:"child_nodes_disconnect_command"`

	MonitorIntervalSecs       int `yaml:"monitor_interval_secs"`
	ReconnectAttempts         int `yaml:"reconnect_attempts"`
	ReconnectIntervalSecs     int `yaml:"reconnect_interval"`
	ReconnectLoopSync         bool `yaml:"reconnect_loop_sync"`

	PrimaryNotificationTimeoutSecs int `yaml:"primary_notification_timeout"`
	ElectionRerunIntervalSecs      int `yaml:"election_rerun_interval"`
	FailoverDelaySecs              int `yaml:"failover_delay"`
	PromoteDelaySecs               int `yaml:"promote_delay"`
	DegradedMonitoringTimeoutSecs  int `yaml:"degraded_monitoring_timeout"`

	ChildNodesCheckIntervalSecs       int  `yaml:"child_nodes_check_interval"`
	ChildNodesConnectedMinCount       int  `yaml:"child_nodes_connected_min_count"`
	ChildNodesDisconnectMinCount      int  `yaml:"child_nodes_disconnect_min_count"`
	ChildNodesConnectedIncludeWitness bool `yaml:"child_nodes_connected_include_witness"`
	ChildNodesDisconnectTimeoutSecs   int  `yaml:"child_nodes_disconnect_timeout"`

	WitnessSyncIntervalSecs int `yaml:"witness_sync_interval"`

	StandbyDisconnectOnFailover       bool `yaml:"standby_disconnect_on_failover"`
	SiblingNodesDisconnectTimeoutSecs int  `yaml:"sibling_nodes_disconnect_timeout"`

	PrimaryVisibilityConsensus bool `yaml:"primary_visibility_consensus"`
	AlwaysPromote              bool `yaml:"always_promote"`

	MonitoringHistory bool `yaml:"monitoring_history"`

	LogStatusIntervalSecs int    `yaml:"log_status_interval"`
	LogFile               string `yaml:"log_file"`

	ConnectionCheckType string `yaml:"connection_check_type"` // ping | query

	RepmgrdStandbyStartupTimeoutSecs int    `yaml:"repmgrd_standby_startup_timeout"`
	RepmgrdServiceStartCommand       string `yaml:"repmgrd_service_start_command"`
	RepmgrdServiceStopCommand        string `yaml:"repmgrd_service_stop_command"`

	LocalStorePath string `yaml:"local_store_path"`
	AdminListen    string `yaml:"admin_listen"`
}

// Defaults returns the daemon's baseline option values, applied before
// the config file and flags override them.
func Defaults() Config {
	return Config{
		Failover:                          "automatic",
		Priority:                          100,
		MonitorIntervalSecs:               2,
		ReconnectAttempts:                 6,
		ReconnectIntervalSecs:             10,
		PrimaryNotificationTimeoutSecs:    60,
		ElectionRerunIntervalSecs:         15,
		FailoverDelaySecs:                 0,
		PromoteDelaySecs:                  0,
		DegradedMonitoringTimeoutSecs:     300,
		ChildNodesCheckIntervalSecs:       5,
		ChildNodesConnectedMinCount:       0,
		ChildNodesDisconnectMinCount:      0,
		ChildNodesDisconnectTimeoutSecs:   30,
		WitnessSyncIntervalSecs:           15,
		SiblingNodesDisconnectTimeoutSecs: 30,
		PrimaryVisibilityConsensus:        false,
		AlwaysPromote:                     false,
		MonitoringHistory:                 false,
		LogStatusIntervalSecs:             0,
		ConnectionCheckType:               "ping",
		RepmgrdStandbyStartupTimeoutSecs:  60,
		LocalStorePath:                    "/var/lib/repmgrd/repmgrd.db",
		AdminListen:                       "127.0.0.1:8765",
	}
}

// Load reads configPath (if non-empty) over Defaults(). Flag overrides
// registered by RegisterFlags are applied separately by ApplyFlags, so
// the config file is optional and flags win when both are set.
func Load(configPath string) (Config, error) {
	cfg := Defaults()
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", configPath, err)
		}
	}
	return cfg, nil
}

// Flags holds the CLI overrides cmd/repmgrd registers alongside the
// YAML config.
type Flags struct {
	ConfigFile *string
	NodeID     *int
	Conninfo   *string
	Daemonize  *bool
}

func RegisterFlags(fs *flag.FlagSet) *Flags {
	return &Flags{
		ConfigFile: fs.String("config", "/etc/repmgrd/repmgrd.yaml", "path to repmgrd.yaml"),
		NodeID:     fs.Int("node-id", 0, "override node_id from the config file"),
		Conninfo:   fs.String("conninfo", "", "override conninfo from the config file"),
		Daemonize:  fs.Bool("daemon", false, "accepted for compatibility; repmgrd does not detach and runs in the foreground"),
	}
}

// ApplyFlags layers non-zero flag overrides onto cfg.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.NodeID != nil && *f.NodeID != 0 {
		cfg.NodeID = *f.NodeID
	}
	if f.Conninfo != nil && *f.Conninfo != "" {
		cfg.Conninfo = *f.Conninfo
	}
	return cfg
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

// Seconds exposes the *_secs fields as time.Duration without every
// caller repeating the multiplication.
func (c Config) MonitorInterval() time.Duration                { return secs(c.MonitorIntervalSecs) }
func (c Config) ReconnectInterval() time.Duration               { return secs(c.ReconnectIntervalSecs) }
func (c Config) PrimaryNotificationTimeout() time.Duration      { return secs(c.PrimaryNotificationTimeoutSecs) }
func (c Config) ElectionRerunInterval() time.Duration           { return secs(c.ElectionRerunIntervalSecs) }
func (c Config) FailoverDelay() time.Duration                   { return secs(c.FailoverDelaySecs) }
func (c Config) PromoteDelay() time.Duration                    { return secs(c.PromoteDelaySecs) }
func (c Config) DegradedMonitoringTimeout() time.Duration       { return secs(c.DegradedMonitoringTimeoutSecs) }
func (c Config) ChildNodesCheckInterval() time.Duration         { return secs(c.ChildNodesCheckIntervalSecs) }
func (c Config) ChildNodesDisconnectTimeout() time.Duration     { return secs(c.ChildNodesDisconnectTimeoutSecs) }
func (c Config) WitnessSyncInterval() time.Duration             { return secs(c.WitnessSyncIntervalSecs) }
func (c Config) SiblingNodesDisconnectTimeout() time.Duration   { return secs(c.SiblingNodesDisconnectTimeoutSecs) }
func (c Config) LogStatusInterval() time.Duration               { return secs(c.LogStatusIntervalSecs) }
func (c Config) RepmgrdStandbyStartupTimeout() time.Duration    { return secs(c.RepmgrdStandbyStartupTimeoutSecs) }

// Validate enforces the daemon's fatal-config checks: a missing
// required command under automatic failover is fatal at startup.
func (c Config) Validate() error {
	if c.NodeID == 0 {
		return fmt.Errorf("fatal: node_id is required")
	}
	if c.Conninfo == "" {
		return fmt.Errorf("fatal: conninfo is required")
	}
	if c.Failover != "automatic" && c.Failover != "manual" {
		return fmt.Errorf("fatal: failover must be 'automatic' or 'manual', got %q", c.Failover)
	}
	if c.Failover == "automatic" && (c.PromoteCommand == "" || c.FollowCommand == "") {
		return fmt.Errorf("fatal: promote_command and follow_command are required under automatic failover")
	}
	return nil
}
