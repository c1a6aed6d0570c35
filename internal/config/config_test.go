package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsAppliedWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Failover != "automatic" || cfg.Priority != 100 {
		t.Fatalf("expected baseline defaults, got %+v", cfg)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "repmgrd.yaml")
	contents := "node_id: 2\nconninfo: \"host=localhost dbname=postgres\"\nfailover: manual\npriority: 50\n"
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NodeID != 2 || cfg.Failover != "manual" || cfg.Priority != 50 {
		t.Fatalf("expected YAML overrides applied, got %+v", cfg)
	}
	// Fields the fixture didn't set should keep their defaults.
	if cfg.ReconnectAttempts != 6 {
		t.Errorf("expected default reconnect_attempts to survive, got %d", cfg.ReconnectAttempts)
	}
}

func TestValidate_RequiresPromoteAndFollowUnderAutomatic(t *testing.T) {
	cfg := Defaults()
	cfg.NodeID = 1
	cfg.Conninfo = "host=localhost"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected a validation error when promote/follow commands are unset under automatic failover")
	}
	cfg.PromoteCommand = "/bin/true"
	cfg.FollowCommand = "/bin/true"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidate_ManualModeDoesNotRequireCommands(t *testing.T) {
	cfg := Defaults()
	cfg.NodeID = 1
	cfg.Conninfo = "host=localhost"
	cfg.Failover = "manual"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected manual mode to validate without promote/follow commands: %v", err)
	}
}
