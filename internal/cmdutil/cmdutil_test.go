package cmdutil

import (
	"context"
	"testing"
	"time"
)

func TestRun_Success(t *testing.T) {
	res, err := Run(context.Background(), TimeoutProbe, "exit 0")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("expected exit 0, got %d", res.ExitCode)
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	res, err := Run(context.Background(), TimeoutProbe, "exit 3")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("expected exit 3, got %d", res.ExitCode)
	}
}

func TestRun_Timeout(t *testing.T) {
	res, err := Run(context.Background(), 50*time.Millisecond, "sleep 5")
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
	if !res.TimedOut {
		t.Error("expected TimedOut=true")
	}
}

func TestPlaceholders_Substitutes(t *testing.T) {
	got := Placeholders("promote %n on %a at %t", map[byte]string{
		'n': "3",
		'a': "node3",
		't': "2",
	})
	want := "promote 3 on node3 at 2"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestPlaceholders_UnknownSequencePassesThrough(t *testing.T) {
	got := Placeholders("echo %z done", map[byte]string{'n': "1"})
	want := "echo %z done"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestPlaceholders_EscapedPercent(t *testing.T) {
	got := Placeholders("100%% done %n", map[byte]string{'n': "1"})
	want := "100% done 1"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
