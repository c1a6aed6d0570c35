// Package cmdutil runs the administrator-supplied shell commands that
// actually perform promotion, follow and re-attach. repmgrd treats these
// as opaque processes and only observes their exit codes and captured
// output.
package cmdutil

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Timeout classes for the different command kinds the failover driver
// and election engine invoke. Unlike a promote or follow command, which
// may legitimately restart the local database and take a while, a
// validation hook is expected to return almost immediately.
const (
	TimeoutProbe    = 10 * time.Second // connection_check_type == query
	TimeoutValidate = 30 * time.Second // failover_validation_command
	TimeoutCommand  = 2 * time.Minute  // promote_command, follow_command, child_nodes_disconnect_command
	TimeoutService  = 2 * time.Minute  // repmgrd_service_start_command / _stop_command
)

// Result is what the caller needs to decide state-machine transitions:
// the exit code (0 == success by convention) and captured combined
// output for the event log.
type Result struct {
	ExitCode int
	Output   string
	TimedOut bool
}

// Run executes commandLine through the shell with the given timeout.
// Commands are invoked via "/bin/sh -c", matching how an administrator
// would run them by hand and letting commandLine use pipes/quoting
// freely; stderr is captured best-effort alongside stdout.
func Run(ctx context.Context, timeout time.Duration, commandLine string) (Result, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "/bin/sh", "-c", commandLine)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()

	if cctx.Err() == context.DeadlineExceeded {
		return Result{ExitCode: -1, Output: out.String(), TimedOut: true},
			fmt.Errorf("command timed out after %v: %s", timeout, commandLine)
	}

	if err == nil {
		return Result{ExitCode: 0, Output: out.String()}, nil
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		return Result{ExitCode: exitErr.ExitCode(), Output: out.String()}, nil
	}

	return Result{ExitCode: -1, Output: out.String()}, fmt.Errorf("exec %s: %w", commandLine, err)
}

// Placeholders substitutes %-sequences in a command template. Keys are
// single letters (the part after '%'); "%%" yields a single literal
// '%', and any other %-sequence not present in subs passes through
// verbatim.
func Placeholders(template string, subs map[byte]string) string {
	var b strings.Builder
	for i := 0; i < len(template); i++ {
		c := template[i]
		if c != '%' || i == len(template)-1 {
			b.WriteByte(c)
			continue
		}
		next := template[i+1]
		if next == '%' {
			b.WriteByte('%')
			i++
			continue
		}
		if val, ok := subs[next]; ok {
			b.WriteString(val)
			i++
			continue
		}
		// Unknown sequence: keep the literal "%x" as-is.
		b.WriteByte(c)
	}
	return b.String()
}
