// Package eventlog is the ambient logging layer: it appends
// event-kind records as JSON lines to log_file, mirrors
// them to stderr for journald/systemd capture, and supports the
// SIGHUP "reopen handle and log file atomically" contract. Grounded on
// a file+mutex+json-line shape, generalized
// from a fixed audit-entry struct to the daemon's metadata.Event type.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"repmgrd/internal/metadata"
)

// Logger appends events to a log file and echoes them to stderr.
type Logger struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	nodeID  int
}

// Open creates or appends to path. An empty path disables file output;
// events still go to stderr.
func Open(path string, nodeID int) (*Logger, error) {
	l := &Logger{path: path, nodeID: nodeID}
	if path == "" {
		return l, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	l.file = f
	return l, nil
}

// Reopen closes and reopens the log file at the same path. The
// SIGHUP contract: reopen the handle and log file atomically, so
// external log rotation doesn't leave the daemon
// writing to an unlinked file.
func (l *Logger) Reopen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.path == "" {
		return nil
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("eventlog: reopen %s: %w", l.path, err)
	}
	old := l.file
	l.file = f
	if old != nil {
		old.Close()
	}
	return nil
}

// Emit writes one event as a JSON line and echoes it to stderr.
func (l *Logger) Emit(e metadata.Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(os.Stderr, "%s\n", data)
	if l.file == nil {
		return nil
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return err
	}
	return l.file.Sync()
}

// Status is a one-line keep-alive record written every
// log_status_interval, independent of metadata.Event.
type Status struct {
	Timestamp time.Time `json:"timestamp"`
	NodeID    int       `json:"node_id"`
	Role      string    `json:"role"`
	Upstream  int       `json:"upstream_node_id,omitempty"`
	Paused    bool      `json:"paused"`
}

func (l *Logger) EmitStatus(s Status) error {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(os.Stderr, "%s\n", data)
	if l.file == nil {
		return nil
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return err
	}
	return l.file.Sync()
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
