// Package audit keeps an append-only record of every mutating request the
// daemon handled: who asked, what they asked for, the authorization
// decision and how the transition ended.
//
// Entries are newline-delimited JSON, by default in
// /var/log/powerd/audit.log.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Action describes what was requested.
type Action string

const (
	ActionSetGraphicsMode    Action = "set_graphics_mode"
	ActionSetDiscretePower   Action = "set_discrete_power"
	ActionAcceptHardwareMode Action = "accept_hardware_mode"
	ActionSetProfile         Action = "set_profile"
	ActionReleaseHold        Action = "release_profile_hold"
	ActionReconcile          Action = "reconcile"
)

// Entry is a single audit record.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	Action    Action    `json:"action"`
	Transport string    `json:"transport,omitempty"` // "http", "dbus", "daemon"
	UID       *uint32   `json:"uid,omitempty"`
	PID       int32     `json:"pid,omitempty"`
	BusName   string    `json:"bus_name,omitempty"`
	Target    string    `json:"target,omitempty"` // mode, power state or profile
	Hold      bool      `json:"hold,omitempty"`
	Decision  string    `json:"decision,omitempty"`
	Txn       string    `json:"txn,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Logger writes audit entries to an append-only file. A nil *Logger
// discards entries.
type Logger struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewLogger creates or opens an audit log file for appending.
func NewLogger(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	return &Logger{file: f, path: path}, nil
}

// Log writes an audit entry.
func (l *Logger) Log(entry Entry) error {
	if l == nil {
		return nil
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	return nil
}

// Close closes the audit log file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	return l.file.Close()
}
