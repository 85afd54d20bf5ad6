// Package diaglog writes an NDJSON trace of output lifecycle events.
// Activated by OBSOUTPUT_DEBUG=true. When the env var is absent, all Log
// calls are no-ops and no file is created.
package diaglog

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// ── Component labels ─────────────────────────────────────────────────────────

const (
	ComponentRegistry     = "output-registry"
	ComponentInstance     = "output-instance"
	ComponentModuleLoader = "module-loader"
	ComponentEngine       = "engine"
	ComponentControl      = "control"
	ComponentConfig       = "config"
	ComponentDaemon       = "obsoutputd"
)

// ── Event names ──────────────────────────────────────────────────────────────

const (
	EventModuleLoad         = "module_load"
	EventRegister           = "output_register"
	EventRegisterRejected   = "output_register_rejected"
	EventLifecycle          = "output_lifecycle"
	EventProtocolViolation  = "output_protocol_violation"
	EventStartRejected      = "output_start_rejected"
	EventEncoderBound       = "encoder_bound"
	EventEncoderRejected    = "encoder_rejected"
	EventConfigApplied      = "config_applied"
	EventConfigReloadFailed = "config_reload_failed"
	EventControlConnect     = "control_connect"
	EventControlDisconnect  = "control_disconnect"
	EventControlRequest     = "control_request"
	EventShutdown           = "shutdown"
)

// DefaultMaxSize caps the live log file before it is rotated.
const DefaultMaxSize = 10 * 1024 * 1024

// ── LogEntry ─────────────────────────────────────────────────────────────────

// LogEntry is one structured event record written as a single JSON line.
type LogEntry struct {
	Timestamp string      `json:"ts"`                 // RFC3339Nano
	Component string      `json:"component"`          // see Component* constants
	Event     string      `json:"event"`              // see Event* constants
	Output    string      `json:"output,omitempty"`   // instance name
	Kind      string      `json:"kind,omitempty"`     // descriptor id
	Reason    string      `json:"reason,omitempty"`   // machine-readable cause
	Payload   interface{} `json:"payload,omitempty"`  // redacted before write
}

// ── Logger ───────────────────────────────────────────────────────────────────

// Logger writes LogEntry values to a rotating NDJSON file. When debug mode is
// disabled every Log call is a no-op.
type Logger struct {
	rw      *rollingWriter
	mu      sync.Mutex
	enabled bool
}

// New opens (or creates) the NDJSON log file at path. If debug mode is
// disabled, path is ignored and a no-op logger is returned.
func New(path string) (*Logger, error) {
	if !IsDebugEnabled() {
		return &Logger{enabled: false}, nil
	}
	rw, err := newRollingWriter(path, DefaultMaxSize)
	if err != nil {
		return nil, err
	}
	return &Logger{rw: rw, enabled: true}, nil
}

// Log serialises entry to JSON and appends it to the file. Sensitive payload
// fields are redacted before serialisation.
func (l *Logger) Log(entry LogEntry) {
	if l == nil || !l.enabled {
		return
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if entry.Payload != nil {
		entry.Payload = Redact(entry.Payload)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.rw.Write(data)
}

// Enabled reports whether entries are written.
func (l *Logger) Enabled() bool {
	return l != nil && l.enabled
}

// Close flushes and closes the underlying file. Safe on nil/disabled logger.
func (l *Logger) Close() error {
	if l == nil || !l.enabled || l.rw == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rw.close()
}

// IsDebugEnabled reports whether OBSOUTPUT_DEBUG is set to "true".
func IsDebugEnabled() bool {
	return os.Getenv("OBSOUTPUT_DEBUG") == "true"
}

// NewNoOp returns a logger where every Log call is a no-op. Use as a safe
// fallback when New fails.
func NewNoOp() *Logger {
	return &Logger{enabled: false}
}
