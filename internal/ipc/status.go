// Package ipc is the file-based channel between the daemon and local tools:
// an atomically replaced status snapshot and a one-shot command file, both
// under the daemon's state directory.
package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"github.com/tiroq/obsoutput/internal/output"
)

const (
	StatusFile  = "status.json"
	CommandFile = "cmd.txt"
)

// Status is the daemon state at a point in time.
type Status struct {
	PID         int               `json:"pid"`
	Version     string            `json:"version"`
	ControlAddr string            `json:"control_addr"`
	Kinds       []string          `json:"kinds"`
	Outputs     []output.Snapshot `json:"outputs"`
	Active      int               `json:"active"`
	LastCommand string            `json:"last_command,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	Timestamp   time.Time         `json:"timestamp"`
}

// WriteStatus replaces dir/status.json. Readers never observe a partial file.
func WriteStatus(dir string, status *Status) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	status.Active = 0
	for _, o := range status.Outputs {
		if o.Active {
			status.Active++
		}
	}

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	data = append(data, '\n')

	pf, err := renameio.NewPendingFile(filepath.Join(dir, StatusFile), renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending status: %w", err)
	}
	defer func() { _ = pf.Cleanup() }()

	if _, err := pf.Write(data); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("commit status: %w", err)
	}
	return nil
}

// ReadStatus loads dir/status.json.
func ReadStatus(dir string) (*Status, error) {
	// #nosec G304 -- dir is the configured state directory
	data, err := os.ReadFile(filepath.Join(dir, StatusFile))
	if err != nil {
		return nil, err
	}
	var status Status
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &status, nil
}
