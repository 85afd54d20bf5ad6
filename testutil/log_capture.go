package testutil

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// LogCapture collects zerolog output for assertions.
type LogCapture struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

// NewLogCapture creates an empty capture.
func NewLogCapture() *LogCapture {
	return &LogCapture{}
}

// Write implements io.Writer so the capture can back a zerolog.Logger.
func (lc *LogCapture) Write(p []byte) (int, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.buf.Write(p)
}

// Logger returns a debug-level logger writing into the capture.
func (lc *LogCapture) Logger() zerolog.Logger {
	return zerolog.New(lc).Level(zerolog.DebugLevel)
}

// String returns all captured output.
func (lc *LogCapture) String() string {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.buf.String()
}

// Reset clears the buffer.
func (lc *LogCapture) Reset() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.buf.Reset()
}

// Contains checks if the output contains substr.
func (lc *LogCapture) Contains(substr string) bool {
	return strings.Contains(lc.String(), substr)
}

// Count returns the number of times substr appears.
func (lc *LogCapture) Count(substr string) int {
	return strings.Count(lc.String(), substr)
}

// Lines returns all captured lines.
func (lc *LogCapture) Lines() []string {
	content := strings.TrimSpace(lc.String())
	if content == "" {
		return []string{}
	}
	return strings.Split(content, "\n")
}

// Entries decodes every captured line as a JSON object. Lines that are not
// valid JSON are skipped.
func (lc *LogCapture) Entries() []map[string]any {
	var out []map[string]any
	for _, line := range lc.Lines() {
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// Events returns the "event" field of every entry, in order.
func (lc *LogCapture) Events() []string {
	var out []string
	for _, e := range lc.Entries() {
		if ev, ok := e["event"].(string); ok {
			out = append(out, ev)
		}
	}
	return out
}
