package diaglog

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func TestLogWritesNDJSON(t *testing.T) {
	t.Setenv("OBSOUTPUT_DEBUG", "true")

	tmp := t.TempDir() + "/test.ndjson"
	l, err := New(tmp)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !l.Enabled() {
		t.Fatal("logger should be enabled")
	}

	entries := []LogEntry{
		{Component: ComponentRegistry, Event: EventRegister, Kind: "file"},
		{Component: ComponentInstance, Event: EventLifecycle, Output: "recording", Reason: "start"},
		{Component: ComponentEngine, Event: EventStartRejected, Payload: map[string]interface{}{"settings": "stream_key=abc"}},
	}
	for _, e := range entries {
		l.Log(e)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(tmp)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []map[string]interface{}
	for scanner.Scan() {
		var m map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			t.Fatalf("invalid JSON line: %v -> %s", err, scanner.Text())
		}
		lines = append(lines, m)
	}
	if len(lines) != len(entries) {
		t.Fatalf("want %d lines, got %d", len(entries), len(lines))
	}
	if lines[0]["kind"] != "file" {
		t.Errorf("kind mismatch: %v", lines[0]["kind"])
	}
	if lines[1]["output"] != "recording" {
		t.Errorf("output mismatch: %v", lines[1]["output"])
	}
	if lines[0]["ts"] == nil {
		t.Error("ts field missing")
	}
	payload := lines[2]["payload"].(map[string]interface{})
	if payload["settings"] != "[REDACTED]" {
		t.Errorf("settings must be redacted, got %v", payload["settings"])
	}
}

func TestRollingRotatesToPreviousGeneration(t *testing.T) {
	tmp := t.TempDir() + "/roll.ndjson"
	const maxSize = 1024
	rw, err := newRollingWriter(tmp, maxSize)
	if err != nil {
		t.Fatalf("newRollingWriter: %v", err)
	}
	defer rw.close()

	chunk := []byte(strings.Repeat("x", 512) + "\n")
	for i := 0; i < 3; i++ {
		if _, err := rw.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	info, err := os.Stat(tmp)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() > maxSize {
		t.Errorf("file size %d exceeds maxSize %d", info.Size(), maxSize)
	}
	prev, err := os.Stat(tmp + ".1")
	if err != nil {
		t.Fatalf("rotated generation missing: %v", err)
	}
	if prev.Size() != int64(len(chunk)) {
		t.Errorf("rotated size: want %d, got %d", len(chunk), prev.Size())
	}
}

func TestRedactSensitiveFields(t *testing.T) {
	input := map[string]interface{}{
		"password":   "hunter2",
		"stream_key": "live_123",
		"settings":   "url=rtmp://x key=y",
		"safe_field": "keep-me",
		"nested": map[string]interface{}{
			"token": "nested-token",
			"ok":    "value",
		},
		"list": []interface{}{map[string]interface{}{"secret": "s"}},
	}

	out := Redact(input).(map[string]interface{})
	for _, k := range []string{"password", "stream_key", "settings"} {
		if out[k] != "[REDACTED]" {
			t.Errorf("key %q: want [REDACTED], got %v", k, out[k])
		}
	}
	if out["safe_field"] != "keep-me" {
		t.Errorf("safe_field should be preserved")
	}
	nested := out["nested"].(map[string]interface{})
	if nested["token"] != "[REDACTED]" || nested["ok"] != "value" {
		t.Errorf("nested redaction wrong: %v", nested)
	}
	item := out["list"].([]interface{})[0].(map[string]interface{})
	if item["secret"] != "[REDACTED]" {
		t.Error("list element not redacted")
	}
	if input["password"] != "hunter2" {
		t.Error("input must not be mutated")
	}
}

func TestNoOpWhenDisabled(t *testing.T) {
	t.Setenv("OBSOUTPUT_DEBUG", "")

	tmp := t.TempDir() + "/noop.ndjson"
	l, err := New(tmp)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Log(LogEntry{Component: ComponentEngine, Event: EventShutdown})
	_ = l.Close()

	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Error("log file should not exist when debug disabled")
	}

	var nilLogger *Logger
	nilLogger.Log(LogEntry{Event: EventShutdown})
	if err := nilLogger.Close(); err != nil {
		t.Errorf("nil Close: %v", err)
	}
}
