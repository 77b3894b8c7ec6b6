package logger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

// captureDefault points the default logger at a buffer for one test.
func captureDefault(t *testing.T, level LogLevel) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	originalLevel := Level()
	SetOutput(&buf)
	SetLevel(level)
	t.Cleanup(func() {
		SetLevel(originalLevel)
		SetOutput(defaultOut)
	})
	return &buf
}

var defaultOut = defaultLogger.out

func lastEntry(output string) (map[string]interface{}, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, fmt.Errorf("no log output")
	}

	var entry map[string]interface{}
	err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry)
	return entry, err
}

func TestDebug(t *testing.T) {
	buf := captureDefault(t, DEBUG)

	Debug("test debug message", Fields{"field1": "value1", "field2": 42})

	entry, err := lastEntry(buf.String())
	if err != nil {
		t.Fatalf("Expected valid JSON log entry, got error: %v", err)
	}

	if entry["level"] != "DEBUG" {
		t.Errorf("Expected level DEBUG, got %v", entry["level"])
	}
	if entry["message"] != "test debug message" {
		t.Errorf("Expected message 'test debug message', got %v", entry["message"])
	}

	fields := entry["fields"].(map[string]interface{})
	if fields["field1"] != "value1" {
		t.Errorf("Expected field field1=value1, got %v", fields["field1"])
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := captureDefault(t, WARN)

	Info("should be dropped")
	Debug("should be dropped too")
	if buf.Len() != 0 {
		t.Errorf("Expected no output below WARN, got %q", buf.String())
	}

	Error("kept")
	entry, err := lastEntry(buf.String())
	if err != nil {
		t.Fatalf("Expected valid JSON log entry, got error: %v", err)
	}
	if entry["level"] != "ERROR" {
		t.Errorf("Expected level ERROR, got %v", entry["level"])
	}
}

func TestLogWithoutFields(t *testing.T) {
	buf := captureDefault(t, INFO)

	Info("message without fields")

	entry, err := lastEntry(buf.String())
	if err != nil {
		t.Fatalf("Expected valid JSON log entry, got error: %v", err)
	}
	if _, ok := entry["fields"]; ok {
		t.Errorf("Expected fields to be omitted, got %v", entry["fields"])
	}
}

func TestSanitizeFields(t *testing.T) {
	fields := Fields{
		"access_token":   "APP_USR-1234567890",
		"license_key":    "DSP-ABCD-EF01-2345-6789",
		"webhook_secret": "short",
		"signature":      123,
		"user_id":        "U1",
		"reference_id":   "PAY123",
	}

	got := sanitizeFields(fields)

	if got["access_token"] != "APP...890" {
		t.Errorf("Expected partially redacted token, got %v", got["access_token"])
	}
	if got["license_key"] != "DSP...789" {
		t.Errorf("Expected partially redacted license key, got %v", got["license_key"])
	}
	if got["webhook_secret"] != "[REDACTED]" {
		t.Errorf("Expected short secret fully redacted, got %v", got["webhook_secret"])
	}
	if got["signature"] != "[REDACTED]" {
		t.Errorf("Expected non-string signature redacted, got %v", got["signature"])
	}
	if got["user_id"] != "U1" || got["reference_id"] != "PAY123" {
		t.Errorf("Expected identifiers untouched, got %v / %v", got["user_id"], got["reference_id"])
	}
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	l := New(DEBUG, &buf).With(Fields{"gateway": "webhook"})

	l.Info("processing", Fields{"reference_id": "PAY1"})

	entry, err := lastEntry(buf.String())
	if err != nil {
		t.Fatalf("Expected valid JSON log entry, got error: %v", err)
	}
	fields := entry["fields"].(map[string]interface{})
	if fields["gateway"] != "webhook" {
		t.Errorf("Expected static field gateway=webhook, got %v", fields["gateway"])
	}
	if fields["reference_id"] != "PAY1" {
		t.Errorf("Expected reference_id=PAY1, got %v", fields["reference_id"])
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"error":   ERROR,
		"":        INFO,
		"verbose": INFO,
	}
	for input, expected := range tests {
		if got := ParseLevel(input); got != expected {
			t.Errorf("ParseLevel(%q): expected %s, got %s", input, expected, got)
		}
	}
}

func BenchmarkInfo(b *testing.B) {
	var buf bytes.Buffer
	l := New(INFO, &buf)
	fields := Fields{"user_id": "12345", "action": "benchmark"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Info("benchmark info message", fields)
	}
}
