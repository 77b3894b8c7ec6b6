package alert

import (
	"context"
	"errors"
	"testing"

	"dspaving.app/licensing/internal/logger"
)

func TestInit_EmptyDSN(t *testing.T) {
	flush, err := Init("", "test", "dev")
	if err != nil {
		t.Fatalf("Expected no error for empty DSN, got %v", err)
	}
	flush()
}

func TestSentryReporter_DisabledDoesNotPanic(t *testing.T) {
	if _, err := Init("", "test", "dev"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	NewSentryReporter().Report(context.Background(), errors.New("boom"), logger.Fields{"reference_id": "PAY1"})
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Report(context.Background(), errors.New("first"), nil)
	r.Report(context.Background(), errors.New("second"), logger.Fields{"user_id": "U1"})

	if r.Count() != 2 {
		t.Fatalf("Expected 2 reports, got %d", r.Count())
	}
	if r.Reports[1].Fields["user_id"] != "U1" {
		t.Errorf("Expected user_id field, got %v", r.Reports[1].Fields)
	}
}
