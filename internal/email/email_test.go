package email

import (
	"context"
	"strings"
	"testing"
	"time"

	"dspaving.app/licensing/models"
)

func TestSMTPSender_MissingConfig(t *testing.T) {
	tests := []struct {
		name   string
		sender SMTPSender
	}{
		{"missing host", SMTPSender{Port: "587", Username: "u", Password: "p"}},
		{"missing port", SMTPSender{Host: "smtp.example.com", Username: "u", Password: "p"}},
		{"missing username", SMTPSender{Host: "smtp.example.com", Port: "587", Password: "p"}},
		{"missing password", SMTPSender{Host: "smtp.example.com", Port: "587", Username: "u"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sender.Send(context.Background(), Message{To: "test@example.com", Subject: "s", Body: "b"})
			if err == nil {
				t.Fatal("Expected error but got none")
			}
			if err.Error() != "SMTP configuration missing" {
				t.Errorf("Expected error 'SMTP configuration missing', got '%s'", err.Error())
			}
		})
	}
}

func TestSMTPSender_CancelledContext(t *testing.T) {
	sender := SMTPSender{Host: "smtp.example.com", Port: "587", Username: "u", Password: "p"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sender.Send(ctx, Message{To: "test@example.com"}); err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestSMTPSender_Compose(t *testing.T) {
	sender := SMTPSender{Username: "smtp-user", From: "licencas@dspaving.app"}
	msg := string(sender.compose(Message{To: "buyer@example.com", Subject: "Hello", Body: "World"}))

	for _, want := range []string{
		"From: licencas@dspaving.app\r\n",
		"To: buyer@example.com\r\n",
		"Subject: Hello\r\n",
		"\r\n\r\nWorld\r\n",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected message to contain %q, got %q", want, msg)
		}
	}

	sender.From = ""
	if sender.from() != "smtp-user" {
		t.Errorf("Expected username as fallback sender, got %s", sender.from())
	}
}

func TestNoop(t *testing.T) {
	if err := (Noop{}).Send(context.Background(), Message{To: "x@example.com"}); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
}

func TestActivationMessage(t *testing.T) {
	license := models.License{
		LicenseKey: "DSP-AAAA-BBBB-CCCC-DDDD",
		PlanTier:   models.PlanAnnual,
		ExpiresAt:  time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}

	msg := ActivationMessage("buyer@example.com", license)
	if msg.To != "buyer@example.com" {
		t.Errorf("Expected recipient buyer@example.com, got %s", msg.To)
	}
	for _, want := range []string{"DSP-AAAA-BBBB-CCCC-DDDD", "Anual", "01/03/2025"} {
		if !strings.Contains(msg.Body, want) {
			t.Errorf("Expected body to contain %q, got %q", want, msg.Body)
		}
	}
}
