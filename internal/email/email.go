package email

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"dspaving.app/licensing/internal/logger"
	"dspaving.app/licensing/models"
)

type Message struct {
	To      string
	Subject string
	Body    string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type SMTPSender struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if s.Host == "" || s.Port == "" || s.Username == "" || s.Password == "" {
		logger.Error("SMTP configuration missing")
		return fmt.Errorf("SMTP configuration missing")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	auth := smtp.PlainAuth("", s.Username, s.Password, s.Host)
	addr := fmt.Sprintf("%s:%s", s.Host, s.Port)
	return smtp.SendMail(addr, auth, s.from(), []string{msg.To}, s.compose(msg))
}

func (s *SMTPSender) from() string {
	if s.From != "" {
		return s.From
	}
	return s.Username
}

func (s *SMTPSender) compose(msg Message) []byte {
	return []byte(fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s\r\n", s.from(), msg.To, msg.Subject, msg.Body))
}

// Noop drops every message. Used when email is not configured.
type Noop struct{}

func (Noop) Send(ctx context.Context, msg Message) error {
	logger.Debug("Email disabled, dropping message", logger.Fields{
		"to":      msg.To,
		"subject": msg.Subject,
	})
	return nil
}

// ActivationMessage is sent once when a payment first activates or extends a
// license.
func ActivationMessage(to string, license models.License) Message {
	var b strings.Builder
	b.WriteString("Olá,\n\n")
	b.WriteString("Seu pagamento foi confirmado e sua licença do DS Paving está ativa.\n\n")
	fmt.Fprintf(&b, "Chave de licença: %s\n", license.LicenseKey)
	fmt.Fprintf(&b, "Plano: %s\n", planLabel(license.PlanTier))
	fmt.Fprintf(&b, "Válida até: %s\n\n", license.ExpiresAt.In(time.UTC).Format("02/01/2006"))
	b.WriteString("Obrigado por usar o DS Paving.\n")

	return Message{
		To:      to,
		Subject: "Sua licença DS Paving está ativa",
		Body:    b.String(),
	}
}

func planLabel(p models.PlanTier) string {
	if p == models.PlanAnnual {
		return "Anual"
	}
	return "Mensal"
}
