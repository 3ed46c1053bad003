package notify

import (
	"context"
	"fmt"
	"log"
	"net/smtp"
	"strings"
	"time"

	"stayhive/core/internal/config"
)

// Sender performs the actual delivery of a rendered notification. The worker
// is the only caller; the engine itself only ever talks to a Dispatcher.
type Sender interface {
	Deliver(ctx context.Context, recipient, subject, body string) error
}

// Templates are deliberately simple: subject/body pairs with {{.key}}
// placeholders. Content construction is owned by the product layer; the
// engine only fills in the identifiers and amounts it knows about.
var templates = map[string][2]string{
	"booking_approved": {
		"Your booking was approved",
		"Booking {{.booking_id}} is confirmed. Total charged: {{.total}}.",
	},
	"booking_declined": {
		"Your booking was declined",
		"Booking {{.booking_id}} was declined. {{.refund_amount}} has been refunded to your balance.",
	},
	"booking_cancelled": {
		"A booking was cancelled",
		"Booking {{.booking_id}} was cancelled by the guest. Refund issued: {{.refund_amount}}.",
	},
	"withdrawal_requested": {
		"Withdrawal request received",
		"Your withdrawal request for {{.amount}} is pending review.",
	},
}

// Render produces subject and body for a template, or an error for an
// unknown template id.
func Render(templateID string, params map[string]interface{}) (string, string, error) {
	tmpl, ok := templates[templateID]
	if !ok {
		return "", "", fmt.Errorf("unknown notification template %q", templateID)
	}
	subject, body := tmpl[0], tmpl[1]
	for key, val := range params {
		placeholder := fmt.Sprintf("{{.%s}}", key)
		valueStr := fmt.Sprintf("%v", val)
		subject = strings.ReplaceAll(subject, placeholder, valueStr)
		body = strings.ReplaceAll(body, placeholder, valueStr)
	}
	return subject, body, nil
}

// SMTPSender delivers via plain SMTP.
type SMTPSender struct {
	cfg  *config.Config
	auth smtp.Auth
	addr string
}

// NewSender returns an SMTP sender when a host is configured, otherwise a
// logging sender.
func NewSender(cfg *config.Config) Sender {
	if cfg.SmtpHost == "" {
		log.Println("SMTP host not configured, using logging notification sender.")
		return &LoggingSender{}
	}
	auth := smtp.PlainAuth("", cfg.SmtpUsername, cfg.SmtpPassword, cfg.SmtpHost)
	return &SMTPSender{
		cfg:  cfg,
		auth: auth,
		addr: fmt.Sprintf("%s:%d", cfg.SmtpHost, cfg.SmtpPort),
	}
}

// Deliver sends one message. The recipient is expected to be an address the
// product layer resolved from the user id.
func (s *SMTPSender) Deliver(ctx context.Context, recipient, subject, body string) error {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("To: %s\r\n", recipient))
	sb.WriteString(fmt.Sprintf("From: %s\r\n", s.cfg.SmtpFromAddress))
	sb.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	sb.WriteString("Date: " + time.Now().Format(time.RFC1123Z) + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(body)
	sb.WriteString("\r\n")

	if err := smtp.SendMail(s.addr, s.auth, s.cfg.SmtpFromAddress, []string{recipient}, []byte(sb.String())); err != nil {
		log.Printf("Failed to deliver notification via SMTP to %s: %v", recipient, err)
		return fmt.Errorf("smtp error: %w", err)
	}
	return nil
}

// LoggingSender logs deliveries instead of sending them.
type LoggingSender struct{}

// Deliver logs the message details.
func (s *LoggingSender) Deliver(ctx context.Context, recipient, subject, body string) error {
	log.Printf("--- Delivering notification (logged) ---")
	log.Printf("To: %s", recipient)
	log.Printf("Subject: %s", subject)
	log.Printf("Body: %s", body)
	return nil
}
