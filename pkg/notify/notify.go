// Package notify sends operational email such as invitations. Delivery is
// fire-and-forget: a failed send is logged and never fails the request that
// triggered it.
package notify

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/openauthhq/openauth/pkg/observability"
)

// Mailer delivers one message.
type Mailer interface {
	Send(to, subject, body string) error
}

// SMTPConfig configures an SMTPMailer.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPMailer sends over plain SMTP with optional auth.
type SMTPMailer struct {
	cfg SMTPConfig
}

// NewSMTPMailer returns an SMTPMailer.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

// Send delivers one message synchronously.
func (m *SMTPMailer) Send(to, subject, body string) error {
	msg := strings.Join([]string{
		"From: " + m.cfg.From,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, m.cfg.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("sending mail to %s: %w", to, err)
	}
	return nil
}

// LogMailer writes messages to the log instead of delivering them. Used in
// development and when no SMTP host is configured.
type LogMailer struct {
	logger *observability.Logger
}

// NewLogMailer returns a LogMailer.
func NewLogMailer(logger *observability.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

// Send logs the message.
func (m *LogMailer) Send(to, subject, _ string) error {
	m.logger.WithFields(map[string]interface{}{
		"to":      to,
		"subject": subject,
	}).Info("mail delivery skipped (log mailer)")
	return nil
}

// Notifier wraps a Mailer with async dispatch and the message templates the
// platform uses.
type Notifier struct {
	mailer Mailer
	logger *observability.Logger
}

// New returns a Notifier over mailer.
func New(mailer Mailer, logger *observability.Logger) *Notifier {
	return &Notifier{mailer: mailer, logger: logger}
}

// SendInvitation mails an invite link. It returns immediately; delivery
// happens in the background.
func (n *Notifier) SendInvitation(to, orgName, acceptURL string) {
	subject := fmt.Sprintf("You have been invited to join %s", orgName)
	body := fmt.Sprintf(
		"You have been invited to join %s.\r\n\r\nAccept the invitation here: %s\r\n\r\nThe link expires in 7 days.",
		orgName, acceptURL)
	n.dispatch(to, subject, body)
}

func (n *Notifier) dispatch(to, subject, body string) {
	go func() {
		if err := n.mailer.Send(to, subject, body); err != nil {
			n.logger.WithError(err).WithField("to", to).Warn("mail delivery failed")
		}
	}()
}
