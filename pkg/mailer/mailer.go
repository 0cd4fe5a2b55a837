// Package mailer sends failure notification mail.
package mailer

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/hostedops/deployoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// Mail is one outgoing message.
type Mail struct {
	Recipients []string
	Subject    string
	Body       string
}

// Mailer sends mail.
type Mailer interface {
	Send(mail Mail) error
}

// Compile-time interface checks.
var (
	_ Mailer = (*smtpMailer)(nil)
	_ Mailer = (*nullMailer)(nil)
)

type smtpMailer struct {
	log logrus.FieldLogger
	cfg *config.MailerConfig
}

// NewSMTP creates a Mailer sending through the configured SMTP relay.
func NewSMTP(log logrus.FieldLogger, cfg *config.MailerConfig) Mailer {
	return &smtpMailer{
		log: log.WithField("component", "mailer"),
		cfg: cfg,
	}
}

func (m *smtpMailer) Send(mail Mail) error {
	if len(mail.Recipients) == 0 {
		return nil
	}

	message := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		m.cfg.From,
		strings.Join(mail.Recipients, ", "),
		mail.Subject,
		mail.Body)

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	if err := smtp.SendMail(addr, auth, m.cfg.From, mail.Recipients, []byte(message)); err != nil {
		return fmt.Errorf("sending mail: %w", err)
	}

	m.log.WithField("recipients", len(mail.Recipients)).Debug("Mail sent")

	return nil
}

type nullMailer struct {
	log logrus.FieldLogger
}

// NewNull creates a Mailer which only logs. Used when mail is not configured.
func NewNull(log logrus.FieldLogger) Mailer {
	return &nullMailer{log: log.WithField("component", "mailer")}
}

func (m *nullMailer) Send(mail Mail) error {
	m.log.WithFields(logrus.Fields{
		"recipients": mail.Recipients,
		"subject":    mail.Subject,
	}).Info("Mail suppressed: no mailer configured")

	return nil
}
