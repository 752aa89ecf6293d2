package notify

import (
	"log"

	gomail "gopkg.in/gomail.v2"
)

// Sender delivers a single HTML message. Implementations must be safe for
// concurrent use; job handlers send from the worker pool.
type Sender interface {
	Send(to, subject, htmlBody string) error
}

// SMTPSender delivers through a configured SMTP relay.
type SMTPSender struct {
	dialer *gomail.Dialer
	from   string
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func NewSMTP(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

func (s *SMTPSender) Send(to, subject, htmlBody string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", htmlBody)
	return s.dialer.DialAndSend(m)
}

// ConsoleSender logs instead of delivering. Default when no SMTP host is
// configured, and what tests swap in to capture messages.
type ConsoleSender struct {
	Logger *log.Logger
}

func (s ConsoleSender) Send(to, subject, _ string) error {
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("[notify] to=%s subject=%q", to, subject)
	return nil
}
