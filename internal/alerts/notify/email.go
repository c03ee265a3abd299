package notify

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
)

// SMTPConfig holds mail relay settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// Configured reports whether the relay settings are usable.
func (c SMTPConfig) Configured() bool {
	return c.Host != "" && c.Username != "" && c.Password != ""
}

// SMTPChannel delivers alert emails through an SMTP relay.
type SMTPChannel struct {
	cfg  SMTPConfig
	send func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPChannel constructs an email channel.
func NewSMTPChannel(cfg SMTPConfig) (*SMTPChannel, error) {
	if !cfg.Configured() {
		return nil, errors.New("smtp channel: host/username/password required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &SMTPChannel{cfg: cfg, send: smtp.SendMail}, nil
}

// Send delivers one message to the addresses.
func (s *SMTPChannel) Send(ctx context.Context, addresses []string, subject, body string) error {
	if s == nil {
		return errors.New("smtp channel: nil channel")
	}
	if len(addresses) == 0 {
		return errors.New("smtp channel: no addresses")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(addresses, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(body)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)

	done := make(chan error, 1)
	go func() {
		done <- s.send(addr, auth, s.cfg.From, addresses, []byte(b.String()))
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
