package services

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"

	"github.com/halcyard/runloom/pkg/schema"
)

// SMTPConfig configures the default email sender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender delivers send_email block messages over plain SMTP with
// STARTTLS when the server offers it.
type SMTPSender struct {
	cfg SMTPConfig
}

// NewSMTPSender creates an SMTPSender.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	return &SMTPSender{cfg: cfg}
}

// Send builds a MIME message and delivers it to all recipients in one
// SMTP session. Attachment paths are read at send time.
func (s *SMTPSender) Send(ctx context.Context, recipients []string, subject, body string, attachments []string) error {
	if len(recipients) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "send_email needs at least one recipient")
	}
	if s.cfg.Host == "" || s.cfg.From == "" {
		return schema.NewError(schema.ErrCodeValidation, "smtp sender needs a host and a from address")
	}

	msg, err := s.buildMessage(recipients, subject, body, attachments)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "smtp dial %s: %v", addr, err).WithCause(err)
	}

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return schema.NewErrorf(schema.ErrCodeExecution, "smtp handshake: %v", err).WithCause(err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
			return schema.NewErrorf(schema.ErrCodeExecution, "smtp starttls: %v", err).WithCause(err)
		}
	}
	if s.cfg.Username != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return schema.NewErrorf(schema.ErrCodeExecution, "smtp auth: %v", err).WithCause(err)
		}
	}

	if err := client.Mail(s.cfg.From); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "smtp mail from: %v", err).WithCause(err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return schema.NewErrorf(schema.ErrCodeExecution, "smtp rcpt %s: %v", rcpt, err).WithCause(err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "smtp data: %v", err).WithCause(err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return schema.NewErrorf(schema.ErrCodeExecution, "smtp write: %v", err).WithCause(err)
	}
	if err := w.Close(); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "smtp close: %v", err).WithCause(err)
	}
	return client.Quit()
}

func (s *SMTPSender) buildMessage(recipients []string, subject, body string, attachments []string) ([]byte, error) {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	buf.WriteString("MIME-Version: 1.0\r\n")

	if len(attachments) == 0 {
		buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
		buf.WriteString(body)
		return buf.Bytes(), nil
	}

	mw := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%s\r\n\r\n", mw.Boundary())

	textHeader := textproto.MIMEHeader{}
	textHeader.Set("Content-Type", "text/plain; charset=utf-8")
	part, err := mw.CreatePart(textHeader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "build message: %v", err).WithCause(err)
	}
	if _, err := part.Write([]byte(body)); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "build message: %v", err).WithCause(err)
	}

	for _, path := range attachments {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "read attachment %s: %v", path, err).WithCause(err)
		}
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", "application/octet-stream")
		header.Set("Content-Transfer-Encoding", "base64")
		header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
		part, err := mw.CreatePart(header)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "build message: %v", err).WithCause(err)
		}
		if _, err := part.Write([]byte(base64.StdEncoding.EncodeToString(data))); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "build message: %v", err).WithCause(err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "build message: %v", err).WithCause(err)
	}
	return buf.Bytes(), nil
}
