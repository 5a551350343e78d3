package services

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMessagePlainText(t *testing.T) {
	sender := NewSMTPSender(SMTPConfig{Host: "mail.example.com", From: "runs@example.com"})

	msg, err := sender.buildMessage([]string{"ops@example.com", "qa@example.com"},
		"run finished", "all blocks completed", nil)
	require.NoError(t, err)

	text := string(msg)
	assert.Contains(t, text, "From: runs@example.com")
	assert.Contains(t, text, "To: ops@example.com, qa@example.com")
	assert.Contains(t, text, "Subject: run finished")
	assert.Contains(t, text, "Content-Type: text/plain")
	assert.Contains(t, text, "all blocks completed")
}

func TestBuildMessageWithAttachment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\n1,2\n"), 0o644))

	sender := NewSMTPSender(SMTPConfig{Host: "mail.example.com", From: "runs@example.com"})
	msg, err := sender.buildMessage([]string{"ops@example.com"}, "export ready", "see attachment", []string{path})
	require.NoError(t, err)

	text := string(msg)
	assert.Contains(t, text, "multipart/mixed")
	assert.Contains(t, text, `attachment; filename="export.csv"`)
	assert.Contains(t, text, base64.StdEncoding.EncodeToString([]byte("a,b\n1,2\n")))
}

func TestBuildMessageMissingAttachment(t *testing.T) {
	sender := NewSMTPSender(SMTPConfig{Host: "mail.example.com", From: "runs@example.com"})

	_, err := sender.buildMessage([]string{"ops@example.com"}, "s", "b",
		[]string{filepath.Join(t.TempDir(), "missing.bin")})
	require.Error(t, err)
}

func TestSendValidatesConfiguration(t *testing.T) {
	sender := NewSMTPSender(SMTPConfig{})

	err := sender.Send(context.Background(), []string{"ops@example.com"}, "s", "b", nil)
	require.Error(t, err, "host and from address are required")

	sender = NewSMTPSender(SMTPConfig{Host: "mail.example.com", From: "runs@example.com"})
	err = sender.Send(context.Background(), nil, "s", "b", nil)
	require.Error(t, err, "at least one recipient is required")
}
