package notifier

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/mattmezza/pacealert/internal/config"
)

const (
	smtpDialTimeout = 10 * time.Second
	smtpSendTimeout = 30 * time.Second
)

type EmailNotifier struct {
	name        string
	config      config.EmailChannelConfig
	sendTimeout time.Duration
}

func NewEmailNotifier(name string, cfg config.EmailChannelConfig) (*EmailNotifier, error) {
	if cfg.SMTPHost == "" || cfg.SMTPPort == 0 || cfg.SMTPFrom == "" || len(cfg.SMTPTo) == 0 {
		return nil, fmt.Errorf("email notifier '%s' is missing required configuration (host, port, from, to)", name)
	}
	return &EmailNotifier{name: name, config: cfg, sendTimeout: smtpSendTimeout}, nil
}

func (en *EmailNotifier) Name() string {
	return en.name
}

// Send mails the alert. The whole SMTP exchange runs under a connection
// deadline: the send timeout, or the ctx deadline when that is earlier.
func (en *EmailNotifier) Send(ctx context.Context, data NotificationData, templates NotificationTemplates) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := renderMessage("email_body", data, templates)
	if err != nil {
		return fmt.Errorf("failed to render email template for %s: %w", data.Body, err)
	}
	msg := en.buildMessage(data, body)

	addr := net.JoinHostPort(en.config.SMTPHost, strconv.Itoa(en.config.SMTPPort))
	dialer := net.Dialer{Timeout: smtpDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial SMTP server %s: %w", addr, err)
	}
	deadline := time.Now().Add(en.sendTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set SMTP deadline: %w", err)
	}

	client, err := smtp.NewClient(conn, en.config.SMTPHost)
	if err != nil {
		conn.Close()
		return fmt.Errorf("SMTP handshake with %s failed: %w", addr, err)
	}
	defer client.Close()

	if err := en.secure(client); err != nil {
		return err
	}
	if en.config.SMTPUsername != "" {
		auth := smtp.PlainAuth("", en.config.SMTPUsername, en.config.SMTPPassword, en.config.SMTPHost)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}
	return deliver(client, extractEmail(en.config.SMTPFrom), extractAll(en.config.SMTPTo), msg)
}

func (en *EmailNotifier) buildMessage(data NotificationData, body string) []byte {
	if data.StopAction != "" {
		body += "\r\n\r\nStop the alert sound: " + data.StopAction
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(en.config.SMTPTo, ", "))
	fmt.Fprintf(&buf, "From: %s\r\n", en.config.SMTPFrom)
	// Nicknames come from the feed; encoding keeps CR and LF out of the header.
	subject := mime.QEncoding.Encode("utf-8", strings.TrimSpace(data.Title+" "+data.Body))
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	if data.DedupKey != "" {
		fmt.Fprintf(&buf, "X-Pacealert-Dedup-Key: %s\r\n", data.DedupKey)
	}
	buf.WriteString("\r\n")
	buf.WriteString(body)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// secure upgrades the session with STARTTLS when smtp_use_tls is set.
func (en *EmailNotifier) secure(client *smtp.Client) error {
	if !en.config.SMTPUseTLS {
		return nil
	}
	if ok, _ := client.Extension("STARTTLS"); !ok {
		if en.config.SMTPPort == 465 {
			return fmt.Errorf("smtp_use_tls uses STARTTLS; port 465 expects implicit TLS which is not supported")
		}
		return fmt.Errorf("SMTP server does not support STARTTLS, but smtp_use_tls was true")
	}
	if err := client.StartTLS(&tls.Config{ServerName: en.config.SMTPHost}); err != nil {
		return fmt.Errorf("failed to start TLS with SMTP server: %w", err)
	}
	return nil
}

func deliver(client *smtp.Client, from string, to []string, msg []byte) error {
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("SMTP MAIL FROM failed: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("SMTP RCPT TO failed for %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA command failed: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("failed to write email body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close email data writer: %w", err)
	}
	return client.Quit()
}

func extractAll(addrs []string) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = extractEmail(a)
	}
	return out
}

// extractEmail returns the bare address of "Display Name <addr>" forms.
func extractEmail(full string) string {
	if parsed, err := mail.ParseAddress(full); err == nil {
		return parsed.Address
	}
	return strings.TrimSpace(full)
}
