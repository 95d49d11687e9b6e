package adapter

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/jaytaylor/html2text"
	"github.com/jhillyerd/enmime"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/brandon/outlook-mcp/internal/config"
	"github.com/brandon/outlook-mcp/internal/fault"
	"github.com/brandon/outlook-mcp/pkg/types"
)

// smtpSender delivers outgoing mail for the IMAP adapter.
type smtpSender struct {
	cfg    *config.MailConfig
	logger *logrus.Logger
}

func newSMTPSender(cfg *config.MailConfig, logger *logrus.Logger) *smtpSender {
	return &smtpSender{cfg: cfg, logger: logger}
}

// Send builds a MIME message and submits it. Returns the generated message
// id once the server has accepted the payload.
func (s *smtpSender) Send(ctx context.Context, email *types.OutgoingEmail) (string, error) {
	if s.cfg.SMTPHost == "" {
		return "", fault.New(fault.KindUnavailable, "no outgoing pipeline configured")
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.cfg.SMTPHost)

	raw, err := s.buildMessage(email, messageID)
	if err != nil {
		return "", err
	}

	recipients := make([]string, 0, email.RecipientCount())
	recipients = append(recipients, email.To...)
	recipients = append(recipients, email.Cc...)
	recipients = append(recipients, email.Bcc...)

	if err := s.submit(recipients, raw); err != nil {
		return "", err
	}

	s.logger.WithFields(logrus.Fields{
		"recipients": len(recipients),
		"size":       len(raw),
	}).Info("Message queued for send")

	return messageID, nil
}

func (s *smtpSender) buildMessage(email *types.OutgoingEmail, messageID string) ([]byte, error) {
	builder := enmime.Builder().
		From("", s.cfg.SMTPUsername).
		Subject(email.Subject).
		Header("Message-Id", messageID)

	for _, to := range email.To {
		builder = builder.To("", to)
	}
	for _, cc := range email.Cc {
		builder = builder.CC("", cc)
	}
	for _, bcc := range email.Bcc {
		builder = builder.BCC("", bcc)
	}

	switch email.Importance {
	case types.ImportanceHigh:
		builder = builder.Header("Importance", "High").Header("X-Priority", "1")
	case types.ImportanceLow:
		builder = builder.Header("Importance", "Low").Header("X-Priority", "5")
	}

	switch email.BodyFormat {
	case types.BodyFormatHTML:
		builder = builder.HTML([]byte(email.Body))
		if text, err := html2text.FromString(email.Body, html2text.Options{TextOnly: true}); err == nil {
			builder = builder.Text([]byte(text))
		}
	case types.BodyFormatRTF:
		// RTF has no transit representation here; deliver as plain text.
		builder = builder.Text([]byte(email.Body))
	default:
		builder = builder.Text([]byte(email.Body))
	}

	for _, path := range email.Attachments {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fault.Wrap(fault.KindInvalidParams, err, "attachment not readable").
				WithDetail("attachment", filepath.Base(path))
		}
		contentType := mimetype.Detect(content).String()
		builder = builder.AddAttachment(content, contentType, filepath.Base(path))
	}

	part, err := builder.Build()
	if err != nil {
		return nil, fault.Wrap(fault.KindPermanent, err, "failed to build message")
	}

	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return nil, fault.Wrap(fault.KindPermanent, err, "failed to encode message")
	}
	return buf.Bytes(), nil
}

func (s *smtpSender) submit(recipients []string, raw []byte) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.SMTPHost, s.cfg.SMTPPort)

	var auth smtp.Auth
	if s.cfg.SMTPPassword != "" {
		auth = smtp.PlainAuth("", s.cfg.SMTPUsername, s.cfg.SMTPPassword, s.cfg.SMTPHost)
	}

	var cl *smtp.Client
	if s.cfg.SMTPPort == 465 {
		conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: s.cfg.SMTPHost})
		if err != nil {
			return fault.Unavailable(errors.Wrap(err, "dial SMTP server"))
		}
		cl, err = smtp.NewClient(conn, s.cfg.SMTPHost)
		if err != nil {
			conn.Close()
			return fault.Unavailable(errors.Wrap(err, "SMTP greeting"))
		}
	} else {
		var err error
		cl, err = smtp.Dial(addr)
		if err != nil {
			return fault.Unavailable(errors.Wrap(err, "dial SMTP server"))
		}
		if err := cl.StartTLS(&tls.Config{ServerName: s.cfg.SMTPHost}); err != nil {
			cl.Close()
			return fault.Unavailable(errors.Wrap(err, "STARTTLS"))
		}
	}
	defer cl.Close()

	if auth != nil {
		if err := cl.Auth(auth); err != nil {
			return fault.Wrap(fault.KindPermissionDenied, err, "SMTP authentication rejected")
		}
	}

	if err := cl.Mail(s.cfg.SMTPUsername); err != nil {
		return fault.Wrap(fault.KindTransient, err, "MAIL FROM rejected")
	}
	for _, rcpt := range recipients {
		if err := cl.Rcpt(rcpt); err != nil {
			return fault.Wrap(fault.KindPermanent, err, "recipient rejected").WithDetail("recipient", rcpt)
		}
	}

	w, err := cl.Data()
	if err != nil {
		return fault.Wrap(fault.KindTransient, err, "DATA rejected")
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return fault.Wrap(fault.KindTransient, err, "failed to write message")
	}
	if err := w.Close(); err != nil {
		return fault.Wrap(fault.KindTransient, err, "failed to finish message")
	}

	return cl.Quit()
}
