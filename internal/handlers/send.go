package handlers

import (
	"context"
	"encoding/json"
	"os"

	"github.com/customeros/mailsherpa/mailvalidate"

	"github.com/brandon/outlook-mcp/internal/adapter"
	"github.com/brandon/outlook-mcp/internal/fault"
	"github.com/brandon/outlook-mcp/pkg/types"
)

// SendEmailResult is the send_email payload.
type SendEmailResult struct {
	EmailID    string `json:"email_id"`
	Status     string `json:"status"`
	Recipients int    `json:"recipients"`
}

// SendEmail validates and delivers an outgoing message. Validation runs
// before admission so malformed requests never consume quota, and the
// adapter is never invoked for them.
func (r *Registry) SendEmail(ctx context.Context, params json.RawMessage) (interface{}, *fault.Fault) {
	var p types.OutgoingEmail
	if f := r.decodeParams("send_email", params, &p,
		"to", "cc", "bcc", "subject", "body", "body_format", "importance", "attachments", "save_to_sent"); f != nil {
		return nil, f
	}
	if f := validateOutgoing(&p); f != nil {
		return nil, f
	}

	var emailID string
	f := r.callAdapter(ctx, "send_email", func(ctx context.Context, a adapter.MailAdapter) error {
		var err error
		emailID, err = a.Send(ctx, &p)
		return err
	})
	if f != nil {
		return nil, f
	}

	// The send lands in Sent Items; cached listings are now stale.
	invalidated := r.deps.Cache.InvalidateListings()
	r.deps.Logger.WithField("invalidated", invalidated).Debug("Dropped stale listings after send")

	return &SendEmailResult{
		EmailID:    emailID,
		Status:     "sent",
		Recipients: p.RecipientCount(),
	}, nil
}

// validateOutgoing checks recipients, formats and attachment readability.
func validateOutgoing(p *types.OutgoingEmail) *fault.Fault {
	if len(p.To) == 0 && len(p.Cc) == 0 && len(p.Bcc) == 0 {
		return fault.InvalidParamsField("to", "at least one recipient is required")
	}
	if len(p.To) == 0 {
		return fault.InvalidParamsField("to", "to must contain at least one address")
	}

	for _, group := range [][]string{p.To, p.Cc, p.Bcc} {
		for _, addr := range group {
			validation := mailvalidate.ValidateEmailSyntax(addr)
			if !validation.IsValid {
				return fault.InvalidParamsField("to", "invalid recipient address").
					WithDetail("recipient", addr)
			}
		}
	}

	switch p.BodyFormat {
	case "", types.BodyFormatText, types.BodyFormatHTML, types.BodyFormatRTF:
	default:
		return fault.InvalidParamsField("body_format", "body_format must be text, html or rtf")
	}

	switch p.Importance {
	case "", types.ImportanceLow, types.ImportanceNormal, types.ImportanceHigh:
	default:
		return fault.InvalidParamsField("importance", "importance must be Low, Normal or High")
	}

	for _, path := range p.Attachments {
		info, err := os.Stat(path)
		if err != nil {
			return fault.InvalidParamsField("attachments", "attachment not readable").
				WithDetail("attachment", path)
		}
		if info.IsDir() {
			return fault.InvalidParamsField("attachments", "attachment is a directory").
				WithDetail("attachment", path)
		}
	}

	return nil
}
