package handlers

import (
	"context"
	"encoding/json"

	"github.com/brandon/outlook-mcp/internal/adapter"
	"github.com/brandon/outlook-mcp/internal/cache"
	"github.com/brandon/outlook-mcp/internal/fault"
	"github.com/brandon/outlook-mcp/pkg/types"
)

// GetEmailParams are the get_email parameters.
type GetEmailParams struct {
	EmailID            string `json:"email_id"`
	IncludeBody        *bool  `json:"include_body"`
	IncludeAttachments *bool  `json:"include_attachments"`
	BodyFormat         string `json:"body_format"`
}

// GetEmailResult is the get_email payload.
type GetEmailResult struct {
	Email *types.EmailFull `json:"email"`
}

// GetEmail fetches one email in full, consulting the full-email cache
// first.
func (r *Registry) GetEmail(ctx context.Context, params json.RawMessage) (interface{}, *fault.Fault) {
	var p GetEmailParams
	if f := r.decodeParams("get_email", params, &p, "email_id", "include_body", "include_attachments", "body_format"); f != nil {
		return nil, f
	}
	if p.EmailID == "" {
		return nil, fault.InvalidParamsField("email_id", "email_id must be a non-empty string")
	}
	switch p.BodyFormat {
	case "", "html", "text":
	default:
		return nil, fault.InvalidParamsField("body_format", "body_format must be \"html\" or \"text\"")
	}

	full, f := r.loadEmail(ctx, p.EmailID)
	if f != nil {
		return nil, f
	}

	// Shape the response without disturbing the cached value.
	out := *full
	if p.IncludeBody != nil && !*p.IncludeBody {
		out.BodyText = ""
		out.BodyHTML = ""
	} else if p.BodyFormat == "text" {
		out.BodyHTML = ""
	}
	if p.IncludeAttachments != nil && !*p.IncludeAttachments {
		out.Attachments = nil
	}
	if r.deps.Config.Security.SanitizeHTML && r.deps.Sanitizer != nil && out.BodyHTML != "" {
		out.BodyHTML = r.deps.Sanitizer(out.BodyHTML)
	}

	return &GetEmailResult{Email: &out}, nil
}

// loadEmail returns the full email, populating the cache on miss. Oversized
// bodies are truncated to the configured ceiling before caching.
func (r *Registry) loadEmail(ctx context.Context, emailID string) (*types.EmailFull, *fault.Fault) {
	v, err := r.deps.Cache.GetOrLoad(cache.EmailKey(emailID), r.deps.Config.Cache.EmailTTL, func() (interface{}, int64, error) {
		var full *types.EmailFull
		f := r.callAdapter(ctx, "get_email", func(ctx context.Context, a adapter.MailAdapter) error {
			var err error
			full, err = a.GetEmail(ctx, emailID)
			return err
		})
		if f != nil {
			return nil, 0, f
		}

		if max := r.deps.Config.Security.MaxEmailSizeBytes; max > 0 {
			if int64(len(full.BodyText)) > max {
				full.BodyText = full.BodyText[:max]
			}
			if int64(len(full.BodyHTML)) > max {
				full.BodyHTML = full.BodyHTML[:max]
			}
		}
		return full, full.SizeEstimate(), nil
	})
	if err != nil {
		return nil, fault.From(err)
	}
	return v.(*types.EmailFull), nil
}
