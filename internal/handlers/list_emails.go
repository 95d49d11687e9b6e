package handlers

import (
	"context"
	"encoding/json"

	"github.com/brandon/outlook-mcp/internal/adapter"
	"github.com/brandon/outlook-mcp/internal/cache"
	"github.com/brandon/outlook-mcp/internal/fault"
	"github.com/brandon/outlook-mcp/pkg/types"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// ListEmailsParams are the list_emails parameters.
type ListEmailsParams struct {
	FolderID   string `json:"folder_id"`
	UnreadOnly bool   `json:"unread_only"`
	Limit      *int   `json:"limit"`
}

// ListInboxParams are the list_inbox_emails parameters.
type ListInboxParams struct {
	UnreadOnly bool `json:"unread_only"`
	Limit      *int `json:"limit"`
}

// ListEmailsResult is the payload for both listing methods.
type ListEmailsResult struct {
	Emails     []types.EmailSummary `json:"emails"`
	TotalCount int                  `json:"total_count"`
	Folder     string               `json:"folder"`
}

// ListEmails lists a folder's newest emails, serving from the summary cache
// when fresh.
func (r *Registry) ListEmails(ctx context.Context, params json.RawMessage) (interface{}, *fault.Fault) {
	var p ListEmailsParams
	if f := r.decodeParams("list_emails", params, &p, "folder_id", "unread_only", "limit"); f != nil {
		return nil, f
	}
	if p.FolderID == "" {
		return nil, fault.InvalidParamsField("folder_id", "folder_id must be a non-empty string")
	}
	limit, f := normalizeLimit(p.Limit)
	if f != nil {
		return nil, f
	}
	return r.listFolder(ctx, p.FolderID, p.UnreadOnly, limit)
}

// ListInboxEmails resolves the default inbox and delegates to the listing
// path.
func (r *Registry) ListInboxEmails(ctx context.Context, params json.RawMessage) (interface{}, *fault.Fault) {
	var p ListInboxParams
	if f := r.decodeParams("list_inbox_emails", params, &p, "unread_only", "limit"); f != nil {
		return nil, f
	}
	limit, f := normalizeLimit(p.Limit)
	if f != nil {
		return nil, f
	}

	inboxID, f := r.resolveInbox(ctx)
	if f != nil {
		return nil, f
	}
	return r.listFolder(ctx, inboxID, p.UnreadOnly, limit)
}

// listFolder is the shared listing path. Both handlers funnel here rather
// than calling each other.
func (r *Registry) listFolder(ctx context.Context, folderID string, unreadOnly bool, limit int) (*ListEmailsResult, *fault.Fault) {
	if !r.folderPermitted(folderID) {
		return nil, fault.PermissionDenied(folderID)
	}
	if folder := r.folderByID(ctx, folderID); folder != nil && !folder.Accessible {
		return nil, fault.PermissionDenied(folder.FullPath)
	}

	key := cache.SummaryKey(folderID, unreadOnly, limit)
	v, err := r.deps.Cache.GetOrLoad(key, r.deps.Config.Cache.EmailTTL, func() (interface{}, int64, error) {
		var emails []types.EmailSummary
		f := r.callAdapter(ctx, "list_emails", func(ctx context.Context, a adapter.MailAdapter) error {
			var err error
			emails, err = a.ListEmails(ctx, folderID, unreadOnly, limit)
			return err
		})
		if f != nil {
			return nil, 0, f
		}
		var size int64
		for i := range emails {
			size += emails[i].SizeEstimate()
		}
		return emails, size, nil
	})
	if err != nil {
		return nil, fault.From(err)
	}

	emails := v.([]types.EmailSummary)
	if r.prefetch != nil {
		r.prefetch.schedule(emails)
	}
	return &ListEmailsResult{
		Emails:     emails,
		TotalCount: len(emails),
		Folder:     folderID,
	}, nil
}

// normalizeLimit applies the default and range checks shared by listings
// and searches.
func normalizeLimit(limit *int) (int, *fault.Fault) {
	if limit == nil {
		return defaultListLimit, nil
	}
	if *limit < 1 || *limit > maxListLimit {
		return 0, fault.InvalidParamsField("limit", "limit must be between 1 and 1000")
	}
	return *limit, nil
}
