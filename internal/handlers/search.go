package handlers

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/brandon/outlook-mcp/internal/adapter"
	"github.com/brandon/outlook-mcp/internal/cache"
	"github.com/brandon/outlook-mcp/internal/fault"
	"github.com/brandon/outlook-mcp/pkg/types"
)

const maxQueryLength = 1000

// SearchEmailsParams are the search_emails parameters. The query syntax is
// opaque and passed through to the store.
type SearchEmailsParams struct {
	Query    string `json:"query"`
	FolderID string `json:"folder_id"`
	Limit    *int   `json:"limit"`
}

// SearchEmailsResult is the search_emails payload.
type SearchEmailsResult struct {
	Emails     []types.EmailSummary `json:"emails"`
	TotalCount int                  `json:"total_count"`
	Query      string               `json:"query"`
}

// SearchEmails runs a store-side search. An empty match is a success with
// an empty list.
func (r *Registry) SearchEmails(ctx context.Context, params json.RawMessage) (interface{}, *fault.Fault) {
	var p SearchEmailsParams
	if f := r.decodeParams("search_emails", params, &p, "query", "folder_id", "limit"); f != nil {
		return nil, f
	}
	if strings.TrimSpace(p.Query) == "" {
		return nil, fault.InvalidParamsField("query", "query must be a non-empty string")
	}
	if len(p.Query) > maxQueryLength {
		return nil, fault.InvalidParamsField("query", "query is too long")
	}
	limit, f := normalizeLimit(p.Limit)
	if f != nil {
		return nil, f
	}
	if p.FolderID != "" && !r.folderPermitted(p.FolderID) {
		return nil, fault.PermissionDenied(p.FolderID)
	}

	key := cache.SearchKey(p.Query, p.FolderID, limit)
	v, err := r.deps.Cache.GetOrLoad(key, r.deps.Config.Cache.EmailTTL, func() (interface{}, int64, error) {
		var emails []types.EmailSummary
		f := r.callAdapter(ctx, "search_emails", func(ctx context.Context, a adapter.MailAdapter) error {
			var err error
			emails, err = a.Search(ctx, p.Query, p.FolderID, limit)
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
	return &SearchEmailsResult{
		Emails:     emails,
		TotalCount: len(emails),
		Query:      p.Query,
	}, nil
}
