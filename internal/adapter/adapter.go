package adapter

import (
	"context"

	"github.com/brandon/outlook-mcp/pkg/types"
)

// MailAdapter is the capability surface the core needs from the mail store.
// Implementations report failures through the fault package's closed kind
// set; the core drives retries and JSON-RPC mapping from those kinds.
//
// Every operation is synchronous from the caller's viewpoint. The pool
// guarantees a handle is used by at most one caller at a time, so
// implementations do not need to be safe for concurrent use.
type MailAdapter interface {
	// Probe is a cheap health check. It must not touch user data.
	Probe(ctx context.Context) error

	// ListFolders walks the store's folder tree and returns every reachable
	// folder, with Accessible reflecting permission.
	ListFolders(ctx context.Context) ([]types.Folder, error)

	// ResolveInbox returns the folder id of the default inbox for the active
	// mail identity.
	ResolveInbox(ctx context.Context) (string, error)

	// ListEmails returns up to limit summaries from the folder, ordered by
	// received time descending.
	ListEmails(ctx context.Context, folderID string, unreadOnly bool, limit int) ([]types.EmailSummary, error)

	// GetEmail fetches a single email in full.
	GetEmail(ctx context.Context, emailID string) (*types.EmailFull, error)

	// Search runs a store-side search. The query syntax is opaque to the
	// core and passed through. An empty result is not an error.
	Search(ctx context.Context, query string, folderID string, limit int) ([]types.EmailSummary, error)

	// Send delivers a message through the outgoing pipeline and returns the
	// store-assigned id once queued for send.
	Send(ctx context.Context, email *types.OutgoingEmail) (string, error)

	// Close releases the underlying connection. The pool calls this exactly
	// once per handle before the slot is reused.
	Close() error
}

// Factory creates adapter connections for the pool.
type Factory func(ctx context.Context) (MailAdapter, error)
