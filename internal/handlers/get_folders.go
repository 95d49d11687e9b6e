package handlers

import (
	"context"
	"encoding/json"

	"github.com/brandon/outlook-mcp/internal/adapter"
	"github.com/brandon/outlook-mcp/internal/cache"
	"github.com/brandon/outlook-mcp/internal/fault"
	"github.com/brandon/outlook-mcp/pkg/types"
)

// GetFoldersResult is the get_folders response payload.
type GetFoldersResult struct {
	Folders []types.Folder `json:"folders"`
}

// GetFolders lists every reachable folder, serving from the folder-list
// cache when fresh.
func (r *Registry) GetFolders(ctx context.Context, params json.RawMessage) (interface{}, *fault.Fault) {
	var p struct{}
	if f := r.decodeParams("get_folders", params, &p); f != nil {
		return nil, f
	}

	folders, f := r.loadFolders(ctx)
	if f != nil {
		return nil, f
	}

	visible := make([]types.Folder, 0, len(folders))
	for _, folder := range folders {
		if r.folderPermitted(folder.Name) && r.folderPermitted(folder.FullPath) {
			visible = append(visible, folder)
		}
	}
	return &GetFoldersResult{Folders: visible}, nil
}

// loadFolders returns the folder list, populating the cache on miss.
func (r *Registry) loadFolders(ctx context.Context) ([]types.Folder, *fault.Fault) {
	v, err := r.deps.Cache.GetOrLoad(cache.FolderListKey(), r.deps.Config.Cache.FolderTTL, func() (interface{}, int64, error) {
		var folders []types.Folder
		f := r.callAdapter(ctx, "list_folders", func(ctx context.Context, a adapter.MailAdapter) error {
			var err error
			folders, err = a.ListFolders(ctx)
			return err
		})
		if f != nil {
			return nil, 0, f
		}
		var size int64
		for i := range folders {
			size += folders[i].SizeEstimate()
		}
		return folders, size, nil
	})
	if err != nil {
		return nil, fault.From(err)
	}
	return v.([]types.Folder), nil
}

// resolveInbox returns the default inbox id by asking the store on every
// call; the folder-list cache is not consulted and the id is not cached.
func (r *Registry) resolveInbox(ctx context.Context) (string, *fault.Fault) {
	var inboxID string
	f := r.callAdapter(ctx, "resolve_inbox", func(ctx context.Context, a adapter.MailAdapter) error {
		var err error
		inboxID, err = a.ResolveInbox(ctx)
		return err
	})
	if f != nil {
		return "", f
	}
	return inboxID, nil
}

// folderByID looks a folder up in the cached list. Unknown ids are not an
// error here; callers decide.
func (r *Registry) folderByID(ctx context.Context, folderID string) *types.Folder {
	folders, f := r.loadFolders(ctx)
	if f != nil {
		return nil
	}
	for i := range folders {
		if folders[i].ID == folderID {
			return &folders[i]
		}
	}
	return nil
}
