package sessionfile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/chatremote/host/internal/model"
)

// recentlyOpenedKey is the ItemTable key holding the editor's recent list.
const recentlyOpenedKey = "history.recentlyOpenedPathsList"

// recentList is the JSON value stored under recentlyOpenedKey. File entries
// (single files opened outside a folder) are ignored.
type recentList struct {
	Entries []struct {
		FolderURI string `json:"folderUri"`
		Workspace *struct {
			ConfigPath string `json:"configPath"`
		} `json:"workspace"`
	} `json:"entries"`
}

// Recent returns app's recently-opened folders and workspace files in the
// editor's own order. The editor's global state database is opened
// read-only; a missing database yields an empty list.
func (s *FileScanner) Recent(ctx context.Context, app model.AppTarget) ([]model.RecentEntry, error) {
	root := s.roots[app]
	if root == "" {
		return nil, nil
	}
	path := filepath.Join(userDir(root), globalStorageDir, stateDB)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat state db: %w", err)
	}

	// The editor holds this database open; read-only mode plus a busy
	// timeout avoids contending with its writes.
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro&_pragma=busy_timeout(2000)")
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	defer db.Close()

	var raw []byte
	err = db.QueryRowContext(ctx, "SELECT value FROM ItemTable WHERE key = ?", recentlyOpenedKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query recent list: %w", err)
	}

	entries, err := parseRecentList(raw)
	if err != nil {
		s.logger.Debug("recent list undecodable", zap.String("app", string(app)), zap.Error(err))
		return nil, nil
	}
	return entries, nil
}

func parseRecentList(raw []byte) ([]model.RecentEntry, error) {
	var list recentList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	out := make([]model.RecentEntry, 0, len(list.Entries))
	for _, e := range list.Entries {
		var entry model.RecentEntry
		switch {
		case e.FolderURI != "":
			p, ok := FileURIToPath(e.FolderURI)
			if !ok {
				continue
			}
			entry = model.RecentEntry{Path: p, Kind: model.KindFolder}
		case e.Workspace != nil && e.Workspace.ConfigPath != "":
			p, ok := FileURIToPath(e.Workspace.ConfigPath)
			if !ok {
				continue
			}
			entry = model.RecentEntry{Path: p, Kind: model.KindWorkspaceFile}
		default:
			continue
		}
		entry.Rank = len(out)
		out = append(out, entry)
	}
	return out, nil
}
