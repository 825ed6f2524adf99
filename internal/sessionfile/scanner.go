package sessionfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chatremote/host/internal/model"
)

// DefaultConcurrency bounds how many workspace folders are scanned at once.
const DefaultConcurrency = 8

// Options configures a FileScanner.
type Options struct {
	// Roots maps app targets to their user-data directories. Nil means
	// DefaultRoots().
	Roots map[model.AppTarget]string

	// Concurrency bounds parallel workspace folder scans.
	Concurrency int

	Logger *zap.Logger
}

// FileScanner finds chat session files under editor user-data directories.
// It is safe for concurrent use; it keeps no state between scans.
type FileScanner struct {
	roots       map[model.AppTarget]string
	concurrency int
	logger      *zap.Logger
}

// NewFileScanner creates a scanner.
func NewFileScanner(opts Options) *FileScanner {
	roots := opts.Roots
	if roots == nil {
		roots = DefaultRoots()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &FileScanner{
		roots:       roots,
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
	}
}

// Root returns the user-data directory for app, or "" when unknown.
func (s *FileScanner) Root(app model.AppTarget) string {
	return s.roots[app]
}

// WatchDirs lists the storage directories whose changes should trigger a
// rescan of app. Directories that do not exist are included; the caller
// decides what to do with them.
func (s *FileScanner) WatchDirs(app model.AppTarget) []string {
	root := s.roots[app]
	if root == "" {
		return nil
	}
	return []string{
		filepath.Join(userDir(root), workspaceStorageDir),
		filepath.Join(userDir(root), globalStorageDir, emptyWindowSessionDir),
	}
}

// workspaceInfo is the content of a workspace.json file.
type workspaceInfo struct {
	Folder    string `json:"folder"`
	Workspace string `json:"workspace"`
}

// Scan returns the session records visible in scope. Unreadable or
// undecodable session files are left out. An error is returned only when
// the storage root itself cannot be listed or ctx is done.
func (s *FileScanner) Scan(ctx context.Context, scope model.ScanScope) ([]model.SessionRecord, error) {
	root := s.roots[scope.AppTarget]
	if root == "" {
		return nil, nil
	}

	log := s.logger.With(zap.String("app", string(scope.AppTarget)), zap.Bool("global", scope.Global))

	wsRoot := filepath.Join(userDir(root), workspaceStorageDir)
	entries, err := os.ReadDir(wsRoot)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("list workspace storage: %w", err)
	}

	var (
		mu      sync.Mutex
		records []model.SessionRecord
	)
	collect := func(recs []model.SessionRecord) {
		if len(recs) == 0 {
			return
		}
		mu.Lock()
		records = append(records, recs...)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(wsRoot, entry.Name())
		hash := entry.Name()
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			info, ok := readWorkspaceInfo(dir)
			if !ok {
				return nil
			}
			wsDir, wsFile := info.paths()
			if !scope.Global && !scopeMatches(scope, wsDir, wsFile) {
				return nil
			}
			recs := s.scanSessionDir(log, filepath.Join(dir, chatSessionsDir), func(r *model.SessionRecord) {
				r.Source = model.SourceWorkspace
				r.WorkspaceID = hash
				r.WorkspaceDir = wsDir
				r.WorkspaceFile = wsFile
				r.DisplayName = workspaceDisplayName(wsDir, wsFile)
			})
			collect(recs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if scope.Global || scope.EmptyWindow() {
		dir := filepath.Join(userDir(root), globalStorageDir, emptyWindowSessionDir)
		collect(s.scanSessionDir(log, dir, func(r *model.SessionRecord) {
			r.Source = model.SourceEmptyWindow
		}))
	}

	for i := range records {
		records[i].AppTarget = scope.AppTarget
		if !scope.Global {
			records[i].InstanceID = scope.InstanceID
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].LastMessageDate != records[j].LastMessageDate {
			return records[i].LastMessageDate > records[j].LastMessageDate
		}
		return records[i].JSONPath < records[j].JSONPath
	})

	log.Debug("scan complete", zap.Int("sessions", len(records)))
	return records, nil
}

// scanSessionDir decodes every session file in dir. A missing directory is
// not an error.
func (s *FileScanner) scanSessionDir(log *zap.Logger, dir string, fill func(*model.SessionRecord)) []model.SessionRecord {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Debug("skip session dir", zap.String("dir", dir), zap.Error(err))
		}
		return nil
	}
	var out []model.SessionRecord
	for _, entry := range entries {
		if entry.IsDir() || !isSessionFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		doc, found, err := decodeFile(path)
		if err != nil {
			log.Debug("skip session file", zap.String("path", path), zap.Error(err))
			continue
		}
		if !found {
			continue
		}
		var mtime int64
		if fi, err := entry.Info(); err == nil {
			mtime = model.Millis(fi.ModTime())
		}
		rec := doc.record(path, mtime)
		fill(&rec)
		out = append(out, rec)
	}
	return out
}

func readWorkspaceInfo(dir string) (workspaceInfo, bool) {
	data, err := os.ReadFile(filepath.Join(dir, workspaceJSON))
	if err != nil {
		return workspaceInfo{}, false
	}
	var info workspaceInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return workspaceInfo{}, false
	}
	return info, true
}

// paths decodes the folder and workspace-file URIs. Remote URIs decode to
// nothing.
func (w workspaceInfo) paths() (dir, file string) {
	if w.Folder != "" {
		dir, _ = FileURIToPath(w.Folder)
	}
	if w.Workspace != "" {
		file, _ = FileURIToPath(w.Workspace)
	}
	return dir, file
}

func scopeMatches(scope model.ScanScope, wsDir, wsFile string) bool {
	if wsFile != "" && scope.WorkspaceFile != "" &&
		model.NormalizePath(wsFile, scope.Platform) == model.NormalizePath(scope.WorkspaceFile, scope.Platform) {
		return true
	}
	if wsDir == "" {
		return false
	}
	key := model.NormalizePath(wsDir, scope.Platform)
	for _, f := range scope.WorkspaceFolders {
		if model.NormalizePath(f, scope.Platform) == key {
			return true
		}
	}
	return false
}

func workspaceDisplayName(dir, file string) string {
	if file != "" {
		return strings.TrimSuffix(model.BaseName(file), ".code-workspace")
	}
	return model.BaseName(dir)
}

// ReadTranscript implements the registry's transcript reader.
func (s *FileScanner) ReadTranscript(ctx context.Context, path string) (model.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return model.Transcript{}, err
	}
	return ReadTranscript(path)
}
