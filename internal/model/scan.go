package model

// ScanScope selects what a disk scan covers: the workspace context of one
// instance, or a global sweep of every workspace for an application.
type ScanScope struct {
	AppTarget        AppTarget
	Platform         string
	InstanceID       string
	WorkspaceFolders []string
	WorkspaceFile    string
	Global           bool
}

// EmptyWindow reports whether an instance scope has no folder or workspace.
func (s ScanScope) EmptyWindow() bool {
	return !s.Global && len(s.WorkspaceFolders) == 0 && s.WorkspaceFile == ""
}

// InstanceScope returns the scan scope for a registered instance.
func InstanceScope(m AppMeta) ScanScope {
	return ScanScope{
		AppTarget:        m.AppTarget,
		Platform:         m.Platform,
		InstanceID:       m.InstanceID,
		WorkspaceFolders: m.WorkspaceFolders,
		WorkspaceFile:    m.WorkspaceFile,
	}
}

// GlobalScope returns the scope of a sweep over every workspace of app.
func GlobalScope(app AppTarget) ScanScope {
	return ScanScope{AppTarget: app, Global: true}
}

// TranscriptRequest is one request/response exchange recovered from a
// session file.
type TranscriptRequest struct {
	ID           string
	Message      string
	Response     string
	Timestamp    int64
	HasTimestamp bool
	Canceled     bool
	FileTrees    []FileTree
}

// Transcript is the decoded content of a session file.
type Transcript struct {
	SessionID       string
	Title           string
	CreationDate    int64
	LastMessageDate int64
	Requests        []TranscriptRequest
}

// WorkspaceKind distinguishes folder workspaces from .code-workspace files.
type WorkspaceKind string

const (
	KindFolder        WorkspaceKind = "folder"
	KindWorkspaceFile WorkspaceKind = "workspace-file"
)

// RecentEntry is one item of an editor's recently-opened list.
type RecentEntry struct {
	Path string
	Kind WorkspaceKind
	Rank int
}

// RecentWorkspaceRecord is a workspace as presented to the mobile client,
// derived from recent lists, session files and registered instances.
type RecentWorkspaceRecord struct {
	ID             string        `json:"id"`
	Label          string        `json:"label"`
	Path           string        `json:"path"`
	Kind           WorkspaceKind `json:"kind"`
	AppTarget      AppTarget     `json:"appTarget"`
	RecentRank     int           `json:"recentRank"`
	WorkspaceOpen  bool          `json:"workspaceOpen"`
	LastActivityAt int64         `json:"lastActivityAt"`
	SeenInLive     bool          `json:"seenInLive"`
	SeenOnDisk     bool          `json:"seenOnDisk"`
	InstanceID     string        `json:"instanceId,omitempty"`
}
