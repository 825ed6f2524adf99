// Package model holds the value types shared by the session scanner, the
// instance registry, the search engine and the HTTP layer.
//
// All domain timestamps are Unix epoch milliseconds, which is what the
// editor extension reports and what the session files store.
package model

import (
	"strings"
	"time"
)

// AppTarget identifies an editor build (stable, insiders, forks).
type AppTarget string

const (
	AppVSCode         AppTarget = "vscode"
	AppVSCodeInsiders AppTarget = "vscode-insiders"
	AppCursor         AppTarget = "cursor"
	AppWindsurf       AppTarget = "windsurf"
	AppVSCodium       AppTarget = "vscodium"
)

// KnownAppTargets lists every target in the fixed order used for tie-breaking.
var KnownAppTargets = []AppTarget{AppVSCode, AppVSCodeInsiders, AppCursor, AppWindsurf, AppVSCodium}

// Rank returns the position of t in KnownAppTargets, or len(KnownAppTargets)
// for unknown values.
func (t AppTarget) Rank() int {
	for i, known := range KnownAppTargets {
		if known == t {
			return i
		}
	}
	return len(KnownAppTargets)
}

// Valid reports whether t is one of the known targets.
func (t AppTarget) Valid() bool {
	return t.Rank() < len(KnownAppTargets)
}

// AppTargetFromName maps a reported application name to a target.
// Unknown names fall back to AppVSCode.
func AppTargetFromName(name string) AppTarget {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "insiders"):
		return AppVSCodeInsiders
	case strings.Contains(n, "cursor"):
		return AppCursor
	case strings.Contains(n, "windsurf"):
		return AppWindsurf
	case strings.Contains(n, "codium"):
		return AppVSCodium
	default:
		return AppVSCode
	}
}

// SessionSource tells whether a chat session belongs to a workspace or to an
// editor window with no folder open.
type SessionSource string

const (
	SourceWorkspace   SessionSource = "workspace"
	SourceEmptyWindow SessionSource = "empty-window"
)

// SessionRecord is one chat session as seen by a single provenance: either
// reported live by an editor instance or recovered from a session file.
type SessionRecord struct {
	ID              string        `json:"id"`
	Title           string        `json:"title"`
	LastMessageDate int64         `json:"lastMessageDate"`
	NeedsInput      bool          `json:"needsInput"`
	Source          SessionSource `json:"source"`
	WorkspaceID     string        `json:"workspaceId,omitempty"`
	WorkspaceDir    string        `json:"workspaceDir,omitempty"`
	WorkspaceFile   string        `json:"workspaceFile,omitempty"`
	DisplayName     string        `json:"displayName,omitempty"`
	JSONPath        string        `json:"jsonPath,omitempty"`
	InstanceID      string        `json:"instanceId,omitempty"`
	AppTarget       AppTarget     `json:"appTarget,omitempty"`
}

// Role is the speaker of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is user or assistant.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// FileTree is a labelled tree attached to assistant turns (e.g. a list of
// edited files).
type FileTree struct {
	Label    string     `json:"label"`
	URI      string     `json:"uri,omitempty"`
	Children []FileTree `json:"children,omitempty"`
}

// ConversationMessage is one turn of a chat transcript.
type ConversationMessage struct {
	ID        string     `json:"id"`
	Role      Role       `json:"role"`
	Text      string     `json:"text"`
	Timestamp int64      `json:"timestamp"`
	FileTrees []FileTree `json:"fileTrees,omitempty"`
}

// AppMeta is what an editor instance reports about itself on register.
type AppMeta struct {
	InstanceID       string    `json:"instanceId"`
	AppName          string    `json:"appName"`
	AppVersion       string    `json:"appVersion,omitempty"`
	AppTarget        AppTarget `json:"appTarget,omitempty"`
	Platform         string    `json:"platform,omitempty"`
	PID              int       `json:"pid,omitempty"`
	WorkspaceFolders []string  `json:"workspaceFolders,omitempty"`
	WorkspaceFile    string    `json:"workspaceFile,omitempty"`
	Label            string    `json:"label,omitempty"`
}

// EmptyWindow reports whether the instance has no folder or workspace open.
func (m AppMeta) EmptyWindow() bool {
	return len(m.WorkspaceFolders) == 0 && m.WorkspaceFile == ""
}

// Normalized fills the derived fields (target and label) when missing.
func (m AppMeta) Normalized() AppMeta {
	if !m.AppTarget.Valid() {
		m.AppTarget = AppTargetFromName(m.AppName)
	}
	if m.Label == "" {
		name := m.AppName
		if name == "" {
			name = string(m.AppTarget)
		}
		switch {
		case m.WorkspaceFile != "":
			m.Label = name + " (" + strings.TrimSuffix(baseName(m.WorkspaceFile), ".code-workspace") + ")"
		case len(m.WorkspaceFolders) > 0:
			m.Label = name + " (" + baseName(m.WorkspaceFolders[0]) + ")"
		default:
			m.Label = name + " (empty window)"
		}
	}
	return m
}

// baseName handles both separators since the reporting editor may run on a
// different platform than the one that wrote the path.
func baseName(p string) string {
	p = strings.TrimRight(p, `/\`)
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}

// BaseName returns the last element of a slash or backslash separated path.
func BaseName(p string) string {
	return baseName(p)
}

// CommandType is the variant tag of an outbound command.
type CommandType string

const (
	CommandSendMessage     CommandType = "sendMessage"
	CommandOpenSession     CommandType = "openSession"
	CommandNewConversation CommandType = "newConversation"
)

// Command is queued for an editor instance to execute.
type Command struct {
	ID        string      `json:"id"`
	CreatedAt int64       `json:"createdAt"`
	Type      CommandType `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// Millis converts t to epoch milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
