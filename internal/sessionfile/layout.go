// Package sessionfile recovers chat sessions from the editor's on-disk
// storage.
//
// Each editor build keeps a user-data directory with one folder per opened
// workspace (User/workspaceStorage/<hash>) and a global folder for windows
// without a workspace (User/globalStorage). Chat sessions live under
// chatSessions/ inside the workspace folder, or under
// globalStorage/emptyWindowChatSessions/, either as a single JSON document
// (.json) or as a mutation log (.jsonl) replayed through package mutlog.
package sessionfile

import (
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/chatremote/host/internal/model"
)

const (
	workspaceStorageDir   = "workspaceStorage"
	globalStorageDir      = "globalStorage"
	chatSessionsDir       = "chatSessions"
	emptyWindowSessionDir = "emptyWindowChatSessions"
	workspaceJSON         = "workspace.json"
	stateDB               = "state.vscdb"
)

// productDirs maps each app target to the directory name its build uses
// under the platform config root.
var productDirs = map[model.AppTarget]string{
	model.AppVSCode:         "Code",
	model.AppVSCodeInsiders: "Code - Insiders",
	model.AppCursor:         "Cursor",
	model.AppWindsurf:       "Windsurf",
	model.AppVSCodium:       "VSCodium",
}

// DefaultRoots returns the user-data directory of every known app target on
// the current platform. Targets whose config root cannot be determined are
// omitted.
func DefaultRoots() map[model.AppTarget]string {
	base := configRoot(runtime.GOOS, os.Getenv, os.UserHomeDir)
	if base == "" {
		return map[model.AppTarget]string{}
	}
	roots := make(map[model.AppTarget]string, len(productDirs))
	for app, dir := range productDirs {
		roots[app] = filepath.Join(base, dir)
	}
	return roots
}

func configRoot(goos string, getenv func(string) string, home func() (string, error)) string {
	switch goos {
	case "windows":
		return getenv("APPDATA")
	case "darwin":
		h, err := home()
		if err != nil {
			return ""
		}
		return filepath.Join(h, "Library", "Application Support")
	default:
		if x := getenv("XDG_CONFIG_HOME"); x != "" {
			return x
		}
		h, err := home()
		if err != nil {
			return ""
		}
		return filepath.Join(h, ".config")
	}
}

func userDir(root string) string { return filepath.Join(root, "User") }

// FileURIToPath converts a file:// URI to a native path. Other schemes
// (remote workspaces, untitled buffers) report false.
func FileURIToPath(uri string) (string, bool) {
	u, err := url.Parse(uri)
	if err != nil || !strings.EqualFold(u.Scheme, "file") {
		return "", false
	}
	p := u.Path
	if p == "" {
		return "", false
	}
	if u.Host != "" && u.Host != "localhost" {
		// UNC share.
		return `\\` + u.Host + strings.ReplaceAll(p, "/", `\`), true
	}
	if isDrivePath(p) {
		return strings.ReplaceAll(p[1:], "/", `\`), true
	}
	return p, true
}

// isDrivePath matches "/c:" and "/c:/..." forms.
func isDrivePath(p string) bool {
	if len(p) < 3 || p[0] != '/' || p[2] != ':' {
		return false
	}
	c := p[1]
	if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
		return false
	}
	return len(p) == 3 || p[3] == '/'
}
