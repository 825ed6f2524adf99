package model

import (
	"os"
	"runtime"
	"strings"
)

// userHomeDir is swapped in tests.
var userHomeDir = os.UserHomeDir

// CaseInsensitivePlatform reports whether paths on platform compare without
// regard to case. An empty platform means the daemon's own platform.
func CaseInsensitivePlatform(platform string) bool {
	if platform == "" {
		platform = runtime.GOOS
	}
	switch strings.ToLower(platform) {
	case "darwin", "win32", "windows":
		return true
	}
	return false
}

// NormalizePath returns the comparison key for a filesystem path reported by
// an editor running on platform: "~" expanded to the home directory,
// trailing separators stripped, lower-cased on case-insensitive platforms.
// Separators themselves are left alone.
func NormalizePath(p, platform string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if p == "~" || strings.HasPrefix(p, "~/") || strings.HasPrefix(p, `~\`) {
		if home, err := userHomeDir(); err == nil && home != "" {
			p = home + p[1:]
		}
	}
	trimmed := strings.TrimRight(p, `/\`)
	if trimmed == "" {
		// Root directory: keep one separator.
		trimmed = p[:1]
	}
	if CaseInsensitivePlatform(platform) {
		trimmed = strings.ToLower(trimmed)
	}
	return trimmed
}

// SessionKey is the identity of a session across provenances.
type SessionKey struct {
	ID   string
	Path string
}

// KeyOf returns the identity key of r using platform-normalized jsonPath.
func KeyOf(r SessionRecord, platform string) SessionKey {
	return SessionKey{ID: r.ID, Path: NormalizePath(r.JSONPath, platform)}
}
