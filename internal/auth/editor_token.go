package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// EditorToken is the shared secret the editor extension presents. It lives
// in a 0600 file that only the local user can read; the extension reads the
// same file.
//
// The token is immutable after Ensure, so Validate is safe for concurrent
// use.
type EditorToken struct {
	path   string
	token  string
	logger *zap.Logger
}

// NewEditorToken returns a token backed by path. Nothing is read until
// Ensure.
func NewEditorToken(path string, logger *zap.Logger) *EditorToken {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EditorToken{path: path, logger: logger}
}

// DefaultEditorTokenPath returns ~/.chatremote/editor.token.
func DefaultEditorTokenPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".chatremote", "editor.token"), nil
}

// Ensure loads the token, generating and writing a new one when the file is
// missing or empty.
func (e *EditorToken) Ensure() (string, error) {
	data, err := os.ReadFile(e.path)
	switch {
	case err == nil:
		if e.token = strings.TrimSpace(string(data)); e.token != "" {
			e.logger.Debug("editor token loaded", zap.String("path", e.path))
			return e.token, nil
		}
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("read token file %s: %w", e.path, err)
	}

	token, err := randomToken()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(e.path), 0700); err != nil {
		return "", fmt.Errorf("create token directory: %w", err)
	}
	if err := os.WriteFile(e.path, []byte(token), 0600); err != nil {
		return "", fmt.Errorf("write token file %s: %w", e.path, err)
	}
	e.token = token
	e.logger.Info("editor token generated", zap.String("path", e.path))
	return token, nil
}

// Set pins the token, e.g. from a --editor-token flag. The file is left
// untouched.
func (e *EditorToken) Set(token string) {
	e.token = strings.TrimSpace(token)
}

// Validate reports whether token matches in constant time. It is false
// before Ensure or Set.
func (e *EditorToken) Validate(token string) bool {
	if e.token == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(e.token), []byte(token)) == 1
}

// Path returns the token file path.
func (e *EditorToken) Path() string {
	return e.path
}
