package server

import (
	"context"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/chatremote/host/internal/errors"
)

// EditorTokenHeader carries the editor token. A bearer token is accepted
// too.
const EditorTokenHeader = "X-Chatremote-Editor-Token"

type deviceKey struct{}

// deviceFromContext returns the device id authenticated for the request.
func deviceFromContext(ctx context.Context) string {
	id, _ := ctx.Value(deviceKey{}).(string)
	return id
}

// createMux wires every route. Method patterns reject other verbs with 405.
func (s *Server) createMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /status", s.loopbackOnly(http.HandlerFunc(s.handleStatus)))
	mux.Handle("POST /devices/{id}/revoke", s.loopbackOnly(http.HandlerFunc(s.handleRevokeDevice)))

	editor := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.loopbackOnly(s.requireEditor(h)))
	}
	editor("POST /api/editor/register", s.handleRegister)
	editor("POST /api/editor/{id}/heartbeat", s.handleHeartbeat)
	editor("PUT /api/editor/{id}/sessions", s.handleUpdateSessions)
	editor("PUT /api/editor/{id}/sessions/{sid}/live", s.handleUpdateLive)
	editor("GET /api/editor/{id}/commands", s.handleListCommands)
	editor("POST /api/editor/{id}/commands/{cid}/ack", s.handleAckCommand)

	mobile := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.requireDevice(h))
	}
	mobile("GET /api/snapshot", s.handleSnapshot)
	mobile("GET /api/instances", s.handleListInstances)
	mobile("GET /api/instances/{id}/sessions", s.handleListSessions)
	mobile("GET /api/instances/{id}/sessions/{sid}/history", s.handleHistory)
	mobile("POST /api/instances/{id}/commands", s.handleQueueCommand)
	mobile("GET /api/search", s.handleSearchGet)
	mobile("POST /api/search", s.handleSearchPost)
	mobile("GET /api/sessions/{sid}/instance", s.handleFindSessionInstance)
	mobile("GET /api/workspaces/instance", s.handleFindWorkspaceInstance)
	mobile("GET /ws", s.handleWebSocket)

	return mux
}

// loopbackOnly rejects requests that do not come from this machine.
func (s *Server) loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.isLoopbackRequest(r) {
			writeError(w, apperrors.New(apperrors.CodeAuthRequired, "endpoint is local-only"), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireEditor checks the editor token when one is configured.
func (s *Server) requireEditor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.editorAuth != nil {
			token := r.Header.Get(EditorTokenHeader)
			if token == "" {
				token = extractBearerToken(r)
			}
			if token == "" {
				writeError(w, apperrors.New(apperrors.CodeAuthRequired, "editor token required"), http.StatusUnauthorized)
				return
			}
			if !s.editorAuth.Validate(token) {
				s.logger.Warn("editor request rejected: invalid token", zap.String("path", r.URL.Path))
				writeError(w, apperrors.New(apperrors.CodeAuthInvalid, "invalid editor token"), http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// requireDevice checks the paired-device bearer token when auth is
// required, and records the device on the request context.
func (s *Server) requireDevice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAuth || s.deviceAuth == nil {
			next.ServeHTTP(w, r)
			return
		}
		// Local CLI commands present the editor token instead of a device
		// token.
		if et := r.Header.Get(EditorTokenHeader); et != "" && s.editorAuth != nil && s.isLoopbackRequest(r) {
			if s.editorAuth.Validate(et) {
				next.ServeHTTP(w, r)
				return
			}
		}
		token := extractBearerToken(r)
		if token == "" {
			writeError(w, apperrors.New(apperrors.CodeAuthRequired, "missing bearer token"), http.StatusUnauthorized)
			return
		}
		device, err := s.deviceAuth.ValidateToken(token)
		if err != nil || device == nil {
			s.logger.Info("mobile request rejected", zap.String("path", r.URL.Path), zap.Error(err))
			writeError(w, apperrors.New(apperrors.CodeAuthInvalid, "invalid token"), http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), deviceKey{}, device.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractBearerToken returns the token from "Authorization: Bearer <token>",
// falling back to the "token" query parameter for websocket clients that
// cannot set headers.
func extractBearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):])
		}
	}
	return r.URL.Query().Get("token")
}

// isLoopbackRequest reports whether r comes from 127.0.0.0/8 or ::1.
// Unparseable addresses are treated as remote.
func (s *Server) isLoopbackRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		s.logger.Debug("cannot parse remote address", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
