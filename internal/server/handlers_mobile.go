package server

import (
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/chatremote/host/internal/errors"
	"github.com/chatremote/host/internal/model"
	"github.com/chatremote/host/internal/search"
)

// CommandRequest is the body of POST /api/instances/{id}/commands.
type CommandRequest struct {
	Type      model.CommandType `json:"type"`
	SessionID string            `json:"sessionId,omitempty"`
	Message   string            `json:"message,omitempty"`
}

// HistoryResponse is returned by the history endpoint.
type HistoryResponse struct {
	InstanceID string                      `json:"instanceId"`
	SessionID  string                      `json:"sessionId"`
	Messages   []model.ConversationMessage `json:"messages"`
}

// InstanceLookupResponse names the instance that should handle a session or
// workspace.
type InstanceLookupResponse struct {
	InstanceID string `json:"instanceId"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Snapshot())
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.ListInstances())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sessions, ok := s.registry.ListSessions(id)
	if !ok {
		writeError(w, apperrors.InstanceNotFound(id), 0)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, sid := r.PathValue("id"), r.PathValue("sid")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, apperrors.InvalidQuery("limit must be an integer"), 0)
			return
		}
		limit = n
	}

	msgs, err := s.registry.GetSessionHistory(r.Context(), id, sid, limit)
	if err != nil {
		if !apperrors.IsNotFound(err) {
			s.logger.Warn("history read failed", zap.String("instance", id), zap.String("session", sid), zap.Error(err))
		}
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{InstanceID: id, SessionID: sid, Messages: msgs})
}

func (s *Server) handleQueueCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req CommandRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, err, 0)
		return
	}
	if err := validateCommand(req); err != nil {
		writeError(w, err, 0)
		return
	}
	if !s.registry.HasInstance(id) {
		writeError(w, apperrors.InstanceNotFound(id), 0)
		return
	}
	if !s.limiters.allow(id) {
		writeError(w, apperrors.New(apperrors.CodeCommandRateLimited, "too many commands for instance "+id), 0)
		return
	}

	var (
		cmd model.Command
		ok  bool
	)
	switch req.Type {
	case model.CommandSendMessage:
		cmd, ok = s.registry.QueueSendMessage(id, req.SessionID, req.Message)
	case model.CommandOpenSession:
		cmd, ok = s.registry.QueueOpenSession(id, req.SessionID)
	case model.CommandNewConversation:
		cmd, ok = s.registry.QueueNewConversation(id)
	}
	if !ok {
		writeError(w, apperrors.InstanceNotFound(id), 0)
		return
	}
	s.logger.Info("command queued",
		zap.String("instance", id),
		zap.String("command", cmd.ID),
		zap.String("type", string(cmd.Type)),
		zap.String("device", deviceFromContext(r.Context())))
	writeJSON(w, http.StatusOK, cmd)
}

func validateCommand(req CommandRequest) error {
	switch req.Type {
	case model.CommandSendMessage:
		if req.SessionID == "" {
			return apperrors.InvalidCommand("sessionId is required")
		}
		if strings.TrimSpace(req.Message) == "" {
			return apperrors.InvalidCommand("message is required")
		}
	case model.CommandOpenSession:
		if req.SessionID == "" {
			return apperrors.InvalidCommand("sessionId is required")
		}
	case model.CommandNewConversation:
	case "":
		return apperrors.InvalidCommand("type is required")
	default:
		return apperrors.InvalidCommand("unknown type " + strconv.Quote(string(req.Type)))
	}
	return nil
}

func (s *Server) handleSearchGet(w http.ResponseWriter, r *http.Request) {
	p, err := search.ParseValues(r.URL.Query())
	if err != nil {
		writeError(w, err, 0)
		return
	}
	s.runSearch(w, p)
}

func (s *Server) handleSearchPost(w http.ResponseWriter, r *http.Request) {
	var p search.Params
	if err := decodeJSON(r, &p, true); err != nil {
		writeError(w, err, 0)
		return
	}
	s.runSearch(w, p)
}

func (s *Server) runSearch(w http.ResponseWriter, p search.Params) {
	res, err := s.search.Search(s.registry.Snapshot(), p)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleFindSessionInstance(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	id, ok := s.registry.FindSessionInstance(sid)
	if !ok {
		writeError(w, apperrors.New(apperrors.CodeSessionNotFound, "no instance holds session "+sid), 0)
		return
	}
	writeJSON(w, http.StatusOK, InstanceLookupResponse{InstanceID: id})
}

func (s *Server) handleFindWorkspaceInstance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dir, file := q.Get("dir"), q.Get("file")
	if dir == "" && file == "" {
		writeError(w, apperrors.InvalidQuery("dir or file is required"), 0)
		return
	}
	id, ok := s.registry.FindInstanceForWorkspace(dir, file)
	if !ok {
		writeError(w, apperrors.New(apperrors.CodeInstanceNotFound, "no instance has the workspace open"), 0)
		return
	}
	writeJSON(w, http.StatusOK, InstanceLookupResponse{InstanceID: id})
}
