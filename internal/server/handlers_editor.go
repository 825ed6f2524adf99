package server

import (
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/chatremote/host/internal/errors"
	"github.com/chatremote/host/internal/model"
	"github.com/chatremote/host/internal/registry"
)

// RegisterRequest is the body of POST /api/editor/register.
type RegisterRequest struct {
	model.AppMeta
	// Rescan scans the instance's workspace before responding so the first
	// snapshot already carries its disk sessions.
	Rescan bool `json:"rescan,omitempty"`
}

// LiveHistoryRequest is the body of PUT /api/editor/{id}/sessions/{sid}/live.
type LiveHistoryRequest struct {
	Messages  []registry.LiveMessage `json:"messages"`
	UpdatedAt *int64                 `json:"updatedAt,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, err, 0)
		return
	}
	info, err := s.registry.Register(r.Context(), req.AppMeta, registry.RegisterOptions{Rescan: req.Rescan})
	if err != nil {
		writeError(w, err, 0)
		return
	}
	s.logger.Info("editor registered",
		zap.String("instance", info.InstanceID),
		zap.String("app", string(info.AppTarget)),
		zap.String("label", info.Label))
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.registry.Heartbeat(id) {
		writeError(w, apperrors.InstanceNotFound(id), 0)
		return
	}
	writeOK(w)
}

func (s *Server) handleUpdateSessions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var sessions []model.SessionRecord
	if err := decodeJSON(r, &sessions, false); err != nil {
		writeError(w, err, 0)
		return
	}
	if !s.registry.UpdateSessions(id, sessions) {
		writeError(w, apperrors.InstanceNotFound(id), 0)
		return
	}
	writeOK(w)
}

func (s *Server) handleUpdateLive(w http.ResponseWriter, r *http.Request) {
	id, sid := r.PathValue("id"), r.PathValue("sid")
	var req LiveHistoryRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, err, 0)
		return
	}
	if !s.registry.UpdateLiveHistory(id, sid, req.Messages, req.UpdatedAt) {
		writeError(w, apperrors.InstanceNotFound(id), 0)
		return
	}
	writeOK(w)
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cmds, ok := s.registry.ListCommands(id)
	if !ok {
		writeError(w, apperrors.InstanceNotFound(id), 0)
		return
	}
	writeJSON(w, http.StatusOK, cmds)
}

func (s *Server) handleAckCommand(w http.ResponseWriter, r *http.Request) {
	id, cid := r.PathValue("id"), r.PathValue("cid")
	if s.registry.AckCommand(id, cid) {
		writeOK(w)
		return
	}
	if !s.registry.HasInstance(id) {
		writeError(w, apperrors.InstanceNotFound(id), 0)
		return
	}
	writeError(w, apperrors.CommandNotFound(id, cid), 0)
}
