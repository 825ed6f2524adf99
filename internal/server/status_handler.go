package server

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// StatusResponse is returned by GET /status for `chatremote status`.
type StatusResponse struct {
	ListeningAddress string `json:"listening_address"`
	ConnectedClients int    `json:"connected_clients"`
	Instances        int    `json:"instances"`
	Sessions         int    `json:"sessions"`
	NeedsInput       int    `json:"needs_input"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
	TLSEnabled       bool   `json:"tls_enabled"`
	RequireAuth      bool   `json:"require_auth"`
}

// RevokeResponse is returned by POST /devices/{id}/revoke.
type RevokeResponse struct {
	DeviceID          string `json:"device_id"`
	ClosedConnections int    `json:"closed_connections"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.registry.Snapshot()

	s.mu.RLock()
	tlsEnabled := s.tlsEnabled
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, StatusResponse{
		ListeningAddress: s.Addr(),
		ConnectedClients: s.ClientCount(),
		Instances:        len(snap.Instances),
		Sessions:         len(snap.Sessions),
		NeedsInput:       snap.NeedsInputCount,
		UptimeSeconds:    int64(time.Since(s.startTime).Seconds()),
		TLSEnabled:       tlsEnabled,
		RequireAuth:      s.requireAuth,
	})
}

// handleRevokeDevice lets `chatremote devices revoke` tell a running daemon
// to drop the device's cached token and open websockets. The database row
// is deleted by the CLI.
func (s *Server) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.deviceAuth != nil {
		s.deviceAuth.Forget(id)
	}
	closed := s.CloseDeviceConnections(id)
	s.logger.Info("device revoked", zap.String("device", id), zap.Int("closed", closed))
	writeJSON(w, http.StatusOK, RevokeResponse{DeviceID: id, ClosedConnections: closed})
}
