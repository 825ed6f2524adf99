// Package server exposes the registry over HTTP.
//
// Two kinds of callers use it. Editor extensions on the same machine report
// their instance, sessions and live transcripts and poll for commands; they
// authenticate with the local editor token. Mobile clients read snapshots,
// search, fetch history and queue commands; they authenticate with a paired
// device token when auth is required. A websocket at /ws pushes a fresh
// snapshot after every registry mutation as a convenience; clients that
// need every change still poll.
package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/chatremote/host/internal/auth"
	"github.com/chatremote/host/internal/registry"
	"github.com/chatremote/host/internal/search"
)

// channelBufferSize is the buffer of the broadcast channel and of each
// client's send channel. A client whose buffer is full is disconnected.
const channelBufferSize = 16

// Default per-instance command rate.
const (
	DefaultCommandRate  = rate.Limit(5)
	DefaultCommandBurst = 10
)

// EditorAuthenticator checks the local editor token.
type EditorAuthenticator interface {
	Validate(token string) bool
}

// DeviceAuthenticator checks paired-device bearer tokens.
type DeviceAuthenticator interface {
	ValidateToken(token string) (*auth.Device, error)
	Forget(deviceID string)
}

// Config configures a Server.
type Config struct {
	// Addr is the listen address, e.g. "0.0.0.0:7780".
	Addr string

	Registry *registry.Registry
	Search   *search.Engine

	// EditorAuth guards /api/editor routes. Nil leaves them open to
	// loopback callers.
	EditorAuth EditorAuthenticator

	// DeviceAuth validates mobile bearer tokens when RequireAuth is set.
	DeviceAuth  DeviceAuthenticator
	RequireAuth bool

	CommandRate  rate.Limit
	CommandBurst int

	Logger *zap.Logger
}

// Server serves the editor and mobile APIs and the snapshot websocket.
type Server struct {
	addr     string
	registry *registry.Registry
	search   *search.Engine
	logger   *zap.Logger

	editorAuth  EditorAuthenticator
	deviceAuth  DeviceAuthenticator
	requireAuth bool

	limiters *commandLimiters

	upgrader websocket.Upgrader

	// mu guards clients, stopped, tlsEnabled and broadcasterStarted.
	mu         sync.RWMutex
	clients    map[*Client]bool
	stopped    bool
	tlsEnabled bool

	broadcast  chan registry.Snapshot
	httpServer *http.Server
	startTime  time.Time

	broadcasterOnce    sync.Once
	broadcasterStarted bool
	broadcasterDone    chan struct{}
}

// New creates a Server and installs it as the registry's observer so every
// mutation is pushed to websocket clients.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Search == nil {
		cfg.Search = search.New(cfg.Logger)
	}
	if cfg.CommandRate <= 0 {
		cfg.CommandRate = DefaultCommandRate
	}
	if cfg.CommandBurst <= 0 {
		cfg.CommandBurst = DefaultCommandBurst
	}

	s := &Server{
		addr:        cfg.Addr,
		registry:    cfg.Registry,
		search:      cfg.Search,
		logger:      cfg.Logger,
		editorAuth:  cfg.EditorAuth,
		deviceAuth:  cfg.DeviceAuth,
		requireAuth: cfg.RequireAuth,
		limiters:    newCommandLimiters(cfg.CommandRate, cfg.CommandBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Mobile clients are native apps, not browsers; the bearer
			// token is the access check.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:         make(map[*Client]bool),
		broadcast:       make(chan registry.Snapshot, channelBufferSize),
		startTime:       time.Now(),
		broadcasterDone: make(chan struct{}),
	}
	if s.registry != nil {
		s.registry.SetObserver(s.BroadcastSnapshot)
	}
	return s
}

// Handler returns the HTTP handler and starts the broadcaster. It is what
// StartAsync serves and what tests mount in httptest servers.
func (s *Server) Handler() http.Handler {
	s.startBroadcaster()
	return s.createMux()
}

func (s *Server) startBroadcaster() {
	s.broadcasterOnce.Do(func() {
		s.mu.Lock()
		s.broadcasterStarted = true
		s.mu.Unlock()
		go s.runBroadcaster()
	})
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// CloseDeviceConnections disconnects every websocket opened with deviceID's
// token and returns how many were closed.
func (s *Server) CloseDeviceConnections(deviceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	closed := 0
	for client := range s.clients {
		if client.deviceID == deviceID {
			client.closeSend()
			delete(s.clients, client)
			closed++
		}
	}
	if closed > 0 {
		s.logger.Info("closed device connections", zap.String("device", deviceID), zap.Int("count", closed))
	}
	return closed
}
