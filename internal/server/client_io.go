package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/chatremote/host/internal/errors"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// Clients only send small control messages.
	maxClientMessage = 64 * 1024
)

// Client is one websocket connection.
type Client struct {
	conn     *websocket.Conn
	send     chan Message
	done     chan struct{}
	sendOnce sync.Once
	server   *Server
	deviceID string
}

// closeSend signals the client to shut down. Safe to call more than once.
// Only done is closed; send stays open so concurrent senders never panic.
func (c *Client) closeSend() {
	c.sendOnce.Do(func() {
		close(c.done)
	})
}

// trySend queues msg without blocking and reports whether it was queued.
func (c *Client) trySend(msg Message) bool {
	select {
	case <-c.done:
		return false
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// handleWebSocket upgrades the connection and sends the current snapshot.
// Authentication already happened in requireDevice.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		http.Error(w, "server stopping", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Info("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:     conn,
		send:     make(chan Message, channelBufferSize),
		done:     make(chan struct{}),
		server:   s,
		deviceID: deviceFromContext(r.Context()),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[client] = true
	count := len(s.clients)
	s.mu.Unlock()
	s.logger.Info("client connected", zap.String("device", client.deviceID), zap.Int("clients", count))

	client.trySend(NewSnapshotMessage(s.registry.Snapshot()))

	go client.writePump()
	go client.readPump()
}

// writePump drains send to the connection and pings on an interval. It owns
// all writes to conn.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case msg := <-c.send:
			data, err := json.Marshal(msg)
			if err != nil {
				c.server.logger.Error("marshal websocket message", zap.Error(err))
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.server.logger.Debug("websocket write failed", zap.Error(err))
				c.closeSend()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closeSend()
				return
			}
		}
	}
}

// readPump handles client messages until the connection fails, then
// unregisters the client.
func (c *Client) readPump() {
	s := c.server
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		remaining := len(s.clients)
		s.mu.Unlock()
		c.closeSend()
		s.logger.Info("client disconnected", zap.String("device", c.deviceID), zap.Int("clients", remaining))
	}()

	c.conn.SetReadLimit(maxClientMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Info("websocket read error", zap.Error(err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.trySend(NewErrorMessage(apperrors.CodeServerInvalidMessage, "malformed message"))
			continue
		}
		switch msg.Type {
		case MessageTypeRefresh:
			c.trySend(NewSnapshotMessage(s.registry.Snapshot()))
		default:
			c.trySend(NewErrorMessage(apperrors.CodeServerInvalidMessage, "unknown message type "+string(msg.Type)))
		}
	}
}
