package server

import (
	"go.uber.org/zap"

	"github.com/chatremote/host/internal/registry"
)

// BroadcastSnapshot queues snap for every websocket client. It never
// blocks: the registry calls it after each mutation. When the queue is full
// the snapshot is dropped; a newer one follows with the next mutation.
func (s *Server) BroadcastSnapshot(snap registry.Snapshot) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped {
		return
	}
	select {
	case s.broadcast <- snap:
	default:
		s.logger.Warn("broadcast queue full, dropping snapshot")
	}
}

// runBroadcaster fans snapshots out until Stop closes the channel. Clients
// that cannot keep up are disconnected; they reconnect and get a fresh
// snapshot.
func (s *Server) runBroadcaster() {
	defer close(s.broadcasterDone)

	for snap := range s.broadcast {
		msg := NewSnapshotMessage(snap)

		var slow []*Client
		s.mu.RLock()
		for client := range s.clients {
			select {
			case <-client.done:
			case client.send <- msg:
			default:
				slow = append(slow, client)
			}
		}
		s.mu.RUnlock()

		if len(slow) == 0 {
			continue
		}
		s.mu.Lock()
		for _, client := range slow {
			delete(s.clients, client)
			client.closeSend()
			s.logger.Warn("dropping slow websocket client", zap.String("device", client.deviceID))
		}
		s.mu.Unlock()
	}
}
