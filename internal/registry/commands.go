package registry

import (
	"github.com/google/uuid"

	"github.com/chatremote/host/internal/model"
)

// QueueSendMessage queues a message for sessionID on instance id. The second
// result is false when id is unknown.
func (r *Registry) QueueSendMessage(id, sessionID, message string) (model.Command, bool) {
	return r.queue(id, model.Command{Type: model.CommandSendMessage, SessionID: sessionID, Message: message})
}

// QueueOpenSession asks instance id to reveal sessionID.
func (r *Registry) QueueOpenSession(id, sessionID string) (model.Command, bool) {
	return r.queue(id, model.Command{Type: model.CommandOpenSession, SessionID: sessionID})
}

// QueueNewConversation asks instance id to start a new chat.
func (r *Registry) QueueNewConversation(id string) (model.Command, bool) {
	return r.queue(id, model.Command{Type: model.CommandNewConversation})
}

func (r *Registry) queue(id string, cmd model.Command) (model.Command, bool) {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return model.Command{}, false
	}
	cmd.ID = uuid.NewString()
	cmd.CreatedAt = model.Millis(r.now())
	inst.commands = append(inst.commands, cmd)
	r.mu.Unlock()

	r.emit()
	return cmd, true
}

// ListCommands returns the pending commands of id, oldest first. Commands
// stay queued until acked, so a poller that crashes before acking sees them
// again.
func (r *Registry) ListCommands(id string) ([]model.Command, bool) {
	r.Prune()
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, false
	}
	out := make([]model.Command, len(inst.commands))
	copy(out, inst.commands)
	return out, true
}

// AckCommand removes the first command of id with commandID. It reports
// false when the instance or command is unknown.
func (r *Registry) AckCommand(id, commandID string) bool {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	idx := -1
	for i, c := range inst.commands {
		if c.ID == commandID {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	inst.commands = append(inst.commands[:idx], inst.commands[idx+1:]...)
	r.mu.Unlock()

	r.emit()
	return true
}
