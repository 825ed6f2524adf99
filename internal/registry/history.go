package registry

import (
	"context"
	"fmt"
	"math"

	apperrors "github.com/chatremote/host/internal/errors"
	"github.com/chatremote/host/internal/model"
)

// DefaultHistoryLimit is used when GetSessionHistory gets a limit <= 0.
const DefaultHistoryLimit = 200

// LiveMessage is a transcript message as reported by an editor instance.
// Timestamp is a pointer so a missing value can be told apart from zero.
type LiveMessage struct {
	ID        string           `json:"id,omitempty"`
	Role      model.Role       `json:"role"`
	Text      string           `json:"text"`
	Timestamp *float64         `json:"timestamp"`
	FileTrees []model.FileTree `json:"fileTrees,omitempty"`
}

// LiveHistory is the stored live transcript of one session.
type LiveHistory struct {
	Messages  []model.ConversationMessage `json:"messages"`
	UpdatedAt int64                       `json:"updatedAt"`
}

type liveHistory struct {
	ring      *messageRing
	updatedAt int64
}

// sanitizeLive drops messages with an unknown role, a missing or non-finite
// timestamp, or neither text nor file trees, and assigns fallback ids from
// the message's position in the caller's list.
func sanitizeLive(sessionID string, msgs []LiveMessage) []model.ConversationMessage {
	out := make([]model.ConversationMessage, 0, len(msgs))
	for i, m := range msgs {
		if !m.Role.Valid() {
			continue
		}
		// Drops missing, non-finite and out-of-range timestamps.
		if m.Timestamp == nil || !(*m.Timestamp >= math.MinInt64 && *m.Timestamp < math.MaxInt64) {
			continue
		}
		if m.Text == "" && len(m.FileTrees) == 0 {
			continue
		}
		id := m.ID
		if id == "" {
			id = fmt.Sprintf("%s:live:%d", sessionID, i)
		}
		out = append(out, model.ConversationMessage{
			ID:        id,
			Role:      m.Role,
			Text:      m.Text,
			Timestamp: int64(*m.Timestamp),
			FileTrees: m.FileTrees,
		})
	}
	return out
}

// UpdateLiveHistory replaces the live transcript of sessionID on instance
// id with the sanitized messages, keeping only the newest HistoryCap. It is
// not a delta: callers send the full window they want visible. updatedAt
// defaults to now.
func (r *Registry) UpdateLiveHistory(id, sessionID string, msgs []LiveMessage, updatedAt *int64) bool {
	if sessionID == "" {
		return false
	}
	clean := sanitizeLive(sessionID, msgs)

	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	h, ok := inst.live[sessionID]
	if !ok {
		h = &liveHistory{ring: newMessageRing(r.historyCap)}
		inst.live[sessionID] = h
	}
	h.ring.replace(clean)
	h.updatedAt = model.Millis(r.now())
	if updatedAt != nil {
		h.updatedAt = *updatedAt
	}
	inst.lastSeen = r.now()
	r.mu.Unlock()

	r.emit()
	return true
}

// ReadLiveHistory returns the live transcript of sessionID on instance id.
func (r *Registry) ReadLiveHistory(id, sessionID string) (LiveHistory, bool) {
	r.Prune()
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return LiveHistory{}, false
	}
	h, ok := inst.live[sessionID]
	if !ok {
		return LiveHistory{}, false
	}
	return LiveHistory{Messages: h.ring.messages(), UpdatedAt: h.updatedAt}, true
}

// GetSessionHistory returns the newest limit messages of sessionID on
// instance id. The live transcript is used when it has messages; otherwise
// the session file is decoded and each request becomes a user/assistant
// pair. Unknown instances and sessions are errors, not empty results.
func (r *Registry) GetSessionHistory(ctx context.Context, id, sessionID string, limit int) ([]model.ConversationMessage, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	r.Prune()

	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return nil, apperrors.InstanceNotFound(id)
	}
	live, hasLive := inst.live[sessionID]
	if hasLive && live.ring.count() > 0 {
		msgs := live.ring.last(limit)
		r.mu.Unlock()
		return msgs, nil
	}
	var (
		jsonPath string
		known    = hasLive
	)
	for _, s := range r.instanceSessionsLocked(inst) {
		if s.ID == sessionID {
			known = true
			if s.JSONPath != "" {
				jsonPath = s.JSONPath
				break
			}
		}
	}
	r.mu.Unlock()

	if !known {
		return nil, apperrors.SessionNotFound(id, sessionID)
	}
	if jsonPath == "" || r.transcripts == nil {
		return []model.ConversationMessage{}, nil
	}

	t, err := r.transcripts.ReadTranscript(ctx, jsonPath)
	if err != nil {
		return nil, err
	}
	msgs := synthesizeHistory(sessionID, t)
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// synthesizeHistory turns a decoded session file into messages, one
// user/assistant pair per request in file order. Requests without a
// timestamp get base + 2*index, where base is the document's creation date
// (else its last message date, else 0); the assistant turn follows its user
// turn by 1ms.
func synthesizeHistory(sessionID string, t model.Transcript) []model.ConversationMessage {
	base := t.CreationDate
	if base == 0 {
		base = t.LastMessageDate
	}
	out := make([]model.ConversationMessage, 0, 2*len(t.Requests))
	for i, req := range t.Requests {
		ts := base + 2*int64(i)
		if req.HasTimestamp {
			ts = req.Timestamp
		}
		id := req.ID
		if id == "" {
			id = fmt.Sprintf("%s:disk:%d", sessionID, i)
		}
		out = append(out,
			model.ConversationMessage{
				ID:        id + ":user",
				Role:      model.RoleUser,
				Text:      req.Message,
				Timestamp: ts,
			},
			model.ConversationMessage{
				ID:        id + ":assistant",
				Role:      model.RoleAssistant,
				Text:      req.Response,
				Timestamp: ts + 1,
				FileTrees: req.FileTrees,
			},
		)
	}
	return out
}
