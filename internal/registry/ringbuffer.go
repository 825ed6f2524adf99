package registry

import "github.com/chatremote/host/internal/model"

// messageRing is a fixed-capacity circular buffer of conversation messages.
// When full, the oldest message is overwritten:
//
//	cap 3: write A, B, C -> [A B C]; write D -> [D B C] with head at B
//
// It is not safe for concurrent use; the registry mutex guards it.
type messageRing struct {
	buf  []model.ConversationMessage
	head int // next write position
	size int
}

func newMessageRing(capacity int) *messageRing {
	if capacity <= 0 {
		capacity = DefaultHistoryCap
	}
	return &messageRing{buf: make([]model.ConversationMessage, capacity)}
}

func (r *messageRing) write(m model.ConversationMessage) {
	r.buf[r.head] = m
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// replace discards the current contents and keeps the newest cap messages
// of msgs.
func (r *messageRing) replace(msgs []model.ConversationMessage) {
	r.head, r.size = 0, 0
	clear(r.buf)
	for _, m := range msgs {
		r.write(m)
	}
}

// messages returns a copy of the contents, oldest first.
func (r *messageRing) messages() []model.ConversationMessage {
	return r.last(r.size)
}

// last returns a copy of the newest n messages, oldest first.
func (r *messageRing) last(n int) []model.ConversationMessage {
	if n > r.size {
		n = r.size
	}
	if n < 0 {
		n = 0
	}
	out := make([]model.ConversationMessage, n)
	// Oldest retained entry sits at head once the buffer has wrapped.
	start := (r.head - n + len(r.buf)) % len(r.buf)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

func (r *messageRing) count() int { return r.size }
