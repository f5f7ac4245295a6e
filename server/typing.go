package server

import (
	"context"
	"sync"
	"time"

	"dmrelay/protocol"
)

type typingKey struct {
	conversationID string
	userID         string
}

type typingEntry struct {
	timer *time.Timer
	gen   uint64
}

// typingTimers holds one expiry timer per (conversation, user). A refresh
// replaces the timer; a replaced timer that already fired is ignored through
// its generation.
type typingTimers struct {
	mu      sync.Mutex
	entries map[typingKey]*typingEntry
	gen     uint64
}

func newTypingTimers() *typingTimers {
	return &typingTimers{entries: make(map[typingKey]*typingEntry)}
}

func (t *typingTimers) start(key typingKey, d time.Duration, fire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.entries[key]; ok {
		old.timer.Stop()
	}
	t.gen++
	gen := t.gen
	e := &typingEntry{gen: gen}
	e.timer = time.AfterFunc(d, func() {
		if t.expire(key, gen) {
			fire()
		}
	})
	t.entries[key] = e
}

// expire removes the entry if it still belongs to generation gen.
func (t *typingTimers) expire(key typingKey, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok || e.gen != gen {
		return false
	}
	delete(t.entries, key)
	return true
}

// cancelUser stops every timer of userID without firing it.
func (t *typingTimers) cancelUser(userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for key, e := range t.entries {
		if key.userID == userID {
			e.timer.Stop()
			delete(t.entries, key)
			n++
		}
	}
	return n
}

func (t *typingTimers) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, key)
	}
}

func (t *typingTimers) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (s *Server) handleTyping(ctx context.Context, cl *client, t protocol.Typing) {
	if t.ConversationID == "" {
		s.sendError(cl.conn, protocol.EventTyping, "conversationId is required")
		return
	}
	if t.UserID != "" && t.UserID != cl.userID {
		s.sendError(cl.conn, protocol.EventTyping, "User mismatch")
		return
	}

	members, err := s.store.Members(ctx, t.ConversationID)
	if err != nil {
		s.log.WithField("conversation_id", t.ConversationID).WithError(err).Error("Failed to load members")
		s.sendError(cl.conn, protocol.EventTyping, "Internal error")
		return
	}
	if !isMember(members, cl.userID) {
		s.sendError(cl.conn, protocol.EventTyping, "Not a member of this conversation")
		return
	}

	audience := others(members, cl.userID)
	payload := protocol.UserTyping{UserID: cl.userID, ConversationID: t.ConversationID}

	s.sendToConnected(audience, protocol.EventUserTyping, payload)
	s.typing.start(typingKey{conversationID: t.ConversationID, userID: cl.userID}, s.config.TypingTimeout, func() {
		s.sendToConnected(audience, protocol.EventUserStoppedTyping, payload)
	})
}
