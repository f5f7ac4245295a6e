package server

import (
	"context"
	"time"

	"dmrelay/protocol"

	"github.com/sirupsen/logrus"
)

// recovery is the state of one authentication's catch-up pass.
type recovery struct {
	userID   string
	conn     conn
	log      *logrus.Entry
	seen     map[string]bool
	readUpTo map[string]time.Time
	failed   bool
}

// runRecovery forwards everything the user missed: first the in-memory pending
// queue, then messages from storage newer than each membership's read
// position. Live routing to the session stays closed until the queue is
// empty, so held messages are never overtaken by newer ones.
func (s *Server) runRecovery(ctx context.Context, cl *client) {
	r := &recovery{
		userID:   cl.userID,
		conn:     cl.conn,
		log:      s.log.WithFields(logrus.Fields{"user_id": cl.userID, "conn_id": cl.conn.ID()}),
		seen:     make(map[string]bool),
		readUpTo: make(map[string]time.Time),
	}

	s.drainPending(r)
	if !r.failed {
		s.catchUp(ctx, r)
	}

	for !r.failed {
		ready, current := s.presence.MarkReady(r.userID, r.conn, func() bool {
			return s.pending.Len(r.userID) == 0
		})
		if ready {
			break
		}
		if !current {
			r.failed = true
			break
		}
		s.drainPending(r)
	}

	if r.failed {
		r.log.WithField("forwarded", len(r.seen)).Warn("Recovery interrupted, read positions left unchanged")
		return
	}

	for conversationID, at := range r.readUpTo {
		if _, err := s.store.AdvanceLastRead(ctx, conversationID, r.userID, at); err != nil {
			r.log.WithField("conversation_id", conversationID).WithError(err).Warn("Failed to advance read position")
		}
	}

	if len(r.seen) > 0 {
		r.log.WithField("forwarded", len(r.seen)).Info("Recovery complete")
	}
}

func (s *Server) drainPending(r *recovery) {
	for _, m := range s.pending.Drain(r.userID) {
		if !s.deliver(r, m.Payload) {
			return
		}
	}
}

func (s *Server) catchUp(ctx context.Context, r *recovery) {
	memberships, err := s.store.MembershipsForUser(ctx, r.userID)
	if err != nil {
		r.log.WithError(err).Error("Failed to load memberships")
		return
	}

	for _, m := range memberships {
		msgs, err := s.store.MessagesAfter(ctx, m.ConversationID, m.LastReadAt, r.userID)
		if err != nil {
			r.log.WithField("conversation_id", m.ConversationID).WithError(err).Error("Failed to load unread messages")
			continue
		}

		for _, msg := range msgs {
			payload := protocol.Message{
				ID:             msg.ID,
				ConversationID: msg.ConversationID,
				SenderID:       msg.SenderID,
				RecipientID:    r.userID,
				Content:        s.codec.Decrypt(msg.Content),
				CreatedAt:      msg.CreatedAt,
			}
			if !s.deliver(r, payload) {
				return
			}
		}
	}
}

// deliver forwards one recovered message unless this pass already sent it.
// It returns false once the connection stops accepting writes.
func (s *Server) deliver(r *recovery, payload protocol.Message) bool {
	if r.seen[payload.ID] {
		return true
	}
	if err := r.conn.Send(protocol.EventNewMessage, payload); err != nil {
		r.log.WithField("message_id", payload.ID).WithError(err).Warn("Failed to forward recovered message")
		r.failed = true
		return false
	}

	r.seen[payload.ID] = true
	if payload.CreatedAt.After(r.readUpTo[payload.ConversationID]) {
		r.readUpTo[payload.ConversationID] = payload.CreatedAt
	}

	if sess, ok := s.presence.Connected(payload.SenderID); ok {
		s.send(sess.Conn, protocol.EventMessageDelivered, protocol.MessageDelivered{
			MessageID:      payload.ID,
			ConversationID: payload.ConversationID,
		})
	}
	return true
}
