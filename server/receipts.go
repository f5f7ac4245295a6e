package server

import (
	"context"
	"errors"

	"dmrelay/db"
	"dmrelay/protocol"

	"github.com/sirupsen/logrus"
)

// handleReceipt moves the acknowledging user's read position up to the
// acknowledged message and relays the receipt to the message's author.
// Positions only move forward, so a repeated receipt changes nothing.
func (s *Server) handleReceipt(ctx context.Context, cl *client, event string, r protocol.Receipt) {
	if r.MessageID == "" || r.ConversationID == "" {
		s.sendError(cl.conn, event, "messageId and conversationId are required")
		return
	}

	log := s.log.WithFields(logrus.Fields{
		"user_id":         cl.userID,
		"conversation_id": r.ConversationID,
		"message_id":      r.MessageID,
	})

	members, err := s.store.Members(ctx, r.ConversationID)
	if err != nil {
		log.WithError(err).Error("Failed to load members")
		s.sendError(cl.conn, event, "Internal error")
		return
	}
	if !isMember(members, cl.userID) {
		s.sendError(cl.conn, event, "Not a member of this conversation")
		return
	}

	msg, err := s.store.GetMessage(ctx, r.MessageID)
	if errors.Is(err, db.ErrNoRows) || (err == nil && msg.ConversationID != r.ConversationID) {
		s.sendError(cl.conn, event, "Unknown message")
		return
	}
	if err != nil {
		log.WithError(err).Error("Failed to load message")
		s.sendError(cl.conn, event, "Internal error")
		return
	}

	advanced, err := s.store.AdvanceLastRead(ctx, r.ConversationID, cl.userID, msg.CreatedAt)
	if err != nil {
		log.WithError(err).Error("Failed to advance read position")
		s.sendError(cl.conn, event, "Internal error")
		return
	}
	log.WithFields(logrus.Fields{"event": event, "advanced": advanced}).Debug("Receipt processed")

	// The stored author wins over whatever the client claims.
	if r.SenderID != "" && r.SenderID != msg.SenderID {
		log.WithField("claimed_sender", r.SenderID).Debug("Receipt sender mismatch")
	}
	if msg.SenderID == cl.userID {
		return
	}
	sess, ok := s.presence.Connected(msg.SenderID)
	if !ok {
		return
	}

	if event == protocol.EventMessageRead {
		s.send(sess.Conn, protocol.EventMessageRead, protocol.MessageRead{MessageID: msg.ID})
		return
	}
	s.send(sess.Conn, protocol.EventMessageDelivered, protocol.MessageDelivered{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
	})
}
