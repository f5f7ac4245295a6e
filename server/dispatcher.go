package server

import (
	"context"
	"errors"

	"dmrelay/db"
	"dmrelay/models"
	"dmrelay/pending"
	"dmrelay/presence"
	"dmrelay/protocol"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type OutcomeKind int

const (
	OutcomeAccepted OutcomeKind = iota
	OutcomeInvalid
	OutcomeUnknownConversation
	OutcomeNotMember
	OutcomeStorageError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeUnknownConversation:
		return "unknown_conversation"
	case OutcomeNotMember:
		return "not_member"
	case OutcomeStorageError:
		return "storage_error"
	}
	return "unknown"
}

var (
	ErrMissingFields        = errors.New("content, senderId, conversationId and recipientId are required")
	ErrSenderMismatch       = errors.New("sender does not match the authenticated user")
	ErrUnknownConversation  = errors.New("conversation not found")
	ErrNotMember            = errors.New("sender is not a member of the conversation")
	ErrRecipientNotMember   = errors.New("recipient is not a member of the conversation")
	ErrRecipientIsSender    = errors.New("recipient must differ from sender")
	errFailedToSaveMessage  = errors.New("failed to save message")
	errFailedToCheckMembers = errors.New("failed to check membership")
)

// Outcome is the result of one incoming chat message.
type Outcome struct {
	Kind      OutcomeKind
	Message   models.Message // stored row, ciphertext content
	Delivered bool
	Err       error
}

// HandleIncomingMessage validates, persists and routes one chat message.
// Failures are reported to the sender as messageError and nothing is
// forwarded.
func (s *Server) HandleIncomingMessage(ctx context.Context, sender presence.Conn, senderID string, req protocol.NewMessageRequest) Outcome {
	out := s.dispatch(ctx, sender, senderID, req)
	if out.Kind != OutcomeAccepted {
		s.log.WithFields(logrus.Fields{
			"user_id": senderID,
			"outcome": out.Kind.String(),
		}).Debug("Message rejected")
		s.send(sender, protocol.EventMessageError, protocol.MessageError{
			MessageID: req.Message.ID,
			Error:     out.Err.Error(),
		})
	}
	return out
}

func (s *Server) dispatch(ctx context.Context, sender presence.Conn, senderID string, req protocol.NewMessageRequest) Outcome {
	log := s.log.WithFields(logrus.Fields{
		"user_id":         senderID,
		"conversation_id": req.ConversationID,
	})

	if req.Message.Content == "" || req.Message.SenderID == "" || req.ConversationID == "" || req.RecipientID == "" {
		return Outcome{Kind: OutcomeInvalid, Err: ErrMissingFields}
	}
	if req.Message.SenderID != senderID {
		return Outcome{Kind: OutcomeInvalid, Err: ErrSenderMismatch}
	}
	if req.RecipientID == senderID {
		return Outcome{Kind: OutcomeInvalid, Err: ErrRecipientIsSender}
	}

	if _, err := s.store.GetConversation(ctx, req.ConversationID); err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return Outcome{Kind: OutcomeUnknownConversation, Err: ErrUnknownConversation}
		}
		log.WithError(err).Error("Failed to load conversation")
		return Outcome{Kind: OutcomeStorageError, Err: errFailedToCheckMembers}
	}

	members, err := s.store.Members(ctx, req.ConversationID)
	if err != nil {
		log.WithError(err).Error("Failed to load members")
		return Outcome{Kind: OutcomeStorageError, Err: errFailedToCheckMembers}
	}
	if !isMember(members, senderID) {
		return Outcome{Kind: OutcomeNotMember, Err: ErrNotMember}
	}
	if !isMember(members, req.RecipientID) {
		return Outcome{Kind: OutcomeNotMember, Err: ErrRecipientNotMember}
	}

	ciphertext, err := s.codec.Encrypt(req.Message.Content)
	if err != nil {
		log.WithError(err).Error("Failed to encrypt message")
		return Outcome{Kind: OutcomeStorageError, Err: errFailedToSaveMessage}
	}

	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		SenderID:       senderID,
		Content:        ciphertext,
		CreatedAt:      s.stamp(),
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		log.WithError(err).Error("Failed to save message")
		return Outcome{Kind: OutcomeStorageError, Err: errFailedToSaveMessage}
	}

	if _, err := s.store.AdvanceLastRead(ctx, msg.ConversationID, senderID, msg.CreatedAt); err != nil {
		log.WithError(err).Warn("Failed to advance sender read position")
	}

	s.send(sender, protocol.EventMessageAck, protocol.MessageAck{
		Success:   true,
		MessageID: msg.ID,
		TempID:    req.Message.ID,
	})
	s.send(sender, protocol.EventMessageSent, protocol.MessageSent{
		MessageID: msg.ID,
		TempID:    req.Message.ID,
		Status:    "sent",
	})

	payload := protocol.Message{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       senderID,
		RecipientID:    req.RecipientID,
		Content:        req.Message.Content,
		CreatedAt:      msg.CreatedAt,
	}
	delivered := s.route(req.RecipientID, payload)
	if delivered {
		s.send(sender, protocol.EventMessageDelivered, protocol.MessageDelivered{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
		})
	}

	log.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"delivered":  delivered,
	}).Debug("Message dispatched")

	return Outcome{Kind: OutcomeAccepted, Message: msg, Delivered: delivered}
}

// route forwards payload to a ready recipient or holds it in the pending
// queue. It reports whether the live send succeeded.
func (s *Server) route(recipientID string, payload protocol.Message) bool {
	hold := func() {
		s.pending.Push(recipientID, pending.Message{
			MessageID:      payload.ID,
			SenderID:       payload.SenderID,
			ConversationID: payload.ConversationID,
			Payload:        payload,
			EnqueuedAt:     s.now(),
		})
	}

	sess, ok := s.presence.RouteOrHold(recipientID, hold)
	if !ok {
		return false
	}
	if err := sess.Conn.Send(protocol.EventNewMessage, payload); err != nil {
		s.log.WithFields(logrus.Fields{
			"user_id":    recipientID,
			"message_id": payload.ID,
		}).WithError(err).Warn("Live delivery failed, holding message")
		hold()
		return false
	}
	return true
}
