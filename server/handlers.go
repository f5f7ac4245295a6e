package server

import (
	"context"
	"time"

	"dmrelay/models"
	"dmrelay/presence"
	"dmrelay/protocol"

	"github.com/sirupsen/logrus"
)

func (s *Server) handleEnvelope(ctx context.Context, cl *client, env *protocol.Envelope) {
	switch env.Event {
	case protocol.EventHeartbeat:
		s.handleHeartbeat(ctx, cl, env)
		return
	case protocol.EventSetUserID:
		s.handleSetUserID(ctx, cl, env)
		return
	case protocol.EventNewMessage,
		protocol.EventMessageDelivered,
		protocol.EventMessageRead,
		protocol.EventTyping,
		protocol.EventUserOffline:
	default:
		s.sendError(cl.conn, env.Event, "Unknown event")
		return
	}

	if cl.userID == "" || !s.presence.Owns(cl.userID, cl.conn) {
		s.sendError(cl.conn, env.Event, "Not authenticated")
		return
	}

	if env.Event == protocol.EventUserOffline {
		s.goOffline(ctx, cl, "userOffline")
		return
	}

	s.touch(ctx, cl)

	switch env.Event {
	case protocol.EventNewMessage:
		var req protocol.NewMessageRequest
		if err := env.Decode(&req); err != nil {
			s.send(cl.conn, protocol.EventMessageError, protocol.MessageError{Error: "Invalid message format"})
			return
		}
		s.HandleIncomingMessage(ctx, cl.conn, cl.userID, req)
	case protocol.EventMessageDelivered, protocol.EventMessageRead:
		var r protocol.Receipt
		if err := env.Decode(&r); err != nil {
			s.sendError(cl.conn, env.Event, "Invalid receipt format")
			return
		}
		s.handleReceipt(ctx, cl, env.Event, r)
	case protocol.EventTyping:
		var t protocol.Typing
		if err := env.Decode(&t); err != nil {
			s.sendError(cl.conn, env.Event, "Invalid typing format")
			return
		}
		s.handleTyping(ctx, cl, t)
	}
}

func (s *Server) handleHeartbeat(ctx context.Context, cl *client, env *protocol.Envelope) {
	if cl.userID != "" {
		s.touch(ctx, cl)
	}
	if env.Ack == 0 {
		return
	}
	if err := cl.conn.Ack(env.Ack, protocol.HeartbeatAck{Success: true, Timestamp: s.now().UnixMilli()}); err != nil {
		s.log.WithField("conn_id", cl.conn.ID()).WithError(err).Warn("Error writing heartbeat ack")
	}
}

// handleSetUserID authenticates the connection, registers it in the
// presence table and runs the recovery path before any further event of
// this connection is read.
func (s *Server) handleSetUserID(ctx context.Context, cl *client, env *protocol.Envelope) {
	userID, err := env.UserID()
	if err != nil {
		s.sendError(cl.conn, env.Event, "User id required")
		return
	}

	if cl.userID != "" && cl.userID != userID {
		s.sendError(cl.conn, env.Event, "Already authenticated")
		return
	}
	if cl.userID == userID && s.presence.Owns(userID, cl.conn) {
		s.ackSetUserID(cl, env)
		return
	}

	log := s.log.WithFields(logrus.Fields{"user_id": userID, "conn_id": cl.conn.ID()})

	if err := s.store.EnsureUser(ctx, userID); err != nil {
		log.WithError(err).Error("Auth error")
		s.sendError(cl.conn, env.Event, "Internal error")
		return
	}

	previous, superseded := s.presence.Register(userID, cl.conn, s.now())
	cl.userID = userID

	if superseded && previous.Connected() {
		log.WithField("previous_conn_id", previous.Conn.ID()).Info("Session superseded")
		s.send(previous.Conn, protocol.EventSessionReplaced, protocol.Reason{Reason: "signed in elsewhere"})
		previous.Conn.Close()
	} else {
		s.broadcastStatus(ctx, userID, presence.StatusOnline, time.Time{})
	}

	log.Info("User authenticated")
	s.runRecovery(ctx, cl)
	s.ackSetUserID(cl, env)
}

func (s *Server) ackSetUserID(cl *client, env *protocol.Envelope) {
	if env.Ack == 0 {
		return
	}
	if err := cl.conn.Ack(env.Ack, protocol.MessageAck{Success: true}); err != nil {
		s.log.WithField("conn_id", cl.conn.ID()).WithError(err).Warn("Error writing ack")
	}
}

// touch records activity and announces a return from away.
func (s *Server) touch(ctx context.Context, cl *client) {
	if s.presence.Touch(cl.userID, cl.conn, s.now()) {
		s.broadcastStatus(ctx, cl.userID, presence.StatusOnline, time.Time{})
	}
}

func isMember(members []models.Membership, userID string) bool {
	for _, m := range members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// others lists every member except userID.
func others(members []models.Membership, userID string) []string {
	var out []string
	for _, m := range members {
		if m.UserID != userID {
			out = append(out, m.UserID)
		}
	}
	return out
}
