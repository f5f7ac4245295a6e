package server

import (
	"context"
	"time"

	"dmrelay/presence"
	"dmrelay/protocol"

	"github.com/sirupsen/logrus"
)

// broadcastStatus tells every connected counterpart of userID about a
// presence change. Delivery is best effort.
func (s *Server) broadcastStatus(ctx context.Context, userID string, status presence.Status, lastSeen time.Time) {
	ids, err := s.store.Counterparts(ctx, userID)
	if err != nil {
		s.log.WithField("user_id", userID).WithError(err).Warn("Failed to load counterparts")
		return
	}

	payload := protocol.UserStatusChange{UserID: userID, Status: string(status)}
	if !lastSeen.IsZero() {
		payload.LastSeen = &lastSeen
	}
	s.sendToConnected(ids, protocol.EventUserStatusChange, payload)
}

func (s *Server) sendToConnected(userIDs []string, event string, data any) {
	for _, id := range userIDs {
		if sess, ok := s.presence.Connected(id); ok {
			s.send(sess.Conn, event, data)
		}
	}
}

// goOffline ends the session owned by cl. It is a no-op when cl no longer
// owns it, e.g. after being superseded.
func (s *Server) goOffline(ctx context.Context, cl *client, reason string) {
	now := s.now()
	if !s.presence.SetOffline(cl.userID, cl.conn, now) {
		return
	}

	cancelled := s.typing.cancelUser(cl.userID)
	if err := s.store.UpdateLastSeen(ctx, cl.userID, now); err != nil {
		s.log.WithField("user_id", cl.userID).WithError(err).Warn("Failed to update last seen")
	}
	s.broadcastStatus(ctx, cl.userID, presence.StatusOffline, now)
	s.scheduleEviction(cl.userID, now)

	s.log.WithFields(logrus.Fields{
		"user_id":       cl.userID,
		"reason":        reason,
		"typing_timers": cancelled,
	}).Info("User offline")
}

func (s *Server) scheduleEviction(userID string, offlineAt time.Time) {
	time.AfterFunc(s.config.EvictAfter, func() {
		if s.presence.EvictIfOffline(userID, offlineAt) {
			s.log.WithField("user_id", userID).Debug("Session evicted")
		}
	})
}

// StartSweeper demotes idle sessions and evicts stale offline ones every
// SweepInterval until ctx is done.
func (s *Server) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.config.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx, s.now())
			}
		}
	}()
}

func (s *Server) sweep(ctx context.Context, now time.Time) {
	for _, sess := range s.presence.DemoteIdle(now, s.config.IdleThreshold) {
		s.log.WithField("user_id", sess.UserID).Debug("User away")
		s.broadcastStatus(ctx, sess.UserID, presence.StatusAway, time.Time{})
	}

	if evicted := s.presence.EvictStale(now, s.config.EvictAfter); len(evicted) > 0 {
		s.log.WithField("count", len(evicted)).Debug("Evicted stale sessions")
	}
}
