package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"dmrelay/codec"
	"dmrelay/models"
	"dmrelay/pending"
	"dmrelay/presence"
	"dmrelay/protocol"

	"github.com/sirupsen/logrus"
)

// Store is the durable side of the relay.
type Store interface {
	EnsureUser(ctx context.Context, userID string) error
	GetUser(ctx context.Context, userID string) (models.User, error)
	UpdateLastSeen(ctx context.Context, userID string, t time.Time) error
	CreateConversation(ctx context.Context, userA, userB string) (models.Conversation, error)
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	Members(ctx context.Context, conversationID string) ([]models.Membership, error)
	MembershipsForUser(ctx context.Context, userID string) ([]models.Membership, error)
	Counterparts(ctx context.Context, userID string) ([]string, error)
	CreateMessage(ctx context.Context, msg models.Message) error
	GetMessage(ctx context.Context, id string) (models.Message, error)
	MessagesAfter(ctx context.Context, conversationID string, after time.Time, excludeSender string) ([]models.Message, error)
	AdvanceLastRead(ctx context.Context, conversationID, userID string, at time.Time) (bool, error)
}

type Server struct {
	store    Store
	codec    *codec.Codec
	config   *ServerConfig
	log      *logrus.Entry
	presence *presence.Table
	pending  *pending.Queue
	typing   *typingTimers

	now       func() time.Time
	stampMu   sync.Mutex
	lastStamp time.Time

	mu         sync.Mutex
	listeners  []net.Listener
	httpServer *http.Server
	stopSweep  context.CancelFunc
	closed     bool
	done       chan struct{} // closed when Shutdown has finished
}

type ServerConfig struct {
	Port          int
	HTTPPort      int
	AllowedOrigin string
	ReadTimeout   time.Duration // 0 disables
	WriteTimeout  time.Duration
	SweepInterval time.Duration
	IdleThreshold time.Duration
	EvictAfter    time.Duration
	TypingTimeout time.Duration
}

// client is the per-connection state owned by its read loop.
type client struct {
	conn   conn
	userID string
}

func New(store Store, c *codec.Codec, config *ServerConfig, log *logrus.Entry) *Server {
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 30 * time.Second
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = 60 * time.Second
	}
	if config.IdleThreshold == 0 {
		config.IdleThreshold = 5 * time.Minute
	}
	if config.EvictAfter == 0 {
		config.EvictAfter = 5 * time.Minute
	}
	if config.TypingTimeout == 0 {
		config.TypingTimeout = 3 * time.Second
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Server{
		store:    store,
		codec:    c,
		config:   config,
		log:      log.WithField("component", "server"),
		presence: presence.NewTable(),
		pending:  pending.NewQueue(),
		typing:   newTypingTimers(),
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start runs the idle sweep, the HTTP listener (when configured) and the
// line listener. It blocks until the line listener stops.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.stopSweep = cancel
	s.mu.Unlock()
	s.StartSweeper(ctx)

	if s.config.HTTPPort > 0 {
		httpServer := &http.Server{
			Addr:    ":" + strconv.Itoa(s.config.HTTPPort),
			Handler: s.Router(),
		}
		s.mu.Lock()
		s.httpServer = httpServer
		s.mu.Unlock()

		go func() {
			s.log.WithField("port", s.config.HTTPPort).Info("HTTP listener started")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.WithError(err).Error("HTTP listener stopped")
			}
		}()
	}

	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}

	s.log.WithField("port", s.config.Port).Info("Relay server started")
	return s.Serve(listener)
}

// Serve accepts line-transport connections until the listener is closed.
// After Shutdown it returns only once Shutdown has finished.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listeners = append(s.listeners, listener)
	s.mu.Unlock()
	defer listener.Close()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isClosed() {
				<-s.done
				return nil
			}
			s.log.WithError(err).Warn("Error accepting connection")
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			continue
		}

		go s.handleConnection(conn)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// handleConnection serves one newline-delimited connection.
func (s *Server) handleConnection(nc net.Conn) {
	lc := newLineConn(nc, s.config.WriteTimeout)
	defer lc.Close()

	reader := bufio.NewReader(nc)
	s.serveConn(lc, func() ([]byte, error) {
		if s.config.ReadTimeout > 0 {
			nc.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}
		return reader.ReadBytes('\n')
	})
}

// serveConn runs the event loop shared by every transport. Events of one
// connection are handled strictly in order.
func (s *Server) serveConn(c conn, read func() ([]byte, error)) {
	cl := &client{conn: c}
	log := s.log.WithFields(logrus.Fields{
		"conn_id":     c.ID(),
		"remote_addr": c.RemoteAddr(),
	})
	log.Info("Client connected")

	defer func() {
		s.teardown(cl)
		log.WithField("user_id", cl.userID).Info("Client disconnected")
	}()

	for {
		frame, err := read()
		if len(strings.TrimSpace(string(frame))) > 0 {
			s.handleFrame(cl, frame, log)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.WithError(err).Debug("Read failed")
			}
			return
		}
	}
}

func (s *Server) handleFrame(cl *client, frame []byte, log *logrus.Entry) {
	env, err := protocol.Parse(frame)
	if err != nil {
		log.WithError(err).Warn("Parse error")
		s.sendError(cl.conn, "", "Invalid envelope")
		return
	}
	s.handleEnvelope(context.Background(), cl, env)
}

// teardown runs once the transport is gone.
func (s *Server) teardown(cl *client) {
	if cl.userID == "" {
		return
	}
	s.goOffline(context.Background(), cl, "disconnect")
}

// stamp returns a strictly increasing creation time so read positions can
// tell apart messages created within the same clock tick.
func (s *Server) stamp() time.Time {
	s.stampMu.Lock()
	defer s.stampMu.Unlock()

	t := s.now().UTC()
	if !t.After(s.lastStamp) {
		t = s.lastStamp.Add(time.Nanosecond)
	}
	s.lastStamp = t
	return t
}

func (s *Server) send(c presence.Conn, event string, data any) {
	if err := c.Send(event, data); err != nil {
		s.log.WithFields(logrus.Fields{
			"conn_id": c.ID(),
			"event":   event,
		}).WithError(err).Warn("Error writing to connection")
	}
}

func (s *Server) sendError(c presence.Conn, event, description string) {
	s.send(c, protocol.EventError, protocol.Error{Event: event, Error: description})
}

// Shutdown sends bye to every connected client with the given reason,
// records their last-seen time and stops all listeners. Serve and Start
// return after it completes.
func (s *Server) Shutdown(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	listeners := s.listeners
	httpServer := s.httpServer
	stopSweep := s.stopSweep
	s.mu.Unlock()
	defer close(s.done)

	for _, l := range listeners {
		l.Close()
	}
	if stopSweep != nil {
		stopSweep()
	}
	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		httpServer.Shutdown(ctx)
		cancel()
	}
	s.typing.stopAll()

	ctx := context.Background()
	now := s.now()
	for _, sess := range s.presence.Snapshot() {
		if !sess.Connected() {
			continue
		}
		if s.presence.SetOffline(sess.UserID, sess.Conn, now) {
			if err := s.store.UpdateLastSeen(ctx, sess.UserID, now); err != nil {
				s.log.WithField("user_id", sess.UserID).WithError(err).Warn("Failed to update last seen")
			}
		}
		s.send(sess.Conn, protocol.EventBye, protocol.Reason{Reason: reason})
		sess.Conn.Close()
	}

	s.log.WithField("reason", reason).Info("Server shut down")
}

// Stats is a point-in-time view of the in-memory state.
type Stats struct {
	Connections int      `json:"connections"`
	Users       []string `json:"users"`
	Online      int      `json:"online"`
	Away        int      `json:"away"`
	Offline     int      `json:"offline"`
	Pending     int      `json:"pending"`
	Typing      int      `json:"typing"`
}

func (s *Server) Stats() Stats {
	counts := s.presence.Counts()
	st := Stats{
		Users:   []string{},
		Online:  counts[presence.StatusOnline],
		Away:    counts[presence.StatusAway],
		Offline: counts[presence.StatusOffline],
	}
	for _, sess := range s.presence.Snapshot() {
		if sess.Connected() {
			st.Connections++
			st.Users = append(st.Users, sess.UserID)
		}
	}
	st.Pending = s.pending.Total()
	st.Typing = s.typing.count()
	return st
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	st := s.Stats()
	return "connections=" + strconv.Itoa(st.Connections) +
		",users=" + strings.Join(st.Users, ";") +
		",online=" + strconv.Itoa(st.Online) +
		",away=" + strconv.Itoa(st.Away) +
		",offline=" + strconv.Itoa(st.Offline) +
		",pending=" + strconv.Itoa(st.Pending) +
		",typing=" + strconv.Itoa(st.Typing)
}
