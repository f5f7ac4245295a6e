package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"dmrelay/db"
	"dmrelay/presence"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Router serves browser clients: a WebSocket endpoint carrying the same
// envelopes as the line transport, plus health, stats, presence lookup and
// conversation creation for the surrounding application.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.cors)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "OK")
	}).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}", s.handleUser).Methods(http.MethodGet)
	r.HandleFunc("/conversations", s.handleCreateConversation).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	return r
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	return s.config.AllowedOrigin == "*" || origin == s.config.AllowedOrigin
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Stats())
}

// UserPresence answers GET /users/{id}.
type UserPresence struct {
	UserID   string     `json:"userId"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
	Pending  int        `json:"pending"`
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]

	user, err := s.store.GetUser(r.Context(), userID)
	if errors.Is(err, db.ErrNoRows) {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.WithField("user_id", userID).WithError(err).Error("Failed to load user")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := UserPresence{
		UserID:  user.ID,
		Status:  string(presence.StatusOffline),
		Pending: s.pending.Len(userID),
	}
	if sess, ok := s.presence.Get(userID); ok {
		resp.Status = string(sess.Status)
	}
	if !user.LastSeen.IsZero() {
		resp.LastSeen = &user.LastSeen
	}

	writeJSON(w, http.StatusOK, resp)
}

type createConversationRequest struct {
	Members []string `json:"members"`
}

type conversationResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Members) != 2 {
		http.Error(w, "members must list exactly two users", http.StatusBadRequest)
		return
	}

	conv, err := s.store.CreateConversation(r.Context(), req.Members[0], req.Members[1])
	if errors.Is(err, db.ErrInvalidConversation) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.log.WithError(err).Error("Failed to create conversation")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, conversationResponse{ID: conv.ID, CreatedAt: conv.CreatedAt})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	wc := newWSConn(ws, s.config.WriteTimeout)
	defer wc.Close()

	s.serveConn(wc, func() ([]byte, error) {
		if s.config.ReadTimeout > 0 {
			ws.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}
		_, data, err := ws.ReadMessage()
		return data, err
	})
}
