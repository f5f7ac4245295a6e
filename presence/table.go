// Package presence holds the process-wide table of user sessions.
//
// Per user the status moves unregistered -> online -> away -> offline ->
// evicted. Away returns to online on any activity; offline only leaves
// through a new Register or eviction.
package presence

import (
	"sort"
	"sync"
	"time"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// Conn is one client connection, whatever the transport.
type Conn interface {
	ID() string
	RemoteAddr() string
	Send(event string, data any) error
	Close() error
}

type Session struct {
	UserID       string
	Conn         Conn
	LastActivity time.Time
	Status       Status
	OfflineAt    time.Time

	// ready is false while the recovery path is draining pending messages,
	// so live routing holds new messages back until it completes.
	ready bool
}

// Connected reports whether the session still has a usable connection.
func (s Session) Connected() bool {
	return s.Status != StatusOffline
}

// Table allows at most one session per user. A newer registration
// supersedes the older one.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewTable() *Table {
	return &Table{sessions: make(map[string]*Session)}
}

// Register installs a fresh online session for userID. When a session
// already existed it is returned with superseded set; the caller is
// responsible for closing its connection.
func (t *Table) Register(userID string, conn Conn, now time.Time) (previous Session, superseded bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.sessions[userID]; ok {
		previous = *old
		superseded = true
	}

	t.sessions[userID] = &Session{
		UserID:       userID,
		Conn:         conn,
		LastActivity: now,
		Status:       StatusOnline,
	}
	return previous, superseded
}

// MarkReady opens the session for live routing once settled reports that
// nothing is left to drain. settled runs under the table lock, so no message
// can be held back between the check and the switch. current is false when
// conn no longer owns the session.
func (t *Table) MarkReady(userID string, conn Conn, settled func() bool) (ready, current bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sess, ok := t.sessions[userID]
	if !ok || sess.Conn != conn || !sess.Connected() {
		return false, false
	}
	if !settled() {
		return false, true
	}
	sess.ready = true
	return true, true
}

// RouteOrHold returns the session if it can take live messages. Otherwise
// hold runs while the table lock is still held.
func (t *Table) RouteOrHold(userID string, hold func()) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if sess, ok := t.sessions[userID]; ok && sess.Connected() && sess.ready {
		return *sess, true
	}
	hold()
	return Session{}, false
}

// Connected returns the user's session if it has a live connection.
func (t *Table) Connected(userID string) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sess, ok := t.sessions[userID]
	if !ok || !sess.Connected() {
		return Session{}, false
	}
	return *sess, true
}

func (t *Table) Get(userID string) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sess, ok := t.sessions[userID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Owns reports whether conn holds the user's live session.
func (t *Table) Owns(userID string, conn Conn) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sess, ok := t.sessions[userID]
	return ok && sess.Conn == conn && sess.Connected()
}

// Touch records activity. It returns true when the session came back from
// away to online.
func (t *Table) Touch(userID string, conn Conn, now time.Time) (revived bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sess, ok := t.sessions[userID]
	if !ok || sess.Conn != conn || !sess.Connected() {
		return false
	}
	sess.LastActivity = now
	if sess.Status == StatusAway {
		sess.Status = StatusOnline
		return true
	}
	return false
}

// SetOffline moves the session owned by conn to offline. It returns false
// if conn does not own the session or it is already offline.
func (t *Table) SetOffline(userID string, conn Conn, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	sess, ok := t.sessions[userID]
	if !ok || sess.Conn != conn || !sess.Connected() {
		return false
	}
	sess.Status = StatusOffline
	sess.OfflineAt = now
	sess.ready = false
	return true
}

// EvictIfOffline removes the session if it is still in the offline episode
// that began at offlineAt.
func (t *Table) EvictIfOffline(userID string, offlineAt time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	sess, ok := t.sessions[userID]
	if !ok || sess.Status != StatusOffline || !sess.OfflineAt.Equal(offlineAt) {
		return false
	}
	delete(t.sessions, userID)
	return true
}

// DemoteIdle moves every online session idle for longer than threshold to
// away and returns them.
func (t *Table) DemoteIdle(now time.Time, threshold time.Duration) []Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	var demoted []Session
	for _, sess := range t.sessions {
		if sess.Status == StatusOnline && now.Sub(sess.LastActivity) > threshold {
			sess.Status = StatusAway
			demoted = append(demoted, *sess)
		}
	}
	sortSessions(demoted)
	return demoted
}

// EvictStale removes sessions that have been offline for at least grace.
func (t *Table) EvictStale(now time.Time, grace time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted []string
	for id, sess := range t.sessions {
		if sess.Status == StatusOffline && now.Sub(sess.OfflineAt) >= grace {
			delete(t.sessions, id)
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	return evicted
}

// Snapshot copies every session, ordered by user id.
func (t *Table) Snapshot() []Session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Session, 0, len(t.sessions))
	for _, sess := range t.sessions {
		out = append(out, *sess)
	}
	sortSessions(out)
	return out
}

func (t *Table) Counts() map[Status]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	counts := map[Status]int{StatusOnline: 0, StatusAway: 0, StatusOffline: 0}
	for _, sess := range t.sessions {
		counts[sess.Status]++
	}
	return counts
}

func sortSessions(s []Session) {
	sort.Slice(s, func(i, j int) bool { return s[i].UserID < s[j].UserID })
}
