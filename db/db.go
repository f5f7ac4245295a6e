package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dmrelay/models"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNoRows              = errors.New("no rows found")
	ErrInvalidConversation = errors.New("conversation needs two distinct users")
)

type DB struct {
	conn   *sql.DB
	driver string
}

// New opens the store. driver is "sqlite3" (dsn is a file path) or
// "postgres" (dsn is a lib/pq connection string).
func New(driver, dsn string) (*DB, error) {
	var (
		conn *sql.DB
		err  error
	)

	switch driver {
	case "sqlite3", "":
		driver = "sqlite3"
		conn, err = sql.Open("sqlite3", dsn+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
		if err == nil {
			// sqlite serializes writers anyway; one connection avoids SQLITE_BUSY.
			conn.SetMaxOpenConns(1)
		}
	case "postgres":
		conn, err = sql.Open("postgres", dsn)
		if err == nil {
			conn.SetMaxOpenConns(25)
			conn.SetMaxIdleConns(5)
			conn.SetConnMaxLifetime(5 * time.Minute)
		}
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn, driver: driver}
	if err := db.init(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			created_at BIGINT NOT NULL,
			last_seen BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memberships (
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			last_read_at BIGINT,
			PRIMARY KEY (conversation_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender_id TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_memberships_user ON memberships(user_id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// rebind rewrites ? placeholders into $n for postgres.
func (db *DB) rebind(query string) string {
	if db.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Timestamps are stored as unix nanoseconds.
func toUnix(t time.Time) int64 { return t.UnixNano() }

func fromUnix(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(0, n.Int64).UTC()
}

// User methods

// EnsureUser records an externally-issued user id if it is not known yet.
func (db *DB) EnsureUser(ctx context.Context, userID string) error {
	_, err := db.conn.ExecContext(ctx,
		db.rebind("INSERT INTO users (id, created_at) VALUES (?, ?) ON CONFLICT (id) DO NOTHING"),
		userID, toUnix(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

func (db *DB) GetUser(ctx context.Context, userID string) (models.User, error) {
	var (
		u        models.User
		created  sql.NullInt64
		lastSeen sql.NullInt64
	)
	err := db.conn.QueryRowContext(ctx,
		db.rebind("SELECT id, created_at, last_seen FROM users WHERE id = ?"), userID,
	).Scan(&u.ID, &created, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrNoRows
	}
	if err != nil {
		return models.User{}, fmt.Errorf("get user: %w", err)
	}
	u.CreatedAt = fromUnix(created)
	u.LastSeen = fromUnix(lastSeen)
	return u, nil
}

// UpdateLastSeen updates user's last seen timestamp
func (db *DB) UpdateLastSeen(ctx context.Context, userID string, t time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		db.rebind("UPDATE users SET last_seen = ? WHERE id = ?"),
		toUnix(t), userID,
	)
	if err != nil {
		return fmt.Errorf("update last seen: %w", err)
	}
	return nil
}

// Conversation methods

// CreateConversation creates a two-party conversation and both memberships.
func (db *DB) CreateConversation(ctx context.Context, userA, userB string) (models.Conversation, error) {
	if userA == "" || userB == "" || userA == userB {
		return models.Conversation{}, ErrInvalidConversation
	}

	conv := models.Conversation{ID: uuid.NewString(), CreatedAt: time.Now().UTC()}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, u := range []string{userA, userB} {
		if _, err := tx.ExecContext(ctx,
			db.rebind("INSERT INTO users (id, created_at) VALUES (?, ?) ON CONFLICT (id) DO NOTHING"),
			u, toUnix(conv.CreatedAt),
		); err != nil {
			return models.Conversation{}, fmt.Errorf("create conversation user: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		db.rebind("INSERT INTO conversations (id, created_at) VALUES (?, ?)"),
		conv.ID, toUnix(conv.CreatedAt),
	); err != nil {
		return models.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}

	for _, u := range []string{userA, userB} {
		if _, err := tx.ExecContext(ctx,
			db.rebind("INSERT INTO memberships (conversation_id, user_id) VALUES (?, ?)"),
			conv.ID, u,
		); err != nil {
			return models.Conversation{}, fmt.Errorf("create membership: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return models.Conversation{}, fmt.Errorf("commit: %w", err)
	}
	return conv, nil
}

func (db *DB) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	var (
		c       models.Conversation
		created sql.NullInt64
	)
	err := db.conn.QueryRowContext(ctx,
		db.rebind("SELECT id, created_at FROM conversations WHERE id = ?"), id,
	).Scan(&c.ID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrNoRows
	}
	if err != nil {
		return models.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	c.CreatedAt = fromUnix(created)
	return c, nil
}

// Members returns every membership of a conversation.
func (db *DB) Members(ctx context.Context, conversationID string) ([]models.Membership, error) {
	return db.queryMemberships(ctx,
		"SELECT conversation_id, user_id, last_read_at FROM memberships WHERE conversation_id = ? ORDER BY user_id",
		conversationID,
	)
}

// MembershipsForUser returns the user's membership in every conversation.
func (db *DB) MembershipsForUser(ctx context.Context, userID string) ([]models.Membership, error) {
	return db.queryMemberships(ctx,
		"SELECT conversation_id, user_id, last_read_at FROM memberships WHERE user_id = ? ORDER BY conversation_id",
		userID,
	)
}

func (db *DB) queryMemberships(ctx context.Context, query string, arg string) ([]models.Membership, error) {
	rows, err := db.conn.QueryContext(ctx, db.rebind(query), arg)
	if err != nil {
		return nil, fmt.Errorf("query memberships: %w", err)
	}
	defer rows.Close()

	var out []models.Membership
	for rows.Next() {
		var (
			m        models.Membership
			lastRead sql.NullInt64
		)
		if err := rows.Scan(&m.ConversationID, &m.UserID, &lastRead); err != nil {
			return nil, err
		}
		m.LastReadAt = fromUnix(lastRead)
		out = append(out, m)
	}

	return out, rows.Err()
}

// Counterparts returns the distinct users sharing at least one conversation
// with userID.
func (db *DB) Counterparts(ctx context.Context, userID string) ([]string, error) {
	query := `
		SELECT DISTINCT other.user_id
		FROM memberships self
		JOIN memberships other ON other.conversation_id = self.conversation_id
		WHERE self.user_id = ? AND other.user_id <> ?
		ORDER BY other.user_id
	`
	rows, err := db.conn.QueryContext(ctx, db.rebind(query), userID, userID)
	if err != nil {
		return nil, fmt.Errorf("query counterparts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}

	return out, rows.Err()
}

// AdvanceLastRead moves the membership's read position forward to at. It
// never moves it backwards; the returned bool reports whether it moved.
func (db *DB) AdvanceLastRead(ctx context.Context, conversationID, userID string, at time.Time) (bool, error) {
	ts := toUnix(at)
	result, err := db.conn.ExecContext(ctx,
		db.rebind(`UPDATE memberships SET last_read_at = ?
			WHERE conversation_id = ? AND user_id = ? AND (last_read_at IS NULL OR last_read_at < ?)`),
		ts, conversationID, userID, ts,
	)
	if err != nil {
		return false, fmt.Errorf("advance last read: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected > 0, nil
}

// Message methods
func (db *DB) CreateMessage(ctx context.Context, msg models.Message) error {
	_, err := db.conn.ExecContext(ctx,
		db.rebind("INSERT INTO messages (id, conversation_id, sender_id, content, created_at) VALUES (?, ?, ?, ?, ?)"),
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, toUnix(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

func (db *DB) GetMessage(ctx context.Context, id string) (models.Message, error) {
	var (
		m       models.Message
		created sql.NullInt64
	)
	err := db.conn.QueryRowContext(ctx,
		db.rebind("SELECT id, conversation_id, sender_id, content, created_at FROM messages WHERE id = ?"), id,
	).Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrNoRows
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("get message: %w", err)
	}
	m.CreatedAt = fromUnix(created)
	return m, nil
}

// MessagesAfter returns messages of a conversation created strictly after
// the given time (all of them when after is zero), skipping those authored by
// excludeSender, oldest first.
func (db *DB) MessagesAfter(ctx context.Context, conversationID string, after time.Time, excludeSender string) ([]models.Message, error) {
	var since int64
	if !after.IsZero() {
		since = toUnix(after)
	}

	query := `
		SELECT id, conversation_id, sender_id, content, created_at
		FROM messages
		WHERE conversation_id = ? AND sender_id <> ? AND created_at > ?
		ORDER BY created_at ASC
	`
	rows, err := db.conn.QueryContext(ctx, db.rebind(query), conversationID, excludeSender, since)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			m       models.Message
			created sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = fromUnix(created)
		messages = append(messages, m)
	}

	return messages, rows.Err()
}
