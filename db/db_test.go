package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"dmrelay/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := New("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func TestCreateConversation(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	conv, err := database.CreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	require.NotEmpty(t, conv.ID)

	got, err := database.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)

	members, err := database.Members(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "alice", members[0].UserID)
	assert.Equal(t, "bob", members[1].UserID)
	assert.True(t, members[0].LastReadAt.IsZero())

	_, err = database.GetUser(ctx, "bob")
	assert.NoError(t, err, "conversation creation registers both users")

	_, err = database.CreateConversation(ctx, "alice", "alice")
	assert.ErrorIs(t, err, ErrInvalidConversation)
}

func TestGetConversation_NotFound(t *testing.T) {
	database := setupTestDB(t)
	_, err := database.GetConversation(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNoRows)
}

func TestEnsureUserAndLastSeen(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, database.EnsureUser(ctx, "carol"))
	require.NoError(t, database.EnsureUser(ctx, "carol"))

	u, err := database.GetUser(ctx, "carol")
	require.NoError(t, err)
	assert.True(t, u.LastSeen.IsZero())

	seen := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	require.NoError(t, database.UpdateLastSeen(ctx, "carol", seen))

	u, err = database.GetUser(ctx, "carol")
	require.NoError(t, err)
	assert.True(t, seen.Equal(u.LastSeen))

	_, err = database.GetUser(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNoRows)
}

func TestAdvanceLastRead_Monotonic(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	conv, err := database.CreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	t1 := time.Now().UTC()
	t0 := t1.Add(-time.Minute)

	moved, err := database.AdvanceLastRead(ctx, conv.ID, "bob", t1)
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = database.AdvanceLastRead(ctx, conv.ID, "bob", t1)
	require.NoError(t, err)
	assert.False(t, moved, "same timestamp is a no-op")

	moved, err = database.AdvanceLastRead(ctx, conv.ID, "bob", t0)
	require.NoError(t, err)
	assert.False(t, moved, "never moves backwards")

	memberships, err := database.MembershipsForUser(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, memberships, 1)
	assert.True(t, t1.Equal(memberships[0].LastReadAt))

	moved, err = database.AdvanceLastRead(ctx, conv.ID, "mallory", t1)
	require.NoError(t, err)
	assert.False(t, moved, "non-members have no read position")
}

func TestMessagesAfter(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	conv, err := database.CreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	base := time.Now().UTC()
	msgs := []models.Message{
		{ID: "m1", ConversationID: conv.ID, SenderID: "alice", Content: "c1", CreatedAt: base},
		{ID: "m2", ConversationID: conv.ID, SenderID: "bob", Content: "c2", CreatedAt: base.Add(time.Second)},
		{ID: "m3", ConversationID: conv.ID, SenderID: "alice", Content: "c3", CreatedAt: base.Add(2 * time.Second)},
	}
	for _, m := range msgs {
		require.NoError(t, database.CreateMessage(ctx, m))
	}

	all, err := database.MessagesAfter(ctx, conv.ID, time.Time{}, "bob")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "m1", all[0].ID)
	assert.Equal(t, "m3", all[1].ID)

	after, err := database.MessagesAfter(ctx, conv.ID, base, "bob")
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "m3", after[0].ID)

	got, err := database.GetMessage(ctx, "m2")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.SenderID)
	assert.True(t, msgs[1].CreatedAt.Equal(got.CreatedAt))

	_, err = database.GetMessage(ctx, "missing")
	assert.ErrorIs(t, err, ErrNoRows)
}

func TestCounterparts(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	_, err := database.CreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = database.CreateConversation(ctx, "carol", "alice")
	require.NoError(t, err)
	_, err = database.CreateConversation(ctx, "bob", "carol")
	require.NoError(t, err)

	others, err := database.Counterparts(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "carol"}, others)

	none, err := database.Counterparts(ctx, "dave")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRebind(t *testing.T) {
	pg := &DB{driver: "postgres"}
	assert.Equal(t, "a = $1 AND b = $2", pg.rebind("a = ? AND b = ?"))

	lite := &DB{driver: "sqlite3"}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}
