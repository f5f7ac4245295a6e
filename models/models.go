package models

import "time"

type User struct {
	ID        string
	CreatedAt time.Time
	LastSeen  time.Time // zero if never seen offline
}

// Conversation is strictly two-party.
type Conversation struct {
	ID        string
	CreatedAt time.Time
}

// Membership links a user to a conversation. LastReadAt is the durable
// high-water mark of what the user has received; zero means unset.
type Membership struct {
	ConversationID string
	UserID         string
	LastReadAt     time.Time
}

// Message is the durable record. Content is ciphertext at rest.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	CreatedAt      time.Time
}
