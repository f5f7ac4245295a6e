// Package pending holds messages addressed to recipients that could not be
// reached live. Entries are drained in arrival order when the recipient
// authenticates again.
package pending

import (
	"sync"
	"time"

	"dmrelay/protocol"
)

type Message struct {
	MessageID      string
	SenderID       string
	ConversationID string
	Payload        protocol.Message // plaintext content
	EnqueuedAt     time.Time
}

type Queue struct {
	mu    sync.Mutex
	items map[string][]Message
}

func NewQueue() *Queue {
	return &Queue{items: make(map[string][]Message)}
}

func (q *Queue) Push(recipientID string, msg Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[recipientID] = append(q.items[recipientID], msg)
}

// Drain removes and returns everything queued for the recipient.
func (q *Queue) Drain(recipientID string) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.items[recipientID]
	delete(q.items, recipientID)
	return msgs
}

// Peek returns a copy of the recipient's queue without removing it.
func (q *Queue) Peek(recipientID string) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Message(nil), q.items[recipientID]...)
}

func (q *Queue) Len(recipientID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items[recipientID])
}

// Total counts queued messages across all recipients.
func (q *Queue) Total() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, msgs := range q.items {
		n += len(msgs)
	}
	return n
}
