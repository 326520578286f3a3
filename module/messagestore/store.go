package messagestore

import (
	"context"
	"time"
)

// Record is the canonical persisted message: the relay carries it after
// Append succeeds but never owns it as durable state.
type Record struct {
	ID         string    `json:"id"`
	Room       string    `json:"room"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Body       string    `json:"body"`
	Timestamp  time.Time `json:"timestamp"`
}

// Store durably appends a message and returns its canonical record. A nil
// error means the message exists in storage; the relay broadcasts nothing
// until then.
type Store interface {
	Append(ctx context.Context, room, senderID, senderName, body string) (*Record, error)
}
