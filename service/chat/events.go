package chat

import (
	"encoding/json"

	"github.com/stafflink/stafflink/module/messagestore"
)

// Broker topics. Every instance subscribes to all five; delivery is
// best-effort at-most-once, the message store stays the source of truth.
const (
	TopicMessages = "messages"
	TopicTyping   = "typing"
	TopicRead     = "read_receipts"
	TopicPresence = "presence"
	TopicActivity = "activity_ping"
)

// Subjects behind the topic names.
var topicSubjects = map[string]string{
	TopicMessages: "relay.messages",
	TopicTyping:   "relay.typing",
	TopicRead:     "relay.read",
	TopicPresence: "relay.presence",
	TopicActivity: "relay.activity",
}

// MessageEvent crosses instances after the record is durable.
type MessageEvent struct {
	Record messagestore.Record `json:"record"`
}

// TypingEvent is stateless; nothing is stored anywhere.
type TypingEvent struct {
	Room        string `json:"room"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	Typing      bool   `json:"typing"`
}

// ReadEvent fans out to every member session, the reader's own included.
type ReadEvent struct {
	Room      string `json:"room"`
	UserID    string `json:"user_id"`
	MessageID string `json:"message_id,omitempty"`
}

// PresenceEvent announces an online/offline transition. Rooms lists the
// rooms the affected user had joined through the publishing instance, so
// receivers can narrow the UI update to sessions sharing a room.
type PresenceEvent struct {
	UserID     string   `json:"user_id"`
	Status     string   `json:"status"`
	LastSeenMS int64    `json:"last_seen_ms"`
	Rooms      []string `json:"rooms,omitempty"`
}

// ActivityEvent is a short-lived UI affordance ping; safe to drop.
type ActivityEvent struct {
	Room   string `json:"room"`
	UserID string `json:"user_id"`
	Kind   string `json:"kind"`
}

func encodeEvent(v any) ([]byte, error) { return json.Marshal(v) }

func decodeEvent(data []byte, v any) error { return json.Unmarshal(data, v) }
