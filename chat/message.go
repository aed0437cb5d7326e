package chat

import (
	"context"
	"time"
)

// SenderMe is the display sender of messages written by the local user.
const SenderMe = "me"

type Status string

const (
	StatusPending  Status = "pending"
	StatusSent     Status = "sent"
	StatusReceived Status = "received"
)

// Message is the local view of one chat message.
type Message struct {
	LocalID        string
	ServerID       string
	ConversationID string
	SenderID       string
	Sender         string
	Text           string
	SentAt         time.Time
	Status         Status
}

func (m Message) Mine() bool {
	return m.Sender == SenderMe
}

// Store is the durable side of a conversation.
type Store interface {
	ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	// InsertMessage persists msg and returns it with ServerID and SentAt set.
	InsertMessage(ctx context.Context, msg Message) (Message, error)
}

// wireMessage is the chat_message envelope payload.
type wireMessage struct {
	ID             string     `json:"id,omitempty"`
	ClientID       string     `json:"client_id,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	RecipientID    string     `json:"recipient_id,omitempty"`
	SenderID       string     `json:"sender_id,omitempty"`
	SenderName     string     `json:"sender_name,omitempty"`
	Message        string     `json:"message"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
}
