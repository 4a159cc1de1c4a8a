package model

import (
	"time"
)

// Message represents a chat message. Only ReadAt changes after creation.
type Message struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`

	// Content
	Text string `json:"text"`

	// Timestamps
	CreatedAt time.Time  `json:"created_at"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
}

// Read reports whether the message has been marked read.
func (m Message) Read() bool {
	return m.ReadAt != nil
}

// AppendedMessage is a message together with the resolved sender identity,
// as emitted to observers of a conversation.
type AppendedMessage struct {
	Message Message  `json:"message"`
	Sender  Identity `json:"sender"`
	Self    bool     `json:"self"`
}

// SendMessageRequest is the request to send a new message.
type SendMessageRequest struct {
	Text string `json:"text"`
}

// SendMessageResponse is the response after sending a message. The message
// becomes visible in the thread once it arrives back through the channel.
type SendMessageResponse struct {
	Message *Message `json:"message"`
}

// ListMessagesResponse is the response for listing the local thread.
type ListMessagesResponse struct {
	Messages []AppendedMessage `json:"messages"`
	State    string            `json:"state"`
}

// MarkReadResponse reports how many messages a mark-read call transitioned.
type MarkReadResponse struct {
	Transitioned int `json:"transitioned"`
}

// HeartbeatEvent represents a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
