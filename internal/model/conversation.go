// Package model defines data structures for the realtime core.
package model

import (
	"time"
)

// Identity is the display metadata for a user.
type Identity struct {
	UserID   string `json:"user_id"`
	Name     string `json:"name"`
	PhotoURL string `json:"photo_url,omitempty"`
}

// UnknownIdentity is used when a sender cannot be resolved.
func UnknownIdentity(userID string) Identity {
	return Identity{UserID: userID, Name: "Unknown"}
}

// Conversation is a direct conversation between two users.
type Conversation struct {
	ID        string    `json:"id"`
	UserA     string    `json:"user_a"`
	UserB     string    `json:"user_b"`
	CreatedAt time.Time `json:"created_at"`
}

// OtherParticipant returns the participant that is not userID.
func (c Conversation) OtherParticipant(userID string) string {
	if c.UserA == userID {
		return c.UserB
	}
	return c.UserA
}

// Has reports whether userID participates in the conversation.
func (c Conversation) Has(userID string) bool {
	return c.UserA == userID || c.UserB == userID
}

// OpenConversationResponse is returned when a conversation screen is entered.
type OpenConversationResponse struct {
	Handle   ChannelHandle     `json:"handle"`
	Messages []AppendedMessage `json:"messages"`
	State    string            `json:"state"`
}
