package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the type carried in a raw event envelope.
type EventType string

const (
	EventTypeMessage            EventType = "message"
	EventTypeMatchRequest       EventType = "match_request"
	EventTypeMatchRequestStatus EventType = "match_request_status"
	EventTypeMarketplace        EventType = "marketplace"
	EventTypeCategoryRead       EventType = "category_read"
)

// RawEvent is the envelope delivered by the event source for every channel.
type RawEvent struct {
	ID             string          `json:"id"`
	Type           EventType       `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Category       Category        `json:"category,omitempty"`
	RelatedUserID  string          `json:"related_user_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// DecodeMessage decodes the payload of a message event.
func (e RawEvent) DecodeMessage() (Message, error) {
	var msg Message
	if len(e.Payload) == 0 {
		return msg, fmt.Errorf("event %s has no payload", e.ID)
	}
	if err := json.Unmarshal(e.Payload, &msg); err != nil {
		return msg, fmt.Errorf("failed to decode message payload: %w", err)
	}
	if msg.ID == "" {
		msg.ID = e.ID
	}
	if msg.ConversationID == "" {
		msg.ConversationID = e.ConversationID
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = e.Timestamp
	}
	return msg, nil
}

// NewMessageEvent wraps a message into a raw event.
func NewMessageEvent(msg *Message) (RawEvent, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return RawEvent{}, fmt.Errorf("failed to marshal message: %w", err)
	}
	return RawEvent{
		ID:             msg.ID,
		Type:           EventTypeMessage,
		ConversationID: msg.ConversationID,
		Category:       CategoryMessage,
		RelatedUserID:  msg.SenderID,
		Payload:        payload,
		Timestamp:      msg.CreatedAt,
	}, nil
}
